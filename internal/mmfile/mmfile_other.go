//go:build !unix

package mmfile

// Create is not available without shared file mappings.
func Create(string, int) (*File, error) {
	return nil, ErrUnsupported
}

// Resize is not available without shared file mappings.
func (m *File) Resize(int) error {
	return ErrUnsupported
}

// Close is a no-op without shared file mappings.
func (m *File) Close() error {
	return nil
}
