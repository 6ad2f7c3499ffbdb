// Package mmfile provides platform-specific helpers for memory-mapping arena files.
package mmfile

import (
	"errors"
	"os"
)

// ErrUnsupported is returned on platforms without shared file mappings.
var ErrUnsupported = errors.New("mmfile: shared mappings not supported on this platform")

// File is a read-write shared mapping of a whole file. The mapping may move
// when the file is resized.
type File struct {
	f    *os.File
	data []byte
}

// Bytes returns the current mapping. The slice is invalid after Resize or Close.
func (m *File) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// Fd returns the underlying file descriptor, or -1 after Close.
func (m *File) Fd() int {
	if m == nil || m.f == nil {
		return -1
	}
	return int(m.f.Fd())
}

// Name returns the mapped file path.
func (m *File) Name() string {
	if m == nil || m.f == nil {
		return ""
	}
	return m.f.Name()
}
