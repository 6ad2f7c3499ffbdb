//go:build unix

package mmfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Create creates (or truncates) the file at path to size bytes and maps it
// read-write and shared.
func Create(path string, size int) (*File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmfile: invalid size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmfile: truncate: %w", err)
	}
	data, err := mapRW(f, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &File{f: f, data: data}, nil
}

// Resize grows or shrinks the file to size bytes and remaps it. New bytes are
// zero-filled by the OS. On failure the previous mapping is restored when
// possible.
func (m *File) Resize(size int) error {
	if m == nil || m.f == nil {
		return errors.New("mmfile: resize of closed mapping")
	}
	if size <= 0 {
		return fmt.Errorf("mmfile: invalid size %d", size)
	}
	oldSize := len(m.data)
	if size == oldSize {
		return nil
	}

	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("mmfile: unmap before resize: %w", err)
		}
		m.data = nil
	}

	if err := m.f.Truncate(int64(size)); err != nil {
		m.data, _ = mapRW(m.f, oldSize)
		return fmt.Errorf("mmfile: truncate: %w", err)
	}

	data, err := mapRW(m.f, size)
	if err != nil {
		_ = m.f.Truncate(int64(oldSize))
		m.data, _ = mapRW(m.f, oldSize)
		return fmt.Errorf("mmfile: remap after resize: %w", err)
	}
	m.data = data
	return nil
}

// Close unmaps and closes the file. The file itself is kept on disk.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.data != nil {
		if uerr := unix.Munmap(m.data); uerr != nil && !errors.Is(uerr, unix.EINVAL) {
			err = uerr
		}
		m.data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}

func mapRW(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmfile: mmap: %w", err)
	}
	return data, nil
}
