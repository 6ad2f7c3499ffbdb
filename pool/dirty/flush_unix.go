//go:build unix && !linux

package dirty

import "golang.org/x/sys/unix"

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

// fdatasync falls back to fsync where fdatasync is unavailable.
func fdatasync(fd int) error {
	return unix.Fsync(fd)
}
