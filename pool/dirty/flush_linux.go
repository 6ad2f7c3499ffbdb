//go:build linux

package dirty

import "golang.org/x/sys/unix"

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

func fdatasync(fd int) error {
	return unix.Fdatasync(fd)
}
