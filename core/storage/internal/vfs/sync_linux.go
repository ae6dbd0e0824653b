//go:build linux

package vfs

import "golang.org/x/sys/unix"

func syncFd(fd int, dataOnly bool) error {
	if dataOnly {
		return unix.Fdatasync(fd)
	}
	return unix.Fsync(fd)
}
