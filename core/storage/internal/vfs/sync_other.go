//go:build unix && !linux

package vfs

import "golang.org/x/sys/unix"

func syncFd(fd int, _ bool) error {
	return unix.Fsync(fd)
}
