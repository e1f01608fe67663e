//go:build linux

package poller

import "golang.org/x/sys/unix"

func readv(fd int, iovs [][]byte) (int, error) {
	return unix.Readv(fd, iovs)
}
