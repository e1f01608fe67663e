//go:build darwin

package poller

import "golang.org/x/sys/unix"

// readv fills iovs in order with plain reads, stopping at the first short
// read so readiness semantics match a single vectored read.
func readv(fd int, iovs [][]byte) (int, error) {
	total := 0
	for _, iov := range iovs {
		if len(iov) == 0 {
			continue
		}
		n, err := unix.Read(fd, iov)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return n, err
		}
		total += n
		if n < len(iov) {
			break
		}
	}
	return total, nil
}
