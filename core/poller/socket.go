//go:build linux || darwin

package poller

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen(2) backlog.
const DefaultBacklog = 128

// ErrSocketClosed is returned for operations on a closed Socket.
var ErrSocketClosed = errors.New("socket closed")

// Socket uniquely owns one OS socket handle. Close releases the handle
// exactly once no matter how many times it is called.
type Socket struct {
	fd        int
	closeOnce sync.Once
	closeErr  error
}

// NewSocket takes ownership of fd.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// Fd returns the raw descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

// Listen creates a non-blocking IPv4 TCP listener bound to addr
// ("host:port"; an empty host binds every interface).
func Listen(addr string, backlog int) (*Socket, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	s := NewSocket(fd)
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		s.Close()
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		s.Close()
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		s.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		s.Close()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return s, nil
}

// Accept returns the next pending connection as a non-blocking socket
// with Nagle disabled. It returns unix.EAGAIN when nothing is pending.
func (s *Socket) Accept() (*Socket, error) {
	nfd, _, err := unix.Accept(s.fd)
	if err != nil {
		return nil, err
	}
	c := NewSocket(nfd)
	unix.CloseOnExec(nfd)

	if err := unix.SetNonblock(nfd, true); err != nil {
		c.Close()
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return c, nil
}

// Addr returns the bound local address.
func (s *Socket) Addr() net.Addr {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return &net.TCPAddr{IP: net.IP(in4.Addr[:]).To16(), Port: in4.Port}
	}
	return nil
}

// Readv reads into iovs in a single call.
func (s *Socket) Readv(iovs [][]byte) (int, error) {
	return readv(s.fd, iovs)
}

// Write writes p once and returns the raw result.
func (s *Socket) Write(p []byte) (int, error) {
	return unix.Write(s.fd, p)
}

// Shutdown disables both directions without releasing the descriptor, so
// the number cannot be reused while another goroutine still holds it.
func (s *Socket) Shutdown() error {
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

// Close releases the descriptor. Only the first call has an effect.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = unix.Close(s.fd)
	})
	return s.closeErr
}

// IsWouldBlock reports whether err means "try again after the next
// readiness notification".
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsInterrupted reports whether err is EINTR.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
