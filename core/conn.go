package core

import (
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-reactor/core/buffer"
	"github.com/searchktools/fast-reactor/core/poller"
)

// Connection is one accepted client socket with its I/O buffers.
//
// The poller arms a connection one-shot, so at most one worker touches
// in, out and closeAfterFlush at a time; they need no lock. The dispatch
// token checks that at runtime and orders one worker's writes before the
// next worker's reads.
type Connection struct {
	fd   int
	sock *poller.Socket

	in  *buffer.Buffer
	out *buffer.Buffer

	// closeAfterFlush is set once a reply says "Connection: close" or a
	// framing error was answered.
	closeAfterFlush bool

	accepted time.Time
	requests atomic.Uint64
	closed   atomic.Bool
	dispatch atomic.Bool
}

func newConnection(sock *poller.Socket) *Connection {
	return &Connection{
		fd:       sock.Fd(),
		sock:     sock,
		in:       buffer.New(),
		out:      buffer.New(),
		accepted: time.Now(),
	}
}

// Fd returns the socket descriptor, which is also the registry key.
func (c *Connection) Fd() int {
	return c.fd
}

// Requests returns how many requests were answered on this connection.
func (c *Connection) Requests() uint64 {
	return c.requests.Load()
}

// Age returns the time since the connection was accepted.
func (c *Connection) Age() time.Duration {
	return time.Since(c.accepted)
}

// acquire takes the dispatch token. It fails if another worker holds it.
func (c *Connection) acquire() bool {
	return c.dispatch.CompareAndSwap(false, true)
}

// release hands the token back. It must happen before the connection is
// re-armed, since the next readiness may be dispatched at once.
func (c *Connection) release() {
	c.dispatch.Store(false)
}

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}
