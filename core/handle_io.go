package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/searchktools/fast-reactor/core/buffer"
	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/poller"
)

// handleIO services one readiness notification. The registration is
// one-shot, so until handleIO re-arms it no other worker can be running
// for the same connection.
func (e *Engine) handleIO(fd int, ready poller.Readiness) {
	c := e.registry.Get(fd)
	if c == nil || c.Closed() {
		return
	}
	if !c.acquire() {
		e.metrics.DispatchConflicts.Inc()
		e.log.Error("connection dispatched while already in service", "fd", fd)
		return
	}
	defer func() {
		if v := recover(); v != nil {
			e.log.Error("panic while serving connection", "fd", fd, "panic", fmt.Sprint(v))
			e.closeConnection(c)
		}
	}()

	if ready.Has(poller.Error) || ready.Has(poller.HangUp) {
		e.closeConnection(c)
		return
	}

	e.refreshIdle(c)

	if ready.Has(poller.Readable) {
		eof, err := e.readFrom(c)
		if err != nil {
			e.log.Debug("read failed", "fd", fd, "error", err)
			e.closeConnection(c)
			return
		}
		e.process(c)
		if eof {
			// The peer stopped sending; answer what was framed, then close.
			c.closeAfterFlush = true
		}
	}

	if c.out.ReadableBytes() > 0 {
		if err := e.flush(c); err != nil {
			e.log.Debug("write failed", "fd", fd, "error", err)
			e.closeConnection(c)
			return
		}
	}

	if c.closeAfterFlush && c.out.ReadableBytes() == 0 {
		e.closeConnection(c)
		return
	}

	interest := poller.Readable
	if c.out.ReadableBytes() > 0 {
		interest = poller.Writable
	}
	c.release()
	if err := e.poller.Arm(fd, interest); err != nil {
		e.log.Debug("re-arm failed", "fd", fd, "error", err)
		e.closeConnection(c)
	}
}

// readFrom reads until the socket would block. The second iovec is a
// pooled scratch slice so one call can take more than the buffer's free
// space. eof reports an orderly shutdown by the peer.
func (e *Engine) readFrom(c *Connection) (eof bool, err error) {
	scratch := e.bytePool.Get(scratchSize)
	defer e.bytePool.Put(scratch)

	iovs := make([][]byte, 2)
	for {
		if c.in.WritableBytes() == 0 {
			c.in.EnsureWritable(buffer.InitialSize)
		}
		iovs[0] = c.in.WritableSlice()
		iovs[1] = *scratch

		n, err := c.sock.Readv(iovs)
		if err != nil {
			if poller.IsInterrupted(err) {
				continue
			}
			if poller.IsWouldBlock(err) {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return true, nil
		}
		e.metrics.BytesRead.Add(float64(n))

		if w := len(iovs[0]); n > w {
			c.in.HasWritten(w)
			c.in.Append((*scratch)[:n-w])
		} else {
			c.in.HasWritten(n)
		}
	}
}

// process frames and answers every complete request in the read buffer,
// in arrival order.
func (e *Engine) process(c *Connection) {
	for !c.closeAfterFlush {
		req, err := e.framer.Parse(c.in)
		if errors.Is(err, http.ErrIncomplete) {
			return
		}
		if err != nil {
			e.rejectRequest(c, err)
			return
		}
		e.serveRequest(c, req)
	}
}

func (e *Engine) serveRequest(c *Connection, req *http.Request) {
	resp := http.AcquireResponse()
	defer http.ReleaseResponse(resp)
	defer http.ReleaseRequest(req)

	keepAlive := http.KeepAlive(req)

	start := time.Now()
	e.handler(req, resp)
	e.metrics.observeRequest(resp.StatusCode, time.Since(start))

	if strings.EqualFold(resp.Header("Connection"), "close") {
		keepAlive = false
	}
	resp.SetConnection(keepAlive)

	if req.Method == "HEAD" {
		resp.AppendHeaderTo(c.out)
	} else {
		resp.AppendTo(c.out)
	}
	c.requests.Add(1)

	if !keepAlive {
		c.closeAfterFlush = true
	}
}

// rejectRequest answers a framing error and schedules the close. Bytes
// after the bad request are never parsed.
func (e *Engine) rejectRequest(c *Connection, err error) {
	code := http.ErrorStatus(err)
	e.metrics.FramingErrors.WithLabelValues(strconv.Itoa(code)).Inc()
	e.log.Debug("rejecting request", "fd", c.fd, "status", code, "error", err)

	resp := http.AcquireResponse()
	defer http.ReleaseResponse(resp)

	resp.Error(code)
	resp.SetConnection(false)
	resp.AppendTo(c.out)

	c.in.RetrieveAll()
	c.closeAfterFlush = true
}

// route is the innermost handler: router lookup, then the built-in 404.
func (e *Engine) route(req *http.Request, resp *http.Response) {
	h, params := e.router.Find(req.Method, req.Path)
	if h == nil {
		http.NotFound(resp)
		return
	}
	if params != nil {
		req.Params = params
	}
	h(req, resp)
}

// flush writes the output buffer until it drains or the socket would block.
func (e *Engine) flush(c *Connection) error {
	for c.out.ReadableBytes() > 0 {
		n, err := c.sock.Write(c.out.Peek())
		if err != nil {
			if poller.IsInterrupted(err) {
				continue
			}
			if poller.IsWouldBlock(err) {
				return nil
			}
			return err
		}
		c.out.Retrieve(n)
		e.metrics.BytesWritten.Add(float64(n))
	}
	return nil
}
