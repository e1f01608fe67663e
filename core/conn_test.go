//go:build linux

package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-reactor/core/poller"
)

func socketPair(t *testing.T) (*poller.Socket, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	sock := poller.NewSocket(fds[0])
	t.Cleanup(func() {
		sock.Close()
		unix.Close(fds[1])
	})
	return sock, fds[1]
}

func TestConnectionDispatchToken(t *testing.T) {
	sock, _ := socketPair(t)
	c := newConnection(sock)

	if !c.acquire() {
		t.Fatal("Expected a fresh connection to hand out its token")
	}
	if c.acquire() {
		t.Fatal("Expected a held token to refuse a second worker")
	}
	c.release()
	if !c.acquire() {
		t.Fatal("Expected the token to be available after release")
	}
}

func TestHandleIODropsConcurrentDispatch(t *testing.T) {
	sock, peer := socketPair(t)
	c := newConnection(sock)

	e := NewEngine()
	e.registry.Add(c)

	if _, err := unix.Write(peer, []byte("GET /hello HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Another worker is still serving c.
	if !c.acquire() {
		t.Fatal("acquire failed")
	}
	e.handleIO(c.fd, poller.Readable)

	if n := c.in.ReadableBytes(); n != 0 {
		t.Errorf("Expected the second dispatch not to read, got %d buffered bytes", n)
	}
	if n := c.out.ReadableBytes(); n != 0 {
		t.Errorf("Expected no reply from the second dispatch, got %d bytes", n)
	}
	if c.Closed() {
		t.Error("Expected the connection to stay open")
	}
	if got := testutil.ToFloat64(e.Metrics().DispatchConflicts); got != 1 {
		t.Errorf("Expected one dispatch conflict, got %v", got)
	}
	if e.registry.Get(c.fd) != c {
		t.Error("Expected the connection to stay registered")
	}
}
