//go:build linux

package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/middleware"
)

type testServer struct {
	engine   *Engine
	addr     string
	served   chan error
	stopOnce sync.Once
}

func startEngine(t testing.TB, setup func(e *Engine), opts ...Option) *testServer {
	t.Helper()

	opts = append([]Option{WithPollInterval(20 * time.Millisecond), WithWorkers(4)}, opts...)
	e := NewEngine(opts...)
	e.GET("/hello", func(req *http.Request, resp *http.Response) {
		resp.String(200, "hello")
	})
	e.Any("/echo", func(req *http.Request, resp *http.Response) {
		resp.String(200, req.Method+" "+req.Target()+" "+string(req.Body))
	})
	if setup != nil {
		setup(e)
	}

	if err := e.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := &testServer{engine: e, addr: e.Addr().String(), served: make(chan error, 1)}
	go func() { s.served <- e.Serve() }()

	t.Cleanup(func() { s.stop(t) })
	return s
}

func (s *testServer) stop(t testing.TB) {
	t.Helper()
	s.stopOnce.Do(func() { s.shutdown(t) })
}

func (s *testServer) shutdown(t testing.TB) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.engine.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	select {
	case err := <-s.served:
		if !IsServerClosed(err) {
			t.Errorf("Serve returned %v, want ErrServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Serve did not return after Shutdown")
	}
}

func (s *testServer) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readResponse(t *testing.T, br *bufio.Reader, method string) (*nethttp.Response, string) {
	t.Helper()
	resp, err := nethttp.ReadResponse(br, &nethttp.Request{Method: method})
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func expectClosed(t *testing.T, br *bufio.Reader) {
	t.Helper()
	_, err := br.ReadByte()
	if err == nil {
		t.Fatal("Expected connection to be closed, read a byte")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("Expected connection to be closed, read timed out")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestEngineSimpleGet(t *testing.T) {
	s := startEngine(t, nil)
	conn, br := s.dial(t)

	send(t, conn, "GET /hello HTTP/1.1\r\nHost: test\r\n\r\n")
	resp, body := readResponse(t, br, "GET")

	if resp.StatusCode != 200 || body != "hello" {
		t.Errorf("Expected 200 hello, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Server") != http.ServerName {
		t.Errorf("Expected Server header, got %q", resp.Header.Get("Server"))
	}
	if resp.Header.Get("Connection") != "keep-alive" {
		t.Errorf("Expected keep-alive, got %q", resp.Header.Get("Connection"))
	}
	if resp.ContentLength != 5 {
		t.Errorf("Expected Content-Length 5, got %d", resp.ContentLength)
	}
}

func TestEngineNotFound(t *testing.T) {
	s := startEngine(t, nil)
	conn, br := s.dial(t)

	send(t, conn, "GET /missing HTTP/1.1\r\n\r\n")
	resp, body := readResponse(t, br, "GET")

	if resp.StatusCode != 404 {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if body != "<html><body><h1>404 Not Found</h1></body></html>" {
		t.Errorf("Unexpected 404 body %q", body)
	}
}

func TestEngineKeepAlive(t *testing.T) {
	s := startEngine(t, nil)
	conn, br := s.dial(t)

	for i := 0; i < 3; i++ {
		send(t, conn, fmt.Sprintf("POST /echo?n=%d HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi", i))
		resp, body := readResponse(t, br, "POST")
		want := fmt.Sprintf("POST /echo?n=%d hi", i)
		if resp.StatusCode != 200 || body != want {
			t.Fatalf("request %d: got %d %q, want %q", i, resp.StatusCode, body, want)
		}
	}

	if got := s.engine.Stats().Connections; got != 1 {
		t.Errorf("Expected one live connection, got %d", got)
	}
}

func TestEngineConnectionClose(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"explicit close", "GET /hello HTTP/1.1\r\nConnection: close\r\n\r\n"},
		{"http/1.0 default", "GET /hello HTTP/1.0\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startEngine(t, nil)
			conn, br := s.dial(t)

			send(t, conn, tt.request)
			resp, body := readResponse(t, br, "GET")
			if resp.StatusCode != 200 || body != "hello" {
				t.Errorf("Expected 200 hello, got %d %q", resp.StatusCode, body)
			}
			if resp.Header.Get("Connection") != "close" {
				t.Errorf("Expected Connection: close, got %q", resp.Header.Get("Connection"))
			}
			expectClosed(t, br)
		})
	}
}

func TestEngineHTTP10KeepAlive(t *testing.T) {
	s := startEngine(t, nil)
	conn, br := s.dial(t)

	for i := 0; i < 2; i++ {
		send(t, conn, "GET /hello HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
		resp, _ := readResponse(t, br, "GET")
		if resp.Header.Get("Connection") != "keep-alive" {
			t.Fatalf("request %d: expected keep-alive, got %q", i, resp.Header.Get("Connection"))
		}
	}
}

func TestEngineIdleEviction(t *testing.T) {
	s := startEngine(t, nil, WithIdleTimeout(100*time.Millisecond))
	_, br := s.dial(t)

	waitFor(t, "connection registered", func() bool { return s.engine.Stats().Connections == 1 })

	start := time.Now()
	expectClosed(t, br)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Eviction took %v", elapsed)
	}

	waitFor(t, "registry drained", func() bool { return s.engine.Stats().Connections == 0 })
	if got := testutil.ToFloat64(s.engine.Metrics().ConnsTimedOut); got != 1 {
		t.Errorf("Expected one timed out connection, got %v", got)
	}
	if got := testutil.ToFloat64(s.engine.Metrics().ConnsOpen); got != 0 {
		t.Errorf("Expected no open connections, got %v", got)
	}
}

func TestEngineActivityDefersEviction(t *testing.T) {
	s := startEngine(t, nil, WithIdleTimeout(150*time.Millisecond))
	conn, br := s.dial(t)

	// Keep talking for longer than the timeout.
	for i := 0; i < 5; i++ {
		send(t, conn, "GET /hello HTTP/1.1\r\n\r\n")
		readResponse(t, br, "GET")
		time.Sleep(60 * time.Millisecond)
	}

	if got := testutil.ToFloat64(s.engine.Metrics().ConnsTimedOut); got != 0 {
		t.Errorf("Active connection was evicted")
	}
}

func TestEngineIdleTimeoutEnabledLater(t *testing.T) {
	s := startEngine(t, nil, WithIdleTimeout(0))
	conn, br := s.dial(t)

	send(t, conn, "GET /hello HTTP/1.1\r\n\r\n")
	readResponse(t, br, "GET")

	s.engine.SetIdleTimeout(100 * time.Millisecond)
	expectClosed(t, br)

	waitFor(t, "registry drained", func() bool { return s.engine.Stats().Connections == 0 })
	if got := testutil.ToFloat64(s.engine.Metrics().ConnsTimedOut); got != 1 {
		t.Errorf("Expected one timed out connection, got %v", got)
	}
}

func TestEngineIdleTimeoutDisabled(t *testing.T) {
	s := startEngine(t, nil, WithIdleTimeout(100*time.Millisecond))
	conn, br := s.dial(t)

	send(t, conn, "GET /hello HTTP/1.1\r\n\r\n")
	readResponse(t, br, "GET")

	s.engine.SetIdleTimeout(0)
	time.Sleep(300 * time.Millisecond)

	send(t, conn, "GET /hello HTTP/1.1\r\n\r\n")
	resp, body := readResponse(t, br, "GET")
	if resp.StatusCode != 200 || body != "hello" {
		t.Errorf("Expected 200 hello after disabling the timeout, got %d %q", resp.StatusCode, body)
	}
	if got := testutil.ToFloat64(s.engine.Metrics().ConnsTimedOut); got != 0 {
		t.Errorf("Expected no evictions once disabled, got %v", got)
	}
}

func TestEnginePipelining(t *testing.T) {
	s := startEngine(t, nil)
	conn, br := s.dial(t)

	send(t, conn,
		"GET /echo?i=1 HTTP/1.1\r\n\r\n"+
			"POST /echo?i=2 HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"+
			"GET /echo?i=3 HTTP/1.1\r\n\r\n")

	want := []string{"GET /echo?i=1 ", "POST /echo?i=2 abc", "GET /echo?i=3 "}
	for i, w := range want {
		_, body := readResponse(t, br, "GET")
		if body != w {
			t.Errorf("response %d: got %q, want %q", i, body, w)
		}
	}
}

func TestEngineFramingErrors(t *testing.T) {
	tests := []struct {
		name    string
		request string
		status  int
	}{
		{"malformed request line", "BAD\r\n\r\n", 400},
		{"chunked body", "POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n", 501},
		{"http/2 preface", "GET / HTTP/2.0\r\n\r\n", 505},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := startEngine(t, nil)
			conn, br := s.dial(t)

			send(t, conn, tt.request)
			resp, _ := readResponse(t, br, "GET")
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			expectClosed(t, br)

			if got := testutil.ToFloat64(s.engine.Metrics().FramingErrors.WithLabelValues(fmt.Sprint(tt.status))); got != 1 {
				t.Errorf("Expected one framing error, got %v", got)
			}
		})
	}
}

func TestEngineHead(t *testing.T) {
	s := startEngine(t, func(e *Engine) {
		e.HEAD("/hello", func(req *http.Request, resp *http.Response) {
			resp.String(200, "hello")
		})
	})
	conn, br := s.dial(t)

	send(t, conn, "HEAD /hello HTTP/1.1\r\n\r\nGET /hello HTTP/1.1\r\n\r\n")

	resp, body := readResponse(t, br, "HEAD")
	if resp.ContentLength != 5 || body != "" {
		t.Errorf("HEAD: expected length 5 and no body, got %d %q", resp.ContentLength, body)
	}
	// The next response must start right after the HEAD headers.
	_, body = readResponse(t, br, "GET")
	if body != "hello" {
		t.Errorf("GET after HEAD: got %q", body)
	}
}

func TestEngineMiddleware(t *testing.T) {
	s := startEngine(t, func(e *Engine) {
		e.Use(middleware.Recovery(nil), middleware.RequestID())
		e.GET("/panic", func(req *http.Request, resp *http.Response) {
			panic("boom")
		})
	})
	conn, br := s.dial(t)

	send(t, conn, "GET /panic HTTP/1.1\r\n\r\n")
	resp, _ := readResponse(t, br, "GET")
	if resp.StatusCode != 500 {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}

	send(t, conn, "GET /hello HTTP/1.1\r\nX-Request-Id: abc\r\n\r\n")
	resp, _ = readResponse(t, br, "GET")
	if resp.Header.Get("X-Request-Id") != "abc" {
		t.Errorf("Expected echoed request id, got %q", resp.Header.Get("X-Request-Id"))
	}
}

func TestEngineHandlerPanicClosesConnection(t *testing.T) {
	s := startEngine(t, func(e *Engine) {
		e.GET("/panic", func(req *http.Request, resp *http.Response) {
			panic("boom")
		})
	})
	conn, br := s.dial(t)

	send(t, conn, "GET /panic HTTP/1.1\r\n\r\n")
	expectClosed(t, br)

	waitFor(t, "registry drained", func() bool { return s.engine.Stats().Connections == 0 })
}

// Requests on one connection never run concurrently, even with many
// workers and many connections.
func TestEngineOneShotExclusivity(t *testing.T) {
	var (
		mu         sync.Mutex
		inflight   = map[string]int{}
		violations atomic.Int32
	)

	s := startEngine(t, func(e *Engine) {
		e.GET("/work", func(req *http.Request, resp *http.Response) {
			id := req.Header("X-Client")
			mu.Lock()
			inflight[id]++
			if inflight[id] > 1 {
				violations.Add(1)
			}
			mu.Unlock()

			time.Sleep(200 * time.Microsecond)

			mu.Lock()
			inflight[id]--
			mu.Unlock()
			resp.String(200, id)
		})
	}, WithWorkers(8))

	const clients, perClient = 16, 20
	var wg sync.WaitGroup
	errs := make(chan error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			conn, err := net.Dial("tcp", s.addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))

			req := "GET /work HTTP/1.1\r\nX-Client: " + id + "\r\n\r\n"
			half := strings.Repeat(req, perClient/2)
			go func() {
				io.WriteString(conn, half)
				time.Sleep(time.Millisecond)
				io.WriteString(conn, half)
			}()

			br := bufio.NewReader(conn)
			for j := 0; j < perClient; j++ {
				resp, err := nethttp.ReadResponse(br, nil)
				if err != nil {
					errs <- fmt.Errorf("client %s response %d: %w", id, j, err)
					return
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if string(body) != id {
					errs <- fmt.Errorf("client %s got body %q", id, body)
					return
				}
			}
		}(fmt.Sprintf("c%d", i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if v := violations.Load(); v != 0 {
		t.Errorf("Saw %d concurrent handler runs on one connection", v)
	}
}

func TestEngineMaxConnections(t *testing.T) {
	s := startEngine(t, nil, WithMaxConnections(1))

	first, firstBr := s.dial(t)
	send(t, first, "GET /hello HTTP/1.1\r\n\r\n")
	readResponse(t, firstBr, "GET")

	_, secondBr := s.dial(t)
	expectClosed(t, secondBr)

	waitFor(t, "rejection counted", func() bool {
		return testutil.ToFloat64(s.engine.Metrics().ConnsRejected) == 1
	})
}

func TestEngineMetricsAndStats(t *testing.T) {
	s := startEngine(t, nil, WithMetricsPath("/metrics"), WithStatsPath("/debug/stats"))
	conn, br := s.dial(t)

	send(t, conn, "GET /hello HTTP/1.1\r\n\r\n")
	readResponse(t, br, "GET")

	send(t, conn, "GET /metrics HTTP/1.1\r\n\r\n")
	resp, body := readResponse(t, br, "GET")
	if resp.StatusCode != 200 {
		t.Fatalf("metrics: status %d", resp.StatusCode)
	}
	for _, name := range []string{"fastreactor_requests_total", "fastreactor_connections_open", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics: missing %s", name)
		}
	}

	send(t, conn, "GET /debug/stats HTTP/1.1\r\n\r\n")
	resp, body = readResponse(t, br, "GET")
	if resp.Header.Get("Content-Type") != http.ContentTypeJSON || !strings.Contains(body, `"connections"`) {
		t.Errorf("stats json: %s %q", resp.Header.Get("Content-Type"), body)
	}

	send(t, conn, "GET /debug/stats HTTP/1.1\r\nAccept: application/x-protobuf\r\n\r\n")
	resp, body = readResponse(t, br, "GET")
	if resp.Header.Get("Content-Type") != ContentTypeProtobuf {
		t.Fatalf("stats protobuf: content type %q", resp.Header.Get("Content-Type"))
	}
	var st structpb.Struct
	if err := proto.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("stats protobuf: %v", err)
	}
	if got := st.Fields["connections"].GetNumberValue(); got != 1 {
		t.Errorf("stats protobuf: expected 1 connection, got %v", got)
	}
	if got := st.Fields["oldest_connection_seconds"].GetNumberValue(); got <= 0 {
		t.Errorf("stats protobuf: expected a positive connection age, got %v", got)
	}
	var routes []string
	for _, v := range st.Fields["routes"].GetListValue().GetValues() {
		routes = append(routes, v.GetStringValue())
	}
	for _, want := range []string{"GET /hello", "ANY /echo", "GET /metrics", "GET /debug/stats"} {
		if !slices.Contains(routes, want) {
			t.Errorf("stats protobuf: expected route %q in %v", want, routes)
		}
	}

	if got := testutil.ToFloat64(s.engine.Metrics().Requests.WithLabelValues("2xx")); got != 4 {
		t.Errorf("Expected 4 2xx requests, got %v", got)
	}
}

func TestEngineShutdownClosesConnections(t *testing.T) {
	s := startEngine(t, nil)
	conn, br := s.dial(t)

	send(t, conn, "GET /hello HTTP/1.1\r\n\r\n")
	readResponse(t, br, "GET")

	s.stop(t)
	expectClosed(t, br)

	if got := s.engine.Stats().Connections; got != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", got)
	}
	if err := s.engine.Listen("127.0.0.1:0"); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Listen after Shutdown: got %v", err)
	}
}

func TestEngineLifecycleErrors(t *testing.T) {
	e := NewEngine()
	if err := e.Serve(); !errors.Is(err, ErrNotListening) {
		t.Errorf("Serve before Listen: got %v", err)
	}
	if err := e.Listen("not-an-address"); err == nil {
		t.Error("Expected Listen error for a bad address")
	}
	if e.Addr() != nil {
		t.Error("Expected nil Addr after failed Listen")
	}

	if err := e.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := e.Listen("127.0.0.1:0"); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second Listen: got %v", err)
	}
	// Shutdown without Serve releases the listener directly.
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := e.Serve(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Shutdown: got %v", err)
	}
}
