package middleware

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/searchktools/fast-reactor/core/http"
)

type recordLogger struct {
	mu    sync.Mutex
	infos []string
	errs  []string
}

func (l *recordLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func (l *recordLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errs = append(l.errs, msg)
	l.mu.Unlock()
}

func newRequest(method, path string) *http.Request {
	return &http.Request{Method: method, Path: path, Proto: "HTTP/1.1", Headers: map[string]string{}}
}

// TestPipelineBasic tests middleware order
func TestPipelineBasic(t *testing.T) {
	pipeline := NewPipeline()

	var order []string
	trace := func(name string) Middleware {
		return func(next http.HandlerFunc) http.HandlerFunc {
			return func(req *http.Request, resp *http.Response) {
				order = append(order, name+">")
				next(req, resp)
				order = append(order, "<"+name)
			}
		}
	}
	pipeline.Use(trace("a"), trace("b"))

	pipeline.Execute(newRequest("GET", "/"), http.NewResponse(), func(req *http.Request, resp *http.Response) {
		order = append(order, "handler")
	})

	want := "a>,b>,handler,<b,<a"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("Expected order %s, got %s", want, got)
	}
}

// TestPipelineAbort tests that a middleware can stop the chain
func TestPipelineAbort(t *testing.T) {
	pipeline := NewPipeline()

	secondExecuted := false
	finalExecuted := false

	pipeline.Use(func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) {
			resp.String(403, "forbidden")
		}
	})
	pipeline.Use(func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) {
			secondExecuted = true
			next(req, resp)
		}
	})

	resp := http.NewResponse()
	pipeline.Execute(newRequest("GET", "/"), resp, func(req *http.Request, resp *http.Response) {
		finalExecuted = true
	})

	if secondExecuted || finalExecuted {
		t.Error("Chain should stop at the first middleware")
	}
	if resp.StatusCode != 403 {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}

func TestPipelineEmpty(t *testing.T) {
	executed := false
	NewPipeline().Execute(newRequest("GET", "/"), http.NewResponse(), func(req *http.Request, resp *http.Response) {
		executed = true
	})
	if !executed {
		t.Error("Final handler was not executed")
	}
}

func TestRecovery(t *testing.T) {
	log := &recordLogger{}
	h := NewPipeline().Use(Recovery(log)).Then(func(req *http.Request, resp *http.Response) {
		resp.SetHeader("X-Partial", "1")
		panic("boom")
	})

	resp := http.NewResponse()
	h(newRequest("GET", "/panic"), resp)

	if resp.StatusCode != 500 {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	if resp.Header("X-Partial") != "" {
		t.Error("Headers set before the panic should be dropped")
	}
	if len(log.errs) != 1 {
		t.Errorf("Expected one error log, got %d", len(log.errs))
	}
}

func TestRequestID(t *testing.T) {
	h := NewPipeline().Use(RequestID()).Then(func(req *http.Request, resp *http.Response) {})

	resp := http.NewResponse()
	h(newRequest("GET", "/"), resp)
	if _, err := uuid.Parse(resp.Header(RequestIDHeader)); err != nil {
		t.Errorf("Expected minted uuid, got %q: %v", resp.Header(RequestIDHeader), err)
	}

	req := newRequest("GET", "/")
	req.SetHeader("x-request-id", "abc")
	resp = http.NewResponse()
	h(req, resp)
	if resp.Header(RequestIDHeader) != "abc" {
		t.Errorf("Expected echoed id abc, got %q", resp.Header(RequestIDHeader))
	}
}

func TestAccessLog(t *testing.T) {
	log := &recordLogger{}
	h := NewPipeline().Use(AccessLog(log)).Then(func(req *http.Request, resp *http.Response) {
		resp.String(200, "ok")
	})
	h(newRequest("GET", "/"), http.NewResponse())

	if len(log.infos) != 1 || log.infos[0] != "request" {
		t.Errorf("Expected one access log line, got %v", log.infos)
	}
}

func TestCORSPreflight(t *testing.T) {
	finalExecuted := false
	h := NewPipeline().Use(CORS()).Then(func(req *http.Request, resp *http.Response) {
		finalExecuted = true
	})

	resp := http.NewResponse()
	h(newRequest("OPTIONS", "/"), resp)
	if finalExecuted {
		t.Error("Preflight should not reach the handler")
	}
	if resp.StatusCode != 204 || resp.Header("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Unexpected preflight reply %d %v", resp.StatusCode, resp.Headers)
	}
}

func TestRateLimiter(t *testing.T) {
	h := NewPipeline().Use(RateLimiter(2)).Then(func(req *http.Request, resp *http.Response) {
		resp.String(200, "ok")
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := http.NewResponse()
		h(newRequest("GET", "/"), resp)
		codes = append(codes, resp.StatusCode)
	}

	if codes[0] != 200 || codes[1] != 200 || codes[2] != 429 {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}
}
