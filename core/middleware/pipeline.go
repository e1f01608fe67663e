package middleware

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/searchktools/fast-reactor/core/http"
)

// Middleware wraps a handler. A middleware that does not call next
// short-circuits the rest of the pipeline.
type Middleware func(next http.HandlerFunc) http.HandlerFunc

// Logger is the subset of a structured logger the middlewares need.
// *slog.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pipeline is an ordered middleware chain. The first middleware added is
// the outermost.
type Pipeline struct {
	mu       sync.RWMutex
	handlers []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]Middleware, 0, 16),
	}
}

// Use adds middlewares to the pipeline
func (p *Pipeline) Use(mw ...Middleware) *Pipeline {
	p.mu.Lock()
	p.handlers = append(p.handlers, mw...)
	p.mu.Unlock()
	return p
}

// Len returns the number of middlewares.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers)
}

// Then wraps final with every middleware, outermost first.
func (p *Pipeline) Then(final http.HandlerFunc) http.HandlerFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := final
	for i := len(p.handlers) - 1; i >= 0; i-- {
		h = p.handlers[i](h)
	}
	return h
}

// Execute runs the middleware pipeline
func (p *Pipeline) Execute(req *http.Request, resp *http.Response, final http.HandlerFunc) {
	// Fast path: no middlewares
	if p.Len() == 0 {
		final(req, resp)
		return
	}
	p.Then(final)(req, resp)
}

// Common middleware implementations

// Recovery turns a handler panic into a 500 reply.
func Recovery(log Logger) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) {
			defer func() {
				if err := recover(); err != nil {
					if log != nil {
						log.Error("panic recovered",
							"method", req.Method,
							"path", req.Path,
							"panic", fmt.Sprint(err),
							"stack", string(debug.Stack()))
					}
					clear(resp.Headers)
					resp.SetHeader("Server", http.ServerName)
					resp.String(500, "500 Internal Server Error")
				}
			}()
			next(req, resp)
		}
	}
}

// AccessLog logs one line per request once the handler returns.
func AccessLog(log Logger) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) {
			start := time.Now()
			next(req, resp)
			log.Info("request",
				"method", req.Method,
				"path", req.Path,
				"status", resp.StatusCode,
				"bytes", len(resp.Body),
				"duration", time.Since(start),
				"request_id", resp.Header(RequestIDHeader))
		}
	}
}

// CORS adds CORS headers and answers preflight requests directly.
func CORS() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) {
			resp.SetHeader("Access-Control-Allow-Origin", "*")
			resp.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			resp.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if req.Method == "OPTIONS" {
				resp.SetStatus(204)
				resp.Body = resp.Body[:0]
				return
			}
			next(req, resp)
		}
	}
}

// RateLimiter allows requestsPerSecond requests per one-second window.
func RateLimiter(requestsPerSecond int) Middleware {
	var (
		mu         sync.Mutex
		tokens     = requestsPerSecond
		lastRefill = time.Now()
	)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) {
			mu.Lock()
			now := time.Now()
			if now.Sub(lastRefill) >= time.Second {
				tokens = requestsPerSecond
				lastRefill = now
			}
			allowed := tokens > 0
			if allowed {
				tokens--
			}
			mu.Unlock()

			if !allowed {
				resp.SetHeader("Retry-After", strconv.Itoa(1))
				resp.String(429, "429 Too Many Requests")
				return
			}
			next(req, resp)
		}
	}
}

// RequestIDHeader carries the per-request id.
const RequestIDHeader = "X-Request-Id"

// RequestID echoes the client's X-Request-Id or mints a random one.
func RequestID() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(req *http.Request, resp *http.Response) {
			id := req.Header(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			resp.SetHeader(RequestIDHeader, id)
			next(req, resp)
		}
	}
}
