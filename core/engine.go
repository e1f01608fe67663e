package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/middleware"
	"github.com/searchktools/fast-reactor/core/poller"
	"github.com/searchktools/fast-reactor/core/pools"
	"github.com/searchktools/fast-reactor/core/router"
	"github.com/searchktools/fast-reactor/core/timer"
)

// HandlerFunc defines the handler function type
type HandlerFunc = http.HandlerFunc

type engineState int

const (
	stateIdle engineState = iota
	stateListening
	stateServing
	stateClosed
)

// Engine is a non-blocking HTTP/1.x reactor: one goroutine waits on the
// poller, accepts connections and fires idle timers; per-connection I/O
// runs on a worker pool, one worker per connection at a time.
type Engine struct {
	router   *router.RadixRouter
	pipeline *middleware.Pipeline
	framer   *http.Framer
	handler  http.HandlerFunc

	log      Logger
	metrics  *Metrics
	registry *Registry
	bytePool *pools.BytePool

	// timers is not thread-safe; every access holds timerMu, including the
	// expiry callbacks, which run inside Tick.
	timerMu sync.Mutex
	timers  *timer.ExpiryQueue

	idleTimeout    atomic.Int64
	pollInterval   time.Duration
	workers        int
	maxConnections int
	metricsPath    string
	statsPath      string

	mu       sync.Mutex
	state    engineState
	listener *poller.Socket
	poller   poller.Poller
	pool     *pools.WorkerPool

	acceptBackoff acceptBackoff

	running      atomic.Bool
	pollerClosed atomic.Bool
	started      atomic.Int64
	done         chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the log sink. The default discards everything.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithIdleTimeout sets how long a connection may stay silent. Zero or
// negative disables idle eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout.Store(int64(d)) }
}

// WithPollInterval caps how long one poller wait may block.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithWorkers sets the worker pool size; zero picks one per CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithMaxConnections closes accepted connections beyond n. Zero means
// unlimited.
func WithMaxConnections(n int) Option {
	return func(e *Engine) { e.maxConnections = n }
}

// WithLimits sets the framer's header and body limits.
func WithLimits(maxHeaderBytes, maxBodyBytes int) Option {
	return func(e *Engine) {
		e.framer = &http.Framer{MaxHeaderBytes: maxHeaderBytes, MaxBodyBytes: maxBodyBytes}
	}
}

// WithMetrics replaces the engine's collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithMetricsPath serves the Prometheus exposition at path. Empty disables it.
func WithMetricsPath(path string) Option {
	return func(e *Engine) { e.metricsPath = path }
}

// WithStatsPath serves the engine snapshot at path. Empty disables it.
func WithStatsPath(path string) Option {
	return func(e *Engine) { e.statsPath = path }
}

// WithClock sets the idle timer clock.
func WithClock(c timer.Clock) Option {
	return func(e *Engine) { e.timers = timer.New(timer.WithClock(c)) }
}

// NewEngine creates a new engine instance
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		router:       router.NewRadixRouter(),
		pipeline:     middleware.NewPipeline(),
		framer:       http.DefaultFramer,
		log:          NopLogger,
		metrics:      NewMetrics(),
		registry:     NewRegistry(),
		bytePool:     pools.NewBytePool(),
		timers:       timer.New(),
		pollInterval: DefaultPollInterval,
		done:         make(chan struct{}),
	}
	e.idleTimeout.Store(int64(DefaultIdleTimeout))

	for _, opt := range opts {
		opt(e)
	}
	// A paused loop also holds back idle timers and other connections.
	e.acceptBackoff.max = e.pollInterval
	return e
}

// Handle registers a route. method may be router.Any.
func (e *Engine) Handle(method, path string, handler HandlerFunc) {
	e.router.Add(method, path, handler)
}

// GET registers a GET route
func (e *Engine) GET(path string, handler HandlerFunc) { e.Handle("GET", path, handler) }

// POST registers a POST route
func (e *Engine) POST(path string, handler HandlerFunc) { e.Handle("POST", path, handler) }

// PUT registers a PUT route
func (e *Engine) PUT(path string, handler HandlerFunc) { e.Handle("PUT", path, handler) }

// DELETE registers a DELETE route
func (e *Engine) DELETE(path string, handler HandlerFunc) { e.Handle("DELETE", path, handler) }

// PATCH registers a PATCH route
func (e *Engine) PATCH(path string, handler HandlerFunc) { e.Handle("PATCH", path, handler) }

// HEAD registers a HEAD route
func (e *Engine) HEAD(path string, handler HandlerFunc) { e.Handle("HEAD", path, handler) }

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(path string, handler HandlerFunc) { e.Handle("OPTIONS", path, handler) }

// Any registers a route for every method without a more specific one.
func (e *Engine) Any(path string, handler HandlerFunc) { e.Handle(router.Any, path, handler) }

// Use appends middlewares. Middlewares added after Serve starts are ignored.
func (e *Engine) Use(mw ...middleware.Middleware) {
	e.pipeline.Use(mw...)
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// IdleTimeout returns the current idle timeout.
func (e *Engine) IdleTimeout() time.Duration {
	return time.Duration(e.idleTimeout.Load())
}

// SetIdleTimeout changes the idle timeout. Every open connection restarts
// its idle clock with the new value; zero or negative cancels them all.
func (e *Engine) SetIdleTimeout(d time.Duration) {
	// accept registers a connection before armIdle takes timerMu, so it is
	// either in the snapshot or reads the new value itself. closeConnection
	// marks c closed before it cancels the timer, so checking Closed here
	// never re-arms a dead connection. Lock order is timerMu, then the
	// registry.
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	e.idleTimeout.Store(int64(d))
	for _, c := range e.registry.Snapshot() {
		if c.Closed() {
			continue
		}
		if d <= 0 {
			e.timers.Cancel(c.fd)
		} else {
			e.timers.Add(c.fd, d, e.evictIdle(c))
		}
	}
}

// Addr returns the listening address, or nil before Listen.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Listen binds addr ("host:port", empty host for every interface),
// creates the poller and worker pool, and registers the listener.
// No loop runs until Serve.
func (e *Engine) Listen(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateClosed:
		return ErrServerClosed
	case stateListening, stateServing:
		return ErrAlreadyListening
	}

	ln, err := poller.Listen(addr, poller.DefaultBacklog)
	if err != nil {
		return err
	}
	p, err := poller.NewPoller()
	if err != nil {
		ln.Close()
		return err
	}
	if err := p.AddListener(ln.Fd()); err != nil {
		p.Close()
		ln.Close()
		return err
	}

	e.listener = ln
	e.poller = p
	e.pool = pools.NewWorkerPool(e.workers, pools.WithPanicHandler(func(v any) {
		e.log.Error("worker task panicked", "panic", fmt.Sprint(v))
	}))
	e.registerBuiltins()
	e.state = stateListening

	e.log.Info("listening",
		"addr", ln.Addr().String(),
		"workers", e.pool.Stats().NumWorkers,
		"idle_timeout", e.IdleTimeout(),
		"poll_interval", e.pollInterval)
	return nil
}

func (e *Engine) registerBuiltins() {
	if e.metricsPath != "" {
		e.router.Add("GET", e.metricsPath, e.metrics.Handler())
	}
	if e.statsPath != "" {
		e.router.Add("GET", e.statsPath, e.statsHandler)
	}
}

// Run listens on addr and serves until Shutdown.
func (e *Engine) Run(addr string) error {
	if err := e.Listen(addr); err != nil {
		return err
	}
	return e.Serve()
}

// Serve runs the event loop until Shutdown, then releases every resource.
// It returns ErrServerClosed after a clean shutdown.
func (e *Engine) Serve() error {
	e.mu.Lock()
	switch e.state {
	case stateIdle:
		e.mu.Unlock()
		return ErrNotListening
	case stateServing:
		e.mu.Unlock()
		return ErrAlreadyListening
	case stateClosed:
		e.mu.Unlock()
		return ErrServerClosed
	}
	e.state = stateServing
	e.handler = e.pipeline.Then(e.route)
	e.running.Store(true)
	e.started.Store(time.Now().UnixNano())
	e.mu.Unlock()

	defer close(e.done)
	err := e.loop()
	e.cleanup()

	if err != nil {
		return err
	}
	e.log.Info("server stopped")
	return ErrServerClosed
}

func (e *Engine) loop() error {
	lfd := e.listener.Fd()

	for e.running.Load() {
		events, err := e.poller.Wait(e.waitTimeout())
		if err != nil {
			if !e.running.Load() {
				return nil
			}
			e.log.Error("poller wait failed", "error", err)
			return fmt.Errorf("poller wait: %w", err)
		}

		e.tick()

		for _, ev := range events {
			if ev.Fd == lfd {
				e.accept()
				continue
			}

			fd, ready := ev.Fd, ev.Readiness
			if err := e.pool.Submit(func() { e.handleIO(fd, ready) }); err != nil {
				return nil
			}
		}
	}
	return nil
}

// waitTimeout is the time to the next idle deadline, capped at the poll
// interval, in whole milliseconds rounded up.
func (e *Engine) waitTimeout() int {
	e.timerMu.Lock()
	next := e.timers.NextDeadline()
	e.timerMu.Unlock()

	d := e.pollInterval
	if next >= 0 && next < d {
		d = next
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (e *Engine) tick() {
	e.timerMu.Lock()
	e.timers.Tick()
	e.timerMu.Unlock()
}

// accept drains the listen queue.
func (e *Engine) accept() {
	for {
		sock, err := e.listener.Accept()
		if err != nil {
			if poller.IsWouldBlock(err) {
				return
			}
			if poller.IsInterrupted(err) {
				continue
			}
			// The listener is level-triggered, so anything left in the
			// queue is retried on the next wait, after a pause.
			e.metrics.AcceptErrors.Inc()
			delay, warn, suppressed := e.acceptBackoff.fail(time.Now())
			if warn {
				e.log.Warn("accept failed", "error", err, "retry_in", delay, "suppressed", suppressed)
			}
			time.Sleep(delay)
			return
		}
		e.acceptBackoff.reset()

		if e.maxConnections > 0 && e.registry.Len() >= e.maxConnections {
			sock.Close()
			e.metrics.ConnsRejected.Inc()
			e.log.Warn("connection limit reached", "limit", e.maxConnections)
			continue
		}

		c := newConnection(sock)
		e.registry.Add(c)
		e.armIdle(c)
		e.metrics.ConnsAccepted.Inc()
		e.metrics.ConnsOpen.Inc()

		if err := e.poller.Add(c.fd, poller.Readable); err != nil {
			e.log.Warn("register connection failed", "fd", c.fd, "error", err)
			e.closeConnection(c)
			continue
		}
		e.log.Debug("connection accepted", "fd", c.fd)
	}
}

// armIdle schedules the eviction of c. The callback only shuts the socket
// down; the resulting hang-up is handled by whichever goroutine next owns
// the connection, and that one releases the descriptor.
func (e *Engine) armIdle(c *Connection) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if d := e.IdleTimeout(); d > 0 {
		e.timers.Add(c.fd, d, e.evictIdle(c))
	}
}

func (e *Engine) evictIdle(c *Connection) timer.Callback {
	return func() {
		e.metrics.ConnsTimedOut.Inc()
		e.log.Debug("idle timeout", "fd", c.fd, "age", c.Age())
		c.sock.Shutdown()
	}
}

// refreshIdle restarts the idle clock of c after activity. A connection
// that had no timer, because eviction was off when it arrived, gets one.
func (e *Engine) refreshIdle(c *Connection) {
	// Read under timerMu so a concurrent SetIdleTimeout is seen either
	// before or after, never half way.
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	d := e.IdleTimeout()
	switch {
	case d <= 0:
		e.timers.Cancel(c.fd)
	case e.timers.Has(c.fd):
		e.timers.Adjust(c.fd, d)
	default:
		e.timers.Add(c.fd, d, e.evictIdle(c))
	}
}

// closeConnection tears c down exactly once: registry entry, idle timer,
// poller registration, then the descriptor.
func (e *Engine) closeConnection(c *Connection) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	e.registry.EraseIf(c.fd, c)

	e.timerMu.Lock()
	e.timers.Cancel(c.fd)
	e.timerMu.Unlock()

	if !e.pollerClosed.Load() {
		if err := e.poller.Remove(c.fd); err != nil {
			e.log.Debug("poller remove failed", "fd", c.fd, "error", err)
		}
	}
	if err := c.sock.Close(); err != nil {
		e.log.Debug("close failed", "fd", c.fd, "error", err)
	}

	e.metrics.ConnsClosed.Inc()
	e.metrics.ConnsOpen.Dec()
	e.log.Debug("connection closed", "fd", c.fd, "requests", c.Requests(), "age", c.Age())
}

// Shutdown stops the event loop and waits until every connection is
// closed or ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	prev := e.state
	e.state = stateClosed
	e.mu.Unlock()

	switch prev {
	case stateIdle, stateClosed:
		return nil
	case stateListening:
		e.cleanup()
		return nil
	}

	e.running.Store(false)
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanup releases resources in dependency order. The pool is drained
// before any connection is closed, so no worker touches a closed socket.
func (e *Engine) cleanup() {
	if err := e.listener.Close(); err != nil {
		e.log.Warn("close listener failed", "error", err)
	}

	e.pool.Shutdown()
	if st := e.pool.Stats(); st.TasksDropped > 0 {
		e.log.Debug("dropped queued I/O tasks", "count", st.TasksDropped)
	}

	e.pollerClosed.Store(true)
	if err := e.poller.Close(); err != nil {
		e.log.Warn("close poller failed", "error", err)
	}

	for _, c := range e.registry.Snapshot() {
		e.closeConnection(c)
	}
	e.registry.Clear()

	e.timerMu.Lock()
	e.timers.Clear()
	e.timerMu.Unlock()
}

func (e *Engine) workerPool() *pools.WorkerPool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

// IsServerClosed reports whether err is the normal result of Shutdown.
func IsServerClosed(err error) bool {
	return errors.Is(err, ErrServerClosed)
}
