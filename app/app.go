package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/searchktools/fast-reactor/config"
	"github.com/searchktools/fast-reactor/core"
	"github.com/searchktools/fast-reactor/core/middleware"
	"github.com/searchktools/fast-reactor/core/pools"
)

// ShutdownTimeout bounds how long Run waits for connections to close
// after a signal.
const ShutdownTimeout = 10 * time.Second

// App wires configuration, logging and signals around an Engine.
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	level  *slog.LevelVar
	engine *core.Engine
}

// New creates an application instance with the standard middleware
// stack: panic recovery, request ids and access logs.
func New(cfg *config.Config) *App {
	log, level := cfg.NewLogger(os.Stderr)

	engine := core.NewEngine(
		core.WithLogger(log),
		core.WithIdleTimeout(cfg.IdleTimeout),
		core.WithPollInterval(cfg.PollInterval),
		core.WithWorkers(cfg.Workers),
		core.WithMaxConnections(cfg.MaxConnections),
		core.WithLimits(cfg.MaxHeaderBytes, cfg.MaxBodyBytes),
		core.WithMetricsPath(cfg.MetricsPath),
		core.WithStatsPath(cfg.StatsPath),
	)
	engine.Use(
		middleware.Recovery(log),
		middleware.RequestID(),
		middleware.AccessLog(log),
	)

	return &App{cfg: cfg, log: log, level: level, engine: engine}
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.log
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully. A clean
// shutdown returns nil.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	prev := pools.ApplyGCConfig(pools.GCConfig{
		GOGC:        a.cfg.GCPercent,
		MemoryLimit: a.cfg.MemoryLimit,
	})
	defer prev.Restore()

	if err := a.engine.Listen(a.cfg.Addr()); err != nil {
		return err
	}
	a.log.Info("fast-reactor started", "addr", a.engine.Addr().String(), "config", a.cfg.File)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if a.cfg.File != "" {
		a.watchConfig(watchCtx)
	}

	served := make(chan error, 1)
	go func() { served <- a.engine.Serve() }()

	select {
	case err := <-served:
		return ignoreClosed(err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down", "timeout", ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ignoreClosed(<-served)
}

// watchConfig applies the settings that can change without a restart:
// the log level and the idle timeout.
func (a *App) watchConfig(ctx context.Context) {
	w, err := config.NewWatcher(a.cfg.File, a.log)
	if err != nil {
		a.log.Warn("config hot reload disabled", "error", err)
		return
	}
	go func() {
		err := w.Watch(ctx, a.applyReload)
		if err != nil {
			a.log.Error("config watcher stopped", "error", err)
		}
	}()
}

func (a *App) applyReload(cfg *config.Config) {
	if l, err := config.ParseLevel(cfg.LogLevel); err == nil && l != a.level.Level() {
		a.level.Set(l)
		a.log.Info("log level changed", "level", l.String())
	}
	if cfg.IdleTimeout != a.engine.IdleTimeout() {
		a.engine.SetIdleTimeout(cfg.IdleTimeout)
		a.log.Info("idle timeout changed", "idle_timeout", cfg.IdleTimeout)
	}
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, core.ErrServerClosed) {
		return nil
	}
	return err
}
