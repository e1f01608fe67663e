package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override, e.g. FASTREACTOR_PORT.
const EnvPrefix = "FASTREACTOR"

// Config holds all application configuration.
//
// Sources, lowest precedence first: defaults, the YAML file named by
// -config, FASTREACTOR_* environment variables, explicit flags.
type Config struct {
	Port int `config:"port"`

	IdleTimeout  time.Duration `config:"idle_timeout"`
	PollInterval time.Duration `config:"poll_interval"`

	// Workers is the worker pool size; 0 means one per CPU.
	Workers        int `config:"workers"`
	MaxConnections int `config:"max_connections"`
	MaxHeaderBytes int `config:"max_header_bytes"`
	MaxBodyBytes   int `config:"max_body_bytes"`

	LogLevel  string `config:"log_level"`
	LogFormat string `config:"log_format"`

	MetricsPath string `config:"metrics_path"`
	StatsPath   string `config:"stats_path"`

	// GCPercent and MemoryLimit tune the runtime; zero keeps the defaults.
	GCPercent   int   `config:"gc_percent"`
	MemoryLimit int64 `config:"memory_limit"`

	Env string `config:"env"`

	// File is the YAML file the config was loaded from, if any.
	File string `config:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           8080,
		IdleTimeout:    60 * time.Second,
		PollInterval:   time.Second,
		MaxHeaderBytes: 8 << 10,
		MaxBodyBytes:   8 << 20,
		LogLevel:       "info",
		LogFormat:      "text",
		MetricsPath:    "/metrics",
		StatsPath:      "/debug/stats",
		Env:            "development",
	}
}

// New loads configuration from the process arguments and environment and
// exits on error.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Load builds a Config from args and the environment.
func Load(args []string) (*Config, error) {
	def := Default()

	fs := flag.NewFlagSet("fast-reactor", flag.ContinueOnError)
	file := fs.String("config", os.Getenv(EnvPrefix+"_CONFIG"), "YAML configuration file")
	fs.Int("port", def.Port, "HTTP server port")
	fs.Duration("idle-timeout", def.IdleTimeout, "close connections idle this long (0 disables)")
	fs.Duration("poll-interval", def.PollInterval, "upper bound on one poller wait")
	fs.Int("workers", def.Workers, "worker goroutines (0 = one per CPU)")
	fs.Int("max-connections", def.MaxConnections, "maximum open connections (0 = unlimited)")
	fs.Int("max-header-bytes", def.MaxHeaderBytes, "request header limit in bytes")
	fs.Int("max-body-bytes", def.MaxBodyBytes, "request body limit in bytes")
	fs.String("log-level", def.LogLevel, "log level (debug/info/warn/error)")
	fs.String("log-format", def.LogFormat, "log format (text/json)")
	fs.String("metrics-path", def.MetricsPath, "Prometheus metrics route (empty disables)")
	fs.String("stats-path", def.StatsPath, "engine stats route (empty disables)")
	fs.Int("gc-percent", def.GCPercent, "GOGC override (0 keeps the runtime default)")
	fs.Int64("memory-limit", def.MemoryLimit, "soft memory limit in bytes (0 = none)")
	fs.String("env", def.Env, "Environment (development/production)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if *file != "" {
		if err := m.LoadFromYAML(*file); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		m.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
	})

	cfg := def
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.File = *file

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds a Config from defaults, the YAML file and the
// environment. Hot reload uses it.
func LoadFile(path string) (*Config, error) {
	m := NewManager()
	if err := m.LoadFromYAML(path); err != nil {
		return nil, err
	}
	m.LoadFromEnv(EnvPrefix)

	cfg := Default()
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.File = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive"))
	}
	if c.Workers < 0 || c.MaxConnections < 0 || c.MaxHeaderBytes < 0 || c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("worker and limit settings must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr returns the listen address for Port on every interface.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log_level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w. The returned LevelVar
// lets the level change at runtime.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	if l, err := ParseLevel(c.LogLevel); err == nil {
		level.Set(l)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("env", c.Env), level
}
