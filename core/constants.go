package core

import (
	"errors"
	"time"
)

// Defaults applied by NewEngine.
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultPollInterval = time.Second

	// scratchSize is the spill iovec of each vectored read.
	scratchSize = 64 << 10
)

// Error definitions
var (
	ErrServerClosed     = errors.New("server closed")
	ErrNotListening     = errors.New("engine is not listening")
	ErrAlreadyListening = errors.New("engine is already listening")
)
