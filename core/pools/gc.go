package pools

import (
	"math"
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds runtime GC tuning. Zero fields leave the runtime setting
// untouched.
type GCConfig struct {
	// GOGC sets the garbage collection target percentage.
	GOGC int

	// MemoryLimit sets the soft memory limit in bytes.
	MemoryLimit int64
}

// GCSettings is the runtime state before or after ApplyGCConfig.
type GCSettings struct {
	GOGC        int
	MemoryLimit int64
}

// ApplyGCConfig applies cfg and returns the previous settings so callers
// can restore them.
func ApplyGCConfig(cfg GCConfig) GCSettings {
	prev := GCSettings{
		GOGC:        currentGCPercent(),
		MemoryLimit: debug.SetMemoryLimit(-1),
	}

	if cfg.GOGC > 0 {
		debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// Restore puts back settings captured by ApplyGCConfig.
func (s GCSettings) Restore() {
	debug.SetGCPercent(s.GOGC)
	debug.SetMemoryLimit(s.MemoryLimit)
}

// currentGCPercent reads GOGC; the runtime only exposes it through a set.
func currentGCPercent() int {
	p := debug.SetGCPercent(100)
	debug.SetGCPercent(p)
	return p
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32
	PauseTotal   time.Duration
	LastPause    time.Duration
	AllocBytes   uint64
	Sys          uint64
	NumGoroutine int
	// MemoryLimit is the current soft limit; math.MaxInt64 means none.
	MemoryLimit int64
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		AllocBytes:   ms.Alloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
		MemoryLimit:  debug.SetMemoryLimit(-1),
	}
	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return stats
}

// HasMemoryLimit reports whether a soft limit below the default is set.
func (s GCStats) HasMemoryLimit() bool {
	return s.MemoryLimit != math.MaxInt64
}
