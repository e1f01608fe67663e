package core

import (
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/fast-reactor/core/http"
	"github.com/searchktools/fast-reactor/core/pools"
)

// ContentTypeProtobuf selects the binary stats encoding.
const ContentTypeProtobuf = "application/x-protobuf"

// Stats is a point-in-time view of the engine.
type Stats struct {
	Connections int `json:"connections"`
	// OldestConnection is the age of the longest-lived open connection.
	OldestConnection time.Duration `json:"oldest_connection"`
	Timers           int           `json:"timers"`
	Routes           []string      `json:"routes"`
	Uptime           time.Duration `json:"uptime"`
	IdleTimeout      time.Duration `json:"idle_timeout"`

	Workers  pools.WorkerPoolStats `json:"workers"`
	BytePool pools.BytePoolStats   `json:"byte_pool"`
	GC       pools.GCStats         `json:"gc"`
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() Stats {
	e.timerMu.Lock()
	timers := e.timers.Len()
	e.timerMu.Unlock()

	s := Stats{
		Connections: e.registry.Len(),
		Timers:      timers,
		IdleTimeout: e.IdleTimeout(),
		BytePool:    e.bytePool.Stats(),
		GC:          pools.GetGCStats(),
	}
	for _, c := range e.registry.Snapshot() {
		s.OldestConnection = max(s.OldestConnection, c.Age())
	}
	for _, r := range e.router.Routes() {
		s.Routes = append(s.Routes, r.Method+" "+r.Path)
	}
	if started := e.started.Load(); started != 0 {
		s.Uptime = time.Since(time.Unix(0, started))
	}
	if pool := e.workerPool(); pool != nil {
		s.Workers = pool.Stats()
	}
	return s
}

// Struct converts the snapshot to a protobuf Struct.
func (s Stats) Struct() (*structpb.Struct, error) {
	routes := make([]any, len(s.Routes))
	for i, r := range s.Routes {
		routes[i] = r
	}
	return structpb.NewStruct(map[string]any{
		"connections":               s.Connections,
		"oldest_connection_seconds": s.OldestConnection.Seconds(),
		"routes":                    routes,
		"timers":                    s.Timers,
		"uptime_seconds":            s.Uptime.Seconds(),
		"idle_timeout_seconds":      s.IdleTimeout.Seconds(),
		"workers": map[string]any{
			"num_workers":     s.Workers.NumWorkers,
			"tasks_submitted": s.Workers.TasksSubmitted,
			"tasks_completed": s.Workers.TasksCompleted,
			"tasks_dropped":   s.Workers.TasksDropped,
			"tasks_pending":   s.Workers.TasksPending,
			"panics":          s.Workers.Panics,
		},
		"byte_pool": map[string]any{
			"gets":   s.BytePool.Gets,
			"misses": s.BytePool.Misses,
		},
		"gc": map[string]any{
			"num_gc":           s.GC.NumGC,
			"pause_total_ns":   int64(s.GC.PauseTotal),
			"last_pause_ns":    int64(s.GC.LastPause),
			"heap_alloc_bytes": s.GC.AllocBytes,
			"sys_bytes":        s.GC.Sys,
			"goroutines":       s.GC.NumGoroutine,
			"memory_limited":   s.GC.HasMemoryLimit(),
		},
	})
}

// statsHandler serves Stats as JSON, or as a binary protobuf Struct when
// the client accepts application/x-protobuf.
func (e *Engine) statsHandler(req *http.Request, resp *http.Response) {
	st, err := e.Stats().Struct()
	if err != nil {
		resp.String(500, "stats: "+err.Error())
		return
	}

	if strings.Contains(req.Header("Accept"), ContentTypeProtobuf) {
		data, err := proto.Marshal(st)
		if err != nil {
			resp.String(500, "stats: "+err.Error())
			return
		}
		resp.Bytes(200, ContentTypeProtobuf, data)
		return
	}

	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		resp.String(500, "stats: "+err.Error())
		return
	}
	resp.Bytes(200, http.ContentTypeJSON, data)
}
