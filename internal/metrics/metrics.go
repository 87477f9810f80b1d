package metrics

import (
	"net/http"
	"sync"
	"time"
)

// Package metrics provides a minimal instrumentation interface with a no-op
// default and optional Prometheus-backed implementation enabled via config or env.

// Recorder defines the metrics surface used across the codebase.
type Recorder interface {
	IncDBOpTotal(op string, success bool)
	ObserveDBOpSeconds(op string, success bool, seconds float64)
	IncToolTotal(tool string, success bool)
	ObserveToolSeconds(tool string, success bool, seconds float64)
	IncStmtCacheHit(kind string)
	IncStmtCacheMiss(kind string)
	ObservePoolStats(inUse, idle int)

	AddEntitiesProcessed(entityType string, outcome string, n int)
	AddContradictions(entityType string, n int)
	AddRelationships(relType string, n int)
	IncEventsSynced(eventType string, mode string, success bool)
	IncEmbeddingCache(result string)
	SetCircuitOpen(open bool)
	SetBacklog(total int, oldestAgeSeconds float64)
	IncBacklogAlert()
}

// noopRecorder implements Recorder with no-ops.
type noopRecorder struct{}

func (n *noopRecorder) IncDBOpTotal(string, bool)                {}
func (n *noopRecorder) ObserveDBOpSeconds(string, bool, float64) {}
func (n *noopRecorder) IncToolTotal(string, bool)                {}
func (n *noopRecorder) ObserveToolSeconds(string, bool, float64) {}
func (n *noopRecorder) IncStmtCacheHit(string)                   {}
func (n *noopRecorder) IncStmtCacheMiss(string)                  {}
func (n *noopRecorder) ObservePoolStats(int, int)                {}
func (n *noopRecorder) AddEntitiesProcessed(string, string, int) {}
func (n *noopRecorder) AddContradictions(string, int)            {}
func (n *noopRecorder) AddRelationships(string, int)             {}
func (n *noopRecorder) IncEventsSynced(string, string, bool)     {}
func (n *noopRecorder) IncEmbeddingCache(string)                 {}
func (n *noopRecorder) SetCircuitOpen(bool)                      {}
func (n *noopRecorder) SetBacklog(int, float64)                  {}
func (n *noopRecorder) IncBacklogAlert()                         {}

var (
	recMu    sync.RWMutex
	recorder Recorder = &noopRecorder{}
	handler  http.Handler
)

// Default returns the current recorder.
func Default() Recorder {
	recMu.RLock()
	defer recMu.RUnlock()
	return recorder
}

// SetRecorder swaps the global recorder implementation.
func SetRecorder(r Recorder) {
	recMu.Lock()
	defer recMu.Unlock()
	recorder = r
}

// Handler returns the /metrics handler when a Prometheus recorder is
// installed, or nil.
func Handler() http.Handler {
	recMu.RLock()
	defer recMu.RUnlock()
	return handler
}

// TimeOp is a helper to time DB operations.
func TimeOp(op string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		dur := time.Since(start).Seconds()
		Default().IncDBOpTotal(op, success)
		Default().ObserveDBOpSeconds(op, success, dur)
	}
}

// TimeTool is a helper to time tool handler operations.
func TimeTool(tool string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		dur := time.Since(start).Seconds()
		Default().IncToolTotal(tool, success)
		Default().ObserveToolSeconds(tool, success, dur)
	}
}

// Init enables the Prometheus recorder when enabled is true. When addr is
// non-empty a small HTTP server is started with /metrics and /healthz.
func Init(enabled bool, addr string) error {
	if !enabled {
		return nil
	}
	return enablePrometheus(addr)
}

// enablePrometheus is provided by build-tagged files.
