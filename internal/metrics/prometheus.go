//go:build !noprom

package metrics

import (
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

type promRecorder struct {
	dbTotal        *prom.CounterVec
	dbSeconds      *prom.HistogramVec
	toolTotal      *prom.CounterVec
	toolSeconds    *prom.HistogramVec
	stmtCache      *prom.CounterVec
	poolInUse      prom.Gauge
	poolIdle       prom.Gauge
	entities       *prom.CounterVec
	contradictions *prom.CounterVec
	relationships  *prom.CounterVec
	eventsSynced   *prom.CounterVec
	embedCache     *prom.CounterVec
	circuitOpen    prom.Gauge
	backlogTotal   prom.Gauge
	backlogAge     prom.Gauge
	backlogAlerts  prom.Counter
}

func (p *promRecorder) IncDBOpTotal(op string, success bool) {
	p.dbTotal.WithLabelValues(op, fmt.Sprintf("%t", success)).Inc()
}

func (p *promRecorder) ObserveDBOpSeconds(op string, success bool, seconds float64) {
	p.dbSeconds.WithLabelValues(op, fmt.Sprintf("%t", success)).Observe(seconds)
}

func (p *promRecorder) IncToolTotal(tool string, success bool) {
	p.toolTotal.WithLabelValues(tool, fmt.Sprintf("%t", success)).Inc()
}

func (p *promRecorder) ObserveToolSeconds(tool string, success bool, seconds float64) {
	p.toolSeconds.WithLabelValues(tool, fmt.Sprintf("%t", success)).Observe(seconds)
}

func (p *promRecorder) IncStmtCacheHit(kind string)  { p.stmtCache.WithLabelValues(kind, "hit").Inc() }
func (p *promRecorder) IncStmtCacheMiss(kind string) { p.stmtCache.WithLabelValues(kind, "miss").Inc() }

func (p *promRecorder) ObservePoolStats(inUse, idle int) {
	p.poolInUse.Set(float64(inUse))
	p.poolIdle.Set(float64(idle))
}

func (p *promRecorder) AddEntitiesProcessed(entityType, outcome string, n int) {
	p.entities.WithLabelValues(entityType, outcome).Add(float64(n))
}

func (p *promRecorder) AddContradictions(entityType string, n int) {
	p.contradictions.WithLabelValues(entityType).Add(float64(n))
}

func (p *promRecorder) AddRelationships(relType string, n int) {
	p.relationships.WithLabelValues(relType).Add(float64(n))
}

func (p *promRecorder) IncEventsSynced(eventType, mode string, success bool) {
	p.eventsSynced.WithLabelValues(eventType, mode, fmt.Sprintf("%t", success)).Inc()
}

func (p *promRecorder) IncEmbeddingCache(result string) { p.embedCache.WithLabelValues(result).Inc() }

func (p *promRecorder) SetCircuitOpen(open bool) {
	if open {
		p.circuitOpen.Set(1)
		return
	}
	p.circuitOpen.Set(0)
}

func (p *promRecorder) SetBacklog(total int, oldestAgeSeconds float64) {
	p.backlogTotal.Set(float64(total))
	p.backlogAge.Set(oldestAgeSeconds)
}

func (p *promRecorder) IncBacklogAlert() { p.backlogAlerts.Inc() }

func enablePrometheus(addr string) error {
	registry := prom.NewRegistry()
	p := &promRecorder{
		dbTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "db_ops_total",
			Help: "Total number of DB operations",
		}, []string{"op", "success"}),
		dbSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "db_op_seconds",
			Help:    "DB operation duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"op", "success"}),
		toolTotal: prom.NewCounterVec(prom.CounterOpts{
			Name: "tool_calls_total",
			Help: "Total number of tool handler calls",
		}, []string{"tool", "success"}),
		toolSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Name:    "tool_call_seconds",
			Help:    "Tool handler duration in seconds",
			Buckets: prom.DefBuckets,
		}, []string{"tool", "success"}),
		stmtCache: prom.NewCounterVec(prom.CounterOpts{
			Name: "stmt_cache_total",
			Help: "Prepared statement cache lookups",
		}, []string{"kind", "result"}),
		poolInUse: prom.NewGauge(prom.GaugeOpts{
			Name: "db_pool_in_use",
			Help: "Connections currently in use",
		}),
		poolIdle: prom.NewGauge(prom.GaugeOpts{
			Name: "db_pool_idle",
			Help: "Idle connections in the pool",
		}),
		entities: prom.NewCounterVec(prom.CounterOpts{
			Name: "consolidation_entities_total",
			Help: "Entities processed by consolidation, by outcome (merged|inserted)",
		}, []string{"entity_type", "outcome"}),
		contradictions: prom.NewCounterVec(prom.CounterOpts{
			Name: "consolidation_contradictions_total",
			Help: "Contradictions detected while merging",
		}, []string{"entity_type"}),
		relationships: prom.NewCounterVec(prom.CounterOpts{
			Name: "consolidation_relationships_total",
			Help: "Relationships discovered per batch",
		}, []string{"relationship_type"}),
		eventsSynced: prom.NewCounterVec(prom.CounterOpts{
			Name: "sync_events_total",
			Help: "Consolidation events replicated to shadow stores",
		}, []string{"event_type", "mode", "success"}),
		embedCache: prom.NewCounterVec(prom.CounterOpts{
			Name: "embedding_lookups_total",
			Help: "Embedding lookups by result (hit|persistent|miss|provider_error|circuit_open)",
		}, []string{"result"}),
		circuitOpen: prom.NewGauge(prom.GaugeOpts{
			Name: "embedding_circuit_open",
			Help: "1 when the embedding circuit breaker is open",
		}),
		backlogTotal: prom.NewGauge(prom.GaugeOpts{
			Name: "backlog_unconsolidated_entities",
			Help: "Entities not yet consolidated",
		}),
		backlogAge: prom.NewGauge(prom.GaugeOpts{
			Name: "backlog_oldest_age_seconds",
			Help: "Age of the oldest unconsolidated entity",
		}),
		backlogAlerts: prom.NewCounter(prom.CounterOpts{
			Name: "backlog_alerts_total",
			Help: "Backlog alert evaluations that fired",
		}),
	}

	registry.MustRegister(
		p.dbTotal, p.dbSeconds, p.toolTotal, p.toolSeconds, p.stmtCache,
		p.poolInUse, p.poolIdle, p.entities, p.contradictions, p.relationships,
		p.eventsSynced, p.embedCache, p.circuitOpen, p.backlogTotal, p.backlogAge,
		p.backlogAlerts,
	)
	h := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	SetRecorder(p)
	recMu.Lock()
	handler = h
	recMu.Unlock()

	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	go func() { _ = http.ListenAndServe(addr, mux) }()
	return nil
}
