// Package backlog measures how many entities are still waiting for
// consolidation and raises alerts when the queue grows too large or too old.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// Config holds the alert thresholds. Zero disables a threshold.
type Config struct {
	MaxEntities      int
	MaxAgeDays       int
	SecondsPerEntity float64
}

// DefaultConfig alerts at 1000 entities or 7 days.
func DefaultConfig() Config {
	return Config{MaxEntities: 1000, MaxAgeDays: 7, SecondsPerEntity: 2}
}

// Sink receives persisted snapshots.
type Sink interface {
	Name() string
	Write(ctx context.Context, m apptype.BacklogMetrics) error
}

// Monitor scans entity tables for unconsolidated rows.
type Monitor struct {
	dm     *database.DBManager
	cfg    Config
	sinks  []Sink
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSinks appends report sinks used by Persist.
func WithSinks(s ...Sink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, s...) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor builds a Monitor over the tables of dm.
func NewMonitor(dm *database.DBManager, cfg Config, opts ...Option) *Monitor {
	if cfg.SecondsPerEntity <= 0 {
		cfg.SecondsPerEntity = DefaultConfig().SecondsPerEntity
	}
	m := &Monitor{dm: dm, cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "backlog")
	return m
}

// Sinks returns the configured sinks.
func (m *Monitor) Sinks() []Sink { return m.sinks }

// CollectMetrics sums unconsolidated rows across every table that carries an
// is_consolidated column. Other tables are skipped silently.
func (m *Monitor) CollectMetrics(ctx context.Context) (apptype.BacklogMetrics, error) {
	done := metrics.TimeOp("backlog_collect")
	out := apptype.BacklogMetrics{PerEntityCounts: map[string]int{}, CollectedAt: m.now().UTC()}
	store := m.dm.Store()
	tables, err := store.ListTables(ctx)
	if err != nil {
		done(false)
		return out, err
	}
	for _, table := range tables {
		n, oldest, ok, err := store.UnconsolidatedStats(ctx, table)
		if err != nil {
			if errors.Is(err, database.ErrInvalidTable) {
				continue
			}
			done(false)
			return out, err
		}
		if !ok {
			continue
		}
		out.PerEntityCounts[table] = n
		out.TotalUnconsolidated += n
		if oldest != nil && (out.OldestEntityTimestamp == nil || oldest.Before(*out.OldestEntityTimestamp)) {
			t := *oldest
			out.OldestEntityTimestamp = &t
		}
	}
	out.EstimatedMinutes = float64(out.TotalUnconsolidated) * m.cfg.SecondsPerEntity / 60
	out.AlertTriggered = m.ShouldAlert(out)
	metrics.Default().SetBacklog(out.TotalUnconsolidated, m.oldestAge(out).Seconds())
	done(true)
	return out, nil
}

func (m *Monitor) oldestAge(b apptype.BacklogMetrics) time.Duration {
	if b.OldestEntityTimestamp == nil {
		return 0
	}
	return m.now().Sub(*b.OldestEntityTimestamp)
}

// ShouldAlert reports whether the backlog is too large or too old.
func (m *Monitor) ShouldAlert(b apptype.BacklogMetrics) bool {
	if m.cfg.MaxEntities > 0 && b.TotalUnconsolidated >= m.cfg.MaxEntities {
		return true
	}
	if m.cfg.MaxAgeDays > 0 && m.oldestAge(b) > time.Duration(m.cfg.MaxAgeDays)*24*time.Hour {
		return true
	}
	return false
}

// Alert logs and counts an alert when b crosses a threshold. It reports
// whether one fired.
func (m *Monitor) Alert(b apptype.BacklogMetrics) bool {
	if !m.ShouldAlert(b) {
		return false
	}
	metrics.Default().IncBacklogAlert()
	args := []any{"total_unconsolidated", b.TotalUnconsolidated, "max_entities", m.cfg.MaxEntities,
		"estimated_minutes", b.EstimatedMinutes}
	if b.OldestEntityTimestamp != nil {
		args = append(args, "oldest_age", m.oldestAge(b).Round(time.Second).String(), "max_age_days", m.cfg.MaxAgeDays)
	}
	m.logger.Warn("backlog threshold exceeded", args...)
	return true
}

// Persist writes b to every sink. A failing sink does not stop the others.
func (m *Monitor) Persist(ctx context.Context, b apptype.BacklogMetrics) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, b); err != nil {
			m.logger.Warn("failed to persist backlog snapshot", "sink", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
