// Package worker runs the long-lived ingestion loop: watch the backlog,
// drain pending events and sleep adaptively.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/backlog"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// Worker modes.
const (
	ModeMonitor       = "monitor"
	ModeConsolidation = "consolidation"
	ModeFull          = "full"
)

// ErrUnknownMode is returned by New for a mode outside the Mode constants.
var ErrUnknownMode = errors.New("unknown worker mode")

// Monitor is the backlog surface the worker drives.
type Monitor interface {
	CollectMetrics(ctx context.Context) (apptype.BacklogMetrics, error)
	Persist(ctx context.Context, m apptype.BacklogMetrics) error
	Alert(m apptype.BacklogMetrics) bool
}

// Drainer is the sync surface the worker drives.
type Drainer interface {
	SyncPendingEvents(ctx context.Context, limit int) (int, error)
	Full(ctx context.Context, batch int) (apptype.SyncResult, error)
}

// Config selects the mode and limits of a worker run. MaxCycles of zero
// runs until the context is cancelled.
type Config struct {
	Mode       string
	BatchSize  int
	DryRun     bool
	StatusFile string
	MaxCycles  int
}

// Status is written to the status file after every cycle.
type Status struct {
	Cycle            int                    `json:"cycle"`
	Mode             string                 `json:"mode"`
	DryRun           bool                   `json:"dry_run"`
	StartedAt        time.Time              `json:"started_at"`
	FinishedAt       time.Time              `json:"finished_at"`
	DurationSeconds  float64                `json:"duration_seconds"`
	Backlog          apptype.BacklogMetrics `json:"backlog"`
	AlertTriggered   bool                   `json:"alert_triggered"`
	EventsProcessed  int                    `json:"events_processed"`
	FullResync       bool                   `json:"full_resync,omitempty"`
	NextSleepSeconds float64                `json:"next_sleep_seconds"`
	Error            string                 `json:"error,omitempty"`
}

// Worker alternates backlog checks and drains on a Scheduler.
type Worker struct {
	cfg      Config
	monitor  Monitor
	drainer  Drainer
	sched    *Scheduler
	clock    Clock
	logger   *slog.Logger
	fullDone bool
	last     Status
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock replaces the clock the worker sleeps on.
func WithClock(c Clock) Option { return func(w *Worker) { w.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// New validates cfg and builds a worker. drainer may be nil in monitor
// mode and in dry runs.
func New(cfg Config, monitor Monitor, drainer Drainer, sched *Scheduler, opts ...Option) (*Worker, error) {
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeConsolidation
	case ModeMonitor, ModeConsolidation, ModeFull:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	if cfg.Mode != ModeMonitor && !cfg.DryRun && drainer == nil {
		return nil, fmt.Errorf("mode %s needs an event drainer", cfg.Mode)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if sched == nil {
		sched = NewScheduler(time.Minute, 0)
	}
	w := &Worker{cfg: cfg, monitor: monitor, drainer: drainer, sched: sched, clock: RealClock(), logger: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.With("component", "worker")
	return w, nil
}

// Last returns the status of the most recent cycle.
func (w *Worker) Last() Status { return w.last }

// Run loops until ctx is cancelled or MaxCycles is reached. A cycle that
// has started always finishes, then Run returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "mode", w.cfg.Mode, "interval", w.sched.Interval.String(),
		"batch_size", w.cfg.BatchSize, "dry_run", w.cfg.DryRun)
	for cycle := 1; ; cycle++ {
		if ctx.Err() != nil {
			break
		}
		st := w.RunCycle(ctx, cycle)
		if w.cfg.MaxCycles > 0 && cycle >= w.cfg.MaxCycles {
			break
		}
		select {
		case <-ctx.Done():
		case <-w.clock.After(time.Duration(st.NextSleepSeconds * float64(time.Second))):
		}
	}
	w.logger.Info("worker stopped", "cycles", w.last.Cycle)
	return nil
}

// RunCycle performs one monitor/drain pass and writes the status file.
func (w *Worker) RunCycle(ctx context.Context, cycle int) Status {
	done := metrics.TimeOp("worker_cycle")
	// the cycle runs to completion even if shutdown starts midway
	cctx := context.WithoutCancel(ctx)
	st := Status{Cycle: cycle, Mode: w.cfg.Mode, DryRun: w.cfg.DryRun, StartedAt: w.clock.Now().UTC()}
	var errs []error

	b, err := w.monitor.CollectMetrics(cctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("collect backlog: %w", err))
	} else {
		st.Backlog = b
		if err := w.monitor.Persist(cctx, b); err != nil {
			errs = append(errs, fmt.Errorf("persist backlog: %w", err))
		}
		st.AlertTriggered = w.monitor.Alert(b)
	}

	if w.cfg.Mode != ModeMonitor && !w.cfg.DryRun {
		n, full, err := w.drain(ctx, cctx)
		st.EventsProcessed = n
		st.FullResync = full
		if err != nil {
			errs = append(errs, fmt.Errorf("drain events: %w", err))
		}
	}

	st.FinishedAt = w.clock.Now().UTC()
	st.DurationSeconds = st.FinishedAt.Sub(st.StartedAt).Seconds()
	st.NextSleepSeconds = w.sched.Next(st.EventsProcessed > 0).Seconds()
	if err := errors.Join(errs...); err != nil {
		st.Error = err.Error()
		w.logger.Error("worker cycle failed", "cycle", cycle, "error", err)
	} else {
		w.logger.Info("worker cycle complete", "cycle", cycle, "backlog", st.Backlog.TotalUnconsolidated,
			"processed", st.EventsProcessed, "next_sleep_seconds", st.NextSleepSeconds)
	}
	if w.cfg.StatusFile != "" {
		if err := backlog.WriteJSON(w.cfg.StatusFile, st); err != nil {
			w.logger.Warn("failed to write status file", "path", w.cfg.StatusFile, "error", err)
		}
	}
	w.last = st
	done(st.Error == "")
	return st
}

// drain runs the one-time full resync on the first full-mode cycle and a
// bounded incremental drain otherwise. The full resync honours ctx between
// events; the bounded drain always completes.
func (w *Worker) drain(ctx, cctx context.Context) (int, bool, error) {
	if w.cfg.Mode == ModeFull && !w.fullDone {
		w.fullDone = true
		res, err := w.drainer.Full(ctx, w.cfg.BatchSize)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return res.Processed, true, err
	}
	n, err := w.drainer.SyncPendingEvents(cctx, w.cfg.BatchSize)
	return n, false, err
}
