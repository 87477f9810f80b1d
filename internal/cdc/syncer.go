// Package cdc drains the consolidation event log into downstream shadow
// stores and supports full resync, rollback and dry-run inspection.
package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// Sync modes.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
	ModeRollback    = "rollback"
	ModeDryRun      = "dry-run"
)

var (
	// ErrUnknownEventType marks events this layer cannot replicate.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrUnknownMode is returned by Run for an unsupported mode.
	ErrUnknownMode = errors.New("unknown sync mode")
	// ErrNoShadow is returned when syncing without any shadow configured.
	ErrNoShadow = errors.New("no shadow store configured")
)

// Config tunes draining.
type Config struct {
	BatchSize     int
	RollbackCount int
}

// DefaultConfig drains 100 events per claim and rolls back 10.
func DefaultConfig() Config {
	return Config{BatchSize: 100, RollbackCount: 10}
}

// Syncer owns the event queue's processed state and the shadow rows.
type Syncer struct {
	dm     *database.DBManager
	shadow Shadow
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSyncer builds a Syncer over the primary store and a shadow.
func NewSyncer(dm *database.DBManager, shadow Shadow, cfg Config, logger *slog.Logger) *Syncer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RollbackCount <= 0 {
		cfg.RollbackCount = def.RollbackCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		dm:     dm,
		shadow: shadow,
		cfg:    cfg,
		logger: logger.With("component", "sync"),
		tracer: otel.Tracer("github.com/ZanzyTHEbar/consolidator-libsql-go/internal/cdc"),
	}
}

// Shadow returns the configured shadow.
func (s *Syncer) Shadow() Shadow { return s.shadow }

// SyncPendingEvents claims up to limit unprocessed events, oldest first,
// and replicates each. Failed events keep processed=false and record their
// error. It returns how many events were processed.
func (s *Syncer) SyncPendingEvents(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	res := apptype.SyncResult{Mode: ModeIncremental, ByType: map[string]int{}}
	_, err := s.drainOnce(ctx, ModeIncremental, 0, limit, &res)
	return res.Processed, err
}

// Incremental drains every pending event in batches. Events that fail are
// skipped for the rest of this run and retried on the next one.
func (s *Syncer) Incremental(ctx context.Context, batch int) (apptype.SyncResult, error) {
	return s.drainAll(ctx, ModeIncremental, batch)
}

// Full truncates the shadow, marks every event unprocessed and drains.
func (s *Syncer) Full(ctx context.Context, batch int) (apptype.SyncResult, error) {
	if err := s.shadow.Truncate(ctx); err != nil {
		return apptype.SyncResult{Mode: ModeFull}, fmt.Errorf("failed to truncate shadow: %w", err)
	}
	n, err := s.dm.Store().ResetAllEvents(ctx)
	if err != nil {
		return apptype.SyncResult{Mode: ModeFull}, err
	}
	s.logger.Info("reset events for full resync", "events", n)
	return s.drainAll(ctx, ModeFull, batch)
}

func (s *Syncer) drainAll(ctx context.Context, mode string, batch int) (apptype.SyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "cdc.drain", trace.WithAttributes(attribute.String("mode", mode)))
	defer span.End()
	if batch <= 0 {
		batch = s.cfg.BatchSize
	}
	res := apptype.SyncResult{Mode: mode, ByType: map[string]int{}}
	var cursor int64
	for {
		next, err := s.drainOnce(ctx, mode, cursor, batch, &res)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if next == cursor {
			break
		}
		cursor = next
	}
	if counts, err := s.shadow.Counts(ctx); err == nil {
		res.Shadow = counts
	}
	span.SetAttributes(attribute.Int("processed", res.Processed), attribute.Int("failed", res.Failed))
	s.logger.Info("drained events", "mode", mode, "processed", res.Processed, "failed", res.Failed)
	return res, nil
}

// drainOnce processes one claim of events after cursor and returns the
// last seq it looked at. Cancellation stops before the next event, never
// inside one.
func (s *Syncer) drainOnce(ctx context.Context, mode string, cursor int64, limit int, res *apptype.SyncResult) (int64, error) {
	store := s.dm.Store()
	events, err := store.PendingEvents(ctx, cursor, limit)
	if err != nil {
		return cursor, err
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return cursor, nil
		}
		cursor = ev.Seq
		// the shadow write and the processed mark must not be split by a
		// cancellation arriving mid-event
		evCtx := context.WithoutCancel(ctx)
		if err := s.apply(evCtx, ev); err != nil {
			res.Failed++
			metrics.Default().IncEventsSynced(ev.EventType, mode, false)
			s.logger.Warn("failed to replicate event", "seq", ev.Seq, "event_type", ev.EventType, "entity_id", ev.EntityID, "error", err)
			if merr := store.MarkEventFailed(evCtx, ev.Seq, err.Error()); merr != nil {
				return cursor, merr
			}
			continue
		}
		if err := store.MarkEventProcessed(evCtx, ev.Seq); err != nil {
			return cursor, err
		}
		res.Processed++
		res.ByType[ev.EventType]++
		metrics.Default().IncEventsSynced(ev.EventType, mode, true)
	}
	return cursor, nil
}

func (s *Syncer) apply(ctx context.Context, ev apptype.ConsolidationEvent) error {
	switch ev.EventType {
	case apptype.EventEntityMerge:
		var e apptype.Entity
		if err := json.Unmarshal(ev.Payload, &e); err != nil {
			return fmt.Errorf("failed to decode entity payload: %w", err)
		}
		if e.ID == "" {
			e.ID = ev.EntityID
		}
		if e.EntityType == "" {
			e.EntityType = ev.EntityType
		}
		return s.shadow.ApplyEntity(ctx, e)
	case apptype.EventRelationshipUpdate:
		var r apptype.Relationship
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return fmt.Errorf("failed to decode relationship payload: %w", err)
		}
		return s.shadow.ApplyRelationship(ctx, r)
	case apptype.EventPatternUpdate:
		var p apptype.Pattern
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode pattern payload: %w", err)
		}
		return s.shadow.ApplyPattern(ctx, p)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.EventType)
	}
}

func (s *Syncer) revert(ctx context.Context, ev apptype.ConsolidationEvent) error {
	switch ev.EventType {
	case apptype.EventEntityMerge:
		return s.shadow.DeleteEntity(ctx, ev.EntityID, ev.EntityType)
	case apptype.EventRelationshipUpdate:
		var r apptype.Relationship
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return fmt.Errorf("failed to decode relationship payload: %w", err)
		}
		return s.shadow.DeleteRelationship(ctx, r.RelationshipType, r.SourceEntityID, r.TargetEntityID)
	case apptype.EventPatternUpdate:
		var p apptype.Pattern
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode pattern payload: %w", err)
		}
		return s.shadow.DeletePattern(ctx, p.PatternType, p.Description)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.EventType)
	}
}

// Rollback deletes the shadow rows written by the count most recently
// processed events and marks those events unprocessed again.
func (s *Syncer) Rollback(ctx context.Context, count int) (apptype.SyncResult, error) {
	if count <= 0 {
		count = s.cfg.RollbackCount
	}
	res := apptype.SyncResult{Mode: ModeRollback, ByType: map[string]int{}}
	store := s.dm.Store()
	events, err := store.RecentProcessedEvents(ctx, count)
	if err != nil {
		return res, err
	}
	seqs := make([]int64, 0, len(events))
	for _, ev := range events {
		if err := s.revert(ctx, ev); err != nil {
			res.Failed++
			s.logger.Warn("failed to revert event", "seq", ev.Seq, "event_type", ev.EventType, "error", err)
			continue
		}
		seqs = append(seqs, ev.Seq)
		res.ByType[ev.EventType]++
	}
	if err := store.ResetEvents(ctx, seqs); err != nil {
		return res, err
	}
	res.Reverted = len(seqs)
	if counts, err := s.shadow.Counts(ctx); err == nil {
		res.Shadow = counts
	}
	s.logger.Info("rolled back events", "reverted", res.Reverted, "failed", res.Failed)
	return res, nil
}

// DryRunSummary reports queue and shadow state. It writes nothing.
func (s *Syncer) DryRunSummary(ctx context.Context) (apptype.DryRunSummary, error) {
	stats, err := s.dm.Store().EventStats(ctx)
	if err != nil {
		return apptype.DryRunSummary{}, err
	}
	counts, err := s.shadow.Counts(ctx)
	if err != nil {
		return apptype.DryRunSummary{}, fmt.Errorf("failed to count shadow rows: %w", err)
	}
	sum := apptype.DryRunSummary{
		PendingEvents:       stats.Pending,
		PendingByType:       stats.PendingByType,
		ProcessedEvents:     stats.Processed,
		FailedPendingEvents: stats.FailedPending,
		ShadowCounts:        counts,
	}
	if stats.OldestPendingAt != nil {
		ts := stats.OldestPendingAt.UTC().Format(time.RFC3339)
		sum.OldestPendingAt = &ts
	}
	return sum, nil
}

// Run dispatches one of the four modes. limit is the batch size for
// draining modes and the event count for rollback.
func (s *Syncer) Run(ctx context.Context, mode string, limit int) (apptype.SyncResult, error) {
	switch mode {
	case "", ModeIncremental:
		return s.Incremental(ctx, limit)
	case ModeFull:
		return s.Full(ctx, limit)
	case ModeRollback:
		return s.Rollback(ctx, limit)
	case ModeDryRun:
		sum, err := s.DryRunSummary(ctx)
		if err != nil {
			return apptype.SyncResult{Mode: ModeDryRun}, err
		}
		return apptype.SyncResult{Mode: ModeDryRun, DryRun: &sum, Shadow: sum.ShadowCounts}, nil
	default:
		return apptype.SyncResult{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}
