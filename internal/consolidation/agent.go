// Package consolidation runs one interview's extracted entities through
// matching, merging, scoring and relationship discovery inside a single
// database transaction.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/consensus"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/merge"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/patterns"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/relationships"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/similarity"
)

const tracerName = "github.com/ZanzyTHEbar/consolidator-libsql-go/internal/consolidation"

// ErrEmptyInterview is returned when a batch carries no interview id.
var ErrEmptyInterview = errors.New("interview id is required")

// Config tunes the agent.
type Config struct {
	// MaxParallelTypes bounds how many entity types are matched at once.
	MaxParallelTypes int
	// PatternsInline runs pattern recognition inside every batch.
	PatternsInline bool
}

// Agent orchestrates consolidation. It is safe for concurrent use; the
// database serializes overlapping batches.
type Agent struct {
	dm         *database.DBManager
	engine     *similarity.Engine
	merger     *merge.Merger
	scorer     *consensus.Scorer
	discoverer *relationships.Discoverer
	recognizer *patterns.Recognizer
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	stats   apptype.AgentStats
	elapsed time.Duration
}

// Option customizes an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source used for new entities.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDGenerator overrides how ids are minted for entities that arrive
// without one.
func WithIDGenerator(gen func() string) Option {
	return func(a *Agent) {
		if gen != nil {
			a.newID = gen
		}
	}
}

// NewAgent wires the pipeline stages together.
func NewAgent(dm *database.DBManager, engine *similarity.Engine, merger *merge.Merger, scorer *consensus.Scorer,
	discoverer *relationships.Discoverer, recognizer *patterns.Recognizer, cfg Config, opts ...Option) *Agent {
	if cfg.MaxParallelTypes <= 0 {
		cfg.MaxParallelTypes = 4
	}
	a := &Agent{
		dm:         dm,
		engine:     engine,
		merger:     merger,
		scorer:     scorer,
		discoverer: discoverer,
		recognizer: recognizer,
		cfg:        cfg,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent")
	return a
}

// typeResult is what matching one entity type produced.
type typeResult struct {
	entityType     string
	order          []string
	final          map[string]apptype.Entity
	inserted       map[string]bool
	audits         []database.AuditRecord
	processed      int
	duplicates     int
	merged         int
	contradictions int
}

// ConsolidateEntities merges or inserts every entity of the batch and
// persists derived relationships and change events in one transaction.
// On failure nothing is written except a best-effort rollback audit row.
func (a *Agent) ConsolidateEntities(ctx context.Context, batch map[string][]apptype.Entity, interviewID string) (map[string][]apptype.Entity, error) {
	ctx, span := a.tracer.Start(ctx, "consolidation.ConsolidateEntities",
		trace.WithAttributes(attribute.String("interview_id", interviewID)))
	defer span.End()

	start := time.Now()
	if strings.TrimSpace(interviewID) == "" {
		return nil, ErrEmptyInterview
	}
	types := a.orderTypes(batch)

	var (
		result map[string][]apptype.Entity
		run    apptype.AgentStats
	)
	err := a.dm.WithTx(ctx, func(tx *database.Store) error {
		var err error
		result, run, err = a.consolidate(ctx, tx, batch, types, interviewID)
		return err
	})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.mu.Lock()
		a.stats.Batches++
		a.stats.FailedBatches++
		a.elapsed += elapsed
		a.mu.Unlock()
		if rerr := a.dm.Store().RecordRollback(context.WithoutCancel(ctx), interviewID, err.Error()); rerr != nil {
			a.logger.Warn("failed to record rollback", "interview_id", interviewID, "error", rerr)
		}
		a.logger.Error("consolidation batch rolled back", "interview_id", interviewID, "error", err)
		return nil, fmt.Errorf("failed to consolidate interview %s: %w", interviewID, err)
	}

	a.mu.Lock()
	a.stats.Batches++
	a.stats.EntitiesProcessed += run.EntitiesProcessed
	a.stats.DuplicatesFound += run.DuplicatesFound
	a.stats.EntitiesMerged += run.EntitiesMerged
	a.stats.ContradictionsDetected += run.ContradictionsDetected
	a.stats.EntitiesNeedingReview += run.EntitiesNeedingReview
	a.stats.RelationshipsFound += run.RelationshipsFound
	a.stats.PatternsDetected += run.PatternsDetected
	a.elapsed += elapsed
	a.mu.Unlock()

	span.SetAttributes(
		attribute.Int("entities_processed", run.EntitiesProcessed),
		attribute.Int("entities_merged", run.EntitiesMerged),
		attribute.Int("relationships", run.RelationshipsFound),
	)
	a.logger.Info("consolidated batch",
		"interview_id", interviewID,
		"processed", run.EntitiesProcessed,
		"merged", run.EntitiesMerged,
		"contradictions", run.ContradictionsDetected,
		"relationships", run.RelationshipsFound,
		"duration_ms", elapsed.Milliseconds())
	return result, nil
}

func (a *Agent) consolidate(ctx context.Context, tx *database.Store, batch map[string][]apptype.Entity, types []string, interviewID string) (map[string][]apptype.Entity, apptype.AgentStats, error) {
	var run apptype.AgentStats
	for _, t := range types {
		if _, err := a.dm.TableFor(t); err != nil {
			return nil, run, err
		}
	}
	if err := tx.RegisterInterview(ctx, interviewID); err != nil {
		return nil, run, err
	}
	total, err := tx.CountInterviews(ctx)
	if err != nil {
		return nil, run, err
	}
	scorer := a.scorer.ForCorpus(total)

	existing := make(map[string][]apptype.Entity, len(types))
	for _, t := range types {
		rows, err := tx.LoadEntities(ctx, t)
		if err != nil {
			return nil, run, err
		}
		existing[t] = rows
	}

	// Matching may persist embeddings; route it through the transaction.
	engine := a.engine.Using(tx)
	results := make([]typeResult, len(types))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxParallelTypes)
	for i, t := range types {
		g.Go(func() error {
			res, err := a.processType(gctx, engine, scorer, t, batch[t], existing[t], interviewID)
			if err != nil {
				return fmt.Errorf("failed to process %s entities: %w", t, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, run, err
	}

	out := make(map[string][]apptype.Entity, len(types))
	for _, res := range results {
		for _, id := range res.order {
			e := res.final[id]
			if res.inserted[id] {
				err = tx.InsertEntity(ctx, e)
			} else {
				err = tx.UpdateEntity(ctx, e)
			}
			if err != nil {
				return nil, run, err
			}
			if _, err := tx.AppendEvent(ctx, apptype.EventEntityMerge, e.EntityType, e.ID, e); err != nil {
				return nil, run, err
			}
			if scorer.NeedsReview(e) {
				run.EntitiesNeedingReview++
			}
			out[res.entityType] = append(out[res.entityType], e)
		}
		for _, rec := range res.audits {
			if err := tx.RecordAudit(ctx, rec); err != nil {
				return nil, run, err
			}
		}
		run.EntitiesProcessed += res.processed
		run.DuplicatesFound += res.duplicates
		run.EntitiesMerged += res.merged
		run.ContradictionsDetected += res.contradictions
		metrics.Default().AddEntitiesProcessed(res.entityType, "merged", res.merged)
		metrics.Default().AddEntitiesProcessed(res.entityType, "inserted", res.processed-res.merged)
		metrics.Default().AddContradictions(res.entityType, res.contradictions)
	}

	rels := a.discoverer.Discover(out, interviewID)
	for _, r := range rels {
		stored, err := tx.UpsertRelationship(ctx, r)
		if err != nil {
			return nil, run, err
		}
		if _, err := tx.AppendEvent(ctx, apptype.EventRelationshipUpdate, stored.SourceEntityType, stored.SourceEntityID, stored); err != nil {
			return nil, run, err
		}
		metrics.Default().AddRelationships(stored.RelationshipType, 1)
	}
	run.RelationshipsFound = len(rels)

	if a.cfg.PatternsInline && a.recognizer != nil {
		found, err := a.recognizer.IdentifyPatterns(ctx, tx)
		if err != nil {
			return nil, run, err
		}
		stored, err := a.recognizer.Persist(ctx, tx, found)
		if err != nil {
			return nil, run, err
		}
		run.PatternsDetected = len(stored)
	}
	return out, run, nil
}

// processType matches one type's entities in input order. Entities
// inserted earlier in the batch are candidates for later ones.
func (a *Agent) processType(ctx context.Context, engine *similarity.Engine, scorer *consensus.Scorer, entityType string,
	incoming, existing []apptype.Entity, interviewID string) (typeResult, error) {
	ctx, span := a.tracer.Start(ctx, "consolidation.processType", trace.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.Int("incoming", len(incoming)),
	))
	defer span.End()

	res := typeResult{
		entityType: entityType,
		final:      map[string]apptype.Entity{},
		inserted:   map[string]bool{},
	}
	pool := append([]apptype.Entity(nil), existing...)
	index := make(map[string]int, len(pool))
	for i, e := range pool {
		index[e.ID] = i
	}
	touch := func(e apptype.Entity) {
		if _, ok := res.final[e.ID]; !ok {
			res.order = append(res.order, e.ID)
		}
		res.final[e.ID] = e
		if i, ok := index[e.ID]; ok {
			pool[i] = e
		} else {
			index[e.ID] = len(pool)
			pool = append(pool, e)
		}
	}

	for _, in := range incoming {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.processed++
		candidate := a.prepare(in, entityType)
		var best similarity.Candidate
		if i, ok := index[candidate.ID]; ok {
			// A supplied id that already names a row is that row.
			best = similarity.Candidate{Entity: pool[i], Score: 1.0}
		} else {
			matches := engine.FindCandidates(ctx, candidate, entityType, pool)
			if len(matches) == 0 {
				candidate.AddInterview(interviewID)
				at := candidate.CreatedAt
				candidate.IsConsolidated = true
				candidate.ConsolidatedAt = &at
				candidate.ConsensusConfidence = scorer.Confidence(candidate)
				res.inserted[candidate.ID] = true
				touch(candidate)
				continue
			}
			best = matches[0]
		}
		res.duplicates++
		merged := a.merger.MergeDetailed(candidate, best.Entity, interviewID, best.Score)
		e := merged.Entity
		e.ConsensusConfidence = scorer.Confidence(e)
		touch(e)
		res.merged++
		res.contradictions += len(merged.NewContradictions)
		res.audits = append(res.audits, database.AuditRecord{
			EntityType:      entityType,
			MergedIDs:       []string{best.Entity.ID, candidate.ID},
			ResultingID:     e.ID,
			SimilarityScore: best.Score,
			InterviewID:     interviewID,
			CreatedAt:       a.now(),
		})
	}
	return res, nil
}

// prepare turns an extracted entity into a fresh record of entityType.
func (a *Agent) prepare(in apptype.Entity, entityType string) apptype.Entity {
	now := a.now()
	e := in.Clone()
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = a.newID()
	}
	e.EntityType = entityType
	e.SourceCount = len(e.MentionedInInterviews)
	e.IsConsolidated = false
	e.HasContradictions = false
	e.ContradictionDetails = nil
	e.ConsolidatedAt = nil
	if e.FirstMentionedAt.IsZero() {
		e.FirstMentionedAt = now
	}
	e.LastMentionedAt = now
	e.CreatedAt = now
	e.UpdatedAt = now
	return e
}

// orderTypes returns the batch's types in registry order followed by any
// unregistered ones, which fail validation.
func (a *Agent) orderTypes(batch map[string][]apptype.Entity) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range a.dm.EntityTypes() {
		if _, ok := batch[t]; ok {
			out = append(out, t)
			seen[t] = true
		}
	}
	var unknown []string
	for t := range batch {
		if !seen[t] {
			unknown = append(unknown, t)
		}
	}
	sort.Strings(unknown)
	return append(out, unknown...)
}

// Stats returns the counters accumulated across batches.
func (a *Agent) Stats() apptype.AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.ElapsedSeconds = a.elapsed.Seconds()
	return s
}

// IdentifyPatterns runs the recognizer against the committed store and,
// when persist is set, upserts the results in their own transaction.
func (a *Agent) IdentifyPatterns(ctx context.Context, persist bool) ([]apptype.Pattern, error) {
	if a.recognizer == nil {
		return nil, nil
	}
	found, err := a.recognizer.IdentifyPatterns(ctx, a.dm.Store())
	if err != nil {
		return nil, err
	}
	if !persist {
		return found, nil
	}
	var stored []apptype.Pattern
	err = a.dm.WithTx(ctx, func(tx *database.Store) error {
		var err error
		stored, err = a.recognizer.Persist(ctx, tx, found)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.stats.PatternsDetected += len(stored)
	a.mu.Unlock()
	return stored, nil
}
