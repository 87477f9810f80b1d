package server

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/cdc"
)

// fakeBackend records calls and serves canned results.
type fakeBackend struct {
	consolidated []string
	syncModes    []string
	syncLimits   []int
	noShadow     bool
	persisted    bool
	resets       int
}

func (f *fakeBackend) Consolidate(_ context.Context, interviewID string, in map[string][]apptype.IncomingEntity) (apptype.ConsolidateEntitiesResult, error) {
	f.consolidated = append(f.consolidated, interviewID)
	out := apptype.ConsolidateEntitiesResult{InterviewID: interviewID, Entities: map[string][]apptype.Entity{}}
	for typ, list := range in {
		for i, e := range list {
			out.Entities[typ] = append(out.Entities[typ], apptype.Entity{
				ID:          fmt.Sprintf("%s-%d", typ, i),
				EntityType:  typ,
				Attributes:  e.Attributes,
				SourceCount: 1,
			})
		}
	}
	out.Stats.Batches = len(f.consolidated)
	return out, nil
}

func (f *fakeBackend) Sync(_ context.Context, mode string, limit int) (apptype.SyncResult, error) {
	if f.noShadow {
		return apptype.SyncResult{Mode: mode}, cdc.ErrNoShadow
	}
	switch mode {
	case cdc.ModeIncremental, cdc.ModeFull, cdc.ModeRollback:
	case cdc.ModeDryRun:
		return apptype.SyncResult{Mode: mode, DryRun: &apptype.DryRunSummary{PendingEvents: 3}}, nil
	default:
		return apptype.SyncResult{}, fmt.Errorf("%w: %q", cdc.ErrUnknownMode, mode)
	}
	f.syncModes = append(f.syncModes, mode)
	f.syncLimits = append(f.syncLimits, limit)
	return apptype.SyncResult{Mode: mode, Processed: 3}, nil
}

func (f *fakeBackend) Backlog(_ context.Context, persist bool) (apptype.BacklogMetrics, error) {
	f.persisted = persist
	return apptype.BacklogMetrics{TotalUnconsolidated: 7, PerEntityCounts: map[string]int{"systems": 7}}, nil
}

func (f *fakeBackend) IdentifyPatterns(context.Context, bool) ([]apptype.Pattern, error) {
	return nil, nil
}

func (f *fakeBackend) EmbeddingStats(resetCircuit bool) apptype.EmbeddingStats {
	if resetCircuit {
		f.resets++
	}
	return apptype.EmbeddingStats{CacheHits: 2, CacheMisses: 1}
}

func (f *fakeBackend) Walk(_ context.Context, args apptype.WalkArgs) (apptype.WalkResult, error) {
	return apptype.WalkResult{EntityIDs: args.EntityIDs, Relationships: []apptype.Relationship{}}, nil
}

func (f *fakeBackend) AgentStats() apptype.AgentStats {
	return apptype.AgentStats{Batches: len(f.consolidated)}
}

func (f *fakeBackend) Health() apptype.HealthResult {
	return apptype.HealthResult{Name: "consolidator-libsql-go", Version: "test", EmbeddingProvider: "none", Shadows: []string{"sql"}}
}
