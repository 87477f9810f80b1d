package consolidator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/cdc"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/config"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/worker"
)

func testConfig(t *testing.T, withShadow bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.URL = "file:" + filepath.Join(dir, "primary.db")
	cfg.Backlog.ReportFile = filepath.Join(dir, "backlog.json")
	cfg.Worker.StatusFile = filepath.Join(dir, "status.json")
	if withShadow {
		cfg.Shadow.SQL = config.SQLShadowConfig{Driver: "sqlite", DSN: filepath.Join(dir, "shadow.db")}
	}
	return cfg
}

func newService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	n := 0
	svc, err := New(context.Background(), cfg, WithEmbeddingProvider(nil), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, svc.Close()) })
	return svc
}

func TestConsolidateSyncAndReport(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, testConfig(t, true))

	first, err := svc.Consolidate(ctx, "int-1", map[string][]apptype.IncomingEntity{
		"system":     {{Attributes: map[string]any{"name": "Excel"}}},
		"pain_point": {{Attributes: map[string]any{"name": "Manual data entry", "description": "Copying numbers into Excel by hand."}}},
	})
	require.NoError(t, err)
	assert.Len(t, first.Entities["system"], 1)

	second, err := svc.Consolidate(ctx, "int-2", map[string][]apptype.IncomingEntity{
		"system": {{Attributes: map[string]any{"name": "excel"}}},
	})
	require.NoError(t, err)
	require.Len(t, second.Entities["system"], 1)
	assert.Equal(t, 2, second.Entities["system"][0].SourceCount)
	assert.Equal(t, 2, second.Stats.Batches)

	counts, err := svc.CountEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["system"])

	dry, err := svc.Sync(ctx, cdc.ModeDryRun, 0)
	require.NoError(t, err)
	require.NotNil(t, dry.DryRun)
	assert.Positive(t, dry.DryRun.PendingEvents)

	res, err := svc.Sync(ctx, cdc.ModeIncremental, 0)
	require.NoError(t, err)
	assert.Equal(t, dry.DryRun.PendingEvents, res.Processed)
	assert.Equal(t, 2, res.Shadow[cdc.KindEntities])
	assert.Equal(t, 1, res.Shadow[cdc.KindRelationships])

	walk, err := svc.Walk(ctx, apptype.WalkArgs{EntityIDs: []string{second.Entities["system"][0].ID}})
	require.NoError(t, err)
	assert.Len(t, walk.Relationships, 1)

	h := svc.Health()
	assert.Equal(t, []string{"sql"}, h.Shadows)
	assert.Equal(t, "none", h.EmbeddingProvider)
}

func TestBacklogPersistsReport(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, false)
	svc := newService(t, cfg)
	_, err := svc.Consolidate(ctx, "int-1", map[string][]apptype.IncomingEntity{
		"kpi": {{Attributes: map[string]any{"name": "Cycle time"}}, {Attributes: map[string]any{"name": "Error rate"}}},
	})
	require.NoError(t, err)

	m, err := svc.Backlog(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, m.TotalUnconsolidated)

	for _, id := range []string{"kpi-a", "kpi-b"} {
		require.NoError(t, svc.DB().Store().InsertEntity(ctx, apptype.Entity{
			ID: id, EntityType: "kpi", Attributes: map[string]any{"name": id},
			MentionedInInterviews: []string{"import"}, SourceCount: 1,
		}))
	}
	m, err = svc.Backlog(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalUnconsolidated)
	assert.Equal(t, 2, m.PerEntityCounts["kpis"])
	_, err = os.Stat(cfg.Backlog.ReportFile)
	assert.NoError(t, err)

	_, err = svc.Sync(ctx, cdc.ModeIncremental, 0)
	assert.ErrorIs(t, err, ErrNoShadow)
	_, err = svc.NewWorker(worker.Config{Mode: worker.ModeConsolidation}, time.Second, 0)
	assert.ErrorIs(t, err, ErrNoShadow)
}

func TestWorkerDrainsThroughService(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	svc := newService(t, cfg)
	_, err := svc.Consolidate(ctx, "int-1", map[string][]apptype.IncomingEntity{
		"process": {{Attributes: map[string]any{"name": "Invoice approval"}}},
	})
	require.NoError(t, err)

	wc := svc.WorkerConfig()
	wc.MaxCycles = 1
	w, err := svc.NewWorker(wc, time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, 1, w.Last().EventsProcessed)
	assert.Zero(t, w.Last().Backlog.TotalUnconsolidated)

	sum, err := svc.Syncer().DryRunSummary(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.PendingEvents)
	_, err = os.Stat(cfg.Worker.StatusFile)
	assert.NoError(t, err)
}
