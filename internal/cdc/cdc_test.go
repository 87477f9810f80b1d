package cdc

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
)

func setupPrimary(t *testing.T) *database.DBManager {
	t.Helper()
	cfg := database.NewConfig()
	cfg.URL = "file:" + filepath.Join(t.TempDir(), "primary.db")
	dm, err := database.NewDBManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, dm.Close()) })
	return dm
}

func setupSQLShadow(t *testing.T) *SQLShadow {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLShadow(ctx, "sqlite", filepath.Join(t.TempDir(), "shadow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func seedEvents(t *testing.T, dm *database.DBManager) {
	t.Helper()
	ctx := context.Background()
	s := dm.Store()
	sys := apptype.Entity{ID: "s1", EntityType: apptype.TypeSystem, Attributes: map[string]any{"name": "SAP"},
		MentionedInInterviews: []string{"int-1"}, SourceCount: 1, ConsensusConfidence: 0.4}
	pp := apptype.Entity{ID: "p1", EntityType: apptype.TypePainPoint, Attributes: map[string]any{"name": "Rework"},
		MentionedInInterviews: []string{"int-1"}, SourceCount: 1}
	rel := apptype.Relationship{SourceEntityID: "s1", SourceEntityType: apptype.TypeSystem, TargetEntityID: "p1",
		TargetEntityType: apptype.TypePainPoint, RelationshipType: apptype.RelCauses, Strength: 0.8, MentionedInInterviews: []string{"int-1"}}
	pat := apptype.Pattern{PatternType: apptype.PatternRecurringPain, EntityType: apptype.TypePainPoint, EntityID: "p1",
		PatternFrequency: 0.5, SourceCount: 3, Description: "Recurring pain point: Rework", DetectedAt: time.Now().UTC()}
	_, err := s.AppendEvent(ctx, apptype.EventEntityMerge, sys.EntityType, sys.ID, sys)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, apptype.EventEntityMerge, pp.EntityType, pp.ID, pp)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, apptype.EventRelationshipUpdate, rel.SourceEntityType, rel.SourceEntityID, rel)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, apptype.EventPatternUpdate, pat.EntityType, pat.EntityID, pat)
	require.NoError(t, err)
}

func snapshot(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query(`SELECT sqlite_entity_id || '|' || name || '|' || source_count || '|' || consensus_confidence FROM shadow_entities
        UNION ALL SELECT relationship_type || '|' || from_id || '|' || to_id || '|' || strength FROM shadow_relationships
        UNION ALL SELECT pattern_type || '|' || description || '|' || source_count FROM shadow_patterns`)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestIncrementalDrainReplicatesEvents(t *testing.T) {
	dm := setupPrimary(t)
	shadow := setupSQLShadow(t)
	seedEvents(t, dm)
	s := NewSyncer(dm, shadow, Config{BatchSize: 3}, nil)
	ctx := context.Background()

	res, err := s.Incremental(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 2, res.ByType[apptype.EventEntityMerge])
	assert.Equal(t, map[string]int{KindEntities: 2, KindRelationships: 1, KindPatterns: 1}, res.Shadow)

	stats, err := dm.Store().EventStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, 4, stats.Processed)
}

func TestRedrainIsIdempotent(t *testing.T) {
	dm := setupPrimary(t)
	shadow := setupSQLShadow(t)
	seedEvents(t, dm)
	s := NewSyncer(dm, shadow, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := s.Incremental(ctx, 10)
	require.NoError(t, err)
	before := snapshot(t, shadow.DB())

	// replay everything again without truncating
	_, err = dm.Store().ResetAllEvents(ctx)
	require.NoError(t, err)
	res, err := s.Incremental(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, before, snapshot(t, shadow.DB()))
}

func TestSyncPendingEventsHonoursLimit(t *testing.T) {
	dm := setupPrimary(t)
	shadow := setupSQLShadow(t)
	seedEvents(t, dm)
	s := NewSyncer(dm, shadow, DefaultConfig(), nil)

	n, err := s.SyncPendingEvents(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sum, err := s.DryRunSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PendingEvents)
}

func TestDryRunMutatesNothing(t *testing.T) {
	dm := setupPrimary(t)
	shadow := setupSQLShadow(t)
	seedEvents(t, dm)
	s := NewSyncer(dm, shadow, DefaultConfig(), nil)
	ctx := context.Background()

	res, err := s.Run(ctx, ModeDryRun, 0)
	require.NoError(t, err)
	require.NotNil(t, res.DryRun)
	assert.Equal(t, 4, res.DryRun.PendingEvents)
	assert.Equal(t, 2, res.DryRun.PendingByType[apptype.EventEntityMerge])
	assert.NotNil(t, res.DryRun.OldestPendingAt)
	assert.Equal(t, 0, res.DryRun.ShadowCounts[KindEntities])

	again, err := s.DryRunSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, *res.DryRun, again)
	assert.Empty(t, snapshot(t, shadow.DB()))
}

func TestFullResync(t *testing.T) {
	dm := setupPrimary(t)
	shadow := setupSQLShadow(t)
	seedEvents(t, dm)
	s := NewSyncer(dm, shadow, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := s.Incremental(ctx, 0)
	require.NoError(t, err)
	// a stray row that no event explains disappears on full resync
	_, err = shadow.DB().Exec(`INSERT INTO shadow_patterns (pattern_type, description, first_synced_at) VALUES ('x', 'stray', 'now')`)
	require.NoError(t, err)

	res, err := s.Run(ctx, ModeFull, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Shadow[KindPatterns])
}

func TestRollbackRevertsRecentEvents(t *testing.T) {
	dm := setupPrimary(t)
	shadow := setupSQLShadow(t)
	seedEvents(t, dm)
	s := NewSyncer(dm, shadow, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := s.Incremental(ctx, 0)
	require.NoError(t, err)

	res, err := s.Run(ctx, ModeRollback, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reverted)
	assert.Equal(t, map[string]int{KindEntities: 2, KindRelationships: 0, KindPatterns: 0}, res.Shadow)

	sum, err := s.DryRunSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PendingEvents)
	assert.Equal(t, 1, sum.PendingByType[apptype.EventRelationshipUpdate])
	assert.Equal(t, 1, sum.PendingByType[apptype.EventPatternUpdate])

	// draining again restores the reverted rows
	res, err = s.Incremental(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Shadow[KindRelationships])
}

type flakyShadow struct {
	Shadow
	failFor string
}

func (f *flakyShadow) ApplyEntity(ctx context.Context, e apptype.Entity) error {
	if e.ID == f.failFor {
		return errors.New("shadow unavailable")
	}
	return f.Shadow.ApplyEntity(ctx, e)
}

func TestFailedEventIsRetriedNextDrain(t *testing.T) {
	dm := setupPrimary(t)
	shadow := &flakyShadow{Shadow: setupSQLShadow(t), failFor: "s1"}
	seedEvents(t, dm)
	s := NewSyncer(dm, shadow, Config{BatchSize: 1}, nil)
	ctx := context.Background()

	res, err := s.Incremental(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.Failed)

	events, err := dm.Store().ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.False(t, events[0].Processed)
	assert.Contains(t, events[0].ErrorMessage, "shadow unavailable")

	shadow.failFor = ""
	res, err = s.Incremental(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	events, err = dm.Store().ListEvents(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, events[0].Processed)
	assert.Empty(t, events[0].ErrorMessage)
}

func TestUnknownEventTypeStaysPending(t *testing.T) {
	dm := setupPrimary(t)
	shadow := setupSQLShadow(t)
	ctx := context.Background()
	_, err := dm.Store().AppendEvent(ctx, "mystery", "system", "x", map[string]any{})
	require.NoError(t, err)

	s := NewSyncer(dm, shadow, DefaultConfig(), nil)
	res, err := s.Incremental(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	sum, err := s.DryRunSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FailedPendingEvents)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	s := NewSyncer(setupPrimary(t), MultiShadow{}, DefaultConfig(), nil)
	_, err := s.Run(context.Background(), "sideways", 0)
	assert.ErrorIs(t, err, ErrUnknownMode)
}

type recordingDriver struct {
	mu      sync.Mutex
	queries []string
	params  []map[string]interface{}
	count   int64
}

func (d *recordingDriver) ExecuteQuery(_ context.Context, query string, params map[string]interface{}) (neo4j.EagerResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	d.params = append(d.params, params)
	if strings.Contains(query, "count(") {
		return neo4j.EagerResult{Records: []*neo4j.Record{{Keys: []string{"c"}, Values: []any{d.count}}}}, nil
	}
	return neo4j.EagerResult{}, nil
}

func (d *recordingDriver) BuildIndices(context.Context) error { return nil }
func (d *recordingDriver) Close(context.Context) error        { return nil }

func TestGraphShadowCypher(t *testing.T) {
	drv := &recordingDriver{count: 7}
	g := NewGraphShadow(drv)
	ctx := context.Background()

	require.NoError(t, g.ApplyEntity(ctx, apptype.Entity{ID: "s1", EntityType: "system", Attributes: map[string]any{"name": "SAP"}}))
	require.NoError(t, g.ApplyRelationship(ctx, apptype.Relationship{RelationshipType: "causes", SourceEntityID: "s1", TargetEntityID: "p1"}))
	require.NoError(t, g.DeleteRelationship(ctx, "causes", "s1", "p1"))

	require.Len(t, drv.queries, 3)
	assert.Contains(t, drv.queries[0], "MERGE (n:Entity {sqlite_entity_id: $id, entity_type: $entity_type})")
	assert.Equal(t, "SAP", drv.params[0]["name"])
	assert.Contains(t, drv.queries[1], "MERGE (a)-[r:CAUSES]->(b)")
	assert.Contains(t, drv.queries[2], "[r:CAUSES]")

	err := g.ApplyRelationship(ctx, apptype.Relationship{RelationshipType: "x}) DETACH DELETE (n"})
	assert.Error(t, err)

	counts, err := g.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{KindEntities: 7, KindRelationships: 7, KindPatterns: 7}, counts)
}

func TestMultiShadowFansOut(t *testing.T) {
	sqlShadow := setupSQLShadow(t)
	drv := &recordingDriver{}
	m := MultiShadow{sqlShadow, NewGraphShadow(drv)}
	ctx := context.Background()

	require.NoError(t, m.ApplyEntity(ctx, apptype.Entity{ID: "s1", EntityType: "system"}))
	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["sql.entities"])
	assert.Equal(t, 0, counts["graph.entities"])
	assert.Equal(t, []string{"sql", "graph"}, Names(m))
}
