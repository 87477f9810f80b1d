package consolidation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/backlog"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/consensus"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/database"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/merge"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/patterns"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/relationships"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/similarity"
)

func setupAgent(t *testing.T, cfg Config) (*Agent, *database.DBManager) {
	t.Helper()
	dbCfg := database.NewConfig()
	dbCfg.URL = "file:" + filepath.Join(t.TempDir(), "agent.db")
	dm, err := database.NewDBManager(dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, dm.Close()) })

	engine := similarity.New(similarity.DefaultConfig(), nil)
	var seq atomic.Int64
	agent := NewAgent(dm, engine,
		merge.New(merge.DefaultConfig(), engine.Vocabulary()),
		consensus.New(consensus.DefaultConfig(), engine.Vocabulary()),
		relationships.New(engine),
		patterns.New(patterns.DefaultConfig(), engine),
		cfg,
		WithIDGenerator(func() string { return fmt.Sprintf("gen-%d", seq.Add(1)) }),
	)
	return agent, dm
}

func named(name string, attrs ...any) apptype.Entity {
	m := map[string]any{"name": name}
	for i := 0; i+1 < len(attrs); i += 2 {
		m[attrs[i].(string)] = attrs[i+1]
	}
	return apptype.Entity{Attributes: m}
}

func TestExcelMentionedTwiceConsolidates(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()

	first, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {named("Excel")},
	}, "int-1")
	require.NoError(t, err)
	require.Len(t, first[apptype.TypeSystem], 1)
	single := first[apptype.TypeSystem][0]
	assert.Equal(t, 1, single.SourceCount)
	assert.True(t, single.IsConsolidated)
	require.NotNil(t, single.ConsolidatedAt)

	second, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {named("excel")},
	}, "int-2")
	require.NoError(t, err)
	require.Len(t, second[apptype.TypeSystem], 1)

	rows, err := dm.Store().LoadEntities(ctx, apptype.TypeSystem)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, single.ID, got.ID)
	assert.Equal(t, 2, got.SourceCount)
	assert.Equal(t, []string{"int-1", "int-2"}, got.MentionedInInterviews)
	assert.True(t, got.IsConsolidated)
	assert.Greater(t, got.ConsensusConfidence, single.ConsensusConfidence)

	audit, err := dm.Store().ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, got.ID, audit[0].ResultingID)
	assert.Equal(t, 1.0, audit[0].SimilarityScore)

	stats := agent.Stats()
	assert.Equal(t, 2, stats.EntitiesProcessed)
	assert.Equal(t, 1, stats.DuplicatesFound)
	assert.Equal(t, 1, stats.EntitiesMerged)
	assert.Equal(t, 2, stats.Batches)
}

func TestFrequencyContradiction(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()

	_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeProcess: {named("Invoice approval", "frequency", "daily")},
	}, "int-1")
	require.NoError(t, err)
	_, err = agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeProcess: {named("Invoice approval", "frequency", "weekly")},
	}, "int-2")
	require.NoError(t, err)

	rows, err := dm.Store().LoadEntities(ctx, apptype.TypeProcess)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	e := rows[0]
	assert.True(t, e.HasContradictions)
	require.Len(t, e.ContradictionDetails, 1)
	assert.Equal(t, "frequency", e.ContradictionDetails[0].Attribute)
	assert.Equal(t, []string{"daily", "weekly"}, e.ContradictionDetails[0].Values)
	assert.Equal(t, 1, agent.Stats().ContradictionsDetected)
	assert.GreaterOrEqual(t, agent.Stats().EntitiesNeedingReview, 1)
}

func TestDuplicatesWithinOneBatchCollapse(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()

	out, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {named("Jira"), named("JIRA software"), named("Confluence")},
	}, "int-1")
	require.NoError(t, err)
	assert.Len(t, out[apptype.TypeSystem], 2)

	rows, err := dm.Store().LoadEntities(ctx, apptype.TypeSystem)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	jira := rows[0]
	assert.Equal(t, "Jira", jira.Name())
	assert.Equal(t, 1, jira.SourceCount, "same interview counts once")
	assert.Equal(t, []string{"gen-2"}, jira.MergedEntityIDs)
}

func withID(id string, e apptype.Entity) apptype.Entity {
	e.ID = id
	return e
}

func TestSuppliedIDMergesIntoStoredRow(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()

	_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {withID("sys-excel", named("Excel"))},
	}, "int-1")
	require.NoError(t, err)
	_, err = agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {withID("sys-excel", named("Excel"))},
	}, "int-2")
	require.NoError(t, err)
	_, err = agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {withID("sys-excel", named("Spreadsheet workbook"))},
	}, "int-3")
	require.NoError(t, err)

	rows, err := dm.Store().LoadEntities(ctx, apptype.TypeSystem)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, "sys-excel", got.ID)
	assert.Equal(t, "Excel", got.Name())
	assert.Equal(t, 3, got.SourceCount)
	assert.Equal(t, []string{"int-1", "int-2", "int-3"}, got.MentionedInInterviews)
	assert.Empty(t, got.MergedEntityIDs)
	assert.Equal(t, 2, agent.Stats().EntitiesMerged)
}

func TestDuplicateIDsWithinOneBatch(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()

	out, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeKPI: {
			withID("kpi-1", named("Cycle time", "unit", "days")),
			withID("kpi-1", named("Order cycle time", "target", "3")),
			withID("kpi-2", named("Error rate")),
		},
	}, "int-1")
	require.NoError(t, err)
	assert.Len(t, out[apptype.TypeKPI], 2)

	rows, err := dm.Store().LoadEntities(ctx, apptype.TypeKPI)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byID := map[string]apptype.Entity{}
	for _, r := range rows {
		byID[r.ID] = r
	}
	require.Contains(t, byID, "kpi-1")
	kpi1 := byID["kpi-1"]
	assert.Equal(t, "days", kpi1.StringAttr("unit"))
	assert.Equal(t, "3", kpi1.StringAttr("target"))
	assert.Equal(t, 1, kpi1.SourceCount)
	assert.Contains(t, byID, "kpi-2")
}

func TestConsolidatedRowsLeaveBacklog(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()

	_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {named("Excel"), named("Salesforce")},
	}, "int-1")
	require.NoError(t, err)

	mon := backlog.NewMonitor(dm, backlog.Config{MaxEntities: 2})
	m, err := mon.CollectMetrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.TotalUnconsolidated)
	assert.False(t, m.AlertTriggered)

	// rows written outside the agent still count
	require.NoError(t, dm.Store().InsertEntity(ctx, apptype.Entity{
		ID: "imported-1", EntityType: apptype.TypeSystem, Attributes: map[string]any{"name": "Legacy CRM"},
		MentionedInInterviews: []string{"int-0"}, SourceCount: 1,
	}))
	m, err = mon.CollectMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalUnconsolidated)
}

func TestFailedBatchLeavesStoreUnchanged(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()
	_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {named("Excel")},
	}, "int-1")
	require.NoError(t, err)

	before, err := dm.Store().CountAllEntities(ctx)
	require.NoError(t, err)
	eventsBefore, err := dm.Store().EventStats(ctx)
	require.NoError(t, err)

	_, err = agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {named("Excel"), named("SAP")},
		"not_a_type":       {named("whatever")},
	}, "int-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrInvalidTable)

	after, err := dm.Store().CountAllEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	eventsAfter, err := dm.Store().EventStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, eventsBefore.Pending, eventsAfter.Pending)
	n, err := dm.Store().CountInterviews(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "interview registration rolled back too")

	audit, err := dm.Store().ListAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "batch", audit[0].EntityType)
	assert.NotNil(t, audit[0].RollbackTimestamp)
	assert.Equal(t, "int-2", audit[0].InterviewID)

	stats := agent.Stats()
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 1, stats.FailedBatches)
}

func TestCancelledContextRollsBack(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem: {named("Excel")},
	}, "int-1")
	require.Error(t, err)
	counts, err := dm.Store().CountAllEntities(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[apptype.TypeSystem])
}

func TestEmptyInterviewRejected(t *testing.T) {
	agent, _ := setupAgent(t, Config{})
	_, err := agent.ConsolidateEntities(context.Background(), map[string][]apptype.Entity{}, " ")
	assert.ErrorIs(t, err, ErrEmptyInterview)
}

func TestRelationshipsAndEventsAreWrittenInBatch(t *testing.T) {
	agent, dm := setupAgent(t, Config{MaxParallelTypes: 2})
	ctx := context.Background()

	_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem:    {named("SAP")},
		apptype.TypePainPoint: {named("Manual fixes", "description", "SAP exports need manual fixes.")},
		apptype.TypeProcess:   {named("Month close", "systems", []any{"SAP"})},
	}, "int-1")
	require.NoError(t, err)

	rels, err := dm.Store().ListRelationships(ctx)
	require.NoError(t, err)
	require.Len(t, rels, 2)

	stats, err := dm.Store().EventStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.PendingByType[apptype.EventEntityMerge])
	assert.Equal(t, 2, stats.PendingByType[apptype.EventRelationshipUpdate])

	// the same batch again upserts relationships instead of duplicating them
	_, err = agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
		apptype.TypeSystem:    {named("SAP")},
		apptype.TypePainPoint: {named("Manual fixes", "description", "SAP exports need manual fixes.")},
		apptype.TypeProcess:   {named("Month close", "systems", []any{"SAP"})},
	}, "int-2")
	require.NoError(t, err)
	rels, err = dm.Store().ListRelationships(ctx)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	for _, r := range rels {
		assert.ElementsMatch(t, []string{"int-1", "int-2"}, r.MentionedInInterviews)
	}
	assert.Equal(t, 4, agent.Stats().RelationshipsFound)
}

func TestInlinePatternsAndRunReport(t *testing.T) {
	agent, dm := setupAgent(t, Config{PatternsInline: true})
	ctx := context.Background()

	before := map[string]int{apptype.TypePainPoint: 3}
	for i := 1; i <= 3; i++ {
		_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
			apptype.TypePainPoint: {named("Slow approvals")},
		}, fmt.Sprintf("int-%d", i))
		require.NoError(t, err)
	}

	pats, err := dm.Store().ListPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, pats, 1)
	assert.Equal(t, apptype.PatternRecurringPain, pats[0].PatternType)
	assert.Equal(t, 3, pats[0].SourceCount)
	assert.InDelta(t, 1.0, pats[0].PatternFrequency, 1e-9)

	report, err := agent.RunReport(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalBefore)
	assert.Equal(t, 1, report.TotalAfter)
	assert.InDelta(t, 66.67, report.TotalReductionPercent, 0.01)
	assert.Equal(t, 1, report.Patterns)
	assert.Equal(t, 1, report.HighPriorityPatterns)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, WriteReport(path, report))
	assert.FileExists(t, path)
}

func TestConfidenceStaysInRange(t *testing.T) {
	agent, dm := setupAgent(t, Config{})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := agent.ConsolidateEntities(ctx, map[string][]apptype.Entity{
			apptype.TypeKPI: {named("Cycle time", "target", fmt.Sprintf("%d days", i+1), "unit", "days")},
		}, fmt.Sprintf("int-%d", i))
		require.NoError(t, err)
	}
	rows, err := dm.Store().LoadEntities(ctx, apptype.TypeKPI)
	require.NoError(t, err)
	for _, e := range rows {
		assert.GreaterOrEqual(t, e.ConsensusConfidence, 0.0)
		assert.LessOrEqual(t, e.ConsensusConfidence, 1.0)
		assert.Equal(t, len(e.MentionedInInterviews), e.SourceCount)
		if e.HasContradictions {
			assert.NotEmpty(t, e.ContradictionDetails)
		}
	}
}
