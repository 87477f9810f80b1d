package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

var fixed = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMerger() *Merger {
	m := New(DefaultConfig(), nil)
	m.SetClock(func() time.Time { return fixed })
	return m
}

func existingEntity(attrs map[string]any) apptype.Entity {
	return apptype.Entity{
		ID:                    "sys-1",
		EntityType:            apptype.TypeSystem,
		Attributes:            attrs,
		MentionedInInterviews: []string{"int-1"},
		SourceCount:           1,
	}
}

func TestMergeTracksSources(t *testing.T) {
	m := newMerger()
	ex := existingEntity(map[string]any{"name": "Excel"})
	in := apptype.Entity{ID: "new-1", Attributes: map[string]any{"name": "excel"}}

	got := m.Merge(in, ex, "int-2", 1.0)
	assert.Equal(t, []string{"int-1", "int-2"}, got.MentionedInInterviews)
	assert.Equal(t, 2, got.SourceCount)
	assert.True(t, got.IsConsolidated)
	require.NotNil(t, got.ConsolidatedAt)
	assert.Equal(t, fixed, *got.ConsolidatedAt)
	assert.Equal(t, fixed, got.FirstMentionedAt)
	assert.Equal(t, []string{"new-1"}, got.MergedEntityIDs)
	assert.Equal(t, "Excel", got.Name())

	// inputs untouched
	assert.Equal(t, []string{"int-1"}, ex.MentionedInInterviews)
	assert.False(t, ex.IsConsolidated)

	again := m.Merge(in, got, "int-2", 1.0)
	assert.Equal(t, 2, again.SourceCount, "same interview counts once")
	assert.Equal(t, []string{"new-1"}, again.MergedEntityIDs)
}

func TestMergeFlagsContradiction(t *testing.T) {
	m := newMerger()
	ex := existingEntity(map[string]any{"name": "Excel", "frequency": "daily"})
	in := apptype.Entity{Attributes: map[string]any{"name": "Excel", "frequency": "weekly"}}

	res := m.MergeDetailed(in, ex, "int-2", 1.0)
	got := res.Entity
	require.True(t, got.HasContradictions)
	require.Len(t, got.ContradictionDetails, 1)
	c := got.ContradictionDetails[0]
	assert.Equal(t, "frequency", c.Attribute)
	assert.Equal(t, []string{"daily", "weekly"}, c.Values)
	assert.Equal(t, []string{"int-1", "int-2"}, c.Sources)
	assert.Less(t, c.SimilarityScore, 0.7)
	assert.Equal(t, "daily", got.Attributes["frequency"], "existing value wins")
	assert.Len(t, res.NewContradictions, 1)

	// the same disagreement is not recorded twice
	again := m.MergeDetailed(in, got, "int-3", 1.0)
	assert.Len(t, again.Entity.ContradictionDetails, 1)
	assert.Empty(t, again.NewContradictions)
}

func TestMergeSynonymsAreNotContradictions(t *testing.T) {
	m := newMerger()
	ex := existingEntity(map[string]any{"name": "SAP", "criticality": "Alta", "frequency": "daily"})
	in := apptype.Entity{Attributes: map[string]any{"name": "SAP", "criticality": "high", "frequency": " Daily "}}

	got := m.Merge(in, ex, "int-2", 0.9)
	assert.False(t, got.HasContradictions)
	assert.Empty(t, got.ContradictionDetails)
}

func TestMergeAttributePolicy(t *testing.T) {
	m := newMerger()
	ex := existingEntity(map[string]any{
		"name":  "SAP",
		"owner": "",
		"users": []any{"finance", "Ops"},
	})
	in := apptype.Entity{Attributes: map[string]any{
		"name":   "SAP",
		"owner":  "IT",
		"vendor": "SAP SE",
		"users":  []any{"ops", "sales"},
		// metadata keys are never compared
		"interview_id": "int-2",
	}}

	got := m.Merge(in, ex, "int-2", 0.9)
	assert.Equal(t, "IT", got.Attributes["owner"])
	assert.Equal(t, "SAP SE", got.Attributes["vendor"])
	assert.Equal(t, []any{"finance", "Ops", "sales"}, got.Attributes["users"])
	assert.False(t, got.HasContradictions)
	_, ok := got.Attributes["interview_id"]
	assert.False(t, ok)
}

func TestMergeWithItselfAddsNoContradictions(t *testing.T) {
	m := newMerger()
	ex := existingEntity(map[string]any{"name": "Jira", "frequency": "daily", "tags": []any{"a", "b"}, "description": "Tracks tickets."})
	got := m.Merge(ex, ex, "int-1", 1.0)
	assert.False(t, got.HasContradictions)
	assert.Equal(t, 1, got.SourceCount)
	assert.Equal(t, "Tracks tickets.", got.Description())
	assert.Empty(t, got.MergedEntityIDs, "an entity is not merged into itself")
}

func TestMergeDescriptions(t *testing.T) {
	got := MergeDescriptions("Used for invoices. Slow at month end!", "slow at month end! Crashes often?\nNeeds VPN")
	assert.Equal(t, "Used for invoices. Slow at month end! Crashes often? Needs VPN", got)
	assert.Equal(t, "v1.2 is used.", MergeDescriptions("v1.2 is used.", ""))
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t, []string{"One.", "Two!", "Three?", "Four"}, SplitSentences("One. Two! Three?\nFour"))
	assert.Equal(t, []string{"Version 2.5 ships."}, SplitSentences("Version 2.5 ships."))
	assert.Empty(t, SplitSentences("   "))
}

func TestTypeSpecificThreshold(t *testing.T) {
	m := New(Config{ContradictionThreshold: 0.7, TypeThresholds: map[string]float64{apptype.TypeKPI: 0.95}}, nil)
	ex := apptype.Entity{ID: "k1", EntityType: apptype.TypeKPI, Attributes: map[string]any{"target": "95 percent"}}
	in := apptype.Entity{Attributes: map[string]any{"target": "96 percent"}}
	got := m.Merge(in, ex, "int-2", 1)
	assert.True(t, got.HasContradictions)

	ex.EntityType = apptype.TypeSystem
	got = m.Merge(in, ex, "int-2", 1)
	assert.False(t, got.HasContradictions)
}
