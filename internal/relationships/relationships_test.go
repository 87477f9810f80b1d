package relationships

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/similarity"
)

func ent(id, entityType string, attrs map[string]any) apptype.Entity {
	return apptype.Entity{ID: id, EntityType: entityType, Attributes: attrs}
}

func find(rels []apptype.Relationship, relType, src, dst string) *apptype.Relationship {
	for i := range rels {
		r := rels[i]
		if r.RelationshipType == relType && r.SourceEntityID == src && r.TargetEntityID == dst {
			return &rels[i]
		}
	}
	return nil
}

func TestDiscoverRules(t *testing.T) {
	d := New(similarity.New(similarity.DefaultConfig(), nil))
	batch := map[string][]apptype.Entity{
		apptype.TypeSystem: {
			ent("s-sap", apptype.TypeSystem, map[string]any{"name": "Sistema SAP"}),
			ent("s-xl", apptype.TypeSystem, map[string]any{"name": "Excel"}),
		},
		apptype.TypePainPoint: {
			ent("p-1", apptype.TypePainPoint, map[string]any{
				"name":               "Manual reconciliation",
				"description":        "Exports from SAP must be fixed by hand.",
				"affected_processes": []any{"Invoice approval", "Month close"},
			}),
		},
		apptype.TypeProcess: {
			ent("pr-1", apptype.TypeProcess, map[string]any{
				"name":        "Invoice approval process",
				"systems":     []any{"SAP"},
				"description": "Totals are checked in Excel before approval.",
			}),
		},
		apptype.TypeKPI: {
			ent("k-1", apptype.TypeKPI, map[string]any{"name": "Approval time", "related_processes": "invoice approval; onboarding"}),
		},
		apptype.TypeAutomationCandidate: {
			ent("a-1", apptype.TypeAutomationCandidate, map[string]any{"name": "Auto-match", "target_process": "invoice approval"}),
		},
	}

	rels := d.Discover(batch, "int-7")
	require.Len(t, rels, 5)

	causes := find(rels, apptype.RelCauses, "s-sap", "p-1")
	require.NotNil(t, causes)
	assert.Equal(t, StrengthCauses, causes.Strength)
	assert.Equal(t, []string{"int-7"}, causes.MentionedInInterviews)
	assert.Equal(t, apptype.TypeSystem, causes.SourceEntityType)
	assert.Equal(t, apptype.TypePainPoint, causes.TargetEntityType)

	explicit := find(rels, apptype.RelUses, "pr-1", "s-sap")
	require.NotNil(t, explicit)
	assert.Equal(t, StrengthUsesExplicit, explicit.Strength)

	prose := find(rels, apptype.RelUses, "pr-1", "s-xl")
	require.NotNil(t, prose)
	assert.Equal(t, StrengthUsesDescription, prose.Strength)

	measures := find(rels, apptype.RelMeasures, "k-1", "pr-1")
	require.NotNil(t, measures)
	assert.Equal(t, StrengthMeasures, measures.Strength)

	addresses := find(rels, apptype.RelAddresses, "a-1", "p-1")
	require.NotNil(t, addresses)
	assert.Equal(t, StrengthAddresses, addresses.Strength)
}

func TestDiscoverAppendsWithoutDedupe(t *testing.T) {
	d := New(nil)
	sys := ent("s1", apptype.TypeSystem, map[string]any{"name": "Jira"})
	pp := ent("p1", apptype.TypePainPoint, map[string]any{"description": "Jira is slow"})
	batch := map[string][]apptype.Entity{
		apptype.TypeSystem:    {sys, sys},
		apptype.TypePainPoint: {pp},
	}
	rels := d.Discover(batch, "int-1")
	assert.Len(t, rels, 2)
}

func TestDiscoverNothingWithoutMatches(t *testing.T) {
	d := New(nil)
	batch := map[string][]apptype.Entity{
		apptype.TypeSystem:    {ent("s1", apptype.TypeSystem, map[string]any{"name": "Jira"})},
		apptype.TypePainPoint: {ent("p1", apptype.TypePainPoint, map[string]any{"description": "Approvals take too long"})},
		apptype.TypeAutomationCandidate: {
			ent("a1", apptype.TypeAutomationCandidate, map[string]any{"name": "No target"}),
		},
	}
	assert.Empty(t, d.Discover(batch, "int-1"))
}

func TestDiscoverMatchesPunctuatedNames(t *testing.T) {
	for name, d := range map[string]*Discoverer{
		"engine": New(similarity.New(similarity.DefaultConfig(), nil)),
		"plain":  New(nil),
	} {
		t.Run(name, func(t *testing.T) {
			batch := map[string][]apptype.Entity{
				apptype.TypeSystem: {ent("s1", apptype.TypeSystem, map[string]any{"name": "SAP-ERP"})},
				apptype.TypePainPoint: {
					ent("p1", apptype.TypePainPoint, map[string]any{"description": "sap-erp crashes nightly"}),
				},
				apptype.TypeProcess: {
					ent("pr1", apptype.TypeProcess, map[string]any{"description": "Orders are keyed into SAP/ERP by hand."}),
				},
			}
			rels := d.Discover(batch, "int-1")
			require.Len(t, rels, 2)
			assert.NotNil(t, find(rels, apptype.RelCauses, "s1", "p1"))
			prose := find(rels, apptype.RelUses, "pr1", "s1")
			require.NotNil(t, prose)
			assert.Equal(t, StrengthUsesDescription, prose.Strength)
		})
	}
}
