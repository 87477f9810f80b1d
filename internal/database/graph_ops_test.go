package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

func TestNeighborsAndWalk(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	s := db.Store()

	// proc uses sys, sys causes pp, auto addresses pp
	for _, r := range []apptype.Relationship{
		{RelationshipType: apptype.RelUses, SourceEntityID: "proc", SourceEntityType: "process", TargetEntityID: "sys", TargetEntityType: "system", Strength: 0.9},
		{RelationshipType: apptype.RelCauses, SourceEntityID: "sys", SourceEntityType: "system", TargetEntityID: "pp", TargetEntityType: "pain_point", Strength: 0.8},
		{RelationshipType: apptype.RelAddresses, SourceEntityID: "auto", SourceEntityType: "automation_candidate", TargetEntityID: "pp", TargetEntityType: "pain_point", Strength: 0.8},
	} {
		_, err := s.UpsertRelationship(ctx, r)
		require.NoError(t, err)
	}

	out, err := s.Neighbors(ctx, []string{"sys"}, "out", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "pp", out[0].TargetEntityID)

	both, err := s.Neighbors(ctx, []string{"sys"}, "both", 0)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	ids, rels, err := s.Walk(ctx, []string{"proc"}, 3, "both", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"proc", "sys", "pp", "auto"}, ids)
	assert.Len(t, rels, 3)

	ids, _, err = s.Walk(ctx, []string{"proc"}, 1, "out", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"proc", "sys"}, ids)
}
