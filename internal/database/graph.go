package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// Neighbors returns relationships touching any of the given entity ids.
// direction: "out" (source->target), "in" (target<-source), or "both".
func (s *Store) Neighbors(ctx context.Context, ids []string, direction string, limit int) ([]apptype.Relationship, error) {
	done := metrics.TimeOp("db_get_neighbors")
	success := false
	defer func() { done(success) }()
	if len(ids) == 0 {
		return []apptype.Relationship{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)*2+1)
	for _, id := range ids {
		args = append(args, id)
	}
	var where string
	switch strings.ToLower(direction) {
	case "out":
		where = fmt.Sprintf("source_entity_id IN (%s)", placeholders)
	case "in":
		where = fmt.Sprintf("target_entity_id IN (%s)", placeholders)
	default: // both
		where = fmt.Sprintf("source_entity_id IN (%s) OR target_entity_id IN (%s)", placeholders, placeholders)
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query := "SELECT " + relationshipColumns + " FROM relationships WHERE " + where + " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbor relationships: %w", err)
	}
	defer rows.Close()
	rels := make([]apptype.Relationship, 0)
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	success = true
	return rels, nil
}

// Walk expands from seed ids up to maxDepth hops using BFS and returns the
// visited entity ids (seeds first) and the traversed relationships.
func (s *Store) Walk(ctx context.Context, seeds []string, maxDepth int, direction string, limit int) ([]string, []apptype.Relationship, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	visited := make(map[string]struct{}, len(seeds))
	order := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		order = append(order, id)
	}
	seenRel := make(map[int64]struct{})
	allRels := make([]apptype.Relationship, 0)
	curr := order
	for depth := 0; depth < maxDepth && len(curr) > 0; depth++ {
		rels, err := s.Neighbors(ctx, curr, direction, 0)
		if err != nil {
			return nil, nil, err
		}
		next := make([]string, 0)
		for _, r := range rels {
			if _, ok := seenRel[r.ID]; !ok {
				seenRel[r.ID] = struct{}{}
				allRels = append(allRels, r)
			}
			for _, id := range []string{r.SourceEntityID, r.TargetEntityID} {
				if _, ok := visited[id]; ok {
					continue
				}
				if limit > 0 && len(order) >= limit {
					break
				}
				visited[id] = struct{}{}
				order = append(order, id)
				next = append(next, id)
			}
		}
		curr = next
		if limit > 0 && len(order) >= limit {
			break
		}
	}
	return order, allRels, nil
}
