package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// UpsertRelationship inserts r or, when (type, source, target) already
// exists, unions its interview set and keeps the stronger strength. It
// returns the stored row.
func (s *Store) UpsertRelationship(ctx context.Context, r apptype.Relationship) (apptype.Relationship, error) {
	done := metrics.TimeOp("db_upsert_relationship")
	success := false
	defer func() { done(success) }()
	if r.SourceEntityID == "" || r.TargetEntityID == "" || r.RelationshipType == "" {
		return r, fmt.Errorf("relationship fields cannot be empty")
	}

	existing, err := s.getRelationship(ctx, r.RelationshipType, r.SourceEntityID, r.TargetEntityID)
	now := s.dm.now().UTC()
	switch {
	case errors.Is(err, ErrNotFound):
		r.MentionedInInterviews = dedupe(r.MentionedInInterviews)
		r.CreatedAt, r.UpdatedAt = now, now
		_, err := s.exec(ctx, `INSERT INTO relationships (relationship_type, source_entity_id, source_entity_type,
        target_entity_id, target_entity_type, strength, mentioned_in_interviews, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RelationshipType, r.SourceEntityID, r.SourceEntityType, r.TargetEntityID, r.TargetEntityType,
			clamp01(r.Strength), encodeStringList(r.MentionedInInterviews), formatTime(now), formatTime(now))
		if err != nil {
			return r, fmt.Errorf("failed to insert relationship (%s -> %s): %w", r.SourceEntityID, r.TargetEntityID, err)
		}
	case err != nil:
		return r, err
	default:
		merged := existing
		merged.MentionedInInterviews = dedupe(append(existing.MentionedInInterviews, r.MentionedInInterviews...))
		if r.Strength > merged.Strength {
			merged.Strength = clamp01(r.Strength)
		}
		merged.UpdatedAt = now
		_, err := s.exec(ctx, `UPDATE relationships SET strength = ?, mentioned_in_interviews = ?, updated_at = ?
        WHERE relationship_type = ? AND source_entity_id = ? AND target_entity_id = ?`,
			merged.Strength, encodeStringList(merged.MentionedInInterviews), formatTime(now),
			r.RelationshipType, r.SourceEntityID, r.TargetEntityID)
		if err != nil {
			return r, fmt.Errorf("failed to update relationship (%s -> %s): %w", r.SourceEntityID, r.TargetEntityID, err)
		}
		r = merged
	}
	stored, err := s.getRelationship(ctx, r.RelationshipType, r.SourceEntityID, r.TargetEntityID)
	if err != nil {
		return r, err
	}
	success = true
	return stored, nil
}

const relationshipColumns = `id, relationship_type, source_entity_id, source_entity_type, target_entity_id,
        target_entity_type, strength, mentioned_in_interviews, created_at, updated_at`

func (s *Store) getRelationship(ctx context.Context, relType, source, target string) (apptype.Relationship, error) {
	row := s.queryRow(ctx, "SELECT "+relationshipColumns+` FROM relationships
        WHERE relationship_type = ? AND source_entity_id = ? AND target_entity_id = ?`, relType, source, target)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: relationship %s %s -> %s", ErrNotFound, relType, source, target)
	}
	return r, err
}

// ListRelationships returns every stored relationship ordered by id.
func (s *Store) ListRelationships(ctx context.Context) ([]apptype.Relationship, error) {
	done := metrics.TimeOp("db_list_relationships")
	success := false
	defer func() { done(success) }()
	rows, err := s.query(ctx, "SELECT "+relationshipColumns+" FROM relationships ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()
	var out []apptype.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	success = true
	return out, nil
}

// RelationshipsFor returns relationships touching entityID in either direction.
func (s *Store) RelationshipsFor(ctx context.Context, entityID string) ([]apptype.Relationship, error) {
	rows, err := s.query(ctx, "SELECT "+relationshipColumns+` FROM relationships
        WHERE source_entity_id = ? OR target_entity_id = ? ORDER BY id`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships for %s: %w", entityID, err)
	}
	defer rows.Close()
	var out []apptype.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (apptype.Relationship, error) {
	var (
		r                    apptype.Relationship
		mentioned            sql.NullString
		createdAt, updatedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RelationshipType, &r.SourceEntityID, &r.SourceEntityType, &r.TargetEntityID,
		&r.TargetEntityType, &r.Strength, &mentioned, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan relationship: %w", err)
	}
	r.MentionedInInterviews = decodeStringList(mentioned.String, r.SourceEntityID, "mentioned_in_interviews")
	r.CreatedAt = parseTime(createdAt.String)
	r.UpdatedAt = parseTime(updatedAt.String)
	return r, nil
}
