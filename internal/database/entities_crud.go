package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

const entitySelectColumns = `id, name, attributes, mentioned_in_interviews, source_count,
        consensus_confidence, is_consolidated, has_contradictions, contradiction_details,
        merged_entity_ids, first_mentioned_at, last_mentioned_at, consolidated_at,
        created_at, updated_at`

// LoadEntities returns every entity of entityType in creation order.
func (s *Store) LoadEntities(ctx context.Context, entityType string) ([]apptype.Entity, error) {
	done := metrics.TimeOp("db_load_entities")
	success := false
	defer func() { done(success) }()
	table, err := s.dm.TableFor(entityType)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at, id", entitySelectColumns, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []apptype.Entity
	for rows.Next() {
		e, err := scanEntity(rows, entityType)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	success = true
	return out, nil
}

// GetEntity fetches one entity by id.
func (s *Store) GetEntity(ctx context.Context, entityType, id string) (*apptype.Entity, error) {
	done := metrics.TimeOp("db_get_entity")
	success := false
	defer func() { done(success) }()
	table, err := s.dm.TableFor(entityType)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", entitySelectColumns, table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, entityType, id)
	}
	e, err := scanEntity(rows, entityType)
	if err != nil {
		return nil, err
	}
	success = true
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(rows rowScanner, entityType string) (apptype.Entity, error) {
	var (
		e                                apptype.Entity
		name                             string
		attrs, mentioned, contra, merged sql.NullString
		isCons, hasContra                int
		firstAt, lastAt, consAt          sql.NullString
		createdAt, updatedAt             sql.NullString
		sourceCount                      sql.NullInt64
		confidence                       sql.NullFloat64
	)
	if err := rows.Scan(&e.ID, &name, &attrs, &mentioned, &sourceCount, &confidence, &isCons, &hasContra,
		&contra, &merged, &firstAt, &lastAt, &consAt, &createdAt, &updatedAt); err != nil {
		return e, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.EntityType = entityType
	e.Attributes = decodeAttributes(attrs.String, e.ID)
	if name != "" {
		if _, ok := e.Attributes["name"]; !ok {
			e.Attributes["name"] = name
		}
	}
	e.MentionedInInterviews = decodeStringList(mentioned.String, e.ID, "mentioned_in_interviews")
	// source_count is derived from the interview set whenever the set is readable
	e.SourceCount = len(e.MentionedInInterviews)
	if e.SourceCount == 0 && sourceCount.Valid {
		e.SourceCount = int(sourceCount.Int64)
	}
	e.ConsensusConfidence = clamp01(confidence.Float64)
	e.IsConsolidated = isCons != 0
	e.ContradictionDetails = decodeContradictions(contra.String, e.ID)
	e.HasContradictions = hasContra != 0 && len(e.ContradictionDetails) > 0
	e.MergedEntityIDs = decodeStringList(merged.String, e.ID, "merged_entity_ids")
	e.FirstMentionedAt = parseTime(firstAt.String)
	e.LastMentionedAt = parseTime(lastAt.String)
	e.ConsolidatedAt = nullTime(consAt)
	e.CreatedAt = parseTime(createdAt.String)
	e.UpdatedAt = parseTime(updatedAt.String)
	return e, nil
}

// InsertEntity writes a new entity row.
func (s *Store) InsertEntity(ctx context.Context, e apptype.Entity) error {
	done := metrics.TimeOp("db_insert_entity")
	success := false
	defer func() { done(success) }()
	table, err := s.dm.TableFor(e.EntityType)
	if err != nil {
		return err
	}
	args, err := s.entityArgs(e)
	if err != nil {
		return err
	}
	created := s.dm.timestamp()
	if !e.CreatedAt.IsZero() {
		created = formatTime(e.CreatedAt)
	}
	query := fmt.Sprintf(`INSERT INTO %s (name, attributes, mentioned_in_interviews, source_count,
        consensus_confidence, is_consolidated, has_contradictions, contradiction_details,
        merged_entity_ids, first_mentioned_at, last_mentioned_at, consolidated_at,
        updated_at, created_at, id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	if _, err := s.exec(ctx, query, append(args, created, e.ID)...); err != nil {
		return fmt.Errorf("failed to insert entity into %s: %w", table, err)
	}
	success = true
	return nil
}

// UpdateEntity overwrites the consolidation state of an existing row.
func (s *Store) UpdateEntity(ctx context.Context, e apptype.Entity) error {
	done := metrics.TimeOp("db_update_entity")
	success := false
	defer func() { done(success) }()
	table, err := s.dm.TableFor(e.EntityType)
	if err != nil {
		return err
	}
	args, err := s.entityArgs(e)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET name = ?, attributes = ?, mentioned_in_interviews = ?,
        source_count = ?, consensus_confidence = ?, is_consolidated = ?, has_contradictions = ?,
        contradiction_details = ?, merged_entity_ids = ?, first_mentioned_at = ?,
        last_mentioned_at = ?, consolidated_at = ?, updated_at = ? WHERE id = ?`, table)
	res, err := s.exec(ctx, query, append(args, e.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update entity in %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, e.EntityType, e.ID)
	}
	success = true
	return nil
}

// entityArgs renders the shared column values of InsertEntity and
// UpdateEntity, ending with updated_at.
func (s *Store) entityArgs(e apptype.Entity) ([]any, error) {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes for %s: %w", e.ID, err)
	}
	contra := e.ContradictionDetails
	if contra == nil {
		contra = []apptype.ContradictionRecord{}
	}
	contraJSON, _ := json.Marshal(contra)
	mentionedJSON := encodeStringList(e.MentionedInInterviews)
	mergedJSON := encodeStringList(e.MergedEntityIDs)
	first := e.FirstMentionedAt
	last := e.LastMentionedAt
	return []any{
		e.Name(), string(attrsJSON), mentionedJSON, len(e.MentionedInInterviews),
		clamp01(e.ConsensusConfidence), boolInt(e.IsConsolidated),
		boolInt(e.HasContradictions && len(e.ContradictionDetails) > 0), string(contraJSON),
		mergedJSON, timeArg(&first), timeArg(&last), timeArg(e.ConsolidatedAt), s.dm.timestamp(),
	}, nil
}

// CountEntities returns the row count of one entity table.
func (s *Store) CountEntities(ctx context.Context, entityType string) (int, error) {
	table, err := s.dm.TableFor(entityType)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.queryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// CountAllEntities returns row counts keyed by entity type.
func (s *Store) CountAllEntities(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(s.dm.types))
	for _, t := range s.dm.types {
		n, err := s.CountEntities(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, nil
}

// RegisterInterview records an ingested interview id. Re-registering is a no-op.
func (s *Store) RegisterInterview(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("interview id cannot be empty")
	}
	if _, err := s.exec(ctx, "INSERT OR IGNORE INTO interviews (id, created_at) VALUES (?, ?)", id, s.dm.timestamp()); err != nil {
		return fmt.Errorf("failed to register interview: %w", err)
	}
	return nil
}

// CountInterviews returns how many distinct interviews have been ingested.
func (s *Store) CountInterviews(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM interviews").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count interviews: %w", err)
	}
	return n, nil
}

func encodeStringList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// decodeStringList tolerates malformed JSON by returning an empty list.
func decodeStringList(raw, id, field string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("malformed tracking field, using empty list", "component", "database", "entity_id", id, "field", field, "error", err)
		return []string{}
	}
	return dedupe(out)
}

func decodeContradictions(raw, id string) []apptype.ContradictionRecord {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return []apptype.ContradictionRecord{}
	}
	var out []apptype.ContradictionRecord
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("malformed contradiction_details, using empty list", "component", "database", "entity_id", id, "error", err)
		return []apptype.ContradictionRecord{}
	}
	return out
}

func decodeAttributes(raw, id string) map[string]any {
	raw = strings.TrimSpace(raw)
	out := map[string]any{}
	if raw == "" || raw == "null" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("malformed attributes, using empty map", "component", "database", "entity_id", id, "error", err)
		return map[string]any{}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
