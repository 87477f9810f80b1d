package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

const patternColumns = `id, pattern_type, entity_type, entity_id, pattern_frequency, source_count,
        high_priority, description, detected_at`

// UpsertPattern stores p keyed by (pattern_type, entity_type, entity_id),
// refreshing frequency, count, priority, description and detected_at on
// repeat detection.
func (s *Store) UpsertPattern(ctx context.Context, p apptype.Pattern) (apptype.Pattern, error) {
	done := metrics.TimeOp("db_upsert_pattern")
	success := false
	defer func() { done(success) }()
	if p.PatternType == "" || p.EntityType == "" || p.EntityID == "" {
		return p, fmt.Errorf("pattern key fields cannot be empty")
	}
	if p.DetectedAt.IsZero() {
		p.DetectedAt = s.dm.now().UTC()
	}
	res, err := s.exec(ctx, `UPDATE patterns SET pattern_frequency = ?, source_count = ?, high_priority = ?,
        description = ?, detected_at = ? WHERE pattern_type = ? AND entity_type = ? AND entity_id = ?`,
		p.PatternFrequency, p.SourceCount, boolInt(p.HighPriority), p.Description, formatTime(p.DetectedAt),
		p.PatternType, p.EntityType, p.EntityID)
	if err != nil {
		return p, fmt.Errorf("failed to update pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.exec(ctx, `INSERT INTO patterns (pattern_type, entity_type, entity_id, pattern_frequency,
        source_count, high_priority, description, detected_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.PatternType, p.EntityType, p.EntityID, p.PatternFrequency, p.SourceCount,
			boolInt(p.HighPriority), p.Description, formatTime(p.DetectedAt)); err != nil {
			return p, fmt.Errorf("failed to insert pattern: %w", err)
		}
	}
	row := s.queryRow(ctx, "SELECT "+patternColumns+` FROM patterns
        WHERE pattern_type = ? AND entity_type = ? AND entity_id = ?`, p.PatternType, p.EntityType, p.EntityID)
	stored, err := scanPattern(row)
	if err != nil {
		return p, err
	}
	success = true
	return stored, nil
}

// ListPatterns returns stored patterns ordered by type then frequency.
func (s *Store) ListPatterns(ctx context.Context) ([]apptype.Pattern, error) {
	rows, err := s.query(ctx, "SELECT "+patternColumns+" FROM patterns ORDER BY pattern_type, pattern_frequency DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()
	var out []apptype.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPattern(row rowScanner) (apptype.Pattern, error) {
	var (
		p        apptype.Pattern
		high     int
		detected sql.NullString
	)
	if err := row.Scan(&p.ID, &p.PatternType, &p.EntityType, &p.EntityID, &p.PatternFrequency,
		&p.SourceCount, &high, &p.Description, &detected); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("%w: pattern", ErrNotFound)
		}
		return p, fmt.Errorf("failed to scan pattern: %w", err)
	}
	p.HighPriority = high != 0
	p.DetectedAt = parseTime(detected.String)
	return p, nil
}
