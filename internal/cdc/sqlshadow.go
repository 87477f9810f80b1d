package cdc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// SQL dialects understood by SQLShadow.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var shadowSchema = []string{
	`CREATE TABLE IF NOT EXISTS shadow_entities (
        sqlite_entity_id TEXT NOT NULL,
        entity_type TEXT NOT NULL,
        name TEXT,
        attributes TEXT,
        mentioned_in_interviews TEXT,
        source_count INTEGER NOT NULL DEFAULT 0,
        consensus_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
        is_consolidated INTEGER NOT NULL DEFAULT 0,
        has_contradictions INTEGER NOT NULL DEFAULT 0,
        contradiction_details TEXT,
        merged_entity_ids TEXT,
        consolidated_at TEXT,
        first_synced_at TEXT NOT NULL,
        UNIQUE (sqlite_entity_id, entity_type)
    )`,
	`CREATE TABLE IF NOT EXISTS shadow_relationships (
        relationship_type TEXT NOT NULL,
        from_id TEXT NOT NULL,
        to_id TEXT NOT NULL,
        from_type TEXT,
        to_type TEXT,
        strength DOUBLE PRECISION NOT NULL DEFAULT 0,
        mentioned_in_interviews TEXT,
        first_synced_at TEXT NOT NULL,
        UNIQUE (relationship_type, from_id, to_id)
    )`,
	`CREATE TABLE IF NOT EXISTS shadow_patterns (
        pattern_type TEXT NOT NULL,
        description TEXT NOT NULL,
        entity_type TEXT,
        entity_id TEXT,
        pattern_frequency DOUBLE PRECISION NOT NULL DEFAULT 0,
        source_count INTEGER NOT NULL DEFAULT 0,
        high_priority INTEGER NOT NULL DEFAULT 0,
        detected_at TEXT,
        first_synced_at TEXT NOT NULL,
        UNIQUE (pattern_type, description)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_shadow_entities_type ON shadow_entities(entity_type)`,
}

// SQLShadow mirrors consolidated state into a relational database.
type SQLShadow struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// OpenSQLShadow opens a shadow by driver name: "postgres"/"pgx" (pgx
// stdlib) or "sqlite" (modernc).
func OpenSQLShadow(ctx context.Context, driver, dsn string) (*SQLShadow, error) {
	var sqlDriver, dialect string
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		sqlDriver, dialect = "pgx", DialectPostgres
	case "sqlite", "sqlite3":
		sqlDriver, dialect = "sqlite", DialectSQLite
	default:
		return nil, fmt.Errorf("unsupported shadow driver %q", driver)
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open shadow database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach shadow database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return NewSQLShadow(db, dialect), nil
}

// NewSQLShadow wraps an open database.
func NewSQLShadow(db *sql.DB, dialect string) *SQLShadow {
	return &SQLShadow{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// Name identifies the shadow in sync results.
func (s *SQLShadow) Name() string { return "sql" }

// DB exposes the underlying handle.
func (s *SQLShadow) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *SQLShadow) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLShadow) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// inTx runs one event's writes in a local transaction.
func (s *SQLShadow) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	done := metrics.TimeOp("shadow_" + op)
	defer func() { done(err == nil) }()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin shadow transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("failed to commit shadow transaction: %w", cerr)
		}
	}()
	return fn(tx)
}

// EnsureSchema creates the shadow tables if they are missing.
func (s *SQLShadow) EnsureSchema(ctx context.Context) error {
	return s.inTx(ctx, "ensure_schema", func(tx *sql.Tx) error {
		for _, stmt := range shadowSchema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create shadow schema: %w", err)
			}
		}
		return nil
	})
}

// ApplyEntity upserts e keyed on (id, entity type).
func (s *SQLShadow) ApplyEntity(ctx context.Context, e apptype.Entity) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	contradictions, _ := json.Marshal(nonNilContradictions(e.ContradictionDetails))
	var consolidatedAt any
	if e.ConsolidatedAt != nil {
		consolidatedAt = e.ConsolidatedAt.UTC().Format(time.RFC3339Nano)
	}
	q := s.rebind(`INSERT INTO shadow_entities (sqlite_entity_id, entity_type, name, attributes,
        mentioned_in_interviews, source_count, consensus_confidence, is_consolidated, has_contradictions,
        contradiction_details, merged_entity_ids, consolidated_at, first_synced_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (sqlite_entity_id, entity_type) DO UPDATE SET
            name = excluded.name,
            attributes = excluded.attributes,
            mentioned_in_interviews = excluded.mentioned_in_interviews,
            source_count = excluded.source_count,
            consensus_confidence = excluded.consensus_confidence,
            is_consolidated = excluded.is_consolidated,
            has_contradictions = excluded.has_contradictions,
            contradiction_details = excluded.contradiction_details,
            merged_entity_ids = excluded.merged_entity_ids,
            consolidated_at = excluded.consolidated_at`)
	return s.inTx(ctx, "apply_entity", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q, e.ID, e.EntityType, e.Name(), string(attrs),
			jsonList(e.MentionedInInterviews), len(e.MentionedInInterviews), e.ConsensusConfidence,
			boolInt(e.IsConsolidated), boolInt(e.HasContradictions), string(contradictions),
			jsonList(e.MergedEntityIDs), consolidatedAt, s.stamp())
		if err != nil {
			return fmt.Errorf("failed to upsert shadow entity %s: %w", e.ID, err)
		}
		return nil
	})
}

// ApplyRelationship upserts r keyed on (type, source, target).
func (s *SQLShadow) ApplyRelationship(ctx context.Context, r apptype.Relationship) error {
	q := s.rebind(`INSERT INTO shadow_relationships (relationship_type, from_id, to_id, from_type, to_type,
        strength, mentioned_in_interviews, first_synced_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (relationship_type, from_id, to_id) DO UPDATE SET
            from_type = excluded.from_type,
            to_type = excluded.to_type,
            strength = excluded.strength,
            mentioned_in_interviews = excluded.mentioned_in_interviews`)
	return s.inTx(ctx, "apply_relationship", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q, r.RelationshipType, r.SourceEntityID, r.TargetEntityID,
			r.SourceEntityType, r.TargetEntityType, r.Strength, jsonList(r.MentionedInInterviews), s.stamp())
		if err != nil {
			return fmt.Errorf("failed to upsert shadow relationship: %w", err)
		}
		return nil
	})
}

// ApplyPattern upserts p keyed on (type, description).
func (s *SQLShadow) ApplyPattern(ctx context.Context, p apptype.Pattern) error {
	q := s.rebind(`INSERT INTO shadow_patterns (pattern_type, description, entity_type, entity_id,
        pattern_frequency, source_count, high_priority, detected_at, first_synced_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (pattern_type, description) DO UPDATE SET
            entity_type = excluded.entity_type,
            entity_id = excluded.entity_id,
            pattern_frequency = excluded.pattern_frequency,
            source_count = excluded.source_count,
            high_priority = excluded.high_priority,
            detected_at = excluded.detected_at`)
	return s.inTx(ctx, "apply_pattern", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q, p.PatternType, p.Description, p.EntityType, p.EntityID,
			p.PatternFrequency, p.SourceCount, boolInt(p.HighPriority),
			p.DetectedAt.UTC().Format(time.RFC3339Nano), s.stamp())
		if err != nil {
			return fmt.Errorf("failed to upsert shadow pattern: %w", err)
		}
		return nil
	})
}

// DeleteEntity removes an entity row. Missing rows are not an error.
func (s *SQLShadow) DeleteEntity(ctx context.Context, entityID, entityType string) error {
	return s.exec(ctx, "delete_entity", "DELETE FROM shadow_entities WHERE sqlite_entity_id = ? AND entity_type = ?", entityID, entityType)
}

// DeleteRelationship removes the edge (relType, fromID, toID).
func (s *SQLShadow) DeleteRelationship(ctx context.Context, relType, fromID, toID string) error {
	return s.exec(ctx, "delete_relationship", "DELETE FROM shadow_relationships WHERE relationship_type = ? AND from_id = ? AND to_id = ?", relType, fromID, toID)
}

// DeletePattern removes the pattern keyed on (patternType, description).
func (s *SQLShadow) DeletePattern(ctx context.Context, patternType, description string) error {
	return s.exec(ctx, "delete_pattern", "DELETE FROM shadow_patterns WHERE pattern_type = ? AND description = ?", patternType, description)
}

func (s *SQLShadow) exec(ctx context.Context, op, q string, args ...any) error {
	q = s.rebind(q)
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("failed to %s: %w", strings.ReplaceAll(op, "_", " "), err)
		}
		return nil
	})
}

// Truncate empties every shadow table in one transaction.
func (s *SQLShadow) Truncate(ctx context.Context) error {
	return s.inTx(ctx, "truncate", func(tx *sql.Tx) error {
		for _, t := range []string{"shadow_relationships", "shadow_patterns", "shadow_entities"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", t, err)
			}
		}
		return nil
	})
}

// Counts returns the row count of each shadow table keyed by kind.
func (s *SQLShadow) Counts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	for kind, table := range map[string]string{
		KindEntities:      "shadow_entities",
		KindRelationships: "shadow_relationships",
		KindPatterns:      "shadow_patterns",
	} {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		out[kind] = n
	}
	return out, nil
}

func (s *SQLShadow) stamp() string {
	return s.now().Format(time.RFC3339Nano)
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func nonNilContradictions(v []apptype.ContradictionRecord) []apptype.ContradictionRecord {
	if v == nil {
		return []apptype.ContradictionRecord{}
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
