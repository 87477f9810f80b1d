package database

import (
	"context"
	"fmt"
)

// coreSchema returns DDL for the tables shared by every entity type.
func coreSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS interviews (
        id TEXT PRIMARY KEY,
        created_at TEXT NOT NULL
    )`,

		`CREATE TABLE IF NOT EXISTS consolidation_audit (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        entity_type TEXT NOT NULL,
        merged_ids TEXT NOT NULL DEFAULT '[]',
        resulting_id TEXT NOT NULL DEFAULT '',
        similarity_score REAL NOT NULL DEFAULT 0,
        interview_id TEXT NOT NULL DEFAULT '',
        created_at TEXT NOT NULL,
        rollback_timestamp TEXT,
        rollback_reason TEXT
    )`,

		`CREATE TABLE IF NOT EXISTS consolidation_events (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        event_type TEXT NOT NULL,
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        payload TEXT NOT NULL,
        processed INTEGER NOT NULL DEFAULT 0,
        created_at TEXT NOT NULL,
        processed_at TEXT,
        error_message TEXT
    )`,

		`CREATE TABLE IF NOT EXISTS relationships (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        relationship_type TEXT NOT NULL,
        source_entity_id TEXT NOT NULL,
        source_entity_type TEXT NOT NULL,
        target_entity_id TEXT NOT NULL,
        target_entity_type TEXT NOT NULL,
        strength REAL NOT NULL DEFAULT 0,
        mentioned_in_interviews TEXT NOT NULL DEFAULT '[]',
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        UNIQUE (relationship_type, source_entity_id, target_entity_id)
    )`,

		`CREATE TABLE IF NOT EXISTS patterns (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        pattern_type TEXT NOT NULL,
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        pattern_frequency REAL NOT NULL DEFAULT 0,
        source_count INTEGER NOT NULL DEFAULT 0,
        high_priority INTEGER NOT NULL DEFAULT 0,
        description TEXT NOT NULL DEFAULT '',
        detected_at TEXT NOT NULL,
        UNIQUE (pattern_type, entity_type, entity_id)
    )`,

		`CREATE TABLE IF NOT EXISTS entity_embeddings (
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        model TEXT NOT NULL DEFAULT '',
        dims INTEGER NOT NULL,
        vector BLOB NOT NULL,
        updated_at TEXT NOT NULL,
        PRIMARY KEY (entity_type, entity_id)
    )`,

		`CREATE TABLE IF NOT EXISTS backlog_reports (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        collected_at TEXT NOT NULL,
        total_unconsolidated INTEGER NOT NULL,
        oldest_entity_timestamp TEXT,
        estimated_minutes REAL NOT NULL,
        per_entity_counts TEXT NOT NULL DEFAULT '{}',
        alert_triggered INTEGER NOT NULL DEFAULT 0
    )`,

		// Create indexes
		`CREATE INDEX IF NOT EXISTS idx_events_pending ON consolidation_events(processed, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_processed_at ON consolidation_events(processed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity_type ON consolidation_audit(entity_type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type)`,
	}
}

// entityColumns are the consolidation columns every entity table carries,
// in the order ALTER TABLE adds them to legacy tables.
var entityColumns = []struct {
	name string
	ddl  string
}{
	{"name", "TEXT NOT NULL DEFAULT ''"},
	{"attributes", "TEXT NOT NULL DEFAULT '{}'"},
	{"mentioned_in_interviews", "TEXT NOT NULL DEFAULT '[]'"},
	{"source_count", "INTEGER NOT NULL DEFAULT 1"},
	{"consensus_confidence", "REAL NOT NULL DEFAULT 0"},
	{"is_consolidated", "INTEGER NOT NULL DEFAULT 0"},
	{"has_contradictions", "INTEGER NOT NULL DEFAULT 0"},
	{"contradiction_details", "TEXT NOT NULL DEFAULT '[]'"},
	{"merged_entity_ids", "TEXT NOT NULL DEFAULT '[]'"},
	{"first_mentioned_at", "TEXT"},
	{"last_mentioned_at", "TEXT"},
	{"consolidated_at", "TEXT"},
	{"created_at", "TEXT"},
	{"updated_at", "TEXT"},
}

// entityTableSchema returns DDL for one entity table.
func entityTableSchema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        attributes TEXT NOT NULL DEFAULT '{}',
        mentioned_in_interviews TEXT NOT NULL DEFAULT '[]',
        source_count INTEGER NOT NULL DEFAULT 1,
        consensus_confidence REAL NOT NULL DEFAULT 0,
        is_consolidated INTEGER NOT NULL DEFAULT 0,
        has_contradictions INTEGER NOT NULL DEFAULT 0,
        contradiction_details TEXT NOT NULL DEFAULT '[]',
        merged_entity_ids TEXT NOT NULL DEFAULT '[]',
        first_mentioned_at TEXT,
        last_mentioned_at TEXT,
        consolidated_at TEXT,
        created_at TEXT,
        updated_at TEXT
    )`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_name ON %s(name)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_consolidated ON %s(is_consolidated, created_at)`, table, table),
	}
}

// migrateEntityTable adds consolidation columns to an entity table that was
// created by an older schema. Missing tables are left for CREATE TABLE.
func migrateEntityTable(ctx context.Context, q querier, table string) error {
	cols, err := tableColumns(ctx, q, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	for _, c := range entityColumns {
		if cols[c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.name, c.ddl)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s to %s: %w", c.name, table, err)
		}
	}
	return nil
}
