package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// capFlags stores capability detection for the DB handle
type capFlags struct {
	checked   bool
	version   string
	returning bool
}

// detectCapabilities records the engine version and whether INSERT ...
// RETURNING is available.
func (dm *DBManager) detectCapabilities(ctx context.Context) {
	dm.capMu.RLock()
	checked := dm.caps.checked
	dm.capMu.RUnlock()
	if checked {
		return
	}

	caps := capFlags{checked: true}
	ctx2, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = dm.db.QueryRowContext(ctx2, "SELECT sqlite_version()").Scan(&caps.version)

	ctx3, cancel3 := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel3()
	// temp tables are per connection, so pin one for the probe
	if conn, err := dm.db.Conn(ctx3); err == nil {
		if _, err := conn.ExecContext(ctx3, "CREATE TEMP TABLE IF NOT EXISTS _returning_probe (id INTEGER PRIMARY KEY AUTOINCREMENT, x TEXT)"); err == nil {
			var id int64
			if err := conn.QueryRowContext(ctx3, "INSERT INTO _returning_probe (x) VALUES ('x') RETURNING id").Scan(&id); err == nil {
				caps.returning = true
			}
			_, _ = conn.ExecContext(ctx3, "DROP TABLE IF EXISTS temp._returning_probe")
		}
		_ = conn.Close()
	}

	dm.capMu.Lock()
	dm.caps = caps
	dm.capMu.Unlock()
	slog.Debug("database capabilities", "component", "database", "version", caps.version, "returning", caps.returning)
}

func (dm *DBManager) supportsReturning() bool {
	dm.capMu.RLock()
	defer dm.capMu.RUnlock()
	return dm.caps.returning
}

// EngineVersion returns the probed sqlite/libsql version string.
func (dm *DBManager) EngineVersion() string {
	dm.capMu.RLock()
	defer dm.capMu.RUnlock()
	return dm.caps.version
}

// ListTables returns user tables in name order.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// TableColumns returns the set of column names of table. A missing table
// yields an empty set.
func (s *Store) TableColumns(ctx context.Context, table string) (map[string]bool, error) {
	return tableColumns(ctx, s.q, table)
}

func tableColumns(ctx context.Context, q querier, table string) (map[string]bool, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info for %s: %w", table, err)
	}
	defer rows.Close()
	colsNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for rows.Next() {
		vals := make([]any, len(colsNames))
		ptrs := make([]any, len(colsNames))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		for i, c := range colsNames {
			if strings.EqualFold(c, "name") {
				out[asString(vals[i])] = true
			}
		}
	}
	return out, rows.Err()
}

func asString(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case []byte:
		return string(vv)
	case nil:
		return ""
	default:
		return fmt.Sprint(vv)
	}
}

// UnconsolidatedStats counts rows of table whose is_consolidated marker is
// false or absent and returns the oldest such row's creation time. ok is
// false when the table has no is_consolidated column.
func (s *Store) UnconsolidatedStats(ctx context.Context, table string) (count int, oldest *time.Time, ok bool, err error) {
	cols, err := s.TableColumns(ctx, table)
	if err != nil {
		return 0, nil, false, err
	}
	if !cols["is_consolidated"] {
		return 0, nil, false, nil
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE is_consolidated = 0 OR is_consolidated IS NULL", table)
	if cols["created_at"] {
		query = fmt.Sprintf("SELECT COUNT(*), MIN(created_at) FROM %s WHERE is_consolidated = 0 OR is_consolidated IS NULL", table)
		var minCreated sql.NullString
		if err := s.q.QueryRowContext(ctx, query).Scan(&count, &minCreated); err != nil {
			return 0, nil, true, fmt.Errorf("failed to count unconsolidated rows in %s: %w", table, err)
		}
		return count, nullTime(minCreated), true, nil
	}
	if err := s.q.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, nil, true, fmt.Errorf("failed to count unconsolidated rows in %s: %w", table, err)
	}
	return count, nil, true, nil
}
