package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTable is returned for entity types with no registered table
	// or table names that are not plain identifiers.
	ErrInvalidTable = errors.New("invalid entity table")
)

// timeLayout is fixed width so that lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DBManager handles all database operations
type DBManager struct {
	config *Config
	db     *sql.DB

	tables map[string]string
	types  []string

	stmtMu    sync.RWMutex
	stmtCache map[string]*sql.Stmt

	capMu sync.RWMutex
	caps  capFlags

	now func() time.Time
}

// Store runs queries either against the pool or inside one transaction.
type Store struct {
	dm *DBManager
	q  querier
	tx bool
}

// Store returns a pool-backed Store.
func (dm *DBManager) Store() *Store {
	return &Store{dm: dm, q: dm.db}
}

// DB exposes the underlying pool.
func (dm *DBManager) DB() *sql.DB { return dm.db }

// EntityTypes returns the registered entity types in registry order.
func (dm *DBManager) EntityTypes() []string {
	return append([]string(nil), dm.types...)
}

// TableFor returns the table holding entities of entityType.
func (dm *DBManager) TableFor(entityType string) (string, error) {
	table, ok := dm.tables[entityType]
	if !ok {
		return "", fmt.Errorf("%w: no table registered for entity type %q", ErrInvalidTable, entityType)
	}
	return table, nil
}

// TypeForTable is the reverse of TableFor.
func (dm *DBManager) TypeForTable(table string) (string, bool) {
	for t, tbl := range dm.tables {
		if tbl == table {
			return t, true
		}
	}
	return "", false
}

// SetClock overrides the time source used for timestamps.
func (dm *DBManager) SetClock(now func() time.Time) {
	if now != nil {
		dm.now = now
	}
}

func (dm *DBManager) timestamp() string {
	return formatTime(dm.now())
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back on error or panic.
func (dm *DBManager) WithTx(ctx context.Context, fn func(*Store) error) (err error) {
	tx, err := dm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()
	return fn(&Store{dm: dm, q: tx, tx: true})
}

// PoolStats returns the in-use and idle connection counts.
func (dm *DBManager) PoolStats() (inUse, idle int) {
	st := dm.db.Stats()
	return st.InUse, st.Idle
}

// Close releases cached statements and the pool.
func (dm *DBManager) Close() error {
	dm.stmtMu.Lock()
	var errs []error
	for _, stmt := range dm.stmtCache {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	dm.stmtCache = make(map[string]*sql.Stmt)
	dm.stmtMu.Unlock()

	if err := dm.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var timeLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime accepts the layouts this package writes plus SQLite's
// CURRENT_TIMESTAMP form. Unparseable input yields the zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
