package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// getPreparedStmt returns or prepares and caches a statement on the pool.
func (dm *DBManager) getPreparedStmt(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	// fast path read
	dm.stmtMu.RLock()
	if stmt, ok := dm.stmtCache[sqlText]; ok {
		dm.stmtMu.RUnlock()
		metrics.Default().IncStmtCacheHit("prepare")
		return stmt, nil
	}
	dm.stmtMu.RUnlock()
	metrics.Default().IncStmtCacheMiss("prepare")

	// prepare and store
	stmt, err := dm.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	dm.stmtMu.Lock()
	if existing, ok := dm.stmtCache[sqlText]; ok {
		dm.stmtMu.Unlock()
		_ = stmt.Close()
		return existing, nil
	}
	dm.stmtCache[sqlText] = stmt
	dm.stmtMu.Unlock()
	return stmt, nil
}

// query routes through the statement cache for pool-backed stores. Inside
// a transaction statements run on the transaction's connection directly.
func (s *Store) query(ctx context.Context, sqlText string, args ...any) (*sql.Rows, error) {
	if s.tx {
		return s.q.QueryContext(ctx, sqlText, args...)
	}
	stmt, err := s.dm.getPreparedStmt(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

func (s *Store) exec(ctx context.Context, sqlText string, args ...any) (sql.Result, error) {
	if s.tx {
		return s.q.ExecContext(ctx, sqlText, args...)
	}
	stmt, err := s.dm.getPreparedStmt(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (s *Store) queryRow(ctx context.Context, sqlText string, args ...any) *sql.Row {
	if s.tx {
		return s.q.QueryRowContext(ctx, sqlText, args...)
	}
	stmt, err := s.dm.getPreparedStmt(ctx, sqlText)
	if err != nil {
		// fall back to an unprepared query so the error surfaces from Scan
		return s.q.QueryRowContext(ctx, sqlText, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}
