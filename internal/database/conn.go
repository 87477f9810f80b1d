package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// NewDBManager opens the store, creates the schema and probes capabilities.
func NewDBManager(config *Config) (*DBManager, error) {
	if config == nil {
		config = NewConfig()
	}
	if len(config.EntityTypes) == 0 {
		config.EntityTypes = DefaultEntityTypes()
	}
	manager := &DBManager{
		config:    config,
		tables:    make(map[string]string, len(config.EntityTypes)),
		stmtCache: make(map[string]*sql.Stmt),
		now:       time.Now,
	}
	for _, et := range config.EntityTypes {
		if !identRe.MatchString(et.Table) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTable, et.Table)
		}
		if _, dup := manager.tables[et.Name]; dup {
			return nil, fmt.Errorf("%w: entity type %q registered twice", ErrInvalidTable, et.Name)
		}
		manager.tables[et.Name] = et.Table
		manager.types = append(manager.types, et.Name)
	}

	db, err := sql.Open("libsql", connURL(config.URL, config.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create database connector: %w", err)
	}
	manager.db = db

	if err := manager.initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Apply connection pool tuning from config
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdle)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	manager.detectCapabilities(context.Background())
	stats := db.Stats()
	metrics.Default().ObservePoolStats(stats.InUse, stats.Idle)
	return manager, nil
}

// connURL appends the auth token to remote URLs.
func connURL(dbURL, authToken string) string {
	if strings.HasPrefix(dbURL, "file:") || authToken == "" {
		return dbURL
	}
	// Build URL safely and append/override the authToken parameter
	if u, err := url.Parse(dbURL); err == nil {
		q := u.Query()
		q.Set("authToken", authToken)
		u.RawQuery = q.Encode()
		return u.String()
	}
	if strings.Contains(dbURL, "?") {
		return dbURL + "&authToken=" + url.QueryEscape(authToken)
	}
	return dbURL + "?authToken=" + url.QueryEscape(authToken)
}

// initialize creates tables and indexes if they don't exist, then adds any
// consolidation columns missing from pre-existing entity tables.
func (dm *DBManager) initialize(ctx context.Context) error {
	done := metrics.TimeOp("db_initialize")
	success := false
	defer func() { done(success) }()
	tx, err := dm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for initialization: %w", err)
	}
	defer tx.Rollback()

	for _, statement := range coreSchema() {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	for _, name := range dm.types {
		table := dm.tables[name]
		if err := migrateEntityTable(ctx, tx, table); err != nil {
			return err
		}
		for _, statement := range entityTableSchema(table) {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				return fmt.Errorf("failed to execute schema statement for %s: %w", table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	slog.Debug("database initialized", "component", "database", "entity_tables", len(dm.types))
	return nil
}
