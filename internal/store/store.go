// Package store persists indicators, feeds, update runs, enrichment data and
// threat families in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the single shared persistent state of FeedForge. Writes go through
// a one-connection pool so transactions on the same dedup key serialize.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	logger  *zap.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// Open opens (creating if needed) the database at path and applies the schema.
// The special path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{path: path, logger: logger}

	if path == ":memory:" {
		dsn := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening in-memory database: %w", err)
		}
		db.SetMaxOpenConns(1)
		s.writeDB, s.readDB = db, db
	} else {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		dsn := "file:" + path + "?" + pragmas

		writeDB, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening write pool: %w", err)
		}
		writeDB.SetMaxOpenConns(1)

		readDB, err := sql.Open("sqlite", dsn)
		if err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("opening read pool: %w", err)
		}
		readDB.SetMaxOpenConns(8)
		s.writeDB, s.readDB = writeDB, readDB
	}

	if err := s.writeDB.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Info("Store opened", zap.String("path", path))
	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil && s.readDB != s.writeDB {
		errs = append(errs, s.readDB.Close())
	}
	if s.writeDB != nil {
		errs = append(errs, s.writeDB.Close())
	}
	return errors.Join(errs...)
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.readDB.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS feeds (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		url TEXT,
		reliability TEXT NOT NULL DEFAULT 'unknown',
		confidence REAL NOT NULL DEFAULT 0.5,
		update_frequency INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		config TEXT NOT NULL DEFAULT '{}',
		last_update INTEGER,
		last_attempt INTEGER,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		successful_updates INTEGER NOT NULL DEFAULT 0,
		failed_updates INTEGER NOT NULL DEFAULT 0,
		total_iocs INTEGER NOT NULL DEFAULT 0,
		disabled_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS threat_families (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		aliases TEXT NOT NULL DEFAULT '[]',
		family_type TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		mitre_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS iocs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		normalized_value TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence REAL NOT NULL,
		tlp TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		source_feed_id TEXT REFERENCES feeds(id) ON DELETE SET NULL,
		source_reliability TEXT NOT NULL DEFAULT 'unknown',
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		threat_family_id TEXT REFERENCES threat_families(id) ON DELETE SET NULL,
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_iocs_key ON iocs(type, normalized_value)`,
	`CREATE INDEX IF NOT EXISTS idx_iocs_value ON iocs(value)`,
	`CREATE INDEX IF NOT EXISTS idx_iocs_feed ON iocs(source_feed_id)`,
	`CREATE INDEX IF NOT EXISTS idx_iocs_family ON iocs(threat_family_id)`,
	`CREATE INDEX IF NOT EXISTS idx_iocs_last_seen ON iocs(last_seen)`,
	`CREATE TABLE IF NOT EXISTS update_runs (
		id TEXT PRIMARY KEY,
		feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		run_trigger TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		status TEXT NOT NULL,
		iocs_processed INTEGER NOT NULL DEFAULT 0,
		iocs_added INTEGER NOT NULL DEFAULT 0,
		iocs_updated INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		errors TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_feed_start ON update_runs(feed_id, start_time DESC)`,
	// At most one running update per feed.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_running ON update_runs(feed_id) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS enrichment_sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		source_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		rate_limit INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		total_queries INTEGER NOT NULL DEFAULT 0,
		successful_queries INTEGER NOT NULL DEFAULT 0,
		failed_queries INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrichment_results (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ioc_id TEXT NOT NULL REFERENCES iocs(id) ON DELETE CASCADE,
		source_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		queried_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_ioc ON enrichment_results(ioc_id, source_type, queried_at DESC)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.writeDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Timestamps are stored as Unix nanoseconds in UTC.

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func toNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding column: %w", err)
	}
	return nil
}

// page clamps limit/offset to sane values.
func page(limit, offset, def, max int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
