// Package store provides SQLite-backed persistence for gatekeep.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrStale indicates a compare-and-swap update matched no row because the
// record changed (or vanished) since it was read.
var ErrStale = errors.New("record changed since read")

// Store provides access to the gatekeep SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite has a single writer; one connection serialises all writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Open wraps an existing handle without migrating. Used with sqlmock.
func Open(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs idempotent schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		stage TEXT NOT NULL,
		priority TEXT NOT NULL,
		source TEXT NOT NULL,
		action_type TEXT,
		fingerprint TEXT,
		summary TEXT,
		payload TEXT,
		payload_hash TEXT,
		approval TEXT,
		completed_at INTEGER,
		result TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dedup_entries (
		fingerprint TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		first_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp INTEGER NOT NULL,
		correlation_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		action_type TEXT NOT NULL,
		target TEXT,
		result TEXT NOT NULL,
		record_id TEXT,
		duration_ms INTEGER,
		error TEXT,
		details TEXT
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_stage ON records(stage);
	CREATE INDEX IF NOT EXISTS idx_records_action ON records(stage, action_type);
	CREATE INDEX IF NOT EXISTS idx_dedup_seen ON dedup_entries(first_seen_at);
	CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_events(record_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetMeta returns the value stored under key, or "" when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query meta: %w", err)
	}
	return v, nil
}

// SetMeta upserts a meta value. Checkpoints and prune markers live here.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}
	return nil
}
