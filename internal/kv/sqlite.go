package kv

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// migration is one step of the store's table layout.
type migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Key-value table",
		Up: `
CREATE TABLE IF NOT EXISTS kv (
    key         TEXT PRIMARY KEY,
    value       BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);`,
	},
	{
		Version:     2,
		Description: "Index keys by update time",
		Up:          `CREATE INDEX IF NOT EXISTS idx_kv_updated ON kv(updated_at);`,
	},
}

// SQLite is a Store persisted in a single SQLite database file.
type SQLite struct {
	db *sql.DB

	mu     sync.Mutex // serializes writers so change events carry accurate old values
	closed bool
	notifier
}

// OpenSQLite opens or creates the database at path and applies pending
// migrations. busyTimeout of zero leaves the driver default.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL"
	if busyTimeout > 0 {
		dsn += fmt.Sprintf("&_busy_timeout=%d", busyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied table migration.
func (s *SQLite) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

func (s *SQLite) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	query := "SELECT key, value FROM kv WHERE key IN (?" + strings.Repeat(",?", len(keys)-1) + ")"
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	defer rows.Close()
	return scanItems(rows, out)
}

func (s *SQLite) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM kv")
	if err != nil {
		return nil, fmt.Errorf("get all keys: %w", err)
	}
	defer rows.Close()
	return scanItems(rows, make(map[string]json.RawMessage))
}

func scanItems(rows *sql.Rows, out map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func (s *SQLite) Set(ctx context.Context, items map[string]any) error {
	encoded, err := encodeItems(items)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changes, err := s.setLocked(ctx, encoded)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(changes)
	return nil
}

func (s *SQLite) setLocked(ctx context.Context, encoded map[string][]byte) ([]Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	var changes []Change
	for _, k := range sortedKeys(encoded) {
		var old []byte
		err := tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", k).Scan(&old)
		existed := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read %s: %w", k, err)
		}
		if existed && bytes.Equal(old, encoded[k]) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, encoded[k], now,
		); err != nil {
			return nil, fmt.Errorf("write %s: %w", k, err)
		}
		c := Change{Key: k, NewValue: json.RawMessage(encoded[k])}
		if existed {
			c.OldValue = json.RawMessage(old)
		}
		changes = append(changes, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return changes, nil
}

func (s *SQLite) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changes, err := s.removeLocked(ctx, keys)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(changes)
	return nil
}

func (s *SQLite) removeLocked(ctx context.Context, keys []string) ([]Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var changes []Change
	for _, k := range keys {
		var old []byte
		err := tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", k).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", k); err != nil {
			return nil, fmt.Errorf("delete %s: %w", k, err)
		}
		changes = append(changes, Change{Key: k, OldValue: json.RawMessage(old)})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return changes, nil
}

// OnChanged registers fn for change notifications from this process. Writes
// made by other processes sharing the file are not observed.
func (s *SQLite) OnChanged(fn ChangeListener) func() {
	return s.subscribe(fn)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
