package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is a KV backed by an embedded SQLite database in WAL mode.
type SQLite struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database file at path and initializes the schema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	kv, err := store.Open(filepath.Join(dataDir, "shopsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
func Open(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single connection: SetMany transactions are serialized and a :memory:
	// database is shared by every caller.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &SQLite{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Get implements KV.
func (s *SQLite) Get(key string) (string, bool, error) {
	if s.conn == nil {
		return "", false, ErrClosed
	}

	var value string
	err := s.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements KV.
func (s *SQLite) Set(key, value string) error {
	return s.SetMany(map[string]string{key: value})
}

// SetMany implements KV.
func (s *SQLite) SetMany(entries map[string]string) error {
	if s.conn == nil {
		return ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, key := range sortedKeys(entries) {
		if _, err := stmt.Exec(key, entries[key], now); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Delete implements KV.
func (s *SQLite) Delete(keys ...string) error {
	if s.conn == nil {
		return ErrClosed
	}
	for _, key := range keys {
		if _, err := s.conn.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
