package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultSQLitePath is where a node keeps durable state when no path is
// configured.
const DefaultSQLitePath = ".fabric/state.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	revision   INTEGER NOT NULL,
	created    INTEGER NOT NULL,
	modified   INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS kv_expires ON kv(expires_at);
`

// SQLiteStore implements StateStore on a local SQLite file. It is the
// backend that lets a node pick its tasks and agent state back up after a
// restart.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// NewSQLiteStore opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Get retrieves a value by key.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *SQLiteStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var (
		kv                KeyValue
		rev               int64
		created, modified int64
		expires           int64
	)
	row := s.db.QueryRow(
		`SELECT value, revision, created, modified, expires_at FROM kv WHERE key = ?`, key)
	if err := row.Scan(&kv.Value, &rev, &created, &modified, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	now := time.Now().UnixNano()
	if expires != 0 && now > expires {
		_, _ = s.db.Exec(`DELETE FROM kv WHERE key = ? AND expires_at = ?`, key, expires)
		return nil, ErrNotFound
	}

	kv.Key = key
	kv.Revision = uint64(rev)
	kv.Created = time.Unix(0, created)
	kv.Modified = time.Unix(0, modified)
	return &kv, nil
}

// Put stores a value with an optional TTL.
func (s *SQLiteStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	now := time.Now().UnixNano()
	var expires int64
	if ttl > 0 {
		expires = now + int64(ttl)
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(`
INSERT INTO kv (key, value, revision, created, modified, expires_at)
VALUES (?, ?, (SELECT COALESCE(MAX(revision), 0) + 1 FROM kv), ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	revision = (SELECT COALESCE(MAX(revision), 0) + 1 FROM kv),
	created = CASE WHEN kv.expires_at != 0 AND kv.expires_at < excluded.modified
		THEN excluded.created ELSE kv.created END,
	modified = excluded.modified,
	expires_at = excluded.expires_at`,
		key, value, now, now, expires)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Keys returns all live keys matching a pattern.
func (s *SQLiteStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := `SELECT key FROM kv WHERE (expires_at = 0 OR expires_at > ?)`
	args := []any{time.Now().UnixNano()}
	switch {
	case pattern == "*":
	case strings.HasSuffix(pattern, "*"):
		query += ` AND instr(key, ?) = 1`
		args = append(args, strings.TrimSuffix(pattern, "*"))
	default:
		query += ` AND key = ?`
		args = append(args, pattern)
	}
	query += ` ORDER BY key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Purge() (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.Exec(`DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
