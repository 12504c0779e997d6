package kvstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schema is applied on open. WITHOUT ROWID keeps the (ns, k) lookup a
// single b-tree probe.
const schema = `
CREATE TABLE IF NOT EXISTS kv (
	ns         TEXT NOT NULL,
	k          TEXT NOT NULL,
	v          BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (ns, k)
) WITHOUT ROWID;
`

// SQLite is the durable Store backend. Single writer; the database file
// lives under the daemon's data directory.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and applies the schema.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLiteInMemory opens an in-memory database, used by tests.
func NewSQLiteInMemory() (*SQLite, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Set upserts the value under ns/key.
func (s *SQLite) Set(ns, key string, value json.RawMessage, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	_, err := s.db.Exec(
		`INSERT INTO kv (ns, k, v, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (ns, k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		ns, key, []byte(value), expiresAt, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", ns, key, err)
	}
	return nil
}

// Get returns the value under ns/key. Expired rows are filtered and reaped.
func (s *SQLite) Get(ns, key string) (json.RawMessage, bool, error) {
	var v []byte
	var expiresAt int64
	err := s.db.QueryRow(
		`SELECT v, expires_at FROM kv WHERE ns = ? AND k = ?`, ns, key,
	).Scan(&v, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", ns, key, err)
	}
	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		_, _ = s.db.Exec(`DELETE FROM kv WHERE ns = ? AND k = ?`, ns, key)
		return nil, false, nil
	}
	return v, true, nil
}

// Delete removes ns/key.
func (s *SQLite) Delete(ns, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE ns = ? AND k = ?`, ns, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// Keys lists live keys in ns with the given prefix, sorted.
func (s *SQLite) Keys(ns, prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT k FROM kv WHERE ns = ? AND k GLOB ? AND (expires_at = 0 OR expires_at > ?) ORDER BY k`,
		ns, prefix+"*", time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", ns, err)
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Snapshot returns all live entries in ns.
func (s *SQLite) Snapshot(ns string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT k, v, expires_at FROM kv WHERE ns = ? AND (expires_at = 0 OR expires_at > ?) ORDER BY k`,
		ns, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", ns, err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		var v []byte
		if err := rows.Scan(&e.Key, &v, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Namespace = ns
		e.Value = v
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Restore replaces the contents of ns with the given entries, in one
// transaction.
func (s *SQLite) Restore(ns string, entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(`DELETE FROM kv WHERE ns = ?`, ns); err != nil {
		return fmt.Errorf("failed to clear %s: %w", ns, err)
	}
	now := time.Now()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO kv (ns, k, v, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			ns, e.Key, []byte(e.Value), e.ExpiresAt, now.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to restore %s/%s: %w", ns, e.Key, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLite)(nil)
