// Package opstate provides a namespaced key-value store for operational
// state that may optionally outlive a restart: conversation thread
// state, resolved user timezones. Values are opaque strings (callers
// store JSON); every write stamps updated_at so retention sweeps can
// evict stale entries by age.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is a stored value with its last write time.
type Entry struct {
	Value     string
	UpdatedAt time.Time
}

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates a store in the SQLite database file at dbPath using the
// cgo driver. The schema is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. The caller keeps ownership of db;
// [Store.Close] closes it.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_operational_state_age
		ON operational_state(namespace, updated_at);
	`)
	return err
}

// Get returns the entry for a namespace/key pair. ok is false if the key
// does not exist.
func (s *Store) Get(namespace, key string) (Entry, bool, error) {
	var (
		e     Entry
		nanos int64
	)
	err := s.db.QueryRow(
		`SELECT value, updated_at FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&e.Value, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	e.UpdatedAt = time.Unix(0, nanos)
	return e, true, nil
}

// Set upserts a namespace/key/value triple, refreshing updated_at.
func (s *Store) Set(namespace, key, value string) error {
	return s.SetAt(namespace, key, value, s.now())
}

// SetAt upserts a value with an explicit updated_at. Stores that track
// their own activity timestamps use this so the sweep age matches the
// domain's notion of "last touched".
func (s *Store) SetAt(namespace, key, value string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error is returned if the
// key does not exist.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Sweep removes every entry in namespace last written before cutoff and
// returns how many were removed.
func (s *Store) Sweep(namespace string, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND updated_at < ?`,
		namespace, cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", namespace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", namespace, err)
	}
	return int(n), nil
}

// Count returns the number of entries in a namespace.
func (s *Store) Count(namespace string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM operational_state WHERE namespace = ?`, namespace,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", namespace, err)
	}
	return n, nil
}
