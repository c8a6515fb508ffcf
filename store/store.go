// Package store persists instance records and claim codes in SQLite. The hot
// path writes are register, heartbeat, claim create and consume, plus the
// periodic sweeps; everything else is read-mostly.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrAlreadyConsumed = errors.New("already consumed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrConflict        = errors.New("conflict")
	ErrCodeCollision   = errors.New("claim code collision")
	ErrInvalidTTL      = errors.New("invalid claim ttl")
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id  TEXT PRIMARY KEY,
	public_key   BLOB NOT NULL,
	direct_urls  TEXT NOT NULL DEFAULT '[]',
	token_hash   TEXT NOT NULL,
	last_seen_at INTEGER NOT NULL,
	online       INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY,
	code        TEXT NOT NULL,
	instance_id TEXT NOT NULL REFERENCES instances (instance_id),
	user_id     TEXT NOT NULL,
	expires_at  INTEGER NOT NULL,
	consumed_at INTEGER,
	device_id   TEXT,
	created_at  INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS claims_code_active
	ON claims (code) WHERE consumed_at IS NULL;
CREATE INDEX IF NOT EXISTS claims_expires_at ON claims (expires_at);
CREATE INDEX IF NOT EXISTS instances_last_seen_online
	ON instances (last_seen_at) WHERE online = 1;
`

// Store wraps the relay's SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, connParams())
	return open(dsn)
}

// OpenMemory opens a fresh in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	return open("file::memory:?" + connParams())
}

func connParams() string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "ON")
	return q.Encode()
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single pooled conn also keeps :memory:
	// databases stable across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the store clock, used by TTL boundary tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
