// Package store persists users, API sessions and OLT credentials in sqlite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	sealer *Sealer
}

// Open opens (creating if needed) the database at path and runs the schema.
// secret seals OLT credential passwords at rest.
func Open(path string, secret []byte) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids busy
	// errors under concurrent API handlers.
	db.SetMaxOpenConns(1)

	sealer, err := NewSealer(secret)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, sealer: sealer}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	CREATE TABLE IF NOT EXISTS olt_credentials (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		host            TEXT NOT NULL,
		port            INTEGER NOT NULL DEFAULT 22,
		username        TEXT NOT NULL,
		password_sealed TEXT NOT NULL,
		is_active       INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() time.Time { return time.Now().UTC() }
