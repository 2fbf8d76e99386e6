package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store keeps a durable copy of the federation tables. The in-memory
// components stay authoritative; writes here are audit/restart state.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			capabilities   TEXT NOT NULL,
			max_agents     INTEGER NOT NULL,
			current_agents INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'active',
			endpoint       TEXT,
			join_token     BLOB,
			join_nonce     BLOB,
			registered_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ephemeral_agents (
			id            TEXT PRIMARY KEY,
			swarm_id      TEXT NOT NULL REFERENCES swarms(id),
			type          TEXT NOT NULL,
			task          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'spawning',
			priority      TEXT NOT NULL DEFAULT 'normal',
			required_caps TEXT,
			ttl_ms        INTEGER NOT NULL,
			created_at    DATETIME NOT NULL,
			expires_at    DATETIME NOT NULL,
			terminated_at DATETIME,
			reason        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_swarm ON ephemeral_agents(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id           TEXT PRIMARY KEY,
			proposer_id  TEXT NOT NULL,
			type         TEXT NOT NULL,
			value        TEXT,
			status       TEXT NOT NULL DEFAULT 'pending',
			votes        TEXT NOT NULL DEFAULT '{}',
			created_at   DATETIME NOT NULL,
			expires_at   DATETIME NOT NULL,
			finalized_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status, expires_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
