// Package store provides SQLite-backed persistence for the daemon:
// sessions, the durable command queue, the hook outbox, UX state,
// agent availability, and the snapshot cache.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/teleclaude/teleclaude/internal/db"
)

// Store provides typed CRUD over the daemon database.
type Store struct {
	db     *sqlx.DB // writer (single connection)
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// New opens the database at dbPath and owns the connections.
func New(dbPath string) (*Store, error) {
	writer, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newStore(writer, reader, true)
}

// NewWithDB creates a store with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection when the store owns it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != nil {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// reader returns the read-only pool, falling back to the writer.
func (s *Store) reader() *sqlx.DB {
	if s.ro != nil {
		return s.ro
	}
	return s.db
}

// initSchema creates the database tables if they don't exist. Migrations are
// forward-only and run once per startup; the single-writer connection acts as
// the exclusive lock.
func (s *Store) initSchema() error {
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initQueueSchema(); err != nil {
		return err
	}
	if err := s.initOutboxSchema(); err != nil {
		return err
	}
	if err := s.initAuxSchema(); err != nil {
		return err
	}
	return s.runMigrations()
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tmux_name TEXT NOT NULL UNIQUE,
		working_dir TEXT NOT NULL,
		agent TEXT NOT NULL,
		thinking TEXT NOT NULL DEFAULT 'med',
		title TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		origin_adapter TEXT DEFAULT '',
		adapter_meta TEXT DEFAULT '{}',
		computer TEXT NOT NULL DEFAULT '',
		last_block_turn_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_computer ON sessions(computer);
	`)
	return err
}

func (s *Store) initQueueSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS command_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		caller_session_id TEXT DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT DEFAULT '',
		accepted_at TIMESTAMP NOT NULL,
		in_flight_since TIMESTAMP,
		UNIQUE(source, dedup_key)
	);

	CREATE INDEX IF NOT EXISTS idx_command_queue_state ON command_queue(state, accepted_at);
	`)
	return err
}

func (s *Store) initOutboxSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS hook_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hook TEXT NOT NULL,
		session_id TEXT NOT NULL,
		agent TEXT DEFAULT '',
		tool_name TEXT DEFAULT '',
		preview TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL DEFAULT 'pending',
		lock_token TEXT DEFAULT '',
		locked_until TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hook_outbox_state ON hook_outbox(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_hook_outbox_session ON hook_outbox(session_id);
	`)
	return err
}

func (s *Store) initAuxSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS ux_state (
		platform TEXT NOT NULL,
		key TEXT NOT NULL,
		value_json TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (platform, key)
	);

	CREATE TABLE IF NOT EXISTS agent_availability (
		agent TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'available',
		reason TEXT DEFAULT '',
		unavailable_until TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshot_cache (
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		data_json TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (entity_kind, entity_id)
	);

	CREATE TABLE IF NOT EXISTS delivery_digests (
		adapter_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		digest TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (adapter_id, digest)
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_digests_session ON delivery_digests(session_id);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (s *Store) runMigrations() error {
	// Columns added after the initial release (ignore error if already present).
	_, _ = s.db.Exec(`ALTER TABLE sessions ADD COLUMN last_block_turn_id TEXT DEFAULT ''`)
	return nil
}
