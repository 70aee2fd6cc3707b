// Package store is the control plane's persistence layer: one SQLite
// database, opened through database/sql against the pure-Go
// modernc.org/sqlite driver, holding every entity table named in the data
// model (agents, tasks, coordination points, transitions, outbox, audit
// tables) plus the secondary indexes the dispatcher and heartbeat monitor
// depend on.
//
// SQLite has no row-level SELECT ... FOR UPDATE. Write paths that need
// that serialization go through WithTx, which holds the writeMu mutex for
// the whole transaction over a single-connection pool. This gives the
// whole-database writer exclusion of BEGIN IMMEDIATE without issuing it,
// so two dispatchers calling GetNextTask never interleave.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "modernc.org/sqlite"
)

var logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)

// Store wraps the shared database handle and the write-serialization lock.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and runs
// schema migration. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only queries issued by domain
// packages that need ad-hoc SELECTs outside a write transaction.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a write transaction serialized against every other
// WithTx caller, emulating BEGIN IMMEDIATE's whole-database writer lock.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			logger.Printf("rollback failed: %v (original error: %v)", rerr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			phase TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			capacity INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			health_label TEXT NOT NULL DEFAULT 'healthy',
			last_heartbeat TIMESTAMP,
			expected_next_sequence INTEGER NOT NULL DEFAULT 1,
			current_sequence INTEGER NOT NULL DEFAULT 0,
			consecutive_missed INTEGER NOT NULL DEFAULT 0,
			lifetime_assignments INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_last_heartbeat ON agents(last_heartbeat)`,

		`CREATE TABLE IF NOT EXISTS agent_status_transitions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT,
			triggered_by TEXT,
			task_id TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			transitioned_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_agent ON agent_status_transitions(agent_id, transitioned_at DESC)`,

		`CREATE TABLE IF NOT EXISTS tickets (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT,
			description TEXT,
			priority TEXT,
			status TEXT NOT NULL,
			phase TEXT,
			review_deadline TIMESTAMP,
			blocker_type TEXT,
			blocked_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			phase TEXT,
			task_type TEXT,
			description TEXT,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_agent_id TEXT,
			sandbox_id TEXT,
			required_caps TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			backoff_base_seconds REAL NOT NULL DEFAULT 1,
			timeout_seconds INTEGER NOT NULL DEFAULT 600,
			error_message TEXT,
			result TEXT,
			execution_config TEXT NOT NULL DEFAULT '{}',
			conversation_id TEXT,
			persistence_dir TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, phase, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ticket ON tasks(ticket_id)`,

		`CREATE TABLE IF NOT EXISTS coordination_points (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			operand_task_ids TEXT NOT NULL DEFAULT '[]',
			policy TEXT NOT NULL DEFAULT '{}',
			continuation_task_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS heartbeats_audit (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			status TEXT,
			has_gaps INTEGER NOT NULL DEFAULT 0,
			received_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS guardian_actions (
			id TEXT PRIMARY KEY,
			action_type TEXT NOT NULL,
			target TEXT NOT NULL,
			reason TEXT,
			initiated_by TEXT,
			authority_level TEXT NOT NULL,
			before_state TEXT NOT NULL DEFAULT '{}',
			after_state TEXT NOT NULL DEFAULT '{}',
			routed_ok INTEGER NOT NULL DEFAULT 0,
			executed_at TIMESTAMP NOT NULL,
			reverted_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS restart_attempts (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			replacement_agent_id TEXT,
			reason TEXT,
			reassigned_task_ids TEXT NOT NULL DEFAULT '[]',
			initiated_by TEXT,
			executed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_restart_agent ON restart_attempts(agent_id, executed_at DESC)`,

		`CREATE TABLE IF NOT EXISTS cooldowns (
			agent_id TEXT PRIMARY KEY,
			cooldown_expires_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS supervisor_cooldowns (
			cooldown_key TEXT PRIMARY KEY,
			expires_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS outbox_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(delivered, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox_events(entity_type, entity_id, occurred_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}
