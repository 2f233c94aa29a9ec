// Package store persists warden state in SQLite.
//
// All components share one Store. Every mutating operation rewrites the
// meaningful section of a row (status, resume pointer, health counters) in a
// single statement, so callers never need in-process locks. Status changes go
// through CompareAndSetStatus, which reports whether this caller won.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoActivePipeline is returned when no pipeline can be resolved for a task.
var ErrNoActivePipeline = errors.New("no active pipeline")

// timeLayout is fixed width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store provides persistent storage for warden using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path with the given driver
// ("sqlite" for the pure Go driver, "sqlite3" for the cgo driver) and runs
// migrations.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps per-connection
	// pragmas in effect for every statement.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// SetClock overrides the clock used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'developer',
			runtime TEXT NOT NULL DEFAULT 'pipeline',
			model TEXT NOT NULL DEFAULT '',
			pipeline_id INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			is_critical INTEGER NOT NULL DEFAULT 0,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			agent_id INTEGER,
			resume_block_index INTEGER,
			resume_pipeline_id INTEGER,
			last_result TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			last_failure_kind TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			active INTEGER NOT NULL DEFAULT 0,
			blocks TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			pipeline_id INTEGER NOT NULL,
			block_index INTEGER NOT NULL,
			block_type TEXT NOT NULL,
			backend TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			duration_seconds REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			verdict TEXT NOT NULL DEFAULT '',
			output_preview TEXT NOT NULL DEFAULT '',
			failure_kind TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			token_hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			requester TEXT NOT NULL DEFAULT '',
			decided_at TEXT,
			decided_by TEXT NOT NULL DEFAULT '',
			decision_meta TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cli_health (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL DEFAULT 'HEALTHY',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_failure_at TEXT,
			last_reset_at TEXT,
			daily_reset_at TEXT,
			quota_exhausted INTEGER NOT NULL DEFAULT 0,
			auth_failed INTEGER NOT NULL DEFAULT 0,
			last_failure_kind TEXT NOT NULL DEFAULT '',
			updated_at TEXT
		)`,
		`INSERT OR IGNORE INTO cli_health (id, state) VALUES (1, 'HEALTHY')`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routine_state (
			name TEXT PRIMARY KEY,
			last_run_at TEXT NOT NULL
		)`,
		// Columns added after the first schema.
		`ALTER TABLE tasks ADD COLUMN review_summary TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tasks ADD COLUMN remote_job_id TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tasks ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tasks ADD COLUMN schedule_type TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tasks ADD COLUMN schedule_expr TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tasks ADD COLUMN next_run_at TEXT`,
		`ALTER TABLE tasks ADD COLUMN review_of_task_id INTEGER`,
		`ALTER TABLE cli_health ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_log_task ON execution_log(task_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity_type, entity_id, action, status)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors from ALTER TABLE migrations
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return s.seedDefaultPipeline()
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by older builds used RFC 3339.
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

type scanner interface {
	Scan(dest ...any) error
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
