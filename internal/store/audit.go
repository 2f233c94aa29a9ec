package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is a write-only record of an operator-visible event.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// AppendAudit writes an audit entry.
func (s *Store) AppendAudit(a *AuditEntry) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`INSERT INTO audit_log (id, entity_type, entity_id, action, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, a.ID, a.EntityType, a.EntityID, a.Action, a.Actor, a.Detail, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(f AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, entity_type, entity_id, action, actor, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(f.Until))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			a         AuditEntry
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Action, &a.Actor, &a.Detail, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		entries = append(entries, &a)
	}
	return entries, rows.Err()
}

// LastRoutineRun returns when a named routine last ran.
func (s *Store) LastRoutineRun(name string) (time.Time, bool, error) {
	var at string
	err := s.db.QueryRow(`SELECT last_run_at FROM routine_state WHERE name = ?`, name).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read routine state: %w", err)
	}
	return parseTime(at), true, nil
}

// MarkRoutineRun records that a named routine ran at `at`.
func (s *Store) MarkRoutineRun(name string, at time.Time) error {
	return s.exec(`INSERT INTO routine_state (name, last_run_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_run_at = excluded.last_run_at`, name, formatTime(at))
}
