package store

import (
	"database/sql"
	"fmt"
	"time"
)

// HealthRecord is the persisted singleton state of the CLI backend.
type HealthRecord struct {
	State               string
	ConsecutiveFailures int
	LastFailureAt       *time.Time
	LastResetAt         *time.Time
	DailyResetAt        *time.Time
	QuotaExhausted      bool
	AuthFailed          bool
	LastFailureKind     string
	LastError           string
	UpdatedAt           *time.Time
}

// LoadHealth reads the singleton health row.
func (s *Store) LoadHealth() (*HealthRecord, error) {
	var (
		h                                        HealthRecord
		lastFailure, lastReset, daily, updatedAt sql.NullString
	)
	err := s.db.QueryRow(`SELECT state, consecutive_failures, last_failure_at, last_reset_at, daily_reset_at,
			quota_exhausted, auth_failed, last_failure_kind, last_error, updated_at
		FROM cli_health WHERE id = 1`).Scan(&h.State, &h.ConsecutiveFailures, &lastFailure, &lastReset, &daily,
		&h.QuotaExhausted, &h.AuthFailed, &h.LastFailureKind, &h.LastError, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load health: %w", err)
	}
	h.LastFailureAt = timePtr(lastFailure)
	h.LastResetAt = timePtr(lastReset)
	h.DailyResetAt = timePtr(daily)
	h.UpdatedAt = timePtr(updatedAt)
	return &h, nil
}

// SaveHealth rewrites the singleton health row in one statement.
func (s *Store) SaveHealth(h *HealthRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO cli_health (id, state, consecutive_failures, last_failure_at, last_reset_at, daily_reset_at,
			quota_exhausted, auth_failed, last_failure_kind, last_error, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			last_failure_at = excluded.last_failure_at,
			last_reset_at = excluded.last_reset_at,
			daily_reset_at = excluded.daily_reset_at,
			quota_exhausted = excluded.quota_exhausted,
			auth_failed = excluded.auth_failed,
			last_failure_kind = excluded.last_failure_kind,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, h.State, h.ConsecutiveFailures, nullTime(h.LastFailureAt), nullTime(h.LastResetAt), nullTime(h.DailyResetAt),
		h.QuotaExhausted, h.AuthFailed, h.LastFailureKind, h.LastError, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to save health: %w", err)
	}
	return nil
}
