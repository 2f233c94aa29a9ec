package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Decision statuses.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Decision is a durable approval record. Only a salted hash of its token is stored.
type Decision struct {
	ID           string     `json:"id"`
	EntityType   string     `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	Action       string     `json:"action"`
	Status       string     `json:"status"`
	TokenHash    string     `json:"-"`
	Salt         string     `json:"-"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Requester    string     `json:"requester"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecisionMeta string     `json:"decision_meta,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const decisionColumns = `id, entity_type, entity_id, action, status, token_hash, salt, expires_at,
	requester, decided_at, decided_by, decision_meta, created_at`

func scanDecision(row scanner) (*Decision, error) {
	var (
		d         Decision
		expiresAt string
		decidedAt sql.NullString
		createdAt string
	)
	if err := row.Scan(&d.ID, &d.EntityType, &d.EntityID, &d.Action, &d.Status, &d.TokenHash, &d.Salt, &expiresAt,
		&d.Requester, &decidedAt, &d.DecidedBy, &d.DecisionMeta, &createdAt); err != nil {
		return nil, err
	}
	d.ExpiresAt = parseTime(expiresAt)
	d.DecidedAt = timePtr(decidedAt)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

// InsertDecision stores a new pending decision.
func (s *Store) InsertDecision(d *Decision) error {
	if d.Status == "" {
		d.Status = DecisionPending
	}
	now := s.timestamp()
	_, err := s.db.Exec(`INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EntityType, d.EntityID, d.Action, d.Status, d.TokenHash, d.Salt, formatTime(d.ExpiresAt),
		d.Requester, nullTime(d.DecidedAt), d.DecidedBy, d.DecisionMeta, now)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	d.CreatedAt = parseTime(now)
	return nil
}

// GetDecision returns a decision by ID, or ErrNotFound.
func (s *Store) GetDecision(id string) (*Decision, error) {
	d, err := scanDecision(s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return d, nil
}

// ResolveDecision moves a pending decision to status. It returns false when
// the decision was already resolved.
func (s *Store) ResolveDecision(id, status, decidedBy, meta string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE decisions SET status = ?, decided_at = ?, decided_by = ?, decision_meta = ?
		WHERE id = ? AND status = ?`, status, formatTime(at), decidedBy, meta, id, DecisionPending)
	if err != nil {
		return false, fmt.Errorf("failed to resolve decision: %w", err)
	}
	return affected(res)
}

// SupersedePending expires every pending decision for an entity and action,
// so their links stop verifying. It returns the number of decisions expired.
func (s *Store) SupersedePending(entityType, entityID, action string, at time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE decisions SET expires_at = ?
		WHERE entity_type = ? AND entity_id = ? AND action = ? AND status = ? AND expires_at > ?`,
		formatTime(at), entityType, entityID, action, DecisionPending, formatTime(at))
	if err != nil {
		return 0, fmt.Errorf("failed to supersede decisions: %w", err)
	}
	return res.RowsAffected()
}

// ListPendingDecisions returns unexpired pending decisions, oldest first.
func (s *Store) ListPendingDecisions(now time.Time) ([]*Decision, error) {
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions
		WHERE status = ? AND expires_at > ? ORDER BY created_at`, DecisionPending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// HasPendingDecision reports whether an unexpired pending decision exists.
func (s *Store) HasPendingDecision(entityType, entityID, action string, now time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions
		WHERE entity_type = ? AND entity_id = ? AND action = ? AND status = ? AND expires_at > ?`,
		entityType, entityID, action, DecisionPending, formatTime(now)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query decisions: %w", err)
	}
	return n > 0, nil
}

// HasApprovedDecision reports whether any decision for the entity and action was approved.
func (s *Store) HasApprovedDecision(entityType, entityID, action string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM decisions
		WHERE entity_type = ? AND entity_id = ? AND action = ? AND status = ?`,
		entityType, entityID, action, DecisionApproved).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query decisions: %w", err)
	}
	return n > 0, nil
}
