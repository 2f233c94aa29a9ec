package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent runtimes.
const (
	RuntimePipeline = "pipeline"
	RuntimeJob      = "job"
)

// Agent is a named worker identity. Its prompt documents live on disk; an
// optional pipeline binding overrides the active default.
type Agent struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Runtime    string    `json:"runtime"`
	Model      string    `json:"model"`
	PipelineID int64     `json:"pipeline_id,omitempty"` // 0 means use the active default pipeline
	CreatedAt  time.Time `json:"created_at"`
}

const agentColumns = `id, name, role, runtime, model, pipeline_id, created_at`

func scanAgent(row scanner) (*Agent, error) {
	var (
		a          Agent
		pipelineID sql.NullInt64
		createdAt  string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Runtime, &a.Model, &pipelineID, &createdAt); err != nil {
		return nil, err
	}
	a.PipelineID = pipelineID.Int64
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// CreateAgent inserts an agent and sets its ID.
func (s *Store) CreateAgent(a *Agent) error {
	if a.Role == "" {
		a.Role = "developer"
	}
	if a.Runtime == "" {
		a.Runtime = RuntimePipeline
	}
	now := s.timestamp()
	res, err := s.db.Exec(`INSERT INTO agents (name, role, runtime, model, pipeline_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, a.Name, a.Role, a.Runtime, a.Model, nullInt64(a.PipelineID), now)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read agent id: %w", err)
	}
	a.CreatedAt = parseTime(now)
	return nil
}

// GetAgent returns an agent by ID, or ErrNotFound.
func (s *Store) GetAgent(id int64) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName returns an agent by name, or ErrNotFound.
func (s *Store) GetAgentByName(name string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents() ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// BindAgentPipeline points an agent at a pipeline (0 clears the binding).
func (s *Store) BindAgentPipeline(agentID, pipelineID int64) error {
	return s.exec(`UPDATE agents SET pipeline_id = ? WHERE id = ?`, nullInt64(pipelineID), agentID)
}
