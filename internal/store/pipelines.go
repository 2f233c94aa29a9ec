package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Block types.
const (
	BlockExecutor = "executor"
	BlockReview   = "review"
	BlockRetry    = "retry"
	BlockEscalate = "escalate"
	BlockRoute    = "route"
	BlockDone     = "done"
)

// on_limit policies for CLI-backed blocks.
const (
	OnLimitStop     = "stop"
	OnLimitQueue    = "queue"
	OnLimitFallback = "fallback"
)

// PassActionSkipToDone ends a pipeline early when a review passes.
const PassActionSkipToDone = "skip_to_done"

// Block is one positional step of a pipeline.
type Block struct {
	Type   string      `json:"type" yaml:"type"`
	Config BlockConfig `json:"config" yaml:"config"`
}

// BlockConfig holds the recognised block settings.
type BlockConfig struct {
	Executor           string `json:"executor,omitempty" yaml:"executor,omitempty"`
	Model              string `json:"model,omitempty" yaml:"model,omitempty"`
	Label              string `json:"label,omitempty" yaml:"label,omitempty"`
	MaxRetries         int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	IncludeReviewNotes bool   `json:"include_review_notes,omitempty" yaml:"include_review_notes,omitempty"`
	OnLimit            string `json:"on_limit,omitempty" yaml:"on_limit,omitempty"`
	PassAction         string `json:"pass_action,omitempty" yaml:"pass_action,omitempty"`
}

// Pipeline is an ordered, immutable-at-run-time list of blocks.
type Pipeline struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultPipelineName names the pipeline seeded into an empty database.
const DefaultPipelineName = "default"

// DefaultBlocks is the seeded pipeline: a cheap remote executor with review,
// one retry pass, a second review and a CLI escalation.
func DefaultBlocks() []Block {
	return []Block{
		{Type: BlockRoute, Config: BlockConfig{Label: "Route"}},
		{Type: BlockExecutor, Config: BlockConfig{Label: "Execute", Executor: "remote", Model: "moonshotai/kimi-k2"}},
		{Type: BlockReview, Config: BlockConfig{Label: "Review", Executor: "remote", Model: "anthropic/claude-opus-4", PassAction: PassActionSkipToDone}},
		{Type: BlockRetry, Config: BlockConfig{Label: "Retry with notes", Executor: "remote", Model: "moonshotai/kimi-k2", MaxRetries: 1, IncludeReviewNotes: true}},
		{Type: BlockReview, Config: BlockConfig{Label: "Second review", Executor: "remote", Model: "anthropic/claude-opus-4", PassAction: PassActionSkipToDone}},
		{Type: BlockEscalate, Config: BlockConfig{Label: "Escalate to CLI", Executor: "cli", OnLimit: OnLimitStop}},
		{Type: BlockDone, Config: BlockConfig{Label: "Done"}},
	}
}

func (s *Store) seedDefaultPipeline() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pipelines`).Scan(&n); err != nil {
		return fmt.Errorf("failed to count pipelines: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.SavePipeline(&Pipeline{Name: DefaultPipelineName, Active: true, Blocks: DefaultBlocks()})
}

const pipelineColumns = `id, name, active, blocks, created_at, updated_at`

func scanPipeline(row scanner) (*Pipeline, error) {
	var (
		p         Pipeline
		blocks    string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Active, &blocks, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blocks), &p.Blocks); err != nil {
		return nil, fmt.Errorf("pipeline %d has malformed blocks: %w", p.ID, err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// SavePipeline inserts or updates a pipeline by name and sets its ID.
// Activating a pipeline deactivates every other one so exactly one default
// is active.
func (s *Store) SavePipeline(p *Pipeline) error {
	blocks, err := json.Marshal(p.Blocks)
	if err != nil {
		return fmt.Errorf("failed to encode blocks: %w", err)
	}
	now := s.timestamp()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if p.Active {
		if _, err := tx.Exec(`UPDATE pipelines SET active = 0, updated_at = ? WHERE name != ? AND active = 1`, now, p.Name); err != nil {
			return fmt.Errorf("failed to deactivate pipelines: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO pipelines (name, active, blocks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			active = excluded.active,
			blocks = excluded.blocks,
			updated_at = excluded.updated_at
	`, p.Name, p.Active, string(blocks), now, now)
	if err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}

	if err := tx.QueryRow(`SELECT id FROM pipelines WHERE name = ?`, p.Name).Scan(&p.ID); err != nil {
		return fmt.Errorf("failed to read pipeline id: %w", err)
	}
	return tx.Commit()
}

// GetPipeline returns a pipeline by ID, or ErrNotFound.
func (s *Store) GetPipeline(id int64) (*Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRow(`SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// ListPipelines returns all pipelines ordered by ID.
func (s *Store) ListPipelines() ([]*Pipeline, error) {
	rows, err := s.db.Query(`SELECT ` + pipelineColumns + ` FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pipelines []*Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// ActivePipeline resolves the pipeline for a task's agent: the agent's own
// binding when it has one, otherwise the single active default.
func (s *Store) ActivePipeline(agentID int64) (*Pipeline, error) {
	if agentID != 0 {
		agent, err := s.GetAgent(agentID)
		if err != nil {
			return nil, err
		}
		if agent.PipelineID != 0 {
			return s.GetPipeline(agent.PipelineID)
		}
	}

	rows, err := s.db.Query(`SELECT ` + pipelineColumns + ` FROM pipelines WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active pipeline: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var active []*Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(active) {
	case 0:
		return nil, ErrNoActivePipeline
	case 1:
		return active[0], nil
	default:
		return nil, fmt.Errorf("%d pipelines are active: %w", len(active), ErrNoActivePipeline)
	}
}
