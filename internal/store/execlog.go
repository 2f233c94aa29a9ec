package store

import (
	"fmt"
	"time"
)

// previewLimit bounds the output stored with each log entry.
const previewLimit = 2000

// ExecutionLogEntry records one block execution. Entries are append-only.
type ExecutionLogEntry struct {
	ID              int64     `json:"id"`
	TaskID          int64     `json:"task_id"`
	PipelineID      int64     `json:"pipeline_id,omitempty"`
	BlockIndex      int       `json:"block_index"`
	BlockType       string    `json:"block_type"`
	Backend         string    `json:"backend"`
	Model           string    `json:"model"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Success         bool      `json:"success"`
	Verdict         string    `json:"verdict,omitempty"` // PASS or FAIL for review blocks
	OutputPreview   string    `json:"output_preview"`
	FailureKind     string    `json:"failure_kind,omitempty"`
	ErrorText       string    `json:"error_text,omitempty"`
}

// AppendExecutionLog writes an entry and sets its ID. The output preview is
// truncated to a bounded length.
func (s *Store) AppendExecutionLog(e *ExecutionLogEntry) error {
	e.OutputPreview = Truncate(e.OutputPreview, previewLimit)
	if e.StartedAt.IsZero() {
		e.StartedAt = s.now()
	}

	res, err := s.db.Exec(`
		INSERT INTO execution_log (task_id, pipeline_id, block_index, block_type, backend, model,
			started_at, duration_seconds, success, verdict, output_preview, failure_kind, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TaskID, e.PipelineID, e.BlockIndex, e.BlockType, e.Backend, e.Model,
		formatTime(e.StartedAt), e.DurationSeconds, e.Success, e.Verdict, e.OutputPreview, e.FailureKind, e.ErrorText)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read log id: %w", err)
	}
	return nil
}

const logColumns = `id, task_id, pipeline_id, block_index, block_type, backend, model,
	started_at, duration_seconds, success, verdict, output_preview, failure_kind, error_text`

// ListExecutionLog returns a task's entries in append order.
func (s *Store) ListExecutionLog(taskID int64) ([]*ExecutionLogEntry, error) {
	return s.queryLog(`SELECT `+logColumns+` FROM execution_log WHERE task_id = ? ORDER BY id`, taskID)
}

// ListRecentExecutionLog returns the newest entries across all tasks, newest first.
func (s *Store) ListRecentExecutionLog(limit int) ([]*ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryLog(`SELECT `+logColumns+` FROM execution_log ORDER BY id DESC LIMIT ?`, limit)
}

func (s *Store) queryLog(query string, args ...any) ([]*ExecutionLogEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*ExecutionLogEntry
	for rows.Next() {
		var (
			e         ExecutionLogEntry
			startedAt string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.PipelineID, &e.BlockIndex, &e.BlockType, &e.Backend, &e.Model,
			&startedAt, &e.DurationSeconds, &e.Success, &e.Verdict, &e.OutputPreview, &e.FailureKind, &e.ErrorText); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.StartedAt = parseTime(startedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Truncate shortens s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
