package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alekspetrov/warden/internal/task"
)

// Task is a unit of work routed through approval and a pipeline.
type Task struct {
	ID               int64       `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Status           task.Status `json:"status"`
	IsCritical       bool        `json:"is_critical"`
	RequiresApproval bool        `json:"requires_approval"`
	AgentID          int64       `json:"agent_id,omitempty"` // 0 when unassigned

	// Resume pointer, set only while paused_limit or queued_for_claude.
	ResumeBlockIndex *int   `json:"resume_block_index,omitempty"`
	ResumePipelineID *int64 `json:"resume_pipeline_id,omitempty"`

	LastResult      string `json:"last_result,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	LastFailureKind string `json:"last_failure_kind,omitempty"`
	ReviewSummary   string `json:"review_summary,omitempty"`
	RemoteJobID     string `json:"remote_job_id,omitempty"`
	RetryCount      int    `json:"retry_count"`
	ReviewOfTaskID  int64  `json:"review_of_task_id,omitempty"`

	ScheduleType string     `json:"schedule_type,omitempty"` // "", "interval" or "cron"
	ScheduleExpr string     `json:"schedule_expr,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsScheduled reports whether the task recurs.
func (t *Task) IsScheduled() bool {
	return t.ScheduleType != ""
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses []task.Status
	AgentID  int64
	Limit    int
}

const taskColumns = `id, title, description, status, is_critical, requires_approval, agent_id,
	resume_block_index, resume_pipeline_id, last_result, last_error, last_failure_kind,
	review_summary, remote_job_id, retry_count, review_of_task_id,
	schedule_type, schedule_expr, next_run_at, created_at, updated_at`

func scanTask(row scanner) (*Task, error) {
	var (
		t          Task
		status     string
		agentID    sql.NullInt64
		resumeIdx  sql.NullInt64
		resumePipe sql.NullInt64
		reviewOf   sql.NullInt64
		nextRun    sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.IsCritical, &t.RequiresApproval, &agentID,
		&resumeIdx, &resumePipe, &t.LastResult, &t.LastError, &t.LastFailureKind,
		&t.ReviewSummary, &t.RemoteJobID, &t.RetryCount, &reviewOf,
		&t.ScheduleType, &t.ScheduleExpr, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.AgentID = agentID.Int64
	t.ReviewOfTaskID = reviewOf.Int64
	if resumeIdx.Valid {
		idx := int(resumeIdx.Int64)
		t.ResumeBlockIndex = &idx
	}
	if resumePipe.Valid {
		id := resumePipe.Int64
		t.ResumePipelineID = &id
	}
	t.NextRunAt = timePtr(nextRun)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// CreateTask inserts a task and sets its ID. An empty status means pending.
func (s *Store) CreateTask(t *Task) error {
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	now := s.timestamp()

	res, err := s.db.Exec(`
		INSERT INTO tasks (title, description, status, is_critical, requires_approval, agent_id,
			review_of_task_id, schedule_type, schedule_expr, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Title, t.Description, string(t.Status), t.IsCritical, t.RequiresApproval, nullInt64(t.AgentID),
		nullInt64(t.ReviewOfTaskID), t.ScheduleType, t.ScheduleExpr, nullTime(t.NextRunAt), now, now)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}
	t.ID = id
	t.CreatedAt = parseTime(now)
	t.UpdatedAt = t.CreatedAt
	return nil
}

// GetTask returns a task by ID, or ErrNotFound.
func (s *Store) GetTask(id int64) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by ID.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.AgentID != 0 {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return s.queryTasks(query, args...)
}

// ListTasksByStatus is a shorthand for ListTasks filtered by status.
func (s *Store) ListTasksByStatus(statuses ...task.Status) ([]*Task, error) {
	return s.ListTasks(TaskFilter{Statuses: statuses})
}

// ListDispatchable returns approved tasks that are due at now.
func (s *Store) ListDispatchable(now time.Time) ([]*Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY is_critical DESC, id`,
		string(task.StatusApproved), formatTime(now))
}

// ListWithRemoteJob returns active tasks waiting on a remote job.
func (s *Store) ListWithRemoteJob() ([]*Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND remote_job_id != '' ORDER BY id`,
		string(task.StatusActive))
}

// FindReviewTask returns the review task created for sourceID, or ErrNotFound.
func (s *Store) FindReviewTask(sourceID int64) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks
		WHERE review_of_task_id = ? ORDER BY id DESC LIMIT 1`, sourceID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find review task: %w", err)
	}
	return t, nil
}

// FindTaskByMarker returns the newest task whose description contains
// marker, or ErrNotFound.
func (s *Store) FindTaskByMarker(marker string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks
		WHERE instr(description, ?) > 0 ORDER BY id DESC LIMIT 1`, marker)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task by marker: %w", err)
	}
	return t, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *Store) CountTasksByStatus() (map[task.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

// CompareAndSetStatus moves a task to `to` only if its current status is one
// of `from`. It returns false when another caller got there first.
func (s *Store) CompareAndSetStatus(id int64, from []task.Status, to task.Status) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source statuses given")
	}
	args := []any{string(to), s.timestamp(), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	return affected(res)
}

// PauseTask moves an active task to a paused status, recording where to
// resume and why it stopped.
func (s *Store) PauseTask(id int64, to task.Status, pipelineID int64, blockIndex int, lastError, failureKind string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, resume_pipeline_id = ?, resume_block_index = ?,
			last_error = ?, last_failure_kind = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), pipelineID, blockIndex, lastError, failureKind, s.timestamp(), id, string(task.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to pause task: %w", err)
	}
	return affected(res)
}

// ClearResumePoint drops the stored resume pointer.
func (s *Store) ClearResumePoint(id int64) error {
	return s.exec(`UPDATE tasks SET resume_pipeline_id = NULL, resume_block_index = NULL, updated_at = ? WHERE id = ?`,
		s.timestamp(), id)
}

// CompleteTask moves an active task to dev_done with its final output.
func (s *Store) CompleteTask(id int64, output string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, last_result = ?, last_error = '', last_failure_kind = '',
			resume_pipeline_id = NULL, resume_block_index = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusDevDone), output, s.timestamp(), id, string(task.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to complete task: %w", err)
	}
	return affected(res)
}

// BlockTask moves an active task to blocked with a reason.
func (s *Store) BlockTask(id int64, reason string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, last_error = ?,
			resume_pipeline_id = NULL, resume_block_index = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusBlocked), reason, s.timestamp(), id, string(task.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to block task: %w", err)
	}
	return affected(res)
}

// AssignTask gives an unassigned approved task to an agent. It reports
// whether this call made the assignment.
func (s *Store) AssignTask(id, agentID int64) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET agent_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (agent_id IS NULL OR agent_id = 0)`,
		agentID, s.timestamp(), id, string(task.StatusApproved))
	if err != nil {
		return false, fmt.Errorf("failed to assign task: %w", err)
	}
	return affected(res)
}

// UnblockTask moves a blocked task back to approved with resolution as its
// review summary, its error cleared and a fresh retry budget.
func (s *Store) UnblockTask(id int64, resolution string) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, review_summary = ?, last_error = '',
			last_failure_kind = '', retry_count = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusApproved), resolution, s.timestamp(), id, string(task.StatusBlocked))
	if err != nil {
		return false, fmt.Errorf("failed to unblock task: %w", err)
	}
	return affected(res)
}

// SetLastResult stores the latest successful output.
func (s *Store) SetLastResult(id int64, output string) error {
	return s.exec(`UPDATE tasks SET last_result = ?, updated_at = ? WHERE id = ?`, output, s.timestamp(), id)
}

// SetLastError records the latest failure shown to operators.
func (s *Store) SetLastError(id int64, msg, failureKind string) error {
	return s.exec(`UPDATE tasks SET last_error = ?, last_failure_kind = ?, updated_at = ? WHERE id = ?`,
		msg, failureKind, s.timestamp(), id)
}

// SetReviewSummary stores the latest review output.
func (s *Store) SetReviewSummary(id int64, summary string) error {
	return s.exec(`UPDATE tasks SET review_summary = ?, updated_at = ? WHERE id = ?`, summary, s.timestamp(), id)
}

// SetRemoteJob records (or clears, with "") the remote job a task waits on.
func (s *Store) SetRemoteJob(id int64, jobID string) error {
	return s.exec(`UPDATE tasks SET remote_job_id = ?, updated_at = ? WHERE id = ?`, jobID, s.timestamp(), id)
}

// IncrementRetry bumps the blocked-retry counter and returns the new value.
func (s *Store) IncrementRetry(id int64) (int, error) {
	if err := s.exec(`UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`, s.timestamp(), id); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow(`SELECT retry_count FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return n, nil
}

// SetNextRun sets (or clears, with nil) the next scheduled run.
func (s *Store) SetNextRun(id int64, at *time.Time) error {
	return s.exec(`UPDATE tasks SET next_run_at = ?, updated_at = ? WHERE id = ?`, nullTime(at), s.timestamp(), id)
}

// ResetStaleActive moves active tasks not updated since `before` back to
// approved so they are dispatched again. IDs in skip are left alone.
func (s *Store) ResetStaleActive(before time.Time, skip map[int64]bool) ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status = ? AND updated_at < ? AND remote_job_id = ''`,
		string(task.StatusActive), formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if !skip[id] {
			candidates = append(candidates, id)
		}
	}
	_ = rows.Close()

	var reset []int64
	for _, id := range candidates {
		ok, err := s.CompareAndSetStatus(id, []task.Status{task.StatusActive}, task.StatusApproved)
		if err != nil {
			return reset, err
		}
		if ok {
			reset = append(reset, id)
		}
	}
	return reset, nil
}

func (s *Store) exec(query string, args ...any) error {
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	return nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
