package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/events"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/metrics"
	"github.com/alekspetrov/warden/internal/scheduler"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// Guard errors returned by MoveTask and RequestApproval.
var (
	ErrApprovalRequired  = task.ErrApprovalRequired
	ErrInvalidTransition = task.ErrInvalidTransition
	ErrInvalidTask       = task.ErrInvalidDraft
)

// CreateTask validates d, marks the task critical when a rule matches,
// stores it as pending and asks for approval when the task needs one.
// Scheduled tasks whose first run is beyond the approval lead are left to
// the scheduled-approval routine.
func (o *Orchestrator) CreateTask(ctx context.Context, d task.Draft, actor string) (*store.Task, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	var agentName string
	if d.AgentID != 0 {
		a, err := o.store.GetAgent(d.AgentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: agent %d does not exist", ErrInvalidTask, d.AgentID)
		}
		if err != nil {
			return nil, err
		}
		agentName = a.Name
	}

	critical := d.Critical || o.rules.IsCritical(approval.RuleContext{
		Title:       d.Title,
		Description: d.Description,
		AgentName:   agentName,
	})
	t := &store.Task{
		Title:            strings.TrimSpace(d.Title),
		Description:      d.Description,
		Status:           task.StatusPending,
		IsCritical:       critical,
		RequiresApproval: d.RequiresApproval || critical,
		AgentID:          d.AgentID,
		ScheduleType:     d.ScheduleType,
		ScheduleExpr:     d.ScheduleExpr,
	}
	if d.ScheduleType != "" {
		next, err := scheduler.NextRun(d.ScheduleType, d.ScheduleExpr, o.now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		t.NextRunAt = &next
	}

	if err := o.store.CreateTask(t); err != nil {
		return nil, err
	}
	ctx = logging.ContextWithTaskID(ctx, t.ID)
	log := logging.WithContext(ctx)
	log.Info("Task created",
		slog.Bool("critical", t.IsCritical),
		slog.Bool("requires_approval", t.RequiresApproval),
		slog.String("actor", actor))
	o.audit(t.ID, "task.created", actor, t.Title)
	o.hub.Publish(events.Event{Type: events.TaskStatus, TaskID: t.ID, At: o.now(),
		Data: map[string]any{"to": string(t.Status)}})

	if t.RequiresApproval && o.approvalDue(t) {
		if _, err := o.approval.RequestTaskApproval(ctx, t.ID, actor); err != nil {
			// The task stays pending; the request can be repeated.
			log.Error("Approval request failed", slog.Any("error", err))
		}
	}
	return t, nil
}

func (o *Orchestrator) approvalDue(t *store.Task) bool {
	if t.NextRunAt == nil {
		return true
	}
	return !t.NextRunAt.After(o.now().Add(o.config.Scheduler.ScheduleApprovalLead))
}

// MoveTask is an operator status edit. Approving or rejecting a gated task
// is refused unless dashboard approvals are enabled, in which case the move
// is recorded as a decision. A gated task never enters an executing status
// without an approved decision.
func (o *Orchestrator) MoveTask(ctx context.Context, id int64, to task.Status, actor string) (*store.Task, error) {
	t, err := o.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if from == to {
		return t, nil
	}

	if from == task.StatusPending && (to == task.StatusApproved || to == task.StatusRejected) {
		return o.decideByMove(ctx, t, to, actor)
	}

	if t.RequiresApproval && task.IsExecuting(to) {
		ok, err := o.store.HasApprovedDecision(approval.EntityTask, strconv.FormatInt(id, 10), approval.ActionStartTask)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("task %d: %w", id, ErrApprovalRequired)
		}
	}
	if !task.CanTransition(from, to) {
		return nil, fmt.Errorf("task %d: %s to %s: %w", id, from, to, ErrInvalidTransition)
	}

	won, err := o.store.CompareAndSetStatus(id, []task.Status{from}, to)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("task %d changed status concurrently: %w", id, ErrInvalidTransition)
	}
	if task.IsPaused(from) && !task.IsPaused(to) {
		if err := o.store.ClearResumePoint(id); err != nil {
			return nil, err
		}
	}

	metrics.RecordTransition(string(to))
	o.hub.Publish(events.Event{Type: events.TaskStatus, TaskID: id, At: o.now(),
		Data: map[string]any{"from": string(from), "to": string(to)}})
	o.audit(id, "status."+string(to), actor, "from "+string(from))
	logging.WithTask(id).Info("Task moved",
		slog.String("from", string(from)), slog.String("to", string(to)), slog.String("actor", actor))
	return o.store.GetTask(id)
}

// decideByMove turns an operator approve or reject into a decision so the
// approval invariant holds for every approved task.
func (o *Orchestrator) decideByMove(ctx context.Context, t *store.Task, to task.Status, actor string) (*store.Task, error) {
	requester := actor
	if t.RequiresApproval {
		if !o.config.Approval.DashboardApprovals {
			return nil, fmt.Errorf("task %d: %w", t.ID, ErrApprovalRequired)
		}
		requester = approval.RequesterDashboard
	}
	d, err := o.approval.ResolveTask(ctx, t.ID, to == task.StatusApproved, requester)
	if err != nil {
		return nil, err
	}
	updated, err := o.store.GetTask(t.ID)
	if err != nil {
		return nil, err
	}
	if updated.Status != to {
		return nil, fmt.Errorf("task %d is %s after decision %s: %w", t.ID, updated.Status, d.ID, ErrInvalidTransition)
	}
	return updated, nil
}

// ResumeTask continues a paused task from its stored block.
func (o *Orchestrator) ResumeTask(_ context.Context, id int64) error {
	return o.scheduler.ResumeTask(id)
}

// ResetHealth forces the CLI health record back to HEALTHY. Paused tasks
// resume on the next resume tick.
func (o *Orchestrator) ResetHealth(_ context.Context, actor string) error {
	if err := o.monitor.Reset(); err != nil {
		return err
	}
	_ = o.store.AppendAudit(&store.AuditEntry{
		EntityType: "health",
		EntityID:   "cli",
		Action:     "health.reset",
		Actor:      actor,
		CreatedAt:  o.now(),
	})
	return nil
}

// RequestApproval supersedes any pending decision for a pending task and
// sends a fresh approval request.
func (o *Orchestrator) RequestApproval(ctx context.Context, id int64, actor string) (*approval.Issued, error) {
	t, err := o.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending {
		return nil, fmt.Errorf("task %d is %s: %w", id, t.Status, ErrInvalidTransition)
	}
	return o.approval.RequestTaskApproval(ctx, id, actor)
}

// CreateAgent registers an agent and writes its default prompt documents.
func (o *Orchestrator) CreateAgent(_ context.Context, a *store.Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: agent name is required", ErrInvalidTask)
	}
	if err := o.store.CreateAgent(a); err != nil {
		return err
	}
	if err := o.prompts.EnsureDefaults(a.Name, a.Role); err != nil {
		return fmt.Errorf("agent %s created but prompts not written: %w", a.Name, err)
	}
	o.log.Info("Agent created", slog.String("agent", a.Name), slog.String("role", a.Role))
	return nil
}

func (o *Orchestrator) audit(taskID int64, action, actor, detail string) {
	if err := o.store.AppendAudit(&store.AuditEntry{
		EntityType: approval.EntityTask,
		EntityID:   strconv.FormatInt(taskID, 10),
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		CreatedAt:  o.now(),
	}); err != nil {
		o.log.Warn("Audit write failed", slog.String("action", action), slog.Any("error", err))
	}
}
