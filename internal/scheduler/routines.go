package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/executor"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// Routine names recorded in routine_state.
const (
	RoutineStaleReset        = "stale_reset"
	RoutineAutoApprove       = "auto_approve"
	RoutineReviewResolve     = "review_resolve"
	RoutineReviewAutocreate  = "review_autocreate"
	RoutineBlockedRetry      = "blocked_retry"
	RoutineReschedule        = "reschedule"
	RoutineScheduledApproval = "scheduled_approval"
	RoutineClaim             = "claim_unassigned"
	RoutineBlockedResolve    = "blocked_resolve"
)

// ReviewMarker tags a review task's description with its source task.
func ReviewMarker(sourceID int64) string {
	return fmt.Sprintf("[review_of_task_id:%d]", sourceID)
}

// ResolveMarker tags a resolution task's description with the blocked task
// it analyses.
func ResolveMarker(blockedID int64) string {
	return fmt.Sprintf("[resolve_blocked_task_id:%d]", blockedID)
}

var resolveMarkerRe = regexp.MustCompile(`\[resolve_blocked_task_id:(\d+)\]`)

// resolvedTaskID returns the blocked task a resolution task is for, or 0.
func resolvedTaskID(description string) int64 {
	m := resolveMarkerRe.FindStringSubmatch(description)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// RunRoutines runs every enabled policy routine once. A failing routine is
// logged and does not stop the others.
func (s *Scheduler) RunRoutines(ctx context.Context) error {
	r := s.deps.Routines
	routines := []struct {
		name    string
		enabled bool
		fn      func(context.Context) error
	}{
		{RoutineStaleReset, true, func(context.Context) error { return s.resetStale(s.InFlight()) }},
		{RoutineReschedule, true, s.rescheduleRecurring},
		{RoutineScheduledApproval, true, s.requestScheduledApprovals},
		{RoutineAutoApprove, r.AutoApprove, s.autoApprove},
		{RoutineClaim, r.ClaimUnassigned, s.claimUnassigned},
		{RoutineReviewResolve, true, s.resolveReviews},
		{RoutineReviewAutocreate, r.ReviewAutocreate, s.createReviews},
		{RoutineBlockedRetry, r.BlockedRetry, s.retryBlocked},
		{RoutineBlockedResolve, r.BlockedResolve, s.resolveBlocked},
	}

	for _, rt := range routines {
		if !rt.enabled {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := rt.fn(ctx); err != nil {
			s.log.Error("Routine failed", slog.String("routine", rt.name), slog.Any("error", err))
			continue
		}
		if err := s.deps.Store.MarkRoutineRun(rt.name, s.now()); err != nil {
			s.log.Warn("Failed to mark routine run", slog.String("routine", rt.name), slog.Any("error", err))
		}
	}
	return nil
}

// resetStale returns active tasks that are not in inflight and that have not
// been touched for stale_after to approved.
func (s *Scheduler) resetStale(inflight map[int64]bool) error {
	after := s.deps.Config.StaleAfter
	if after <= 0 {
		return nil
	}
	reset, err := s.deps.Store.ResetStaleActive(s.now().Add(-after), inflight)
	if err != nil {
		return err
	}
	for _, id := range reset {
		s.log.Info("Reset stale active task", slog.Int64("task_id", id))
		s.transitioned(id, task.StatusActive, task.StatusApproved)
		s.audit(id, "stale_reset", "active -> approved")
	}
	return nil
}

// autoApprove approves pending tasks that are neither critical nor
// explicitly gated. Each approval goes through a decision.
func (s *Scheduler) autoApprove(ctx context.Context) error {
	pending, err := s.deps.Store.ListTasksByStatus(task.StatusPending)
	if err != nil {
		return err
	}
	for _, t := range pending {
		if t.IsCritical || t.RequiresApproval {
			continue
		}
		if _, err := s.deps.Approver.ResolveTask(ctx, t.ID, true, approval.RequesterAutoApprove); err != nil {
			s.log.Warn("Auto-approve failed", slog.Int64("task_id", t.ID), slog.Any("error", err))
			continue
		}
		s.log.Info("Task auto-approved", slog.Int64("task_id", t.ID))
	}
	return nil
}

// createReviews moves dev_done tasks into review and gives each a review task
// assigned to the reviewer agent.
func (s *Scheduler) createReviews(_ context.Context) error {
	done, err := s.deps.Store.ListTasksByStatus(task.StatusDevDone)
	if err != nil {
		return err
	}

	var reviewer *store.Agent
	for _, src := range done {
		if src.ReviewOfTaskID != 0 || strings.Contains(src.Description, "[review_of_task_id:") || resolvedTaskID(src.Description) != 0 {
			continue
		}

		existing, err := s.deps.Store.FindReviewTask(src.ID)
		switch {
		case err == nil && !task.IsTerminal(existing.Status):
			// A review is already under way.
		case err == nil || errors.Is(err, store.ErrNotFound):
			if reviewer == nil {
				reviewer = s.chooseReviewer()
			}
			rt := reviewTask(src, reviewer)
			if err := s.deps.Store.CreateTask(rt); err != nil {
				return err
			}
			s.log.Info("Review task created", slog.Int64("task_id", rt.ID), slog.Int64("source_task_id", src.ID))
			s.audit(rt.ID, "review_task_created", "source_task_id="+strconv.FormatInt(src.ID, 10))
		default:
			return err
		}

		if ok, err := s.deps.Store.CompareAndSetStatus(src.ID, []task.Status{task.StatusDevDone}, task.StatusReview); err == nil && ok {
			s.transitioned(src.ID, task.StatusDevDone, task.StatusReview)
		}
	}
	return nil
}

// chooseReviewer returns the configured reviewer agent, else the first agent
// whose name or role mentions review or critic, else nil (default pipeline).
func (s *Scheduler) chooseReviewer() *store.Agent {
	if name := s.deps.Routines.ReviewerAgent; name != "" {
		a, err := s.deps.Store.GetAgentByName(name)
		if err == nil {
			return a
		}
		s.log.Warn("Configured reviewer agent not found", slog.String("agent", name), slog.Any("error", err))
	}

	agents, err := s.deps.Store.ListAgents()
	if err != nil {
		return nil
	}
	for _, a := range agents {
		name, role := strings.ToLower(a.Name), strings.ToLower(a.Role)
		if strings.Contains(name, "critic") || strings.Contains(role, "critic") || strings.Contains(role, "review") {
			return a
		}
	}
	return nil
}

func reviewTask(src *store.Task, reviewer *store.Agent) *store.Task {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ReviewMarker(src.ID))
	fmt.Fprintf(&b, "You are a reviewer. Review the deliverable for Task #%d.\n", src.ID)
	b.WriteString("Produce: (1) summary, (2) issues/risks, (3) concrete fixes, (4) a final line VERDICT: PASS or VERDICT: FAIL.\n\n")
	fmt.Fprintf(&b, "## Source Task Title\n%s\n\n", src.Title)
	fmt.Fprintf(&b, "## Source Task Description\n%s\n\n", strings.TrimSpace(src.Description))
	fmt.Fprintf(&b, "## Source Task Result\n%s\n", strings.TrimSpace(src.LastResult))

	rt := &store.Task{
		Title:          fmt.Sprintf("Review: Task #%d - %s", src.ID, src.Title),
		Description:    b.String(),
		Status:         task.StatusApproved,
		ReviewOfTaskID: src.ID,
	}
	if reviewer != nil {
		rt.AgentID = reviewer.ID
	}
	return rt
}

// resolveReviews applies the verdict of finished review tasks to their
// source: PASS finishes it, FAIL sends it back for another pass.
func (s *Scheduler) resolveReviews(_ context.Context) error {
	finished, err := s.deps.Store.ListTasksByStatus(task.StatusDevDone)
	if err != nil {
		return err
	}

	for _, rt := range finished {
		if rt.ReviewOfTaskID == 0 {
			continue
		}
		srcID := rt.ReviewOfTaskID
		verdict := executor.ParseVerdict(rt.LastResult)

		if err := s.deps.Store.SetReviewSummary(srcID, rt.LastResult); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		inReview := []task.Status{task.StatusReview, task.StatusDevDone}
		if verdict == executor.VerdictPass {
			if ok, _ := s.deps.Store.CompareAndSetStatus(srcID, inReview, task.StatusDone); ok {
				s.transitioned(srcID, task.StatusReview, task.StatusDone)
			}
		} else if ok, _ := s.deps.Store.CompareAndSetStatus(srcID, inReview, task.StatusActive); ok {
			s.transitioned(srcID, task.StatusReview, task.StatusActive)
			s.startActive(srcID, task.StatusReview, "review_rework", func(ctx context.Context) {
				s.report(srcID, "rework")(s.deps.Runner.Run(ctx, srcID, 0))
			})
		}
		s.audit(srcID, "review_verdict", fmt.Sprintf("review_task_id=%d verdict=%s", rt.ID, verdict))

		if ok, _ := s.deps.Store.CompareAndSetStatus(rt.ID, []task.Status{task.StatusDevDone}, task.StatusDone); ok {
			s.transitioned(rt.ID, task.StatusDevDone, task.StatusDone)
		}
	}
	return nil
}

// retryBlocked sends blocked tasks back to approved until they reach
// max_retries, after which they stay blocked with max_retries_exceeded.
func (s *Scheduler) retryBlocked(_ context.Context) error {
	blocked, err := s.deps.Store.ListTasksByStatus(task.StatusBlocked)
	if err != nil {
		return err
	}
	limit := s.deps.Routines.MaxRetries

	for _, t := range blocked {
		if t.LastError == ReasonMaxRetriesExceeded {
			continue
		}
		if t.RetryCount >= limit {
			if err := s.deps.Store.SetLastError(t.ID, ReasonMaxRetriesExceeded, ""); err != nil {
				return err
			}
			s.log.Warn("Task exceeded retries", slog.Int64("task_id", t.ID), slog.Int("retries", t.RetryCount))
			s.audit(t.ID, "max_retries_exceeded", "previous error: "+t.LastError)
			continue
		}

		won, err := s.deps.Store.CompareAndSetStatus(t.ID, []task.Status{task.StatusBlocked}, task.StatusApproved)
		if err != nil || !won {
			continue
		}
		n, err := s.deps.Store.IncrementRetry(t.ID)
		if err != nil {
			return err
		}
		_ = s.deps.Store.SetLastError(t.ID, "", "")
		s.transitioned(t.ID, task.StatusBlocked, task.StatusApproved)
		s.audit(t.ID, "blocked_retry", fmt.Sprintf("retry %d/%d after: %s", n, limit, t.LastError))
	}
	return nil
}

// rescheduleRecurring returns finished recurring tasks to pending with their
// next run time.
func (s *Scheduler) rescheduleRecurring(_ context.Context) error {
	done, err := s.deps.Store.ListTasksByStatus(task.StatusDone)
	if err != nil {
		return err
	}
	now := s.now()

	for _, t := range done {
		if !t.IsScheduled() {
			continue
		}
		next, err := NextRun(t.ScheduleType, t.ScheduleExpr, now)
		if err != nil {
			s.log.Warn("Cannot reschedule task", slog.Int64("task_id", t.ID), slog.Any("error", err))
			continue
		}
		won, err := s.deps.Store.CompareAndSetStatus(t.ID, []task.Status{task.StatusDone}, task.StatusPending)
		if err != nil || !won {
			continue
		}
		if err := s.deps.Store.SetNextRun(t.ID, &next); err != nil {
			return err
		}
		s.transitioned(t.ID, task.StatusDone, task.StatusPending)
		s.audit(t.ID, "task_rescheduled", "next_run_at="+next.UTC().Format(time.RFC3339))
	}
	return nil
}

// requestScheduledApprovals asks for approval of gated recurring tasks whose
// next run falls within the lead time and which have no pending decision.
func (s *Scheduler) requestScheduledApprovals(ctx context.Context) error {
	pending, err := s.deps.Store.ListTasksByStatus(task.StatusPending)
	if err != nil {
		return err
	}
	now := s.now()
	lead := s.deps.Config.ScheduleApprovalLead

	for _, t := range pending {
		if !t.RequiresApproval || !t.IsScheduled() || t.NextRunAt == nil {
			continue
		}
		if t.NextRunAt.Sub(now) > lead {
			continue
		}
		has, err := s.deps.Store.HasPendingDecision(approval.EntityTask, strconv.FormatInt(t.ID, 10), approval.ActionStartTask, now)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.deps.Approver.RequestTaskApproval(ctx, t.ID, approval.RequesterScheduler); err != nil {
			s.log.Warn("Scheduled approval request failed", slog.Int64("task_id", t.ID), slog.Any("error", err))
		}
	}
	return nil
}
