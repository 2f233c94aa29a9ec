package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// resolveBlocked finishes resolution tasks whose analysis is ready, then
// opens at most one new resolution task per tick for a blocked task that
// still carries an error. Resolution tasks go to the architect agent; with
// no architect the routine only applies finished resolutions.
func (s *Scheduler) resolveBlocked(_ context.Context) error {
	if err := s.applyResolutions(); err != nil {
		return err
	}

	architect := s.chooseArchitect()
	if architect == nil {
		return nil
	}

	blocked, err := s.deps.Store.ListTasksByStatus(task.StatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		if t.LastError == "" || t.ReviewOfTaskID != 0 || resolvedTaskID(t.Description) != 0 {
			continue
		}
		existing, err := s.deps.Store.FindTaskByMarker(ResolveMarker(t.ID))
		switch {
		case err == nil && !task.IsTerminal(existing.Status):
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		rt := resolutionTask(t, architect)
		if err := s.deps.Store.CreateTask(rt); err != nil {
			return err
		}
		s.log.Info("Resolution task created",
			slog.Int64("task_id", rt.ID),
			slog.Int64("blocked_task_id", t.ID),
			slog.String("agent", architect.Name),
		)
		s.audit(t.ID, "blocked_resolution_created", "resolution_task_id="+strconv.FormatInt(rt.ID, 10))
		return nil
	}
	return nil
}

// applyResolutions sends the blocked source of every finished resolution task
// back to approved with the analysis as its review summary, then closes the
// resolution task.
func (s *Scheduler) applyResolutions() error {
	finished, err := s.deps.Store.ListTasksByStatus(task.StatusDevDone)
	if err != nil {
		return err
	}
	for _, rt := range finished {
		srcID := resolvedTaskID(rt.Description)
		if srcID == 0 {
			continue
		}
		ok, err := s.deps.Store.UnblockTask(srcID, rt.LastResult)
		if err != nil {
			return err
		}
		if ok {
			s.log.Info("Blocked task unblocked", slog.Int64("task_id", srcID), slog.Int64("resolution_task_id", rt.ID))
			s.transitioned(srcID, task.StatusBlocked, task.StatusApproved)
			s.audit(srcID, "blocked_task_unblocked", "resolution_task_id="+strconv.FormatInt(rt.ID, 10))
		}
		if ok, _ := s.deps.Store.CompareAndSetStatus(rt.ID, []task.Status{task.StatusDevDone}, task.StatusDone); ok {
			s.transitioned(rt.ID, task.StatusDevDone, task.StatusDone)
		}
	}
	return nil
}

// chooseArchitect returns the configured architect agent, else the first
// agent whose role is architect, else nil.
func (s *Scheduler) chooseArchitect() *store.Agent {
	if name := s.deps.Routines.ArchitectAgent; name != "" {
		a, err := s.deps.Store.GetAgentByName(name)
		if err == nil {
			return a
		}
		s.log.Warn("Configured architect agent not found", slog.String("agent", name), slog.Any("error", err))
	}

	agents, err := s.deps.Store.ListAgents()
	if err != nil {
		return nil
	}
	for _, a := range agents {
		if strings.EqualFold(a.Role, "architect") {
			return a
		}
	}
	return nil
}

func resolutionTask(src *store.Task, architect *store.Agent) *store.Task {
	result := strings.TrimSpace(src.LastResult)
	if result == "" {
		result = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ResolveMarker(src.ID))
	b.WriteString("You are the architect. A task is blocked and needs your analysis.\n")
	b.WriteString("Analyze the error, propose a fix or workaround, and provide updated instructions.\n\n")
	fmt.Fprintf(&b, "## Blocked Task\n**Title:** %s\n**Description:** %s\n\n", src.Title, strings.TrimSpace(src.Description))
	fmt.Fprintf(&b, "## Error Details\n%s\n\n", src.LastError)
	fmt.Fprintf(&b, "## Last Result\n%s\n\n", result)
	b.WriteString("## Your Task\n")
	b.WriteString("1. Diagnose the root cause of the failure\n")
	b.WriteString("2. Propose specific fixes or workarounds\n")
	b.WriteString("3. Provide updated task instructions that would prevent this error\n")
	b.WriteString("4. If the task should be abandoned, explain why\n")

	return &store.Task{
		Title:       fmt.Sprintf("Resolve: Task #%d - %s", src.ID, src.Title),
		Description: b.String(),
		Status:      task.StatusApproved,
		AgentID:     architect.ID,
	}
}

// claimUnassigned gives each unassigned approved task to an idle agent, one
// task per idle agent per tick. Review and resolution tasks keep the
// assignment they were created with. Reviewer and architect agents never
// claim work.
func (s *Scheduler) claimUnassigned(_ context.Context) error {
	approved, err := s.deps.Store.ListTasksByStatus(task.StatusApproved)
	if err != nil {
		return err
	}
	var unassigned []*store.Task
	for _, t := range approved {
		if t.AgentID == 0 && t.ReviewOfTaskID == 0 && resolvedTaskID(t.Description) == 0 {
			unassigned = append(unassigned, t)
		}
	}
	if len(unassigned) == 0 {
		return nil
	}

	busy, err := s.busyAgents()
	if err != nil {
		return err
	}
	agents, err := s.deps.Store.ListAgents()
	if err != nil {
		return err
	}
	var idle []*store.Agent
	for _, a := range agents {
		if claimsWork(a) && busy[a.ID] == 0 {
			idle = append(idle, a)
		}
	}

	for _, t := range unassigned {
		if len(idle) == 0 {
			return nil
		}
		a := idle[0]
		ok, err := s.deps.Store.AssignTask(t.ID, a.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		idle = idle[1:]
		s.log.Info("Task claimed", slog.Int64("task_id", t.ID), slog.String("agent", a.Name))
		s.audit(t.ID, "task_claimed", "agent_id="+strconv.FormatInt(a.ID, 10))
	}
	return nil
}

func claimsWork(a *store.Agent) bool {
	role := strings.ToLower(a.Role)
	return !strings.Contains(role, "review") && !strings.Contains(role, "critic") && role != "architect"
}
