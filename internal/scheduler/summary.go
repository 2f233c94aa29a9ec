package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/alekspetrov/warden/internal/notify"
	"github.com/alekspetrov/warden/internal/task"
)

// SendSummary notifies the approver of pending decisions and of tasks paused
// on the CLI backend, with the error that stopped them.
func (s *Scheduler) SendSummary(ctx context.Context) error {
	if s.deps.ApproverEmail == "" {
		return nil
	}

	decisions, err := s.deps.Store.ListPendingDecisions(s.now())
	if err != nil {
		return err
	}
	paused, err := s.deps.Store.ListTasksByStatus(task.StatusPausedLimit, task.StatusQueuedForClaude, task.StatusBlocked)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pending decisions: %d\n", len(decisions))
	for _, d := range decisions {
		fmt.Fprintf(&b, "  - %s %s:%s %s (expires %s)\n",
			d.ID, d.EntityType, d.EntityID, d.Action, d.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}

	fmt.Fprintf(&b, "\nStalled tasks: %d\n", len(paused))
	for _, t := range paused {
		reason := t.LastError
		if t.LastFailureKind != "" {
			reason = fmt.Sprintf("%s (%s)", reason, t.LastFailureKind)
		}
		fmt.Fprintf(&b, "  - #%d %s [%s] %s\n", t.ID, t.Title, t.Status, reason)
	}

	return s.deps.Notifier.Notify(ctx, notify.Message{
		To:      s.deps.ApproverEmail,
		Subject: fmt.Sprintf("[warden] Summary: %d pending decisions, %d stalled tasks", len(decisions), len(paused)),
		Body:    b.String(),
	})
}
