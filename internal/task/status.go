// Package task defines the task lifecycle: statuses and the transitions
// allowed between them.
package task

import (
	"errors"
	"fmt"
)

// Guard errors for operator-initiated moves.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrApprovalRequired  = errors.New("status change requires an approval decision")
)

// Status represents the current lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected" // Terminal for the orchestrator
	StatusActive   Status = "active"
	StatusDevDone  Status = "dev_done"
	StatusReview   Status = "review"
	StatusDone     Status = "done" // Terminal
	StatusBlocked  Status = "blocked"

	// StatusPausedLimit is set when a CLI block hit its limit with on_limit=stop.
	StatusPausedLimit Status = "paused_limit"
	// StatusQueuedForClaude is set when a CLI block hit its limit with on_limit=queue.
	StatusQueuedForClaude Status = "queued_for_claude"
)

// transitions lists, for every status, the statuses it may move to.
var transitions = map[Status][]Status{
	StatusPending:         {StatusApproved, StatusRejected},
	StatusApproved:        {StatusActive, StatusPending, StatusBlocked},
	StatusActive:          {StatusDevDone, StatusPausedLimit, StatusQueuedForClaude, StatusBlocked, StatusApproved},
	StatusPausedLimit:     {StatusActive, StatusBlocked},
	StatusQueuedForClaude: {StatusActive, StatusBlocked},
	StatusDevDone:         {StatusReview, StatusDone, StatusActive},
	StatusReview:          {StatusDone, StatusActive},
	StatusBlocked:         {StatusApproved},
	StatusDone:            {StatusPending}, // recurring tasks are rescheduled
	StatusRejected:        {},
}

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{
		StatusPending, StatusApproved, StatusRejected, StatusActive,
		StatusDevDone, StatusReview, StatusDone, StatusBlocked,
		StatusPausedLimit, StatusQueuedForClaude,
	}
}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for statuses the orchestrator never leaves on its own.
func IsTerminal(s Status) bool {
	return s == StatusDone || s == StatusRejected
}

// IsPaused returns true if the task is suspended waiting for the CLI backend.
func IsPaused(s Status) bool {
	return s == StatusPausedLimit || s == StatusQueuedForClaude
}

// IsExecuting returns true for statuses that imply approval was granted.
func IsExecuting(s Status) bool {
	switch s {
	case StatusActive, StatusDevDone, StatusReview, StatusPausedLimit, StatusQueuedForClaude:
		return true
	default:
		return false
	}
}
