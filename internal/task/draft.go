package task

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDraft wraps every validation failure of a Draft.
var ErrInvalidDraft = errors.New("invalid task")

// Draft is the operator input for a new task.
type Draft struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	AgentID          int64  `json:"agent_id,omitempty"`
	Critical         bool   `json:"critical,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	ScheduleType     string `json:"schedule_type,omitempty"`
	ScheduleExpr     string `json:"schedule_expr,omitempty"`
}

// Validate checks the fields every task needs.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDraft)
	}
	if (d.ScheduleType == "") != (d.ScheduleExpr == "") {
		return fmt.Errorf("%w: schedule_type and schedule_expr must be set together", ErrInvalidDraft)
	}
	return nil
}
