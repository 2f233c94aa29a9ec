// Package approval implements the human approval gate: single-use,
// time-limited decision tokens and the rules that mark a task critical.
package approval

import (
	"errors"
	"time"

	"github.com/alekspetrov/warden/internal/store"
)

// Entity types a decision can refer to.
const (
	EntityTask = "task"
)

// Actions a decision can authorise.
const (
	ActionStartTask = "start_task"
)

// Requesters recorded on system-created decisions.
const (
	RequesterDashboard   = "dashboard"
	RequesterAutoApprove = "routine:auto_approve"
	RequesterScheduler   = "routine:scheduled"
)

// ErrInvalidToken is returned by Verify for an unknown decision, an expired
// decision or a token that does not match. The three cases are not
// distinguished.
var ErrInvalidToken = errors.New("invalid or expired decision token")

// Decider describes who resolved a decision and from where.
type Decider struct {
	By        string `json:"by"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// Issued is a freshly created decision together with its plaintext token.
// The token cannot be recovered later.
type Issued struct {
	Decision *store.Decision
	Token    string
}

// Config holds decision settings.
type Config struct {
	Pepper        string
	TTLHours      int
	PublicBaseURL string
	ApproverEmail string
	Now           func() time.Time
}
