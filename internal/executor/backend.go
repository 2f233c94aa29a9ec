package executor

import (
	"context"
	"errors"
	"time"

	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/store"
)

// Configuration and integrity errors. Backend failures are never returned as
// errors; they come back as a failed Result so the pipeline can continue.
var (
	ErrMissingCredential = errors.New("backend credential is not configured")
	ErrNoActivePipeline  = store.ErrNoActivePipeline
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrTaskNotFound      = errors.New("task not found")
	ErrNoResumePoint     = errors.New("task has no resume point")
	ErrTaskNotRunnable   = errors.New("task is not in a runnable status")
)

// Backend defines the interface for execution backends.
// Implementations handle the specifics of invoking a remote model gateway or
// a local CLI tool while giving the Runner one uniform contract.
type Backend interface {
	// Name returns the backend identifier ("remote", "cli").
	Name() string

	// Execute runs a prompt and reports the outcome. It never returns an
	// error: failures are classified into Result.FailureKind.
	Execute(ctx context.Context, req Request) Result
}

// Request contains parameters for one backend invocation.
type Request struct {
	Prompt string

	// Model is backend specific. Empty selects the backend default.
	Model string

	// SystemPrompt is the agent's assembled identity and instructions.
	SystemPrompt string
}

// Result is the outcome of a backend invocation.
type Result struct {
	Success     bool
	Output      string
	Duration    time.Duration
	ErrorText   string
	FailureKind health.FailureKind // empty on success
}

// failed builds an unsuccessful Result.
func failed(kind health.FailureKind, errText string, d time.Duration) Result {
	return Result{FailureKind: kind, ErrorText: errText, Duration: d}
}
