package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/logging"
)

// BackendTypeCLI is the local command-line tool backend.
const BackendTypeCLI = "cli"

// CLIBackend runs prompts through a local CLI tool (`claude -p`).
type CLIBackend struct {
	config  *config.CLIConfig
	tracker *limitTracker
	now     func() time.Time
	log     *slog.Logger
}

// NewCLIBackend creates a CLI backend. A nil config uses defaults.
func NewCLIBackend(cfg *config.CLIConfig) *CLIBackend {
	if cfg == nil {
		cfg = config.DefaultConfig().CLI
	}
	return &CLIBackend{
		config:  cfg,
		tracker: newLimitTracker(cfg.RateLimitWindow, cfg.RateLimitThreshold),
		now:     time.Now,
		log:     logging.WithComponent("cli"),
	}
}

// Name implements Backend.
func (b *CLIBackend) Name() string {
	return BackendTypeCLI
}

// IsAvailable checks if the CLI executable is on PATH.
func (b *CLIBackend) IsAvailable() bool {
	_, err := exec.LookPath(b.config.Command)
	return err == nil
}

// Execute implements Backend. The subprocess is killed when the configured
// timeout elapses; the attempt is then reported as a timeout failure.
func (b *CLIBackend) Execute(ctx context.Context, req Request) Result {
	args := []string{"-p", req.Prompt}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	args = append(args, b.config.ExtraArgs...)

	timeout := b.config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, b.config.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	b.log.Debug("Starting CLI", slog.String("command", b.config.Command), slog.String("model", req.Model))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(err, exec.ErrNotFound) {
		return failed(health.FailureError, fmt.Sprintf("%s not found on PATH", b.config.Command), elapsed)
	}
	if ctx.Err() != nil {
		return failed(health.FailureCanceled, "cancelled: "+ctx.Err().Error(), elapsed)
	}
	if runCtx.Err() != nil {
		b.log.Warn("CLI timed out", slog.Duration("timeout", timeout), slog.Duration("elapsed", elapsed))
		return failed(health.FailureTimeout, fmt.Sprintf("timeout after %s", timeout), elapsed)
	}

	avg := b.tracker.observe(elapsed)
	out := stdout.String()
	errOut := stderr.String()

	if err != nil {
		combined := out + "\n" + errOut
		kind := ClassifyFailure(combined)
		if kind == health.FailureRateLimit && b.tracker.rateLimited(b.now()) {
			kind = health.FailureQuota
		}
		text := strings.TrimSpace(errOut)
		if text == "" {
			text = strings.TrimSpace(out)
		}
		if text == "" {
			text = err.Error()
		}
		return b.limitResult(kind, text, out, elapsed)
	}

	if strings.TrimSpace(out) == "" {
		if avg > 0 && elapsed > 3*avg {
			kind := health.FailureRateLimit
			text := "empty output, suspected rate limit"
			if b.tracker.rateLimited(b.now()) {
				kind, text = health.FailureQuota, "empty output, suspected daily limit"
			}
			return failed(kind, text, elapsed)
		}
		return failed(health.FailureError, "empty output", elapsed)
	}

	switch limitSignal(out, errOut) {
	case health.FailureQuota:
		return b.limitResult(health.FailureQuota, "daily limit signal in output", out, elapsed)
	case health.FailureRateLimit:
		if b.tracker.rateLimited(b.now()) {
			return b.limitResult(health.FailureQuota, "consecutive rate limits", out, elapsed)
		}
		return b.limitResult(health.FailureRateLimit, "rate limit signal in output", out, elapsed)
	}

	b.tracker.clear()
	return Result{Success: true, Output: out, Duration: elapsed}
}

// limitResult builds a failed result, keeping any partial output and noting
// the advertised reset time for quota failures.
func (b *CLIBackend) limitResult(kind health.FailureKind, text, out string, d time.Duration) Result {
	if kind == health.FailureQuota {
		if reset, ok := ParseResetTime(out+"\n"+text, b.now()); ok {
			text += fmt.Sprintf(" (resets %s)", reset.UTC().Format(time.RFC3339))
		}
	}
	r := failed(kind, text, d)
	r.Output = out
	return r
}
