package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alekspetrov/warden/internal/events"
	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/metrics"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// ReasonNoOutput is recorded when a pipeline finishes without any output.
const ReasonNoOutput = "pipeline_no_output"

// Store is the persistence the Runner needs. *store.Store implements it.
type Store interface {
	GetTask(id int64) (*store.Task, error)
	GetAgent(id int64) (*store.Agent, error)
	GetPipeline(id int64) (*store.Pipeline, error)
	ActivePipeline(agentID int64) (*store.Pipeline, error)
	CompareAndSetStatus(id int64, from []task.Status, to task.Status) (bool, error)
	PauseTask(id int64, to task.Status, pipelineID int64, blockIndex int, lastError, failureKind string) (bool, error)
	ClearResumePoint(id int64) error
	CompleteTask(id int64, output string) (bool, error)
	BlockTask(id int64, reason string) (bool, error)
	SetLastResult(id int64, output string) error
	SetLastError(id int64, msg, failureKind string) error
	SetReviewSummary(id int64, summary string) error
	AppendExecutionLog(e *store.ExecutionLogEntry) error
}

// HealthGate is consulted before CLI-backed blocks and fed their outcomes.
// *health.Monitor implements it.
type HealthGate interface {
	State() (health.State, error)
	RecordSuccess() error
	RecordFailure(kind health.FailureKind, errText string) error
}

// RunResult is the outcome of a pipeline run. A pause is not an error: the
// task keeps a resume pointer and Status tells where it stopped.
type RunResult struct {
	TaskID      int64
	PipelineID  int64
	Success     bool
	FinalOutput string
	Status      task.Status
	Paused      bool
	// StoppedAt is the block index a paused run will resume from.
	StoppedAt int
}

// runnable are the statuses Run accepts. The scheduler moves approved tasks
// to active before calling Run; operators may run approved tasks directly.
var runnable = []task.Status{task.StatusApproved, task.StatusActive, task.StatusPausedLimit, task.StatusQueuedForClaude}

// Runner walks a task's pipeline block by block.
type Runner struct {
	store    Store
	backends *Registry
	health   HealthGate
	prompts  PromptProvider
	events   events.Sink
	now      func() time.Time
	log      *slog.Logger
}

// NewRunner creates a pipeline runner.
func NewRunner(st Store, backends *Registry, gate HealthGate) *Runner {
	return &Runner{
		store:    st,
		backends: backends,
		health:   gate,
		prompts:  staticPrompt(""),
		events:   events.Discard{},
		now:      time.Now,
		log:      logging.WithComponent("runner"),
	}
}

// SetPromptProvider sets the source of agent system prompts.
func (r *Runner) SetPromptProvider(p PromptProvider) {
	if p != nil {
		r.prompts = p
	}
}

// SetEventSink sets where task and block events are published.
func (r *Runner) SetEventSink(s events.Sink) {
	if s != nil {
		r.events = s
	}
}

// SetClock overrides the clock used for log timestamps. Tests only.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run executes the task's pipeline from startIndex. Only resolution failures
// (task missing, no pipeline, task not runnable) are returned as errors;
// block failures are logged and the pipeline continues.
func (r *Runner) Run(ctx context.Context, taskID int64, startIndex int) (*RunResult, error) {
	t, err := r.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	p, err := r.store.ActivePipeline(t.AgentID)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", taskID, err)
	}
	return r.run(ctx, t, p, startIndex, false)
}

// Resume continues a paused task at its stored block index. It never
// restarts from the first block.
func (r *Runner) Resume(ctx context.Context, taskID int64) (*RunResult, error) {
	t, err := r.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.ResumeBlockIndex == nil || t.ResumePipelineID == nil {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNoResumePoint)
	}
	p, err := r.store.GetPipeline(*t.ResumePipelineID)
	if err != nil {
		return nil, fmt.Errorf("task %d resume pipeline: %w", taskID, err)
	}
	return r.run(ctx, t, p, *t.ResumeBlockIndex, true)
}

func (r *Runner) loadTask(id int64) (*store.Task, error) {
	t, err := r.store.GetTask(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	return t, err
}

// pipelineRun is the mutable state of one walk over a pipeline.
type pipelineRun struct {
	task     *store.Task
	pipeline *store.Pipeline
	system   string
	log      *slog.Logger

	current     string // latest successful output
	final       string // explicit final output
	hasFinal    bool
	lastFailed  bool   // the last producing attempt failed
	reviewNotes string // latest reviewer output
	lastVerdict string // latest review verdict for current output
	resumeAt    int    // block a resumed run paused on, -1 otherwise
}

func (pr *pipelineRun) needsRecovery() bool {
	return pr.current == "" || pr.lastFailed || pr.lastVerdict == VerdictFail
}

func (pr *pipelineRun) produced(output string) {
	pr.current = output
	pr.lastFailed = false
	pr.lastVerdict = ""
}

func (r *Runner) run(ctx context.Context, t *store.Task, p *store.Pipeline, start int, resumed bool) (*RunResult, error) {
	if !statusIn(t.Status, runnable) {
		return nil, fmt.Errorf("task %d is %s: %w", t.ID, t.Status, ErrTaskNotRunnable)
	}
	if start < 0 || start > len(p.Blocks) {
		return nil, fmt.Errorf("task %d: block index %d out of range for pipeline %q", t.ID, start, p.Name)
	}

	won, err := r.store.CompareAndSetStatus(t.ID, runnable, task.StatusActive)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("task %d changed status concurrently: %w", t.ID, ErrTaskNotRunnable)
	}
	if t.Status != task.StatusActive {
		r.transitioned(t.ID, t.Status, task.StatusActive)
	}
	if t.ResumeBlockIndex != nil {
		if err := r.store.ClearResumePoint(t.ID); err != nil {
			return nil, err
		}
	}

	ctx = logging.ContextWithTaskID(ctx, t.ID)
	ctx = logging.ContextWithPipeline(ctx, p.ID)
	pr := &pipelineRun{
		task:     t,
		pipeline: p,
		system:   r.systemPrompt(t),
		current:  t.LastResult,
		resumeAt: -1,
		log:      logging.WithContext(ctx).With(slog.String("component", "runner")),
	}
	if start == 0 {
		// A fresh pass never reviews a previous pass's output.
		pr.current = ""
	}
	if resumed {
		// The paused block runs again whatever the in-memory recovery state
		// says; review notes come back from the task row.
		pr.resumeAt = start
		pr.reviewNotes = t.ReviewSummary
		if t.ReviewSummary != "" {
			pr.lastVerdict = ParseVerdict(t.ReviewSummary)
		}
	}

	pr.log.Info("Pipeline started",
		slog.String("pipeline", p.Name),
		slog.Int("start_index", start),
		slog.Int("blocks", len(p.Blocks)),
	)

blocks:
	for i := start; i < len(p.Blocks); i++ {
		if ctx.Err() != nil {
			pr.log.Warn("Pipeline cancelled", slog.Int("block_index", i))
			break
		}
		b := p.Blocks[i]

		switch b.Type {
		case store.BlockRoute:
			r.skip(pr, i, b, "route: pass-through")

		case store.BlockDone:
			if !pr.hasFinal {
				pr.final, pr.hasFinal = pr.current, pr.current != ""
			}
			r.appendLog(pr, i, b, "", r.now(), Result{Success: true, Output: pr.final}, "")
			break blocks

		case store.BlockExecutor, store.BlockReview, store.BlockRetry, store.BlockEscalate:
			if b.Type == store.BlockReview && pr.current == "" {
				r.skip(pr, i, b, "skipped: no output to review")
				continue
			}
			if (b.Type == store.BlockRetry || b.Type == store.BlockEscalate) && !pr.needsRecovery() && i != pr.resumeAt {
				r.skip(pr, i, b, "skipped: recovery not needed")
				continue
			}

			done, paused := r.runBlock(ctx, pr, i, b)
			if paused != nil {
				return paused, nil
			}
			if done {
				break blocks
			}

		default:
			r.appendLog(pr, i, b, "", r.now(),
				failed(health.FailureConfig, fmt.Sprintf("unknown block type %q", b.Type), 0), "")
		}
	}

	return r.finish(ctx, pr)
}

// runBlock executes one backend-calling block. It returns done when a review
// passed with skip_to_done, or a paused result when the CLI gate fired.
func (r *Runner) runBlock(ctx context.Context, pr *pipelineRun, i int, b store.Block) (bool, *RunResult) {
	backend, err := r.backends.Resolve(b.Config.Executor)
	if err != nil {
		r.appendLog(pr, i, b, b.Config.Executor, r.now(), failed(health.FailureConfig, err.Error(), 0), "")
		if b.Type != store.BlockReview {
			pr.lastFailed = true
		}
		return false, nil
	}

	switch b.Type {
	case store.BlockExecutor, store.BlockEscalate:
		proceed, paused := r.gate(pr, i, b, backend)
		if !proceed {
			return false, paused
		}
		// Escalation always goes back to the original task prompt.
		result := r.invoke(ctx, pr, i, b, backend, BuildTaskPrompt(pr.task))
		if result.Success {
			pr.produced(result.Output)
		} else {
			pr.lastFailed = true
		}

	case store.BlockReview:
		proceed, paused := r.gate(pr, i, b, backend)
		if !proceed {
			return false, paused
		}
		if !r.review(ctx, pr, i, b, backend) {
			return false, nil
		}
		if pr.lastVerdict == VerdictPass && b.Config.PassAction == store.PassActionSkipToDone {
			pr.final, pr.hasFinal = pr.current, true
			pr.log.Info("Review passed, skipping to done", slog.Int("block_index", i))
			return true, nil
		}

	case store.BlockRetry:
		attempts := b.Config.MaxRetries
		if attempts < 1 {
			attempts = 1
		}
		prompt := BuildTaskPrompt(pr.task)
		if b.Config.IncludeReviewNotes && pr.reviewNotes != "" {
			prompt = BuildRetryPrompt(pr.task, pr.reviewNotes)
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			proceed, paused := r.gate(pr, i, b, backend)
			if !proceed {
				return false, paused
			}
			result := r.invoke(ctx, pr, i, b, backend, prompt)
			if result.Success {
				pr.produced(result.Output)
				pr.log.Info("Retry succeeded", slog.Int("block_index", i), slog.Int("attempt", attempt))
				return false, nil
			}
			pr.lastFailed = true
			if ctx.Err() != nil {
				return false, nil
			}
		}
	}
	return false, nil
}

// gate consults the health monitor before a CLI-backed block. When the CLI
// is unusable the block's on_limit policy decides: fallback logs a skipped
// entry and lets the pipeline advance, stop and queue pause the task.
func (r *Runner) gate(pr *pipelineRun, i int, b store.Block, backend Backend) (bool, *RunResult) {
	if backend.Name() != BackendTypeCLI || r.health == nil {
		return true, nil
	}

	state, err := r.health.State()
	if err != nil {
		pr.log.Error("Failed to read CLI health", slog.Any("error", err))
		state = health.StateUnavailable
	}
	if state.Usable() {
		return true, nil
	}

	policy := b.Config.OnLimit
	if policy == "" {
		policy = store.OnLimitStop
	}
	reason := fmt.Sprintf("cli unavailable: %s", state)

	if policy == store.OnLimitFallback {
		r.appendLog(pr, i, b, backend.Name(), r.now(),
			failed(health.FailureKind(state), "skipped: "+reason, 0), "")
		metrics.RecordSkippedBlock(b.Type)
		pr.log.Warn("CLI unavailable, falling through", slog.Int("block_index", i), slog.String("state", string(state)))
		return false, nil
	}

	to := task.StatusPausedLimit
	if policy == store.OnLimitQueue {
		to = task.StatusQueuedForClaude
	}
	r.appendLog(pr, i, b, backend.Name(), r.now(), failed(health.FailureKind(state), reason, 0), "")

	ok, err := r.store.PauseTask(pr.task.ID, to, pr.pipeline.ID, i, reason, string(state))
	if err != nil {
		pr.log.Error("Failed to pause task", slog.Any("error", err))
	}
	if ok {
		r.transitioned(pr.task.ID, task.StatusActive, to)
	}
	pr.log.Warn("Task paused on CLI limit",
		slog.Int("block_index", i),
		slog.String("state", string(state)),
		slog.String("status", string(to)),
	)

	return false, &RunResult{
		TaskID:      pr.task.ID,
		PipelineID:  pr.pipeline.ID,
		FinalOutput: pr.current,
		Status:      to,
		Paused:      true,
		StoppedAt:   i,
	}
}

// invoke runs one backend attempt and records it.
func (r *Runner) invoke(ctx context.Context, pr *pipelineRun, i int, b store.Block, backend Backend, prompt string) Result {
	started := r.now()
	result := backend.Execute(ctx, Request{Prompt: prompt, Model: b.Config.Model, SystemPrompt: pr.system})
	r.observe(pr, backend, result)
	r.appendLog(pr, i, b, backend.Name(), started, result, "")

	if result.Success {
		if err := r.store.SetLastResult(pr.task.ID, result.Output); err != nil {
			pr.log.Error("Failed to store result", slog.Any("error", err))
		}
	} else {
		if err := r.store.SetLastError(pr.task.ID, result.ErrorText, string(result.FailureKind)); err != nil {
			pr.log.Error("Failed to store error", slog.Any("error", err))
		}
		pr.log.Warn("Block failed",
			slog.Int("block_index", i),
			slog.String("type", b.Type),
			slog.String("backend", backend.Name()),
			slog.String("failure_kind", string(result.FailureKind)),
			slog.String("error", result.ErrorText),
		)
	}
	return result
}

// review asks the reviewer backend for a verdict on the current output. It
// reports whether a verdict was obtained.
func (r *Runner) review(ctx context.Context, pr *pipelineRun, i int, b store.Block, backend Backend) bool {
	started := r.now()
	prompt := BuildReviewPrompt(pr.task.Title, pr.current)
	result := backend.Execute(ctx, Request{Prompt: prompt, Model: b.Config.Model, SystemPrompt: pr.system})
	r.observe(pr, backend, result)

	verdict := ""
	if result.Success {
		verdict = ParseVerdict(result.Output)
		pr.lastVerdict = verdict
		pr.reviewNotes = result.Output
		if err := r.store.SetReviewSummary(pr.task.ID, result.Output); err != nil {
			pr.log.Error("Failed to store review summary", slog.Any("error", err))
		}
	}
	r.appendLog(pr, i, b, backend.Name(), started, result, verdict)

	if result.Success {
		pr.log.Info("Review verdict", slog.Int("block_index", i), slog.String("verdict", verdict))
	}
	return result.Success
}

// observe feeds CLI outcomes to the health monitor.
func (r *Runner) observe(pr *pipelineRun, backend Backend, result Result) {
	if backend.Name() != BackendTypeCLI || r.health == nil {
		return
	}
	var err error
	if result.Success {
		err = r.health.RecordSuccess()
	} else if result.FailureKind != health.FailureConfig && result.FailureKind != health.FailureCanceled {
		err = r.health.RecordFailure(result.FailureKind, result.ErrorText)
	}
	if err != nil {
		pr.log.Error("Failed to record CLI health", slog.Any("error", err))
	}
}

// skip writes a neutral entry for a block that did no work.
func (r *Runner) skip(pr *pipelineRun, i int, b store.Block, reason string) {
	r.appendLog(pr, i, b, "", r.now(), Result{Success: true, Output: reason}, "")
	metrics.RecordSkippedBlock(b.Type)
}

// appendLog writes exactly one execution log entry and publishes it.
func (r *Runner) appendLog(pr *pipelineRun, i int, b store.Block, backend string, started time.Time, res Result, verdict string) {
	entry := &store.ExecutionLogEntry{
		TaskID:          pr.task.ID,
		PipelineID:      pr.pipeline.ID,
		BlockIndex:      i,
		BlockType:       b.Type,
		Backend:         backend,
		Model:           b.Config.Model,
		StartedAt:       started,
		DurationSeconds: res.Duration.Seconds(),
		Success:         res.Success,
		Verdict:         verdict,
		OutputPreview:   res.Output,
		FailureKind:     string(res.FailureKind),
		ErrorText:       res.ErrorText,
	}
	if err := r.store.AppendExecutionLog(entry); err != nil {
		pr.log.Error("Failed to append execution log", slog.Int("block_index", i), slog.Any("error", err))
		return
	}
	if backend != "" {
		metrics.RecordBlock(b.Type, backend, res.Success, res.Duration)
	}

	r.events.Publish(events.Event{
		Type:   events.BlockLogged,
		TaskID: pr.task.ID,
		At:     r.now(),
		Data: map[string]any{
			"log_id":       entry.ID,
			"pipeline_id":  entry.PipelineID,
			"block_index":  i,
			"block_type":   b.Type,
			"backend":      backend,
			"success":      res.Success,
			"verdict":      verdict,
			"failure_kind": entry.FailureKind,
		},
	})
}

// finish moves the task to dev_done with its final output, or to blocked
// when the pipeline produced nothing.
func (r *Runner) finish(ctx context.Context, pr *pipelineRun) (*RunResult, error) {
	res := &RunResult{TaskID: pr.task.ID, PipelineID: pr.pipeline.ID}

	if err := ctx.Err(); err != nil {
		// Left active; the stale-task routine dispatches it again.
		res.Status = task.StatusActive
		return res, fmt.Errorf("task %d interrupted: %w", pr.task.ID, err)
	}

	output := pr.current
	if pr.hasFinal {
		output = pr.final
	}

	if output == "" {
		ok, err := r.store.BlockTask(pr.task.ID, ReasonNoOutput)
		if err != nil {
			return nil, err
		}
		if ok {
			r.transitioned(pr.task.ID, task.StatusActive, task.StatusBlocked)
		}
		pr.log.Warn("Pipeline produced no output, task blocked")
		res.Status = task.StatusBlocked
		return res, nil
	}

	ok, err := r.store.CompleteTask(pr.task.ID, output)
	if err != nil {
		return nil, err
	}
	res.Success = true
	res.FinalOutput = output
	res.Status = task.StatusDevDone
	if ok {
		r.transitioned(pr.task.ID, task.StatusActive, task.StatusDevDone)
	} else {
		// An operator moved the task while it ran; keep the output anyway.
		if err := r.store.SetLastResult(pr.task.ID, output); err != nil {
			return nil, err
		}
		if t, err := r.store.GetTask(pr.task.ID); err == nil {
			res.Status = t.Status
		}
		pr.log.Warn("Task left active during run", slog.String("status", string(res.Status)))
	}

	pr.log.Info("Pipeline finished", slog.String("status", string(res.Status)), slog.Int("output_len", len(output)))
	return res, nil
}

func (r *Runner) transitioned(id int64, from, to task.Status) {
	metrics.RecordTransition(string(to))
	r.events.Publish(events.Event{
		Type:   events.TaskStatus,
		TaskID: id,
		At:     r.now(),
		Data:   map[string]any{"from": string(from), "to": string(to)},
	})
}

func (r *Runner) systemPrompt(t *store.Task) string {
	if t.AgentID == 0 {
		return r.prompts.SystemPrompt(nil)
	}
	agent, err := r.store.GetAgent(t.AgentID)
	if err != nil {
		r.log.Warn("Agent not found, using generic prompt", slog.Int64("task_id", t.ID), slog.Any("error", err))
		return r.prompts.SystemPrompt(nil)
	}
	return r.prompts.SystemPrompt(agent)
}

func statusIn(s task.Status, set []task.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
