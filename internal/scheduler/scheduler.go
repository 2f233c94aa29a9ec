// Package scheduler drives warden's periodic work: dispatching approved
// tasks, polling remote jobs, resuming paused tasks and running the policy
// routines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/events"
	"github.com/alekspetrov/warden/internal/executor"
	"github.com/alekspetrov/warden/internal/jobs"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/metrics"
	"github.com/alekspetrov/warden/internal/notify"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// Job names, used for cron entries, metrics and routine bookkeeping.
const (
	JobDispatch = "dispatch"
	JobPoll     = "poll"
	JobResume   = "resume"
	JobRoutines = "routines"
	JobSummary  = "summary"
)

// Reasons recorded in last_error.
const (
	ReasonRemoteJobFailed    = "remote_job_failed"
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
)

// Store is the persistence the scheduler needs. *store.Store implements it.
type Store interface {
	GetTask(id int64) (*store.Task, error)
	CreateTask(t *store.Task) error
	ListTasksByStatus(statuses ...task.Status) ([]*store.Task, error)
	ListDispatchable(now time.Time) ([]*store.Task, error)
	ListWithRemoteJob() ([]*store.Task, error)
	FindReviewTask(sourceID int64) (*store.Task, error)
	FindTaskByMarker(marker string) (*store.Task, error)
	AssignTask(id, agentID int64) (bool, error)
	UnblockTask(id int64, resolution string) (bool, error)
	CompareAndSetStatus(id int64, from []task.Status, to task.Status) (bool, error)
	CompleteTask(id int64, output string) (bool, error)
	BlockTask(id int64, reason string) (bool, error)
	SetLastError(id int64, msg, failureKind string) error
	SetReviewSummary(id int64, summary string) error
	SetRemoteJob(id int64, jobID string) error
	IncrementRetry(id int64) (int, error)
	SetNextRun(id int64, at *time.Time) error
	ResetStaleActive(before time.Time, skip map[int64]bool) ([]int64, error)

	GetAgent(id int64) (*store.Agent, error)
	GetAgentByName(name string) (*store.Agent, error)
	ListAgents() ([]*store.Agent, error)

	ListPendingDecisions(now time.Time) ([]*store.Decision, error)
	HasPendingDecision(entityType, entityID, action string, now time.Time) (bool, error)
	AppendAudit(a *store.AuditEntry) error
	MarkRoutineRun(name string, at time.Time) error
}

// Runner executes pipelines. *executor.Runner implements it.
type Runner interface {
	Run(ctx context.Context, taskID int64, startIndex int) (*executor.RunResult, error)
	Resume(ctx context.Context, taskID int64) (*executor.RunResult, error)
}

// Health reports whether the CLI backend may be used.
type Health interface {
	Usable() bool
}

// JobClient talks to the remote job service. *jobs.Client implements it.
type JobClient interface {
	Configured() bool
	Dispatch(ctx context.Context, job jobs.Job) (string, error)
	Status(ctx context.Context, jobID string) (*jobs.Status, error)
}

// Approver resolves and requests task decisions. *approval.Service implements it.
type Approver interface {
	ResolveTask(ctx context.Context, taskID int64, approve bool, requester string) (*store.Decision, error)
	RequestTaskApproval(ctx context.Context, taskID int64, requester string) (*approval.Issued, error)
}

// Deps are the scheduler's collaborators. Jobs, Notifier and Sink are optional.
type Deps struct {
	Store    Store
	Runner   Runner
	Health   Health
	Approver Approver
	Jobs     JobClient
	Notifier notify.Notifier
	Sink     events.Sink

	Config        *config.SchedulerConfig
	Routines      *config.RoutinesConfig
	ApproverEmail string
	RemoteAPIKey  string // forwarded to remote jobs
}

// Scheduler owns the periodic driver and the set of in-flight task runs.
type Scheduler struct {
	deps Deps
	cron *cron.Cron
	now  func() time.Time
	log  *slog.Logger

	mu       sync.Mutex
	running  bool
	inflight map[int64]bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler. Nil configs use the defaults.
func New(deps Deps) *Scheduler {
	defaults := config.DefaultConfig()
	if deps.Config == nil {
		deps.Config = defaults.Scheduler
	}
	if deps.Routines == nil {
		deps.Routines = defaults.Routines
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard{}
	}

	log := logging.WithComponent("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		deps:     deps,
		cron:     cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		now:      time.Now,
		log:      log,
		inflight: make(map[int64]bool),
		runCtx:   context.Background(),
	}
}

// SetClock overrides the clock. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start resets tasks left active by a previous process, registers one cron
// entry per job and starts the driver. Task runs use a context derived from
// ctx, cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)

	if err := s.resetStale(s.inFlightLocked()); err != nil {
		s.log.Error("Stale task reset failed", slog.Any("error", err))
	}

	cfg := s.deps.Config
	entries := []struct {
		name  string
		every time.Duration
		fn    func(context.Context) error
	}{
		{JobDispatch, cfg.DispatchInterval, s.Dispatch},
		{JobPoll, cfg.PollInterval, s.Poll},
		{JobResume, cfg.ResumeInterval, s.ResumePaused},
		{JobRoutines, cfg.RoutineInterval, s.RunRoutines},
		{JobSummary, cfg.SummaryInterval, s.SendSummary},
	}
	for _, e := range entries {
		if e.every <= 0 {
			return fmt.Errorf("scheduler: %s interval must be positive", e.name)
		}
		if _, err := s.cron.AddFunc("@every "+e.every.String(), func() { s.tick(e.name, e.fn) }); err != nil {
			return fmt.Errorf("scheduler: failed to add %s job: %w", e.name, err)
		}
	}

	s.cron.Start()
	s.running = true
	s.log.Info("Scheduler started",
		slog.Duration("dispatch_interval", cfg.DispatchInterval),
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Duration("resume_interval", cfg.ResumeInterval),
		slog.Duration("routine_interval", cfg.RoutineInterval),
	)
	return nil
}

// Stop halts the driver, cancels in-flight runs and waits for them to return.
// Cancelled runs leave their task active; the next Start resets them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// Wait blocks until every in-flight task run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// InFlight returns the IDs of tasks currently running in this process.
func (s *Scheduler) InFlight() map[int64]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightLocked()
}

// inFlightLocked copies the in-flight set. Callers hold s.mu.
func (s *Scheduler) inFlightLocked() map[int64]bool {
	out := make(map[int64]bool, len(s.inflight))
	for id := range s.inflight {
		out[id] = true
	}
	return out
}

func (s *Scheduler) tick(name string, fn func(context.Context) error) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.log.Error("Scheduler tick failed", slog.String("job", name), slog.Any("error", err))
		return
	}
	metrics.RecordTick(name)
}

// launch runs fn for a task on its own goroutine unless the task is already
// in flight. Panics are recovered and logged.
func (s *Scheduler) launch(taskID int64, what string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.inflight[taskID] {
		s.mu.Unlock()
		return false
	}
	s.inflight[taskID] = true
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, taskID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("Task run panicked",
					slog.Int64("task_id", taskID),
					slog.String("run", what),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn(logging.ContextWithTaskID(ctx, taskID))
	}()
	return true
}

// startActive launches fn for a task this caller just moved from prev to
// active. When another run still owns the task the status goes back to prev
// so the task is not left active with nothing running.
func (s *Scheduler) startActive(taskID int64, prev task.Status, what string, fn func(ctx context.Context)) bool {
	if s.launch(taskID, what, fn) {
		return true
	}
	s.log.Warn("Task already running, launch refused", slog.Int64("task_id", taskID), slog.String("run", what))
	ok, err := s.deps.Store.CompareAndSetStatus(taskID, []task.Status{task.StatusActive}, prev)
	if err != nil {
		s.log.Error("Failed to revert task status", slog.Int64("task_id", taskID), slog.Any("error", err))
		return false
	}
	if ok {
		s.transitioned(taskID, task.StatusActive, prev)
	}
	return false
}

func (s *Scheduler) isInFlight(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id]
}

// Dispatch starts every approved task that is due. Exactly one caller wins
// the approved to active transition for a task; losers skip it.
func (s *Scheduler) Dispatch(ctx context.Context) error {
	due, err := s.deps.Store.ListDispatchable(s.now())
	if err != nil {
		return err
	}

	limit := s.deps.Config.AgentConcurrency
	var busy map[int64]int
	if limit > 0 {
		if busy, err = s.busyAgents(); err != nil {
			return err
		}
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isInFlight(t.ID) {
			continue
		}

		agent, err := s.agentFor(t)
		if err != nil {
			s.log.Warn("Dispatch skipped", slog.Int64("task_id", t.ID), slog.Any("error", err))
			_ = s.deps.Store.SetLastError(t.ID, err.Error(), "config")
			continue
		}
		if agent != nil && limit > 0 {
			if busy[agent.ID] >= limit {
				continue
			}
			// Counted even if the task is lost below; the next tick recounts.
			busy[agent.ID]++
		}
		if agent != nil && agent.Runtime == store.RuntimeJob {
			s.dispatchJob(ctx, t, agent)
			continue
		}

		won, err := s.deps.Store.CompareAndSetStatus(t.ID, []task.Status{task.StatusApproved}, task.StatusActive)
		if err != nil {
			s.log.Error("Dispatch failed", slog.Int64("task_id", t.ID), slog.Any("error", err))
			continue
		}
		if !won {
			continue
		}
		s.transitioned(t.ID, task.StatusApproved, task.StatusActive)

		id := t.ID
		s.startActive(id, task.StatusApproved, JobDispatch, func(ctx context.Context) {
			s.report(id, "run")(s.deps.Runner.Run(ctx, id, 0))
		})
	}
	return nil
}

// busyAgents counts active tasks per assigned agent.
func (s *Scheduler) busyAgents() (map[int64]int, error) {
	active, err := s.deps.Store.ListTasksByStatus(task.StatusActive)
	if err != nil {
		return nil, err
	}
	busy := make(map[int64]int)
	for _, t := range active {
		if t.AgentID != 0 {
			busy[t.AgentID]++
		}
	}
	return busy, nil
}

func (s *Scheduler) agentFor(t *store.Task) (*store.Agent, error) {
	if t.AgentID == 0 {
		return nil, nil
	}
	return s.deps.Store.GetAgent(t.AgentID)
}

func (s *Scheduler) dispatchJob(ctx context.Context, t *store.Task, agent *store.Agent) {
	if s.deps.Jobs == nil || !s.deps.Jobs.Configured() {
		_ = s.deps.Store.SetLastError(t.ID, jobs.ErrNotConfigured.Error(), "config")
		return
	}

	jobID, err := s.deps.Jobs.Dispatch(ctx, jobs.Job{
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Agent: map[string]any{
			"id":    agent.ID,
			"name":  agent.Name,
			"role":  agent.Role,
			"model": agent.Model,
		},
		APIKey: s.deps.RemoteAPIKey,
	})
	if err != nil {
		s.log.Warn("Remote job dispatch failed", slog.Int64("task_id", t.ID), slog.Any("error", err))
		_ = s.deps.Store.SetLastError(t.ID, err.Error(), "error")
		return
	}

	won, err := s.deps.Store.CompareAndSetStatus(t.ID, []task.Status{task.StatusApproved}, task.StatusActive)
	if err != nil || !won {
		s.log.Warn("Task changed during remote dispatch", slog.Int64("task_id", t.ID), slog.String("job_id", jobID))
		return
	}
	if err := s.deps.Store.SetRemoteJob(t.ID, jobID); err != nil {
		s.log.Error("Failed to record remote job", slog.Int64("task_id", t.ID), slog.Any("error", err))
		return
	}
	s.transitioned(t.ID, task.StatusApproved, task.StatusActive)
	s.audit(t.ID, "remote_job.dispatched", "job_id="+jobID)
}

// Poll checks every task waiting on a remote job.
func (s *Scheduler) Poll(ctx context.Context) error {
	if s.deps.Jobs == nil || !s.deps.Jobs.Configured() {
		return nil
	}
	waiting, err := s.deps.Store.ListWithRemoteJob()
	if err != nil {
		return err
	}

	for _, t := range waiting {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := s.deps.Jobs.Status(ctx, t.RemoteJobID)
		if err != nil {
			_ = s.deps.Store.SetLastError(t.ID, err.Error(), "error")
			continue
		}

		switch st.State {
		case jobs.StateCompleted:
			_ = s.deps.Store.SetRemoteJob(t.ID, "")
			output := st.Result
			if output == "" {
				output = t.LastResult
			}
			if ok, err := s.deps.Store.CompleteTask(t.ID, output); err == nil && ok {
				s.transitioned(t.ID, task.StatusActive, task.StatusDevDone)
			}
		case jobs.StateFailed:
			_ = s.deps.Store.SetRemoteJob(t.ID, "")
			if ok, err := s.deps.Store.BlockTask(t.ID, ReasonRemoteJobFailed); err == nil && ok {
				s.transitioned(t.ID, task.StatusActive, task.StatusBlocked)
			}
		}
	}
	return nil
}

// ResumePaused continues paused and queued tasks once the CLI backend is
// usable again.
func (s *Scheduler) ResumePaused(ctx context.Context) error {
	if !s.deps.Health.Usable() {
		return nil
	}
	paused, err := s.deps.Store.ListTasksByStatus(task.StatusPausedLimit, task.StatusQueuedForClaude)
	if err != nil {
		return err
	}

	for _, t := range paused {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isInFlight(t.ID) {
			continue
		}
		won, err := s.deps.Store.CompareAndSetStatus(t.ID, []task.Status{t.Status}, task.StatusActive)
		if err != nil || !won {
			continue
		}
		s.transitioned(t.ID, t.Status, task.StatusActive)
		s.log.Info("Resuming task", slog.Int64("task_id", t.ID), slog.String("from", string(t.Status)))

		id := t.ID
		s.startActive(id, t.Status, JobResume, func(ctx context.Context) {
			s.report(id, "resume")(s.deps.Runner.Resume(ctx, id))
		})
	}
	return nil
}

// report logs the outcome of a run.
func (s *Scheduler) report(taskID int64, what string) func(*executor.RunResult, error) {
	return func(res *executor.RunResult, err error) {
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.log.Warn("Pipeline run interrupted", slog.Int64("task_id", taskID), slog.String("run", what))
			return
		case errors.Is(err, executor.ErrTaskNotRunnable):
			s.log.Info("Task no longer runnable", slog.Int64("task_id", taskID), slog.Any("error", err))
			return
		default:
			// Resolution failures (no pipeline, missing resume point) never
			// ran a block; park the task where the retry routine sees it.
			s.log.Error("Pipeline run failed", slog.Int64("task_id", taskID), slog.String("run", what), slog.Any("error", err))
			if ok, _ := s.deps.Store.BlockTask(taskID, err.Error()); ok {
				s.transitioned(taskID, task.StatusActive, task.StatusBlocked)
			}
			return
		}
		if res == nil {
			return
		}
		s.log.Info("Pipeline run finished",
			slog.Int64("task_id", taskID),
			slog.String("run", what),
			slog.String("status", string(res.Status)),
			slog.Bool("paused", res.Paused),
		)
	}
}

func (s *Scheduler) transitioned(id int64, from, to task.Status) {
	metrics.RecordTransition(string(to))
	s.deps.Sink.Publish(events.Event{
		Type:   events.TaskStatus,
		TaskID: id,
		Data:   map[string]any{"from": string(from), "to": string(to)},
		At:     s.now(),
	})
}

func (s *Scheduler) audit(taskID int64, action, detail string) {
	err := s.deps.Store.AppendAudit(&store.AuditEntry{
		EntityType: approval.EntityTask,
		EntityID:   fmt.Sprint(taskID),
		Action:     action,
		Actor:      "scheduler",
		Detail:     detail,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn("Failed to append audit entry", slog.String("action", action), slog.Any("error", err))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

// ResumeTask resumes one paused task now, regardless of CLI health. The
// runner re-checks health before the CLI block and pauses again if needed.
func (s *Scheduler) ResumeTask(id int64) error {
	t, err := s.deps.Store.GetTask(id)
	if err != nil {
		return err
	}
	if !task.IsPaused(t.Status) {
		return fmt.Errorf("task %d is %s: %w", id, t.Status, executor.ErrTaskNotRunnable)
	}
	if t.ResumeBlockIndex == nil || t.ResumePipelineID == nil {
		return fmt.Errorf("task %d: %w", id, executor.ErrNoResumePoint)
	}
	won, err := s.deps.Store.CompareAndSetStatus(id, []task.Status{t.Status}, task.StatusActive)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("task %d changed status concurrently: %w", id, executor.ErrTaskNotRunnable)
	}
	s.transitioned(id, t.Status, task.StatusActive)
	started := s.startActive(id, t.Status, "operator_resume", func(ctx context.Context) {
		s.report(id, "resume")(s.deps.Runner.Resume(ctx, id))
	})
	if !started {
		return fmt.Errorf("task %d is still running: %w", id, executor.ErrTaskNotRunnable)
	}
	return nil
}
