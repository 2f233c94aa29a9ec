package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/executor"
	"github.com/alekspetrov/warden/internal/notify"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *captureNotifier) Notify(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// scriptedBackend answers every request with the next scripted output.
type scriptedBackend struct {
	mu      sync.Mutex
	outputs []string
}

func (b *scriptedBackend) Name() string { return executor.BackendTypeRemote }

func (b *scriptedBackend) Execute(context.Context, executor.Request) executor.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outputs) == 0 {
		return executor.Result{FailureKind: "error", ErrorText: "no scripted output"}
	}
	out := b.outputs[0]
	b.outputs = b.outputs[1:]
	return executor.Result{Success: true, Output: out}
}

type testEnv struct {
	orch     *Orchestrator
	notifier *captureNotifier
	backend  *scriptedBackend
	cfg      *config.Config
}

func newEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "warden.db")
	cfg.Agents.PromptDir = filepath.Join(dir, "agents")
	cfg.Pipelines.File = filepath.Join(dir, "pipelines.yaml")
	cfg.Approval.Pepper = "test-pepper"
	cfg.Approval.ApproverEmail = "ops@example.com"
	for _, m := range mutate {
		m(cfg)
	}

	env := &testEnv{notifier: &captureNotifier{}, backend: &scriptedBackend{}, cfg: cfg}
	orch, err := New(cfg,
		WithNotifier(env.notifier),
		WithRegistry(executor.NewRegistry(env.backend)),
	)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { _ = orch.Close() })
	env.orch = orch
	return env
}

func (e *testEnv) hasApproved(t *testing.T, id int64) bool {
	t.Helper()
	ok, err := e.orch.Store().HasApprovedDecision(approval.EntityTask, strconv.FormatInt(id, 10), approval.ActionStartTask)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestNewRequiresPepper(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "warden.db")
	if _, err := New(cfg); !errors.Is(err, config.ErrMissingPepper) {
		t.Fatalf("New() = %v, want ErrMissingPepper", err)
	}
}

func TestCreateTaskMarksCriticalAndRequestsApproval(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	tk, err := env.orch.CreateTask(ctx, task.Draft{Title: "Fix login redirect"}, "cli")
	if err != nil {
		t.Fatalf("CreateTask() = %v", err)
	}
	if !tk.IsCritical || !tk.RequiresApproval || tk.Status != task.StatusPending {
		t.Errorf("task = %+v, want critical pending task requiring approval", tk)
	}

	pending, err := env.orch.Store().HasPendingDecision(approval.EntityTask, strconv.FormatInt(tk.ID, 10), approval.ActionStartTask, time.Now())
	if err != nil || !pending {
		t.Fatalf("pending decision = %v, %v", pending, err)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", env.notifier.count())
	}
	msg := env.notifier.msgs[0]
	if msg.To != "ops@example.com" || len(msg.Links) != 3 {
		t.Errorf("message = %+v", msg)
	}

	entries, _ := env.orch.Store().ListAudit(store.AuditFilter{EntityType: approval.EntityTask, EntityID: strconv.FormatInt(tk.ID, 10)})
	if len(entries) == 0 || entries[0].Action != "task.created" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestCreateTaskPlainTaskSkipsApproval(t *testing.T) {
	env := newEnv(t)
	tk, err := env.orch.CreateTask(context.Background(), task.Draft{Title: "Write changelog"}, "cli")
	if err != nil {
		t.Fatal(err)
	}
	if tk.IsCritical || tk.RequiresApproval {
		t.Errorf("task = %+v", tk)
	}
	if env.notifier.count() != 0 {
		t.Errorf("unexpected approval request")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newEnv(t)
	tests := []struct {
		name  string
		draft task.Draft
	}{
		{"blank title", task.Draft{Title: "  "}},
		{"bad interval", task.Draft{Title: "x", ScheduleType: "interval", ScheduleExpr: "often"}},
		{"bad cron", task.Draft{Title: "x", ScheduleType: "cron", ScheduleExpr: "* *"}},
		{"unknown schedule type", task.Draft{Title: "x", ScheduleType: "weekly", ScheduleExpr: "mon"}},
		{"unknown agent", task.Draft{Title: "x", AgentID: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.CreateTask(context.Background(), tt.draft, "cli")
			if !errors.Is(err, ErrInvalidTask) {
				t.Errorf("CreateTask() = %v, want ErrInvalidTask", err)
			}
		})
	}
}

func TestScheduledTaskDefersApproval(t *testing.T) {
	env := newEnv(t)
	tk, err := env.orch.CreateTask(context.Background(), task.Draft{
		Title: "Nightly report", RequiresApproval: true, ScheduleType: "interval", ScheduleExpr: "6h",
	}, "cli")
	if err != nil {
		t.Fatal(err)
	}
	if tk.NextRunAt == nil || time.Until(*tk.NextRunAt) < 5*time.Hour {
		t.Errorf("next run = %v, want about 6h from now", tk.NextRunAt)
	}
	if env.notifier.count() != 0 {
		t.Error("approval should wait for the scheduled-approval routine")
	}
}

func TestMoveTaskApprovalGate(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	tk, _ := env.orch.CreateTask(ctx, task.Draft{Title: "Rotate payment keys"}, "cli")

	for _, to := range []task.Status{task.StatusApproved, task.StatusRejected, task.StatusActive} {
		if _, err := env.orch.MoveTask(ctx, tk.ID, to, "cli"); !errors.Is(err, ErrApprovalRequired) {
			t.Errorf("move to %s = %v, want ErrApprovalRequired", to, err)
		}
	}
	got, _ := env.orch.Store().GetTask(tk.ID)
	if got.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestMoveTaskDashboardApprovalsRecordDecision(t *testing.T) {
	env := newEnv(t, func(c *config.Config) { c.Approval.DashboardApprovals = true })
	ctx := context.Background()
	tk, _ := env.orch.CreateTask(ctx, task.Draft{Title: "Deploy to prod"}, "cli")

	moved, err := env.orch.MoveTask(ctx, tk.ID, task.StatusApproved, "cli")
	if err != nil {
		t.Fatalf("MoveTask() = %v", err)
	}
	if moved.Status != task.StatusApproved {
		t.Errorf("status = %s", moved.Status)
	}
	if !env.hasApproved(t, tk.ID) {
		t.Error("approval must be backed by a decision")
	}

	entries, _ := env.orch.Store().ListAudit(store.AuditFilter{EntityType: "decision"})
	found := false
	for _, e := range entries {
		if e.Actor == approval.RequesterDashboard {
			found = true
		}
	}
	if !found {
		t.Errorf("no decision audited for the dashboard: %+v", entries)
	}
}

func TestMoveTaskPlainApprovalGoesThroughDecision(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	tk, _ := env.orch.CreateTask(ctx, task.Draft{Title: "Tidy README"}, "cli")

	if _, err := env.orch.MoveTask(ctx, tk.ID, task.StatusApproved, "cli"); err != nil {
		t.Fatalf("MoveTask() = %v", err)
	}
	if !env.hasApproved(t, tk.ID) {
		t.Error("expected an approved decision")
	}
}

func TestMoveTaskInvalidTransition(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	tk, _ := env.orch.CreateTask(ctx, task.Draft{Title: "Tidy README"}, "cli")
	if _, err := env.orch.MoveTask(ctx, tk.ID, task.StatusApproved, "cli"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.orch.MoveTask(ctx, tk.ID, task.StatusDone, "cli"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("approved to done = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.orch.MoveTask(ctx, 999, task.StatusDone, "cli"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown task = %v, want ErrNotFound", err)
	}

	moved, err := env.orch.MoveTask(ctx, tk.ID, task.StatusBlocked, "cli")
	if err != nil || moved.Status != task.StatusBlocked {
		t.Errorf("approved to blocked = %v, %v", moved, err)
	}
}

// A gated task is never found in an executing status without an approved
// decision, whatever sequence of operator moves is attempted.
func TestApprovalInvariantUnderOperatorMoves(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	statuses := task.ValidStatuses()

	rapid.Check(t, func(rt *rapid.T) {
		tk, err := env.orch.CreateTask(ctx, task.Draft{Title: "Security audit", RequiresApproval: true}, "rapid")
		if err != nil {
			rt.Fatal(err)
		}
		moves := rapid.SliceOfN(rapid.SampledFrom(statuses), 1, 8).Draw(rt, "moves")
		for _, to := range moves {
			_, _ = env.orch.MoveTask(ctx, tk.ID, to, "rapid")

			got, err := env.orch.Store().GetTask(tk.ID)
			if err != nil {
				rt.Fatal(err)
			}
			if task.IsExecuting(got.Status) && !env.hasApproved(t, tk.ID) {
				rt.Fatalf("task reached %s without an approved decision", got.Status)
			}
			if got.Status == task.StatusApproved && !env.hasApproved(t, tk.ID) {
				rt.Fatalf("task approved without a decision")
			}
		}
	})
}

func TestRequestApprovalSupersedes(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	tk, _ := env.orch.CreateTask(ctx, task.Draft{Title: "Release 2.0"}, "cli")

	first, _ := env.orch.Store().ListPendingDecisions(time.Now())
	issued, err := env.orch.RequestApproval(ctx, tk.ID, "cli")
	if err != nil {
		t.Fatalf("RequestApproval() = %v", err)
	}
	pending, _ := env.orch.Store().ListPendingDecisions(time.Now())
	if len(first) != 1 || len(pending) != 1 || pending[0].ID != issued.Decision.ID {
		t.Errorf("pending before = %d, after = %+v", len(first), pending)
	}

	other, _ := env.orch.CreateTask(ctx, task.Draft{Title: "plain"}, "cli")
	_, _ = env.orch.MoveTask(ctx, other.ID, task.StatusApproved, "cli")
	if _, err := env.orch.RequestApproval(ctx, other.ID, "cli"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("approved task = %v, want ErrInvalidTransition", err)
	}
}

func TestEndToEndAutoApproveAndRun(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.backend.outputs = []string{"implemented the change", "VERDICT: PASS looks good"}

	tk, err := env.orch.CreateTask(ctx, task.Draft{Title: "Add a CONTRIBUTING file"}, "cli")
	if err != nil {
		t.Fatal(err)
	}

	sched := env.orch.Scheduler()
	if err := sched.RunRoutines(ctx); err != nil {
		t.Fatalf("RunRoutines() = %v", err)
	}
	if got, _ := env.orch.Store().GetTask(tk.ID); got.Status != task.StatusApproved {
		t.Fatalf("status after routines = %s, want approved", got.Status)
	}
	if err := sched.Dispatch(ctx); err != nil {
		t.Fatalf("Dispatch() = %v", err)
	}
	sched.Wait()

	got, _ := env.orch.Store().GetTask(tk.ID)
	if got.Status != task.StatusDevDone || got.LastResult != "implemented the change" {
		t.Errorf("task = %s %q, want dev_done with the executor output", got.Status, got.LastResult)
	}
	logs, _ := env.orch.Store().ListExecutionLog(tk.ID)
	if len(logs) < 3 {
		t.Errorf("execution log has %d entries, want route, executor and review", len(logs))
	}
}

func TestResetHealthAudits(t *testing.T) {
	env := newEnv(t)
	if err := env.orch.ResetHealth(context.Background(), "cli"); err != nil {
		t.Fatal(err)
	}
	entries, _ := env.orch.Store().ListAudit(store.AuditFilter{EntityType: "health"})
	if len(entries) != 1 || entries[0].Action != "health.reset" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestCreateAgentWritesPrompts(t *testing.T) {
	env := newEnv(t)
	a := &store.Agent{Name: "reviewer", Role: "reviewing"}
	if err := env.orch.CreateAgent(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(env.cfg.Agents.PromptDir, "reviewer", "SOUL.md"))
	if err != nil {
		t.Fatalf("read SOUL.md: %v", err)
	}
	if !strings.Contains(string(data), "reviewer") {
		t.Errorf("SOUL.md = %q", data)
	}

	tk, err := env.orch.CreateTask(context.Background(), task.Draft{Title: "x", AgentID: a.ID}, "cli")
	if err != nil || tk.AgentID != a.ID {
		t.Errorf("task for agent = %+v, %v", tk, err)
	}
}

func TestPipelineFileSyncedOnNew(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pipelines.yaml")
	yaml := `pipelines:
  - name: remote-only
    active: true
    blocks:
      - type: executor
        config: {executor: remote}
      - type: done
`
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	env := newEnv(t, func(c *config.Config) { c.Pipelines.File = file })

	p, err := env.orch.Store().ActivePipeline(0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "remote-only" {
		t.Errorf("active pipeline = %s, want remote-only", p.Name)
	}
}
