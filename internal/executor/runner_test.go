package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alekspetrov/warden/internal/events"
	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// fakeBackend returns scripted results in order and records every request.
type fakeBackend struct {
	name    string
	mu      sync.Mutex
	results []Result
	reqs    []Request
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Execute(_ context.Context, req Request) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.results) == 0 {
		return failed(health.FailureError, "no scripted result", 0)
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func ok(out string) Result { return Result{Success: true, Output: out} }

// fakeGate is a HealthGate with a settable state.
type fakeGate struct {
	state     health.State
	successes int
	failures  []health.FailureKind
}

func (g *fakeGate) State() (health.State, error) { return g.state, nil }
func (g *fakeGate) RecordSuccess() error         { g.successes++; return nil }
func (g *fakeGate) RecordFailure(kind health.FailureKind, _ string) error {
	g.failures = append(g.failures, kind)
	return nil
}

type harness struct {
	store  *store.Store
	remote *fakeBackend
	cli    *fakeBackend
	gate   *fakeGate
	events *events.Recorder
	runner *Runner
}

func newHarness(t *testing.T, blocks []store.Block) *harness {
	t.Helper()
	st, err := store.Open(store.DefaultDriver, filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if blocks != nil {
		if err := st.SavePipeline(&store.Pipeline{Name: "test", Active: true, Blocks: blocks}); err != nil {
			t.Fatalf("SavePipeline: %v", err)
		}
	}

	h := &harness{
		store:  st,
		remote: &fakeBackend{name: BackendTypeRemote},
		cli:    &fakeBackend{name: BackendTypeCLI},
		gate:   &fakeGate{state: health.StateHealthy},
		events: &events.Recorder{},
	}
	h.runner = NewRunner(st, NewRegistry(h.remote, h.cli), h.gate)
	h.runner.SetEventSink(h.events)
	return h
}

func (h *harness) task(t *testing.T, status task.Status) *store.Task {
	t.Helper()
	tk := &store.Task{Title: "Write release notes", Description: "Summarise the changes", Status: status}
	if err := h.store.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func (h *harness) logs(t *testing.T, id int64) []*store.ExecutionLogEntry {
	t.Helper()
	entries, err := h.store.ListExecutionLog(id)
	if err != nil {
		t.Fatalf("ListExecutionLog: %v", err)
	}
	return entries
}

func (h *harness) get(t *testing.T, id int64) *store.Task {
	t.Helper()
	tk, err := h.store.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return tk
}

func remoteBlock(typ string, cfg store.BlockConfig) store.Block {
	cfg.Executor = "remote"
	return store.Block{Type: typ, Config: cfg}
}

func TestRunRetryAfterFailedReview(t *testing.T) {
	h := newHarness(t, []store.Block{
		remoteBlock(store.BlockExecutor, store.BlockConfig{}),
		remoteBlock(store.BlockReview, store.BlockConfig{}),
		remoteBlock(store.BlockRetry, store.BlockConfig{MaxRetries: 2, IncludeReviewNotes: true}),
	})
	h.remote.results = []Result{
		ok("first draft"),
		ok("Missing the migration notes.\nVERDICT: FAIL"),
		failed(health.FailureError, "gateway returned 500", 0),
		ok("second draft"),
	}
	tk := h.task(t, task.StatusApproved)

	res, err := h.runner.Run(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.FinalOutput != "second draft" {
		t.Fatalf("result = %+v, want success with second draft", res)
	}

	entries := h.logs(t, tk.ID)
	if len(entries) != 4 {
		t.Fatalf("got %d log entries, want 4", len(entries))
	}
	want := []struct {
		typ     string
		success bool
	}{
		{store.BlockExecutor, true},
		{store.BlockReview, true},
		{store.BlockRetry, false},
		{store.BlockRetry, true},
	}
	for i, w := range want {
		if entries[i].BlockType != w.typ || entries[i].Success != w.success {
			t.Errorf("entry %d = %s/%v, want %s/%v", i, entries[i].BlockType, entries[i].Success, w.typ, w.success)
		}
	}
	if entries[1].Verdict != VerdictFail {
		t.Errorf("review verdict = %q, want FAIL", entries[1].Verdict)
	}

	if !strings.Contains(h.remote.reqs[2].Prompt, "Missing the migration notes") {
		t.Error("retry prompt should carry the review notes")
	}

	got := h.get(t, tk.ID)
	if got.Status != task.StatusDevDone {
		t.Errorf("status = %s, want dev_done", got.Status)
	}
	if got.LastResult != "second draft" {
		t.Errorf("last_result = %q", got.LastResult)
	}
	if !strings.Contains(got.ReviewSummary, "VERDICT: FAIL") {
		t.Errorf("review_summary = %q", got.ReviewSummary)
	}
}

func TestResumeStartsAtStoredIndex(t *testing.T) {
	h := newHarness(t, []store.Block{
		remoteBlock(store.BlockExecutor, store.BlockConfig{}),
		remoteBlock(store.BlockReview, store.BlockConfig{}),
		{Type: store.BlockExecutor, Config: store.BlockConfig{Executor: "claude", OnLimit: store.OnLimitStop}},
		{Type: store.BlockDone},
	})
	h.remote.results = []Result{ok("remote draft"), ok("VERDICT: PASS")}
	h.cli.results = []Result{ok("cli answer")}
	h.gate.state = health.StateDailyLimitHit
	tk := h.task(t, task.StatusApproved)

	res, err := h.runner.Run(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Paused || res.Status != task.StatusPausedLimit || res.StoppedAt != 2 {
		t.Fatalf("result = %+v, want paused_limit at block 2", res)
	}

	paused := h.get(t, tk.ID)
	if paused.Status != task.StatusPausedLimit {
		t.Fatalf("status = %s, want paused_limit", paused.Status)
	}
	if paused.ResumeBlockIndex == nil || *paused.ResumeBlockIndex != 2 {
		t.Fatalf("resume_block_index = %v, want 2", paused.ResumeBlockIndex)
	}
	if paused.LastFailureKind != string(health.StateDailyLimitHit) || paused.LastError == "" {
		t.Errorf("paused task should explain why: %q / %q", paused.LastError, paused.LastFailureKind)
	}
	before := len(h.logs(t, tk.ID))
	if before != 3 {
		t.Fatalf("got %d entries before resume, want 3", before)
	}

	h.gate.state = health.StateHealthy
	res, err = h.runner.Resume(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.FinalOutput != "cli answer" || res.Status != task.StatusDevDone {
		t.Fatalf("result = %+v", res)
	}
	if h.remote.calls() != 2 {
		t.Errorf("remote called %d times, blocks 0 and 1 must not re-run", h.remote.calls())
	}

	for _, e := range h.logs(t, tk.ID)[before:] {
		if e.BlockIndex < 2 {
			t.Errorf("resumed run logged block %d", e.BlockIndex)
		}
	}
	if h.gate.successes != 1 {
		t.Errorf("health successes = %d, want 1", h.gate.successes)
	}

	done := h.get(t, tk.ID)
	if done.ResumeBlockIndex != nil || done.ResumePipelineID != nil {
		t.Error("resume pointer should be cleared after completion")
	}
}

func TestResumeRerunsPausedRetry(t *testing.T) {
	h := newHarness(t, []store.Block{
		remoteBlock(store.BlockExecutor, store.BlockConfig{}),
		remoteBlock(store.BlockReview, store.BlockConfig{}),
		{Type: store.BlockRetry, Config: store.BlockConfig{Executor: "claude", OnLimit: store.OnLimitStop, IncludeReviewNotes: true}},
	})
	h.remote.results = []Result{ok("bad draft"), ok("Tests are missing.\nVERDICT: FAIL")}
	h.cli.results = []Result{ok("fixed draft")}
	h.gate.state = health.StateDailyLimitHit
	tk := h.task(t, task.StatusApproved)

	res, err := h.runner.Run(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Paused || res.StoppedAt != 2 {
		t.Fatalf("result = %+v, want paused at block 2", res)
	}
	before := len(h.logs(t, tk.ID))

	h.gate.state = health.StateHealthy
	res, err = h.runner.Resume(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.cli.calls() != 1 {
		t.Fatalf("cli called %d times, the paused retry must run", h.cli.calls())
	}
	if res.FinalOutput != "fixed draft" || res.Status != task.StatusDevDone {
		t.Errorf("result = %+v, want dev_done with fixed draft", res)
	}
	if !strings.Contains(h.cli.reqs[0].Prompt, "Tests are missing") {
		t.Error("resumed retry prompt should carry the stored review notes")
	}

	after := h.logs(t, tk.ID)[before:]
	if len(after) != 1 || after[0].BlockIndex != 2 || after[0].Backend != BackendTypeCLI {
		t.Errorf("resumed entries = %+v, want one CLI entry for block 2", after)
	}
}

func TestOnLimitPolicies(t *testing.T) {
	tests := []struct {
		name       string
		onLimit    string
		wantStatus task.Status
		wantPaused bool
	}{
		{"default stops", "", task.StatusPausedLimit, true},
		{"queue", store.OnLimitQueue, task.StatusQueuedForClaude, true},
		{"fallback advances", store.OnLimitFallback, task.StatusDevDone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []store.Block{
				{Type: store.BlockExecutor, Config: store.BlockConfig{Executor: "cli", OnLimit: tt.onLimit}},
				remoteBlock(store.BlockEscalate, store.BlockConfig{}),
			})
			h.gate.state = health.StateUnavailable
			h.remote.results = []Result{ok("escalated")}
			tk := h.task(t, task.StatusApproved)

			res, err := h.runner.Run(context.Background(), tk.ID, 0)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Paused != tt.wantPaused || res.Status != tt.wantStatus {
				t.Fatalf("result = %+v, want status %s paused=%v", res, tt.wantStatus, tt.wantPaused)
			}
			if got := h.get(t, tk.ID).Status; got != tt.wantStatus {
				t.Errorf("stored status = %s, want %s", got, tt.wantStatus)
			}
			if h.cli.calls() != 0 {
				t.Error("CLI must not be invoked while unavailable")
			}

			entries := h.logs(t, tk.ID)
			if entries[0].Success || entries[0].FailureKind != string(health.StateUnavailable) {
				t.Errorf("gate entry = %+v", entries[0])
			}
		})
	}
}

func TestNoOutputBlocksTask(t *testing.T) {
	h := newHarness(t, []store.Block{
		remoteBlock(store.BlockExecutor, store.BlockConfig{}),
		remoteBlock(store.BlockReview, store.BlockConfig{}),
	})
	h.remote.results = []Result{failed(health.FailureRateLimit, "gateway returned 429", 0)}
	tk := h.task(t, task.StatusApproved)

	res, err := h.runner.Run(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.Status != task.StatusBlocked {
		t.Fatalf("result = %+v, want blocked", res)
	}

	got := h.get(t, tk.ID)
	if got.Status != task.StatusBlocked || got.LastError != ReasonNoOutput {
		t.Errorf("task = %s / %q", got.Status, got.LastError)
	}

	entries := h.logs(t, tk.ID)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !entries[1].Success || entries[1].Backend != "" {
		t.Errorf("review without output should be a neutral skip: %+v", entries[1])
	}
	if h.remote.calls() != 1 {
		t.Errorf("reviewer called without output")
	}
}

func TestReviewPassSkipsToDone(t *testing.T) {
	h := newHarness(t, []store.Block{
		remoteBlock(store.BlockExecutor, store.BlockConfig{}),
		remoteBlock(store.BlockReview, store.BlockConfig{PassAction: store.PassActionSkipToDone}),
		remoteBlock(store.BlockRetry, store.BlockConfig{MaxRetries: 3}),
		{Type: store.BlockDone},
	})
	h.remote.results = []Result{ok("good work"), ok("Looks complete. VERDICT: PASS")}
	tk := h.task(t, task.StatusApproved)

	res, err := h.runner.Run(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalOutput != "good work" {
		t.Errorf("final output = %q", res.FinalOutput)
	}
	if n := len(h.logs(t, tk.ID)); n != 2 {
		t.Errorf("got %d entries, want 2", n)
	}
}

func TestRecoveryBlocksSkipWhenNotNeeded(t *testing.T) {
	h := newHarness(t, []store.Block{
		{Type: store.BlockRoute},
		remoteBlock(store.BlockExecutor, store.BlockConfig{}),
		remoteBlock(store.BlockRetry, store.BlockConfig{MaxRetries: 2}),
		{Type: store.BlockEscalate, Config: store.BlockConfig{Executor: "cli"}},
	})
	h.remote.results = []Result{ok("done first time")}
	tk := h.task(t, task.StatusApproved)

	if _, err := h.runner.Run(context.Background(), tk.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := h.logs(t, tk.ID)
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4 (route logged too)", len(entries))
	}
	for _, i := range []int{0, 2, 3} {
		if entries[i].Backend != "" || !entries[i].Success {
			t.Errorf("entry %d should be a neutral skip: %+v", i, entries[i])
		}
	}
	if h.cli.calls() != 0 || h.remote.calls() != 1 {
		t.Errorf("calls remote=%d cli=%d", h.remote.calls(), h.cli.calls())
	}
}

func TestCLIOutcomesFeedHealth(t *testing.T) {
	h := newHarness(t, []store.Block{
		{Type: store.BlockExecutor, Config: store.BlockConfig{Executor: "Claude CLI"}},
		{Type: store.BlockRetry, Config: store.BlockConfig{Executor: "cli", MaxRetries: 1}},
	})
	h.cli.results = []Result{failed(health.FailureRateLimit, "429", 0), ok("after retry")}
	tk := h.task(t, task.StatusApproved)

	if _, err := h.runner.Run(context.Background(), tk.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.gate.failures) != 1 || h.gate.failures[0] != health.FailureRateLimit {
		t.Errorf("failures = %v", h.gate.failures)
	}
	if h.gate.successes != 1 {
		t.Errorf("successes = %d", h.gate.successes)
	}

	entries := h.logs(t, tk.ID)
	if entries[0].FailureKind != string(health.FailureRateLimit) || entries[0].Backend != BackendTypeCLI {
		t.Errorf("entry 0 = %+v", entries[0])
	}
}

func TestCancelledCLIRunDoesNotFeedHealth(t *testing.T) {
	h := newHarness(t, []store.Block{
		{Type: store.BlockExecutor, Config: store.BlockConfig{Executor: "cli"}},
	})
	h.cli.results = []Result{failed(health.FailureCanceled, "cancelled: context canceled", 0)}
	tk := h.task(t, task.StatusApproved)

	if _, err := h.runner.Run(context.Background(), tk.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.gate.failures) != 0 || h.gate.successes != 0 {
		t.Errorf("health saw failures=%v successes=%d, want nothing", h.gate.failures, h.gate.successes)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	h := newHarness(t, []store.Block{remoteBlock(store.BlockExecutor, store.BlockConfig{})})
	h.remote.results = []Result{ok("out")}
	tk := h.task(t, task.StatusApproved)

	if _, err := h.runner.Run(context.Background(), tk.ID, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	statuses := h.events.OfType(events.TaskStatus)
	if len(statuses) != 2 {
		t.Fatalf("got %d status events, want 2", len(statuses))
	}
	if statuses[0].Data["to"] != "active" || statuses[1].Data["to"] != "dev_done" {
		t.Errorf("status events = %v", statuses)
	}
	if n := len(h.events.OfType(events.BlockLogged)); n != 1 {
		t.Errorf("got %d block events, want 1", n)
	}
}

func TestRunResolutionErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.runner.Run(ctx, 999, 0); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing task: err = %v", err)
	}

	pending := h.task(t, task.StatusPending)
	if _, err := h.runner.Run(ctx, pending.ID, 0); !errors.Is(err, ErrTaskNotRunnable) {
		t.Errorf("pending task: err = %v", err)
	}

	approved := h.task(t, task.StatusApproved)
	if _, err := h.runner.Resume(ctx, approved.ID); !errors.Is(err, ErrNoResumePoint) {
		t.Errorf("resume without pointer: err = %v", err)
	}

	if err := h.store.SavePipeline(&store.Pipeline{Name: store.DefaultPipelineName, Blocks: store.DefaultBlocks()}); err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}
	if _, err := h.runner.Run(ctx, approved.ID, 0); !errors.Is(err, ErrNoActivePipeline) {
		t.Errorf("no active pipeline: err = %v", err)
	}
	if got := h.get(t, approved.ID).Status; got != task.StatusApproved {
		t.Errorf("failed resolution must not change status, got %s", got)
	}
	if h.remote.calls() != 0 {
		t.Error("no block may run when resolution fails")
	}
}

func TestUnknownExecutorIsLoggedNotFatal(t *testing.T) {
	h := newHarness(t, []store.Block{
		{Type: store.BlockExecutor, Config: store.BlockConfig{Executor: "carrier-pigeon"}},
		remoteBlock(store.BlockEscalate, store.BlockConfig{}),
	})
	h.remote.results = []Result{ok("rescued")}
	tk := h.task(t, task.StatusApproved)

	res, err := h.runner.Run(context.Background(), tk.ID, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalOutput != "rescued" {
		t.Errorf("final = %q", res.FinalOutput)
	}
	entries := h.logs(t, tk.ID)
	if entries[0].FailureKind != string(health.FailureConfig) {
		t.Errorf("entry 0 failure kind = %q", entries[0].FailureKind)
	}
}
