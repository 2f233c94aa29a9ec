package store

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/warden/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultDriver, filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "warden.db")

	s1, err := Open(DefaultDriver, path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(DefaultDriver, path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()

	pipelines, err := s2.ListPipelines()
	if err != nil {
		t.Fatal(err)
	}
	if len(pipelines) != 1 {
		t.Fatalf("expected exactly one seeded pipeline, got %d", len(pipelines))
	}
}

func TestOpenCgoDriver(t *testing.T) {
	s, err := Open("sqlite3", filepath.Join(t.TempDir(), "cgo.db"))
	if err != nil {
		if strings.Contains(err.Error(), "cgo") {
			t.Skip("cgo sqlite3 driver unavailable")
		}
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	tk := &Task{Title: "cgo"}
	if err := s.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.GetTask(tk.ID)
	if err != nil || got.Title != "cgo" {
		t.Fatalf("GetTask = %+v, %v", got, err)
	}
}

func TestTaskCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tk := &Task{
		Title:            "Rotate keys",
		Description:      "rotate prod keys",
		IsCritical:       true,
		RequiresApproval: true,
		ScheduleType:     "interval",
		ScheduleExpr:     "24h",
		NextRunAt:        &next,
	}
	if err := s.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if !got.IsCritical || !got.RequiresApproval {
		t.Error("flags not persisted")
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, next)
	}
	if got.ResumeBlockIndex != nil || got.ResumePipelineID != nil {
		t.Error("resume pointer must be empty on a new task")
	}

	if _, err := s.GetTask(9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCompareAndSetStatusSingleWinner(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "race", Status: task.StatusApproved}
	if err := s.CreateTask(tk); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSetStatus(tk.ID, []task.Status{task.StatusApproved}, task.StatusActive)
			if err != nil {
				t.Errorf("CompareAndSetStatus: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestPauseCompleteAndBlock(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "pause me", Status: task.StatusActive}
	if err := s.CreateTask(tk); err != nil {
		t.Fatal(err)
	}

	ok, err := s.PauseTask(tk.ID, task.StatusPausedLimit, 7, 2, "cli unavailable", "DAILY_LIMIT_HIT")
	if err != nil || !ok {
		t.Fatalf("PauseTask = %v, %v", ok, err)
	}
	got, _ := s.GetTask(tk.ID)
	if got.Status != task.StatusPausedLimit {
		t.Errorf("Status = %s", got.Status)
	}
	if got.ResumeBlockIndex == nil || *got.ResumeBlockIndex != 2 {
		t.Errorf("ResumeBlockIndex = %v, want 2", got.ResumeBlockIndex)
	}
	if got.ResumePipelineID == nil || *got.ResumePipelineID != 7 {
		t.Errorf("ResumePipelineID = %v, want 7", got.ResumePipelineID)
	}
	if got.LastFailureKind != "DAILY_LIMIT_HIT" {
		t.Errorf("LastFailureKind = %q", got.LastFailureKind)
	}

	// Pausing a task that is no longer active loses.
	if ok, _ := s.PauseTask(tk.ID, task.StatusQueuedForClaude, 7, 3, "", ""); ok {
		t.Error("PauseTask on a paused task must not win")
	}

	if ok, _ := s.CompareAndSetStatus(tk.ID, []task.Status{task.StatusPausedLimit}, task.StatusActive); !ok {
		t.Fatal("resume CAS failed")
	}
	if ok, err := s.CompleteTask(tk.ID, "final"); err != nil || !ok {
		t.Fatalf("CompleteTask = %v, %v", ok, err)
	}
	got, _ = s.GetTask(tk.ID)
	if got.Status != task.StatusDevDone || got.LastResult != "final" {
		t.Errorf("got %s / %q", got.Status, got.LastResult)
	}
	if got.ResumeBlockIndex != nil {
		t.Error("resume pointer must be cleared on completion")
	}

	other := &Task{Title: "block me", Status: task.StatusActive}
	_ = s.CreateTask(other)
	if ok, _ := s.BlockTask(other.ID, "pipeline_no_output"); !ok {
		t.Fatal("BlockTask failed")
	}
	got, _ = s.GetTask(other.ID)
	if got.Status != task.StatusBlocked || got.LastError != "pipeline_no_output" {
		t.Errorf("got %s / %q", got.Status, got.LastError)
	}
}

func TestListDispatchable(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)

	due := &Task{Title: "due", Status: task.StatusApproved, NextRunAt: &past}
	later := &Task{Title: "later", Status: task.StatusApproved, NextRunAt: &future}
	plain := &Task{Title: "plain", Status: task.StatusApproved}
	pending := &Task{Title: "pending"}
	for _, tk := range []*Task{due, later, plain, pending} {
		if err := s.CreateTask(tk); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := s.ListDispatchable(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("dispatchable = %d, want 2", len(tasks))
	}
	for _, tk := range tasks {
		if tk.ID == later.ID || tk.ID == pending.ID {
			t.Errorf("task %q must not be dispatchable", tk.Title)
		}
	}
}

func TestResetStaleActive(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-time.Hour)
	s.SetClock(func() time.Time { return old })

	stale := &Task{Title: "stale", Status: task.StatusActive}
	inflight := &Task{Title: "in flight", Status: task.StatusActive}
	_ = s.CreateTask(stale)
	_ = s.CreateTask(inflight)
	s.SetClock(time.Now)

	reset, err := s.ResetStaleActive(time.Now().Add(-30*time.Minute), map[int64]bool{inflight.ID: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(reset) != 1 || reset[0] != stale.ID {
		t.Fatalf("reset = %v, want [%d]", reset, stale.ID)
	}
	got, _ := s.GetTask(inflight.ID)
	if got.Status != task.StatusActive {
		t.Error("in-flight task must not be reset")
	}
}

func TestAssignAndUnblock(t *testing.T) {
	s := newTestStore(t)
	a := &Agent{Name: "dev"}
	if err := s.CreateAgent(a); err != nil {
		t.Fatal(err)
	}
	tk := &Task{Title: "unowned", Status: task.StatusApproved}
	_ = s.CreateTask(tk)

	if ok, err := s.AssignTask(tk.ID, a.ID); err != nil || !ok {
		t.Fatalf("AssignTask = %v, %v", ok, err)
	}
	if ok, _ := s.AssignTask(tk.ID, a.ID+1); ok {
		t.Error("an assigned task must not be reassigned")
	}

	blocked := &Task{Title: "stuck", Status: task.StatusActive}
	_ = s.CreateTask(blocked)
	_, _ = s.BlockTask(blocked.ID, "remote_job_failed")
	_, _ = s.IncrementRetry(blocked.ID)
	if ok, err := s.UnblockTask(blocked.ID, "retry with a smaller batch"); err != nil || !ok {
		t.Fatalf("UnblockTask = %v, %v", ok, err)
	}
	got, _ := s.GetTask(blocked.ID)
	if got.Status != task.StatusApproved || got.RetryCount != 0 || got.LastError != "" || got.ReviewSummary != "retry with a smaller batch" {
		t.Errorf("unblocked = %+v", got)
	}
	if ok, _ := s.UnblockTask(blocked.ID, "again"); ok {
		t.Error("only blocked tasks can be unblocked")
	}

	marked := &Task{Title: "Resolve", Description: "[resolve_blocked_task_id:7]\nanalyse", Status: task.StatusApproved}
	_ = s.CreateTask(marked)
	found, err := s.FindTaskByMarker("[resolve_blocked_task_id:7]")
	if err != nil || found.ID != marked.ID {
		t.Errorf("FindTaskByMarker = %v, %v", found, err)
	}
	if _, err := s.FindTaskByMarker("[resolve_blocked_task_id:70]"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing marker err = %v, want ErrNotFound", err)
	}
}

func TestActivePipelineResolution(t *testing.T) {
	s := newTestStore(t)

	def, err := s.ActivePipeline(0)
	if err != nil {
		t.Fatalf("ActivePipeline(default): %v", err)
	}
	if def.Name != DefaultPipelineName || len(def.Blocks) != len(DefaultBlocks()) {
		t.Errorf("unexpected default pipeline %q with %d blocks", def.Name, len(def.Blocks))
	}

	custom := &Pipeline{Name: "fast", Blocks: []Block{{Type: BlockExecutor, Config: BlockConfig{Executor: "cli"}}}}
	if err := s.SavePipeline(custom); err != nil {
		t.Fatal(err)
	}
	agent := &Agent{Name: "coder", PipelineID: custom.ID}
	if err := s.CreateAgent(agent); err != nil {
		t.Fatal(err)
	}

	got, err := s.ActivePipeline(agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != custom.ID {
		t.Errorf("agent pipeline = %d, want %d", got.ID, custom.ID)
	}

	// Activating another pipeline deactivates the default.
	custom.Active = true
	if err := s.SavePipeline(custom); err != nil {
		t.Fatal(err)
	}
	got, err = s.ActivePipeline(0)
	if err != nil || got.Name != "fast" {
		t.Fatalf("ActivePipeline(default) = %v, %v", got, err)
	}

	custom.Active = false
	_ = s.SavePipeline(custom)
	if _, err := s.ActivePipeline(0); !errors.Is(err, ErrNoActivePipeline) {
		t.Errorf("error = %v, want ErrNoActivePipeline", err)
	}
}

func TestExecutionLogOrderAndTruncation(t *testing.T) {
	s := newTestStore(t)

	for i, bt := range []string{BlockExecutor, BlockReview, BlockRetry} {
		e := &ExecutionLogEntry{TaskID: 1, PipelineID: 1, BlockIndex: i, BlockType: bt, Success: true}
		if bt == BlockExecutor {
			e.OutputPreview = strings.Repeat("a", previewLimit+50)
		}
		if err := s.AppendExecutionLog(e); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.AppendExecutionLog(&ExecutionLogEntry{TaskID: 2, PipelineID: 1, BlockType: BlockDone})

	entries, err := s.ListExecutionLog(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.BlockIndex != i {
			t.Errorf("entry %d has block index %d", i, e.BlockIndex)
		}
	}
	if n := len([]rune(entries[0].OutputPreview)); n != previewLimit+1 {
		t.Errorf("preview length = %d, want %d", n, previewLimit+1)
	}
}

func TestDecisionResolveOnce(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	d := &Decision{ID: "d1", EntityType: "task", EntityID: "1", Action: "start_task",
		TokenHash: "h", Salt: "s", ExpiresAt: now.Add(time.Hour), Requester: "test"}
	if err := s.InsertDecision(d); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ResolveDecision("d1", DecisionApproved, "alice", "{}", now)
	if err != nil || !ok {
		t.Fatalf("first resolve = %v, %v", ok, err)
	}
	ok, _ = s.ResolveDecision("d1", DecisionRejected, "bob", "{}", now)
	if ok {
		t.Error("second resolve must not win")
	}

	got, _ := s.GetDecision("d1")
	if got.Status != DecisionApproved || got.DecidedBy != "alice" {
		t.Errorf("decision = %s by %s", got.Status, got.DecidedBy)
	}
	if approved, _ := s.HasApprovedDecision("task", "1", "start_task"); !approved {
		t.Error("HasApprovedDecision = false")
	}
}

func TestSupersedePending(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	for _, id := range []string{"a", "b"} {
		_ = s.InsertDecision(&Decision{ID: id, EntityType: "task", EntityID: "5", Action: "start_task",
			TokenHash: "h", Salt: "s", ExpiresAt: now.Add(time.Hour)})
	}
	n, err := s.SupersedePending("task", "5", "start_task", now)
	if err != nil || n != 2 {
		t.Fatalf("SupersedePending = %d, %v", n, err)
	}
	if pending, _ := s.HasPendingDecision("task", "5", "start_task", now); pending {
		t.Error("superseded decisions still pending")
	}
	d, _ := s.GetDecision("a")
	if d.Status != DecisionPending {
		t.Errorf("superseded decision status = %s, want pending", d.Status)
	}
}

func TestHealthRoundTrip(t *testing.T) {
	s := newTestStore(t)

	h, err := s.LoadHealth()
	if err != nil {
		t.Fatal(err)
	}
	if h.State != "HEALTHY" || h.ConsecutiveFailures != 0 {
		t.Errorf("initial health = %+v", h)
	}

	failed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.State = "UNAVAILABLE"
	h.ConsecutiveFailures = 5
	h.LastFailureAt = &failed
	h.LastFailureKind = "error"
	if err := s.SaveHealth(h); err != nil {
		t.Fatal(err)
	}

	got, _ := s.LoadHealth()
	if got.State != "UNAVAILABLE" || got.ConsecutiveFailures != 5 {
		t.Errorf("health = %+v", got)
	}
	if got.LastFailureAt == nil || !got.LastFailureAt.Equal(failed) {
		t.Errorf("LastFailureAt = %v", got.LastFailureAt)
	}
}

func TestAuditFilter(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	entries := []*AuditEntry{
		{EntityType: "task", EntityID: "1", Action: "created", CreatedAt: base},
		{EntityType: "task", EntityID: "1", Action: "moved", CreatedAt: base.Add(time.Hour)},
		{EntityType: "decision", EntityID: "x", Action: "created", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		if err := s.AppendAudit(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListAudit(AuditFilter{EntityType: "task", EntityID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Action != "moved" {
		t.Fatalf("task audit = %+v", got)
	}

	got, _ = s.ListAudit(AuditFilter{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)})
	if len(got) != 1 || got[0].Action != "moved" {
		t.Fatalf("ranged audit = %+v", got)
	}
}

func TestRoutineState(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.LastRoutineRun("summary"); err != nil || ok {
		t.Fatalf("LastRoutineRun on empty = %v, %v", ok, err)
	}
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	if err := s.MarkRoutineRun("summary", at); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LastRoutineRun("summary")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("LastRoutineRun = %v, %v, %v", got, ok, err)
	}
}
