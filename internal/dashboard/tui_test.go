package dashboard

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

type fakeSource struct {
	snap    health.Snapshot
	counts  map[task.Status]int
	tasks   []*store.Task
	entries []*store.ExecutionLogEntry
	err     error
	filter  store.TaskFilter
	loads   int
}

func (f *fakeSource) Health() (health.Snapshot, error) {
	f.loads++
	return f.snap, f.err
}

func (f *fakeSource) CountTasksByStatus() (map[task.Status]int, error) { return f.counts, nil }

func (f *fakeSource) ListTasks(filter store.TaskFilter) ([]*store.Task, error) {
	f.filter = filter
	return f.tasks, nil
}

func (f *fakeSource) ListRecentExecutionLog(int) ([]*store.ExecutionLogEntry, error) {
	return f.entries, nil
}

func pausedSource() *fakeSource {
	failedAt := time.Now().Add(-3 * time.Minute)
	return &fakeSource{
		snap: health.Snapshot{
			State:               health.StateDailyLimitHit,
			ConsecutiveFailures: 2,
			LastFailureAt:       &failedAt,
			LastFailureKind:     health.FailureQuota,
			LastError:           "You've hit your limit",
		},
		counts: map[task.Status]int{task.StatusPausedLimit: 1, task.StatusDone: 4},
		tasks: []*store.Task{{
			ID: 12, Title: "migrate billing", Status: task.StatusPausedLimit,
			LastError: "limit reached", LastFailureKind: "quota",
		}},
		entries: []*store.ExecutionLogEntry{{
			TaskID: 12, BlockType: "claude_cli", BlockIndex: 1, Backend: "cli",
			StartedAt: time.Now(), FailureKind: "quota",
		}},
	}
}

func TestLoadQueriesPausedStatuses(t *testing.T) {
	src := pausedSource()
	d, err := Load(src)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if len(d.Paused) != 1 || d.Counts[task.StatusDone] != 4 {
		t.Errorf("data = %+v", d)
	}
	want := []task.Status{task.StatusPausedLimit, task.StatusQueuedForClaude}
	if len(src.filter.Statuses) != len(want) {
		t.Fatalf("filter = %+v", src.filter)
	}
	for i := range want {
		if src.filter.Statuses[i] != want[i] {
			t.Errorf("filter status %d = %s, want %s", i, src.filter.Statuses[i], want[i])
		}
	}
}

func TestViewShowsPanels(t *testing.T) {
	m := NewModel("v1.0.0", pausedSource())
	updated, _ := m.Update(m.loadCmd()())
	view := updated.View()

	for _, want := range []string{
		"CLI HEALTH", "DAILY_LIMIT_HIT", "quota, 3m",
		"TASKS", "paused_limit",
		"PAUSED", "#12 migrate billing", "[quota] limit reached",
		"RECENT BLOCKS", "#12 claude_cli[1] cli quota",
		"q: quit  r: refresh",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestViewKeepsLastDataOnError(t *testing.T) {
	src := pausedSource()
	m := NewModel("dev", src)
	updated, _ := m.Update(m.loadCmd()())

	src.err = errors.New("database is locked")
	updated, _ = updated.Update(updated.(Model).loadCmd()())
	view := updated.View()

	if !strings.Contains(view, "refresh failed: health: database is locked") {
		t.Errorf("error not shown:\n%s", view)
	}
	if !strings.Contains(view, "migrate billing") {
		t.Error("previous data should stay on screen")
	}
}

func TestKeys(t *testing.T) {
	src := pausedSource()
	m := NewModel("dev", src)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd == nil {
		t.Fatal("r should trigger a refresh")
	}
	if msg, ok := cmd().(dataMsg); !ok || msg.err != nil {
		t.Errorf("refresh msg = %#v", msg)
	}

	quit, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil || !quit.(Model).quitting {
		t.Error("q should quit")
	}
	if !strings.Contains(quit.View(), "stopped") {
		t.Errorf("quit view = %q", quit.View())
	}
}

func TestEmptyPanels(t *testing.T) {
	m := NewModel("dev", &fakeSource{snap: health.Snapshot{State: health.StateHealthy}})
	updated, _ := m.Update(m.loadCmd()())
	view := updated.View()
	for _, want := range []string{"nothing paused", "no executions yet", "HEALTHY"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestPanelLinesHaveFixedWidth(t *testing.T) {
	panel := renderPaused([]*store.Task{{
		ID: 1, Title: strings.Repeat("very long title ", 10), Status: task.StatusQueuedForClaude,
		LastError: strings.Repeat("x", 200),
	}})
	for i, line := range strings.Split(panel, "\n") {
		if w := lipgloss.Width(line); w != panelTotalWidth {
			t.Errorf("line %d width = %d, want %d: %q", i, w, panelTotalWidth, line)
		}
	}
}

func TestTruncateVisual(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, ".."},
	}
	for _, tt := range tests {
		if got := truncateVisual(tt.in, tt.width); got != tt.want {
			t.Errorf("truncateVisual(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestFormatDurationCompact(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{2*time.Minute + 30*time.Second, "2m30s"},
		{5 * time.Minute, "5m"},
		{time.Hour + 5*time.Minute, "1h5m"},
		{2 * time.Hour, "2h"},
	}
	for _, tt := range tests {
		if got := formatDurationCompact(tt.d); got != tt.want {
			t.Errorf("formatDurationCompact(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
