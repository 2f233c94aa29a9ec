// Package dashboard is the terminal monitor behind `warden top`.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

const (
	refreshInterval = 2 * time.Second
	recentLogLimit  = 8
	pausedLimit     = 6
)

// Source supplies the data shown on screen. *store.Store together with a
// health monitor satisfies it through StoreSource.
type Source interface {
	Health() (health.Snapshot, error)
	CountTasksByStatus() (map[task.Status]int, error)
	ListTasks(f store.TaskFilter) ([]*store.Task, error)
	ListRecentExecutionLog(limit int) ([]*store.ExecutionLogEntry, error)
}

// HealthSnapshotter is implemented by *health.Monitor.
type HealthSnapshotter interface {
	Snapshot() (health.Snapshot, error)
}

// StoreSource reads the dashboard data from the store and the health monitor.
type StoreSource struct {
	*store.Store
	Monitor HealthSnapshotter
}

// Health implements Source.
func (s StoreSource) Health() (health.Snapshot, error) {
	return s.Monitor.Snapshot()
}

// Data is one refresh worth of dashboard state.
type Data struct {
	Health health.Snapshot
	Counts map[task.Status]int
	Paused []*store.Task
	Recent []*store.ExecutionLogEntry
	At     time.Time
}

// Load reads every panel's data from src.
func Load(src Source) (*Data, error) {
	snap, err := src.Health()
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	counts, err := src.CountTasksByStatus()
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	paused, err := src.ListTasks(store.TaskFilter{
		Statuses: []task.Status{task.StatusPausedLimit, task.StatusQueuedForClaude},
		Limit:    pausedLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("paused tasks: %w", err)
	}
	recent, err := src.ListRecentExecutionLog(recentLogLimit)
	if err != nil {
		return nil, fmt.Errorf("execution log: %w", err)
	}
	return &Data{Health: snap, Counts: counts, Paused: paused, Recent: recent, At: time.Now()}, nil
}

type tickMsg time.Time

type dataMsg struct {
	data *Data
	err  error
}

// Model is the bubbletea model for `warden top`.
type Model struct {
	source  Source
	version string

	data     *Data
	err      error
	width    int
	quitting bool
}

// NewModel creates a dashboard reading from src.
func NewModel(version string, src Source) Model {
	return Model{source: src, version: version}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), tickCmd(), tea.EnterAltScreen)
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) loadCmd() tea.Cmd {
	src := m.source
	return func() tea.Msg {
		d, err := Load(src)
		return dataMsg{data: d, err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.loadCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.loadCmd(), tickCmd())

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.data = msg.data
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return "warden top stopped.\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  warden %s", m.version)))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(failedStyle.Render("  refresh failed: " + m.err.Error()))
		b.WriteString("\n\n")
	}
	if m.data == nil {
		b.WriteString(dimStyle.Render("  loading..."))
		b.WriteString("\n\n")
	} else {
		b.WriteString(renderHealth(m.data.Health, m.data.At))
		b.WriteString("\n")
		b.WriteString(renderCounts(m.data.Counts))
		b.WriteString("\n")
		b.WriteString(renderPaused(m.data.Paused))
		b.WriteString("\n")
		b.WriteString(renderRecent(m.data.Recent))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit  r: refresh"))
	return b.String()
}

func renderHealth(s health.Snapshot, now time.Time) string {
	w := panelInnerWidth
	var c strings.Builder

	style := okStyle
	switch s.State {
	case health.StateDegraded:
		style = warningStyle
	case health.StateDailyLimitHit, health.StateUnavailable, health.StateAuthFailed:
		style = failedStyle
	}
	c.WriteString(dotLeaderStyled("State", string(s.State), style, w))
	c.WriteString("\n")
	c.WriteString(dotLeader("Consecutive failures", fmt.Sprintf("%d", s.ConsecutiveFailures), w))

	if s.LastFailureAt != nil {
		c.WriteString("\n")
		ago := formatDurationCompact(now.Sub(*s.LastFailureAt)) + " ago"
		if s.LastFailureKind != "" {
			ago = string(s.LastFailureKind) + ", " + ago
		}
		c.WriteString(dotLeader("Last failure", ago, w))
	}
	if s.DailyResetAt != nil && s.State == health.StateDailyLimitHit {
		c.WriteString("\n")
		c.WriteString(dotLeader("Resets in", formatDurationCompact(s.DailyResetAt.Sub(now)), w))
	}
	if s.LastError != "" {
		c.WriteString("\n")
		c.WriteString("  " + dimStyle.Render(truncateVisual(s.LastError, w-2)))
	}
	return renderPanel("CLI health", c.String())
}

// countOrder is the display order of the task counts panel.
var countOrder = []task.Status{
	task.StatusPending, task.StatusApproved, task.StatusActive,
	task.StatusPausedLimit, task.StatusQueuedForClaude,
	task.StatusDevDone, task.StatusReview, task.StatusBlocked,
	task.StatusDone, task.StatusRejected,
}

func renderCounts(counts map[task.Status]int) string {
	w := panelInnerWidth
	lines := make([]string, 0, len(countOrder))
	for _, st := range countOrder {
		n := counts[st]
		value := fmt.Sprintf("%d", n)
		switch {
		case n > 0 && (task.IsPaused(st) || st == task.StatusBlocked):
			lines = append(lines, dotLeaderStyled(string(st), value, warningStyle, w))
		default:
			lines = append(lines, dotLeader(string(st), value, w))
		}
	}
	return renderPanel("Tasks", strings.Join(lines, "\n"))
}

func renderPaused(tasks []*store.Task) string {
	if len(tasks) == 0 {
		return renderPanel("Paused", dimStyle.Render("  nothing paused"))
	}
	lines := make([]string, 0, len(tasks)*2)
	for _, t := range tasks {
		head := fmt.Sprintf("  #%d %s", t.ID, t.Title)
		lines = append(lines, truncateVisual(head, panelInnerWidth-len(t.Status)-1)+" "+warningStyle.Render(string(t.Status)))

		detail := t.LastError
		if t.LastFailureKind != "" {
			detail = "[" + t.LastFailureKind + "] " + detail
		}
		if detail != "" {
			lines = append(lines, "    "+dimStyle.Render(truncateVisual(detail, panelInnerWidth-4)))
		}
	}
	return renderPanel("Paused", strings.Join(lines, "\n"))
}

func renderRecent(entries []*store.ExecutionLogEntry) string {
	if len(entries) == 0 {
		return renderPanel("Recent blocks", dimStyle.Render("  no executions yet"))
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		mark := okStyle.Render("✓")
		if !e.Success {
			mark = failedStyle.Render("✗")
		}
		desc := fmt.Sprintf("#%d %s[%d] %s", e.TaskID, e.BlockType, e.BlockIndex, e.Backend)
		switch {
		case e.Verdict != "":
			desc += " " + e.Verdict
		case e.FailureKind != "":
			desc += " " + e.FailureKind
		}
		prefix := "  " + e.StartedAt.Local().Format("15:04:05") + " "
		lines = append(lines, prefix+mark+" "+truncateVisual(desc, panelInnerWidth-len(prefix)-2))
	}
	return renderPanel("Recent blocks", strings.Join(lines, "\n"))
}
