// Package health tracks availability of the CLI backend and runs preflight
// checks for `warden doctor`.
//
// The Monitor is a small state machine persisted as a singleton row. State
// changes that depend only on time (midnight reset of a daily limit, cooldown
// after repeated failures) are applied lazily whenever the state is read, so
// no background timer is needed.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/store"
)

// State is the availability classification of the CLI backend.
type State string

const (
	StateHealthy       State = "HEALTHY"
	StateDegraded      State = "DEGRADED"
	StateDailyLimitHit State = "DAILY_LIMIT_HIT"
	StateUnavailable   State = "UNAVAILABLE"
	StateAuthFailed    State = "AUTH_FAILED"
)

// Usable reports whether CLI blocks may run in this state.
func (s State) Usable() bool {
	return s == StateHealthy || s == StateDegraded
}

// AllStates lists every state, for metrics and display.
func AllStates() []State {
	return []State{StateHealthy, StateDegraded, StateDailyLimitHit, StateUnavailable, StateAuthFailed}
}

// FailureKind classifies a failed backend invocation.
type FailureKind string

const (
	FailureRateLimit FailureKind = "rate_limit"
	FailureQuota     FailureKind = "quota"
	FailureAuth      FailureKind = "auth"
	FailureTimeout   FailureKind = "timeout"
	FailureError     FailureKind = "error"
	FailureConfig    FailureKind = "config"
	FailureCanceled  FailureKind = "canceled" // caller gave up, not a CLI signal
)

// Persister loads and saves the singleton health row. *store.Store implements it.
type Persister interface {
	LoadHealth() (*store.HealthRecord, error)
	SaveHealth(*store.HealthRecord) error
}

// Config tunes the monitor.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	Now              func() time.Time
	OnStateChange    func(from, to State)
}

// DefaultConfig returns five failures and a thirty minute cooldown.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Minute,
	}
}

// Snapshot is a read-only view of the health record.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	LastFailureAt       *time.Time
	LastResetAt         *time.Time
	DailyResetAt        *time.Time
	LastFailureKind     FailureKind
	LastError           string
}

// Monitor is the CLI circuit breaker. The record is re-read on every call so
// resets issued by another process (warden health reset) take effect.
type Monitor struct {
	persist Persister
	config  Config

	mu sync.Mutex
}

// NewMonitor creates a monitor over the given persister.
func NewMonitor(p Persister, cfg Config) *Monitor {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{persist: p, config: cfg}
}

// State returns the current state after applying any due auto-transition.
func (m *Monitor) State() (State, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return "", err
	}
	return snap.State, nil
}

// Usable reports whether CLI blocks may run now. Read errors count as unusable.
func (m *Monitor) Usable() bool {
	st, err := m.State()
	if err != nil {
		logging.WithComponent("health").Warn("failed to read CLI health", "error", err)
		return false
	}
	return st.Usable()
}

// Snapshot returns the full record after applying any due auto-transition.
func (m *Monitor) Snapshot() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, from, err := m.load()
	if err != nil {
		return Snapshot{}, err
	}
	if State(rec.State) != from {
		if err := m.save(rec, from); err != nil {
			return Snapshot{}, err
		}
	}
	return toSnapshot(rec), nil
}

// RecordSuccess clears the failure counter and returns the monitor to
// HEALTHY. AUTH_FAILED is kept until Reset.
func (m *Monitor) RecordSuccess() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, from, err := m.load()
	if err != nil {
		return err
	}

	rec.ConsecutiveFailures = 0
	if State(rec.State) != StateAuthFailed {
		rec.State = string(StateHealthy)
		rec.QuotaExhausted = false
		rec.DailyResetAt = nil
	}
	return m.save(rec, from)
}

// RecordFailure counts a failed CLI invocation and reclassifies the state by kind.
func (m *Monitor) RecordFailure(kind FailureKind, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, from, err := m.load()
	if err != nil {
		return err
	}

	now := m.config.Now()
	rec.ConsecutiveFailures++
	rec.LastFailureAt = &now
	rec.LastFailureKind = string(kind)
	rec.LastError = store.Truncate(errText, 500)

	current := State(rec.State)
	switch {
	case kind == FailureAuth:
		rec.State = string(StateAuthFailed)
		rec.AuthFailed = true
	case current == StateAuthFailed:
		// sticky until Reset
	case kind == FailureQuota:
		reset := nextUTCMidnight(now)
		rec.State = string(StateDailyLimitHit)
		rec.QuotaExhausted = true
		rec.DailyResetAt = &reset
	case current == StateHealthy || current == StateDegraded:
		if rec.ConsecutiveFailures >= m.config.FailureThreshold {
			rec.State = string(StateUnavailable)
		} else if kind == FailureRateLimit {
			rec.State = string(StateDegraded)
		}
	}

	return m.save(rec, from)
}

// Reset clears every failure flag and returns to HEALTHY. It is the only
// way out of AUTH_FAILED.
func (m *Monitor) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, from, err := m.load()
	if err != nil {
		return err
	}

	now := m.config.Now()
	rec.State = string(StateHealthy)
	rec.ConsecutiveFailures = 0
	rec.QuotaExhausted = false
	rec.AuthFailed = false
	rec.DailyResetAt = nil
	rec.LastResetAt = &now
	return m.save(rec, from)
}

// load reads the record and applies due auto-transitions in memory. It
// returns the state as stored so callers can detect a change.
func (m *Monitor) load() (*store.HealthRecord, State, error) {
	rec, err := m.persist.LoadHealth()
	if err != nil {
		return nil, "", fmt.Errorf("load health: %w", err)
	}
	if rec.State == "" {
		rec.State = string(StateHealthy)
	}
	stored := State(rec.State)
	now := m.config.Now()

	switch stored {
	case StateDailyLimitHit:
		if rec.DailyResetAt == nil || !now.Before(*rec.DailyResetAt) {
			m.autoReset(rec, now)
		}
	case StateUnavailable:
		if rec.LastFailureAt == nil || now.Sub(*rec.LastFailureAt) >= m.config.Cooldown {
			m.autoReset(rec, now)
		}
	}
	return rec, stored, nil
}

func (m *Monitor) autoReset(rec *store.HealthRecord, now time.Time) {
	rec.State = string(StateHealthy)
	rec.ConsecutiveFailures = 0
	rec.QuotaExhausted = false
	rec.DailyResetAt = nil
	rec.LastResetAt = &now
}

func (m *Monitor) save(rec *store.HealthRecord, from State) error {
	if err := m.persist.SaveHealth(rec); err != nil {
		return fmt.Errorf("save health: %w", err)
	}

	to := State(rec.State)
	if to != from {
		logging.WithComponent("health").Info("CLI health changed",
			"from", from, "to", to, "failures", rec.ConsecutiveFailures, "kind", rec.LastFailureKind)
		if m.config.OnStateChange != nil {
			m.config.OnStateChange(from, to)
		}
	}
	return nil
}

func toSnapshot(rec *store.HealthRecord) Snapshot {
	return Snapshot{
		State:               State(rec.State),
		ConsecutiveFailures: rec.ConsecutiveFailures,
		LastFailureAt:       rec.LastFailureAt,
		LastResetAt:         rec.LastResetAt,
		DailyResetAt:        rec.DailyResetAt,
		LastFailureKind:     FailureKind(rec.LastFailureKind),
		LastError:           rec.LastError,
	}
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
