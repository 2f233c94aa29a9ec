// Package events carries live state changes from the core to subscribers
// such as the websocket hub.
package events

import (
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TaskStatus       Type = "task.status"
	BlockLogged      Type = "block.logged"
	HealthChanged    Type = "health.changed"
	DecisionCreated  Type = "decision.created"
	DecisionResolved Type = "decision.resolved"
)

// Event is a single notification. Data never carries decision tokens.
type Event struct {
	Type   Type           `json:"type"`
	TaskID int64          `json:"task_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

// Publish implements Sink.
func (Discard) Publish(Event) {}

// Recorder keeps every event in memory. Tests use it as a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Sink.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
