// Package timeline implements the append-only, per-run causal event log
// used to reconstruct execution and service-call graphs. Each run owns one
// Timeline; collaborators are handed a narrow interface to start/complete/
// fail a call rather than a shared global timeline state.
package timeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the recognized timeline event kinds.
type EventType string

const (
	EventRunStarted            EventType = "run_started"
	EventRunEnded              EventType = "run_ended"
	EventIterationStarted      EventType = "iteration_started"
	EventIterationEnded        EventType = "iteration_ended"
	EventStepStarted           EventType = "step_started"
	EventStepEnded             EventType = "step_ended"
	EventServiceCallStarted    EventType = "service_call_started"
	EventServiceCallCompleted  EventType = "service_call_completed"
	EventServiceCallFailed     EventType = "service_call_failed"
	EventScreenshotCaptured    EventType = "screenshot_captured"
	EventElementMatched        EventType = "element_matched"
	EventTracePullStarted      EventType = "trace_pull_started"
	EventTracePullEnded        EventType = "trace_pull_ended"
)

// Event is one append-only timeline entry.
type Event struct {
	EventID       string                 `json:"event_id"`
	Timestamp     time.Time              `json:"timestamp"`
	EventType     EventType              `json:"event_type"`
	Status        string                 `json:"status,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	DurationMS    *int64                 `json:"duration_ms,omitempty"`
	LinkedEventID string                 `json:"linked_event_id,omitempty"`
}

// Timeline is the append-only event log owned by exactly one Run.
type Timeline struct {
	mu     sync.Mutex
	events []Event
	open   map[string]time.Time // event_id -> started timestamp, for *_started entries
}

// New creates an empty Timeline.
func New() *Timeline {
	return &Timeline{open: make(map[string]time.Time)}
}

// Append records a standalone event (no started/completed pairing) and
// returns its event_id.
func (t *Timeline) Append(eventType EventType, status string, metadata map[string]interface{}, linkedEventID string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.events = append(t.events, Event{
		EventID:       id,
		Timestamp:     time.Now(),
		EventType:     eventType,
		Status:        status,
		Metadata:      metadata,
		LinkedEventID: linkedEventID,
	})
	t.mu.Unlock()
	return id
}

// Start records a "*_started" event and returns its event_id, to be passed
// to Complete or Fail to close the pair.
func (t *Timeline) Start(eventType EventType, metadata map[string]interface{}, linkedEventID string) string {
	id := uuid.NewString()
	now := time.Now()
	t.mu.Lock()
	t.events = append(t.events, Event{
		EventID:       id,
		Timestamp:     now,
		EventType:     eventType,
		Metadata:      metadata,
		LinkedEventID: linkedEventID,
	})
	t.open[id] = now
	t.mu.Unlock()
	return id
}

// Complete closes a started event with the paired "*_completed" event type,
// carrying the elapsed duration since Start.
func (t *Timeline) Complete(startEventID string, completedType EventType, metadata map[string]interface{}) {
	t.closePair(startEventID, completedType, "success", metadata)
}

// Fail closes a started event with the paired "*_failed" event type.
func (t *Timeline) Fail(startEventID string, failedType EventType, metadata map[string]interface{}) {
	t.closePair(startEventID, failedType, "failure", metadata)
}

func (t *Timeline) closePair(startEventID string, eventType EventType, status string, metadata map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.open[startEventID]
	var durationMS int64
	if ok {
		durationMS = time.Since(started).Milliseconds()
		if durationMS < 0 {
			durationMS = 0
		}
		delete(t.open, startEventID)
	}
	t.events = append(t.events, Event{
		EventID:       uuid.NewString(),
		Timestamp:     time.Now(),
		EventType:     eventType,
		Status:        status,
		Metadata:      metadata,
		DurationMS:    &durationMS,
		LinkedEventID: startEventID,
	})
}

// Events returns a snapshot of all recorded events in append order.
func (t *Timeline) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// MarshalJSON serializes the timeline as {"events": [...]} for
// timeline.json.
func (t *Timeline) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Events []Event `json:"events"`
	}{Events: t.Events()})
}

// VerifyIntegrity checks the testable-property that every
// service_call_started has exactly one matching completed/failed with a
// non-negative duration, returning a description of the first violation
// found, or "" if none.
func (t *Timeline) VerifyIntegrity() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	started := make(map[string]bool)
	closed := make(map[string]bool)
	for _, e := range t.events {
		switch e.EventType {
		case EventServiceCallStarted:
			started[e.EventID] = true
		case EventServiceCallCompleted, EventServiceCallFailed:
			if e.LinkedEventID == "" {
				return fmt.Sprintf("event %s missing linked_event_id", e.EventID)
			}
			if e.DurationMS == nil || *e.DurationMS < 0 {
				return fmt.Sprintf("event %s has invalid duration_ms", e.EventID)
			}
			closed[e.LinkedEventID] = true
		}
	}
	for id := range started {
		if !closed[id] {
			return fmt.Sprintf("service_call_started %s has no matching completed/failed", id)
		}
	}
	return ""
}
