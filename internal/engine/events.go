package engine

import (
	"sync"
	"time"
)

// EventType enumerates the events a run emits.
type EventType string

const (
	EventNodeStarted       EventType = "node_started"
	EventNodeCompleted     EventType = "node_completed"
	EventNodeFailed        EventType = "node_failed"
	EventBreakpointHit     EventType = "breakpoint_hit"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event is a single occurrence during a run.
type Event struct {
	Type            EventType              `json:"type"`
	NodeID          string                 `json:"node_id,omitempty"`
	NodeType        string                 `json:"node_type,omitempty"`
	ProgressPercent float64                `json:"progress_percent"`
	Timestamp       time.Time              `json:"timestamp"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// EventHandler receives events synchronously on the emitting goroutine.
// Handlers must be fast and must not block.
type EventHandler func(Event)

// EventEmitter is a per-run emitter. It is not a process-wide bus: each run
// owns its own emitter, injected into the executor and engine.
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	all      []EventHandler
}

// NewEventEmitter creates an empty emitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{handlers: make(map[EventType][]EventHandler)}
}

// On subscribes a handler to one event type.
func (e *EventEmitter) On(t EventType, h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], h)
}

// OnAny subscribes a handler to every event.
func (e *EventEmitter) OnAny(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, h)
}

// Emit delivers an event to subscribers. A missing timestamp is filled in.
func (e *EventEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	typed := e.handlers[ev.Type]
	all := e.all
	e.mu.RUnlock()
	for _, h := range typed {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
