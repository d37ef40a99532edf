package orchestrator

import (
	"sync"
	"time"
)

// StreamEventType tags events on the observer bus.
type StreamEventType string

const (
	StreamRobotStatus  StreamEventType = "robot_status"
	StreamJobUpdate    StreamEventType = "job_update"
	StreamQueueMetrics StreamEventType = "queue_metrics"
)

// StreamEvent is one broadcast item.
type StreamEvent struct {
	Type      StreamEventType        `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// subscriberBuffer bounds each observer's backlog. A subscriber that falls
// this far behind starts losing events rather than blocking the core.
const subscriberBuffer = 64

// EventBus fans orchestrator events out to subscribers over bounded
// channels. Publishing never blocks.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]chan StreamEvent
	next int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan StreamEvent)}
}

// Subscribe registers an observer. The returned cancel function must be
// called to release the subscription.
func (b *EventBus) Subscribe() (<-chan StreamEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan StreamEvent, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber, dropping it for slow ones.
func (b *EventBus) Publish(t StreamEventType, data map[string]interface{}) {
	ev := StreamEvent{Type: t, Timestamp: time.Now().UTC(), Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
