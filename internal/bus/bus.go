// Package bus provides the in-process event fan-out between agents, the state
// store, and observers such as the dashboard websocket hub.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event type names delivered on the bus and over the event stream.
const (
	TypeState            = "state"
	TypeRoadmapUpdate    = "roadmap_update"
	TypeSpecUpdate       = "spec_update"
	TypeClaudeUpdate     = "claude_update"
	TypeTaskGroupUpdate  = "task_group_update"
	TypeTaskUpdate       = "task_update"
	TypeClaudeOutput     = "claude_output"
	TypeQuestion         = "question"
	TypeTaskComplete     = "task_complete"
	TypeMessageComplete  = "message_complete"
	TypeIdle             = "idle"
	TypeError            = "error"
	TypeShutdownProgress = "shutdown_progress"
)

// Event is a typed notification with an arbitrary JSON-serializable payload.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"ts"`
}

// Subscription is one observer's view of the bus. Events arrive on C in
// publish order per producer. A subscriber that falls behind its buffer is
// dropped (C is closed) and must resubscribe and resnapshot.
type Subscription struct {
	C  chan Event
	id int
}

// Bus is a multi-producer, multi-consumer fan-out. Publishing never blocks:
// back-pressure from slow observers must not stall the control loop or agent
// output ingestion.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe registers an observer with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		C:  make(chan Event, buffer),
		id: b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes an observer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.C)
	}
}

// Publish delivers an event to every subscriber. Subscribers whose buffers
// are full are dropped rather than blocking the producer.
func (b *Bus) Publish(eventType string, payload interface{}) {
	ev := Event{Type: eventType, Payload: payload, Time: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			delete(b.subs, id)
			close(sub.C)
			if b.logger != nil {
				b.logger.Warn("Dropping slow event subscriber", "subscriber", id, "event", eventType)
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.C)
	}
}
