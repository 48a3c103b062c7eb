// Package hooks implements an in-process event bus for runtime
// observability. It decouples event producers (the loop controller, tool
// executor, subagent spawner) from consumers (memory stores, streaming
// sinks, telemetry exporters).
package hooks

import (
	"context"
	"sync"
	"time"
)

// EventType enumerates well-known runtime events broadcast on the bus.
type EventType string

const (
	RunStarted         EventType = "run_started"
	RunCompleted       EventType = "run_completed"
	RunPaused          EventType = "run_paused"
	RunResumed         EventType = "run_resumed"
	ToolCallScheduled  EventType = "tool_call_scheduled"
	ToolResultReceived EventType = "tool_result_received"
	PlannerNote        EventType = "planner_note"
	AssistantMessage   EventType = "assistant_message"
	RetryHintIssued    EventType = "retry_hint_issued"
	MemoryAppended     EventType = "memory_appended"
	PolicyDecision     EventType = "policy_decision"
	SubagentStarted    EventType = "subagent_started"
	SubagentFinished   EventType = "subagent_finished"
)

// Event is the payload published on the Bus: one shape with a free-form
// Data map, since every subscriber here (stream sink, memory store, otel
// exporter) only reads a handful of well-known keys rather than needing
// compile-time field access across dozens of concrete types.
type Event struct {
	Type      EventType
	RunID     string
	AgentID   string
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives published events.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, event Event) error

func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// Subscription is a handle for unregistering from the Bus.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unregister(s.id)
}

// Bus is a thread-safe fan-out event bus. Publish blocks until every
// subscriber's HandleEvent returns; the first subscriber error is returned
// to the publisher, and an error does not stop delivery to the remaining
// subscribers.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]Subscriber
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]Subscriber)}
}

// Register adds a subscriber and returns a Subscription used to remove it.
func (b *Bus) Register(sub Subscriber) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	return &Subscription{bus: b, id: id}
}

func (b *Bus) unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers event to every registered subscriber.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := s.HandleEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
