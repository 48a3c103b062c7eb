// Package stream defines the client-facing output Sink: the external
// interface the loop controller and subagent spawner push typed events
// through, distinct from the internal hook bus in agent/hooks.
package stream

import (
	"context"
	"sync"
)

// Sink delivers events to a caller's output stream. Implementations must be
// safe for concurrent use: sibling subagents send through the same Sink
// from independent goroutines.
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// EventType enumerates the event kinds a Sink can deliver.
type EventType string

const (
	EventText            EventType = "text"
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventSubagentStart   EventType = "subagent_start"
	EventSubagentFinish  EventType = "subagent_finish"
	EventError           EventType = "error"
)

// Event is the payload sent across the streaming channel. AgentID/AgentType
// identify the emitting agent; ParentAgentID is set on events forwarded
// from a child run, decorated with the spawning agent's id.
type Event struct {
	Type EventType

	RunID         string
	AgentID       string
	AgentType     string
	ParentAgentID string

	Text string

	ToolCallID string
	ToolName   string
	Input      map[string]any

	ToolResult any
	IsError    bool

	Message string
}

// NewText builds an EventText.
func NewText(runID, agentID, text string) Event {
	return Event{Type: EventText, RunID: runID, AgentID: agentID, Text: text}
}

// NewToolCall builds an EventToolCall.
func NewToolCall(runID, agentID, toolCallID, toolName string, input map[string]any) Event {
	return Event{Type: EventToolCall, RunID: runID, AgentID: agentID, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}

// NewToolResult builds an EventToolResult.
func NewToolResult(runID, agentID, toolCallID string, result any, isError bool) Event {
	return Event{Type: EventToolResult, RunID: runID, AgentID: agentID, ToolCallID: toolCallID, ToolResult: result, IsError: isError}
}

// NewSubagentStart builds an EventSubagentStart.
func NewSubagentStart(runID, agentID, agentType, parentAgentID string) Event {
	return Event{Type: EventSubagentStart, RunID: runID, AgentID: agentID, AgentType: agentType, ParentAgentID: parentAgentID}
}

// NewSubagentFinish builds an EventSubagentFinish.
func NewSubagentFinish(runID, agentID, agentType, parentAgentID string) Event {
	return Event{Type: EventSubagentFinish, RunID: runID, AgentID: agentID, AgentType: agentType, ParentAgentID: parentAgentID}
}

// NewError builds an EventError.
func NewError(runID, agentID, message string) Event {
	return Event{Type: EventError, RunID: runID, AgentID: agentID, Message: message}
}

// Multi fans a single Send/Close out to several Sinks, used when a run must
// feed both a live client connection and a recording sink.
type Multi []Sink

func (m Multi) Send(ctx context.Context, event Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Send(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) Close(ctx context.Context) error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard is a Sink that drops every event, useful for tests and for
// programmatic sandboxed steps that have no client connection.
type Discard struct{}

func (Discard) Send(context.Context, Event) error { return nil }
func (Discard) Close(context.Context) error        { return nil }

// Recorder is a Sink that appends every event to an in-memory slice,
// useful for tests asserting event/message ordering. Safe for concurrent
// Send calls, since sibling subagent runs share one Sink.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Send(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
	return nil
}

func (r *Recorder) Close(context.Context) error { return nil }

// Snapshot returns a copy of the events recorded so far, safe to read while
// sends may still be in flight.
func (r *Recorder) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.Events))
	copy(out, r.Events)
	return out
}
