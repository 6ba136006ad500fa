// Package hooks implements the extension lifecycle dispatcher: the
// sequential, priority-ordered, per-handler-timeout-bounded event bus
// that sits behind agent.ExtensionDispatcher.
package hooks

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies one of the fixed lifecycle points extensions may
// hook into.
type EventType string

const (
	EventSessionStart    EventType = "session_start"
	EventSessionShutdown EventType = "session_shutdown"
	EventTurnStart       EventType = "turn_start"
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventTurnEnd         EventType = "turn_end"
	EventBranch          EventType = "branch"
	EventAgentStart      EventType = "agent_start"
	EventAgentEnd        EventType = "agent_end"
)

// Event carries the data relevant to one lifecycle point. Only the
// fields relevant to Type are populated.
type Event struct {
	Type EventType

	// tool_call
	ToolName      string
	ToolArguments json.RawMessage

	// tool_result
	ToolCallID    string
	ResultContent string
	ResultIsError bool

	// branch
	BranchName    string
	BranchPayload any

	Timestamp time.Time
}

// NewEvent creates an event of the given type, stamped now.
func NewEvent(t EventType) *Event {
	return &Event{Type: t, Timestamp: time.Now()}
}

// Decision is a handler's verdict on an Event. Its meaning depends on
// Type: for tool_call, Block true short-circuits the call (first block
// wins); for branch, a non-nil Result is the first handler's answer
// that is used (first non-nil wins); other event types ignore Decision
// entirely since they have no veto semantics.
type Decision struct {
	Block  bool
	Reason string
	Result any
}

// Handler processes one Event and returns its verdict. Handlers should
// be fast; Registry.Trigger wraps each call with a timeout.
type Handler func(ctx context.Context, event *Event) (*Decision, error)

// Priority determines call order within one event's handler list; lower
// runs earlier. Extensions loaded from disk run in discovery order at
// PriorityNormal; built-ins that must observe or veto first register at
// PriorityHighest.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration is one handler bound into the registry.
type Registration struct {
	ID       string
	EventKey EventType
	Handler  Handler
	Priority Priority
	Name     string
	Source   string
	Timeout  time.Duration
}
