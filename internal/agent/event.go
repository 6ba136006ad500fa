package agent

import (
	"sync"

	"github.com/pi-run/pi/pkg/models"
)

// SessionEventType discriminates the events a Session broadcasts to its
// subscribers.
type SessionEventType string

const (
	EventMessageUpdate SessionEventType = "message_update"
	EventToolExecStart SessionEventType = "tool_execution_start"
	EventToolExecEnd   SessionEventType = "tool_execution_end"
	EventTurnStart     SessionEventType = "turn_start"
	EventTurnEnd       SessionEventType = "turn_end"
	EventAgentStart    SessionEventType = "agent_start"
	EventAgentEnd      SessionEventType = "agent_end"
	EventCompaction    SessionEventType = "compaction"
	EventErrorEvent    SessionEventType = "error"
	EventHookError     SessionEventType = "hook_error"
)

// SessionEvent is one broadcast event. Only the fields relevant to Type
// are populated.
type SessionEvent struct {
	Type SessionEventType

	// message_update
	Stream *AssistantMessageEvent

	// tool_execution_start / tool_execution_end
	ToolCall   *models.ToolCall
	ToolResult *models.ToolResultMessage

	// compaction
	TokensBefore int
	TokensAfter  int
	Summary      string

	// error / hook_error
	Err       error
	HookEvent string

	// agent_start / agent_end
	Transcript []models.Message
}

// Subscriber receives SessionEvents. Implementations must not block:
// the scheduler delivers events synchronously from its own thread of
// control, so a slow subscriber throttles the turn (§5's intentional
// simple backpressure model) — buffer internally if async delivery is
// needed.
type Subscriber interface {
	OnSessionEvent(e SessionEvent)
}

// SubscriberFunc adapts an ordinary function to a Subscriber.
type SubscriberFunc func(e SessionEvent)

func (f SubscriberFunc) OnSessionEvent(e SessionEvent) { f(e) }

// Subscribers is a synchronous broadcaster: every subscribed listener
// is invoked, in subscription order, on the caller's own goroutine.
// Panics in a subscriber are recovered so one bad listener can't take
// down a turn.
type Subscribers struct {
	mu    sync.RWMutex
	subs  map[int]Subscriber
	order []int
	next  int
}

// NewSubscribers returns an empty broadcaster.
func NewSubscribers() *Subscribers {
	return &Subscribers{subs: make(map[int]Subscriber)}
}

// Subscribe registers listener and returns an unsubscribe function.
func (s *Subscribers) Subscribe(listener Subscriber) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = listener
	s.order = append(s.order, id)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

// Emit delivers e to every current subscriber, in subscription order.
func (s *Subscribers) Emit(e SessionEvent) {
	s.mu.RLock()
	listeners := make([]Subscriber, 0, len(s.order))
	for _, id := range s.order {
		listeners = append(listeners, s.subs[id])
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		dispatchToSubscriber(l, e)
	}
}

func dispatchToSubscriber(l Subscriber, e SessionEvent) {
	defer func() { _ = recover() }()
	l.OnSessionEvent(e)
}
