package agent

import (
	"fmt"
	"sync"

	"github.com/pi-run/pi/pkg/models"
)

// Transcript is the ordered, invariant-preserving conversation history.
// Mutation is exclusive to append, appendToolResult, replacePrefix and
// setInFlightAssistant; every other component receives read-only
// snapshots via Snapshot.
//
// Invariants held after every mutation:
//  1. every ToolCall in an AssistantMessage has exactly one matching
//     ToolResultMessage later in the transcript, or the assistant
//     message is the last entry and its turn is still running.
//  2. ToolResultMessages for a given assistant message appear
//     contiguously immediately after it, before the next Assistant or
//     User message.
//  3. no ToolResultMessage exists without a preceding unresolved
//     ToolCall of the same id.
//  4. CompactionSummaryMessage appears only as a top-level entry, never
//     between a tool call and its results.
//  5. insertion order is preserved for all downstream consumers.
type Transcript struct {
	mu       sync.RWMutex
	messages []models.Message

	// inFlight is the streaming scratch assistant message, not yet part
	// of messages; set by setInFlightAssistant and cleared on append.
	inFlight *models.AssistantMessage
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Snapshot returns a read-only copy of the current messages. The
// in-flight assistant scratch, if any, is appended as the last entry.
func (t *Transcript) Snapshot() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	if t.inFlight != nil {
		out = append(out, *t.inFlight)
	}
	return out
}

// Len returns the number of committed (non-in-flight) messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// setInFlightAssistant records the streaming scratch state for the
// assistant message currently being produced. It is not part of the
// committed transcript until append is called with the final message.
func (t *Transcript) setInFlightAssistant(partial *models.AssistantMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = partial
}

// append commits a message to the end of the transcript. Appending an
// AssistantMessage clears any in-flight scratch for it.
func (t *Transcript) append(msg models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := msg.(models.AssistantMessage); ok {
		t.inFlight = nil
	}
	if cs, ok := msg.(models.CompactionSummaryMessage); ok {
		_ = cs // invariant 4: top-level entries only ever arrive via append/replacePrefix
	}
	t.messages = append(t.messages, msg)
	return nil
}

// appendToolResult commits a ToolResultMessage, enforcing invariant 3:
// it must match an unresolved ToolCall from the most recent
// AssistantMessage, and invariant 2: it is appended contiguously after
// that assistant message and any sibling results already appended for
// it.
func (t *Transcript) appendToolResult(res models.ToolResultMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	callIdx, resolved := t.findUnresolvedToolCall(res.ToolCallID)
	if callIdx < 0 {
		return fmt.Errorf("appendToolResult: no unresolved ToolCall with id %q", res.ToolCallID)
	}
	if resolved {
		return fmt.Errorf("appendToolResult: ToolCall %q already has a result", res.ToolCallID)
	}
	for _, m := range t.messages[callIdx+1:] {
		if _, ok := m.(models.ToolResultMessage); !ok {
			return fmt.Errorf("appendToolResult: ToolCall %q is not in the most recent assistant message", res.ToolCallID)
		}
	}
	t.messages = append(t.messages, res)
	return nil
}

// findUnresolvedToolCall scans backward for the nearest AssistantMessage
// carrying a ToolCall with the given id, returning its index and whether
// it is already resolved by a prior ToolResultMessage.
func (t *Transcript) findUnresolvedToolCall(toolCallID string) (idx int, resolved bool) {
	resultIDs := make(map[string]bool)
	for i := len(t.messages) - 1; i >= 0; i-- {
		switch m := t.messages[i].(type) {
		case models.ToolResultMessage:
			resultIDs[m.ToolCallID] = true
		case models.AssistantMessage:
			for _, tc := range m.ToolCalls() {
				if tc.ID == toolCallID {
					return i, resultIDs[toolCallID]
				}
			}
		}
	}
	return -1, false
}

// replacePrefix replaces the first n committed messages with a single
// CompactionSummaryMessage. n must land on a tool-pair boundary: it may
// not split an AssistantMessage from any of its ToolResultMessages.
func (t *Transcript) replacePrefix(n int, summary models.CompactionSummaryMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n < 0 || n > len(t.messages) {
		return fmt.Errorf("replacePrefix: n=%d out of range [0,%d]", n, len(t.messages))
	}
	if n > 0 && n < len(t.messages) {
		if _, ok := t.messages[n].(models.ToolResultMessage); ok {
			return fmt.Errorf("replacePrefix: cut point %d splits a tool-call/result pair", n)
		}
	}
	rest := make([]models.Message, len(t.messages)-n)
	copy(rest, t.messages[n:])
	t.messages = append([]models.Message{summary}, rest...)
	return nil
}

// CutPointAtToolBoundary advances a candidate cut point forward until it
// lands after a complete tool-call/result run, never inside one. Used by
// the compactor (invariant 4) before calling replacePrefix.
func (t *Transcript) CutPointAtToolBoundary(candidate int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if candidate <= 0 || candidate >= len(t.messages) {
		return candidate
	}
	for candidate < len(t.messages) {
		if _, ok := t.messages[candidate].(models.ToolResultMessage); !ok {
			break
		}
		candidate++
	}
	return candidate
}

// UnresolvedToolCalls returns the ToolCall blocks of the final message,
// when it is an AssistantMessage, that have no matching ToolResultMessage
// yet (invariant 1).
func (t *Transcript) UnresolvedToolCalls() []models.ToolCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return nil
	}
	last, ok := t.messages[len(t.messages)-1].(models.AssistantMessage)
	if !ok {
		return nil
	}
	resultIDs := make(map[string]bool)
	for _, m := range t.messages {
		if r, ok := m.(models.ToolResultMessage); ok {
			resultIDs[r.ToolCallID] = true
		}
	}
	var out []models.ToolCall
	for _, tc := range last.ToolCalls() {
		if !resultIDs[tc.ID] {
			out = append(out, tc)
		}
	}
	return out
}
