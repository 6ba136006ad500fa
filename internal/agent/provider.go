package agent

import (
	"context"
	"encoding/json"

	"github.com/pi-run/pi/pkg/models"
)

// ReasoningLevel is the provider-agnostic knob for extended thinking
// depth. Models without reasoning support ignore it.
type ReasoningLevel string

const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

// Anthropic-style thinking budgets, in tokens, for each ReasoningLevel.
const (
	ThinkingBudgetLow    = 2048
	ThinkingBudgetMedium = 8192
	ThinkingBudgetHigh   = 24576
)

// ThinkingBudgetFor maps a ReasoningLevel to an Anthropic-style token
// budget. Returns 0 (disabled) for an empty or unrecognised level.
func ThinkingBudgetFor(level ReasoningLevel) int {
	switch level {
	case ReasoningLow:
		return ThinkingBudgetLow
	case ReasoningMedium:
		return ThinkingBudgetMedium
	case ReasoningHigh:
		return ThinkingBudgetHigh
	default:
		return 0
	}
}

// GeminiThinkingBudget maps a ReasoningLevel to genai's dynamic-thinking
// budget convention: every recognised level (low, medium, high) returns
// -1, which lets the model decide; no proportional token count is
// computed for any level. An empty or unrecognised level returns 0.
func GeminiThinkingBudget(level ReasoningLevel) int {
	switch level {
	case "":
		return 0
	case ReasoningLow, ReasoningMedium, ReasoningHigh:
		return -1
	default:
		return 0
	}
}

// Model describes an available LLM model and its capabilities, matching
// the session configuration shape of the model catalog.
type Model struct {
	ID            string
	Provider      string
	API           string
	BaseURL       string
	ContextWindow int
	MaxTokens     int
	Reasoning     bool
	Cost          models.Cost
	Input         []string // "text", "image"
}

// ToolSpec is the provider-facing projection of a registered tool: its
// name, description and JSON-Schema parameters. Execution lives in the
// tool registry, not here.
type ToolSpec struct {
	Name        string
	Label       string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest is a provider-normalised request, built from the
// transcript after cross-provider normalisation (normalize.go) has run.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolSpec
	MaxTokens int
	Reasoning ReasoningLevel
}

// AssistantMessageEventType discriminates the normalised streaming
// events every provider adapter emits.
type AssistantMessageEventType string

const (
	EventStart         AssistantMessageEventType = "start"
	EventTextStart     AssistantMessageEventType = "text_start"
	EventTextDelta     AssistantMessageEventType = "text_delta"
	EventTextEnd       AssistantMessageEventType = "text_end"
	EventThinkingStart AssistantMessageEventType = "thinking_start"
	EventThinkingDelta AssistantMessageEventType = "thinking_delta"
	EventThinkingEnd   AssistantMessageEventType = "thinking_end"
	EventToolCallDelta AssistantMessageEventType = "tool_call_delta"
	EventToolCall      AssistantMessageEventType = "toolCall"
	EventDone          AssistantMessageEventType = "done"
	EventError         AssistantMessageEventType = "error"
)

// AssistantMessageEvent is one normalised event from a provider stream.
// Only the fields relevant to Type are populated.
type AssistantMessageEvent struct {
	Type AssistantMessageEventType

	Model    string // start
	Provider string // start

	Content string // text_end / thinking_end: cumulative text so far
	Delta   string // text_delta / thinking_delta: incremental delta

	// ToolCall carries the tool call for both tool_call_delta and toolCall
	// events. For tool_call_delta, Arguments holds a best-effort partial
	// parse of the argument bytes that have arrived so far (see
	// internal/streamjson) — a structural prefix of the final value, not
	// the complete arguments. For toolCall, Arguments is the complete,
	// strictly-parsed value.
	ToolCall *models.ToolCall

	StopReason models.StopReason        // done
	Message    *models.AssistantMessage // done: final accumulated message

	Err error // error
}

// Provider is the contract every LLM backend adapter implements: stream
// a completion and normalise its wire events into AssistantMessageEvent,
// preserving opaque per-block signatures for same-provider replay.
//
// Implementations must be safe for concurrent use: Stream may be called
// concurrently for different turns.
type Provider interface {
	// Name identifies the provider, e.g. "anthropic", "openai", "google".
	Name() string

	// API identifies the wire style: "anthropic", "completions",
	// "responses" or "gemini". Used by normalize.go to decide whether a
	// message is "same provider" for signature-preservation purposes.
	API() string

	Models() []Model
	SupportsTools() bool

	// Stream sends a request and returns a channel of normalised events.
	// The channel is closed after a `done` or `error` event.
	//
	// Closing cancel mid-stream stops the adapter reading further from
	// the transport; it must then emit `done{stopReason: aborted}` with
	// whatever usage it has observed so far (see the usage-on-abort
	// contract: Anthropic/Gemini-style adapters report partial usage,
	// completions/responses-style report zero, since their usage only
	// arrives in the terminal chunk they never received).
	Stream(ctx context.Context, req *CompletionRequest, cancel <-chan struct{}) (<-chan *AssistantMessageEvent, error)
}
