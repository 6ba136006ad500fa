package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the transcript entry variants.
type MessageType string

const (
	MessageTypeUser              MessageType = "user"
	MessageTypeAssistant         MessageType = "assistant"
	MessageTypeToolResult        MessageType = "tool_result"
	MessageTypeCompactionSummary MessageType = "compaction_summary"
	MessageTypeCustom            MessageType = "custom"
)

// Message is implemented by every transcript entry variant: UserMessage,
// AssistantMessage, ToolResultMessage, CompactionSummaryMessage and
// CustomMessageEntry. The transcript never holds anything else.
type Message interface {
	MessageType() MessageType
	messageMarker()
}

// UserMessage is a user-authored turn. Content is usually a single Text
// block but may include Image blocks for multimodal input.
type UserMessage struct {
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

func (UserMessage) MessageType() MessageType { return MessageTypeUser }
func (UserMessage) messageMarker()           {}

// NewUserText builds a single-block plain-text user message stamped now.
func NewUserText(text string) UserMessage {
	return UserMessage{Content: []ContentBlock{Text{Text: text}}, Timestamp: time.Now()}
}

// Text concatenates the text of every Text block in the message,
// ignoring Image blocks. Used wherever a provider wants a flat string.
func (m UserMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(Text); ok {
			out += t.Text
		}
	}
	return out
}

// AssistantMessage is the model's reply for one streaming response. A
// single turn may contain several of these when tool calls round-trip
// back to the model.
type AssistantMessage struct {
	Content    []ContentBlock `json:"content"`
	Provider   string         `json:"provider"`
	API        string         `json:"api"`
	Model      string         `json:"model"`
	Usage      Usage          `json:"usage"`
	StopReason StopReason     `json:"stopReason"`
	Error      string         `json:"error,omitempty"`
}

func (AssistantMessage) MessageType() MessageType { return MessageTypeAssistant }
func (AssistantMessage) messageMarker()           {}

// ToolCalls returns the ToolCall blocks in this message, in the order
// the model emitted them.
func (m AssistantMessage) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Content {
		if tc, ok := b.(ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// Text concatenates the Text blocks of the message (Thinking and
// ToolCall blocks are skipped).
func (m AssistantMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(Text); ok {
			out += t.Text
		}
	}
	return out
}

// ToolResultMessage carries the outcome of one tool execution. ToolCallID
// is the join key back to the ToolCall block that produced it.
type ToolResultMessage struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
	Details    any    `json:"details,omitempty"`
}

func (ToolResultMessage) MessageType() MessageType { return MessageTypeToolResult }
func (ToolResultMessage) messageMarker()           {}

// CompactionHeaderFormat prefixes a compaction summary when it is
// replayed to a provider as a user message.
const CompactionHeaderFormat = "Context compacted from %d tokens:\n\n"

// CompactionSummaryMessage replaces a run of older messages with a
// single synthetic entry. It is a top-level transcript entry only; it
// never appears between a tool call and its result.
type CompactionSummaryMessage struct {
	Summary      string `json:"summary"`
	TokensBefore int    `json:"tokensBefore"`
}

func (CompactionSummaryMessage) MessageType() MessageType { return MessageTypeCompactionSummary }
func (CompactionSummaryMessage) messageMarker()           {}

// AsUserContent renders the summary the way it is serialised back to a
// provider on the next request: a fixed header followed by the summary
// text.
func (m CompactionSummaryMessage) AsUserContent() string {
	return fmt.Sprintf(CompactionHeaderFormat, m.TokensBefore) + m.Summary
}

// CustomMessageEntry is produced by extensions; CustomType namespaces
// the Content shape and is opaque to the core.
type CustomMessageEntry struct {
	CustomType string `json:"customType"`
	Content    any    `json:"content"`
}

func (CustomMessageEntry) MessageType() MessageType { return MessageTypeCustom }
func (CustomMessageEntry) messageMarker()           {}

// BlockType discriminates content block variants within a message.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolCall BlockType = "toolCall"
	BlockImage    BlockType = "image"
)

// ContentBlock is implemented by every content block variant: Text,
// Thinking, ToolCall and Image.
type ContentBlock interface {
	BlockType() BlockType
	blockMarker()
}

// ThinkingWrapOpen and ThinkingWrapClose bracket a Thinking block's text
// when it is rewritten to a Text block for a different provider.
const (
	ThinkingWrapOpen  = "<thinking>\n"
	ThinkingWrapClose = "\n</thinking>"
)

// Text is a plain-text content block. TextSignature is an opaque
// provider-scoped identifier (a response/message item id) preserved
// verbatim when the next request targets the same provider, and
// dropped otherwise.
type Text struct {
	Text          string `json:"text"`
	TextSignature string `json:"textSignature,omitempty"`
}

func (Text) BlockType() BlockType { return BlockText }
func (Text) blockMarker()         {}

// Thinking is a reasoning block. ThinkingSignature follows the same
// opacity rule as Text.TextSignature. Replaying a Thinking block to a
// different provider than the one that produced it requires rewriting
// it to a Text block wrapped in ThinkingWrapOpen/ThinkingWrapClose; see
// normalize.go.
type Thinking struct {
	Thinking          string `json:"thinking"`
	ThinkingSignature string `json:"thinkingSignature,omitempty"`
}

func (Thinking) BlockType() BlockType { return BlockThinking }
func (Thinking) blockMarker()         {}

// AsText rewrites the thinking block as a Text block for replay to a
// different provider, wrapping the content and dropping the signature.
func (t Thinking) AsText() Text {
	return Text{Text: ThinkingWrapOpen + t.Thinking + ThinkingWrapClose}
}

// ToolCall is a model-issued tool invocation. ID is provider-assigned
// and is the join key with a later ToolResultMessage.ToolCallID.
// Arguments is the raw JSON object the model produced; validation
// happens in the tool registry, not here.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (ToolCall) BlockType() BlockType { return BlockToolCall }
func (ToolCall) blockMarker()         {}

// Image is inline base64 image content.
type Image struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

func (Image) BlockType() BlockType { return BlockImage }
func (Image) blockMarker()         {}

// StopReason is the provider-agnostic reason an assistant message ended.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "toolUse"
	StopReasonSafety  StopReason = "safety"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// Cost is the dollar breakdown for a Usage, derived from a model's
// price table or reported directly by the provider.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// Usage is cumulative token accounting for one AssistantMessage, not
// per turn: a turn with several tool round-trips produces several
// assistant messages, each with its own Usage.
type Usage struct {
	Input      int  `json:"input"`
	Output     int  `json:"output"`
	CacheRead  int  `json:"cacheRead"`
	CacheWrite int  `json:"cacheWrite"`
	Cost       Cost `json:"cost"`
}

// IsZero reports whether no tokens were recorded at all. Completions-
// and responses-style providers report this on abort, since usage only
// arrives in the terminal chunk they never received.
func (u Usage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.CacheRead == 0 && u.CacheWrite == 0
}

// Add accumulates another Usage into u, summing token counts and costs.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		CacheRead:  u.CacheRead + o.CacheRead,
		CacheWrite: u.CacheWrite + o.CacheWrite,
		Cost: Cost{
			Input:      u.Cost.Input + o.Cost.Input,
			Output:     u.Cost.Output + o.Cost.Output,
			CacheRead:  u.Cost.CacheRead + o.Cost.CacheRead,
			CacheWrite: u.Cost.CacheWrite + o.Cost.CacheWrite,
			Total:      u.Cost.Total + o.Cost.Total,
		},
	}
}

// --- JSON wire encoding -------------------------------------------------
//
// Message and ContentBlock are interfaces, so the concrete variant must
// be tagged with a "type" discriminator on the wire and sniffed back out
// on decode. Each concrete type gets a MarshalJSON that injects the
// discriminator; UnmarshalMessage/UnmarshalContentBlock do the reverse.

type blockEnvelope struct {
	Type BlockType `json:"type"`
}

func (t Text) MarshalJSON() ([]byte, error) {
	type alias Text
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{Type: BlockText, alias: alias(t)})
}

func (t Thinking) MarshalJSON() ([]byte, error) {
	type alias Thinking
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{Type: BlockThinking, alias: alias(t)})
}

func (t ToolCall) MarshalJSON() ([]byte, error) {
	type alias ToolCall
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{Type: BlockToolCall, alias: alias(t)})
}

func (t Image) MarshalJSON() ([]byte, error) {
	type alias Image
	return json.Marshal(struct {
		Type BlockType `json:"type"`
		alias
	}{Type: BlockImage, alias: alias(t)})
}

// UnmarshalContentBlock sniffs the "type" discriminator and decodes raw
// into the matching concrete ContentBlock.
func UnmarshalContentBlock(raw json.RawMessage) (ContentBlock, error) {
	var env blockEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("content block: %w", err)
	}
	switch env.Type {
	case BlockText:
		var v Text
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockThinking:
		var v Thinking
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockToolCall:
		var v ToolCall
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockImage:
		var v Image
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("content block: unknown type %q", env.Type)
	}
}

// ContentBlocks is a []ContentBlock with JSON decoding support; the
// interface-typed slice it wraps cannot otherwise be unmarshalled.
type ContentBlocks []ContentBlock

func (b ContentBlocks) MarshalJSON() ([]byte, error) {
	return json.Marshal([]ContentBlock(b))
}

func (b *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		block, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		out = append(out, block)
	}
	*b = out
	return nil
}

type messageEnvelope struct {
	Type MessageType `json:"type"`
}

func (m UserMessage) MarshalJSON() ([]byte, error) {
	type alias UserMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{Type: MessageTypeUser, alias: alias(m)})
}

func (m AssistantMessage) MarshalJSON() ([]byte, error) {
	type alias AssistantMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{Type: MessageTypeAssistant, alias: alias(m)})
}

func (m ToolResultMessage) MarshalJSON() ([]byte, error) {
	type alias ToolResultMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{Type: MessageTypeToolResult, alias: alias(m)})
}

func (m CompactionSummaryMessage) MarshalJSON() ([]byte, error) {
	type alias CompactionSummaryMessage
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{Type: MessageTypeCompactionSummary, alias: alias(m)})
}

func (m CustomMessageEntry) MarshalJSON() ([]byte, error) {
	type alias CustomMessageEntry
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		alias
	}{Type: MessageTypeCustom, alias: alias(m)})
}

// UnmarshalMessage sniffs the "type" discriminator and decodes raw into
// the matching concrete Message. Content blocks nested in user/assistant
// messages are decoded via ContentBlocks.
func UnmarshalMessage(raw json.RawMessage) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	switch env.Type {
	case MessageTypeUser:
		var v struct {
			Content   ContentBlocks `json:"content"`
			Timestamp time.Time     `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return UserMessage{Content: v.Content, Timestamp: v.Timestamp}, nil
	case MessageTypeAssistant:
		var v struct {
			Content    ContentBlocks `json:"content"`
			Provider   string        `json:"provider"`
			API        string        `json:"api"`
			Model      string        `json:"model"`
			Usage      Usage         `json:"usage"`
			StopReason StopReason    `json:"stopReason"`
			Error      string        `json:"error,omitempty"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return AssistantMessage{
			Content:    v.Content,
			Provider:   v.Provider,
			API:        v.API,
			Model:      v.Model,
			Usage:      v.Usage,
			StopReason: v.StopReason,
			Error:      v.Error,
		}, nil
	case MessageTypeToolResult:
		var v ToolResultMessage
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case MessageTypeCompactionSummary:
		var v CompactionSummaryMessage
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case MessageTypeCustom:
		var v CustomMessageEntry
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("message: unknown type %q", env.Type)
	}
}

// Messages is a []Message with JSON decoding support.
type Messages []Message

func (m Messages) MarshalJSON() ([]byte, error) {
	return json.Marshal([]Message(m))
}

func (m *Messages) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Messages, 0, len(raws))
	for _, raw := range raws {
		msg, err := UnmarshalMessage(raw)
		if err != nil {
			return err
		}
		out = append(out, msg)
	}
	*m = out
	return nil
}
