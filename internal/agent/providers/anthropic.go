// Package providers implements LLM provider adapters for the agent runtime.
//
// Each adapter satisfies agent.Provider: it converts a provider-neutral
// CompletionRequest into that provider's wire format, streams the
// response, and normalises every wire event into agent.AssistantMessageEvent.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/streamjson"
	"github.com/pi-run/pi/pkg/models"
)

// AnthropicProvider implements agent.Provider for Anthropic's Claude
// Messages API. Thread-safe: each Stream call owns its own goroutine and
// stream handle.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider validates config and builds the SDK client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }
func (p *AnthropicProvider) API() string  { return "anthropic" }

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Provider: "anthropic", API: "anthropic", ContextWindow: 200000, MaxTokens: 8192, Reasoning: true},
		{ID: "claude-opus-4-20250514", Provider: "anthropic", API: "anthropic", ContextWindow: 200000, MaxTokens: 8192, Reasoning: true},
		{ID: "claude-3-5-sonnet-20241022", Provider: "anthropic", API: "anthropic", ContextWindow: 200000, MaxTokens: 8192},
		{ID: "claude-3-5-haiku-20241022", Provider: "anthropic", API: "anthropic", ContextWindow: 200000, MaxTokens: 8192},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// maxEmptyStreamEvents guards against a malformed stream that floods
// events carrying no content, which would otherwise spin the consumer
// loop without making progress.
const maxEmptyStreamEvents = 300

// Stream implements agent.Provider. See provider.go's Stream doc comment
// for the usage-on-abort contract: Anthropic reports whatever usage it
// has accumulated from message_start/message_delta even when cancel
// fires mid-stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest, cancel <-chan struct{}) (<-chan *agent.AssistantMessageEvent, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: converting messages: %w", err)
	}
	var tools []anthropic.ToolUnionParam
	if len(req.Tools) > 0 {
		tools, err = p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: converting tools: %w", err)
		}
	}

	model := p.getModel(req.Model)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if budget := agent.ThinkingBudgetFor(req.Reasoning); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	events := make(chan *agent.AssistantMessageEvent)
	go p.runStream(ctx, cancel, params, model, events)
	return events, nil
}

func (p *AnthropicProvider) runStream(ctx context.Context, cancel <-chan struct{}, params anthropic.MessageNewParams, model string, events chan<- *agent.AssistantMessageEvent) {
	defer close(events)

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-streamCtx.Done():
		}
	}()

	stream, err := p.openStream(streamCtx, params, model)
	if err != nil {
		events <- &agent.AssistantMessageEvent{Type: agent.EventError, Err: err}
		events <- doneEvent(nil, "anthropic", model, models.StopReasonError, models.Usage{}, err.Error())
		return
	}

	events <- &agent.AssistantMessageEvent{Type: agent.EventStart, Provider: "anthropic", Model: model}
	p.processStream(stream, cancel, model, events)
}

// openStream retries stream creation on retryable errors before handing
// control to the event loop; once events start flowing, failures surface
// through processStream instead.
func (p *AnthropicProvider) openStream(ctx context.Context, params anthropic.MessageNewParams, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream := p.client.Messages.NewStreaming(ctx, params)
		if !stream.Next() {
			if err := stream.Err(); err != nil {
				wrapped := p.wrapError(err, model)
				if !isRetryableWrapped(wrapped) || attempt >= p.maxRetries {
					return nil, wrapped
				}
				lastErr = wrapped
				if !p.backoff(ctx, attempt) {
					return nil, ctx.Err()
				}
				continue
			}
		}
		return stream, nil
	}
	return nil, lastErr
}

func (p *AnthropicProvider) backoff(ctx context.Context, attempt int) bool {
	delay := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func isRetryableWrapped(err error) bool {
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason.IsRetryable()
	}
	return false
}

// processStream drains stream, republishing every wire event as a
// normalised AssistantMessageEvent and accumulating the final message's
// content blocks.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], cancel <-chan struct{}, model string, events chan<- *agent.AssistantMessageEvent) {
	var content []models.ContentBlock
	var textBuf, thinkingBuf, sigBuf, toolInputBuf strings.Builder
	var currentToolCall *models.ToolCall
	var usage models.Usage
	var stopReasonRaw string
	inText, inThinking := false, false
	aborted := false
	emptyEvents := 0

	finish := func() {
		if aborted {
			stopReasonRaw = "aborted"
		}
		events <- doneEvent(content, "anthropic", model, mapAnthropicStopReason(stopReasonRaw), usage, "")
	}

	// openStream has already advanced the stream onto its first event
	// (message_start), so the first iteration reads it without calling
	// Next() again.
	for first := true; first || stream.Next(); first = false {
		select {
		case <-cancel:
			aborted = true
		default:
		}
		if aborted {
			break
		}

		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.Input = int(ms.Message.Usage.InputTokens)
			usage.CacheRead = int(ms.Message.Usage.CacheReadInputTokens)
			usage.CacheWrite = int(ms.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			switch cbs.ContentBlock.Type {
			case "thinking":
				inThinking = true
				thinkingBuf.Reset()
				sigBuf.Reset()
				events <- &agent.AssistantMessageEvent{Type: agent.EventThinkingStart}
			case "tool_use":
				toolUse := cbs.ContentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInputBuf.Reset()
			default:
				processed = false
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			switch cbd.Delta.Type {
			case "text_delta":
				if !inText {
					inText = true
					textBuf.Reset()
					events <- &agent.AssistantMessageEvent{Type: agent.EventTextStart}
				}
				textBuf.WriteString(cbd.Delta.Text)
				events <- &agent.AssistantMessageEvent{Type: agent.EventTextDelta, Delta: cbd.Delta.Text}
			case "thinking_delta":
				thinkingBuf.WriteString(cbd.Delta.Thinking)
				events <- &agent.AssistantMessageEvent{Type: agent.EventThinkingDelta, Delta: cbd.Delta.Thinking}
			case "signature_delta":
				sigBuf.WriteString(cbd.Delta.Signature)
			case "input_json_delta":
				toolInputBuf.WriteString(cbd.Delta.PartialJSON)
				if currentToolCall != nil {
					if partial, ok := streamjson.ParseJSON(toolInputBuf.String()); ok {
						tc := *currentToolCall
						tc.Arguments = partial
						events <- &agent.AssistantMessageEvent{Type: agent.EventToolCallDelta, ToolCall: &tc}
					}
				}
			default:
				processed = false
			}

		case "content_block_stop":
			switch {
			case inThinking:
				content = append(content, models.Thinking{Thinking: thinkingBuf.String(), ThinkingSignature: sigBuf.String()})
				events <- &agent.AssistantMessageEvent{Type: agent.EventThinkingEnd, Content: thinkingBuf.String()}
				inThinking = false
			case inText:
				content = append(content, models.Text{Text: textBuf.String()})
				events <- &agent.AssistantMessageEvent{Type: agent.EventTextEnd, Content: textBuf.String()}
				inText = false
			case currentToolCall != nil:
				currentToolCall.Arguments = json.RawMessage(toolInputBuf.String())
				tc := *currentToolCall
				content = append(content, tc)
				events <- &agent.AssistantMessageEvent{Type: agent.EventToolCall, ToolCall: &tc}
				currentToolCall = nil
			default:
				processed = false
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.Output = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReasonRaw = string(md.Delta.StopReason)
			}

		case "message_stop":
			finish()
			return

		case "error":
			err := p.wrapError(errors.New("anthropic stream error"), model)
			events <- &agent.AssistantMessageEvent{Type: agent.EventError, Err: err}
			events <- doneEvent(content, "anthropic", model, models.StopReasonError, usage, err.Error())
			return

		default:
			processed = false
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				err := p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive unrecognised events", emptyEvents), model)
				events <- &agent.AssistantMessageEvent{Type: agent.EventError, Err: err}
				events <- doneEvent(content, "anthropic", model, models.StopReasonError, usage, err.Error())
				return
			}
		}
	}

	if !aborted {
		// Cancelling stops the stream context, so Next() usually returns
		// false with a context error before the loop sees cancel.
		select {
		case <-cancel:
			aborted = true
		default:
		}
	}
	if err := stream.Err(); err != nil && !aborted {
		wrapped := p.wrapError(err, model)
		events <- &agent.AssistantMessageEvent{Type: agent.EventError, Err: wrapped}
		events <- doneEvent(content, "anthropic", model, models.StopReasonError, usage, wrapped.Error())
		return
	}

	finish()
}

func doneEvent(content []models.ContentBlock, provider, model string, stopReason models.StopReason, usage models.Usage, errText string) *agent.AssistantMessageEvent {
	// API must equal the adapter's API() so NormalizeForProvider sees
	// same-provider messages as such.
	api := provider
	switch provider {
	case "openai":
		api = "completions"
	case "google":
		api = "gemini"
	}
	msg := &models.AssistantMessage{
		Content:    content,
		Provider:   provider,
		API:        api,
		Model:      model,
		Usage:      usage,
		StopReason: stopReason,
		Error:      errText,
	}
	return &agent.AssistantMessageEvent{Type: agent.EventDone, StopReason: stopReason, Message: msg}
}

func mapAnthropicStopReason(raw string) models.StopReason {
	switch raw {
	case "tool_use":
		return models.StopReasonToolUse
	case "max_tokens":
		return models.StopReasonLength
	case "aborted":
		return models.StopReasonAborted
	case "refusal":
		return models.StopReasonSafety
	case "end_turn", "stop_sequence", "":
		return models.StopReasonStop
	default:
		return models.StopReasonStop
	}
}

// convertMessages renders the transcript's tagged-variant messages into
// Anthropic's role/content-block wire shape. ToolResultMessage and
// CompactionSummaryMessage both surface as user-role turns, matching how
// Anthropic expects tool results and synthetic context to be replayed.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range messages {
		switch msg := m.(type) {
		case models.UserMessage:
			content, err := convertUserContent(msg.Content)
			if err != nil {
				return nil, err
			}
			result = append(result, anthropic.NewUserMessage(content...))

		case models.AssistantMessage:
			content, err := p.convertAssistantContent(msg.Content)
			if err != nil {
				return nil, err
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case models.ToolResultMessage:
			result = append(result, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)))

		case models.CompactionSummaryMessage:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.AsUserContent())))

		case models.CustomMessageEntry:
			// Opaque extension payload; the core provider adapters don't
			// know how to render it, so it is dropped from the wire
			// request rather than guessed at.
		}
	}
	return result, nil
}

func convertUserContent(blocks []models.ContentBlock) ([]anthropic.ContentBlockParamUnion, error) {
	var content []anthropic.ContentBlockParamUnion
	for _, b := range blocks {
		switch blk := b.(type) {
		case models.Text:
			content = append(content, anthropic.NewTextBlock(blk.Text))
		case models.Image:
			content = append(content, anthropic.NewImageBlockBase64(blk.MimeType, blk.Data))
		}
	}
	return content, nil
}

func (p *AnthropicProvider) convertAssistantContent(blocks []models.ContentBlock) ([]anthropic.ContentBlockParamUnion, error) {
	var content []anthropic.ContentBlockParamUnion
	for _, b := range blocks {
		switch blk := b.(type) {
		case models.Text:
			content = append(content, anthropic.NewTextBlock(blk.Text))
		case models.Thinking:
			content = append(content, anthropic.NewThinkingBlock(blk.ThinkingSignature, blk.Thinking))
		case models.ToolCall:
			var input map[string]any
			if len(blk.Arguments) > 0 {
				if err := json.Unmarshal(blk.Arguments, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid arguments for tool call %s: %w", blk.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(blk.ID, input, blk.Name))
		}
	}
	return content, nil
}

func (p *AnthropicProvider) convertTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(params, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: FailoverUnknown}).WithStatus(apiErr.StatusCode)

		message, code, requestID := "", "", apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
