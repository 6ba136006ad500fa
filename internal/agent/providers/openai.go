package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/streamjson"
	"github.com/pi-run/pi/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.Provider for OpenAI's Chat Completions
// API (API() == "completions"). Tool-call arguments arrive fragmented
// across many deltas keyed by index; they are assembled and only
// surfaced as a toolCall event once a finish_reason confirms them done.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewOpenAIProvider builds a provider bound to apiKey. A provider built
// with an empty key still satisfies agent.Provider but every Stream call
// fails with ErrNoAPIKey.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{maxRetries: 3, retryDelay: time.Second, defaultModel: "gpt-4o"}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }
func (p *OpenAIProvider) API() string  { return "completions" }

func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Provider: "openai", API: "completions", ContextWindow: 128000, MaxTokens: 16384, Input: []string{"text", "image"}},
		{ID: "gpt-4o-mini", Provider: "openai", API: "completions", ContextWindow: 128000, MaxTokens: 16384, Input: []string{"text", "image"}},
		{ID: "gpt-4-turbo", Provider: "openai", API: "completions", ContextWindow: 128000, MaxTokens: 4096, Input: []string{"text", "image"}},
		{ID: "gpt-3.5-turbo", Provider: "openai", API: "completions", ContextWindow: 16385, MaxTokens: 4096, Input: []string{"text"}},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return true }

func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest, cancel <-chan struct{}) (<-chan *agent.AssistantMessageEvent, error) {
	if p.client == nil {
		return nil, agent.ErrNoAPIKey
	}

	messages, err := convertToOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: converting messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{Model: model, Messages: messages, Stream: true}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	events := make(chan *agent.AssistantMessageEvent)
	go p.runStream(ctx, cancel, chatReq, model, events)
	return events, nil
}

func (p *OpenAIProvider) runStream(ctx context.Context, cancel <-chan struct{}, chatReq openai.ChatCompletionRequest, model string, events chan<- *agent.AssistantMessageEvent) {
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

	stream, err := p.openStream(streamCtx, chatReq, model)
	if err != nil {
		events <- &agent.AssistantMessageEvent{Type: agent.EventError, Err: err}
		events <- doneEvent(nil, "openai", model, models.StopReasonError, models.Usage{}, err.Error())
		return
	}
	defer stream.Close()

	events <- &agent.AssistantMessageEvent{Type: agent.EventStart, Provider: "openai", Model: model}
	p.processStream(streamCtx, cancel, stream, model, events)
}

func (p *OpenAIProvider) openStream(ctx context.Context, chatReq openai.ChatCompletionRequest, model string) (*openai.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			return stream, nil
		}
		lastErr = p.wrapError(err, model)
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// processStream has no usage-on-abort contract for completions-style
// APIs: OpenAI only reports usage in the final chunk, which is never
// reached if the request is cancelled mid-stream.
func (p *OpenAIProvider) processStream(ctx context.Context, cancel <-chan struct{}, stream *openai.ChatCompletionStream, model string, events chan<- *agent.AssistantMessageEvent) {
	var content []models.ContentBlock
	var textBuf, textContent string
	toolCalls := map[int]*models.ToolCall{}
	var usage models.Usage
	var stopReasonRaw string
	inText := false

	flushText := func() {
		if inText {
			content = append(content, models.Text{Text: textBuf})
			events <- &agent.AssistantMessageEvent{Type: agent.EventTextEnd, Content: textBuf}
			inText = false
		}
	}
	flushToolCalls := func() {
		indices := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			tc := toolCalls[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			content = append(content, *tc)
			events <- &agent.AssistantMessageEvent{Type: agent.EventToolCall, ToolCall: tc}
		}
		toolCalls = map[int]*models.ToolCall{}
	}

	for {
		select {
		case <-cancel:
			flushText()
			events <- doneEvent(content, "openai", model, models.StopReasonAborted, usage, "")
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			flushText()
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				events <- doneEvent(content, "openai", model, mapOpenAIStopReason(stopReasonRaw), usage, "")
				return
			}
			wrapped := p.wrapError(err, model)
			events <- &agent.AssistantMessageEvent{Type: agent.EventError, Err: wrapped}
			events <- doneEvent(content, "openai", model, models.StopReasonError, usage, wrapped.Error())
			return
		}

		if response.Usage != nil {
			usage.Input = response.Usage.PromptTokens
			usage.Output = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !inText {
				inText = true
				textBuf = ""
				events <- &agent.AssistantMessageEvent{Type: agent.EventTextStart}
			}
			textBuf += delta.Content
			textContent += delta.Content
			events <- &agent.AssistantMessageEvent{Type: agent.EventTextDelta, Delta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments = append(toolCalls[index].Arguments, []byte(tc.Function.Arguments)...)
				if partial, ok := streamjson.ParseJSON(string(toolCalls[index].Arguments)); ok {
					delta := *toolCalls[index]
					delta.Arguments = partial
					events <- &agent.AssistantMessageEvent{Type: agent.EventToolCallDelta, ToolCall: &delta}
				}
			}
		}

		if choice.FinishReason != "" {
			stopReasonRaw = string(choice.FinishReason)
			flushText()
			flushToolCalls()
		}
	}
}

func mapOpenAIStopReason(raw string) models.StopReason {
	switch raw {
	case "tool_calls":
		return models.StopReasonToolUse
	case "length":
		return models.StopReasonLength
	case "content_filter":
		return models.StopReasonSafety
	case "stop", "":
		return models.StopReasonStop
	default:
		return models.StopReasonStop
	}
}

// convertToOpenAIMessages renders the transcript into OpenAI's flat
// role/content shape. Tool results become their own "tool"-role message,
// one per result, as the API requires.
func convertToOpenAIMessages(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range messages {
		switch msg := m.(type) {
		case models.UserMessage:
			oaiMsg, err := convertUserToOpenAI(msg)
			if err != nil {
				return nil, err
			}
			result = append(result, oaiMsg)

		case models.AssistantMessage:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, tc := range msg.ToolCalls() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
				})
			}
			result = append(result, oaiMsg)

		case models.ToolResultMessage:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.CompactionSummaryMessage:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.AsUserContent()})

		case models.CustomMessageEntry:
			// Opaque extension payload, dropped from the wire request.
		}
	}

	return result, nil
}

func convertUserToOpenAI(msg models.UserMessage) (openai.ChatCompletionMessage, error) {
	hasImage := false
	for _, b := range msg.Content {
		if _, ok := b.(models.Image); ok {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()}, nil
	}

	var parts []openai.ChatMessagePart
	for _, b := range msg.Content {
		switch blk := b.(type) {
		case models.Text:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: blk.Text})
		case models.Image:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: "data:" + blk.MimeType + ";base64," + blk.Data, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}, nil
}

func convertToOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		} else {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: t.Name, Description: t.Description, Parameters: schema},
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{Provider: "openai", Model: model, Cause: err, Reason: FailoverUnknown}).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		if apiErr.Code != nil {
			if code, ok := apiErr.Code.(string); ok {
				providerErr = providerErr.WithCode(code)
			}
		}
		return providerErr
	}
	return NewProviderError("openai", model, err)
}
