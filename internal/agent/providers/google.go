// Package providers: this file implements the Gemini adapter on top of
// Google's Gen AI Go SDK.
package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/pkg/models"
	"google.golang.org/genai"
)

// GoogleProvider implements agent.Provider for Gemini (API() ==
// "gemini"). Gemini never assigns tool-call IDs, so Stream synthesises
// one per call; it is stable only within the lifetime of one response.
type GoogleProvider struct {
	client       *genai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	base         BaseProvider
}

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
	}, nil
}

func (p *GoogleProvider) Name() string { return "google" }
func (p *GoogleProvider) API() string  { return "gemini" }

func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Provider: "google", API: "gemini", ContextWindow: 1000000, MaxTokens: 8192, Input: []string{"text", "image"}},
		{ID: "gemini-2.0-flash-lite", Provider: "google", API: "gemini", ContextWindow: 1000000, MaxTokens: 8192, Input: []string{"text", "image"}},
		{ID: "gemini-1.5-pro", Provider: "google", API: "gemini", ContextWindow: 2000000, MaxTokens: 8192, Reasoning: true, Input: []string{"text", "image"}},
		{ID: "gemini-1.5-flash", Provider: "google", API: "gemini", ContextWindow: 1000000, MaxTokens: 8192, Input: []string{"text", "image"}},
	}
}

func (p *GoogleProvider) SupportsTools() bool { return true }

func (p *GoogleProvider) Stream(ctx context.Context, req *agent.CompletionRequest, cancel <-chan struct{}) (<-chan *agent.AssistantMessageEvent, error) {
	model := p.getModel(req.Model)
	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: converting messages: %w", err)
	}
	config := p.buildConfig(req)

	events := make(chan *agent.AssistantMessageEvent)
	go p.runStream(ctx, cancel, model, contents, config, events)
	return events, nil
}

func (p *GoogleProvider) runStream(ctx context.Context, cancel <-chan struct{}, model string, contents []*genai.Content, config *genai.GenerateContentConfig, events chan<- *agent.AssistantMessageEvent) {
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

	events <- &agent.AssistantMessageEvent{Type: agent.EventStart, Provider: "google", Model: model}

	var content []models.ContentBlock
	var usage models.Usage
	aborted := false
	inText := false
	var textBuf string

	err := p.base.Retry(streamCtx, p.isRetryableError, func() error {
		content = nil
		inText = false
		textBuf = ""
		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, model, contents, config) {
			select {
			case <-cancel:
				aborted = true
			default:
			}
			if aborted {
				return nil
			}
			if err != nil {
				return err
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage.Input = int(resp.UsageMetadata.PromptTokenCount)
				usage.Output = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if !inText {
							inText = true
							events <- &agent.AssistantMessageEvent{Type: agent.EventTextStart}
						}
						textBuf += part.Text
						events <- &agent.AssistantMessageEvent{Type: agent.EventTextDelta, Delta: part.Text}
					}
					if part.FunctionCall != nil {
						argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							argsJSON = []byte("{}")
						}
						tc := models.ToolCall{ID: generateToolCallID(part.FunctionCall.Name), Name: part.FunctionCall.Name, Arguments: argsJSON}
						content = append(content, tc)
						events <- &agent.AssistantMessageEvent{Type: agent.EventToolCall, ToolCall: &tc}
					}
				}
			}
		}
		return nil
	})

	if inText {
		content = append([]models.ContentBlock{models.Text{Text: textBuf}}, content...)
		events <- &agent.AssistantMessageEvent{Type: agent.EventTextEnd, Content: textBuf}
	}

	if err != nil && !aborted {
		wrapped := p.wrapError(err, model)
		events <- &agent.AssistantMessageEvent{Type: agent.EventError, Err: wrapped}
		events <- doneEvent(content, "google", model, models.StopReasonError, usage, wrapped.Error())
		return
	}

	stopReason := models.StopReasonStop
	if aborted {
		stopReason = models.StopReasonAborted
	} else if hasToolCall(content) {
		stopReason = models.StopReasonToolUse
	}
	events <- doneEvent(content, "google", model, stopReason, usage, "")
}

func hasToolCall(content []models.ContentBlock) bool {
	for _, b := range content {
		if _, ok := b.(models.ToolCall); ok {
			return true
		}
	}
	return false
}

// convertMessages renders the transcript into Gemini's role/Parts shape.
// System-role content is never passed here; SystemInstruction carries it
// via buildConfig.
func (p *GoogleProvider) convertMessages(messages []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, m := range messages {
		switch msg := m.(type) {
		case models.UserMessage:
			content := &genai.Content{Role: genai.RoleUser}
			for _, b := range msg.Content {
				switch blk := b.(type) {
				case models.Text:
					content.Parts = append(content.Parts, &genai.Part{Text: blk.Text})
				case models.Image:
					data, err := base64.StdEncoding.DecodeString(blk.Data)
					if err != nil {
						continue
					}
					content.Parts = append(content.Parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: blk.MimeType}})
				}
			}
			if len(content.Parts) > 0 {
				result = append(result, content)
			}

		case models.AssistantMessage:
			content := &genai.Content{Role: genai.RoleModel}
			for _, b := range msg.Content {
				switch blk := b.(type) {
				case models.Text:
					content.Parts = append(content.Parts, &genai.Part{Text: blk.Text})
				case models.ToolCall:
					var args map[string]any
					if len(blk.Arguments) > 0 {
						if err := json.Unmarshal(blk.Arguments, &args); err != nil {
							args = map[string]any{}
						}
					}
					content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: blk.Name, Args: args}})
				}
			}
			if len(content.Parts) > 0 {
				result = append(result, content)
			}

		case models.ToolResultMessage:
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content, "error": msg.IsError}
			}
			result = append(result, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{Name: msg.ToolName, Response: response}}},
			})

		case models.CompactionSummaryMessage:
			result = append(result, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: msg.AsUserContent()}}})

		case models.CustomMessageEntry:
			// Opaque extension payload, dropped from the wire request.
		}
	}
	return result, nil
}

func (p *GoogleProvider) convertTools(tools []agent.ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		} else {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls = append(decls, &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, ParametersJsonSchema: schema})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(req.Tools)
	}
	if budget := agent.GeminiThinkingBudget(req.Reasoning); budget != 0 {
		b := int32(budget)
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &b}
	}
	return config
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GoogleProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "rate limit"), strings.Contains(errMsg, "429"),
		strings.Contains(errMsg, "too many requests"), strings.Contains(errMsg, "resource exhausted"),
		strings.Contains(errMsg, "quota"):
		return true
	case strings.Contains(errMsg, "500"), strings.Contains(errMsg, "502"), strings.Contains(errMsg, "503"), strings.Contains(errMsg, "504"),
		strings.Contains(errMsg, "internal server error"), strings.Contains(errMsg, "bad gateway"),
		strings.Contains(errMsg, "service unavailable"), strings.Contains(errMsg, "gateway timeout"):
		return true
	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "deadline exceeded"):
		return true
	case strings.Contains(errMsg, "connection reset"), strings.Contains(errMsg, "connection refused"), strings.Contains(errMsg, "no such host"):
		return true
	default:
		return false
	}
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	providerErr := NewProviderError("google", model, err)
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401"), strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403"), strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404"), strings.Contains(errMsg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429"), strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr
}

// generateToolCallID synthesises an ID for a Gemini function call, which
// the API itself never assigns one for.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}
