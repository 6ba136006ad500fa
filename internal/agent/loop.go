package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pi-run/pi/pkg/models"
)

// runTurn drives one turn to completion per spec §4.E: normalise,
// stream, extract tool calls, dispatch, loop until the model stops
// requesting tools, then settle.
func (s *Session) runTurn(in PromptInput) {
	cancelCh := s.beginTurn()
	defer s.endTurn()

	if s.cfg.Provider == nil {
		s.subs.Emit(SessionEvent{Type: EventErrorEvent, Err: ErrNoProvider})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	content := append([]models.ContentBlock{models.Text{Text: in.Text}}, in.Attachments...)
	if err := s.transcript.append(models.UserMessage{Content: content}); err != nil {
		s.subs.Emit(SessionEvent{Type: EventErrorEvent, Err: err})
		return
	}

	turnIndex := s.transcript.Len()
	turnStart := time.Now()
	status := "success"
	var endSpan func()
	if s.cfg.Tracer != nil {
		spanCtx, span := s.cfg.Tracer.TraceTurn(ctx, s.sessionID(), turnIndex)
		ctx = spanCtx
		endSpan = func() { span.End() }
	}
	defer func() {
		if endSpan != nil {
			endSpan()
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordTurn(status, time.Since(turnStart).Seconds())
		}
	}()

	s.logger.Info(ctx, "turn started", "turn_index", turnIndex)
	s.dispatcher.AgentStart(ctx)
	s.subs.Emit(SessionEvent{Type: EventAgentStart, Transcript: s.transcript.Snapshot()})

	for {
		s.dispatcher.TurnStart(ctx)
		s.subs.Emit(SessionEvent{Type: EventTurnStart})

		finalMsg, ok := s.streamOneResponse(ctx, cancelCh)
		if !ok {
			status = "error"
			break
		}

		if err := s.transcript.append(*finalMsg); err != nil {
			s.subs.Emit(SessionEvent{Type: EventErrorEvent, Err: err})
			status = "error"
			break
		}

		toolCalls := finalMsg.ToolCalls()
		if len(toolCalls) == 0 {
			s.dispatcher.TurnEnd(ctx)
			s.subs.Emit(SessionEvent{Type: EventTurnEnd})
			break
		}

		s.runToolCalls(ctx, toolCalls, cancelCh)

		s.dispatcher.TurnEnd(ctx)
		s.subs.Emit(SessionEvent{Type: EventTurnEnd})
	}

	s.logger.Info(ctx, "turn finished", "turn_index", turnIndex, "status", status)
	s.subs.Emit(SessionEvent{Type: EventAgentEnd, Transcript: s.transcript.Snapshot()})
	s.dispatcher.AgentEnd(ctx)
}

// sessionID returns a stable identifier for this session for log/trace
// correlation. Sessions have no externally assigned ID of their own;
// the Session pointer address is stable for the process lifetime and
// cheap.
func (s *Session) sessionID() string {
	return fmt.Sprintf("sess_%p", s)
}

// streamOneResponse calls the provider, republishing every event as
// message_update and keeping the transcript's in-flight scratch message
// current as text/thinking deltas arrive. ok is false if the stream
// ended without a done event (a provider error already emitted).
func (s *Session) streamOneResponse(ctx context.Context, cancelCh <-chan struct{}) (*models.AssistantMessage, bool) {
	req := s.buildRequest()
	provider := s.cfg.Provider.Name()

	var endSpan func()
	if s.cfg.Tracer != nil {
		spanCtx, span := s.cfg.Tracer.TraceLLMRequest(ctx, provider, req.Model)
		ctx = spanCtx
		endSpan = func() { span.End() }
	}
	requestStart := time.Now()
	recordLLM := func(status string, usage models.Usage) {
		if endSpan != nil {
			endSpan()
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordLLMRequest(provider, req.Model, status, time.Since(requestStart).Seconds(), usage.Input, usage.Output)
			s.cfg.Metrics.RecordCacheTokens(provider, req.Model, usage.CacheRead, usage.CacheWrite)
		}
	}

	events, err := s.cfg.Provider.Stream(ctx, req, cancelCh)
	if err != nil {
		s.logger.Error(ctx, "provider stream failed", "provider", provider, "error", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordError("provider", "stream_start")
		}
		recordLLM("error", models.Usage{})
		s.subs.Emit(SessionEvent{Type: EventErrorEvent, Err: err})
		return nil, false
	}

	var base models.AssistantMessage
	var textBuf, thinkingBuf strings.Builder
	var finalMsg *models.AssistantMessage

	for ev := range events {
		s.subs.Emit(SessionEvent{Type: EventMessageUpdate, Stream: ev})

		switch ev.Type {
		case EventStart:
			base = models.AssistantMessage{Provider: ev.Provider, Model: ev.Model}
		case EventTextDelta:
			textBuf.WriteString(ev.Delta)
			s.publishScratch(base, models.Text{Text: textBuf.String()})
		case EventThinkingDelta:
			thinkingBuf.WriteString(ev.Delta)
			s.publishScratch(base, models.Thinking{Thinking: thinkingBuf.String()})
		case EventDone:
			finalMsg = ev.Message
		case EventError:
			s.logger.Error(ctx, "provider stream error", "provider", provider, "error", ev.Err)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordError("provider", "stream_event")
			}
			s.subs.Emit(SessionEvent{Type: EventErrorEvent, Err: ev.Err})
		}
	}

	if finalMsg == nil {
		recordLLM("error", models.Usage{})
		return nil, false
	}
	recordLLM("success", finalMsg.Usage)
	return finalMsg, true
}

func (s *Session) publishScratch(base models.AssistantMessage, latest models.ContentBlock) {
	scratch := base
	scratch.Content = []models.ContentBlock{latest}
	s.transcript.setInFlightAssistant(&scratch)
}

// buildRequest normalises the current transcript for the configured
// provider and attaches the policy-filtered tool set.
func (s *Session) buildRequest() *CompletionRequest {
	snapshot := s.transcript.Snapshot()
	normalized := NormalizeForProvider(snapshot, s.cfg.Provider.Name(), s.cfg.Provider.API())
	tools := filterToolsByPolicy(s.cfg.PolicyResolver, s.cfg.ToolPolicy, s.registry.AsLLMTools())
	return &CompletionRequest{
		Model:     s.cfg.Model,
		System:    s.cfg.SystemPrompt,
		Messages:  normalized,
		Tools:     tools,
		MaxTokens: s.cfg.MaxTokens,
		Reasoning: s.cfg.Reasoning,
	}
}

// runToolCalls dispatches toolCalls in call order: each is first offered
// to the extension dispatcher (first block wins), then the allowed
// subset runs concurrently via the executor. Results — blocked or
// executed — are appended to the transcript in the original call order.
func (s *Session) runToolCalls(ctx context.Context, toolCalls []models.ToolCall, cancelCh <-chan struct{}) {
	blocked := make(map[string]models.ToolResultMessage, len(toolCalls))
	allowed := make([]models.ToolCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		isBlocked, reason := s.dispatcher.ToolCall(ctx, tc.Name, tc.Arguments)
		if isBlocked {
			blocked[tc.ID] = models.ToolResultMessage{ToolCallID: tc.ID, ToolName: tc.Name, Content: reason, IsError: true}
			continue
		}
		allowed = append(allowed, tc)
	}

	tctx := sessionToolContext{s: s}
	var spanMu sync.Mutex
	endSpans := make(map[string]func())
	emit := func(evt ToolLifecycleEvent) {
		tc := evt.ToolCall
		switch evt.Phase {
		case "started":
			if s.cfg.Tracer != nil {
				_, span := s.cfg.Tracer.TraceToolCall(ctx, tc.Name, tc.ID)
				spanMu.Lock()
				endSpans[tc.ID] = func() { span.End() }
				spanMu.Unlock()
			}
			s.subs.Emit(SessionEvent{Type: EventToolExecStart, ToolCall: &tc})
		case "succeeded", "failed", "timeout":
			spanMu.Lock()
			endSpan, ok := endSpans[tc.ID]
			delete(endSpans, tc.ID)
			spanMu.Unlock()
			if ok {
				endSpan()
			}
			s.subs.Emit(SessionEvent{Type: EventToolExecEnd, ToolCall: &tc, ToolResult: evt.Result})
		}
	}

	var results []ToolExecResult
	if len(allowed) > 0 {
		results = s.executor.ExecuteConcurrently(ctx, allowed, tctx, cancelCh, emit)
	}
	for _, r := range results {
		status := "success"
		if r.Result.IsError {
			status = "error"
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordError("tool", r.ToolCall.Name)
			}
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordToolCall(r.ToolCall.Name, status, r.EndTime.Sub(r.StartTime).Seconds())
		}
	}
	resultByID := make(map[string]models.ToolResultMessage, len(results))
	for _, r := range results {
		resultByID[r.ToolCall.ID] = r.Result
	}

	for _, tc := range toolCalls {
		res, ok := blocked[tc.ID]
		if !ok {
			res, ok = resultByID[tc.ID]
		}
		if !ok {
			res = models.ToolResultMessage{ToolCallID: tc.ID, ToolName: tc.Name, Content: "tool did not produce a result", IsError: true}
		}
		res = guardToolResult(s.cfg.ToolResultGuard, tc.Name, res, s.cfg.PolicyResolver)
		s.dispatcher.ToolResult(ctx, res.ToolCallID, res.Content, res.IsError)
		if err := s.transcript.appendToolResult(res); err != nil {
			s.subs.Emit(SessionEvent{Type: EventErrorEvent, Err: err})
		}
	}
}

// compact implements §4.G: snapshot, cut to a tool-pair boundary,
// summarise the head via the provider, replace it with a
// CompactionSummaryMessage, emit a compaction event.
func (s *Session) compact(ctx context.Context, customInstructions string) error {
	if s.cfg.Provider == nil {
		return ErrNoProvider
	}

	if s.cfg.Tracer != nil {
		spanCtx, span := s.cfg.Tracer.TraceCompaction(ctx, s.sessionID())
		ctx = spanCtx
		defer span.End()
	}

	snapshot := s.transcript.Snapshot()
	cut := len(snapshot) - s.cfg.CompactKeepTail
	if cut <= 0 {
		return nil
	}
	cut = s.transcript.CutPointAtToolBoundary(cut)
	if cut <= 0 {
		return nil
	}
	head := snapshot[:cut]

	req := &CompletionRequest{
		Model:    s.cfg.Model,
		System:   "Summarize the conversation so far concisely. Preserve decisions, open tasks, file paths and any state a continuation would need.",
		Messages: []models.Message{models.NewUserText(renderCompactionPrompt(head, customInstructions))},
	}
	events, err := s.cfg.Provider.Stream(ctx, req, nil)
	if err != nil {
		return err
	}
	var final *models.AssistantMessage
	for ev := range events {
		if ev.Type == EventDone {
			final = ev.Message
		}
	}
	if final == nil {
		return fmt.Errorf("compact: provider produced no summary")
	}

	summary := final.Text()
	tokensBefore := final.Usage.Input
	if tokensBefore == 0 {
		tokensBefore = estimateTokens(renderCompactionPrompt(head, ""))
	}

	if err := s.transcript.replacePrefix(cut, models.CompactionSummaryMessage{Summary: summary, TokensBefore: tokensBefore}); err != nil {
		return err
	}

	tokensAfter := estimateTokens(summary)
	s.logger.Info(ctx, "compaction completed", "tokens_before", tokensBefore, "tokens_after", tokensAfter)
	if s.cfg.Metrics != nil {
		trigger := "threshold"
		if customInstructions != "" {
			trigger = "forced"
		}
		s.cfg.Metrics.RecordCompaction(trigger, tokensBefore-tokensAfter)
	}
	s.subs.Emit(SessionEvent{
		Type:         EventCompaction,
		TokensBefore: tokensBefore,
		TokensAfter:  tokensAfter,
		Summary:      summary,
	})
	return nil
}

// estimateTokens is the fallback tokenizer estimate (chars/4) used when
// a provider's reported usage is unavailable.
func estimateTokens(s string) int {
	return len(s) / 4
}

// renderCompactionPrompt flattens head into a plain-text transcript for
// the summarisation request, appending customInstructions if given.
func renderCompactionPrompt(head []models.Message, customInstructions string) string {
	var b strings.Builder
	b.WriteString("Conversation to summarize:\n\n")
	for _, m := range head {
		switch v := m.(type) {
		case models.UserMessage:
			b.WriteString("User: " + v.Text() + "\n")
		case models.AssistantMessage:
			b.WriteString("Assistant: " + v.Text() + "\n")
			for _, tc := range v.ToolCalls() {
				b.WriteString(fmt.Sprintf("Assistant called tool %s(%s)\n", tc.Name, string(tc.Arguments)))
			}
		case models.ToolResultMessage:
			b.WriteString(fmt.Sprintf("Tool %s result: %s\n", v.ToolName, v.Content))
		case models.CompactionSummaryMessage:
			b.WriteString("Earlier summary: " + v.Summary + "\n")
		}
	}
	if customInstructions != "" {
		b.WriteString("\nAdditional instructions: " + customInstructions + "\n")
	}
	return b.String()
}
