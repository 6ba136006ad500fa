package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pi-run/pi/internal/jobs"
	"github.com/pi-run/pi/pkg/models"
)

// ToolExecConfig configures tool execution behavior: concurrency,
// per-tool timeout and retry.
type ToolExecConfig struct {
	// Concurrency is maxParallelTools: the maximum number of concurrent
	// tool executions drawn from one assistant message's call set.
	Concurrency int

	// PerToolTimeout bounds a single execution attempt.
	PerToolTimeout time.Duration

	// MaxAttempts is the number of attempts per tool call (default 1).
	MaxAttempts int

	// RetryBackoff waits between retries.
	RetryBackoff time.Duration

	// AsyncTools lists tool name patterns (same glob syntax as policy
	// groups) that run fire-and-forget: a matching call is dispatched to
	// Jobs and the turn gets an immediate job-id result instead of
	// blocking on completion (SPEC_FULL.md §4 "Async/fire-and-forget
	// tools").
	AsyncTools []string

	// Jobs backs AsyncTools dispatch. Required only if AsyncTools is
	// non-empty; a nil Jobs with a matching call falls back to the
	// synchronous path.
	Jobs jobs.Store
}

// DefaultToolExecConfig returns sensible defaults: concurrency 4, 30s
// per-tool timeout, no retry.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		MaxAttempts:    1,
	}
}

// ToolExecutor runs a set of tool calls from one assistant message with
// bounded concurrency, per-tool timeout and retry, while guaranteeing
// that results come back indexed by call order (invariant 2 of §3).
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
}

// NewToolExecutor creates an executor over registry. Zero fields in
// config are replaced with DefaultToolExecConfig's values.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &ToolExecutor{registry: registry, config: config}
}

// ToolExecResult pairs a tool call with its result and timing, at the
// index it held in the input slice.
type ToolExecResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResultMessage
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// ToolLifecycleEvent is emitted as a tool call progresses; the session
// controller republishes these as tool_execution_start/_end subscriber
// events.
type ToolLifecycleEvent struct {
	Phase    string // "started" | "succeeded" | "failed" | "timeout"
	ToolCall models.ToolCall
	Attempt  int
	Result   *models.ToolResultMessage
}

// EventCallback is a non-blocking callback invoked for tool lifecycle
// events during execution.
type EventCallback func(ToolLifecycleEvent)

// ExecuteConcurrently executes toolCalls with up to config.Concurrency
// running at once and returns results indexed identically to the input
// — callers append results in that same order regardless of which
// goroutine finished first, satisfying the call-order invariant.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, toolCalls []models.ToolCall, tctx ToolContext, cancel <-chan struct{}, emit EventCallback) []ToolExecResult {
	results := make([]ToolExecResult, len(toolCalls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		if e.config.Jobs != nil && matchesToolPatterns(e.config.AsyncTools, tc.Name, nil) {
			results[i] = e.dispatchAsync(tc, tctx, emit)
			results[i].Index = i
			continue
		}

		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolExecResult{
					Index:    idx,
					ToolCall: call,
					Result: models.ToolResultMessage{
						ToolCallID: call.ID,
						ToolName:   call.Name,
						Content:    "context canceled",
						IsError:    true,
					},
				}
				return
			}

			start := time.Now()
			result, timedOut := e.executeWithRetry(ctx, call, tctx, cancel, emit)
			end := time.Now()

			results[idx] = ToolExecResult{
				Index:     idx,
				ToolCall:  call,
				Result:    result,
				StartTime: start,
				EndTime:   end,
				TimedOut:  timedOut,
			}
		}(i, tc)
	}

	wg.Wait()
	return results
}

// dispatchAsync queues call as a background job and returns immediately
// with a job-id result; the turn never waits on the tool's own
// completion. The job runs against its own detached context so it keeps
// running after the turn (and the turn's cancel channel) is gone.
func (e *ToolExecutor) dispatchAsync(call models.ToolCall, tctx ToolContext, emit EventCallback) ToolExecResult {
	now := time.Now()
	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  now,
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())

	if err := e.config.Jobs.Create(bgCtx, job); err != nil {
		bgCancel()
		return ToolExecResult{
			ToolCall:  call,
			StartTime: now,
			EndTime:   time.Now(),
			Result: models.ToolResultMessage{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    fmt.Sprintf("failed to queue job: %v", err),
				IsError:    true,
			},
		}
	}
	if registrar, ok := e.config.Jobs.(jobs.CancelRegistrar); ok {
		registrar.SetCancelFunc(job.ID, bgCancel)
	}

	if emit != nil {
		emit(ToolLifecycleEvent{Phase: "started", ToolCall: call, Attempt: 1})
	}

	go func() {
		defer bgCancel()

		job.Status = jobs.StatusRunning
		job.StartedAt = time.Now()
		_ = e.config.Jobs.Update(bgCtx, job)

		result, _ := e.executeOnce(bgCtx, call, tctx, nil)

		job.FinishedAt = time.Now()
		job.Result = &result
		if result.IsError {
			job.Status = jobs.StatusFailed
			job.Error = result.Content
		} else {
			job.Status = jobs.StatusSucceeded
		}
		_ = e.config.Jobs.Update(bgCtx, job)

		if emit != nil {
			phase := "succeeded"
			if result.IsError {
				phase = "failed"
			}
			emit(ToolLifecycleEvent{Phase: phase, ToolCall: call, Attempt: 1, Result: &result})
		}
	}()

	return ToolExecResult{
		ToolCall:  call,
		StartTime: now,
		EndTime:   time.Now(),
		Result: models.ToolResultMessage{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    fmt.Sprintf("queued as background job %s", job.ID),
			IsError:    false,
		},
	}
}

func (e *ToolExecutor) executeWithRetry(ctx context.Context, call models.ToolCall, tctx ToolContext, cancel <-chan struct{}, emit EventCallback) (models.ToolResultMessage, bool) {
	var result models.ToolResultMessage
	var timedOut bool

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if emit != nil {
			emit(ToolLifecycleEvent{Phase: "started", ToolCall: call, Attempt: attempt})
		}

		toolCtx, done := context.WithTimeout(ctx, e.config.PerToolTimeout)
		result, timedOut = e.executeOnce(toolCtx, call, tctx, cancel)
		done()

		if !result.IsError {
			if emit != nil {
				emit(ToolLifecycleEvent{Phase: "succeeded", ToolCall: call, Attempt: attempt, Result: &result})
			}
			break
		}
		if emit != nil {
			phase := "failed"
			if timedOut {
				phase = "timeout"
			}
			emit(ToolLifecycleEvent{Phase: phase, ToolCall: call, Attempt: attempt, Result: &result})
		}
		if attempt < e.config.MaxAttempts && e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				return models.ToolResultMessage{ToolCallID: call.ID, ToolName: call.Name, Content: "tool execution canceled", IsError: true}, false
			case <-cancel:
				return models.ToolResultMessage{ToolCallID: call.ID, ToolName: call.Name, Content: "aborted", IsError: true}, false
			}
		}
	}
	return result, timedOut
}

// executeOnce runs a single attempt, racing the tool's own completion
// against ctx cancellation and the turn's cancel signal.
func (e *ToolExecutor) executeOnce(ctx context.Context, call models.ToolCall, tctx ToolContext, cancel <-chan struct{}) (models.ToolResultMessage, bool) {
	resultChan := make(chan models.ToolResultMessage, 1)
	go func() {
		res := e.registry.Execute(ctx, call.ID, call, nil, tctx, cancel)
		select {
		case resultChan <- res:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		timedOut := ctx.Err() == context.DeadlineExceeded
		content := "tool execution canceled"
		if timedOut {
			content = "tool execution timed out"
		}
		return models.ToolResultMessage{ToolCallID: call.ID, ToolName: call.Name, Content: content, IsError: true}, timedOut
	case <-cancel:
		return models.ToolResultMessage{ToolCallID: call.ID, ToolName: call.Name, Content: "aborted", IsError: true}, false
	case res := <-resultChan:
		return res, false
	}
}
