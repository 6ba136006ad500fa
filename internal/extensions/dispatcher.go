package extensions

import (
	"context"

	"github.com/pi-run/pi/internal/hooks"
)

// HookErrorFunc receives one notification per handler that errors,
// times out or panics while Dispatcher runs a lifecycle event.
type HookErrorFunc func(eventType string, handlerName string, err error)

// Dispatcher implements agent.ExtensionDispatcher on top of a
// hooks.Registry. It is the concrete object a Session is built with;
// each Session owns its own Dispatcher/Registry pair rather than
// sharing a process-global one, so one session's extensions can never
// observe or block another's tool calls.
type Dispatcher struct {
	registry *hooks.Registry
	onError  HookErrorFunc
}

// NewDispatcher wraps registry. onError, if non-nil, is called for
// every handler failure so the caller can surface a hook_error session
// event; it may be nil to discard them.
func NewDispatcher(registry *hooks.Registry, onError HookErrorFunc) *Dispatcher {
	return &Dispatcher{registry: registry, onError: onError}
}

func (d *Dispatcher) report(eventType hooks.EventType) func(reg *hooks.Registration, err error) {
	if d.onError == nil {
		return nil
	}
	return func(reg *hooks.Registration, err error) {
		d.onError(string(eventType), reg.Name, err)
	}
}

func (d *Dispatcher) fire(ctx context.Context, t hooks.EventType) {
	d.registry.Trigger(ctx, hooks.NewEvent(t), d.report(t))
}

func (d *Dispatcher) SessionStart(ctx context.Context)    { d.fire(ctx, hooks.EventSessionStart) }
func (d *Dispatcher) SessionShutdown(ctx context.Context) { d.fire(ctx, hooks.EventSessionShutdown) }
func (d *Dispatcher) TurnStart(ctx context.Context)       { d.fire(ctx, hooks.EventTurnStart) }
func (d *Dispatcher) TurnEnd(ctx context.Context)         { d.fire(ctx, hooks.EventTurnEnd) }
func (d *Dispatcher) AgentStart(ctx context.Context)      { d.fire(ctx, hooks.EventAgentStart) }
func (d *Dispatcher) AgentEnd(ctx context.Context)        { d.fire(ctx, hooks.EventAgentEnd) }

// ToolCall fires tool_call handlers in priority order; the first
// Decision with Block true stops the chain and its Reason is returned.
func (d *Dispatcher) ToolCall(ctx context.Context, toolName string, arguments []byte) (bool, string) {
	event := hooks.NewEvent(hooks.EventToolCall)
	event.ToolName = toolName
	event.ToolArguments = arguments

	decision := d.registry.Trigger(ctx, event, d.report(hooks.EventToolCall))
	if decision != nil && decision.Block {
		return true, decision.Reason
	}
	return false, ""
}

// ToolResult fires tool_result handlers, informationally — no handler
// decision affects the already-completed call.
func (d *Dispatcher) ToolResult(ctx context.Context, toolCallID, content string, isError bool) {
	event := hooks.NewEvent(hooks.EventToolResult)
	event.ToolCallID = toolCallID
	event.ResultContent = content
	event.ResultIsError = isError
	d.registry.Trigger(ctx, event, d.report(hooks.EventToolResult))
}

// Branch fires branch handlers in priority order and returns the first
// non-nil Result, or nil if every handler declined to answer.
func (d *Dispatcher) Branch(ctx context.Context, name string, payload any) any {
	event := hooks.NewEvent(hooks.EventBranch)
	event.BranchName = name
	event.BranchPayload = payload

	decision := d.registry.Trigger(ctx, event, d.report(hooks.EventBranch))
	if decision != nil {
		return decision.Result
	}
	return nil
}
