package agent

import "context"

// ExtensionDispatcher is the Session's view of the extension system
// (internal/extensions): sequential, per-extension, in load order,
// each handler individually timeout-bounded. A handler that errors,
// times out or panics is dealt with inside the implementation (the
// internal/extensions Dispatcher passes it to its onError callback);
// no hook_error session event results from it. The Session only calls
// through this interface and reacts to the returned decision.
type ExtensionDispatcher interface {
	// SessionStart runs once, before the first prompt.
	SessionStart(ctx context.Context)
	// SessionShutdown runs once, during teardown.
	SessionShutdown(ctx context.Context)
	// TurnStart runs before each LLM request.
	TurnStart(ctx context.Context)
	// TurnEnd runs after each turn concludes.
	TurnEnd(ctx context.Context)
	// AgentStart/AgentEnd bracket each user-initiated prompt.
	AgentStart(ctx context.Context)
	AgentEnd(ctx context.Context)
	// ToolCall runs before executing a tool call identified by name and
	// raw arguments. blocked reports whether the first handler to
	// return a block decision should cancel the tool (first block
	// wins); reason is the error text for the synthesised result.
	ToolCall(ctx context.Context, toolName string, arguments []byte) (blocked bool, reason string)
	// ToolResult runs after a tool call's result is known, whether
	// blocked or executed. It is informational: no return value
	// affects the already-decided result.
	ToolResult(ctx context.Context, toolCallID, content string, isError bool)
	// Branch runs an explicit branch point and returns the first
	// non-nil handler result, or nil if every handler declined.
	Branch(ctx context.Context, name string, payload any) any
}

// NoopExtensionDispatcher implements ExtensionDispatcher with no
// registered extensions; it is the default when a Session is built
// without one.
type NoopExtensionDispatcher struct{}

func (NoopExtensionDispatcher) SessionStart(ctx context.Context)    {}
func (NoopExtensionDispatcher) SessionShutdown(ctx context.Context) {}
func (NoopExtensionDispatcher) TurnStart(ctx context.Context)       {}
func (NoopExtensionDispatcher) TurnEnd(ctx context.Context)         {}
func (NoopExtensionDispatcher) AgentStart(ctx context.Context)      {}
func (NoopExtensionDispatcher) AgentEnd(ctx context.Context)        {}

func (NoopExtensionDispatcher) ToolCall(ctx context.Context, toolName string, arguments []byte) (bool, string) {
	return false, ""
}

func (NoopExtensionDispatcher) ToolResult(ctx context.Context, toolCallID, content string, isError bool) {
}

func (NoopExtensionDispatcher) Branch(ctx context.Context, name string, payload any) any {
	return nil
}
