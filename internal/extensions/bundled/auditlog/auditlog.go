// Package auditlog is a bundled extension that logs every tool_call and
// tool_result event it sees. It never blocks a call; it exists to give
// the bundled-extension convention a working example and to exercise
// the discovery → eligibility → Load pipeline end to end.
package auditlog

import (
	"context"
	"log/slog"

	"github.com/pi-run/pi/internal/extensions"
	"github.com/pi-run/pi/internal/hooks"
)

func init() {
	extensions.RegisterFactory("audit-log", func() extensions.Extension { return New(slog.Default()) })
}

// Extension implements extensions.Extension.
type Extension struct {
	logger *slog.Logger
}

// New builds an audit-log extension that writes through logger.
func New(logger *slog.Logger) *Extension {
	return &Extension{logger: logger.With("extension", "audit-log")}
}

func (e *Extension) Name() string { return "audit-log" }

func (e *Extension) Load(api *extensions.ExtensionAPI) error {
	api.RegisterHook(hooks.EventToolCall, func(ctx context.Context, event *hooks.Event) (*hooks.Decision, error) {
		e.logger.Info("tool_call", "tool", event.ToolName)
		return nil, nil
	}, hooks.WithName("audit-log"), hooks.WithPriority(hooks.PriorityLowest))

	api.RegisterHook(hooks.EventToolResult, func(ctx context.Context, event *hooks.Event) (*hooks.Decision, error) {
		e.logger.Info("tool_result", "toolCallId", event.ToolCallID, "isError", event.ResultIsError)
		return nil, nil
	}, hooks.WithName("audit-log"), hooks.WithPriority(hooks.PriorityLowest))

	return nil
}
