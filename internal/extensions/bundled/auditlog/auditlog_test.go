package auditlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/extensions"
	"github.com/pi-run/pi/internal/hooks"
)

func TestAuditLog_LogsToolCallAndResult(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	registry := hooks.NewRegistry(nil)
	tools := agent.NewToolRegistry()
	loader := extensions.NewLoader(registry, tools, logger)

	extensions.RegisterFactory("audit-log-test", func() extensions.Extension { return New(logger) })
	entries := []*extensions.Entry{{
		Manifest: extensions.Manifest{Name: "audit-log-test", Events: []hooks.EventType{hooks.EventToolCall, hooks.EventToolResult}, Always: true},
	}}

	if err := loader.LoadAll(entries, extensions.NewGatingContext(nil)); err != nil {
		t.Fatal(err)
	}

	registry.Trigger(context.Background(), &hooks.Event{Type: hooks.EventToolCall, ToolName: "bash"}, nil)
	registry.Trigger(context.Background(), &hooks.Event{Type: hooks.EventToolResult, ToolCallID: "1", ResultIsError: false}, nil)

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("tool_call")) {
		t.Errorf("expected a tool_call log line, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("tool_result")) {
		t.Errorf("expected a tool_result log line, got: %s", out)
	}
}
