package extensions

import (
	"context"
	"testing"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/hooks"
)

var _ agent.ExtensionDispatcher = (*Dispatcher)(nil)

func TestDispatcher_ToolCallBlocks(t *testing.T) {
	registry := hooks.NewRegistry(nil)
	registry.Register(hooks.EventToolCall, func(ctx context.Context, e *hooks.Event) (*hooks.Decision, error) {
		if e.ToolName == "bash" {
			return &hooks.Decision{Block: true, Reason: "no rm"}, nil
		}
		return nil, nil
	})

	d := NewDispatcher(registry, nil)
	blocked, reason := d.ToolCall(context.Background(), "bash", []byte(`{"command":"rm -rf /"}`))
	if !blocked || reason != "no rm" {
		t.Fatalf("expected blocked=true reason=%q, got blocked=%v reason=%q", "no rm", blocked, reason)
	}

	blocked, _ = d.ToolCall(context.Background(), "read_file", nil)
	if blocked {
		t.Error("expected read_file to be allowed")
	}
}

func TestDispatcher_BranchReturnsFirstNonNil(t *testing.T) {
	registry := hooks.NewRegistry(nil)
	registry.Register(hooks.EventBranch, func(ctx context.Context, e *hooks.Event) (*hooks.Decision, error) {
		return &hooks.Decision{Result: "chosen"}, nil
	})

	d := NewDispatcher(registry, nil)
	result := d.Branch(context.Background(), "pick-path", nil)
	if result != "chosen" {
		t.Fatalf("expected %q, got %v", "chosen", result)
	}
}

func TestDispatcher_ReportsHandlerErrors(t *testing.T) {
	registry := hooks.NewRegistry(nil)
	registry.Register(hooks.EventTurnStart, func(ctx context.Context, e *hooks.Event) (*hooks.Decision, error) {
		panic("boom")
	}, hooks.WithName("flaky"))

	var gotEvent, gotHandler string
	d := NewDispatcher(registry, func(eventType, handlerName string, err error) {
		gotEvent, gotHandler = eventType, handlerName
	})

	d.TurnStart(context.Background())

	if gotEvent != string(hooks.EventTurnStart) || gotHandler != "flaky" {
		t.Fatalf("expected hook_error report for turn_start/flaky, got %q/%q", gotEvent, gotHandler)
	}
}
