package extensions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/hooks"
)

type fakeTool struct {
	name string
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Label() string               { return f.name }
func (f *fakeTool) Description() string         { return "fake" }
func (f *fakeTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Execute(ctx context.Context, callID string, args json.RawMessage, onUpdate agent.ToolUpdate, tctx agent.ToolContext, cancel <-chan struct{}) (agent.ToolOutput, error) {
	return agent.ToolOutput{}, nil
}

type fakeExtension struct {
	name     string
	loadFunc func(api *ExtensionAPI) error
}

func (f *fakeExtension) Name() string { return f.name }
func (f *fakeExtension) Load(api *ExtensionAPI) error {
	if f.loadFunc != nil {
		return f.loadFunc(api)
	}
	return nil
}

func TestLoader_LoadAll_RegistersToolsAndHooks(t *testing.T) {
	RegisterFactory("test-echo", func() Extension {
		return &fakeExtension{name: "test-echo", loadFunc: func(api *ExtensionAPI) error {
			if err := api.RegisterTool(&fakeTool{name: "echo"}); err != nil {
				return err
			}
			api.RegisterHook(hooks.EventTurnStart, func(ctx context.Context, e *hooks.Event) (*hooks.Decision, error) {
				return nil, nil
			})
			return api.RegisterCommand(Command{Name: "echo", Run: func(args string) (string, error) { return args, nil }})
		}}
	})

	registry := hooks.NewRegistry(nil)
	tools := agent.NewToolRegistry()
	loader := NewLoader(registry, tools, nil)

	entries := []*Entry{{
		Manifest: Manifest{Name: "test-echo", Events: []hooks.EventType{hooks.EventTurnStart}, Always: true},
	}}

	if err := loader.LoadAll(entries, NewGatingContext(nil)); err != nil {
		t.Fatal(err)
	}

	if got := loader.Loaded(); len(got) != 1 || got[0] != "test-echo" {
		t.Fatalf("expected test-echo to be loaded, got %v", got)
	}
	if _, ok := tools.Get("echo"); !ok {
		t.Error("expected the echo tool to be registered")
	}
	if len(loader.API.Commands()) != 1 {
		t.Error("expected the echo command to be registered")
	}
	if len(registry.ListRegistrations(hooks.EventTurnStart)) != 1 {
		t.Error("expected the turn_start hook to be registered")
	}
}

func TestExtensionAPI_RejectsRegistrationOutsideLoad(t *testing.T) {
	registry := hooks.NewRegistry(nil)
	tools := agent.NewToolRegistry()
	api := newExtensionAPI(registry, tools, nil)

	if err := api.RegisterTool(&fakeTool{name: "late"}); err == nil {
		t.Error("expected registration to be rejected once the API is closed")
	}
}

func TestLoader_SkipsIneligibleEntries(t *testing.T) {
	RegisterFactory("test-gated", func() Extension {
		return &fakeExtension{name: "test-gated"}
	})

	registry := hooks.NewRegistry(nil)
	tools := agent.NewToolRegistry()
	loader := NewLoader(registry, tools, nil)

	disabled := false
	entries := []*Entry{{
		Manifest: Manifest{Name: "test-gated", Events: []hooks.EventType{hooks.EventTurnStart}, Enabled: &disabled},
	}}

	if err := loader.LoadAll(entries, NewGatingContext(nil)); err != nil {
		t.Fatal(err)
	}
	if got := loader.Loaded(); len(got) != 0 {
		t.Fatalf("expected no extensions loaded, got %v", got)
	}
}
