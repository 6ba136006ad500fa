package compactionstatus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pi-run/pi/internal/agent"
)

func TestTool_Execute_Unbound(t *testing.T) {
	tool := New()
	if _, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{}`), nil, nil, nil); err == nil {
		t.Fatal("expected an error before Bind is called")
	}
}

func TestTool_Execute_NoCompactionYet(t *testing.T) {
	tool := New()
	session := agent.NewSession(agent.NewToolRegistry(), agent.SessionConfig{})
	defer session.Close()
	tool.Bind(session)

	out, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{}`), nil, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Details.(map[string]any)["compacted"] != false {
		t.Errorf("expected compacted=false, got %+v", out.Details)
	}
}
