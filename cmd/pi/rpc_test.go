package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/pkg/models"
)

func newTestRuntime() *runtime {
	session := agent.NewSession(agent.NewToolRegistry(), agent.SessionConfig{})
	return &runtime{session: session, shutdownFn: session.Close}
}

func TestEncodeSessionEvent_MessageUpdate(t *testing.T) {
	e := agent.SessionEvent{
		Type:   agent.EventMessageUpdate,
		Stream: &agent.AssistantMessageEvent{Type: agent.EventTextDelta, Delta: "hi"},
	}
	v := encodeSessionEvent(e)
	if v["type"] != string(agent.EventMessageUpdate) {
		t.Fatalf("type = %v", v["type"])
	}
	stream, ok := v["stream"].(map[string]any)
	if !ok {
		t.Fatalf("stream = %T, want map[string]any", v["stream"])
	}
	if stream["delta"] != "hi" {
		t.Errorf("delta = %v, want hi", stream["delta"])
	}
}

func TestEncodeSessionEvent_Compaction(t *testing.T) {
	e := agent.SessionEvent{Type: agent.EventCompaction, TokensBefore: 100, TokensAfter: 40, Summary: "summarised"}
	v := encodeSessionEvent(e)
	if v["tokensBefore"] != 100 || v["tokensAfter"] != 40 || v["summary"] != "summarised" {
		t.Errorf("unexpected encoding: %+v", v)
	}
}

func TestEncodeSessionEvent_Error(t *testing.T) {
	e := agent.SessionEvent{Type: agent.EventErrorEvent, Err: errors.New("boom")}
	v := encodeSessionEvent(e)
	if v["error"] != "boom" {
		t.Errorf("error = %v, want boom", v["error"])
	}
}

func TestEncodeAssistantMessageEvent_Nil(t *testing.T) {
	if got := encodeAssistantMessageEvent(nil); got != nil {
		t.Errorf("expected nil map for nil event, got %v", got)
	}
}

func TestEncodeAssistantMessageEvent_ToolCall(t *testing.T) {
	ev := &agent.AssistantMessageEvent{
		Type:     agent.EventToolCallDelta,
		ToolCall: &models.ToolCall{ID: "1", Name: "read_file", Arguments: []byte(`{"path":"a"}`)},
	}
	v := encodeAssistantMessageEvent(ev)
	tc, ok := v["toolCall"].(*models.ToolCall)
	if !ok {
		t.Fatalf("toolCall = %T, want *models.ToolCall", v["toolCall"])
	}
	if tc.Name != "read_file" {
		t.Errorf("Name = %q", tc.Name)
	}
}

func TestDispatchRPCCommand_UnknownType(t *testing.T) {
	rt := newTestRuntime()
	defer rt.shutdownFn()
	err := dispatchRPCCommand(context.Background(), rt, rpcCommand{Type: "nonsense"}, func(map[string]any) {})
	if err == nil {
		t.Fatal("expected an error for an unknown command type")
	}
}

func TestDispatchRPCCommand_Abort(t *testing.T) {
	rt := newTestRuntime()
	defer rt.shutdownFn()
	if err := dispatchRPCCommand(context.Background(), rt, rpcCommand{Type: "abort"}, func(map[string]any) {}); err != nil {
		t.Fatalf("abort on an idle session should be a no-op: %v", err)
	}
}

func TestDispatchRPCCommand_Bash(t *testing.T) {
	rt := newTestRuntime()
	defer rt.shutdownFn()

	var emitted map[string]any
	err := dispatchRPCCommand(context.Background(), rt, rpcCommand{Type: "bash", Command: "echo hello"}, func(v map[string]any) {
		emitted = v
	})
	if err != nil {
		t.Fatalf("dispatchRPCCommand: %v", err)
	}
	if emitted["type"] != "bash_end" {
		t.Fatalf("emitted = %+v", emitted)
	}
	if stdout, _ := emitted["stdout"].(string); !strings.Contains(stdout, "hello") {
		t.Errorf("stdout = %q, want it to contain hello", stdout)
	}
	if emitted["code"] != 0 {
		t.Errorf("code = %v, want 0", emitted["code"])
	}
}
