package bash

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type stubToolContext struct{ done chan struct{} }

func (s stubToolContext) Notify(string)         {}
func (s stubToolContext) Done() <-chan struct{} { return s.done }

func TestTool_Execute_Success(t *testing.T) {
	tool := New()
	raw, _ := json.Marshal(map[string]string{"command": "echo hello"})
	out, err := tool.Execute(context.Background(), "call-1", raw, nil, stubToolContext{done: make(chan struct{})}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.IsError {
		t.Fatalf("expected success, got IsError=true: %+v", out)
	}
	if !strings.Contains(out.Text(), "hello") {
		t.Errorf("output = %q, want it to contain hello", out.Text())
	}
}

func TestTool_Execute_NonZeroExit(t *testing.T) {
	tool := New()
	raw, _ := json.Marshal(map[string]string{"command": "exit 3"})
	out, err := tool.Execute(context.Background(), "call-1", raw, nil, stubToolContext{done: make(chan struct{})}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.IsError {
		t.Errorf("expected IsError=true for a non-zero exit")
	}
	if out.Details.(map[string]any)["code"] != 3 {
		t.Errorf("code = %v, want 3", out.Details.(map[string]any)["code"])
	}
}

func TestTool_Execute_MissingCommand(t *testing.T) {
	tool := New()
	if _, err := tool.Execute(context.Background(), "call-1", []byte(`{}`), nil, stubToolContext{done: make(chan struct{})}, nil); err == nil {
		t.Fatal("expected an error for a missing command")
	}
}

func TestTool_Parameters_NamesCommand(t *testing.T) {
	tool := New()
	var decoded map[string]any
	if err := json.Unmarshal(tool.Parameters(), &decoded); err != nil {
		t.Fatalf("decoding parameters: %v", err)
	}
	props, _ := decoded["properties"].(map[string]any)
	if _, ok := props["command"]; !ok {
		t.Errorf("expected a command property, got %+v", decoded)
	}
}
