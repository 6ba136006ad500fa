// Package bash implements the "bash" model-invocable tool: the model
// calls it mid-turn the same way any other tool call is dispatched,
// distinct from the session's direct ExecuteBash RPC command which
// bypasses the model entirely.
package bash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/tools"
	"github.com/pi-run/pi/pkg/models"
)

// Tool runs shell commands via /bin/sh -c, the same invocation the
// session's own ExecuteBash uses for the RPC "bash" command.
type Tool struct {
	agent.BaseTool
}

type args struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run via /bin/sh -c"`
}

var _ agent.Tool = Tool{}

func New() Tool { return Tool{} }

func (Tool) Name() string { return "bash" }
func (Tool) Description() string {
	return "Run a shell command and return its stdout/stderr/exit code."
}

func (Tool) Parameters() json.RawMessage {
	schema, err := tools.GenerateSchema(&args{})
	if err != nil {
		// GenerateSchema only fails on a reflection bug in args itself;
		// an empty object schema still lets the tool register rather
		// than panicking the whole session.
		return json.RawMessage(`{"type":"object"}`)
	}
	return schema
}

func (Tool) Execute(ctx context.Context, callID string, raw json.RawMessage, onUpdate agent.ToolUpdate, tctx agent.ToolContext, cancel <-chan struct{}) (agent.ToolOutput, error) {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return agent.ToolOutput{}, fmt.Errorf("bash: decoding arguments: %w", err)
	}
	if a.Command == "" {
		return agent.ToolOutput{}, fmt.Errorf("bash: command is required")
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-runCtx.Done():
		}
	}()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", a.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	code := 0
	isError := false
	if runErr != nil {
		isError = true
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n" + stderr.String()
	}
	if onUpdate != nil {
		onUpdate(out)
	}

	return agent.ToolOutput{
		Content: []models.Text{{Text: fmt.Sprintf("exit code: %d\n%s", code, out)}},
		Details: map[string]any{"code": code, "stdout": stdout.String(), "stderr": stderr.String()},
		IsError: isError,
	}, nil
}
