package agent

import (
	"context"
	"encoding/json"

	"github.com/pi-run/pi/pkg/models"
)

// ToolUpdate is delivered by a running tool to report incremental
// progress; callers display it but it never enters the transcript.
type ToolUpdate func(partial string)

// ToolContext exposes the handful of capabilities a tool's Execute may
// need beyond its validated arguments: UI access, shutdown signalling
// and the ability to spawn subordinate work. The session controller
// constructs the concrete implementation.
type ToolContext interface {
	// Notify surfaces a message to the interactive UI, if any.
	Notify(message string)
	// Done is closed when the owning session is shutting down.
	Done() <-chan struct{}
}

// ToolOutput is the result of a successful tool invocation.
type ToolOutput struct {
	Content []models.Text
	Details any
	IsError bool
}

// Text concatenates the output's Text blocks, the canonical single
// string a completions-style provider embeds as the tool result.
func (o ToolOutput) Text() string {
	var out string
	for _, t := range o.Content {
		out += t.Text
	}
	return out
}

// Tool is a registrable, executable capability the model may invoke.
// Parameters is a JSON-Schema object the registry validates arguments
// against before Execute is ever called.
type Tool interface {
	Name() string
	Label() string
	Description() string
	Parameters() json.RawMessage

	Execute(ctx context.Context, callID string, args json.RawMessage, onUpdate ToolUpdate, tctx ToolContext, cancel <-chan struct{}) (ToolOutput, error)
}

// BaseTool provides an empty Label() default (no distinct display label)
// so concrete tools that don't need one can embed it.
type BaseTool struct{}

func (BaseTool) Label() string { return "" }
