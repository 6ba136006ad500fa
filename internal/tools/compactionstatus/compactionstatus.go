// Package compactionstatus implements the "compaction_status" tool: it
// lets the model check whether its own context has already been
// compacted and, if so, how many tokens the last compaction reclaimed.
package compactionstatus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pi-run/pi/internal/agent"
	"github.com/pi-run/pi/internal/tools"
	"github.com/pi-run/pi/pkg/models"
)

// Tool reports the most recent compaction recorded in the bound
// session's transcript, if any. Bind must be called once the owning
// session exists; registering the tool happens earlier, before
// agent.NewSession returns a session to bind to.
type Tool struct {
	agent.BaseTool
	session *agent.Session
}

var _ agent.Tool = (*Tool)(nil)

func New() *Tool { return &Tool{} }

// Bind attaches the owning session. Must run before the first turn.
func (t *Tool) Bind(session *agent.Session) { t.session = session }

func (*Tool) Name() string { return "compaction_status" }
func (*Tool) Description() string {
	return "Report whether the conversation's context has been compacted and, if so, how many tokens the last compaction summarised away."
}

func (*Tool) Parameters() json.RawMessage {
	schema, err := tools.GenerateSchema(&struct{}{})
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return schema
}

func (t *Tool) Execute(_ context.Context, _ string, _ json.RawMessage, _ agent.ToolUpdate, _ agent.ToolContext, _ <-chan struct{}) (agent.ToolOutput, error) {
	if t.session == nil {
		return agent.ToolOutput{}, fmt.Errorf("compaction_status: tool not bound to a session")
	}

	var last *models.CompactionSummaryMessage
	for _, msg := range t.session.Transcript().Snapshot() {
		if summary, ok := msg.(models.CompactionSummaryMessage); ok {
			s := summary
			last = &s
		}
	}

	if last == nil {
		return agent.ToolOutput{
			Content: []models.Text{{Text: "no compaction has run yet"}},
			Details: map[string]any{"compacted": false},
		}, nil
	}

	return agent.ToolOutput{
		Content: []models.Text{{Text: fmt.Sprintf("last compaction summarised %d tokens worth of earlier messages", last.TokensBefore)}},
		Details: map[string]any{"compacted": true, "tokensBefore": last.TokensBefore, "summary": last.Summary},
	}, nil
}
