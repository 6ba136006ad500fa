package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pi-run/pi/internal/agent"
)

// buildRPCCmd implements spec.md §6's RPC mode: line-delimited JSON on
// stdin drives one Session, and every session event (plus one synthetic
// event, bash_end) is written back to stdout as one JSON object per
// line.
func buildRPCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rpc",
		Short: "Run the line-delimited JSON RPC loop over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

// rpcCommand is the decoded shape of one stdin line; spec.md §6 names
// four input command types, discriminated by Type.
type rpcCommand struct {
	Type               string            `json:"type"`
	Message            string            `json:"message"`
	Attachments        []json.RawMessage `json:"attachments"`
	CustomInstructions string            `json:"customInstructions"`
	Command            string            `json:"command"`
}

// runRPC owns the session for the lifetime of one RPC process: it wires
// a fresh Session via bootstrap, forwards every session event to out,
// and decodes one input command per line from in until EOF. Exit code 0
// on stdin EOF; a non-nil error from bootstrap is the "fatal init
// failure" spec.md §6 calls out as the only non-zero-exit case.
func runRPC(ctx context.Context, in io.Reader, out io.Writer) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdownFn()

	enc := json.NewEncoder(out)
	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	emit := func(v map[string]any) {
		<-writeMu
		_ = enc.Encode(v)
		writeMu <- struct{}{}
	}

	unsubscribe := rt.session.Subscribe(agent.SubscriberFunc(func(e agent.SessionEvent) {
		emit(encodeSessionEvent(e))
	}))
	defer unsubscribe()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd rpcCommand
		if err := json.Unmarshal(line, &cmd); err != nil {
			emit(map[string]any{"type": "error", "error": fmt.Sprintf("invalid command: %v", err)})
			continue
		}
		if err := dispatchRPCCommand(ctx, rt, cmd, emit); err != nil {
			emit(map[string]any{"type": "error", "error": err.Error()})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpc: reading stdin: %w", err)
	}
	return nil
}

func dispatchRPCCommand(ctx context.Context, rt *runtime, cmd rpcCommand, emit func(map[string]any)) error {
	switch cmd.Type {
	case "prompt":
		rt.session.Prompt(agent.PromptInput{
			Text:                cmd.Message,
			ExpandSlashCommands: true,
		})
		return nil
	case "abort":
		rt.session.Abort()
		return nil
	case "compact":
		if err := rt.session.Compact(ctx, cmd.CustomInstructions); err != nil {
			return err
		}
		return nil
	case "bash":
		result, err := rt.session.ExecuteBash(ctx, cmd.Command)
		if err != nil {
			return err
		}
		emit(map[string]any{
			"type":   "bash_end",
			"stdout": result.Stdout,
			"stderr": result.Stderr,
			"code":   result.Code,
		})
		return nil
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

// encodeSessionEvent maps one agent.SessionEvent onto the wire shape
// spec.md §6 describes. Kept out of internal/agent deliberately: the
// core event types carry no JSON tags of their own, since only this RPC
// transport needs a wire encoding for them (a library caller driving a
// Session in-process never marshals a SessionEvent at all).
func encodeSessionEvent(e agent.SessionEvent) map[string]any {
	v := map[string]any{"type": string(e.Type)}
	switch e.Type {
	case agent.EventMessageUpdate:
		v["stream"] = encodeAssistantMessageEvent(e.Stream)
	case agent.EventToolExecStart, agent.EventToolExecEnd:
		if e.ToolCall != nil {
			v["toolCall"] = e.ToolCall
		}
		if e.ToolResult != nil {
			v["toolResult"] = e.ToolResult
		}
	case agent.EventCompaction:
		v["tokensBefore"] = e.TokensBefore
		v["tokensAfter"] = e.TokensAfter
		v["summary"] = e.Summary
	case agent.EventErrorEvent:
		if e.Err != nil {
			v["error"] = e.Err.Error()
		}
	case agent.EventHookError:
		v["hookEvent"] = e.HookEvent
		if e.Err != nil {
			v["error"] = e.Err.Error()
		}
	case agent.EventAgentStart, agent.EventAgentEnd:
		v["transcript"] = e.Transcript
	}
	return v
}

func encodeAssistantMessageEvent(ev *agent.AssistantMessageEvent) map[string]any {
	if ev == nil {
		return nil
	}
	v := map[string]any{"type": string(ev.Type)}
	if ev.Model != "" {
		v["model"] = ev.Model
	}
	if ev.Provider != "" {
		v["provider"] = ev.Provider
	}
	if ev.Content != "" {
		v["content"] = ev.Content
	}
	if ev.Delta != "" {
		v["delta"] = ev.Delta
	}
	if ev.ToolCall != nil {
		v["toolCall"] = ev.ToolCall
	}
	if ev.StopReason != "" {
		v["stopReason"] = string(ev.StopReason)
	}
	if ev.Message != nil {
		v["message"] = ev.Message
	}
	if ev.Err != nil {
		v["error"] = ev.Err.Error()
	}
	return v
}
