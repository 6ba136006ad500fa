package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pi-run/pi/internal/agent"
)

// buildPromptCmd runs a single turn non-interactively: useful for
// scripting and smoke-testing a provider/config without the RPC wire
// protocol. Prints assistant text as it streams and exits once the
// turn's agent_end event fires.
func buildPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt [message]",
		Short: "Run a single turn and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.shutdownFn()

			done := make(chan struct{})
			out := cmd.OutOrStdout()
			unsubscribe := rt.session.Subscribe(agent.SubscriberFunc(func(e agent.SessionEvent) {
				switch e.Type {
				case agent.EventMessageUpdate:
					if e.Stream != nil && e.Stream.Type == agent.EventTextDelta {
						fmt.Fprint(out, e.Stream.Delta)
					}
				case agent.EventErrorEvent:
					if e.Err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "\nerror: %v\n", e.Err)
					}
				case agent.EventAgentEnd:
					close(done)
				}
			}))
			defer unsubscribe()

			rt.session.Prompt(agent.PromptInput{Text: strings.TrimSpace(args[0])})
			<-done
			fmt.Fprintln(out)
			return nil
		},
	}
	return cmd
}
