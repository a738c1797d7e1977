package commands

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ingenious"
	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/printer"
	"github.com/hupe1980/ingenious/orchestrator"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	var (
		conversationID string
		indexPattern   string
		quiet          bool
	)

	cmd := &cobra.Command{
		Use:   "chat <workflow>",
		Short: "Start an interactive conversation with a workflow",
		Long: `Start an interactive conversation with a workflow.

Each line you type is one user message. Agents reply until the workflow
yields back to you or the conversation terminates.

Commands inside the chat:
  /history  - print the committed transcript
  /end      - terminate the conversation
  /exit     - leave without terminating (resume later with --conversation)

Examples:
  # Chat with the support workflow
  ingenious chat support

  # Index a document folder first (in-memory lexical index)
  ingenious chat support --index ./docs

  # Resume a conversation held by a durable store
  ingenious chat support --conversation 2f6c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cfg, err := flags.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			p := printer.New(cmd.OutOrStdout())

			if indexPattern != "" {
				stats, err := app.Ingest(ctx, indexPattern, cfg.Ingest)
				if err != nil {
					return err
				}
				p.Success("indexed %d chunks from %d documents\n", stats.Chunks, stats.Documents)
			}

			id := conversationID
			if id == "" {
				if id, err = app.CreateSession(ctx, args[0]); err != nil {
					return err
				}
				p.Faint("conversation %s\n", id)
			} else {
				history, err := app.History(ctx, id, 0)
				if err != nil {
					return err
				}
				for _, m := range history {
					p.Message(m)
				}
			}

			return chatLoop(ctx, app, id, bufio.NewScanner(cmd.InOrStdin()), p, quiet)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Resume an existing conversation")
	cmd.Flags().StringVar(&indexPattern, "index", "", "Ingest files matching this path or glob before chatting")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide step and retrieval progress")
	return cmd
}

func chatLoop(ctx context.Context, app *ingenious.Ingenious, id string, in *bufio.Scanner, p *printer.Printer, quiet bool) error {
	for {
		p.Faint("you> ")
		if !in.Scan() {
			p.Info("\n")
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())

		var input core.Input
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/history":
			history, err := app.History(ctx, id, 0)
			if err != nil {
				return err
			}
			for _, m := range history {
				p.Message(m)
			}
			continue
		case line == "/end" || strings.HasPrefix(line, "/end "):
			input = core.Input{Action: core.Terminate{Reason: strings.TrimSpace(strings.TrimPrefix(line, "/end"))}}
		default:
			input = core.TextInput(line)
		}

		out, err := streamTurn(ctx, app, id, input, p, quiet)
		if err != nil {
			switch core.KindOf(err) {
			case core.KindTerminated, core.KindNotFound, core.KindConfiguration:
				return err
			}
			// The conversation stays usable after a failed turn.
			p.Warning("%v\n", err)
			continue
		}
		if out.Status == core.StatusTerminated {
			p.Success("conversation ended%s\n", describeTermination(out.Termination))
			return nil
		}
	}
}

// streamTurn advances the conversation and renders its events.
func streamTurn(ctx context.Context, app *ingenious.Ingenious, id string, input core.Input, p *printer.Printer, quiet bool) (*orchestrator.Outcome, error) {
	events, errs := app.Stream(ctx, id, input)
	var out *orchestrator.Outcome
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventStepStarted:
			if !quiet {
				p.Step("%s\n", ev.Agent)
			}
		case orchestrator.EventRetrieval:
			if !quiet && ev.Retrieval != nil {
				p.Faint("  retrieved %d passages for %q\n", len(ev.Retrieval.Passages), ev.Retrieval.Query)
			}
		case orchestrator.EventMessage:
			if ev.Message != nil && ev.Message.Sender != core.SenderUser {
				p.Message(*ev.Message)
			}
		case orchestrator.EventCommitted, orchestrator.EventFailed:
			out = ev.Outcome
		}
	}
	if err := <-errs; err != nil {
		return out, err
	}
	if out == nil {
		return nil, fmt.Errorf("advance finished without an outcome")
	}
	return out, nil
}

func describeTermination(t *core.Termination) string {
	if t == nil {
		return ""
	}
	if t.Reason == "" {
		return fmt.Sprintf(" (by %s)", t.By)
	}
	return fmt.Sprintf(" (by %s: %s)", t.By, t.Reason)
}
