package commands

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/printer"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		conversationID string
		indexPattern   string
		outputFormat   string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow> <message...>",
		Short: "Send one message to a workflow and print the replies",
		Long: `Send one message to a workflow and print the replies.

A new conversation is started unless --conversation is given.

Output Formats:
  default - Colored transcript of the turn
  json    - The turn outcome as JSON

Examples:
  ingenious run support "How do refunds work?"
  ingenious run support --index ./docs --output json "refund policy"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputFormat != "default" && outputFormat != "json" {
				return printer.Error(cmd.ErrOrStderr(),
					"invalid output format",
					"Unknown format: "+outputFormat,
					[]string{"Valid formats: default, json"},
				)
			}

			ctx := cmd.Context()
			app, cfg, err := flags.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if indexPattern != "" {
				if _, err := app.Ingest(ctx, indexPattern, cfg.Ingest); err != nil {
					return err
				}
			}

			id := conversationID
			if id == "" {
				if id, err = app.CreateSession(ctx, args[0]); err != nil {
					return err
				}
			}

			out, err := app.AdvanceText(ctx, id, strings.Join(args[1:], " "))
			if outputFormat == "json" && out != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(out); encErr != nil {
					return encErr
				}
				return err
			}
			if err != nil {
				return err
			}

			p := printer.New(cmd.OutOrStdout())
			p.Faint("conversation %s\n", out.ConversationID)
			for _, m := range out.Messages[1:] {
				p.Message(m)
			}
			if out.Status == core.StatusTerminated {
				p.Success("conversation ended%s\n", describeTermination(out.Termination))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue an existing conversation")
	cmd.Flags().StringVar(&indexPattern, "index", "", "Ingest files matching this path or glob first")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "default", "Output format: default or json")
	return cmd
}
