package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/printer"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		from         uint64
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the committed transcript of a conversation",
		Long: `Print the committed transcript of a conversation.

Only conversations held by a durable store (sqlite or redis) outlive the
process that created them.

Output Formats:
  default - Colored transcript
  jsonl   - One message per line`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, _, err := flags.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			conv, err := app.Conversation(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := app.History(ctx, args[0], from)
			if err != nil {
				return err
			}

			switch outputFormat {
			case "jsonl":
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, m := range history {
					if err := enc.Encode(m); err != nil {
						return err
					}
				}
				return nil
			case "default":
			default:
				return printer.Error(cmd.ErrOrStderr(),
					"invalid output format",
					"Unknown format: "+outputFormat,
					[]string{"Valid formats: default, jsonl"},
				)
			}

			p := printer.New(cmd.OutOrStdout())
			p.Faint("workflow %s (generation %d), status %s\n", conv.Workflow, conv.Generation, conv.Status)
			for _, m := range history {
				p.Message(m)
			}
			if conv.Status == core.StatusTerminated {
				p.Success("ended%s\n", describeTermination(conv.Termination))
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "First sequence number to print")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "default", "Output format: default or jsonl")
	return cmd
}
