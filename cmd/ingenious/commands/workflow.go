package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ingenious"
	"github.com/hupe1980/ingenious/internal/printer"
	"github.com/hupe1980/ingenious/workflow"
)

func newWorkflowCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and validate workflow definitions",
	}
	cmd.AddCommand(newWorkflowListCmd(flags), newWorkflowValidateCmd(flags))
	return cmd
}

func newWorkflowListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the workflows found in the configured workflows directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := flags.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			var rows [][]string
			for _, name := range app.Workflows() {
				gen, err := app.Registry().Get(name, 0)
				if err != nil {
					return err
				}
				agents := make([]string, len(gen.Config.Agents))
				for i, a := range gen.Config.Agents {
					agents[i] = a.Name
				}
				rows = append(rows, []string{
					name,
					strconv.FormatUint(gen.Number, 10),
					string(gen.Config.Routing),
					strings.Join(agents, ", "),
				})
			}
			p := printer.New(cmd.OutOrStdout())
			if len(rows) == 0 {
				p.Warning("no workflows registered\n")
				return nil
			}
			p.Table([]string{"NAME", "GENERATION", "ROUTING", "AGENTS"}, rows)
			return nil
		},
	}
}

func newWorkflowValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file...>",
		Short: "Validate workflow files against the application configuration",
		Long: `Validate workflow files.

Each file is parsed and checked for structural errors (unknown agents in
rules, invalid routing, bad termination rules), then registered against the
configured prompt templates and models so unresolved prompt references and
unknown model names are reported too.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, _, err := flags.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			p := printer.New(cmd.OutOrStdout())

			var failed int
			for _, path := range args {
				if err := validateWorkflow(ctx, app, path); err != nil {
					failed++
					p.Warning("%s: %v\n", path, err)
					continue
				}
				p.Success("%s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflow files are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateWorkflow(ctx context.Context, app *ingenious.Ingenious, path string) error {
	wf, err := workflow.Load(path)
	if err != nil {
		return err
	}
	for _, a := range wf.Agents {
		if a.Model == "" {
			continue
		}
		if _, err := app.Models().Get(a.Model); err != nil {
			return fmt.Errorf("agent %q: %w", a.Name, err)
		}
	}
	_, err = app.RegisterWorkflow(ctx, wf)
	return err
}
