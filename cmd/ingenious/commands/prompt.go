package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ingenious"
	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/printer"
	"github.com/hupe1980/ingenious/prompt"
)

func newPromptCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Iterate on prompt templates outside of any conversation",
		Long: `Iterate on prompt templates outside of any conversation.

Templates are loaded from the prompts_dir configured in ingenious.yml and
referenced as <id> (latest version) or <id>@<version>.`,
	}
	cmd.AddCommand(newPromptListCmd(flags), newPromptRenderCmd(flags), newPromptEvalCmd(flags))
	return cmd
}

func newPromptListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List prompt templates and their versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, _, err := flags.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			store := app.Workspace().Store()
			templates, err := store.List(ctx)
			if err != nil {
				return err
			}
			p := printer.New(cmd.OutOrStdout())
			if len(templates) == 0 {
				p.Warning("no prompt templates loaded\n")
				return nil
			}
			rows := make([][]string, 0, len(templates))
			for _, t := range templates {
				versions, err := store.Versions(ctx, t.ID)
				if err != nil {
					return err
				}
				vs := make([]string, len(versions))
				for i, v := range versions {
					vs[i] = strconv.Itoa(v)
				}
				rows = append(rows, []string{t.ID, strings.Join(vs, ","), t.Description})
			}
			p.Table([]string{"ID", "VERSIONS", "DESCRIPTION"}, rows)
			return nil
		},
	}
}

func newPromptRenderCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "render <ref> [key=value...]",
		Short: "Render a prompt template with variables",
		Example: `  ingenious prompt render greeting name=Ada
  ingenious prompt render greeting@2 name=Ada tone=formal`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars(args[1:])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, _, err := flags.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			text, err := app.Workspace().Render(ctx, args[0], vars)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func newPromptEvalCmd(flags *rootFlags) *cobra.Command {
	var (
		scorerName   string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "eval <ref> <samples.yml>",
		Short: "Evaluate a prompt template against a sample set",
		Long: `Evaluate a prompt template against a sample set.

The samples file is a YAML list of {name, vars, expected}. Each sample is
rendered and sent to the default model; the completion is scored against
expected.

Scorers:
  exact    - 1 when the trimmed output equals expected
  contains - 1 when the output contains expected
  manual   - leave outputs unscored for human review`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scorer, err := prompt.ScorerByName(scorerName)
			if err != nil {
				return err
			}
			samples, err := prompt.LoadSamples(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, _, err := flags.open(ctx, cmd, func(o *ingenious.Options) { o.PromptScorer = scorer })
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Workspace().Evaluate(ctx, args[0], samples)
			if err != nil {
				return err
			}

			if outputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			p := printer.New(cmd.OutOrStdout())
			rows := make([][]string, 0, len(report.Results))
			for _, r := range report.Results {
				score := "-"
				if r.Score != nil {
					score = strconv.FormatFloat(*r.Score, 'f', 2, 64)
				}
				output := r.Output
				if r.Error != "" {
					output = "error: " + r.Error
				}
				rows = append(rows, []string{r.Sample.Name, score, oneLine(output, 60)})
			}
			p.Table([]string{"SAMPLE", "SCORE", "OUTPUT"}, rows)
			if report.Mean != nil {
				p.Success("%s: mean %.2f over %d scored samples (%d failed)\n", report.Template, *report.Mean, report.Scored, report.Failed)
			} else {
				p.Info("%s: no scored samples (%d failed)\n", report.Template, report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scorerName, "scorer", "exact", "Scorer: exact, contains or manual")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "default", "Output format: default or json")
	return cmd
}

func parseVars(args []string) (map[string]any, error) {
	vars := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, core.Errorf(core.KindInvalidInput, "prompt.render", "variable %q must have the form key=value", arg)
		}
		vars[key] = value
	}
	return vars, nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
