package commands

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ingenious/ingest"
	"github.com/hupe1980/ingenious/internal/printer"
)

func newIngestCmd(flags *rootFlags) *cobra.Command {
	var (
		output       string
		strategy     string
		chunkSize    int
		chunkOverlap int
	)

	cmd := &cobra.Command{
		Use:   "ingest <path-or-glob>",
		Short: "Split documents into passages and index them",
		Long: `Split documents into passages and index them.

Supported inputs: .txt, .md, .json and .jsonl files, a directory (walked
recursively) or a glob pattern. Passage ids have the form
<source>#p<page>.<position>-<digest>.

With --output the passages are written as JSONL instead of being indexed,
which is useful with the in-memory lexical backend or for inspection.

Examples:
  # Index into the configured retrieval backend (sqlite or vector)
  ingenious ingest ./docs

  # Write passages to a file
  ingenious ingest "./docs/*.md" --output passages.jsonl --chunk-size 512

  # Split markdown on headings, or by tokens of the cl100k_base encoding
  ingenious ingest ./docs --strategy markdown
  ingenious ingest ./docs --strategy token --chunk-size 256 --chunk-overlap 32`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			ic := cfg.Ingest
			if strategy != "" {
				ic.Strategy = strategy
			}
			if cmd.Flags().Changed("chunk-size") {
				ic.ChunkSize = chunkSize
			}
			if cmd.Flags().Changed("chunk-overlap") {
				ic.ChunkOverlap = chunkOverlap
			} else if ic.ChunkOverlap >= ic.ChunkSize {
				ic.ChunkOverlap = ic.ChunkSize / 8
			}
			p := printer.New(cmd.OutOrStdout())

			if output != "" {
				pipeline, err := ingest.New(nil, func(o *ingest.Options) {
					o.Config = ic
					o.Logger = flags.logger(cmd, cfg)
				})
				if err != nil {
					return err
				}
				chunks, docs, err := pipeline.Chunks(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				if err := ingest.WriteJSONL(w, chunks); err != nil {
					return err
				}
				if output != "-" {
					p.Success("wrote %d passages from %d documents to %s\n", len(chunks), docs, output)
				}
				return nil
			}

			app, _, err := flags.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			stats, err := app.Ingest(ctx, args[0], ic)
			if err != nil {
				return err
			}
			p.Success("indexed %d passages from %d documents in %s\n", stats.Chunks, stats.Documents, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write passages as JSONL to this file (- for stdout) instead of indexing")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Chunking strategy: "+strings.Join(ingest.Strategies(), ", "))
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Maximum passage length in characters (tokens for --strategy token)")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "Characters (or tokens) carried over from the previous passage")
	return cmd
}
