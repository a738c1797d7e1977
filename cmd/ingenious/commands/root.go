package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/ingenious"
	"github.com/hupe1980/ingenious/config"
	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/printer"
	"github.com/hupe1980/ingenious/logging"
)

// defaultConfigFile is picked up from the working directory when --config
// is not given.
const defaultConfigFile = "ingenious.yml"

var versionString = "dev"

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

type rootFlags struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "ingenious",
		Short: "Ingenious - multi-agent conversation orchestrator",
		Long: `Ingenious runs configurable multi-agent conversation workflows backed by
a conversation store and a retrieval index.

Workflows are YAML files describing agents, routing and termination. The
application itself is configured by an ingenious.yml file (store, models,
retrieval backend, logging); every setting can be overridden with
INGENIOUS_* environment variables.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to ingenious.yml (default ./ingenious.yml if present)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newChatCmd(flags),
		newRunCmd(flags),
		newHistoryCmd(flags),
		newIngestCmd(flags),
		newWorkflowCmd(flags),
		newPromptCmd(flags),
	)
	return root
}

// Execute runs the CLI and prints any error with color formatting.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		_ = printer.Error(os.Stderr, "Error: "+err.Error(), "", suggestionsFor(err))
	}
	return err
}

func suggestionsFor(err error) []string {
	switch core.KindOf(err) {
	case core.KindConfiguration:
		return []string{"Check ingenious.yml and the workflow files:\n  ingenious workflow validate <file>"}
	case core.KindNotFound:
		return []string{"Conversations only outlive the process with a durable store:\n  store.driver: sqlite or redis"}
	case core.KindTerminated:
		return []string{"Start a new conversation:\n  ingenious chat <workflow>"}
	case core.KindUpstreamFailure:
		return []string{"Check model credentials and network access, then retry."}
	}
	return nil
}

func (f *rootFlags) loadConfig() (*config.Config, error) {
	path := f.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return config.Load(path)
}

func (f *rootFlags) logger(cmd *cobra.Command, cfg *config.Config) *logging.StructuredLogger {
	lc := cfg.LoggerConfig()
	lc.Output = cmd.ErrOrStderr()
	if f.verbose {
		lc.Level = logging.LogLevelDebug
	}
	return logging.NewLogger(lc).WithComponent("cli")
}

// open loads the configuration and builds the application.
func (f *rootFlags) open(ctx context.Context, cmd *cobra.Command, optFns ...func(o *ingenious.Options)) (*ingenious.Ingenious, *config.Config, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := f.logger(cmd, cfg)
	app, err := ingenious.NewFromConfig(ctx, cfg, append([]func(o *ingenious.Options){
		func(o *ingenious.Options) { o.Logger = logger },
	}, optFns...)...)
	if err != nil {
		return nil, nil, err
	}
	return app, cfg, nil
}
