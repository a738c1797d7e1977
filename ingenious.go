// Package ingenious provides a high-level façade over the orchestrator and
// its services (conversation store, retrieval index, models, prompt
// workspace and logging). Most applications interact with this package by:
//  1. Creating an Ingenious via New() or NewFromConfig()
//  2. Registering workflows (RegisterWorkflow / LoadWorkflows)
//  3. Starting conversations (CreateSession) and advancing them with user
//     input (Advance, or Stream for step-level events)
//
// All defaults are safe for local development and testing: an in-memory
// conversation store, an in-memory lexical index and no models. Production
// deployments supply durable stores and real model providers, typically via
// an ingenious.yml loaded with the config package.
package ingenious

import (
	"context"
	"errors"
	"io"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/ingest"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
	"github.com/hupe1980/ingenious/orchestrator"
	"github.com/hupe1980/ingenious/prompt"
	"github.com/hupe1980/ingenious/retrieval"
	"github.com/hupe1980/ingenious/retrieval/lexical"
	"github.com/hupe1980/ingenious/store/memory"
	"github.com/hupe1980/ingenious/workflow"
)

// Options configures the Ingenious instance.
type Options struct {
	// Store persists conversations (defaults to an in-memory store).
	Store core.ConversationStore

	// Retriever serves agent retrieval requests and Indexer receives
	// ingested passages. When both are nil an in-memory lexical index is
	// used for both.
	Retriever core.Retriever
	Indexer   core.Indexer
	// MinScore drops retrieved passages scoring below the threshold.
	MinScore float64
	// DisableRetrieval runs without any index; retrieval requests then
	// degrade to "no context".
	DisableRetrieval bool

	// Models resolves the model names used by workflow agents.
	Models model.Set

	// PromptStore holds prompt templates (defaults to an in-memory store).
	PromptStore prompt.Store
	// EvalModel is used by the prompt workspace to run rendered prompts
	// during evaluation.
	EvalModel model.Model
	// PromptScorer grades evaluation outputs (defaults to exact match).
	PromptScorer prompt.Scorer

	// WorkflowDefaults fills orchestration settings workflows leave unset.
	WorkflowDefaults *workflow.Config

	// EventBufferSize sets channel buffering for Stream.
	EventBufferSize int

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Closers are released by Close, in reverse order.
	Closers []io.Closer
}

// Ingenious is the high-level façade aggregating the orchestrator and services.
type Ingenious struct {
	opts         Options
	registry     *workflow.Registry
	orchestrator *orchestrator.Orchestrator
	workspace    *prompt.Workspace
}

// New creates a new Ingenious instance with optional overrides.
func New(optFns ...func(o *Options)) *Ingenious {
	opts := Options{
		EventBufferSize: 32,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.Retriever == nil && opts.Indexer == nil && !opts.DisableRetrieval {
		idx := lexical.New()
		opts.Retriever, opts.Indexer = idx, idx
	}
	if opts.PromptStore == nil {
		opts.PromptStore = prompt.NewInMemoryStore()
	}

	workspace := prompt.NewWorkspace(opts.PromptStore, func(o *prompt.Options) {
		o.Model = opts.EvalModel
		if opts.PromptScorer != nil {
			o.Scorer = opts.PromptScorer
		}
		o.Logger = opts.Logger
	})

	registry := workflow.NewRegistry(workspace, func(o *workflow.RegistryOptions) {
		if opts.WorkflowDefaults != nil {
			o.Defaults = *opts.WorkflowDefaults
		}
	})

	var retriever core.Retriever
	if opts.Retriever != nil {
		retriever = retrieval.NewGuard(opts.Retriever, func(o *retrieval.GuardOptions) {
			o.MinScore = opts.MinScore
			o.Logger = opts.Logger
		})
	}

	orch := orchestrator.New(registry, func(o *orchestrator.Options) {
		o.Store = opts.Store
		o.Retriever = retriever
		o.Models = opts.Models
		o.EventBufferSize = opts.EventBufferSize
		o.Logger = opts.Logger
	})

	return &Ingenious{opts: opts, registry: registry, orchestrator: orch, workspace: workspace}
}

// RegisterWorkflow publishes cfg as the next generation of its workflow.
// Conversations already running keep the generation they started with.
func (g *Ingenious) RegisterWorkflow(ctx context.Context, cfg *workflow.Config) (*workflow.Generation, error) {
	gen, err := g.registry.Register(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g.opts.Logger.Info("workflow.registered", "workflow.name", gen.Config.Name, "workflow.generation", gen.Number)
	return gen, nil
}

// LoadWorkflows registers every workflow file in dir.
func (g *Ingenious) LoadWorkflows(ctx context.Context, dir string) error {
	return g.registry.LoadDir(ctx, dir)
}

// Workflows lists registered workflow names.
func (g *Ingenious) Workflows() []string { return g.registry.Names() }

// Registry exposes the workflow registry.
func (g *Ingenious) Registry() *workflow.Registry { return g.registry }

// Workspace exposes the prompt workspace.
func (g *Ingenious) Workspace() *prompt.Workspace { return g.workspace }

// Models returns the configured model set.
func (g *Ingenious) Models() model.Set { return g.opts.Models }

// Store exposes the conversation store.
func (g *Ingenious) Store() core.ConversationStore { return g.opts.Store }

// CreateSession starts a conversation on the latest generation of workflow.
func (g *Ingenious) CreateSession(ctx context.Context, workflowName string) (string, error) {
	return g.orchestrator.CreateSession(ctx, workflowName)
}

// Advance processes one user input synchronously.
func (g *Ingenious) Advance(ctx context.Context, conversationID string, in core.Input) (*orchestrator.Outcome, error) {
	return g.orchestrator.Advance(ctx, conversationID, in)
}

// AdvanceText is Advance with a text-only input.
func (g *Ingenious) AdvanceText(ctx context.Context, conversationID, text string) (*orchestrator.Outcome, error) {
	return g.orchestrator.Advance(ctx, conversationID, core.TextInput(text))
}

// Stream processes one user input, emitting step-level events.
func (g *Ingenious) Stream(ctx context.Context, conversationID string, in core.Input) (<-chan orchestrator.Event, <-chan error) {
	return g.orchestrator.Stream(ctx, conversationID, in)
}

// History returns committed messages starting at seq from.
func (g *Ingenious) History(ctx context.Context, conversationID string, from uint64) ([]core.Message, error) {
	return g.orchestrator.History(ctx, conversationID, from)
}

// Conversation returns a snapshot of a conversation.
func (g *Ingenious) Conversation(ctx context.Context, conversationID string) (*core.Conversation, error) {
	return g.orchestrator.Conversation(ctx, conversationID)
}

// Ingest loads, splits and indexes the documents matched by pattern.
func (g *Ingenious) Ingest(ctx context.Context, pattern string, cfg ingest.Config) (*ingest.Stats, error) {
	if g.opts.Indexer == nil {
		return nil, core.Errorf(core.KindConfiguration, "ingest", "no retrieval index configured")
	}
	p, err := ingest.New(g.opts.Indexer, func(o *ingest.Options) {
		o.Config = cfg
		o.Logger = g.opts.Logger
	})
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, pattern)
}

// Close releases the resources registered in Options.Closers.
func (g *Ingenious) Close() error {
	var errs []error
	for i := len(g.opts.Closers) - 1; i >= 0; i-- {
		if err := g.opts.Closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
