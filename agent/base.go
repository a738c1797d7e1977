package agent

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
)

// Options configures any agent variant.
//
// Use functional options with the variant constructors to override defaults.
type Options struct {
	Instruction Instruction
	Description string
	Logger      logging.Logger
}

func buildOptions(name string, optFns []func(o *Options)) Options {
	opts := Options{
		Instruction: NewInstructionFromText("You are " + name + ", a helpful assistant."),
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return opts
}

// base bundles identity, the model and instruction shared by all variants.
type base struct {
	name        string
	description string
	llm         model.Model
	instruction Instruction
	logger      logging.Logger
}

func newBase(name string, llm model.Model, opts Options) base {
	return base{
		name:        name,
		description: opts.Description,
		llm:         llm,
		instruction: opts.Instruction,
		logger:      opts.Logger,
	}
}

// Name returns the agent name.
func (b *base) Name() string { return b.name }

// Description returns the configured description.
func (b *base) Description() string { return b.description }

func (b *base) resolveInstruction(tc core.TurnContext) (string, error) {
	text, err := b.instruction.Resolve(tc)
	if err != nil {
		return "", b.fail(core.KindConfiguration, "instruction", err)
	}
	return text, nil
}

// generate runs one model call and classifies failures. Cancellation is
// passed through untouched so the orchestrator can tell it apart from
// timeouts.
func (b *base) generate(ctx context.Context, req model.Request) (model.Response, error) {
	if b.llm == nil {
		return model.Response{}, b.fail(core.KindConfiguration, "generate", errors.New("no model configured"))
	}
	start := time.Now()
	resp, err := model.Collect(ctx, b.llm, req, nil)
	info := b.llm.Info()
	if err != nil {
		b.logger.Warn("model.call.failed",
			"agent.name", b.name, "model.name", info.Name, "model.provider", info.Provider,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		if errors.Is(err, context.Canceled) {
			return model.Response{}, err
		}
		return model.Response{}, b.fail(core.KindUpstreamFailure, "generate", err)
	}
	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	b.logger.Debug("model.call.completed",
		"agent.name", b.name, "model.name", info.Name, "model.provider", info.Provider,
		"model.tokens", tokens, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (b *base) fail(kind core.Kind, op string, err error) error {
	e := core.NewError(kind, "agent."+op, err)
	e.Agent = b.name
	return e
}

func (b *base) failf(kind core.Kind, op, detail string) error {
	e := core.Errorf(kind, "agent."+op, "%s", detail)
	e.Agent = b.name
	return e
}
