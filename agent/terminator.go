package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
)

const verdictInstruction = "You decide whether the conversation below has reached its goal. " +
	"Reply with exactly one word: DONE if it is complete, CONTINUE otherwise."

// TerminatorOptions configures a Terminator.
type TerminatorOptions struct {
	Options
	// MaxTurns ends the conversation once this many agent steps were taken.
	MaxTurns int
	// StopPhrases end the conversation when the newest message contains one
	// (case-insensitive).
	StopPhrases []string
	// AskModel asks the model for a DONE/CONTINUE verdict.
	AskModel bool
	// Farewell is sent as text together with the terminate action.
	Farewell string
}

// Terminator decides whether the conversation is finished. With no
// condition configured it terminates whenever it acts; otherwise it
// terminates when any condition holds and stays silent (empty output)
// when none does.
type Terminator struct {
	base
	opts TerminatorOptions
}

var _ core.Agent = (*Terminator)(nil)

// NewTerminator creates a terminator. llm may be nil unless AskModel is set.
func NewTerminator(name string, llm model.Model, optFns ...func(o *TerminatorOptions)) *Terminator {
	opts := TerminatorOptions{}
	opts.Options = buildOptions(name, nil)
	opts.Instruction = NewInstructionFromText(verdictInstruction)
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Terminator{base: newBase(name, llm, opts.Options), opts: opts}
}

func (t *Terminator) unconditional() bool {
	return t.opts.MaxTurns == 0 && len(t.opts.StopPhrases) == 0 && !t.opts.AskModel
}

// Act implements core.Agent.
func (t *Terminator) Act(ctx context.Context, tc core.TurnContext) (core.Output, error) {
	reason, err := t.evaluate(ctx, tc)
	if err != nil || reason == "" {
		return core.Output{}, err
	}
	return core.Output{Text: t.opts.Farewell, Action: core.Terminate{Reason: reason}}, nil
}

// evaluate returns the termination reason, or "" to continue.
func (t *Terminator) evaluate(ctx context.Context, tc core.TurnContext) (string, error) {
	if t.unconditional() {
		return "terminator reached", nil
	}
	if t.opts.MaxTurns > 0 && tc.Step >= t.opts.MaxTurns {
		return fmt.Sprintf("turn limit %d reached", t.opts.MaxTurns), nil
	}
	if last, ok := lastText(tc.Window); ok {
		lower := strings.ToLower(last)
		for _, p := range t.opts.StopPhrases {
			if p != "" && strings.Contains(lower, strings.ToLower(p)) {
				return fmt.Sprintf("stop phrase %q", p), nil
			}
		}
	}
	if t.opts.AskModel {
		instruction, err := t.resolveInstruction(tc)
		if err != nil {
			return "", err
		}
		resp, err := t.generate(ctx, newRequest(instruction, buildContents(t.name, tc.Window), nil))
		if err != nil {
			return "", err
		}
		verdict := strings.ToUpper(strings.TrimSpace(resp.Content.Text()))
		switch {
		case strings.HasPrefix(verdict, "DONE"):
			return "model verdict", nil
		case strings.HasPrefix(verdict, "CONTINUE"):
		default:
			return "", t.failf(core.KindMalformedOutput, "act", fmt.Sprintf("unexpected verdict %q", verdict))
		}
	}
	return "", nil
}

func lastText(window []core.Message) (string, bool) {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Text != "" {
			return window[i].Text, true
		}
	}
	return "", false
}
