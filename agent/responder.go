package agent

import (
	"context"
	"strings"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/model"
)

// Responder answers from its instruction and the conversation window. When
// the orchestrator attached a retrieval result, the passages are included in
// the prompt and cited.
type Responder struct {
	base
}

var _ core.Agent = (*Responder)(nil)

// NewResponder creates a responder backed by llm.
func NewResponder(name string, llm model.Model, optFns ...func(o *Options)) *Responder {
	return &Responder{base: newBase(name, llm, buildOptions(name, optFns))}
}

// Act implements core.Agent.
func (r *Responder) Act(ctx context.Context, tc core.TurnContext) (core.Output, error) {
	instruction, err := r.resolveInstruction(tc)
	if err != nil {
		return core.Output{}, err
	}
	resp, err := r.generate(ctx, newRequest(instruction, buildContents(r.name, tc.Window), tc.Retrieval))
	if err != nil {
		return core.Output{}, err
	}
	text := strings.TrimSpace(resp.Content.Text())
	if text == "" {
		return core.Output{}, r.failf(core.KindMalformedOutput, "act", "model returned an empty response")
	}
	out := core.Output{Text: text}
	if tc.Retrieval != nil {
		out.Citations = tc.Retrieval.Citations()
	}
	return out, nil
}
