package agent

import (
	"context"
	"strings"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
)

const rewriteInstruction = "Rewrite the user's latest message as a short search query for a document index. " +
	"Reply with the query only, without quotes or explanation."

// RetrievalOptions configures a RetrievalAgent.
type RetrievalOptions struct {
	Options
	TopK    int
	Filters core.Filters
	// RewriteQuery asks the model to turn the user message into a search query.
	RewriteQuery bool
}

// RetrievalAgent answers questions grounded in retrieved passages. It acts
// in two phases within one step: without a retrieval result it emits a
// core.RetrievalRequest; re-invoked with the result it answers and cites
// every passage it was given.
type RetrievalAgent struct {
	base
	topK         int
	filters      core.Filters
	rewriteQuery bool
}

var _ core.Agent = (*RetrievalAgent)(nil)

// NewRetrievalAgent creates a retrieval agent backed by llm.
func NewRetrievalAgent(name string, llm model.Model, optFns ...func(o *RetrievalOptions)) *RetrievalAgent {
	opts := RetrievalOptions{TopK: 4}
	opts.Options = buildOptions(name, nil)
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &RetrievalAgent{
		base:         newBase(name, llm, opts.Options),
		topK:         opts.TopK,
		filters:      opts.Filters,
		rewriteQuery: opts.RewriteQuery,
	}
}

// Act implements core.Agent.
func (a *RetrievalAgent) Act(ctx context.Context, tc core.TurnContext) (core.Output, error) {
	if tc.Retrieval == nil {
		return a.request(ctx, tc)
	}
	instruction, err := a.resolveInstruction(tc)
	if err != nil {
		return core.Output{}, err
	}
	resp, err := a.generate(ctx, newRequest(instruction, buildContents(a.name, tc.Window), tc.Retrieval))
	if err != nil {
		return core.Output{}, err
	}
	text := strings.TrimSpace(resp.Content.Text())
	if text == "" {
		return core.Output{}, a.failf(core.KindMalformedOutput, "act", "model returned an empty answer")
	}
	return core.Output{Text: text, Citations: tc.Retrieval.Citations()}, nil
}

func (a *RetrievalAgent) request(ctx context.Context, tc core.TurnContext) (core.Output, error) {
	query := tc.LastUserText()
	if query == "" {
		if last, ok := tc.LastMessage(); ok {
			query = last.Text
		}
	}
	if strings.TrimSpace(query) == "" {
		return core.Output{}, a.failf(core.KindMalformedOutput, "act", "nothing to search for")
	}
	if a.rewriteQuery {
		resp, err := a.generate(ctx, model.Request{
			Instructions: rewriteInstruction,
			Contents:     []core.Content{core.NewTextContent("user", query)},
		})
		if err != nil {
			return core.Output{}, err
		}
		rewritten := strings.Trim(strings.TrimSpace(resp.Content.Text()), `"'`)
		if rewritten == "" {
			return core.Output{}, a.failf(core.KindMalformedOutput, "act", "model returned an empty search query")
		}
		query = rewritten
	}

	mem := make(map[string]any, len(tc.Memory)+1)
	for k, v := range tc.Memory {
		mem[k] = v
	}
	mem["last_query"] = query

	return core.Output{
		Action: core.RetrievalRequest{Query: query, TopK: a.topK, Filters: a.filters},
		Memory: mem,
	}, nil
}
