package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/workflow"
)

// invoke runs one agent step with retries. A step covers the agent call and,
// when the agent asks for it, the retrieval round trip plus the second call.
// It returns the output, notes to attach to the resulting message, and the
// number of attempts made.
func (o *Orchestrator) invoke(ctx context.Context, t *turn, a core.Agent, def workflow.AgentDefinition, log logging.Logger) (core.Output, []core.Note, int, error) {
	policy := t.cfg.Retry

	var (
		out      core.Output
		notes    []core.Note
		attempts int
	)
	operation := func() error {
		attempts++
		var err error
		out, notes, err = o.attempt(ctx, t, a, def, log)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if core.IsRetryable(err) || (policy.RetryMalformed && core.KindOf(err) == core.KindMalformedOutput) {
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialBackoff
	eb.MaxInterval = policy.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()

	var bo backoff.BackOff = backoff.WithMaxRetries(eb, uint64(max(policy.MaxAttempts-1, 0)))
	bo = backoff.WithContext(bo, ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn("orchestrator.step.retry",
			"conversation.id", t.conv.ID, "agent.name", a.Name(), "attempt", attempts,
			"error.kind", string(core.KindOf(err)), "backoff_ms", wait.Milliseconds(), "error", err)
	}
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return core.Output{}, nil, attempts, err
	}
	return out, notes, attempts, nil
}

// attempt performs one try of a step.
func (o *Orchestrator) attempt(ctx context.Context, t *turn, a core.Agent, def workflow.AgentDefinition, log logging.Logger) (core.Output, []core.Note, error) {
	tc := core.TurnContext{
		ConversationID: t.conv.ID,
		Window:         t.window(),
		Memory:         t.agentMemory(a.Name()),
		Step:           t.position.Step,
		AgentTurns:     t.position.AgentTurns[a.Name()],
	}

	out, err := o.act(ctx, t, a, tc)
	if err != nil {
		return core.Output{}, nil, err
	}
	req, ok := out.Action.(core.RetrievalRequest)
	if !ok || !def.Has(workflow.CapabilityRetrieval) {
		return out, nil, nil
	}

	res, notes := o.retrieve(ctx, t, a.Name(), req, log)
	tc.Retrieval = res
	if out.Memory != nil {
		tc.Memory = out.Memory
	}
	first := out
	out, err = o.act(ctx, t, a, tc)
	if err != nil {
		return core.Output{}, nil, err
	}
	if _, again := out.Action.(core.RetrievalRequest); again {
		return core.Output{}, nil, &core.Error{Kind: core.KindMalformedOutput, Op: "agent.act", Agent: a.Name(), Detail: "retrieval requested twice in one step"}
	}
	if out.Memory == nil {
		out.Memory = first.Memory
	}
	return out, notes, nil
}

// act calls the agent under the model timeout and validates its action.
func (o *Orchestrator) act(ctx context.Context, t *turn, a core.Agent, tc core.TurnContext) (core.Output, error) {
	actx, cancel := withTimeout(ctx, t.cfg.Timeouts.Model)
	defer cancel()

	start := time.Now()
	out, err := a.Act(actx, tc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && core.KindOf(err) != core.KindUpstreamFailure {
			err = &core.Error{Kind: core.KindUpstreamFailure, Op: "agent.act", Agent: a.Name(), Detail: "model timeout", Err: err}
		}
		return core.Output{}, err
	}
	if out.Action != nil {
		if verr := out.Action.Validate(); verr != nil {
			return core.Output{}, &core.Error{Kind: core.KindMalformedOutput, Op: "agent.act", Agent: a.Name(), Err: verr}
		}
	}
	o.logger.Debug("orchestrator.step.completed",
		"conversation.id", t.conv.ID, "agent.name", a.Name(), "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// retrieve queries the index under the retrieval timeout. Failures never
// fail the step: they yield an empty result and a degradation note.
func (o *Orchestrator) retrieve(ctx context.Context, t *turn, agentName string, req core.RetrievalRequest, log logging.Logger) (*core.RetrievalResult, []core.Note) {
	empty := &core.RetrievalResult{Query: req.Query, Passages: []core.Passage{}}
	if o.retriever == nil {
		return empty, []core.Note{{Kind: core.KindRetrievalDegraded, Detail: "no retrieval index configured"}}
	}

	rctx, cancel := withTimeout(ctx, t.cfg.Timeouts.Retrieval)
	defer cancel()

	start := time.Now()
	res, err := o.retriever.Query(rctx, req.Query, req.TopK, req.Filters)
	dur := time.Since(start)
	if sl, ok := log.(*logging.StructuredLogger); ok {
		hits := 0
		if res != nil {
			hits = len(res.Passages)
		}
		sl.LogRetrieval(req.Query, hits, dur, err)
	}
	if err != nil {
		log.Warn("orchestrator.retrieval.degraded", "conversation.id", t.conv.ID, "agent.name", agentName, "error", err)
		return empty, []core.Note{{Kind: core.KindRetrievalDegraded, Detail: err.Error()}}
	}
	if res == nil {
		res = empty
	}
	t.emit(Event{Type: EventRetrieval, Agent: agentName, Step: t.position.Step, Retrieval: res})
	return res, nil
}
