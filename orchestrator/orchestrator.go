package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/ingenious/agent"
	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
	"github.com/hupe1980/ingenious/store/memory"
	"github.com/hupe1980/ingenious/workflow"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Store persists conversations. Defaults to a volatile in-memory store.
	Store core.ConversationStore
	// Retriever serves retrieval requests. Without one, retrieval requests
	// degrade to "no context".
	Retriever core.Retriever
	// Models resolves the model names used by agent definitions.
	Models model.Set
	// EventBufferSize sets channel buffering for Stream.
	EventBufferSize int
	Logger          logging.Logger
}

type generationKey struct {
	workflow string
	number   uint64
}

// Orchestrator drives conversations through their workflows. Public methods
// are safe for concurrent use.
type Orchestrator struct {
	registry  *workflow.Registry
	store     core.ConversationStore
	retriever core.Retriever
	models    model.Set
	logger    logging.Logger

	eventBufferSize int
	locks           *keyedLock

	mu     sync.Mutex
	agents map[generationKey]map[string]core.Agent
}

// New constructs an Orchestrator over the workflows held by registry.
func New(registry *workflow.Registry, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		EventBufferSize: 32,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = 32
	}

	return &Orchestrator{
		registry:        registry,
		store:           opts.Store,
		retriever:       opts.Retriever,
		models:          opts.Models,
		logger:          logging.OrNoOp(opts.Logger),
		eventBufferSize: opts.EventBufferSize,
		locks:           newKeyedLock(),
		agents:          make(map[generationKey]map[string]core.Agent),
	}
}

// Store returns the conversation store.
func (o *Orchestrator) Store() core.ConversationStore { return o.store }

// CreateSession starts a conversation bound to the latest generation of the
// named workflow and returns its id. Configuration errors (unknown workflow,
// unresolvable models) abort creation.
func (o *Orchestrator) CreateSession(ctx context.Context, workflowName string) (string, error) {
	gen, err := o.registry.Get(workflowName, 0)
	if err != nil {
		return "", err
	}
	if _, err := o.agentsFor(gen); err != nil {
		return "", err
	}
	conv := core.NewConversation(core.NewID(), workflowName, gen.Number)

	sctx, cancel := withTimeout(ctx, gen.Config.Timeouts.Storage)
	defer cancel()
	if err := o.store.Create(sctx, conv); err != nil {
		return "", classifyStoreErr("create_session", err)
	}
	o.logger.Info("orchestrator.session.created",
		"conversation.id", conv.ID, "workflow.name", workflowName, "workflow.generation", gen.Number)
	return conv.ID, nil
}

// History returns the committed messages of a conversation starting at seq from.
func (o *Orchestrator) History(ctx context.Context, id string, from uint64) ([]core.Message, error) {
	msgs, err := o.store.Read(ctx, id, from)
	if err != nil {
		return nil, classifyStoreErr("history", err)
	}
	return msgs, nil
}

// Conversation returns a snapshot of a conversation.
func (o *Orchestrator) Conversation(ctx context.Context, id string) (*core.Conversation, error) {
	conv, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, classifyStoreErr("get", err)
	}
	return conv, nil
}

// Advance processes one input and returns the committed outcome.
//
// When the turn fails after retries the conversation is marked errored,
// nothing from the turn is committed, and both a non-nil Outcome (carrying
// the failure and a system error message) and the failure error are returned.
func (o *Orchestrator) Advance(ctx context.Context, id string, in core.Input) (*Outcome, error) {
	return o.advance(ctx, id, in, nil)
}

// Stream runs the same turn as Advance, emitting step-level events. Both
// channels are closed when the turn ends; at most one error is sent.
func (o *Orchestrator) Stream(ctx context.Context, id string, in core.Input) (<-chan Event, <-chan error) {
	eventsCh := make(chan Event, o.eventBufferSize)
	errorsCh := make(chan error, 1)

	go func() {
		defer func() { close(eventsCh); close(errorsCh) }()

		emit := func(ev Event) {
			ev.ConversationID = id
			ev.Timestamp = time.Now().UTC()
			select {
			case <-ctx.Done():
			case eventsCh <- ev:
			}
		}
		if _, err := o.advance(ctx, id, in, emit); err != nil {
			errorsCh <- err
		}
	}()

	return eventsCh, errorsCh
}

func (o *Orchestrator) agentsFor(gen *workflow.Generation) (map[string]core.Agent, error) {
	key := generationKey{workflow: gen.Config.Name, number: gen.Number}

	o.mu.Lock()
	defer o.mu.Unlock()
	if agents, ok := o.agents[key]; ok {
		return agents, nil
	}
	agents, err := agent.Build(gen.Config, o.models, o.logger)
	if err != nil {
		return nil, err
	}
	o.agents[key] = agents
	return agents, nil
}

// turn holds the mutable state of one advance.
type turn struct {
	conv   *core.Conversation
	cfg    *workflow.Config
	router workflow.Router
	agents map[string]core.Agent
	emit   func(Event)

	staged      []core.Message
	position    core.Position
	memory      map[string]map[string]any
	termination *core.Termination
	steps       int
}

func (o *Orchestrator) advance(ctx context.Context, id string, in core.Input, emit func(Event)) (*Outcome, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func(Event) {}
	}
	start := time.Now()

	// The workflow decides whether callers queue or are rejected, so peek
	// at the conversation before taking the lock and reload it afterwards.
	peek, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, classifyStoreErr("advance", err)
	}
	gen, err := o.registry.Get(peek.Workflow, peek.Generation)
	if err != nil {
		return nil, err
	}
	cfg := gen.Config

	release, err := o.locks.acquire(ctx, id, cfg.Concurrency == workflow.ConcurrencyQueue)
	if err != nil {
		if core.KindOf(err) == core.KindConcurrencyConflict {
			return nil, err
		}
		return nil, core.NewError(core.KindCancelled, "advance", err)
	}
	defer release()

	sctx, cancel := withTimeout(ctx, cfg.Timeouts.Storage)
	conv, err := o.store.Get(sctx, id)
	cancel()
	if err != nil {
		return nil, classifyStoreErr("advance", err)
	}
	if conv.Terminated() {
		return nil, core.NewError(core.KindTerminated, "advance", core.ErrTerminated)
	}
	agents, err := o.agentsFor(gen)
	if err != nil {
		return nil, err
	}

	log := o.logger
	if sl, ok := o.logger.(*logging.StructuredLogger); ok {
		log = sl.WithComponent("orchestrator").WithConversation(id).WithContext("workflow.generation", gen.Number)
	}

	t := &turn{
		conv:     conv,
		cfg:      cfg,
		router:   gen.Router,
		agents:   agents,
		emit:     emit,
		position: conv.Position.Clone(),
		memory:   map[string]map[string]any{},
	}
	if t.position.AgentTurns == nil {
		t.position.AgentTurns = map[string]int{}
	}
	t.stage(in.Message())

	failed, err := o.run(ctx, t, log)
	if err != nil {
		log.Warn("orchestrator.advance.aborted", "conversation.id", id, "error", err)
		return nil, err
	}
	if failed != nil {
		return o.fail(ctx, t, failed, log)
	}

	status := core.StatusActive
	if t.termination != nil {
		status = core.StatusTerminated
	}
	commit := core.Commit{
		BaseSeq:     conv.LastSeq(),
		Messages:    t.staged,
		Position:    t.position,
		Memory:      t.memory,
		Status:      status,
		Termination: t.termination,
	}
	sctx, cancel = withTimeout(ctx, cfg.Timeouts.Storage)
	seqs, err := o.store.Commit(sctx, id, commit)
	cancel()
	if err != nil {
		err = classifyStoreErr("commit", err)
		log.Error("orchestrator.advance.failed", "conversation.id", id, "error", err)
		return nil, err
	}

	committed := make([]core.Message, len(t.staged))
	for i, m := range t.staged {
		m = m.Clone()
		m.Seq = seqs[i]
		m.ConversationID = id
		committed[i] = m
	}
	out := &Outcome{
		ConversationID: id,
		Messages:       committed,
		Status:         status,
		Termination:    t.termination,
		Steps:          t.steps,
	}
	emit(Event{Type: EventCommitted, Step: t.position.Step, Outcome: out})

	log.Info("orchestrator.advance.completed",
		"conversation.id", id, "workflow.name", cfg.Name, "advance.steps", t.steps,
		"advance.messages", len(committed), "conversation.status", string(status),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (t *turn) stage(m core.Message) {
	t.staged = append(t.staged, m)
}

// window returns the trailing messages agents see: committed history plus
// everything staged in this turn.
func (t *turn) window() []core.Message {
	all := make([]core.Message, 0, len(t.conv.Messages)+len(t.staged))
	all = append(all, t.conv.Messages...)
	all = append(all, t.staged...)
	return core.Window(all, t.cfg.ContextWindow)
}

func (t *turn) agentMemory(name string) map[string]any {
	if m, ok := t.memory[name]; ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return t.conv.AgentMemory(name)
}

func (t *turn) terminate(by, reason string) {
	t.termination = &core.Termination{By: by, Reason: reason, At: time.Now().UTC()}
}

// stepFailure describes an agent step that failed after retries.
// routerName is recorded as the failing agent when routing itself fails.
const routerName = "router"

type stepFailure struct {
	agent    string
	err      error
	attempts int
}

// run executes agent steps. It returns a stepFailure for turns that must be
// recorded as errored (exhausted agents, failed routing), or an error for
// turns that must leave no trace (cancellation).
func (o *Orchestrator) run(ctx context.Context, t *turn, log logging.Logger) (*stepFailure, error) {
	in := t.staged[0]
	if term, ok := in.Action.(core.Terminate); ok {
		t.terminate(core.SenderUser, term.Reason)
		return nil, nil
	}

	budget := core.StepBudget{Max: t.cfg.MaxStepsPerAdvance}
	state := workflow.State{
		LastSender: core.SenderUser,
		LastText:   in.Text,
		Resume:     t.position.Next,
	}
	if in.Action != nil {
		state.LastAction = in.Action.Type()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, core.NewError(core.KindCancelled, "advance", err)
		}
		state.Step = t.steps
		state.TotalSteps = t.position.Step
		state.AgentTurns = t.position.Clone().AgentTurns

		d, err := t.router.Next(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return nil, core.NewError(core.KindCancelled, "advance", ctx.Err())
			}
			return &stepFailure{agent: routerName, err: err, attempts: 1}, nil
		}
		if d.Resume != "" {
			t.position.Next = d.Resume
		}

		switch d.Target {
		case workflow.TargetUser:
			if d.Resume == "" {
				t.position.Next = ""
			}
			return nil, nil
		case workflow.TargetEnd:
			t.terminate(routerName, "workflow reached its end")
			return nil, nil
		}

		if !budget.Spend() {
			log.Warn("orchestrator.advance.step_cap", "conversation.id", t.conv.ID, "advance.max_steps", t.cfg.MaxStepsPerAdvance, "agent.name", d.Target)
			t.position.Next = d.Target
			return nil, nil
		}

		a, ok := t.agents[d.Target]
		if !ok {
			err := core.Errorf(core.KindMalformedOutput, "workflow.route", "router selected unknown agent %q", d.Target)
			return &stepFailure{agent: routerName, err: err, attempts: 1}, nil
		}
		def, _ := t.cfg.Agent(d.Target)

		t.emit(Event{Type: EventStepStarted, Agent: a.Name(), Step: t.position.Step})
		out, notes, attempts, err := o.invoke(ctx, t, a, def, log)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil, core.NewError(core.KindCancelled, "advance", err)
			}
			return &stepFailure{agent: a.Name(), err: err, attempts: attempts}, nil
		}

		t.steps++
		t.position.Step++
		t.position.AgentTurns[a.Name()]++
		if out.Memory != nil {
			t.memory[a.Name()] = out.Memory
		}

		_, terminates := out.Action.(core.Terminate)
		if !out.Empty() && !(terminates && out.Text == "") {
			msg := core.NewMessage(a.Name(), out.Text)
			msg.Action = out.Action
			msg.Citations = out.Citations
			msg.Notes = notes
			t.stage(msg)
			t.emit(Event{Type: EventMessage, Agent: a.Name(), Step: t.position.Step - 1, Message: &msg})
		}

		state.LastSender = a.Name()
		state.LastText = out.Text
		state.LastAction = ""
		if out.Action != nil {
			state.LastAction = out.Action.Type()
		}
		state.Resume = t.position.Next

		switch term, _ := out.Action.(core.Terminate); {
		case terminates:
			t.terminate(a.Name(), term.Reason)
			return nil, nil
		case t.cfg.IsTerminal(a.Name()):
			t.terminate(a.Name(), "terminal agent")
			return nil, nil
		case t.cfg.MaxTurns > 0 && t.position.Step >= t.cfg.MaxTurns:
			t.terminate("orchestrator", fmt.Sprintf("max turns %d reached", t.cfg.MaxTurns))
			return nil, nil
		}
	}
}

// fail records an exhausted step: the conversation is marked errored at its
// previous position and nothing from the turn is committed.
func (o *Orchestrator) fail(ctx context.Context, t *turn, f *stepFailure, log logging.Logger) (*Outcome, error) {
	kind := core.KindOf(f.err)
	failure := &core.Failure{
		Kind:     kind,
		Agent:    f.agent,
		Detail:   f.err.Error(),
		Attempts: f.attempts,
		At:       time.Now().UTC(),
	}

	sctx, cancel := withTimeout(ctx, t.cfg.Timeouts.Storage)
	_, err := o.store.Commit(sctx, t.conv.ID, core.Commit{
		BaseSeq:  t.conv.LastSeq(),
		Position: t.conv.Position,
		Status:   core.StatusErrored,
		Failure:  failure,
	})
	cancel()
	if err != nil {
		err = classifyStoreErr("commit", err)
		log.Error("orchestrator.advance.failed", "conversation.id", t.conv.ID, "error", err)
		return nil, err
	}

	sysMsg := core.NewMessage(core.SenderSystem, fmt.Sprintf("agent %s failed after %d attempt(s): %s", f.agent, f.attempts, kind))
	sysMsg.ConversationID = t.conv.ID
	sysMsg.Notes = []core.Note{{Kind: kind, Detail: f.err.Error()}}

	out := &Outcome{
		ConversationID: t.conv.ID,
		Status:         core.StatusErrored,
		Failure:        failure,
		Error:          &sysMsg,
		Steps:          t.steps,
	}
	t.emit(Event{Type: EventFailed, Agent: f.agent, Step: t.position.Step, Message: &sysMsg, Outcome: out})
	log.Error("orchestrator.advance.failed",
		"conversation.id", t.conv.ID, "agent.name", f.agent, "error.kind", string(kind),
		"attempts", f.attempts, "error", f.err)

	e := core.NewError(kind, "advance", f.err)
	e.Agent = f.agent
	return out, e
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func classifyStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return core.NewError(core.KindNotFound, op, err)
	case errors.Is(err, core.ErrTerminated):
		return core.NewError(core.KindTerminated, op, err)
	case errors.Is(err, core.ErrConflict):
		return core.NewError(core.KindConcurrencyConflict, op, err)
	case errors.Is(err, core.ErrAlreadyExists):
		return core.NewError(core.KindInvalidInput, op, err)
	case errors.Is(err, context.Canceled):
		return core.NewError(core.KindCancelled, op, err)
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	return core.NewError(core.KindUpstreamFailure, op, err)
}
