package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/testutil"
	"github.com/hupe1980/ingenious/model"
	"github.com/hupe1980/ingenious/retrieval"
	"github.com/hupe1980/ingenious/workflow"
)

func setup(t *testing.T, yml string, models model.Set, optFns ...func(o *Options)) (*Orchestrator, string) {
	t.Helper()
	cfg, err := workflow.Parse([]byte(yml))
	require.NoError(t, err)
	reg := workflow.NewRegistry(nil)
	_, err = reg.Register(context.Background(), cfg)
	require.NoError(t, err)

	o := New(reg, append([]func(o *Options){func(o *Options) { o.Models = models }}, optFns...)...)
	id, err := o.CreateSession(context.Background(), cfg.Name)
	require.NoError(t, err)
	return o, id
}

const greeterYAML = `
name: greet
agents:
  - name: Greeter
    kind: responder
    instruction: Greet the user.
  - name: Closer
    kind: terminator
    termination:
      max_turns: 1
`

func TestAdvance_GreeterCloserTerminates(t *testing.T) {
	llm := model.NewMockModel("m")
	llm.AddResponse("hello", "Hi there!")
	o, id := setup(t, greeterYAML, model.Set{"default": llm})
	ctx := context.Background()

	out, err := o.Advance(ctx, id, core.TextInput("hello"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusTerminated, out.Status)
	require.NotNil(t, out.Termination)
	assert.Equal(t, "Closer", out.Termination.By)
	assert.Equal(t, "Hi there!", out.Reply())
	assert.Equal(t, 2, out.Steps)

	conv, err := o.Conversation(ctx, id)
	require.NoError(t, err)
	assert.True(t, conv.Terminated())
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, core.SenderUser, conv.Messages[0].Sender)
	assert.Equal(t, "Greeter", conv.Messages[1].Sender)
	assert.Equal(t, []uint64{1, 2}, []uint64{conv.Messages[0].Seq, conv.Messages[1].Seq})

	_, err = o.Advance(ctx, id, core.TextInput("again"))
	assert.Equal(t, core.KindTerminated, core.KindOf(err))
	assert.ErrorIs(t, err, core.ErrTerminated)
	_, err = o.Store().Append(ctx, id, core.NewMessage(core.SenderUser, "sneaky"))
	assert.ErrorIs(t, err, core.ErrTerminated)
}

const ragYAML = `
name: rag
agents:
  - name: Searcher
    kind: retrieval
    retrieval:
      top_k: 1
`

func TestAdvance_RetrievalCitesTopPassage(t *testing.T) {
	backend := &testutil.StubRetriever{Passages: []core.Passage{
		{SourceID: "doc-low", Text: "Shipping info", Score: 0.2},
		{SourceID: "doc-refund", Text: "Refunds within 30 days", Score: 0.9},
	}}
	llm := model.NewMockModel("m").EnqueueText("Refunds are possible within 30 days.")
	o, id := setup(t, ragYAML, model.Set{"default": llm}, func(o *Options) { o.Retriever = retrieval.NewGuard(backend) })

	out, err := o.Advance(context.Background(), id, core.TextInput("refund policy"))
	require.NoError(t, err)
	assert.Equal(t, []string{"refund policy"}, backend.Queries())
	require.Len(t, out.Messages, 2)

	reply := out.Messages[1]
	assert.Equal(t, "Searcher", reply.Sender)
	require.Len(t, reply.Citations, 1)
	assert.Equal(t, "doc-refund", reply.Citations[0].SourceID)
	assert.Equal(t, 0.9, reply.Citations[0].Score)
	assert.False(t, reply.HasNote(core.KindRetrievalDegraded))
	assert.NotContains(t, llm.Requests()[0].Instructions, "doc-low")

	conv, err := o.Conversation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "refund policy", conv.Memory["Searcher"]["last_query"])
}

func TestAdvance_RetrievalFailureDegrades(t *testing.T) {
	backend := &testutil.StubRetriever{Err: errors.New("index offline")}
	llm := model.NewMockModel("m").EnqueueText("I could not find anything.")
	o, id := setup(t, ragYAML, model.Set{"default": llm}, func(o *Options) { o.Retriever = backend })

	out, err := o.Advance(context.Background(), id, core.TextInput("refund policy"))
	require.NoError(t, err)
	reply := out.Messages[1]
	assert.True(t, reply.HasNote(core.KindRetrievalDegraded))
	assert.Empty(t, reply.Citations)
	assert.Equal(t, core.StatusActive, out.Status)
}

const flakyYAML = `
name: flaky
agents:
  - name: Greeter
    kind: responder
retry:
  max_attempts: 2
  initial_backoff: 1ms
  max_backoff: 2ms
timeouts:
  model: 20ms
`

func TestAdvance_TimeoutsExhaustRetries(t *testing.T) {
	llm := model.NewMockModel("m").EnqueueHang().EnqueueHang()
	o, id := setup(t, flakyYAML, model.Set{"default": llm})
	ctx := context.Background()

	out, err := o.Advance(ctx, id, core.TextInput("hello"))
	require.Error(t, err)
	assert.Equal(t, core.KindUpstreamFailure, core.KindOf(err))
	assert.True(t, core.IsRetryable(err))
	require.NotNil(t, out)
	assert.Equal(t, core.StatusErrored, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, core.KindUpstreamFailure, out.Failure.Kind)
	assert.Equal(t, 2, out.Failure.Attempts)
	require.NotNil(t, out.Error)
	assert.Equal(t, core.SenderSystem, out.Error.Sender)
	assert.True(t, out.Error.HasNote(core.KindUpstreamFailure))
	assert.Equal(t, 2, llm.Calls())

	conv, err := o.Conversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusErrored, conv.Status)
	assert.Empty(t, conv.Messages)
	require.NotNil(t, conv.Failure)
	assert.Equal(t, "Greeter", conv.Failure.Agent)

	// The next advance retries the turn and clears the failure.
	llm.EnqueueText("Hello!")
	out, err = o.Advance(ctx, id, core.TextInput("hello"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, out.Status)
	conv, err = o.Conversation(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, conv.Failure)
	assert.Len(t, conv.Messages, 2)
}

func TestAdvance_MalformedOutputRetryPolicy(t *testing.T) {
	yml := "name: wf\nagents:\n  - name: A\n    kind: responder\nretry:\n  max_attempts: 2\n  initial_backoff: 1ms\n"

	llm := model.NewMockModel("m").EnqueueText("  ").EnqueueText("fine")
	o, id := setup(t, yml, model.Set{"default": llm})
	_, err := o.Advance(context.Background(), id, core.TextInput("hi"))
	assert.Equal(t, core.KindMalformedOutput, core.KindOf(err))
	assert.Equal(t, 1, llm.Calls())

	llm = model.NewMockModel("m").EnqueueText("  ").EnqueueText("fine")
	o, id = setup(t, yml+"  retry_malformed: true\n", model.Set{"default": llm})
	out, err := o.Advance(context.Background(), id, core.TextInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Reply())
	assert.Equal(t, 2, llm.Calls())
}

func TestAdvance_CancelCommitsNothing(t *testing.T) {
	gate := testutil.NewGateModel()
	o, id := setup(t, "name: wf\nagents:\n  - name: A\n    kind: responder\n", model.Set{"default": gate})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gate.Entered
		cancel()
	}()
	_, err := o.Advance(ctx, id, core.TextInput("hi"))
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))

	conv, err := o.Conversation(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, core.StatusActive, conv.Status)
	assert.Equal(t, 0, conv.Position.Step)
}

func TestAdvance_RejectsConcurrentAdvance(t *testing.T) {
	gate := testutil.NewGateModel()
	o, id := setup(t, "name: wf\nagents:\n  - name: A\n    kind: responder\n", model.Set{"default": gate})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := o.Advance(ctx, id, core.TextInput("first"))
		done <- err
	}()
	<-gate.Entered

	_, err := o.Advance(ctx, id, core.TextInput("second"))
	assert.Equal(t, core.KindConcurrencyConflict, core.KindOf(err))
	assert.True(t, core.IsRetryable(err))

	close(gate.Release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, o.locks.size())
}

func TestAdvance_QueuedAdvancesAreGapFree(t *testing.T) {
	yml := "name: wf\nconcurrency: queue\nagents:\n  - name: A\n    kind: responder\n"
	o, id := setup(t, yml, model.Set{"default": model.NewMockModel("m")})
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Advance(ctx, id, core.TextInput("ping"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := o.History(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2*n)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Seq)
		if i%2 == 0 {
			assert.Equal(t, core.SenderUser, m.Sender)
		} else {
			assert.Equal(t, "A", m.Sender)
		}
	}
}

func TestAdvance_UnrelatedConversationsDoNotContend(t *testing.T) {
	gate := testutil.NewGateModel()
	o, blocked := setup(t, "name: wf\nagents:\n  - name: A\n    kind: responder\n", model.Set{"default": gate})
	ctx := context.Background()
	other, err := o.CreateSession(ctx, "wf")
	require.NoError(t, err)

	go func() { _, _ = o.Advance(ctx, blocked, core.TextInput("slow")) }()
	<-gate.Entered

	done := make(chan error, 1)
	go func() {
		_, err := o.Advance(ctx, other, core.TextInput("fast"))
		done <- err
	}()
	<-gate.Entered
	close(gate.Release)
	assert.NoError(t, <-done)
}

func TestAdvance_RoundRobinResumesAcrossAdvances(t *testing.T) {
	yml := "name: rr\nrouting: round_robin\nagents:\n  - name: A\n    kind: responder\n  - name: B\n    kind: responder\n"
	o, id := setup(t, yml, model.Set{"default": model.NewMockModel("m")})
	ctx := context.Background()

	var senders []string
	for i := 0; i < 3; i++ {
		out, err := o.Advance(ctx, id, core.TextInput("go"))
		require.NoError(t, err)
		require.Len(t, out.Messages, 2)
		senders = append(senders, out.Messages[1].Sender)
	}
	assert.Equal(t, []string{"A", "B", "A"}, senders)

	conv, err := o.Conversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "B", conv.Position.Next)
	assert.Equal(t, 2, conv.Position.AgentTurns["A"])
}

func TestAdvance_StepCapYields(t *testing.T) {
	yml := `
name: pingpong
routing: rules
max_steps_per_advance: 3
agents:
  - name: A
    kind: responder
  - name: B
    kind: responder
rules:
  - from: user
    to: A
  - from: A
    to: B
  - from: B
    to: A
`
	o, id := setup(t, yml, model.Set{"default": model.NewMockModel("m")})
	ctx := context.Background()
	out, err := o.Advance(ctx, id, core.TextInput("start"))
	require.NoError(t, err)
	assert.Len(t, out.Messages, 4)
	assert.Equal(t, 3, out.Steps)
	assert.Equal(t, core.StatusActive, out.Status)

	conv, err := o.Conversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "B", conv.Position.Next)

	// The capped exchange continues where it stopped, not at the user rule.
	out, err = o.Advance(ctx, id, core.TextInput("go on"))
	require.NoError(t, err)
	require.Len(t, out.Messages, 4)
	assert.Equal(t, []string{"B", "A", "B"}, []string{out.Messages[1].Sender, out.Messages[2].Sender, out.Messages[3].Sender})
}

func TestAdvance_SequentialResumesAfterStepCap(t *testing.T) {
	yml := "name: seq\nmax_steps_per_advance: 1\nagents:\n  - name: A\n    kind: responder\n  - name: B\n    kind: responder\n"
	o, id := setup(t, yml, model.Set{"default": model.NewMockModel("m")})
	ctx := context.Background()

	out, err := o.Advance(ctx, id, core.TextInput("one"))
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "A", out.Messages[1].Sender)

	out, err = o.Advance(ctx, id, core.TextInput("two"))
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "B", out.Messages[1].Sender)

	// B was last, so the workflow yielded normally and starts over.
	out, err = o.Advance(ctx, id, core.TextInput("three"))
	require.NoError(t, err)
	assert.Equal(t, "A", out.Messages[1].Sender)
}

func TestAdvance_RouterFailuresMarkErrored(t *testing.T) {
	tests := []struct {
		name   string
		script string
		kind   core.Kind
	}{
		{
			name:   "unknown target",
			script: `function route(s) if s.last_sender == "user" then return "A" end return "Nobody" end`,
			kind:   core.KindMalformedOutput,
		},
		{
			name:   "script error",
			script: `function route(s) if s.last_sender == "user" then return "A" end error("boom") end`,
			kind:   core.KindMalformedOutput,
		},
		{
			name:   "timeout",
			script: `function route(s) if s.last_sender == "user" then return "A" end while true do end end`,
			kind:   core.KindUpstreamFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yml := "name: lua\nrouting: lua\nagents:\n  - name: A\n    kind: responder\nscript: '" + tt.script + "'\n"
			llm := model.NewMockModel("m")
			o, id := setup(t, yml, model.Set{"default": llm})
			ctx := context.Background()

			out, err := o.Advance(ctx, id, core.TextInput("hi"))
			require.Error(t, err)
			assert.Equal(t, tt.kind, core.KindOf(err))
			assert.NotEqual(t, core.KindConfiguration, core.KindOf(err))
			require.NotNil(t, out)
			assert.Equal(t, core.StatusErrored, out.Status)
			require.NotNil(t, out.Failure)
			assert.Equal(t, "router", out.Failure.Agent)
			assert.Equal(t, tt.kind, out.Failure.Kind)
			assert.Equal(t, 1, llm.Calls())

			conv, err := o.Conversation(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, core.StatusErrored, conv.Status)
			assert.Empty(t, conv.Messages)
			require.NotNil(t, conv.Failure)
			assert.Equal(t, tt.kind, conv.Failure.Kind)
		})
	}
}

func TestAdvance_MaxTurnsTerminates(t *testing.T) {
	yml := "name: wf\nmax_turns: 2\nagents:\n  - name: A\n    kind: responder\n"
	o, id := setup(t, yml, model.Set{"default": model.NewMockModel("m")})
	ctx := context.Background()

	out, err := o.Advance(ctx, id, core.TextInput("one"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, out.Status)
	out, err = o.Advance(ctx, id, core.TextInput("two"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusTerminated, out.Status)
	assert.Equal(t, "orchestrator", out.Termination.By)
}

func TestAdvance_ToolCallAction(t *testing.T) {
	yml := `
name: tools
agents:
  - name: Weather
    kind: tool
    tools:
      - name: get_weather
        parameters:
          type: object
          properties:
            city:
              type: string
          required: [city]
`
	llm := model.NewMockModel("m").EnqueueContent(core.Content{Role: "assistant", Parts: []core.Part{
		core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "c1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
	}})
	o, id := setup(t, yml, model.Set{"default": llm})

	out, err := o.Advance(context.Background(), id, core.TextInput("weather in Oslo?"))
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	call, ok := out.Messages[1].Action.(core.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "Oslo", call.Arguments["city"])

	msgs, err := o.History(context.Background(), id, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.IsType(t, core.ToolCall{}, msgs[0].Action)
}

func TestAdvance_UserTerminateAction(t *testing.T) {
	o, id := setup(t, greeterYAML, model.Set{"default": model.NewMockModel("m")})
	out, err := o.Advance(context.Background(), id, core.Input{Action: core.Terminate{Reason: "done"}})
	require.NoError(t, err)
	assert.Equal(t, core.StatusTerminated, out.Status)
	assert.Equal(t, core.SenderUser, out.Termination.By)
	assert.Len(t, out.Messages, 1)
}

func TestAdvance_InputAndLookupErrors(t *testing.T) {
	o, id := setup(t, greeterYAML, model.Set{"default": model.NewMockModel("m")})
	ctx := context.Background()

	_, err := o.Advance(ctx, id, core.TextInput("   "))
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))

	_, err = o.Advance(ctx, "missing", core.TextInput("hi"))
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	_, err = o.CreateSession(ctx, "nope")
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
}

func TestCreateSession_RejectsUnresolvableModel(t *testing.T) {
	cfg, err := workflow.Parse([]byte("name: wf\nagents:\n  - name: A\n    kind: responder\n    model: gpt-x\n"))
	require.NoError(t, err)
	reg := workflow.NewRegistry(nil)
	_, err = reg.Register(context.Background(), cfg)
	require.NoError(t, err)

	o := New(reg, func(o *Options) { o.Models = model.Set{"default": model.NewMockModel("m")} })
	_, err = o.CreateSession(context.Background(), "wf")
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
}

func TestAdvance_PinsWorkflowGeneration(t *testing.T) {
	o, id := setup(t, "name: wf\nagents:\n  - name: A\n    kind: responder\n", model.Set{"default": model.NewMockModel("m")})

	cfg2, err := workflow.Parse([]byte("name: wf\nagents:\n  - name: B\n    kind: responder\n"))
	require.NoError(t, err)
	_, err = o.registry.Register(context.Background(), cfg2)
	require.NoError(t, err)

	out, err := o.Advance(context.Background(), id, core.TextInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, "A", out.Messages[1].Sender)

	fresh, err := o.CreateSession(context.Background(), "wf")
	require.NoError(t, err)
	out, err = o.Advance(context.Background(), fresh, core.TextInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, "B", out.Messages[1].Sender)
}

func TestStream(t *testing.T) {
	backend := &testutil.StubRetriever{Passages: []core.Passage{{SourceID: "doc-refund", Text: "30 days", Score: 0.9}}}
	llm := model.NewMockModel("m").EnqueueText("Within 30 days.")
	o, id := setup(t, ragYAML, model.Set{"default": llm}, func(o *Options) { o.Retriever = backend })

	eventsCh, errCh := o.Stream(context.Background(), id, core.TextInput("refund policy"))
	var types []EventType
	var last Event
	for ev := range eventsCh {
		types = append(types, ev.Type)
		assert.Equal(t, id, ev.ConversationID)
		last = ev
	}
	require.NoError(t, <-errCh)

	assert.Equal(t, []EventType{EventStepStarted, EventRetrieval, EventMessage, EventCommitted}, types)
	require.NotNil(t, last.Outcome)
	assert.Equal(t, "Within 30 days.", last.Outcome.Reply())
}

func TestStream_Failure(t *testing.T) {
	llm := model.NewMockModel("m").EnqueueError(errors.New("boom")).EnqueueError(errors.New("boom"))
	o, id := setup(t, flakyYAML, model.Set{"default": llm})

	eventsCh, errCh := o.Stream(context.Background(), id, core.TextInput("hi"))
	var types []EventType
	for ev := range eventsCh {
		types = append(types, ev.Type)
	}
	err := <-errCh
	assert.Equal(t, core.KindUpstreamFailure, core.KindOf(err))
	assert.Equal(t, []EventType{EventStepStarted, EventFailed}, types)
}

func TestKeyedLock(t *testing.T) {
	l := newKeyedLock()
	ctx := context.Background()

	release, err := l.acquire(ctx, "a", false)
	require.NoError(t, err)
	_, err = l.acquire(ctx, "a", false)
	assert.Equal(t, core.KindConcurrencyConflict, core.KindOf(err))

	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = l.acquire(tctx, "a", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, l.size())
}
