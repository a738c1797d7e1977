package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/testutil"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
	"github.com/hupe1980/ingenious/workflow"
)

func turn(msgs ...core.Message) core.TurnContext {
	return core.TurnContext{ConversationID: "c1", Window: msgs}
}

func user(text string) core.Message { return testutil.User(text).Build() }

func toolCallContent(name, args string) core.Content {
	return core.Content{Role: "assistant", Parts: []core.Part{
		core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "call-1", Name: name, Arguments: args}},
	}}
}

func TestResponder_Act(t *testing.T) {
	llm := model.NewMockModel("mock").EnqueueText("  Hi there!  ")
	r := NewResponder("Greeter", llm, func(o *Options) { o.Instruction = NewInstructionFromText("Greet.") })

	out, err := r.Act(context.Background(), turn(user("hello"), testutil.NewMessageBuilder("Other").Text("psst").Build(), testutil.NewMessageBuilder("Greeter").Text("earlier").Build()))
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", out.Text)
	assert.Nil(t, out.Action)
	assert.Empty(t, out.Citations)

	req := llm.Requests()[0]
	assert.Equal(t, "Greet.", req.Instructions)
	require.Len(t, req.Contents, 3)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "[Other]: psst", req.Contents[1].Text())
	assert.Equal(t, "assistant", req.Contents[2].Role)
}

func TestResponder_Errors(t *testing.T) {
	ctx := context.Background()

	r := NewResponder("A", model.NewMockModel("m").EnqueueError(errors.New("503")))
	_, err := r.Act(ctx, turn(user("hi")))
	require.Error(t, err)
	assert.Equal(t, core.KindUpstreamFailure, core.KindOf(err))
	assert.True(t, core.IsRetryable(err))

	r = NewResponder("A", model.NewMockModel("m").EnqueueText("   "))
	_, err = r.Act(ctx, turn(user("hi")))
	assert.Equal(t, core.KindMalformedOutput, core.KindOf(err))
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "A", ce.Agent)

	r = NewResponder("A", model.NewMockModel("m").EnqueueHang())
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.Act(tctx, turn(user("hi")))
	assert.Equal(t, core.KindUpstreamFailure, core.KindOf(err))

	r = NewResponder("A", model.NewMockModel("m").EnqueueHang())
	cctx, stop := context.WithCancel(ctx)
	go func() { time.Sleep(10 * time.Millisecond); stop() }()
	_, err = r.Act(cctx, turn(user("hi")))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResponder_DynamicInstruction(t *testing.T) {
	llm := model.NewMockModel("m").EnqueueText("ok")
	r := NewResponder("A", llm, func(o *Options) {
		o.Instruction = NewInstructionFromFunc(func(tc core.TurnContext) (string, error) {
			return "step " + strings.Repeat("I", tc.Step+1), nil
		})
	})
	tc := turn(user("hi"))
	tc.Step = 2
	_, err := r.Act(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "step III", llm.Requests()[0].Instructions)
	assert.False(t, NewInstructionFromFunc(nil).IsStatic())
}

func TestRetrievalAgent_TwoPhases(t *testing.T) {
	llm := model.NewMockModel("m").EnqueueText("Refunds take 30 days [0].")
	a := NewRetrievalAgent("Searcher", llm, func(o *RetrievalOptions) { o.TopK = 1 })
	ctx := context.Background()

	out, err := a.Act(ctx, turn(user("refund policy")))
	require.NoError(t, err)
	req, ok := out.Action.(core.RetrievalRequest)
	require.True(t, ok)
	assert.Equal(t, "refund policy", req.Query)
	assert.Equal(t, 1, req.TopK)
	assert.Equal(t, "refund policy", out.Memory["last_query"])
	assert.Equal(t, 0, llm.Calls())

	tc := turn(user("refund policy"))
	tc.Retrieval = &core.RetrievalResult{Query: "refund policy", Passages: []core.Passage{{SourceID: "doc-1", Text: "30 days", Score: 0.9}}}
	out, err = a.Act(ctx, tc)
	require.NoError(t, err)
	assert.Nil(t, out.Action)
	require.Len(t, out.Citations, 1)
	assert.Equal(t, "doc-1", out.Citations[0].SourceID)
	assert.Contains(t, llm.Requests()[0].Instructions, "(source: doc-1)")
}

func TestRetrievalAgent_RewriteQuery(t *testing.T) {
	llm := model.NewMockModel("m").EnqueueText(`"refund policy"`)
	a := NewRetrievalAgent("Searcher", llm, func(o *RetrievalOptions) { o.RewriteQuery = true })

	out, err := a.Act(context.Background(), turn(user("hey, how do I get my money back?")))
	require.NoError(t, err)
	assert.Equal(t, "refund policy", out.Action.(core.RetrievalRequest).Query)
	assert.Equal(t, 4, out.Action.(core.RetrievalRequest).TopK)
}

func TestRetrievalAgent_NoQuery(t *testing.T) {
	a := NewRetrievalAgent("Searcher", model.NewMockModel("m"))
	_, err := a.Act(context.Background(), turn())
	assert.Equal(t, core.KindMalformedOutput, core.KindOf(err))
}

func TestToolAgent(t *testing.T) {
	weather := ToolSpec{
		Name: "get_weather",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []any{"city"},
		},
	}
	ctx := context.Background()

	llm := model.NewMockModel("m").EnqueueContent(toolCallContent("get_weather", `{"city":"Berlin"}`))
	a := NewToolAgent("Weather", llm, []ToolSpec{weather})
	assert.True(t, a.HasTool("get_weather"))
	out, err := a.Act(ctx, turn(user("weather in Berlin?")))
	require.NoError(t, err)
	call, ok := out.Action.(core.ToolCall)
	require.True(t, ok)
	assert.Equal(t, "call-1", call.ID)
	assert.Equal(t, "Berlin", call.Arguments["city"])
	require.Len(t, llm.Requests()[0].Tools, 1)

	cases := map[string]core.Content{
		"undeclared tool": toolCallContent("launch_rocket", `{}`),
		"bad json":        toolCallContent("get_weather", `{city`),
		"schema mismatch": toolCallContent("get_weather", `{"city": 3}`),
		"missing field":   toolCallContent("get_weather", `{}`),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewToolAgent("Weather", model.NewMockModel("m").EnqueueContent(content), []ToolSpec{weather})
			_, err := a.Act(ctx, turn(user("x")))
			assert.Equal(t, core.KindMalformedOutput, core.KindOf(err))
		})
	}

	a = NewToolAgent("Weather", model.NewMockModel("m").EnqueueText("Which city?"), []ToolSpec{weather})
	out, err = a.Act(ctx, turn(user("weather?")))
	require.NoError(t, err)
	assert.Equal(t, "Which city?", out.Text)
	assert.Nil(t, out.Action)
}

func TestTerminator(t *testing.T) {
	ctx := context.Background()

	out, err := NewTerminator("Closer", nil).Act(ctx, turn(user("hi")))
	require.NoError(t, err)
	assert.IsType(t, core.Terminate{}, out.Action)
	assert.Empty(t, out.Text)

	limited := NewTerminator("Closer", nil, func(o *TerminatorOptions) { o.MaxTurns = 1; o.Farewell = "Bye!" })
	tc := turn(user("hi"))
	out, err = limited.Act(ctx, tc)
	require.NoError(t, err)
	assert.True(t, out.Empty())
	tc.Step = 1
	out, err = limited.Act(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, "Bye!", out.Text)
	assert.Equal(t, "turn limit 1 reached", out.Action.(core.Terminate).Reason)

	phrases := NewTerminator("Closer", nil, func(o *TerminatorOptions) { o.StopPhrases = []string{"goodbye"} })
	out, err = phrases.Act(ctx, turn(user("OK, GoodBye then")))
	require.NoError(t, err)
	assert.NotNil(t, out.Action)

	llm := model.NewMockModel("m").EnqueueText("CONTINUE").EnqueueText("done.").EnqueueText("maybe")
	judge := NewTerminator("Judge", llm, func(o *TerminatorOptions) { o.AskModel = true })
	out, err = judge.Act(ctx, turn(user("x")))
	require.NoError(t, err)
	assert.True(t, out.Empty())
	out, err = judge.Act(ctx, turn(user("x")))
	require.NoError(t, err)
	assert.NotNil(t, out.Action)
	_, err = judge.Act(ctx, turn(user("x")))
	assert.Equal(t, core.KindMalformedOutput, core.KindOf(err))
	assert.Equal(t, verdictInstruction, llm.Requests()[0].Instructions)
}

func TestNew(t *testing.T) {
	models := model.Set{"default": model.NewMockModel("m"), "fast": model.NewMockModel("f")}
	log := logging.NoOpLogger{}

	a, err := New(workflow.AgentDefinition{Name: "A", Kind: workflow.KindResponder}, models, log)
	require.NoError(t, err)
	assert.IsType(t, &Responder{}, a)
	assert.Equal(t, "A", a.Name())

	a, err = New(workflow.AgentDefinition{Name: "S", Kind: workflow.KindRetrieval, Model: "fast", Retrieval: workflow.RetrievalSettings{TopK: 2}}, models, log)
	require.NoError(t, err)
	assert.Equal(t, 2, a.(*RetrievalAgent).topK)

	a, err = New(workflow.AgentDefinition{Name: "T", Kind: workflow.KindTool, Tools: []workflow.ToolDeclaration{{Name: "x"}}}, models, log)
	require.NoError(t, err)
	assert.True(t, a.(*ToolAgent).HasTool("x"))

	a, err = New(workflow.AgentDefinition{Name: "C", Kind: workflow.KindTerminator, Termination: workflow.TerminationRule{MaxTurns: 1}}, model.Set{}, log)
	require.NoError(t, err)
	assert.Equal(t, 1, a.(*Terminator).opts.MaxTurns)

	_, err = New(workflow.AgentDefinition{Name: "A", Kind: workflow.KindResponder, Model: "missing"}, models, log)
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "A", ce.Agent)

	_, err = New(workflow.AgentDefinition{Name: "A", Kind: "poet"}, models, log)
	assert.Equal(t, core.KindConfiguration, core.KindOf(err))
}

func TestBuild(t *testing.T) {
	cfg, err := workflow.Parse([]byte("name: greet\nagents:\n  - name: Greeter\n    kind: responder\n  - name: Closer\n    kind: terminator\n"))
	require.NoError(t, err)
	agents, err := Build(cfg, model.Set{"default": model.NewMockModel("m")}, nil)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestInstruction_ExpandsMemory(t *testing.T) {
	in := NewInstructionFromText("Previous search: {memory.last_query}. Unknown: [{memory.nope}]. Broken {memory.x")
	tc := turn(user("hi"))
	tc.Memory = map[string]any{"last_query": "refund policy"}

	text, err := in.Resolve(tc)
	require.NoError(t, err)
	assert.Equal(t, "Previous search: refund policy. Unknown: []. Broken {memory.x", text)
	assert.True(t, in.IsStatic())

	text, err = NewInstructionFromText("plain").Resolve(tc)
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
}
