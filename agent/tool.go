package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/util"
	"github.com/hupe1980/ingenious/model"
)

// ToolSpec declares a tool the agent may ask for. Execution happens outside
// the orchestrator; the agent only emits a core.ToolCall action.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// ToolAgent asks the model to pick one of its declared tools. A function call
// in the model's reply becomes a core.ToolCall whose arguments were checked
// against the tool's schema; a plain text reply is passed through.
type ToolAgent struct {
	base
	tools map[string]ToolSpec
	defs  []model.ToolDefinition
}

var _ core.Agent = (*ToolAgent)(nil)

// NewToolAgent creates a tool agent backed by llm.
func NewToolAgent(name string, llm model.Model, tools []ToolSpec, optFns ...func(o *Options)) *ToolAgent {
	a := &ToolAgent{
		base:  newBase(name, llm, buildOptions(name, optFns)),
		tools: make(map[string]ToolSpec, len(tools)),
	}
	for _, t := range tools {
		a.tools[t.Name] = t
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		a.defs = append(a.defs, model.ToolDefinition{
			Type:     "function",
			Function: model.FunctionDefinition{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return a
}

// HasTool checks if a tool is declared.
func (a *ToolAgent) HasTool(name string) bool {
	_, ok := a.tools[name]
	return ok
}

// Act implements core.Agent.
func (a *ToolAgent) Act(ctx context.Context, tc core.TurnContext) (core.Output, error) {
	instruction, err := a.resolveInstruction(tc)
	if err != nil {
		return core.Output{}, err
	}
	req := newRequest(instruction, buildContents(a.name, tc.Window), tc.Retrieval)
	req.Tools = a.defs

	resp, err := a.generate(ctx, req)
	if err != nil {
		return core.Output{}, err
	}
	text := strings.TrimSpace(resp.Content.Text())
	calls := resp.Content.FunctionCalls()
	if len(calls) == 0 {
		if text == "" {
			return core.Output{}, a.failf(core.KindMalformedOutput, "act", "model returned neither text nor a tool call")
		}
		return core.Output{Text: text}, nil
	}

	// One action per message: only the first call is forwarded.
	call, err := a.parseCall(calls[0])
	if err != nil {
		return core.Output{}, err
	}
	if len(calls) > 1 {
		a.logger.Warn("agent.tool.extra_calls_dropped", "agent.name", a.name, "tool.calls", len(calls))
	}
	return core.Output{Text: text, Action: call}, nil
}

func (a *ToolAgent) parseCall(fc core.FunctionCall) (core.ToolCall, error) {
	spec, ok := a.tools[fc.Name]
	if !ok {
		return core.ToolCall{}, a.failf(core.KindMalformedOutput, "act", fmt.Sprintf("model called undeclared tool %q", fc.Name))
	}
	args := map[string]any{}
	if strings.TrimSpace(fc.Arguments) != "" {
		if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
			return core.ToolCall{}, a.fail(core.KindMalformedOutput, "act", fmt.Errorf("arguments of %q: %w", fc.Name, err))
		}
	}
	if err := util.ValidateArguments(args, spec.Parameters); err != nil {
		return core.ToolCall{}, a.fail(core.KindMalformedOutput, "act", fmt.Errorf("arguments of %q: %w", fc.Name, err))
	}
	id := fc.ID
	if id == "" {
		id = core.NewID()
	}
	return core.ToolCall{ID: id, Name: fc.Name, Arguments: args}, nil
}
