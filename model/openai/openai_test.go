package openai

import (
	"testing"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessages_InstructionsLeadAsSystem(t *testing.T) {
	req := model.Request{
		Instructions: "You are Greeter.",
		Contents: []core.Content{
			core.NewTextContent("user", "hello"),
			{Role: "assistant", Parts: []core.Part{core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "call-1", Name: "lookup", Arguments: `{}`}}}},
			{Role: "tool", Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "call-1", Name: "lookup", Response: "ok"}}}},
		},
	}

	msgs := buildMessages(req)
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.NotNil(t, msgs[3].OfTool)
}

func TestNewAzureModel_Info(t *testing.T) {
	m := NewAzureModel("https://example.openai.azure.com", "2024-06-01", "gpt-4o-deploy", "key")

	info := m.Info()
	assert.Equal(t, "gpt-4o-deploy", info.Name)
	assert.Equal(t, "azure_openai", info.Provider)
}

func TestBuildParams_Tools(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })
	params := m.buildParams(model.Request{Tools: []model.ToolDefinition{{
		Type:     "function",
		Function: model.FunctionDefinition{Name: "lookup", Parameters: map[string]any{"type": "object"}},
	}}}, nil)

	require.Len(t, params.Tools, 1)
	assert.Equal(t, "lookup", params.Tools[0].Function.Name)
}
