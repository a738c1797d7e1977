package agent

import (
	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
	"github.com/hupe1980/ingenious/model"
	"github.com/hupe1980/ingenious/workflow"
)

// New builds the agent variant selected by def.Kind. Model resolution
// failures are configuration errors.
func New(def workflow.AgentDefinition, models model.Set, logger logging.Logger) (core.Agent, error) {
	common := func(o *Options) {
		if def.Instruction != "" {
			o.Instruction = NewInstructionFromText(def.Instruction)
		}
		o.Description = def.Description
		o.Logger = logger
	}

	switch def.Kind {
	case workflow.KindResponder:
		llm, err := models.Get(def.Model)
		if err != nil {
			return nil, withAgent(err, def.Name)
		}
		return NewResponder(def.Name, llm, common), nil

	case workflow.KindRetrieval:
		llm, err := models.Get(def.Model)
		if err != nil {
			return nil, withAgent(err, def.Name)
		}
		return NewRetrievalAgent(def.Name, llm, func(o *RetrievalOptions) {
			common(&o.Options)
			o.TopK = def.Retrieval.TopK
			o.Filters = def.Retrieval.Filters
			o.RewriteQuery = def.Retrieval.RewriteQuery
		}), nil

	case workflow.KindTool:
		llm, err := models.Get(def.Model)
		if err != nil {
			return nil, withAgent(err, def.Name)
		}
		specs := make([]ToolSpec, len(def.Tools))
		for i, t := range def.Tools {
			specs[i] = ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		return NewToolAgent(def.Name, llm, specs, common), nil

	case workflow.KindTerminator:
		var llm model.Model
		if def.Termination.AskModel {
			m, err := models.Get(def.Model)
			if err != nil {
				return nil, withAgent(err, def.Name)
			}
			llm = m
		}
		rule := def.Termination
		return NewTerminator(def.Name, llm, func(o *TerminatorOptions) {
			common(&o.Options)
			o.MaxTurns = rule.MaxTurns
			o.StopPhrases = rule.StopPhrases
			o.AskModel = rule.AskModel
			o.Farewell = rule.Farewell
		}), nil
	}
	return nil, core.Errorf(core.KindConfiguration, "agent.new", "agent %q: unknown kind %q", def.Name, def.Kind)
}

// Build constructs every agent of cfg keyed by name.
func Build(cfg *workflow.Config, models model.Set, logger logging.Logger) (map[string]core.Agent, error) {
	out := make(map[string]core.Agent, len(cfg.Agents))
	for _, def := range cfg.Agents {
		a, err := New(def, models, logger)
		if err != nil {
			return nil, err
		}
		out[def.Name] = a
	}
	return out, nil
}

func withAgent(err error, name string) error {
	if e, ok := err.(*core.Error); ok {
		c := *e
		c.Agent = name
		return &c
	}
	return err
}
