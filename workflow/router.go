package workflow

import (
	"context"
	"strings"

	"github.com/hupe1980/ingenious/core"
)

// State is what a router sees when choosing the next step.
type State struct {
	// LastSender is the sender of the newest message (an agent name or "user").
	LastSender string
	LastText   string
	// LastAction is the type of the newest message's action, if any.
	LastAction string
	// Step counts agent steps already taken in the current advance.
	Step int
	// TotalSteps counts agent steps over the whole conversation.
	TotalSteps int
	AgentTurns map[string]int
	// Resume is the persisted position hint from the previous advance.
	Resume string
}

// Decision is a router's answer. Target is an agent name, TargetUser
// (yield) or TargetEnd (terminate). Resume is persisted as the position
// hint for the next advance.
type Decision struct {
	Target string
	Resume string
}

// Router chooses transitions for one workflow.
type Router interface {
	Next(ctx context.Context, s State) (Decision, error)
}

// NewRouter builds the router selected by cfg.Routing.
func NewRouter(cfg *Config) (Router, error) {
	names := make([]string, len(cfg.Agents))
	for i, a := range cfg.Agents {
		names[i] = a.Name
	}
	switch cfg.Routing {
	case RoutingSequential:
		return &sequentialRouter{agents: names, start: indexOf(names, cfg.Start)}, nil
	case RoutingRoundRobin:
		return &roundRobinRouter{agents: names, start: cfg.Start}, nil
	case RoutingRules:
		return &rulesRouter{agents: names, rules: cfg.Rules, start: cfg.Start}, nil
	case RoutingLua:
		return newLuaRouter(cfg.Name, cfg.Script, names)
	}
	return nil, invalid("workflow %q: unknown routing %q", cfg.Name, cfg.Routing)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return 0
}

// sequentialRouter runs agents in declaration order, starting at start, and
// yields after the last one. An advance cut short by the step cap continues
// at the persisted agent.
type sequentialRouter struct {
	agents []string
	start  int
}

func (r *sequentialRouter) Next(_ context.Context, s State) (Decision, error) {
	if s.LastSender == core.SenderUser {
		if contains(r.agents, s.Resume) {
			return Decision{Target: s.Resume}, nil
		}
		return Decision{Target: r.agents[r.start]}, nil
	}
	i := indexOf(r.agents, s.LastSender)
	if r.agents[i] != s.LastSender || i+1 >= len(r.agents) {
		return Decision{Target: TargetUser}, nil
	}
	return Decision{Target: r.agents[i+1]}, nil
}

// roundRobinRouter runs one agent per user message, rotating through the list.
type roundRobinRouter struct {
	agents []string
	start  string
}

func (r *roundRobinRouter) Next(_ context.Context, s State) (Decision, error) {
	if s.LastSender == core.SenderUser {
		next := s.Resume
		if next == "" || !contains(r.agents, next) {
			next = r.start
		}
		return Decision{Target: next}, nil
	}
	i := indexOf(r.agents, s.LastSender)
	return Decision{Target: TargetUser, Resume: r.agents[(i+1)%len(r.agents)]}, nil
}

// rulesRouter applies the first matching rule; with none matching it yields.
// A pending continuation takes precedence over rules matching the user.
type rulesRouter struct {
	agents []string
	rules  []Rule
	start  string
}

func (r *rulesRouter) Next(_ context.Context, s State) (Decision, error) {
	if s.LastSender == core.SenderUser && contains(r.agents, s.Resume) {
		return Decision{Target: s.Resume}, nil
	}
	for _, rule := range r.rules {
		if rule.From != anySender && rule.From != s.LastSender {
			continue
		}
		if rule.When.Action != "" && rule.When.Action != s.LastAction {
			continue
		}
		if rule.When.Contains != "" && !strings.Contains(strings.ToLower(s.LastText), strings.ToLower(rule.When.Contains)) {
			continue
		}
		return Decision{Target: rule.To}, nil
	}
	if s.LastSender == core.SenderUser {
		return Decision{Target: r.start}, nil
	}
	return Decision{Target: TargetUser}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
