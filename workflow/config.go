// Package workflow holds the declarative description of a multi-agent
// workflow (agents, routing, termination, retry and timeout policy), its YAML
// loader and validation, the routers that pick the next agent, and a registry
// of immutable config generations.
package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/ingenious/core"
)

// AgentKind is the closed set of agent variants.
type AgentKind string

const (
	KindResponder  AgentKind = "responder"
	KindRetrieval  AgentKind = "retrieval"
	KindTool       AgentKind = "tool"
	KindTerminator AgentKind = "terminator"
)

// Capability grants an agent access to an orchestrator service.
type Capability string

const (
	CapabilityRetrieval Capability = "retrieval"
	CapabilityTools     Capability = "tools"
)

// Routing selects the transition strategy.
type Routing string

const (
	// RoutingSequential runs every agent in order once per user message.
	RoutingSequential Routing = "sequential"
	// RoutingRoundRobin runs one agent per user message, rotating.
	RoutingRoundRobin Routing = "round_robin"
	// RoutingRules follows declarative from/when/to transition rules.
	RoutingRules Routing = "rules"
	// RoutingLua delegates the decision to a sandboxed Lua route(state) function.
	RoutingLua Routing = "lua"
)

// ConcurrencyMode decides what happens when a conversation is already being advanced.
type ConcurrencyMode string

const (
	ConcurrencyReject ConcurrencyMode = "reject"
	ConcurrencyQueue  ConcurrencyMode = "queue"
)

// Special routing targets.
const (
	TargetUser = "user"
	TargetEnd  = "end"
	anySender  = "*"
)

// PromptRef points an agent's instruction at a Prompt Workspace template.
type PromptRef struct {
	Ref  string         `yaml:"ref"`
	Vars map[string]any `yaml:"vars,omitempty"`
}

// RetrievalSettings configure retrieval requests made by an agent.
type RetrievalSettings struct {
	TopK    int          `yaml:"top_k,omitempty"`
	Filters core.Filters `yaml:"filters,omitempty"`
	// RewriteQuery asks the model to turn the user message into a search query.
	RewriteQuery bool `yaml:"rewrite_query,omitempty"`
}

// ToolDeclaration declares a tool the agent may call. Execution is external.
type ToolDeclaration struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
}

// TerminationRule is the predicate of a terminator agent. With no condition
// configured the terminator ends the conversation whenever it acts.
type TerminationRule struct {
	// MaxTurns ends the conversation once this many agent steps were taken.
	MaxTurns int `yaml:"max_turns,omitempty"`
	// StopPhrases end the conversation when the last message contains one.
	StopPhrases []string `yaml:"stop_phrases,omitempty"`
	// AskModel asks the model for a DONE/CONTINUE verdict.
	AskModel bool `yaml:"ask_model,omitempty"`
	// Farewell is optional text appended with the terminate action.
	Farewell string `yaml:"farewell,omitempty"`
}

// AgentDefinition is the static configuration of one agent.
type AgentDefinition struct {
	Name         string            `yaml:"name"`
	Kind         AgentKind         `yaml:"kind"`
	Description  string            `yaml:"description,omitempty"`
	Instruction  string            `yaml:"instruction,omitempty"`
	Prompt       *PromptRef        `yaml:"prompt,omitempty"`
	Model        string            `yaml:"model,omitempty"`
	Capabilities []Capability      `yaml:"capabilities,omitempty"`
	Retrieval    RetrievalSettings `yaml:"retrieval,omitempty"`
	Tools        []ToolDeclaration `yaml:"tools,omitempty"`
	Termination  TerminationRule   `yaml:"termination,omitempty"`
}

// Has reports whether the agent was granted capability c.
func (d AgentDefinition) Has(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Condition narrows when a rule applies. Empty fields match anything.
type Condition struct {
	Contains string `yaml:"contains,omitempty"`
	Action   string `yaml:"action,omitempty"`
}

// Rule is one transition: after From speaks and When holds, go To.
type Rule struct {
	From string    `yaml:"from"`
	When Condition `yaml:"when,omitempty"`
	To   string    `yaml:"to"`
}

// RetryPolicy bounds retries of failed agent invocations.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	// RetryMalformed also retries malformed agent output.
	RetryMalformed bool `yaml:"retry_malformed,omitempty"`
}

// Timeouts bound each suspension point of a step.
type Timeouts struct {
	Model     time.Duration `yaml:"model,omitempty"`
	Retrieval time.Duration `yaml:"retrieval,omitempty"`
	Storage   time.Duration `yaml:"storage,omitempty"`
}

// Config is a complete workflow description. It is immutable once registered.
type Config struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description,omitempty"`
	Agents         []AgentDefinition `yaml:"agents"`
	Routing        Routing           `yaml:"routing,omitempty"`
	Start          string            `yaml:"start,omitempty"`
	Rules          []Rule            `yaml:"rules,omitempty"`
	Script         string            `yaml:"script,omitempty"`
	TerminalAgents []string          `yaml:"terminal_agents,omitempty"`
	// MaxTurns ends the conversation after this many agent steps; 0 = unlimited.
	MaxTurns int `yaml:"max_turns,omitempty"`
	// MaxStepsPerAdvance bounds agent steps inside a single advance.
	MaxStepsPerAdvance int `yaml:"max_steps_per_advance,omitempty"`
	// ContextWindow is the number of trailing messages agents see; 0 = all.
	ContextWindow int             `yaml:"context_window,omitempty"`
	Retry         RetryPolicy     `yaml:"retry,omitempty"`
	Timeouts      Timeouts        `yaml:"timeouts,omitempty"`
	Concurrency   ConcurrencyMode `yaml:"concurrency,omitempty"`
}

// Defaults returns the policy values applied to unset fields.
func Defaults() Config {
	return Config{
		Routing:            RoutingSequential,
		MaxStepsPerAdvance: 16,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Timeouts: Timeouts{
			Model:     60 * time.Second,
			Retrieval: 10 * time.Second,
			Storage:   5 * time.Second,
		},
		Concurrency: ConcurrencyReject,
	}
}

// ApplyDefaults fills unset fields from base.
func (c *Config) ApplyDefaults(base Config) {
	if c.Routing == "" {
		c.Routing = base.Routing
	}
	if c.MaxStepsPerAdvance == 0 {
		c.MaxStepsPerAdvance = base.MaxStepsPerAdvance
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = base.ContextWindow
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = base.Retry.MaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = base.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = base.Retry.MaxBackoff
	}
	if c.Timeouts.Model == 0 {
		c.Timeouts.Model = base.Timeouts.Model
	}
	if c.Timeouts.Retrieval == 0 {
		c.Timeouts.Retrieval = base.Timeouts.Retrieval
	}
	if c.Timeouts.Storage == 0 {
		c.Timeouts.Storage = base.Timeouts.Storage
	}
	if c.Concurrency == "" {
		c.Concurrency = base.Concurrency
	}
	if c.Start == "" && len(c.Agents) > 0 {
		c.Start = c.Agents[0].Name
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Kind == KindRetrieval && !a.Has(CapabilityRetrieval) {
			a.Capabilities = append(a.Capabilities, CapabilityRetrieval)
		}
		if a.Kind == KindTool && !a.Has(CapabilityTools) {
			a.Capabilities = append(a.Capabilities, CapabilityTools)
		}
	}
}

// Agent returns the definition named name.
func (c *Config) Agent(name string) (AgentDefinition, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentDefinition{}, false
}

// IsTerminal reports whether name is a terminal agent.
func (c *Config) IsTerminal(name string) bool {
	for _, t := range c.TerminalAgents {
		if t == name {
			return true
		}
	}
	return false
}

func invalid(format string, args ...any) error {
	return core.Errorf(core.KindConfiguration, "workflow.validate", format, args...)
}

// Validate checks the config for structural errors. All failures are
// configuration errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("workflow name is required")
	}
	if len(c.Agents) == 0 {
		return invalid("workflow %q: at least one agent is required", c.Name)
	}
	names := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if err := validateAgent(a); err != nil {
			return err
		}
		if names[a.Name] {
			return invalid("workflow %q: duplicate agent name %q", c.Name, a.Name)
		}
		names[a.Name] = true
	}
	switch c.Routing {
	case RoutingSequential, RoutingRoundRobin:
	case RoutingRules:
		if len(c.Rules) == 0 {
			return invalid("workflow %q: rules routing needs at least one rule", c.Name)
		}
		for i, r := range c.Rules {
			if r.From != anySender && r.From != TargetUser && !names[r.From] {
				return invalid("workflow %q: rule %d: unknown from %q", c.Name, i, r.From)
			}
			if r.To != TargetUser && r.To != TargetEnd && !names[r.To] {
				return invalid("workflow %q: rule %d: unknown to %q", c.Name, i, r.To)
			}
			switch r.When.Action {
			case "", core.ActionRetrieval, core.ActionToolCall, core.ActionTerminate:
			default:
				return invalid("workflow %q: rule %d: unknown action %q", c.Name, i, r.When.Action)
			}
		}
	case RoutingLua:
		if strings.TrimSpace(c.Script) == "" {
			return invalid("workflow %q: lua routing needs a script", c.Name)
		}
	default:
		return invalid("workflow %q: unknown routing %q", c.Name, c.Routing)
	}
	if c.Start != "" && !names[c.Start] {
		return invalid("workflow %q: unknown start agent %q", c.Name, c.Start)
	}
	for _, t := range c.TerminalAgents {
		if !names[t] {
			return invalid("workflow %q: unknown terminal agent %q", c.Name, t)
		}
	}
	if c.MaxTurns < 0 || c.ContextWindow < 0 || c.MaxStepsPerAdvance < 0 {
		return invalid("workflow %q: limits must not be negative", c.Name)
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("workflow %q: retry.max_attempts must be at least 1", c.Name)
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		return invalid("workflow %q: retry backoff must not be negative", c.Name)
	}
	if c.Timeouts.Model < 0 || c.Timeouts.Retrieval < 0 || c.Timeouts.Storage < 0 {
		return invalid("workflow %q: timeouts must not be negative", c.Name)
	}
	switch c.Concurrency {
	case ConcurrencyReject, ConcurrencyQueue:
	default:
		return invalid("workflow %q: unknown concurrency %q", c.Name, c.Concurrency)
	}
	return nil
}

func validateAgent(a AgentDefinition) error {
	switch strings.TrimSpace(a.Name) {
	case "":
		return invalid("agent name is required")
	case TargetUser, TargetEnd, core.SenderSystem, anySender:
		return invalid("agent name %q is reserved", a.Name)
	}
	switch a.Kind {
	case KindResponder, KindRetrieval, KindTerminator:
	case KindTool:
		if len(a.Tools) == 0 {
			return invalid("agent %q: tool agents declare at least one tool", a.Name)
		}
		seen := map[string]bool{}
		for _, t := range a.Tools {
			if strings.TrimSpace(t.Name) == "" || seen[t.Name] {
				return invalid("agent %q: tool names must be unique and non-empty", a.Name)
			}
			seen[t.Name] = true
		}
	default:
		return invalid("agent %q: unknown kind %q", a.Name, a.Kind)
	}
	for _, c := range a.Capabilities {
		if c != CapabilityRetrieval && c != CapabilityTools {
			return invalid("agent %q: unknown capability %q", a.Name, c)
		}
	}
	if a.Retrieval.TopK < 0 {
		return invalid("agent %q: retrieval.top_k must not be negative", a.Name)
	}
	if a.Prompt != nil && strings.TrimSpace(a.Prompt.Ref) == "" {
		return invalid("agent %q: prompt.ref is required", a.Name)
	}
	if a.Termination.MaxTurns < 0 {
		return invalid("agent %q: termination.max_turns must not be negative", a.Name)
	}
	return nil
}

// PromptRenderer resolves agent prompt references at load time.
type PromptRenderer interface {
	Render(ctx context.Context, ref string, vars map[string]any) (string, error)
}

// ResolvePrompts renders every agent prompt reference into its instruction.
// An existing instruction is kept as a prefix.
func (c *Config) ResolvePrompts(ctx context.Context, r PromptRenderer) error {
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Prompt == nil {
			continue
		}
		if r == nil {
			return invalid("agent %q: prompt %q referenced but no prompt workspace configured", a.Name, a.Prompt.Ref)
		}
		text, err := r.Render(ctx, a.Prompt.Ref, a.Prompt.Vars)
		if err != nil {
			return fmt.Errorf("agent %q: %w", a.Name, err)
		}
		if a.Instruction != "" {
			text = a.Instruction + "\n\n" + text
		}
		a.Instruction = text
		a.Prompt = nil
	}
	return nil
}

// Parse decodes a YAML workflow, applies Defaults and validates it.
func Parse(data []byte) (*Config, error) {
	return ParseWithDefaults(data, Defaults())
}

// ParseWithDefaults is Parse with unset fields taken from base.
func ParseWithDefaults(data []byte, base Config) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.NewError(core.KindConfiguration, "workflow.parse", err)
	}
	cfg.ApplyDefaults(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a workflow file.
func Load(path string) (*Config, error) {
	return loadWith(path, Defaults())
}

func loadWith(path string, base Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	cfg, err := ParseWithDefaults(data, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDir loads every *.yml / *.yaml workflow in dir.
func LoadDir(dir string) ([]*Config, error) {
	return loadDirWith(dir, Defaults())
}

func loadDirWith(dir string, base Config) ([]*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows dir: %w", err)
	}
	var out []*Config
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		cfg, err := loadWith(filepath.Join(dir, e.Name()), base)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
