package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/ingenious/core"
)

// Generation is one immutable, validated version of a workflow.
type Generation struct {
	Number   uint64
	Config   *Config
	Router   Router
	LoadedAt time.Time
}

type snapshot map[string][]*Generation

// Registry holds every generation of every workflow. Readers never lock;
// Register publishes a new snapshot so reloads never affect conversations
// pinned to an earlier generation.
type Registry struct {
	writeMu  sync.Mutex
	current  atomic.Pointer[snapshot]
	prompts  PromptRenderer
	defaults Config
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Defaults fills fields a workflow leaves unset. Only the orchestration
	// settings (routing, retry, timeouts, limits, concurrency) are used.
	Defaults Config
}

// NewRegistry creates an empty registry. A non-nil renderer resolves agent
// prompt references on registration.
func NewRegistry(prompts PromptRenderer, optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Defaults: Defaults()}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Defaults.ApplyDefaults(Defaults())
	r := &Registry{prompts: prompts, defaults: opts.Defaults}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// Register validates cfg and publishes it as the next generation of its
// workflow. The caller must not mutate cfg afterwards.
func (r *Registry) Register(ctx context.Context, cfg *Config) (*Generation, error) {
	c := *cfg
	c.Agents = append([]AgentDefinition(nil), cfg.Agents...)
	c.ApplyDefaults(r.defaults)
	if err := c.ResolvePrompts(ctx, r.prompts); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	router, err := NewRouter(&c)
	if err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	gens := append([]*Generation(nil), old[c.Name]...)
	g := &Generation{Number: uint64(len(gens) + 1), Config: &c, Router: router, LoadedAt: time.Now().UTC()}
	next[c.Name] = append(gens, g)
	r.current.Store(&next)
	return g, nil
}

// Get returns generation n of workflow name; n == 0 selects the latest.
func (r *Registry) Get(name string, n uint64) (*Generation, error) {
	gens := (*r.current.Load())[name]
	if len(gens) == 0 {
		return nil, core.Errorf(core.KindConfiguration, "workflow.get", "unknown workflow %q", name)
	}
	if n == 0 {
		return gens[len(gens)-1], nil
	}
	if n > uint64(len(gens)) {
		return nil, core.Errorf(core.KindConfiguration, "workflow.get", "workflow %q has no generation %d", name, n)
	}
	return gens[n-1], nil
}

// Names lists registered workflow names.
func (r *Registry) Names() []string {
	snap := *r.current.Load()
	out := make([]string, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadDir registers every workflow file found in dir.
func (r *Registry) LoadDir(ctx context.Context, dir string) error {
	cfgs, err := loadDirWith(dir, r.defaults)
	if err != nil {
		return err
	}
	for _, cfg := range cfgs {
		if _, err := r.Register(ctx, cfg); err != nil {
			return fmt.Errorf("register %q: %w", cfg.Name, err)
		}
	}
	return nil
}
