package ingest

import (
	"slices"
	"sync"

	"github.com/hupe1980/ingenious/core"
)

// Built-in chunking strategies.
const (
	StrategyRecursive = "recursive"
	StrategyMarkdown  = "markdown"
	StrategyToken     = "token"
)

// TextSplitter cuts a document text into ordered chunks.
type TextSplitter interface {
	Split(text string) []string
}

// StrategyFunc builds a TextSplitter from a defaulted and validated Config.
type StrategyFunc func(cfg Config) (TextSplitter, error)

var (
	strategiesMu sync.RWMutex
	strategies   = map[string]StrategyFunc{
		StrategyRecursive: newRecursiveSplitter,
		StrategyMarkdown:  newMarkdownSplitter,
		StrategyToken:     newTokenSplitter,
	}
)

// RegisterStrategy makes a chunking strategy selectable by name. A later
// registration under the same name replaces the earlier one.
func RegisterStrategy(name string, fn StrategyFunc) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	strategies[name] = fn
}

// Strategies returns the registered strategy names in sorted order.
func Strategies() []string {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookupStrategy(name string) (StrategyFunc, bool) {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	fn, ok := strategies[name]
	return fn, ok
}

// NewSplitter applies defaults, validates cfg and builds the splitter of
// the configured strategy.
func NewSplitter(cfg Config) (TextSplitter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fn, ok := lookupStrategy(cfg.Strategy)
	if !ok {
		return nil, unknownStrategy(cfg.Strategy)
	}
	s, err := fn(cfg)
	if err != nil {
		return nil, core.NewError(core.KindConfiguration, "ingest.splitter", err)
	}
	return s, nil
}

func unknownStrategy(name string) error {
	return core.Errorf(core.KindConfiguration, "ingest.config", "unknown chunking strategy: %s", name)
}
