package model

import (
	"sort"

	"github.com/hupe1980/ingenious/core"
)

// DefaultName is the key of the model used by agents that do not name one.
const DefaultName = "default"

// Set maps configured model names to implementations.
type Set map[string]Model

// Get resolves name. An empty name selects DefaultName, or the only model
// when exactly one is configured.
func (s Set) Get(name string) (Model, error) {
	if name == "" {
		if m, ok := s[DefaultName]; ok {
			return m, nil
		}
		if len(s) == 1 {
			for _, m := range s {
				return m, nil
			}
		}
		return nil, core.Errorf(core.KindConfiguration, "model.get", "no default model configured (have %v)", s.Names())
	}
	m, ok := s[name]
	if !ok {
		return nil, core.Errorf(core.KindConfiguration, "model.get", "unknown model %q (have %v)", name, s.Names())
	}
	return m, nil
}

// Names lists the configured model names.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
