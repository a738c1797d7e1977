package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store persists prompt templates keyed by (id, version).
type Store interface {
	// Put stores a template. Version 0 assigns the next free version.
	Put(ctx context.Context, t Template) (Template, error)
	// Get returns a template; version 0 selects the latest version.
	Get(ctx context.Context, id string, version int) (Template, error)
	// Versions lists stored versions of id in ascending order.
	Versions(ctx context.Context, id string) ([]int, error)
	// List returns the latest version of every template, sorted by id.
	List(ctx context.Context) ([]Template, error)
}

// InMemoryStore is a volatile Store safe for concurrent access.
type InMemoryStore struct {
	mu        sync.RWMutex
	templates map[string]map[int]Template
}

// NewInMemoryStore constructs an empty template store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{templates: make(map[string]map[int]Template)}
}

// Put implements Store.
func (s *InMemoryStore) Put(_ context.Context, t Template) (Template, error) {
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.templates[t.ID]
	if !ok {
		versions = make(map[int]Template)
		s.templates[t.ID] = versions
	}
	if t.Version == 0 {
		t.Version = latest(versions) + 1
	}
	if _, exists := versions[t.Version]; exists {
		return Template{}, configError("prompt.put", fmt.Sprintf("template %s already exists", t.Ref()), ErrMalformedTemplate)
	}
	versions[t.Version] = t
	return t, nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, id string, version int) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.templates[id]
	if !ok || len(versions) == 0 {
		return Template{}, configError("prompt.get", fmt.Sprintf("template %q", id), ErrTemplateNotFound)
	}
	if version == 0 {
		version = latest(versions)
	}
	t, ok := versions[version]
	if !ok {
		return Template{}, configError("prompt.get", fmt.Sprintf("template %s@%d", id, version), ErrTemplateNotFound)
	}
	return t, nil
}

// Versions implements Store.
func (s *InMemoryStore) Versions(_ context.Context, id string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.templates[id]
	if !ok {
		return nil, configError("prompt.versions", fmt.Sprintf("template %q", id), ErrTemplateNotFound)
	}
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, 0, len(s.templates))
	for _, versions := range s.templates {
		if len(versions) > 0 {
			out = append(out, versions[latest(versions)])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func latest(versions map[int]Template) int {
	max := 0
	for v := range versions {
		if v > max {
			max = v
		}
	}
	return max
}

// ParseRef splits "id" or "id@version" into its parts.
func ParseRef(ref string) (string, int, error) {
	id, ver, found := strings.Cut(ref, "@")
	if strings.TrimSpace(id) == "" {
		return "", 0, configError("prompt.ref", fmt.Sprintf("empty template reference %q", ref), ErrTemplateNotFound)
	}
	if !found {
		return id, 0, nil
	}
	v, err := strconv.Atoi(ver)
	if err != nil || v <= 0 {
		return "", 0, configError("prompt.ref", fmt.Sprintf("invalid version in %q", ref), ErrTemplateNotFound)
	}
	return id, v, nil
}

// templateFile is the on-disk layout: either a single template or a list.
type templateFile struct {
	Template  `yaml:",inline"`
	Templates []Template `yaml:"templates"`
}

// LoadFile reads templates from a YAML file into store.
func LoadFile(ctx context.Context, store Store, path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, configError("prompt.load", path, fmt.Errorf("%w: %v", ErrMalformedTemplate, err))
	}
	list := f.Templates
	if f.Template.ID != "" {
		list = append([]Template{f.Template}, list...)
	}
	stored := make([]Template, 0, len(list))
	for _, t := range list {
		st, err := store.Put(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		stored = append(stored, st)
	}
	return stored, nil
}

// LoadDir loads every *.yml / *.yaml file in dir (non-recursive), in lexical order.
func LoadDir(ctx context.Context, store Store, dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts dir: %w", err)
	}
	var all []Template
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		ts, err := LoadFile(ctx, store, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		all = append(all, ts...)
	}
	return all, nil
}
