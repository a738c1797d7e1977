// Package lexical provides a process-local retrieval index scored by query
// term overlap. It needs no external service, which makes it the default
// backend for tests and small document sets.
package lexical

import (
	"context"
	"sync"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/retrieval"
)

type entry struct {
	passage core.Passage
	terms   map[string]int
}

// Index is an in-memory term overlap index.
//
// Concurrency: protected by RWMutex.
// Scoring: the share of distinct query terms found in a passage, plus a
// small bonus per repeated occurrence capped below the next overlap step so
// coverage always dominates frequency. Passages matching no term are never
// returned.
type Index struct {
	mu      sync.RWMutex
	entries map[string]entry
}

var (
	_ core.Retriever = (*Index)(nil)
	_ core.Indexer   = (*Index)(nil)
)

// New creates an empty index.
func New() *Index {
	return &Index{entries: make(map[string]entry)}
}

// Add stores passages, replacing any existing passage with the same source id.
func (x *Index) Add(_ context.Context, passages ...core.Passage) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range passages {
		if p.SourceID == "" {
			return core.Errorf(core.KindInvalidInput, "lexical.add", "passage without source id")
		}
		terms := make(map[string]int)
		for _, t := range retrieval.Tokenize(p.Text) {
			terms[t]++
		}
		md := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			md[k] = v
		}
		p.Metadata = md
		p.Score = 0
		x.entries[p.SourceID] = entry{passage: p, terms: terms}
	}
	return nil
}

// Len returns the number of indexed passages.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Query implements core.Retriever.
func (x *Index) Query(ctx context.Context, text string, topK int, filters core.Filters) (*core.RetrievalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := distinct(retrieval.Tokenize(text))
	res := &core.RetrievalResult{Query: text, Passages: []core.Passage{}}
	if len(query) == 0 {
		return res, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	step := 1.0 / float64(len(query))
	for _, e := range x.entries {
		if !filters.Match(e.passage.Metadata) {
			continue
		}
		var matched, extra int
		for _, t := range query {
			if n := e.terms[t]; n > 0 {
				matched++
				extra += n - 1
			}
		}
		if matched == 0 {
			continue
		}
		bonus := step * 0.9 * (1 - 1/float64(1+extra))
		p := e.passage
		p.Score = float64(matched)*step + bonus
		if p.Score > 1 {
			p.Score = 1
		}
		res.Passages = append(res.Passages, p)
	}
	res.Passages = retrieval.Normalize(res.Passages, topK, 0)
	return res, nil
}

func distinct(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
