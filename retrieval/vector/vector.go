// Package vector provides an in-process embedding index ranked by cosine
// similarity.
package vector

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/retrieval"
)

// Embedder turns texts into vectors. The openai package provides one.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Options configures an Index.
type Options struct {
	// BatchSize bounds the number of texts sent to the embedder per call.
	BatchSize int
}

type entry struct {
	passage core.Passage
	vector  []float64
	norm    float64
}

// Index holds passages with their embeddings.
type Index struct {
	embedder Embedder
	opts     Options

	mu      sync.RWMutex
	entries map[string]entry
}

var (
	_ core.Retriever = (*Index)(nil)
	_ core.Indexer   = (*Index)(nil)
)

// New creates an empty index using embedder.
func New(embedder Embedder, optFns ...func(o *Options)) *Index {
	opts := Options{BatchSize: 64}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	return &Index{embedder: embedder, opts: opts, entries: make(map[string]entry)}
}

// Add embeds and stores passages, replacing existing ones with the same
// source id.
func (x *Index) Add(ctx context.Context, passages ...core.Passage) error {
	for start := 0; start < len(passages); start += x.opts.BatchSize {
		end := min(start+x.opts.BatchSize, len(passages))
		batch := passages[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			if p.SourceID == "" {
				return core.Errorf(core.KindInvalidInput, "vector.add", "passage without source id")
			}
			texts[i] = p.Text
		}
		vecs, err := x.embedder.Embed(ctx, texts)
		if err != nil {
			return core.NewError(core.KindUpstreamFailure, "vector.add", err)
		}
		if len(vecs) != len(batch) {
			return core.Errorf(core.KindMalformedOutput, "vector.add", "embedder returned %d vectors for %d texts", len(vecs), len(batch))
		}

		x.mu.Lock()
		for i, p := range batch {
			p.Score = 0
			x.entries[p.SourceID] = entry{passage: p, vector: vecs[i], norm: norm(vecs[i])}
		}
		x.mu.Unlock()
	}
	return nil
}

// Query implements core.Retriever. Scores are cosine similarities; passages
// with a non-positive similarity are not returned.
func (x *Index) Query(ctx context.Context, text string, topK int, filters core.Filters) (*core.RetrievalResult, error) {
	vecs, err := x.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, core.NewError(core.KindUpstreamFailure, "vector.query", err)
	}
	if len(vecs) != 1 {
		return nil, core.NewError(core.KindMalformedOutput, "vector.query", fmt.Errorf("embedder returned %d vectors", len(vecs)))
	}
	q := vecs[0]
	qn := norm(q)

	res := &core.RetrievalResult{Query: text, Passages: []core.Passage{}}
	if qn == 0 {
		return res, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, e := range x.entries {
		if e.norm == 0 || len(e.vector) != len(q) || !filters.Match(e.passage.Metadata) {
			continue
		}
		sim := dot(q, e.vector) / (qn * e.norm)
		if sim <= 0 {
			continue
		}
		p := e.passage
		p.Score = sim
		res.Passages = append(res.Passages, p)
	}
	res.Passages = retrieval.Normalize(res.Passages, topK, 0)
	return res, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(v []float64) float64 { return math.Sqrt(dot(v, v)) }
