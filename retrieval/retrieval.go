package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
)

// Normalize enforces the ranking contract on passages: passages scoring below
// minScore are dropped, the rest ordered by descending score with ties broken
// by ascending source id, and truncated to topK (topK <= 0 keeps all).
// The input slice is not modified.
func Normalize(passages []core.Passage, topK int, minScore float64) []core.Passage {
	out := make([]core.Passage, 0, len(passages))
	for _, p := range passages {
		if p.Score < minScore {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	// MinScore drops passages scoring below the threshold.
	MinScore float64
	// Name labels the backend in log output.
	Name   string
	Logger logging.Logger
}

// Guard wraps a retriever so every result satisfies the ranking contract
// regardless of what the backend returns.
type Guard struct {
	next core.Retriever
	opts GuardOptions
}

var _ core.Retriever = (*Guard)(nil)

// NewGuard wraps next.
func NewGuard(next core.Retriever, optFns ...func(o *GuardOptions)) *Guard {
	opts := GuardOptions{Name: "retriever", Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Guard{next: next, opts: opts}
}

// Query implements core.Retriever.
func (g *Guard) Query(ctx context.Context, text string, topK int, filters core.Filters) (*core.RetrievalResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.Errorf(core.KindInvalidInput, "retrieval.query", "query must not be empty")
	}
	if topK < 0 {
		return nil, core.Errorf(core.KindInvalidInput, "retrieval.query", "top_k must not be negative")
	}
	res, err := g.next.Query(ctx, text, topK, filters)
	if err != nil {
		g.opts.Logger.Warn("retrieval.backend.failed", "retrieval.backend", g.opts.Name, "error", err)
		return nil, err
	}
	out := &core.RetrievalResult{Query: text}
	if res != nil {
		out.Passages = Normalize(res.Passages, topK, g.opts.MinScore)
	}
	if out.Passages == nil {
		out.Passages = []core.Passage{}
	}
	g.opts.Logger.Debug("retrieval.backend.completed", "retrieval.backend", g.opts.Name, "retrieval.passages", len(out.Passages))
	return out, nil
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	MinScore float64
	Logger   logging.Logger
}

// Aggregator queries several retrievers concurrently and merges their
// results. Passages sharing a source id are de-duplicated keeping the
// highest score. A failing backend is logged and skipped; the query only
// fails when every backend fails.
type Aggregator struct {
	backends []core.Retriever
	opts     AggregatorOptions
}

var _ core.Retriever = (*Aggregator)(nil)

// NewAggregator fans out to backends.
func NewAggregator(backends []core.Retriever, optFns ...func(o *AggregatorOptions)) *Aggregator {
	opts := AggregatorOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Aggregator{backends: backends, opts: opts}
}

// Query implements core.Retriever.
func (a *Aggregator) Query(ctx context.Context, text string, topK int, filters core.Filters) (*core.RetrievalResult, error) {
	results := make([]*core.RetrievalResult, len(a.backends))
	errs := make([]error, len(a.backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range a.backends {
		g.Go(func() error {
			results[i], errs[i] = b.Query(gctx, text, topK, filters)
			return nil
		})
	}
	_ = g.Wait()

	best := make(map[string]core.Passage)
	var failed int
	var lastErr error
	for i, res := range results {
		if errs[i] != nil {
			failed++
			lastErr = errs[i]
			a.opts.Logger.Warn("retrieval.aggregate.backend_failed", "retrieval.backend", i, "error", errs[i])
			continue
		}
		if res == nil {
			continue
		}
		for _, p := range res.Passages {
			if cur, ok := best[p.SourceID]; !ok || p.Score > cur.Score {
				best[p.SourceID] = p
			}
		}
	}
	if len(a.backends) > 0 && failed == len(a.backends) {
		return nil, core.NewError(core.KindUpstreamFailure, "retrieval.aggregate", lastErr)
	}

	merged := make([]core.Passage, 0, len(best))
	for _, p := range best {
		merged = append(merged, p)
	}
	return &core.RetrievalResult{Query: text, Passages: Normalize(merged, topK, a.opts.MinScore)}, nil
}

// Indexers writes passages to every index in the list. Each index is
// attempted; failures are joined.
type Indexers []core.Indexer

var _ core.Indexer = Indexers(nil)

// Add implements core.Indexer.
func (ix Indexers) Add(ctx context.Context, passages ...core.Passage) error {
	var errs []error
	for i, idx := range ix {
		if err := idx.Add(ctx, passages...); err != nil {
			errs = append(errs, fmt.Errorf("index %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Tokenize lowercases text and splits it into alphanumeric terms. It is shared
// by the lexical backends.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
