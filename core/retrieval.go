package core

import (
	"context"
	"fmt"
)

// Passage is one ranked unit of retrieved text.
type Passage struct {
	SourceID string         `json:"source_id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RetrievalResult is the ephemeral answer of a retrieval query.
type RetrievalResult struct {
	Query    string    `json:"query"`
	Passages []Passage `json:"passages"`
}

// Citations references every passage of the result.
func (r *RetrievalResult) Citations() []Citation {
	if r == nil {
		return nil
	}
	out := make([]Citation, len(r.Passages))
	for i, p := range r.Passages {
		out[i] = Citation{SourceID: p.SourceID, Passage: i, Score: p.Score}
	}
	return out
}

// Filters restrict retrieval to passages whose metadata equals every
// key/value pair.
type Filters map[string]string

// Match reports whether metadata satisfies all filters.
func (f Filters) Match(metadata map[string]any) bool {
	for k, want := range f {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// Retriever is the read side of a retrieval index.
//
// Results are ranked by descending score, ties broken by ascending source id,
// and contain at most topK passages. An empty result is not an error.
type Retriever interface {
	Query(ctx context.Context, text string, topK int, filters Filters) (*RetrievalResult, error)
}

// Indexer is the write side of a retrieval index, used by ingestion.
type Indexer interface {
	Add(ctx context.Context, passages ...Passage) error
}
