package ingest

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
)

// Chunk is one split piece of a document with its stable id.
type Chunk struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"meta"`
}

// Passage converts the chunk into a retrieval passage keyed by its id.
func (c Chunk) Passage() core.Passage {
	return core.Passage{SourceID: c.ID, Text: c.Text, Metadata: c.Metadata}
}

// Stats summarises a pipeline run.
type Stats struct {
	Documents int
	Chunks    int
	Duration  time.Duration
}

// Options configures a Pipeline.
type Options struct {
	Config Config
	// BatchSize bounds the passages handed to the indexer per Add call.
	BatchSize int
	Logger    logging.Logger
}

// Pipeline loads, splits and indexes documents.
type Pipeline struct {
	indexer   core.Indexer
	cfg       Config
	splitter  TextSplitter
	batchSize int
	logger    logging.Logger
}

// New constructs a Pipeline writing to indexer. indexer may be nil when the
// pipeline is only used through Chunks.
func New(indexer core.Indexer, optFns ...func(o *Options)) (*Pipeline, error) {
	opts := Options{
		Config:    DefaultConfig(),
		BatchSize: 128,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Config.ApplyDefaults()
	splitter, err := NewSplitter(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 128
	}
	return &Pipeline{
		indexer:   indexer,
		cfg:       opts.Config,
		splitter:  splitter,
		batchSize: opts.BatchSize,
		logger:    logging.OrNoOp(opts.Logger),
	}, nil
}

// Chunks loads and splits every document matched by pattern.
func (p *Pipeline) Chunks(ctx context.Context, pattern string) ([]Chunk, int, error) {
	docs, err := Load(pattern, p.logger)
	if err != nil {
		return nil, 0, err
	}

	ids := newIDScheme(p.cfg)
	var chunks []Chunk
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, 0, core.NewError(core.KindCancelled, "ingest.chunks", err)
		}
		for _, text := range p.splitter.Split(doc.Text) {
			chunks = append(chunks, Chunk{
				ID:   ids.next(doc.Source, doc.Page, text),
				Text: text,
				Metadata: map[string]any{
					"source": doc.Source,
					"page":   doc.Page,
				},
			})
		}
	}
	return chunks, len(docs), nil
}

// Run chunks pattern and adds the passages to the indexer in batches.
func (p *Pipeline) Run(ctx context.Context, pattern string) (*Stats, error) {
	if p.indexer == nil {
		return nil, core.Errorf(core.KindConfiguration, "ingest.run", "no indexer configured")
	}
	start := time.Now()

	chunks, docs, err := p.Chunks(ctx, pattern)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(chunks); i += p.batchSize {
		batch := chunks[i:min(i+p.batchSize, len(chunks))]
		passages := make([]core.Passage, len(batch))
		for j, c := range batch {
			passages[j] = c.Passage()
		}
		if err := p.indexer.Add(ctx, passages...); err != nil {
			p.logger.Error("ingest.run.failed", "pattern", pattern, "indexed", i, "error", err)
			return nil, err
		}
	}

	stats := &Stats{Documents: docs, Chunks: len(chunks), Duration: time.Since(start)}
	p.logger.Info("ingest.run.completed",
		"pattern", pattern, "documents", stats.Documents, "chunks", stats.Chunks,
		"duration_ms", stats.Duration.Milliseconds())
	return stats, nil
}

// WriteJSONL writes one JSON object per chunk.
func WriteJSONL(w io.Writer, chunks []Chunk) error {
	enc := json.NewEncoder(w)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}
