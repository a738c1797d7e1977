// Package sqlite provides a durable retrieval index on SQLite FTS5 with bm25
// ranking.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/retrieval"
)

// Index is a full text index stored in a SQLite database.
type Index struct {
	db *sql.DB
}

var (
	_ core.Retriever = (*Index)(nil)
	_ core.Indexer   = (*Index)(nil)
)

// New opens (or creates) the index at dbPath.
func New(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	x := &Index{db: db}
	if err := x.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return x, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS passages (
		source_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS passages_fts USING fts5(
		source_id UNINDEXED,
		text,
		tokenize = 'unicode61'
	);
	`
	_, err := x.db.Exec(schema)
	return err
}

// Add stores passages, replacing existing ones with the same source id.
func (x *Index) Add(ctx context.Context, passages ...core.Passage) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewError(core.KindUpstreamFailure, "fts.add", err)
	}
	defer tx.Rollback()

	for _, p := range passages {
		if p.SourceID == "" {
			return core.Errorf(core.KindInvalidInput, "fts.add", "passage without source id")
		}
		md, err := json.Marshal(p.Metadata)
		if err != nil {
			return core.NewError(core.KindInvalidInput, "fts.add", fmt.Errorf("metadata of %q: %w", p.SourceID, err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM passages_fts WHERE source_id = ?`, p.SourceID); err != nil {
			return core.NewError(core.KindUpstreamFailure, "fts.add", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO passages (source_id, text, metadata) VALUES (?, ?, ?)
			 ON CONFLICT(source_id) DO UPDATE SET text = excluded.text, metadata = excluded.metadata`,
			p.SourceID, p.Text, string(md),
		); err != nil {
			return core.NewError(core.KindUpstreamFailure, "fts.add", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO passages_fts (source_id, text) VALUES (?, ?)`, p.SourceID, p.Text); err != nil {
			return core.NewError(core.KindUpstreamFailure, "fts.add", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.NewError(core.KindUpstreamFailure, "fts.add", err)
	}
	return nil
}

// Query implements core.Retriever. Query terms are OR-ed; the bm25 rank is
// mapped into (0, 1) so higher is better.
func (x *Index) Query(ctx context.Context, text string, topK int, filters core.Filters) (*core.RetrievalResult, error) {
	res := &core.RetrievalResult{Query: text, Passages: []core.Passage{}}
	match := matchExpr(text)
	if match == "" {
		return res, nil
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT f.source_id, p.text, p.metadata, bm25(passages_fts) AS rank
		 FROM passages_fts f JOIN passages p ON p.source_id = f.source_id
		 WHERE passages_fts MATCH ?
		 ORDER BY rank`, match,
	)
	if err != nil {
		return nil, core.NewError(core.KindUpstreamFailure, "fts.query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p    core.Passage
			md   string
			rank float64
		)
		if err := rows.Scan(&p.SourceID, &p.Text, &md, &rank); err != nil {
			return nil, core.NewError(core.KindUpstreamFailure, "fts.query", err)
		}
		if err := json.Unmarshal([]byte(md), &p.Metadata); err != nil {
			return nil, core.NewError(core.KindMalformedOutput, "fts.query", err)
		}
		if !filters.Match(p.Metadata) {
			continue
		}
		s := -rank
		if s < 0 {
			s = 0
		}
		p.Score = s / (1 + s)
		res.Passages = append(res.Passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewError(core.KindUpstreamFailure, "fts.query", err)
	}
	res.Passages = retrieval.Normalize(res.Passages, topK, 0)
	return res, nil
}

// matchExpr turns free text into an FTS5 expression of quoted OR-ed terms so
// user input can never inject query syntax.
func matchExpr(text string) string {
	terms := retrieval.Tokenize(text)
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}
