package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ingenious/core"
)

func newTestIndex(t *testing.T) *Index {
	x, err := New(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func TestIndex_Query(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, x.Add(ctx,
		core.Passage{SourceID: "doc-1", Text: "Refunds are issued within 30 days of purchase.", Metadata: map[string]any{"page": 1}},
		core.Passage{SourceID: "doc-2", Text: "Shipping takes five business days.", Metadata: map[string]any{"page": 2}},
	))

	res, err := x.Query(ctx, "refunds policy", 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "doc-1", res.Passages[0].SourceID)
	assert.Greater(t, res.Passages[0].Score, 0.0)
	assert.Less(t, res.Passages[0].Score, 1.0)

	res, err = x.Query(ctx, "days", 5, core.Filters{"page": "2"})
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "doc-2", res.Passages[0].SourceID)

	res, err = x.Query(ctx, `"; DROP TABLE passages; --`, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Passages)
}

func TestIndex_AddReplaces(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, x.Add(ctx, core.Passage{SourceID: "doc-1", Text: "old text about apples"}))
	require.NoError(t, x.Add(ctx, core.Passage{SourceID: "doc-1", Text: "new text about pears"}))

	res, err := x.Query(ctx, "apples", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Passages)

	res, err = x.Query(ctx, "pears", 5, nil)
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "new text about pears", res.Passages[0].Text)
}

func TestMatchExpr(t *testing.T) {
	assert.Equal(t, `"refund" OR "30"`, matchExpr("Refund? 30"))
	assert.Equal(t, "", matchExpr("?!"))
}
