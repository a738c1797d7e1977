package lexical

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ingenious/core"
)

func seed(t *testing.T) *Index {
	x := New()
	require.NoError(t, x.Add(context.Background(),
		core.Passage{SourceID: "doc-1", Text: "Refunds are issued within 30 days of purchase.", Metadata: map[string]any{"lang": "en"}},
		core.Passage{SourceID: "doc-2", Text: "Shipping takes 5 business days.", Metadata: map[string]any{"lang": "en"}},
		core.Passage{SourceID: "doc-3", Text: "Rückerstattungen erfolgen binnen 30 Tagen.", Metadata: map[string]any{"lang": "de"}},
	))
	return x
}

func TestIndex_Query(t *testing.T) {
	x := seed(t)
	ctx := context.Background()

	res, err := x.Query(ctx, "what is the refund policy for refunds within 30 days", 1, nil)
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "doc-1", res.Passages[0].SourceID)
	assert.Greater(t, res.Passages[0].Score, 0.0)
}

func TestIndex_QueryOrderingAndTopK(t *testing.T) {
	x := seed(t)
	res, err := x.Query(context.Background(), "30 days", 0, nil)
	require.NoError(t, err)
	require.Len(t, res.Passages, 3)
	assert.Equal(t, "doc-1", res.Passages[0].SourceID)
	for i := 1; i < len(res.Passages); i++ {
		assert.GreaterOrEqual(t, res.Passages[i-1].Score, res.Passages[i].Score)
	}

	res, err = x.Query(context.Background(), "30 days", 2, nil)
	require.NoError(t, err)
	assert.Len(t, res.Passages, 2)
}

func TestIndex_Filters(t *testing.T) {
	x := seed(t)
	res, err := x.Query(context.Background(), "30", 5, core.Filters{"lang": "de"})
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "doc-3", res.Passages[0].SourceID)
}

func TestIndex_NoMatchIsEmpty(t *testing.T) {
	x := seed(t)
	res, err := x.Query(context.Background(), "quantum chromodynamics", 3, nil)
	require.NoError(t, err)
	assert.NotNil(t, res.Passages)
	assert.Empty(t, res.Passages)
}

func TestIndex_AddReplacesAndRejectsMissingID(t *testing.T) {
	x := seed(t)
	ctx := context.Background()
	require.NoError(t, x.Add(ctx, core.Passage{SourceID: "doc-2", Text: "Shipping is free."}))
	assert.Equal(t, 3, x.Len())

	err := x.Add(ctx, core.Passage{Text: "orphan"})
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))
}

func TestIndex_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := seed(t).Query(ctx, "refund", 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
