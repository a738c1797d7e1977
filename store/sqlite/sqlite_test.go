package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(filepath.Join(t.TempDir(), "ingenious.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.ConversationStore { return newTestStore(t) })
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingenious.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 3)))
	_, err = s.Append(ctx, "c1", core.NewMessage(core.SenderUser, "persist me"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	conv, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), conv.Generation)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "persist me", conv.Messages[0].Text)
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, core.NewConversation("a", "wf", 1)))
	require.NoError(t, s.Create(ctx, core.NewConversation("b", "wf", 1)))

	ids, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
