package redis

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/store/storetest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewStore(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.ConversationStore {
		s, _ := setupTestStore(t)
		return s
	})
}

func TestNewStore(t *testing.T) {
	t.Run("rejects empty namespace", func(t *testing.T) {
		_, err := NewStore(&redis.Options{Addr: "localhost:0"}, "")
		assert.Error(t, err)
	})

	t.Run("pings", func(t *testing.T) {
		s, _ := setupTestStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestStore_KeyLayout(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 1)))
	_, err := s.Append(ctx, "c1", core.NewMessage(core.SenderUser, "hello"))
	require.NoError(t, err)

	assert.True(t, mr.Exists("ingenious:test-ns:conv:c1"))
	items, err := mr.List("ingenious:test-ns:conv:c1:messages")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	state, err := mr.Get("ingenious:test-ns:conv:c1")
	require.NoError(t, err)
	assert.NotContains(t, state, "hello")
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 1)))

	other, err := NewStore(&redis.Options{Addr: mr.Addr()}, "other-ns")
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })

	_, err = other.Get(ctx, "c1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStore_UnavailableIsUpstreamFailure(t *testing.T) {
	s, mr := setupTestStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, core.KindUpstreamFailure, core.KindOf(err))
}

// interleaveHook runs fn once, right before the client first sends a
// command reading the message list.
type interleaveHook struct {
	once sync.Once
	fn   func()
}

func (h *interleaveHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *interleaveHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.before(cmd)
		return next(ctx, cmd)
	}
}

func (h *interleaveHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.before(cmds...)
		return next(ctx, cmds)
	}
}

func (h *interleaveHook) before(cmds ...redis.Cmder) {
	for _, c := range cmds {
		if c.Name() == "lrange" {
			h.once.Do(h.fn)
			return
		}
	}
}

func TestStore_GetSnapshotsAcrossWriters(t *testing.T) {
	a, mr := setupTestStore(t)
	b, err := NewStore(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	require.NoError(t, a.Create(ctx, core.NewConversation("c1", "wf", 1)))
	_, err = a.Commit(ctx, "c1", core.Commit{
		Messages: []core.Message{core.NewMessage(core.SenderUser, "m1")},
		Position: core.Position{Step: 1},
		Status:   core.StatusActive,
	})
	require.NoError(t, err)

	// Another process commits while a is reading.
	a.rdb.AddHook(&interleaveHook{fn: func() {
		_, err := b.Commit(ctx, "c1", core.Commit{
			BaseSeq:  1,
			Messages: []core.Message{core.NewMessage("greeter", "m2")},
			Position: core.Position{Step: 2, Next: "closer"},
			Status:   core.StatusActive,
		})
		require.NoError(t, err)
	}})

	conv, err := a.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), conv.LastSeq())
	assert.Equal(t, 2, conv.Position.Step)
	assert.Equal(t, "closer", conv.Position.Next)

	_, err = a.Commit(ctx, "c1", core.Commit{
		BaseSeq:  conv.LastSeq(),
		Messages: []core.Message{core.NewMessage("closer", "m3")},
		Position: conv.Position,
		Status:   conv.Status,
	})
	require.NoError(t, err)

	final, err := b.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, final.Messages, 3)
	assert.Equal(t, "closer", final.Position.Next)
}

func TestStore_ReadMissingConversation(t *testing.T) {
	s, _ := setupTestStore(t)
	_, err := s.Read(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
