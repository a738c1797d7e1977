// Package storetest provides a conformance suite for core.ConversationStore
// implementations.
package storetest

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/testutil"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) core.ConversationStore

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("AppendAssignsSequence", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("ConcurrentAppendsAreGapFree", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("CommitIsAtomic", func(t *testing.T) { testCommit(t, newStore(t)) })
	t.Run("TerminatedRejectsAppend", func(t *testing.T) { testTerminated(t, newStore(t)) })
	t.Run("ReadFromCursor", func(t *testing.T) { testRead(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s core.ConversationStore) {
	ctx := context.Background()
	conv := core.NewConversation("c1", "greet", 2)
	require.NoError(t, s.Create(ctx, conv))
	assert.ErrorIs(t, s.Create(ctx, conv), core.ErrAlreadyExists)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "greet", got.Workflow)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, core.StatusActive, got.Status)
	assert.Empty(t, got.Messages)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.Append(ctx, "missing", core.NewMessage(core.SenderUser, "x"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testAppend(t *testing.T, s core.ConversationStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 1)))

	seq, err := s.Append(ctx, "c1", core.NewMessage(core.SenderUser, "hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	msg := testutil.NewMessageBuilder("Searcher").Retrieve("refund", 1).Cite("doc-1", 0.9).Build()
	seq, err = s.Append(ctx, "c1", msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "c1", got.Messages[1].ConversationID)
	req, ok := got.Messages[1].Action.(core.RetrievalRequest)
	require.True(t, ok)
	assert.Equal(t, "refund", req.Query)
	assert.Equal(t, "doc-1", got.Messages[1].Citations[0].SourceID)

	got.Messages[0].Text = "mutated"
	again, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Messages[0].Text)
}

func testConcurrentAppend(t *testing.T, s core.ConversationStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 1)))

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.Append(ctx, "c1", core.NewMessage(core.SenderUser, "m"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seqs = append(seqs, seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Len(t, seqs, n)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
	msgs, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Seq)
	}
}

func testCommit(t *testing.T, s core.ConversationStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 1)))

	seqs, err := s.Commit(ctx, "c1", core.Commit{
		BaseSeq:  0,
		Messages: []core.Message{core.NewMessage(core.SenderUser, "hello"), core.NewMessage("Greeter", "Hi!")},
		Position: core.Position{Next: "Closer", Step: 1, AgentTurns: map[string]int{"Greeter": 1}},
		Memory:   map[string]map[string]any{"Greeter": {"greeted": true}},
		Status:   core.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs)

	_, err = s.Commit(ctx, "c1", core.Commit{BaseSeq: 0, Messages: []core.Message{core.NewMessage(core.SenderUser, "stale")}})
	assert.ErrorIs(t, err, core.ErrConflict)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "Closer", got.Position.Next)
	assert.Equal(t, 1, got.Position.AgentTurns["Greeter"])
	assert.Equal(t, true, got.Memory["Greeter"]["greeted"])

	_, err = s.Commit(ctx, "c1", core.Commit{
		BaseSeq:  2,
		Position: got.Position,
		Status:   core.StatusErrored,
		Failure:  &core.Failure{Kind: core.KindUpstreamFailure, Agent: "Greeter", Attempts: 2},
	})
	require.NoError(t, err)
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusErrored, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, core.KindUpstreamFailure, got.Failure.Kind)
	assert.Len(t, got.Messages, 2)
}

func testTerminated(t *testing.T, s core.ConversationStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 1)))

	_, err := s.Commit(ctx, "c1", core.Commit{
		Messages:    []core.Message{core.NewMessage(core.SenderUser, "bye")},
		Status:      core.StatusTerminated,
		Termination: &core.Termination{By: "Closer", Reason: "done"},
	})
	require.NoError(t, err)

	_, err = s.Append(ctx, "c1", core.NewMessage(core.SenderUser, "again"))
	assert.ErrorIs(t, err, core.ErrTerminated)
	_, err = s.Append(ctx, "c1", core.NewMessage(core.SenderUser, "and again"))
	assert.ErrorIs(t, err, core.ErrTerminated)
	_, err = s.Commit(ctx, "c1", core.Commit{BaseSeq: 1})
	assert.ErrorIs(t, err, core.ErrTerminated)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
	require.NotNil(t, got.Termination)
	assert.Equal(t, "Closer", got.Termination.By)
}

func testRead(t *testing.T, s core.ConversationStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, core.NewConversation("c1", "wf", 1)))
	for _, text := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, "c1", core.NewMessage(core.SenderUser, text))
		require.NoError(t, err)
	}

	msgs, err := s.Read(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Text)
	assert.Equal(t, uint64(3), msgs[1].Seq)

	msgs, err = s.Read(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.Read(ctx, "missing", 0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
