package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_Clone(t *testing.T) {
	c := NewConversation("c1", "wf", 1)
	c.Messages = append(c.Messages, Message{ID: "m1", Seq: 1, Sender: SenderUser, Text: "hi", Citations: []Citation{{SourceID: "a"}}})
	c.Memory["greeter"] = map[string]any{"greeted": true}
	c.Position.AgentTurns = map[string]int{"greeter": 1}

	clone := c.Clone()
	clone.Messages[0].Citations[0].SourceID = "changed"
	clone.Memory["greeter"]["greeted"] = false
	clone.Position.AgentTurns["greeter"] = 5

	assert.Equal(t, "a", c.Messages[0].Citations[0].SourceID)
	assert.Equal(t, true, c.Memory["greeter"]["greeted"])
	assert.Equal(t, 1, c.Position.AgentTurns["greeter"])
}

func TestCommit_ApplyAssignsGapFreeSequence(t *testing.T) {
	c := NewConversation("c1", "wf", 1)
	now := time.Now()

	seqs := Commit{Messages: []Message{NewMessage(SenderUser, "a"), NewMessage("bot", "b")}}.Apply(c, now)
	assert.Equal(t, []uint64{1, 2}, seqs)

	seqs = Commit{BaseSeq: 2, Messages: []Message{NewMessage(SenderUser, "c")}, Status: StatusTerminated}.Apply(c, now)
	assert.Equal(t, []uint64{3}, seqs)

	require.Len(t, c.Messages, 3)
	for i, m := range c.Messages {
		assert.Equal(t, uint64(i+1), m.Seq)
		assert.Equal(t, "c1", m.ConversationID)
	}
	assert.True(t, c.Terminated())
}

func TestCommit_Check(t *testing.T) {
	c := NewConversation("c1", "wf", 1)
	Commit{Messages: []Message{NewMessage(SenderUser, "a")}}.Apply(c, time.Now())

	assert.NoError(t, Commit{BaseSeq: 1}.Check(c))
	assert.ErrorIs(t, Commit{BaseSeq: 0}.Check(c), ErrConflict)

	c.Status = StatusTerminated
	assert.ErrorIs(t, Commit{BaseSeq: 1}.Check(c), ErrTerminated)
}

func TestWindow(t *testing.T) {
	msgs := []Message{{Seq: 1}, {Seq: 2}, {Seq: 3}}

	assert.Len(t, Window(msgs, 0), 3)
	w := Window(msgs, 2)
	require.Len(t, w, 2)
	assert.Equal(t, uint64(2), w[0].Seq)
	assert.Len(t, Window(msgs, 10), 3)
}
