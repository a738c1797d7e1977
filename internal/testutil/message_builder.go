package testutil

import (
	"github.com/hupe1980/ingenious/core"
)

// MessageBuilder provides a fluent helper for constructing messages in tests.
// Example:
//
//	msg := NewMessageBuilder("Searcher").Text("see doc").Cite("doc-1", 0.9).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type MessageBuilder struct {
	sender    string
	text      string
	seq       uint64
	action    core.Action
	citations []core.Citation
	notes     []core.Note
}

// NewMessageBuilder creates a builder for a message authored by sender.
func NewMessageBuilder(sender string) *MessageBuilder { return &MessageBuilder{sender: sender} }

// User is shorthand for a user message builder carrying text.
func User(text string) *MessageBuilder { return NewMessageBuilder(core.SenderUser).Text(text) }

// Text sets the message text (chainable).
func (b *MessageBuilder) Text(t string) *MessageBuilder { b.text = t; return b }

// Seq presets the sequence number, as if the message had been committed (chainable).
func (b *MessageBuilder) Seq(n uint64) *MessageBuilder { b.seq = n; return b }

// Action attaches a structured action (chainable).
func (b *MessageBuilder) Action(a core.Action) *MessageBuilder { b.action = a; return b }

// Retrieve attaches a retrieval request action (chainable).
func (b *MessageBuilder) Retrieve(query string, topK int) *MessageBuilder {
	return b.Action(core.RetrievalRequest{Query: query, TopK: topK})
}

// Cite appends a citation; the passage index follows insertion order (chainable).
func (b *MessageBuilder) Cite(sourceID string, score float64) *MessageBuilder {
	b.citations = append(b.citations, core.Citation{SourceID: sourceID, Passage: len(b.citations), Score: score})
	return b
}

// Note appends a non-fatal condition (chainable).
func (b *MessageBuilder) Note(kind core.Kind, detail string) *MessageBuilder {
	b.notes = append(b.notes, core.Note{Kind: kind, Detail: detail})
	return b
}

// Build returns the constructed message with a fresh id and timestamp.
func (b *MessageBuilder) Build() core.Message {
	m := core.NewMessage(b.sender, b.text)
	m.Seq = b.seq
	m.Action = b.action
	m.Citations = b.citations
	m.Notes = b.notes
	return m
}
