package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// SenderUser is the sender name of caller supplied messages.
	SenderUser = "user"
	// SenderSystem is the sender name of orchestrator generated messages.
	SenderSystem = "system"
)

// Citation references a passage of the RetrievalResult a message consumed.
type Citation struct {
	SourceID string  `json:"source_id"`
	Passage  int     `json:"passage"` // index into RetrievalResult.Passages
	Score    float64 `json:"score"`
}

// Note records a non-fatal condition observed while producing a message.
type Note struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Message is one immutable entry of a conversation. Seq is assigned by the
// store on commit and is 1-based, gap free and strictly increasing.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            uint64     `json:"seq"`
	Sender         string     `json:"sender"`
	Text           string     `json:"text"`
	Action         Action     `json:"-"`
	Citations      []Citation `json:"citations,omitempty"`
	Notes          []Note     `json:"notes,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// NewMessage creates a message authored by sender with a fresh id and UTC timestamp.
func NewMessage(sender, text string) Message {
	return Message{
		ID:        NewID(),
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// NewID returns a random unique identifier.
func NewID() string { return uuid.NewString() }

// HasNote reports whether a note of the given kind was recorded.
func (m Message) HasNote(kind Kind) bool {
	for _, n := range m.Notes {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	c := m
	if m.Citations != nil {
		c.Citations = append([]Citation(nil), m.Citations...)
	}
	if m.Notes != nil {
		c.Notes = append([]Note(nil), m.Notes...)
	}
	return c
}

type messageAlias Message

type messageJSON struct {
	messageAlias
	Action json.RawMessage `json:"action,omitempty"`
}

// MarshalJSON encodes the message including its tagged action.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{messageAlias: messageAlias(m)}
	if m.Action != nil {
		raw, err := MarshalAction(m.Action)
		if err != nil {
			return nil, err
		}
		out.Action = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a message including its tagged action.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message(in.messageAlias)
	a, err := UnmarshalAction(in.Action)
	if err != nil {
		return err
	}
	m.Action = a
	return nil
}

// Input is what a caller submits to advance a conversation: free text, a
// structured action, or both.
type Input struct {
	Text   string
	Action Action
}

// TextInput is shorthand for a text-only Input.
func TextInput(text string) Input { return Input{Text: text} }

// Validate rejects empty input and malformed actions.
func (in Input) Validate() error {
	if strings.TrimSpace(in.Text) == "" && in.Action == nil {
		return Errorf(KindInvalidInput, "advance", "message must carry text or an action")
	}
	if in.Action != nil {
		if err := in.Action.Validate(); err != nil {
			return NewError(KindInvalidInput, "advance", err)
		}
	}
	return nil
}

// Message converts the input into a user message.
func (in Input) Message() Message {
	m := NewMessage(SenderUser, in.Text)
	m.Action = in.Action
	return m
}
