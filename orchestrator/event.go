package orchestrator

import (
	"time"

	"github.com/hupe1980/ingenious/core"
)

// EventType names a step-level increment of a streamed advance.
type EventType string

const (
	// EventStepStarted is emitted before an agent is invoked.
	EventStepStarted EventType = "step_started"
	// EventRetrieval is emitted after the index answered a retrieval request.
	EventRetrieval EventType = "retrieval"
	// EventMessage is emitted for every staged (not yet committed) message.
	EventMessage EventType = "message"
	// EventCommitted is emitted once the turn was committed.
	EventCommitted EventType = "committed"
	// EventFailed is emitted when the turn failed after retries.
	EventFailed EventType = "failed"
)

// Event is one increment of a streamed advance.
type Event struct {
	Type           EventType
	ConversationID string
	Agent          string
	// Step is the conversation-wide step index the event belongs to.
	Step      int
	Message   *core.Message
	Retrieval *core.RetrievalResult
	Outcome   *Outcome
	Timestamp time.Time
}

// Outcome summarises a completed advance.
type Outcome struct {
	ConversationID string `json:"conversation_id"`
	// Messages are the committed messages of the turn (user message first)
	// with their assigned sequence numbers.
	Messages    []core.Message    `json:"messages"`
	Status      core.Status       `json:"status"`
	Termination *core.Termination `json:"termination,omitempty"`
	// Failure and Error are set when the turn failed after retries. Error is
	// the system message describing the failure; it is not persisted.
	Failure *core.Failure `json:"failure,omitempty"`
	Error   *core.Message `json:"error,omitempty"`
	// Steps counts the agent steps taken.
	Steps int `json:"steps"`
}

// Reply returns the text of the last agent message, if any.
func (o *Outcome) Reply() string {
	for i := len(o.Messages) - 1; i >= 0; i-- {
		if o.Messages[i].Sender != core.SenderUser && o.Messages[i].Text != "" {
			return o.Messages[i].Text
		}
	}
	return ""
}
