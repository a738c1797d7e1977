package core

import "context"

// Agent is one participant of a workflow. It is invoked once per step with a
// read-only window of the conversation and returns new output; it never
// mutates shared state and keeps no per-conversation state of its own.
//
// Implementations must:
//   - Respect context cancellation
//   - Return *Error with KindUpstreamFailure for model/transport failures
//   - Return *Error with KindMalformedOutput for output they cannot interpret
type Agent interface {
	Name() string
	Act(ctx context.Context, tc TurnContext) (Output, error)
}

// TurnContext is everything an agent sees for a single step.
type TurnContext struct {
	ConversationID string
	// Window holds the most recent messages, committed and staged, oldest first.
	Window []Message
	// Retrieval is set when the agent is re-invoked after a retrieval request.
	// A non-nil result with no passages means retrieval ran (or degraded) and
	// found nothing.
	Retrieval *RetrievalResult
	// Memory is a copy of the agent's private memory.
	Memory map[string]any
	// Step is the conversation-wide step index of this invocation.
	Step int
	// AgentTurns counts previous steps taken by this agent.
	AgentTurns int
}

// LastMessage returns the newest message in the window.
func (tc TurnContext) LastMessage() (Message, bool) {
	if len(tc.Window) == 0 {
		return Message{}, false
	}
	return tc.Window[len(tc.Window)-1], true
}

// LastUserText returns the text of the newest user message in the window.
func (tc TurnContext) LastUserText() string {
	for i := len(tc.Window) - 1; i >= 0; i-- {
		if tc.Window[i].Sender == SenderUser && tc.Window[i].Text != "" {
			return tc.Window[i].Text
		}
	}
	return ""
}

// Output is what an agent produces for one step.
type Output struct {
	Text      string
	Action    Action
	Citations []Citation
	// Memory replaces the agent's private memory when non-nil.
	Memory map[string]any
}

// Empty reports whether the output carries neither text nor action.
func (o Output) Empty() bool { return o.Text == "" && o.Action == nil }
