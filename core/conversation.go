package core

import (
	"context"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	// StatusErrored marks a conversation whose last turn failed after retries.
	// It still accepts input; the next advance retries from the same position.
	StatusErrored Status = "errored"
)

// Position is the workflow-state tag of a conversation.
type Position struct {
	// Next is the agent scheduled to act on the next step. Empty means the
	// router starts from the workflow's entry point.
	Next string `json:"next,omitempty"`
	// Step counts agent steps taken over the lifetime of the conversation.
	Step int `json:"step"`
	// AgentTurns counts steps per agent.
	AgentTurns map[string]int `json:"agent_turns,omitempty"`
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	c := p
	if p.AgentTurns != nil {
		c.AgentTurns = make(map[string]int, len(p.AgentTurns))
		for k, v := range p.AgentTurns {
			c.AgentTurns[k] = v
		}
	}
	return c
}

// Failure records why the last turn of a conversation failed.
type Failure struct {
	Kind     Kind      `json:"kind"`
	Agent    string    `json:"agent,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Termination records who ended a conversation and why.
type Termination struct {
	By     string    `json:"by"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Conversation is a snapshot of one conversation as held by a store.
//
// Contract:
//   - Messages are ordered by Seq, starting at 1 with no gaps
//   - Memory holds private per-agent state keyed by agent name
//   - Once Status is terminated no message can be appended
//   - Clone performs deep copies of maps/slices for safe divergence
type Conversation struct {
	ID          string                    `json:"id"`
	Workflow    string                    `json:"workflow"`
	Generation  uint64                    `json:"generation"`
	Messages    []Message                 `json:"messages"`
	Memory      map[string]map[string]any `json:"memory"`
	Position    Position                  `json:"position"`
	Status      Status                    `json:"status"`
	Failure     *Failure                  `json:"failure,omitempty"`
	Termination *Termination              `json:"termination,omitempty"`
	Created     time.Time                 `json:"created"`
	Updated     time.Time                 `json:"updated"`
}

// NewConversation creates an active, empty conversation bound to a workflow generation.
func NewConversation(id, workflow string, generation uint64) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:         id,
		Workflow:   workflow,
		Generation: generation,
		Messages:   []Message{},
		Memory:     map[string]map[string]any{},
		Status:     StatusActive,
		Created:    now,
		Updated:    now,
	}
}

// Terminated reports whether the conversation accepts no further messages.
func (c *Conversation) Terminated() bool { return c.Status == StatusTerminated }

// LastSeq returns the sequence number of the last message, 0 when empty.
func (c *Conversation) LastSeq() uint64 {
	if len(c.Messages) == 0 {
		return 0
	}
	return c.Messages[len(c.Messages)-1].Seq
}

// AgentMemory returns a copy of the private memory of agent.
func (c *Conversation) AgentMemory(agent string) map[string]any {
	return copyMap(c.Memory[agent])
}

// Clone returns a deep copy of the conversation safe for independent mutation.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		clone.Messages[i] = m.Clone()
	}
	clone.Memory = make(map[string]map[string]any, len(c.Memory))
	for k, v := range c.Memory {
		clone.Memory[k] = copyMap(v)
	}
	clone.Position = c.Position.Clone()
	if c.Failure != nil {
		f := *c.Failure
		clone.Failure = &f
	}
	if c.Termination != nil {
		t := *c.Termination
		clone.Termination = &t
	}
	return &clone
}

// Window returns copies of the last n messages; n <= 0 returns all.
func Window(msgs []Message, n int) []Message {
	start := 0
	if n > 0 && len(msgs) > n {
		start = len(msgs) - n
	}
	out := make([]Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, m.Clone())
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Commit is the atomic unit of change applied to a conversation at the end
// of an advance: staged messages plus the resulting conversation state.
type Commit struct {
	// BaseSeq is the last sequence number the writer observed. The store
	// rejects the commit with ErrConflict when it no longer matches.
	BaseSeq  uint64
	Messages []Message
	Position Position
	// Memory entries replace the stored memory of the named agents.
	Memory      map[string]map[string]any
	Status      Status
	Failure     *Failure
	Termination *Termination
}

// Apply mutates conv with the commit, assigning sequence numbers to the
// staged messages. It returns the assigned numbers. Stores call it after
// performing their own conflict and termination checks.
func (cm Commit) Apply(conv *Conversation, now time.Time) []uint64 {
	seqs := make([]uint64, 0, len(cm.Messages))
	next := conv.LastSeq()
	for _, m := range cm.Messages {
		next++
		m = m.Clone()
		m.Seq = next
		m.ConversationID = conv.ID
		conv.Messages = append(conv.Messages, m)
		seqs = append(seqs, next)
	}
	conv.Position = cm.Position.Clone()
	for agent, mem := range cm.Memory {
		if conv.Memory == nil {
			conv.Memory = map[string]map[string]any{}
		}
		conv.Memory[agent] = copyMap(mem)
	}
	if cm.Status != "" {
		conv.Status = cm.Status
	}
	conv.Failure = cm.Failure
	if cm.Termination != nil {
		t := *cm.Termination
		conv.Termination = &t
	}
	conv.Updated = now
	return seqs
}

// Check validates the commit against the current stored conversation.
func (cm Commit) Check(conv *Conversation) error {
	if conv.Terminated() {
		return ErrTerminated
	}
	if conv.LastSeq() != cm.BaseSeq {
		return ErrConflict
	}
	return nil
}

// ConversationStore persists conversations and their append-only message log.
// All operations are atomic per conversation; Append and Commit are totally
// ordered for a given id.
type ConversationStore interface {
	// Create persists a new conversation. ErrAlreadyExists on duplicate ids.
	Create(ctx context.Context, conv *Conversation) error
	// Get returns a snapshot of the conversation or ErrNotFound.
	Get(ctx context.Context, id string) (*Conversation, error)
	// Append adds one message and returns its assigned sequence number.
	Append(ctx context.Context, id string, msg Message) (uint64, error)
	// Commit atomically applies a batch of messages plus state.
	Commit(ctx context.Context, id string, commit Commit) ([]uint64, error)
	// Read returns messages with Seq >= from in order.
	Read(ctx context.Context, id string, from uint64) ([]Message, error)
}
