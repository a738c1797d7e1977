// Package memory provides a volatile ConversationStore.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/ingenious/core"
)

// Store is a volatile ConversationStore keeping conversations in a process
// local map. It is safe for concurrent access. Conversations are cloned on
// the way in and out to prevent external mutation of internal state.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*core.Conversation
}

var _ core.ConversationStore = (*Store)(nil)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{conversations: make(map[string]*core.Conversation)}
}

// Create implements core.ConversationStore.
func (s *Store) Create(_ context.Context, conv *core.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return core.ErrAlreadyExists
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

// Get implements core.ConversationStore.
func (s *Store) Get(_ context.Context, id string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return conv.Clone(), nil
}

// Append implements core.ConversationStore.
func (s *Store) Append(_ context.Context, id string, msg core.Message) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return 0, core.ErrNotFound
	}
	if conv.Terminated() {
		return 0, core.ErrTerminated
	}
	c := core.Commit{
		BaseSeq:     conv.LastSeq(),
		Messages:    []core.Message{msg},
		Position:    conv.Position,
		Status:      conv.Status,
		Failure:     conv.Failure,
		Termination: conv.Termination,
	}
	return c.Apply(conv, time.Now().UTC())[0], nil
}

// Commit implements core.ConversationStore.
func (s *Store) Commit(_ context.Context, id string, c core.Commit) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if err := c.Check(conv); err != nil {
		return nil, err
	}
	return c.Apply(conv, time.Now().UTC()), nil
}

// Read implements core.ConversationStore.
func (s *Store) Read(_ context.Context, id string, from uint64) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := make([]core.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.Seq >= from {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}
