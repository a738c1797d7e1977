// Package redis provides a ConversationStore backed by Redis.
//
// Each conversation is stored as two keys: a JSON state document and a list
// of JSON messages. Writers use optimistic transactions (WATCH/MULTI/EXEC)
// over both keys, so Append and Commit are atomic and totally ordered per
// conversation even across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/ingenious/core"
)

// maxTxRetries bounds how often Append retries an optimistic transaction
// that lost a race against another writer.
const maxTxRetries = 50

// Store is a ConversationStore persisting to Redis. It is safe for
// concurrent use.
type Store struct {
	rdb       *redis.Client
	namespace string
}

var _ core.ConversationStore = (*Store)(nil)

// NewStore creates a store for the given namespace.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - namespace: key prefix separating deployments (must not be empty)
func NewStore(redisOpts *redis.Options, namespace string) (*Store, error) {
	return NewStoreFromClient(redis.NewClient(redisOpts), namespace)
}

// NewStoreFromClient wraps an existing client.
func NewStoreFromClient(rdb *redis.Client, namespace string) (*Store, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &Store{rdb: rdb, namespace: namespace}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Create implements core.ConversationStore.
func (s *Store) Create(ctx context.Context, conv *core.Conversation) error {
	stateKey := ConversationKey(s.namespace, conv.ID)
	msgKey := MessagesKey(s.namespace, conv.ID)

	state, err := encodeState(conv)
	if err != nil {
		return err
	}
	msgs, err := encodeMessages(conv.Messages)
	if err != nil {
		return err
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, stateKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return core.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stateKey, state, 0)
			pipe.Del(ctx, msgKey)
			if len(msgs) > 0 {
				pipe.RPush(ctx, msgKey, msgs...)
			}
			return nil
		})
		return err
	}, stateKey)
	if errors.Is(err, redis.TxFailedErr) {
		return core.ErrAlreadyExists
	}
	return wrap("create", err)
}

// Get implements core.ConversationStore. State and messages are read in one
// MULTI/EXEC block so the snapshot never mixes two commits.
func (s *Store) Get(ctx context.Context, id string) (*core.Conversation, error) {
	var (
		stateCmd *redis.StringCmd
		msgsCmd  *redis.StringSliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		stateCmd = pipe.Get(ctx, ConversationKey(s.namespace, id))
		msgsCmd = pipe.LRange(ctx, MessagesKey(s.namespace, id), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrap("get", err)
	}
	conv, err := decodeState(stateCmd)
	if err != nil {
		return nil, wrap("get", err)
	}
	if conv.Messages, err = decodeMessages(msgsCmd.Val()); err != nil {
		return nil, wrap("get", err)
	}
	return conv, nil
}

// Append implements core.ConversationStore. Lost races are retried, so
// concurrent appends never fail with a conflict.
func (s *Store) Append(ctx context.Context, id string, msg core.Message) (uint64, error) {
	for i := 0; i < maxTxRetries; i++ {
		var seqs []uint64
		err := s.update(ctx, id, func(conv *core.Conversation) (core.Commit, error) {
			if conv.Terminated() {
				return core.Commit{}, core.ErrTerminated
			}
			return core.Commit{
				BaseSeq:     conv.LastSeq(),
				Messages:    []core.Message{msg},
				Position:    conv.Position,
				Status:      conv.Status,
				Failure:     conv.Failure,
				Termination: conv.Termination,
			}, nil
		}, &seqs)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, wrap("append", err)
		}
		return seqs[0], nil
	}
	return 0, wrap("append", core.ErrConflict)
}

// Commit implements core.ConversationStore. A concurrent writer touching the
// same conversation makes the commit fail with core.ErrConflict.
func (s *Store) Commit(ctx context.Context, id string, c core.Commit) ([]uint64, error) {
	var seqs []uint64
	err := s.update(ctx, id, func(conv *core.Conversation) (core.Commit, error) {
		return c, c.Check(conv)
	}, &seqs)
	if errors.Is(err, redis.TxFailedErr) {
		err = core.ErrConflict
	}
	if err != nil {
		return nil, wrap("commit", err)
	}
	return seqs, nil
}

// Read implements core.ConversationStore.
func (s *Store) Read(ctx context.Context, id string, from uint64) ([]core.Message, error) {
	start := int64(0)
	if from > 1 {
		start = int64(from) - 1
	}
	var (
		existsCmd *redis.IntCmd
		msgsCmd   *redis.StringSliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		existsCmd = pipe.Exists(ctx, ConversationKey(s.namespace, id))
		msgsCmd = pipe.LRange(ctx, MessagesKey(s.namespace, id), start, -1)
		return nil
	})
	if err != nil {
		return nil, wrap("read", err)
	}
	if existsCmd.Val() == 0 {
		return nil, core.ErrNotFound
	}
	msgs, err := decodeMessages(msgsCmd.Val())
	if err != nil {
		return nil, wrap("read", err)
	}
	return msgs, nil
}

// update runs one optimistic transaction: it loads the conversation state and
// its last message under WATCH, asks build for the commit to apply and writes
// the result. It returns redis.TxFailedErr when another writer got there first.
func (s *Store) update(ctx context.Context, id string, build func(*core.Conversation) (core.Commit, error), seqs *[]uint64) error {
	stateKey := ConversationKey(s.namespace, id)
	msgKey := MessagesKey(s.namespace, id)

	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		conv, err := s.loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		last, err := tx.LIndex(ctx, msgKey, -1).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			tail, err := decodeMessages([]string{last})
			if err != nil {
				return err
			}
			conv.Messages = tail
		}

		c, err := build(conv)
		if err != nil {
			return err
		}
		before := len(conv.Messages)
		*seqs = c.Apply(conv, time.Now().UTC())

		added, err := encodeMessages(conv.Messages[before:])
		if err != nil {
			return err
		}
		state, err := encodeState(conv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(added) > 0 {
				pipe.RPush(ctx, msgKey, added...)
			}
			pipe.Set(ctx, stateKey, state, 0)
			return nil
		})
		return err
	}, stateKey, msgKey)
}

func (s *Store) loadState(ctx context.Context, tx *redis.Tx, id string) (*core.Conversation, error) {
	return decodeState(tx.Get(ctx, ConversationKey(s.namespace, id)))
}

func decodeState(cmd *redis.StringCmd) (*core.Conversation, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv core.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("failed to deserialize conversation: %w", err)
	}
	if conv.Memory == nil {
		conv.Memory = map[string]map[string]any{}
	}
	conv.Messages = []core.Message{}
	return &conv, nil
}

func encodeState(conv *core.Conversation) ([]byte, error) {
	state := *conv
	state.Messages = nil
	b, err := json.Marshal(&state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize conversation: %w", err)
	}
	return b, nil
}

func encodeMessages(msgs []core.Message) ([]any, error) {
	out := make([]any, 0, len(msgs))
	for i := range msgs {
		b, err := json.Marshal(&msgs[i])
		if err != nil {
			return nil, fmt.Errorf("failed to serialize message: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func decodeMessages(raw []string) ([]core.Message, error) {
	out := make([]core.Message, 0, len(raw))
	for _, r := range raw {
		var m core.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("failed to deserialize message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// wrap leaves store sentinels untouched and marks everything else as a
// retryable upstream failure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{core.ErrNotFound, core.ErrAlreadyExists, core.ErrTerminated, core.ErrConflict} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return core.NewError(core.KindUpstreamFailure, "store.redis."+op, err)
}
