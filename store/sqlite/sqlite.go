// Package sqlite provides a durable ConversationStore on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/ingenious/core"
)

// Store is a ConversationStore persisting to SQLite. All writes go through a
// single connection, which serialises transactions within the process.
type Store struct {
	db *sql.DB
}

var _ core.ConversationStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		generation INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_seq INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq INTEGER NOT NULL,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(conversation_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Create implements core.ConversationStore.
func (s *Store) Create(ctx context.Context, conv *core.Conversation) error {
	return s.inTx(ctx, "create", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists)
		if err == nil {
			return core.ErrAlreadyExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		state, err := encodeState(conv)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversations (id, workflow, generation, status, last_seq, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.Workflow, conv.Generation, string(conv.Status), conv.LastSeq(), state, conv.Created, conv.Updated,
		)
		if err != nil {
			return err
		}
		return insertMessages(ctx, tx, conv.ID, conv.Messages)
	})
}

// Get implements core.ConversationStore.
func (s *Store) Get(ctx context.Context, id string) (*core.Conversation, error) {
	var conv *core.Conversation
	err := s.inTx(ctx, "get", func(tx *sql.Tx) error {
		c, err := loadState(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Messages, err = readMessages(ctx, tx, id, 0); err != nil {
			return err
		}
		conv = c
		return nil
	})
	return conv, err
}

// Append implements core.ConversationStore.
func (s *Store) Append(ctx context.Context, id string, msg core.Message) (uint64, error) {
	var seq uint64
	err := s.inTx(ctx, "append", func(tx *sql.Tx) error {
		conv, err := loadTail(ctx, tx, id)
		if err != nil {
			return err
		}
		if conv.Terminated() {
			return core.ErrTerminated
		}
		c := core.Commit{
			BaseSeq:     conv.LastSeq(),
			Messages:    []core.Message{msg},
			Position:    conv.Position,
			Status:      conv.Status,
			Failure:     conv.Failure,
			Termination: conv.Termination,
		}
		seqs, err := apply(ctx, tx, conv, c)
		if err != nil {
			return err
		}
		seq = seqs[0]
		return nil
	})
	return seq, err
}

// Commit implements core.ConversationStore.
func (s *Store) Commit(ctx context.Context, id string, c core.Commit) ([]uint64, error) {
	var seqs []uint64
	err := s.inTx(ctx, "commit", func(tx *sql.Tx) error {
		conv, err := loadTail(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := c.Check(conv); err != nil {
			return err
		}
		seqs, err = apply(ctx, tx, conv, c)
		return err
	})
	return seqs, err
}

// Read implements core.ConversationStore.
func (s *Store) Read(ctx context.Context, id string, from uint64) ([]core.Message, error) {
	var msgs []core.Message
	err := s.inTx(ctx, "read", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		msgs, err = readMessages(ctx, tx, id, from)
		return err
	})
	return msgs, err
}

// List returns the ids of stored conversations, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("list", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("list", rows.Err())
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrap(op, err)
	}
	return wrap(op, tx.Commit())
}

func loadState(ctx context.Context, tx *sql.Tx, id string) (*core.Conversation, error) {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM conversations WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv core.Conversation
	if err := json.Unmarshal([]byte(state), &conv); err != nil {
		return nil, fmt.Errorf("failed to deserialize conversation: %w", err)
	}
	if conv.Memory == nil {
		conv.Memory = map[string]map[string]any{}
	}
	conv.Messages = []core.Message{}
	return &conv, nil
}

// loadTail loads the conversation state plus its last message, which is all
// a commit needs to assign the next sequence numbers.
func loadTail(ctx context.Context, tx *sql.Tx, id string) (*core.Conversation, error) {
	conv, err := loadState(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	var body string
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`, id,
	).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		var m core.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("failed to deserialize message: %w", err)
		}
		conv.Messages = []core.Message{m}
	}
	return conv, nil
}

func apply(ctx context.Context, tx *sql.Tx, conv *core.Conversation, c core.Commit) ([]uint64, error) {
	before := len(conv.Messages)
	seqs := c.Apply(conv, time.Now().UTC())
	if err := insertMessages(ctx, tx, conv.ID, conv.Messages[before:]); err != nil {
		return nil, err
	}
	state, err := encodeState(conv)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET status = ?, last_seq = ?, state = ?, updated_at = ? WHERE id = ?`,
		string(conv.Status), conv.LastSeq(), state, conv.Updated, conv.ID,
	)
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, id string, msgs []core.Message) error {
	for i := range msgs {
		body, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("failed to serialize message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, sender, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, msgs[i].Seq, msgs[i].Sender, string(body), msgs[i].Timestamp,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func readMessages(ctx context.Context, tx *sql.Tx, id string, from uint64) ([]core.Message, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT body FROM messages WHERE conversation_id = ? AND seq >= ? ORDER BY seq`, id, from,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []core.Message{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var m core.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("failed to deserialize message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeState(conv *core.Conversation) (string, error) {
	state := *conv
	state.Messages = nil
	b, err := json.Marshal(&state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize conversation: %w", err)
	}
	return string(b), nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{core.ErrNotFound, core.ErrAlreadyExists, core.ErrTerminated, core.ErrConflict} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return core.NewError(core.KindUpstreamFailure, "store.sqlite."+op, err)
}
