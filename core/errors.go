package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide on retry or surfacing
// without inspecting error strings.
type Kind string

const (
	// KindUpstreamFailure covers model/retrieval/storage call failures and timeouts.
	KindUpstreamFailure Kind = "upstream_failure"
	// KindMalformedOutput means an agent produced output that could not be interpreted.
	KindMalformedOutput Kind = "malformed_output"
	// KindConfiguration marks invalid workflow, agent or prompt configuration.
	KindConfiguration Kind = "configuration_error"
	// KindConcurrencyConflict is returned when a conversation is already being advanced.
	KindConcurrencyConflict Kind = "concurrency_conflict"
	// KindRetrievalDegraded is recorded (not returned) when a turn proceeded without context.
	KindRetrievalDegraded Kind = "retrieval_degraded"
	// KindInvalidInput rejects empty or malformed caller input.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound means the referenced conversation does not exist.
	KindNotFound Kind = "not_found"
	// KindTerminated means the conversation no longer accepts messages.
	KindTerminated Kind = "terminated"
	// KindCancelled means the caller cancelled the operation.
	KindCancelled Kind = "cancelled"
	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "internal"
)

var (
	// ErrNotFound is returned by stores for unknown conversation ids.
	ErrNotFound = errors.New("conversation not found")
	// ErrAlreadyExists is returned by stores when creating a duplicate id.
	ErrAlreadyExists = errors.New("conversation already exists")
	// ErrTerminated is returned when appending to a terminated conversation.
	ErrTerminated = errors.New("conversation terminated")
	// ErrConflict is returned when a commit raced with another writer.
	ErrConflict = errors.New("concurrent modification")
)

// Error is the structured error surfaced to callers. Op names the failing
// operation (e.g. "advance", "agent.act"); Agent is set when an agent failed.
type Error struct {
	Kind   Kind
	Op     string
	Agent  string
	Detail string
	Err    error
}

// NewError wraps err with a kind and operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a formatted detail message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Agent != "" {
		msg += " (agent " + e.Agent + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same operation may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindUpstreamFailure || e.Kind == KindConcurrencyConflict
}

// KindOf extracts the Kind of err, mapping sentinel and context errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTerminated):
		return KindTerminated
	case errors.Is(err, ErrConflict):
		return KindConcurrencyConflict
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamFailure
	}
	return KindInternal
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	k := KindOf(err)
	return k == KindUpstreamFailure || k == KindConcurrencyConflict
}
