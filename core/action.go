package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is a structured request attached to a Message. Concrete actions
// implement the unexported isAction marker enabling a closed set.
type Action interface {
	isAction()
	// Type returns the stable wire name of the action.
	Type() string
	// Validate checks the action is well formed.
	Validate() error
}

const (
	ActionRetrieval = "retrieval_request"
	ActionToolCall  = "tool_call"
	ActionTerminate = "terminate"
)

// RetrievalRequest asks the orchestrator to query the retrieval index and
// re-invoke the requesting agent with the result.
type RetrievalRequest struct {
	Query   string  `json:"query"`
	TopK    int     `json:"top_k,omitempty"`
	Filters Filters `json:"filters,omitempty"`
}

func (RetrievalRequest) isAction()      {}
func (RetrievalRequest) Type() string { return ActionRetrieval }

func (r RetrievalRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return errors.New("retrieval request: empty query")
	}
	if r.TopK < 0 {
		return fmt.Errorf("retrieval request: negative top_k %d", r.TopK)
	}
	return nil
}

// ToolCall is a request for an external collaborator to run a named tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (ToolCall) isAction()      {}
func (ToolCall) Type() string { return ActionToolCall }

func (t ToolCall) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("tool call: empty name")
	}
	return nil
}

// Terminate ends the conversation. Reason is free text recorded on the
// conversation's termination record.
type Terminate struct {
	Reason string `json:"reason,omitempty"`
}

func (Terminate) isAction()       {}
func (Terminate) Type() string    { return ActionTerminate }
func (Terminate) Validate() error { return nil }

type actionEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalAction encodes an action with its type tag. A nil action encodes as null.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionEnvelope{Type: a.Type(), Payload: payload})
}

// UnmarshalAction decodes a tagged action produced by MarshalAction.
func UnmarshalAction(data []byte) (Action, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	var (
		a   Action
		err error
	)
	switch env.Type {
	case ActionRetrieval:
		var r RetrievalRequest
		err = decodePayload(env.Payload, &r)
		a = r
	case ActionToolCall:
		var t ToolCall
		err = decodePayload(env.Payload, &t)
		a = t
	case ActionTerminate:
		var t Terminate
		err = decodePayload(env.Payload, &t)
		a = t
	default:
		return nil, fmt.Errorf("unknown action type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return a, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
