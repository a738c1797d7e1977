package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/model"
)

// StubRetriever answers every query with a fixed passage list or error and
// records the queries it saw.
type StubRetriever struct {
	Passages []core.Passage
	Err      error

	mu      sync.Mutex
	queries []string
}

var _ core.Retriever = (*StubRetriever)(nil)

// Query implements core.Retriever.
func (s *StubRetriever) Query(_ context.Context, text string, _ int, _ core.Filters) (*core.RetrievalResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, text)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return &core.RetrievalResult{Query: text, Passages: append([]core.Passage(nil), s.Passages...)}, nil
}

// Queries returns the recorded query texts.
func (s *StubRetriever) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// GateModel blocks every call until Release is closed, signalling Entered
// when a call starts. Calls cancelled through their context fail with the
// context error.
type GateModel struct {
	Entered chan struct{}
	Release chan struct{}
	// Reply is the text returned once released.
	Reply string
}

var _ model.Model = (*GateModel)(nil)

// NewGateModel returns a closed gate.
func NewGateModel() *GateModel {
	return &GateModel{Entered: make(chan struct{}, 16), Release: make(chan struct{}), Reply: "released"}
}

// Generate implements model.Model.
func (g *GateModel) Generate(ctx context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(respCh)
		defer close(errCh)
		g.Entered <- struct{}{}
		select {
		case <-g.Release:
			respCh <- model.Response{Content: core.NewTextContent("assistant", g.Reply)}
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return respCh, errCh
}

// Info implements model.Model.
func (g *GateModel) Info() model.Info { return model.Info{Name: "gate", Provider: "mock"} }
