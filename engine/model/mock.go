package model

import (
	"context"
	"fmt"
	"sync"
)

// Mock implements ChatModel without network access.
//
// With no canned responses it echoes the prompt, so workflows using the
// mock provider produce deterministic output with zero configuration.
// Tests configure Responses and Err to script provider behavior and
// inspect Calls afterwards.
type Mock struct {
	// Responses is the sequence of responses to return, one per call.
	// When exhausted the last response repeats.
	Responses []Response

	// Err, when set, is returned instead of a response.
	Err error

	mu    sync.Mutex
	calls []Request
	next  int
}

// NewMock creates an echoing mock provider.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		name := req.Model
		if name == "" {
			name = "mock"
		}
		return Response{
			Text:       fmt.Sprintf("mock completion for: %s", req.Prompt),
			Model:      name,
			TokensUsed: len(req.Prompt) / 4,
		}, nil
	}

	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// Calls returns a copy of the recorded requests.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
