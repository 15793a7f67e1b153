package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/generation"
)

// MockGenerator implements generation.Generator for testing.
type MockGenerator struct {
	// GenerateSubtasksFn, when set, overrides the default response.
	GenerateSubtasksFn func(ctx context.Context, req generation.Request) ([]domain.Subtask, error)

	// Default response values
	Subtasks []domain.Subtask
	Err      error

	mu       sync.Mutex
	requests []generation.Request
}

// GenerateSubtasks implements generation.Generator.
func (m *MockGenerator) GenerateSubtasks(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.GenerateSubtasksFn != nil {
		return m.GenerateSubtasksFn(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]domain.Subtask, len(m.Subtasks))
	copy(out, m.Subtasks)
	return out, nil
}

// Calls returns the number of GenerateSubtasks calls.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received, in order.
func (m *MockGenerator) Requests() []generation.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]generation.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// NewMockGeneratorWithSubtasks returns a generator answering with subtasks.
func NewMockGeneratorWithSubtasks(subtasks ...domain.Subtask) *MockGenerator {
	return &MockGenerator{Subtasks: subtasks}
}

// NewMockGeneratorWithError returns a generator that always fails with err.
func NewMockGeneratorWithError(err error) *MockGenerator {
	return &MockGenerator{Err: err}
}

// NewMockGeneratorWithCount returns a generator producing exactly the
// requested number of numbered subtasks.
func NewMockGeneratorWithCount() *MockGenerator {
	return &MockGenerator{
		GenerateSubtasksFn: func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
			out := make([]domain.Subtask, req.Count)
			for i := range out {
				out[i] = domain.Subtask{Title: fmt.Sprintf("%s step %d", req.Title, i+1)}
			}
			return out, nil
		},
	}
}
