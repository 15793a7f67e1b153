package generation

import (
	"context"
	"strings"

	"github.com/phrazzld/boardsync/internal/domain"
)

// DefaultSubtaskCount is used when a request does not ask for a specific
// number of subtasks.
const DefaultSubtaskCount = 4

// Request is the input for one subtask generation.
type Request struct {
	TaskID      string
	Title       string
	Description string

	// Count is a hint; models may return a few more or fewer.
	Count int
}

// Validate checks the request and fills in the default count.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return ErrEmptyTitle
	}
	if r.Count <= 0 {
		r.Count = DefaultSubtaskCount
	}
	return nil
}

// Generator defines the interface for generating subtasks for a task.
// This interface serves as a boundary between the synchronization engine and
// external AI services.
type Generator interface {
	// GenerateSubtasks proposes an ordered checklist for the task described
	// by req. Errors wrap the sentinels in errors.go.
	GenerateSubtasks(ctx context.Context, req Request) ([]domain.Subtask, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) ([]domain.Subtask, error)

// GenerateSubtasks implements Generator.
func (f GeneratorFunc) GenerateSubtasks(ctx context.Context, req Request) ([]domain.Subtask, error) {
	return f(ctx, req)
}
