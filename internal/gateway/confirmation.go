package gateway

import (
	"context"
	"sync"

	"github.com/phrazzld/boardsync/internal/domain"
)

// Confirmation resolves once the server has answered a create request.
type Confirmation struct {
	TentativeID string

	done chan struct{}
	once sync.Once
	task *domain.Task
	err  error
}

// NewConfirmation returns an unresolved confirmation for tentativeID.
func NewConfirmation(tentativeID string) *Confirmation {
	return &Confirmation{TentativeID: tentativeID, done: make(chan struct{})}
}

// Resolve records the outcome. Only the first call has an effect.
func (c *Confirmation) Resolve(task *domain.Task, err error) {
	c.once.Do(func() {
		c.task = task.Clone()
		c.err = err
		close(c.done)
	})
}

// Done is closed once the confirmation is resolved.
func (c *Confirmation) Done() <-chan struct{} {
	return c.done
}

// Wait returns the confirmed record, or the create error.
func (c *Confirmation) Wait(ctx context.Context) (*domain.Task, error) {
	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		return c.task.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
