package store

import (
	"errors"
	"fmt"

	"github.com/phrazzld/boardsync/internal/domain"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTaskNotFound indicates that the requested task is not in the store.
	// It also matches domain.ErrTaskNotFound.
	ErrTaskNotFound = fmt.Errorf("%w: %w", ErrNotFound, domain.ErrTaskNotFound)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
