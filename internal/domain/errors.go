// Package domain defines the core business entities and errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when caller input fails validation.
	// It is never the result of a network call.
	ErrValidation = errors.New("validation failed")

	// ErrMutationFailed is returned when the server rejected a mutation or
	// the request never reached it. The optimistic change has been rolled back.
	ErrMutationFailed = errors.New("mutation failed")

	// ErrChannel is returned for transient push channel failures.
	ErrChannel = errors.New("push channel error")

	// ErrEnrichmentFailed is returned when AI subtask generation did not
	// produce a result. The task itself is unaffected.
	ErrEnrichmentFailed = errors.New("enrichment failed")

	// ErrTaskNotFound is returned when an operation targets an unknown task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEmptyTaskID is returned when a task id is required but empty.
	ErrEmptyTaskID = errors.New("task ID cannot be empty")
)

// ValidationError describes bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// MutationError reports a failed REST mutation.
type MutationError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s: %s task %s: %v", ErrMutationFailed, e.Op, e.TaskID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *MutationError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrMutationFailed as well as the cause.
func (e *MutationError) Is(target error) bool {
	return target == ErrMutationFailed
}

// ChannelError reports a push channel connection failure.
type ChannelError struct {
	WorkspaceID string
	Attempt     int
	Err         error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: workspace %s attempt %d: %v", ErrChannel, e.WorkspaceID, e.Attempt, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrChannel.
func (e *ChannelError) Is(target error) bool {
	return target == ErrChannel
}

// EnrichmentError reports a failed AI subtask generation for a task.
type EnrichmentError struct {
	TaskID string
	Err    error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("%s: task %s: %v", ErrEnrichmentFailed, e.TaskID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *EnrichmentError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrEnrichmentFailed.
func (e *EnrichmentError) Is(target error) bool {
	return target == ErrEnrichmentFailed
}
