package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/boardsync/internal/domain"
)

// Push message types, as sent by the server.
const (
	TypeTaskCreated    = "task_created"
	TypeTaskUpdated    = "task_updated"
	TypeTaskDeleted    = "task_deleted"
	TypeTaskAIComplete = "task_ai_complete"
)

// Kind says how the reconciliation engine should treat an event.
type Kind string

const (
	// KindUpsert carries an authoritative record.
	KindUpsert Kind = "upsert"
	// KindDelete is an authoritative removal. The id is tombstoned.
	KindDelete Kind = "delete"
	// KindSpeculate is an optimistic local write.
	KindSpeculate Kind = "speculate"
	// KindSpeculativeDelete is an optimistic removal that may be rolled back.
	KindSpeculativeDelete Kind = "speculative_delete"
	// KindRestore rolls back a failed optimistic write.
	KindRestore Kind = "restore"
)

// Source records where an event came from. Used for logging only.
type Source string

const (
	SourcePush   Source = "push"
	SourceREST   Source = "rest"
	SourceAI     Source = "ai"
	SourceLocal  Source = "local"
	SourceResync Source = "resync"
)

// Outcome is what applying an event did to the store.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeRemoved   Outcome = "removed"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeIgnored   Outcome = "ignored"
)

// Changed reports whether the outcome altered the store.
func (o Outcome) Changed() bool {
	return o == OutcomeInserted || o == OutcomeReplaced || o == OutcomeRemoved
}

// TaskEvent is a single change fed into the reconciliation engine. Events
// from the REST gateway, the push channel and the enrichment pipeline all
// share this shape.
type TaskEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is the push message type this event corresponds to, if any
	Type string `json:"type,omitempty"`

	Kind   Kind   `json:"kind"`
	TaskID string `json:"task_id"`

	// Task is the full record for upserts and speculative writes, or the
	// snapshot to reinstate for restores. Nil for deletes.
	Task *domain.Task `json:"task,omitempty"`

	// TentativeID is set when an upsert confirms a locally created task.
	TentativeID string `json:"tentative_id,omitempty"`

	Source     Source    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`

	// Outcome is filled in by the engine before handlers see the event.
	Outcome Outcome `json:"outcome,omitempty"`
}

func newEvent(kind Kind, taskID string, task *domain.Task, source Source) *TaskEvent {
	return &TaskEvent{
		ID:         uuid.New(),
		Kind:       kind,
		TaskID:     taskID,
		Task:       task,
		Source:     source,
		ReceivedAt: time.Now(),
	}
}

// NewUpsertEvent wraps an authoritative task record.
func NewUpsertEvent(msgType string, task *domain.Task, source Source) *TaskEvent {
	e := newEvent(KindUpsert, task.ID, task, source)
	e.Type = msgType
	return e
}

// NewConfirmEvent is the upsert that replaces a tentative record with the
// server-confirmed one.
func NewConfirmEvent(tentativeID string, task *domain.Task) *TaskEvent {
	e := newEvent(KindUpsert, task.ID, task, SourceREST)
	e.Type = TypeTaskCreated
	e.TentativeID = tentativeID
	return e
}

// NewDeleteEvent is an authoritative removal of taskID.
func NewDeleteEvent(taskID string, source Source) *TaskEvent {
	e := newEvent(KindDelete, taskID, nil, source)
	e.Type = TypeTaskDeleted
	return e
}

// NewSpeculateEvent is an optimistic write of task.
func NewSpeculateEvent(task *domain.Task) *TaskEvent {
	return newEvent(KindSpeculate, task.ID, task, SourceLocal)
}

// NewSpeculativeDeleteEvent optimistically hides taskID.
func NewSpeculativeDeleteEvent(taskID string) *TaskEvent {
	return newEvent(KindSpeculativeDelete, taskID, nil, SourceLocal)
}

// NewRestoreEvent rolls back an optimistic change to taskID. A nil snapshot
// removes a tentative record.
func NewRestoreEvent(taskID string, snapshot *domain.Task) *TaskEvent {
	return newEvent(KindRestore, taskID, snapshot, SourceLocal)
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent is called after the engine has applied the event.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *TaskEvent) error

// HandleEvent implements EventHandler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *TaskEvent) error
}
