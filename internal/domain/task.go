package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the kanban column a task currently sits in.
type TaskStatus string

// Possible task status values
const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// TaskStatuses lists every status in board column order.
var TaskStatuses = []TaskStatus{
	TaskStatusTodo,
	TaskStatusInProgress,
	TaskStatusReview,
	TaskStatusDone,
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusReview, TaskStatusDone:
		return true
	}
	return false
}

// TaskPriority represents how urgent a task is.
type TaskPriority string

// Possible task priority values
const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityUrgent:
		return true
	}
	return false
}

// TentativeIDPrefix marks ids synthesized by the client before the server
// has confirmed a create.
const TentativeIDPrefix = "tmp-"

// IsTentativeID reports whether id was generated locally.
func IsTentativeID(id string) bool {
	return strings.HasPrefix(id, TentativeIDPrefix)
}

// NewTentativeID returns a fresh client-scoped task id.
func NewTentativeID() string {
	return TentativeIDPrefix + uuid.NewString()
}

// Subtask is a checklist entry inside a task. Order is significant.
type Subtask struct {
	Title     string `json:"title"     validate:"required"`
	Completed bool   `json:"completed"`
}

// Task is the versioned kanban task record shared by the server and every
// connected client.
type Task struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	WorkspaceID string       `json:"workspace_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	AssigneeID  string       `json:"assignee_id,omitempty"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	Subtasks    []Subtask    `json:"subtasks"`
	AIGenerated bool         `json:"ai_generated"`
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`

	// Tentative is set on records the server has not confirmed yet.
	Tentative bool `json:"-"`

	// Pending counts optimistic edits applied on top of Version. It is a
	// local marker only; the server never sees it.
	Pending int `json:"-"`
}

// NewTentativeTask builds the provisional record shown while a create
// request is in flight.
func NewTentativeTask(in CreateTaskInput) *Task {
	in = in.withDefaults()
	now := time.Now().UTC()

	task := &Task{
		ID:          NewTentativeID(),
		ProjectID:   in.ProjectID,
		WorkspaceID: in.WorkspaceID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssigneeID:  in.AssigneeID,
		DueDate:     copyTime(in.DueDate),
		Subtasks:    copySubtasks(in.Subtasks),
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
		Tentative:   true,
	}
	if task.Subtasks == nil {
		task.Subtasks = []Subtask{}
	}
	return task
}

// Validate checks the invariants every stored task must satisfy.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrEmptyTaskID
	}
	if t.ProjectID == "" {
		return NewValidationError("project_id", "is required")
	}
	if t.WorkspaceID == "" {
		return NewValidationError("workspace_id", "is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return NewValidationError("title", "cannot be empty")
	}
	if !t.Status.Valid() {
		return NewValidationError("status", "unknown value "+string(t.Status))
	}
	if !t.Priority.Valid() {
		return NewValidationError("priority", "unknown value "+string(t.Priority))
	}
	if t.Version < 0 {
		return NewValidationError("version", "cannot be negative")
	}
	for _, st := range t.Subtasks {
		if strings.TrimSpace(st.Title) == "" {
			return NewValidationError("subtasks", "subtask title cannot be empty")
		}
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DueDate = copyTime(t.DueDate)
	c.Subtasks = copySubtasks(t.Subtasks)
	if t.Subtasks != nil && c.Subtasks == nil {
		c.Subtasks = []Subtask{}
	}
	return &c
}

// IsSpeculative reports whether the record carries unconfirmed local edits.
func (t *Task) IsSpeculative() bool {
	return t.Tentative || t.Pending > 0
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copySubtasks(in []Subtask) []Subtask {
	if len(in) == 0 {
		return nil
	}
	out := make([]Subtask, len(in))
	copy(out, in)
	return out
}
