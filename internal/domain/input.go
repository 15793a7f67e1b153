package domain

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is shared by all input types; validator caches struct metadata.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report json field names so errors match the wire format.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// CreateTaskInput carries everything a caller supplies when creating a task.
type CreateTaskInput struct {
	ProjectID   string       `json:"project_id"   validate:"required"`
	WorkspaceID string       `json:"workspace_id" validate:"required"`
	Title       string       `json:"title"        validate:"required,max=500"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"       validate:"omitempty,oneof=todo in_progress review done"`
	Priority    TaskPriority `json:"priority"     validate:"omitempty,oneof=low medium high urgent"`
	AssigneeID  string       `json:"assignee_id,omitempty"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	Subtasks    []Subtask    `json:"subtasks"     validate:"dive"`

	// GenerateAI requests AI-assisted subtask generation for the new task.
	GenerateAI bool `json:"generate_ai"`

	// SubtaskHint is the number of subtasks to ask the generator for.
	SubtaskHint int `json:"-" validate:"gte=0,lte=20"`
}

func (in CreateTaskInput) withDefaults() CreateTaskInput {
	if in.Status == "" {
		in.Status = TaskStatusTodo
	}
	if in.Priority == "" {
		in.Priority = TaskPriorityMedium
	}
	return in
}

// Normalize returns a copy with defaults applied, ready to send to the server.
func (in CreateTaskInput) Normalize() CreateTaskInput {
	in = in.withDefaults()
	in.Subtasks = copySubtasks(in.Subtasks)
	if in.Subtasks == nil {
		in.Subtasks = []Subtask{}
	}
	return in
}

// Validate checks the input before any network call is made.
func (in CreateTaskInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return NewValidationError("title", "cannot be empty")
	}
	if err := validate.Struct(in); err != nil {
		return fromValidatorError(err)
	}
	return nil
}

// TaskPatch is a partial update. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string       `json:"title,omitempty"        validate:"omitempty,max=500"`
	Description *string       `json:"description,omitempty"`
	Status      *TaskStatus   `json:"status,omitempty"       validate:"omitempty,oneof=todo in_progress review done"`
	Priority    *TaskPriority `json:"priority,omitempty"     validate:"omitempty,oneof=low medium high urgent"`
	AssigneeID  *string       `json:"assignee_id,omitempty"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
	Subtasks    *[]Subtask    `json:"subtasks,omitempty"     validate:"omitempty"`
	AIGenerated *bool         `json:"ai_generated,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.AssigneeID == nil && p.DueDate == nil &&
		p.Subtasks == nil && p.AIGenerated == nil
}

// Validate checks the patch before any network call is made.
func (p TaskPatch) Validate() error {
	if p.IsEmpty() {
		return NewValidationError("patch", "no fields to update")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return NewValidationError("title", "cannot be empty")
	}
	if err := validate.Struct(p); err != nil {
		return fromValidatorError(err)
	}
	if p.Subtasks != nil {
		for _, st := range *p.Subtasks {
			if strings.TrimSpace(st.Title) == "" {
				return NewValidationError("subtasks", "subtask title cannot be empty")
			}
		}
	}
	return nil
}

// ValidateEdit checks a patch coming from a user edit. The AI-generated flag
// is owned by enrichment and cannot be set through an edit.
func (p TaskPatch) ValidateEdit() error {
	if p.AIGenerated != nil {
		return NewValidationError("ai_generated", "is set only by AI enrichment")
	}
	return p.Validate()
}

// EnrichmentPatch replaces the subtasks with generated ones and marks the
// task as AI-generated.
func EnrichmentPatch(subtasks []Subtask) TaskPatch {
	generated := copySubtasks(subtasks)
	if generated == nil {
		generated = []Subtask{}
	}
	aiGenerated := true
	return TaskPatch{Subtasks: &generated, AIGenerated: &aiGenerated}
}

// Apply returns a copy of t with the patch applied. Version is untouched;
// only the server assigns versions.
func (p TaskPatch) Apply(t *Task) *Task {
	out := t.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.AssigneeID != nil {
		out.AssigneeID = *p.AssigneeID
	}
	if p.DueDate != nil {
		out.DueDate = copyTime(p.DueDate)
	}
	if p.Subtasks != nil {
		out.Subtasks = copySubtasks(*p.Subtasks)
		if out.Subtasks == nil {
			out.Subtasks = []Subtask{}
		}
	}
	if p.AIGenerated != nil {
		out.AIGenerated = *p.AIGenerated
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}

// StatusPatch is shorthand for a patch that only moves a task between columns.
func StatusPatch(status TaskStatus) TaskPatch {
	return TaskPatch{Status: &status}
}

// fromValidatorError converts the first field failure into a ValidationError.
func fromValidatorError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return NewValidationError(fe.Field(), "failed "+fe.Tag()+" check")
	}
	return &ValidationError{Field: "", Reason: err.Error()}
}
