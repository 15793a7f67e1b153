package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phrazzld/boardsync/internal/domain"
)

var (
	// ErrMalformedMessage is returned when a push payload cannot be decoded.
	ErrMalformedMessage = errors.New("malformed push message")

	// ErrUnknownMessageType is returned for push messages with a type this
	// client does not handle.
	ErrUnknownMessageType = errors.New("unknown push message type")
)

// Message is a decoded push notification.
type Message struct {
	Type   string
	TaskID string
	Task   *domain.Task
}

// wireMessage accepts both snake_case and camelCase task ids; the server has
// sent both.
type wireMessage struct {
	Type        string          `json:"type"`
	TaskID      string          `json:"task_id"`
	TaskIDCamel string          `json:"taskId"`
	Task        json.RawMessage `json:"task"`
}

// DecodeMessage parses and checks a raw push payload.
func DecodeMessage(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch w.Type {
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskDeleted, TypeTaskAIComplete:
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, w.Type)
	}

	msg := &Message{Type: w.Type, TaskID: w.TaskID}
	if msg.TaskID == "" {
		msg.TaskID = w.TaskIDCamel
	}

	if len(w.Task) > 0 && string(w.Task) != "null" {
		var task domain.Task
		if err := json.Unmarshal(w.Task, &task); err != nil {
			return nil, fmt.Errorf("%w: task body: %v", ErrMalformedMessage, err)
		}
		if task.Subtasks == nil {
			task.Subtasks = []domain.Subtask{}
		}
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("%w: task body: %v", ErrMalformedMessage, err)
		}
		if msg.TaskID != "" && msg.TaskID != task.ID {
			return nil, fmt.Errorf("%w: task_id %q does not match task %q",
				ErrMalformedMessage, msg.TaskID, task.ID)
		}
		msg.TaskID = task.ID
		msg.Task = &task
	}

	if msg.TaskID == "" {
		return nil, fmt.Errorf("%w: missing task id", ErrMalformedMessage)
	}
	if msg.Type == TypeTaskCreated && msg.Task == nil {
		return nil, fmt.Errorf("%w: %s without task body", ErrMalformedMessage, msg.Type)
	}
	return msg, nil
}

// IsRefreshHint reports whether the message names a changed task without
// carrying its record. The client has to re-read the task over REST.
func (m *Message) IsRefreshHint() bool {
	return m.Type != TypeTaskDeleted && m.Task == nil
}

// Event converts the message into an engine event. It returns nil for
// refresh hints.
func (m *Message) Event() *TaskEvent {
	if m.Type == TypeTaskDeleted {
		return NewDeleteEvent(m.TaskID, SourcePush)
	}
	if m.Task == nil {
		return nil
	}
	return NewUpsertEvent(m.Type, m.Task, SourcePush)
}
