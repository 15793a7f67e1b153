package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/boardsync/internal/domain"
)

// ParseSubtasks extracts a subtask list from model output. Models often wrap
// the JSON array in prose or code fences, so everything from the first '['
// to the last ']' is taken as the array. Entries may be objects with a title
// or bare strings.
func ParseSubtasks(text string) ([]domain.Subtask, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrInvalidResponse)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON array: %v", ErrInvalidResponse, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no subtasks in response", ErrInvalidResponse)
	}

	subtasks := make([]domain.Subtask, 0, len(raw))
	for i, item := range raw {
		st, err := decodeSubtask(item)
		if err != nil {
			return nil, fmt.Errorf("%w: subtask %d: %v", ErrInvalidResponse, i, err)
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

func decodeSubtask(item json.RawMessage) (domain.Subtask, error) {
	var title string
	if err := json.Unmarshal(item, &title); err == nil {
		title = strings.TrimSpace(title)
		if title == "" {
			return domain.Subtask{}, fmt.Errorf("empty title")
		}
		return domain.Subtask{Title: title}, nil
	}

	var st domain.Subtask
	if err := json.Unmarshal(item, &st); err != nil {
		return domain.Subtask{}, err
	}
	st.Title = strings.TrimSpace(st.Title)
	if st.Title == "" {
		return domain.Subtask{}, fmt.Errorf("empty title")
	}
	return st, nil
}
