package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/boardsync/internal/domain"
)

// Filter narrows List and Board results. Zero values match everything.
type Filter struct {
	ProjectID  string
	Status     domain.TaskStatus
	AssigneeID string

	// IncludeTentative controls whether unconfirmed creates are returned.
	IncludeTentative bool
}

func (f Filter) matches(t *domain.Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
		return false
	}
	if t.Tentative && !f.IncludeTentative {
		return false
	}
	return true
}

// Board is the status-grouped view used for rendering kanban columns.
type Board map[domain.TaskStatus][]*domain.Task

// Count returns the total number of tasks across all columns.
func (b Board) Count() int {
	n := 0
	for _, col := range b {
		n += len(col)
	}
	return n
}

// Reader is the read-only view of the task store handed to every component
// other than the reconciliation engine.
type Reader interface {
	// Get returns a copy of the task with the given id.
	// Returns ErrTaskNotFound if the task is not stored.
	Get(id string) (*domain.Task, error)

	// List returns copies of all tasks matching the filter, in board order.
	List(filter Filter) []*domain.Task

	// Board groups matching tasks by status. Every status has a column,
	// possibly empty.
	Board(filter Filter) Board

	// Len returns the number of stored tasks, tentative ones included.
	Len() int
}

// TaskStore maps task ids to task records. Reads are safe from any
// goroutine; writes must come from a single owner.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*domain.Task),
	}
}

// Upsert stores the task if no record exists for its id or if its version is
// strictly greater than the stored one. It reports whether the write happened.
func (s *TaskStore) Upsert(task *domain.Task) (bool, error) {
	if err := task.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.tasks[task.ID]; ok && cur.Version >= task.Version {
		return false, nil
	}
	s.tasks[task.ID] = task.Clone()
	return true, nil
}

// Put stores the task unconditionally, replacing any existing record.
func (s *TaskStore) Put(task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Remove deletes the task and returns the removed record, if any.
func (s *TaskStore) Remove(id string) (*domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	delete(s.tasks, id)
	return cur, true
}

// Get implements Reader.
func (s *TaskStore) Get(id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cur.Clone(), nil
}

// List implements Reader.
func (s *TaskStore) List(filter Filter) []*domain.Task {
	s.mu.RLock()
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortTasks(out)
	return out
}

// Board implements Reader.
func (s *TaskStore) Board(filter Filter) Board {
	board := make(Board, len(domain.TaskStatuses))
	for _, status := range domain.TaskStatuses {
		board[status] = []*domain.Task{}
	}
	for _, t := range s.List(filter) {
		board[t.Status] = append(board[t.Status], t)
	}
	return board
}

// Len implements Reader.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// sortTasks orders tasks by creation time, falling back to id so the order
// is stable across calls.
func sortTasks(tasks []*domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

var _ Reader = (*TaskStore)(nil)
