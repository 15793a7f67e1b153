package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/boardsync/internal/api/shared"
	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/session"
	"github.com/phrazzld/boardsync/internal/store"
)

// BoardSource is the read side of a session. *session.Session satisfies it.
type BoardSource interface {
	Board() store.Board
	Tasks(filter store.Filter) []*domain.Task
	Task(id string) (*domain.Task, error)
	Stats() session.Stats
}

// ColumnResponse is one board column.
type ColumnResponse struct {
	Status domain.TaskStatus `json:"status"`
	Tasks  []*domain.Task    `json:"tasks"`
}

// BoardResponse is the board snapshot. Columns follow the workflow order.
type BoardResponse struct {
	Columns []ColumnResponse `json:"columns"`
	Count   int              `json:"count"`
}

// HealthResponse reports session health.
type HealthResponse struct {
	Status         string `json:"status"`
	PushState      string `json:"push_state"`
	Tasks          int    `json:"tasks"`
	InFlight       int    `json:"in_flight"`
	PushMessages   int64  `json:"push_messages"`
	PushDropped    int64  `json:"push_dropped"`
	NoticesDropped int64  `json:"notices_dropped"`
	AIMerged       int64  `json:"ai_merged"`
	AIDiscarded    int64  `json:"ai_discarded"`
	AIFailed       int64  `json:"ai_failed"`
}

// BoardHandler serves read-only board snapshots.
type BoardHandler struct {
	source BoardSource
	logger *slog.Logger
}

// NewBoardHandler creates a BoardHandler.
func NewBoardHandler(source BoardSource, logger *slog.Logger) *BoardHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for BoardHandler")
	}
	return &BoardHandler{
		source: source,
		logger: logger.With(slog.String("component", "board_handler")),
	}
}

// GetBoard handles GET /board.
func (h *BoardHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	board := h.source.Board()
	resp := BoardResponse{
		Columns: make([]ColumnResponse, 0, len(domain.TaskStatuses)),
		Count:   board.Count(),
	}
	for _, status := range domain.TaskStatuses {
		tasks := board[status]
		if tasks == nil {
			tasks = []*domain.Task{}
		}
		resp.Columns = append(resp.Columns, ColumnResponse{Status: status, Tasks: tasks})
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// ListTasks handles GET /tasks with optional status and assignee filters.
// Unconfirmed creates are included.
func (h *BoardHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{AssigneeID: q.Get("assignee"), IncludeTentative: true}

	if s := q.Get("status"); s != "" {
		status := domain.TaskStatus(s)
		if !status.Valid() {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status")
			return
		}
		filter.Status = status
	}

	tasks := h.source.Tasks(filter)
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, tasks)
}

// GetTask handles GET /tasks/{id}.
func (h *BoardHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.source.Task(id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Failed to read task", err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, task)
}

// Health handles GET /healthz. It reports 503 while the push channel is not
// connected.
func (h *BoardHandler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.source.Stats()
	resp := HealthResponse{
		Status:         "ok",
		PushState:      st.PushState,
		Tasks:          st.Tasks,
		InFlight:       st.InFlight,
		PushMessages:   st.PushMessages,
		PushDropped:    st.PushDropped,
		NoticesDropped: st.NoticesDropped,
		AIMerged:       st.Enrichment.Merged,
		AIDiscarded:    st.Enrichment.Discarded,
		AIFailed:       st.Enrichment.Failed,
	}
	status := http.StatusOK
	if st.PushState != "connected" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, resp)
}
