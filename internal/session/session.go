package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/enrich"
	"github.com/phrazzld/boardsync/internal/events"
	"github.com/phrazzld/boardsync/internal/gateway"
	"github.com/phrazzld/boardsync/internal/generation"
	"github.com/phrazzld/boardsync/internal/push"
	"github.com/phrazzld/boardsync/internal/reconcile"
	"github.com/phrazzld/boardsync/internal/store"
)

var (
	// ErrAIDisabled is returned by EnrichTask when no generator is configured.
	ErrAIDisabled = errors.New("AI enrichment is disabled")

	// ErrNotStarted is returned by operations that need a running session.
	ErrNotStarted = errors.New("session not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session already started")
)

// API is the task server REST surface. *taskapi.Client satisfies it.
type API interface {
	gateway.API
	ListTasks(ctx context.Context, workspaceID, projectID string) ([]*domain.Task, error)
}

// Config scopes a session to one project board.
type Config struct {
	WorkspaceID  string
	ProjectID    string
	NoticeBuffer int

	// Push configures the workspace subscription. WorkspaceID is filled in.
	Push push.Config

	AI enrich.Config
}

// Session owns one board: the store and engine, the mutation gateway, the
// push subscription and the enrichment pipeline.
type Session struct {
	cfg    Config
	api    API
	logger *slog.Logger

	emitter  *events.InMemoryEventEmitter
	engine   *reconcile.Engine
	gateway  *gateway.Gateway
	pipeline *enrich.Pipeline
	channel  *push.Channel
	notifier *events.Notifier

	refresh chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a session. gen may be nil to disable AI enrichment. Options are
// passed to the push channel.
func New(cfg Config, api API, gen generation.Generator, logger *slog.Logger, opts ...push.Option) (*Session, error) {
	if api == nil {
		return nil, errors.New("api cannot be nil")
	}
	if cfg.WorkspaceID == "" || cfg.ProjectID == "" {
		return nil, domain.NewValidationError("session", "workspace and project ids are required")
	}

	logger = logger.With("workspace_id", cfg.WorkspaceID, "project_id", cfg.ProjectID)
	s := &Session{
		cfg:      cfg,
		api:      api,
		logger:   logger.With("component", "session"),
		emitter:  events.NewInMemoryEventEmitter(logger),
		notifier: events.NewNotifier(cfg.NoticeBuffer, logger),
		refresh:  make(chan struct{}, 1),
	}
	s.engine = reconcile.NewEngine(store.NewTaskStore(), s.emitter, logger)
	s.gateway = gateway.New(api, s.engine, logger)

	if gen != nil {
		s.pipeline = enrich.New(cfg.AI, gen, s.gateway, s.engine, s.notifier, logger)
		s.gateway.SetEnricher(s.pipeline)
	}

	pushCfg := cfg.Push
	pushCfg.WorkspaceID = cfg.WorkspaceID
	opts = append([]push.Option{push.WithErrorReporter(s.report)}, opts...)
	channel, err := push.NewChannel(pushCfg, s.handlePush, logger, opts...)
	if err != nil {
		return nil, err
	}
	s.channel = channel
	return s, nil
}

// Start runs the engine, loads the board and opens the push channel. A
// failed initial load is reported as a notice; the session keeps running
// and catches up on the next refresh.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		_ = s.engine.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.refreshLoop(runCtx)
	}()

	if s.pipeline != nil {
		s.pipeline.Start()
	}

	if err := s.Resync(ctx); err != nil {
		s.logger.WarnContext(ctx, "initial board load failed", "error", err)
	}

	if err := s.channel.Open(runCtx); err != nil {
		return fmt.Errorf("failed to open push channel: %w", err)
	}
	s.logger.InfoContext(ctx, "session started")
	return nil
}

// Resync re-reads the project's tasks and merges them with the normal
// version rule. Tasks missing from the listing are left alone; deletions
// arrive through the push channel.
func (s *Session) Resync(ctx context.Context) error {
	if !s.isStarted() {
		return ErrNotStarted
	}

	tasks, err := s.api.ListTasks(ctx, s.cfg.WorkspaceID, s.cfg.ProjectID)
	if err != nil {
		err = fmt.Errorf("resync failed: %w", err)
		s.report(err)
		return err
	}

	changed := 0
	for _, t := range tasks {
		res, err := s.engine.Apply(ctx, events.NewUpsertEvent(events.TypeTaskUpdated, t, events.SourceResync))
		if err != nil {
			if errors.Is(err, reconcile.ErrInvalidEvent) {
				s.logger.WarnContext(ctx, "skipping invalid task from listing", "task_id", t.ID, "error", err)
				continue
			}
			return err
		}
		if res.Outcome.Changed() {
			changed++
		}
	}
	s.logger.InfoContext(ctx, "board resynced", "task_count", len(tasks), "changed", changed)
	return nil
}

// CreateTask creates a task optimistically. See gateway.Gateway.CreateTask.
func (s *Session) CreateTask(ctx context.Context, in domain.CreateTaskInput) (*domain.Task, error) {
	if !s.isStarted() {
		return nil, ErrNotStarted
	}
	if in.ProjectID == "" {
		in.ProjectID = s.cfg.ProjectID
	}
	if in.WorkspaceID == "" {
		in.WorkspaceID = s.cfg.WorkspaceID
	}
	return s.gateway.CreateTask(ctx, in)
}

// UpdateTask patches a task optimistically.
func (s *Session) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	if !s.isStarted() {
		return nil, ErrNotStarted
	}
	return s.gateway.UpdateTask(ctx, id, patch)
}

// ChangeStatus moves a task to another column.
func (s *Session) ChangeStatus(ctx context.Context, id string, status domain.TaskStatus) (*domain.Task, error) {
	if !s.isStarted() {
		return nil, ErrNotStarted
	}
	return s.gateway.ChangeStatus(ctx, id, status)
}

// DeleteTask removes a task optimistically.
func (s *Session) DeleteTask(ctx context.Context, id string) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	return s.gateway.DeleteTask(ctx, id)
}

// EnrichTask requests AI subtasks for an existing, confirmed task.
func (s *Session) EnrichTask(ctx context.Context, id string, count int) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	if s.pipeline == nil {
		return ErrAIDisabled
	}
	task, err := s.engine.Store().Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if task.Tentative {
		return domain.NewValidationError("task", "is not confirmed yet")
	}
	return s.pipeline.Enrich(task, count, nil)
}

// Board returns the project's tasks grouped by status.
func (s *Session) Board() store.Board {
	return s.engine.Store().Board(store.Filter{ProjectID: s.cfg.ProjectID, IncludeTentative: true})
}

// Tasks returns the project's tasks matching filter. The project is always
// this session's.
func (s *Session) Tasks(filter store.Filter) []*domain.Task {
	filter.ProjectID = s.cfg.ProjectID
	return s.engine.Store().List(filter)
}

// Task returns one task by id.
func (s *Session) Task(id string) (*domain.Task, error) {
	return s.engine.Store().Get(id)
}

// Notices delivers background failures. The channel is closed by Close.
func (s *Session) Notices() <-chan events.Notice {
	return s.notifier.C()
}

// Subscribe registers a handler for applied events, optionally limited to
// the given outcomes. Handlers run on the engine goroutine and must not
// call mutating session methods.
func (s *Session) Subscribe(h events.EventHandler, outcomes ...events.Outcome) {
	s.emitter.RegisterHandler(h, outcomes...)
}

// PushState returns the push channel's connection state.
func (s *Session) PushState() push.State {
	return s.channel.State()
}

// OnPushStateChange registers a push state observer.
func (s *Session) OnPushStateChange(fn push.StateObserver) {
	s.channel.OnStateChange(fn)
}

// Stats summarizes the session for health checks.
type Stats struct {
	Tasks          int
	InFlight       int
	PushState      string
	PushMessages   int64
	PushDropped    int64
	NoticesDropped int64
	Enrichment     enrich.Stats
}

// Stats returns current counters.
func (s *Session) Stats() Stats {
	st := Stats{
		Tasks:          s.engine.Store().Len(),
		InFlight:       s.gateway.InFlight(),
		PushState:      s.channel.State().String(),
		PushMessages:   s.channel.Delivered(),
		PushDropped:    s.channel.Dropped(),
		NoticesDropped: s.notifier.Dropped(),
	}
	if s.pipeline != nil {
		st.Enrichment = s.pipeline.Stats()
	}
	return st
}

// Close shuts the session down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	err := s.channel.Close()
	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.notifier.Close()
	s.logger.Info("session closed")
	return err
}

func (s *Session) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// handlePush runs on the push channel goroutine.
func (s *Session) handlePush(ctx context.Context, msg *events.Message) {
	if msg.IsRefreshHint() {
		s.logger.DebugContext(ctx, "refresh hint received", "type", msg.Type, "task_id", msg.TaskID)
		select {
		case s.refresh <- struct{}{}:
		default:
		}
		return
	}

	res, err := s.engine.Apply(ctx, msg.Event())
	if err != nil {
		s.logger.WarnContext(ctx, "failed to apply push event",
			"type", msg.Type,
			"task_id", msg.TaskID,
			"error", err)
		return
	}
	s.logger.DebugContext(ctx, "push event applied",
		"type", msg.Type,
		"task_id", msg.TaskID,
		"outcome", res.Outcome)
}

// refreshLoop coalesces refresh hints into resyncs.
func (s *Session) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.refresh:
			if err := s.Resync(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "refresh failed", "error", err)
			}
		}
	}
}

func (s *Session) report(err error) {
	s.notifier.Publish(err)
}
