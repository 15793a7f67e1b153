package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/events"
	"github.com/phrazzld/boardsync/internal/gateway"
	"github.com/phrazzld/boardsync/internal/generation"
	"github.com/phrazzld/boardsync/internal/reconcile"
	"github.com/phrazzld/boardsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryServer is a minimal task server for gateway-backed tests.
type memoryServer struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	next  int
}

func newMemoryServer() *memoryServer {
	return &memoryServer{tasks: make(map[string]*domain.Task)}
}

func (s *memoryServer) CreateTask(_ context.Context, in domain.CreateTaskInput) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	task := domain.NewTentativeTask(in)
	task.ID = fmt.Sprintf("task-%d", s.next)
	task.Tentative = false
	task.Version = 1
	s.tasks[task.ID] = task
	return task.Clone(), nil
}

func (s *memoryServer) UpdateTask(_ context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, errors.New("404")
	}
	next := patch.Apply(cur)
	next.Version = cur.Version + 1
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *memoryServer) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

type persisterFunc func(ctx context.Context, id string, subtasks []domain.Subtask) (*domain.Task, error)

func (f persisterFunc) PersistEnrichment(ctx context.Context, id string, subtasks []domain.Subtask) (*domain.Task, error) {
	return f(ctx, id, subtasks)
}

func startEngine(t *testing.T) *reconcile.Engine {
	t.Helper()
	engine := reconcile.NewEngine(store.NewTaskStore(), nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-engine.Done()
	})
	return engine
}

func writeSpecSubtasks() []domain.Subtask {
	return []domain.Subtask{
		{Title: "Gather requirements"},
		{Title: "Draft outline"},
		{Title: "Write sections"},
		{Title: "Review with team"},
	}
}

func seedTask(t *testing.T, engine *reconcile.Engine, version int64) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:          "t1",
		ProjectID:   "p1",
		WorkspaceID: "w1",
		Title:       "Write spec",
		Status:      domain.TaskStatusTodo,
		Priority:    domain.TaskPriorityMedium,
		Subtasks:    []domain.Subtask{},
		Version:     version,
	}
	_, err := engine.Apply(context.Background(), events.NewUpsertEvent(events.TypeTaskCreated, task, events.SourcePush))
	require.NoError(t, err)
	return task
}

func nextNotice(t *testing.T, n *events.Notifier) events.Notice {
	t.Helper()
	select {
	case notice := <-n.C():
		return notice
	case <-time.After(time.Second):
		t.Fatal("no notice published")
		return events.Notice{}
	}
}

func TestPipeline_CreateWithAIMergesSubtasks(t *testing.T) {
	engine := startEngine(t)
	gw := gateway.New(newMemoryServer(), engine, testLogger())
	notifier := events.NewNotifier(4, testLogger())

	release := make(chan struct{})
	var got generation.Request
	gen := generation.GeneratorFunc(func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
		got = req
		<-release
		return writeSpecSubtasks(), nil
	})

	p := New(Config{Timeout: time.Second, Workers: 1, QueueSize: 4, SubtaskCount: 4}, gen, gw, engine, notifier, testLogger())
	p.Start()
	t.Cleanup(p.Stop)
	gw.SetEnricher(p)

	created, err := gw.CreateTask(context.Background(), domain.CreateTaskInput{
		ProjectID:   "p1",
		WorkspaceID: "w1",
		Title:       "Write spec",
		GenerateAI:  true,
	})
	require.NoError(t, err)

	visible, err := engine.Store().Get(created.ID)
	require.NoError(t, err)
	assert.Empty(t, visible.Subtasks, "task is visible before generation finishes")
	assert.False(t, visible.AIGenerated)

	close(release)
	p.Wait()

	final, err := engine.Store().Get(created.ID)
	require.NoError(t, err)
	assert.True(t, final.AIGenerated)
	assert.Equal(t, writeSpecSubtasks(), final.Subtasks)
	assert.Equal(t, int64(2), final.Version)
	assert.Equal(t, 1, engine.Store().Len())

	assert.Equal(t, "Write spec", got.Title)
	assert.Equal(t, 4, got.Count)
	assert.Equal(t, Stats{Merged: 1}, p.Stats())
}

func TestPipeline_StaleCompletionDiscarded(t *testing.T) {
	engine := startEngine(t)
	task := seedTask(t, engine, 1)
	notifier := events.NewNotifier(4, testLogger())

	release := make(chan struct{})
	gen := generation.GeneratorFunc(func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
		<-release
		return writeSpecSubtasks(), nil
	})
	persist := persisterFunc(func(_ context.Context, id string, subtasks []domain.Subtask) (*domain.Task, error) {
		return &domain.Task{
			ID: id, ProjectID: "p1", WorkspaceID: "w1", Title: "Write spec",
			Status: domain.TaskStatusTodo, Priority: domain.TaskPriorityMedium,
			Subtasks: subtasks, AIGenerated: true, Version: 2,
		}, nil
	})

	p := New(Config{Timeout: time.Second, Workers: 1}, gen, persist, engine, notifier, testLogger())
	p.Start()
	t.Cleanup(p.Stop)

	require.NoError(t, p.Enrich(task, 0, nil))

	// Another client moves the task while generation runs.
	newer := &domain.Task{
		ID: "t1", ProjectID: "p1", WorkspaceID: "w1", Title: "Write spec",
		Status: domain.TaskStatusDone, Priority: domain.TaskPriorityHigh,
		Subtasks: []domain.Subtask{}, Version: 5,
	}
	_, err := engine.Apply(context.Background(), events.NewUpsertEvent(events.TypeTaskUpdated, newer, events.SourcePush))
	require.NoError(t, err)

	close(release)
	p.Wait()

	final, err := engine.Store().Get("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), final.Version)
	assert.Equal(t, domain.TaskStatusDone, final.Status)
	assert.Equal(t, domain.TaskPriorityHigh, final.Priority)
	assert.False(t, final.AIGenerated)
	assert.Equal(t, Stats{Discarded: 1}, p.Stats())
	assert.Empty(t, notifier.C(), "a superseded completion is not a failure")
}

func TestPipeline_GeneratorFailure(t *testing.T) {
	engine := startEngine(t)
	before := seedTask(t, engine, 1)
	notifier := events.NewNotifier(4, testLogger())

	gen := generation.GeneratorFunc(func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
		return nil, fmt.Errorf("%w: no JSON array", generation.ErrInvalidResponse)
	})
	var persisted atomic.Bool
	persist := persisterFunc(func(context.Context, string, []domain.Subtask) (*domain.Task, error) {
		persisted.Store(true)
		return nil, errors.New("unexpected")
	})

	p := New(Config{Timeout: time.Second, Workers: 1}, gen, persist, engine, notifier, testLogger())
	p.Start()
	t.Cleanup(p.Stop)

	require.NoError(t, p.Enrich(before, 3, nil))
	p.Wait()

	notice := nextNotice(t, notifier)
	assert.Equal(t, events.NoticeEnrichment, notice.Kind)
	assert.Equal(t, "t1", notice.TaskID)
	assert.ErrorIs(t, notice.Err, domain.ErrEnrichmentFailed)
	assert.ErrorIs(t, notice.Err, generation.ErrInvalidResponse)

	assert.False(t, persisted.Load())
	after, err := engine.Store().Get("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Version)
	assert.Empty(t, after.Subtasks)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPipeline_Timeout(t *testing.T) {
	engine := startEngine(t)
	task := seedTask(t, engine, 1)
	notifier := events.NewNotifier(4, testLogger())

	gen := generation.GeneratorFunc(func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", generation.ErrTransientFailure, ctx.Err())
	})
	persist := persisterFunc(func(context.Context, string, []domain.Subtask) (*domain.Task, error) {
		t.Error("nothing may be persisted after a timeout")
		return nil, errors.New("unexpected")
	})

	p := New(Config{Timeout: 20 * time.Millisecond, Workers: 1}, gen, persist, engine, notifier, testLogger())
	p.Start()
	t.Cleanup(p.Stop)

	start := time.Now()
	require.NoError(t, p.Enrich(task, 0, nil))
	p.Wait()
	assert.Less(t, time.Since(start), time.Second)

	notice := nextNotice(t, notifier)
	assert.ErrorIs(t, notice.Err, context.DeadlineExceeded)
	assert.Contains(t, notice.Err.Error(), "timed out")
}

func TestPipeline_LateResultAfterTimeoutIsDropped(t *testing.T) {
	engine := startEngine(t)
	task := seedTask(t, engine, 1)
	notifier := events.NewNotifier(4, testLogger())

	// The generator ignores ctx and reports success after the deadline.
	gen := generation.GeneratorFunc(func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
		time.Sleep(100 * time.Millisecond)
		return writeSpecSubtasks(), nil
	})
	var persisted atomic.Bool
	persist := persisterFunc(func(context.Context, string, []domain.Subtask) (*domain.Task, error) {
		persisted.Store(true)
		return nil, errors.New("unexpected")
	})

	p := New(Config{Timeout: 20 * time.Millisecond, Workers: 1}, gen, persist, engine, notifier, testLogger())
	p.Start()
	t.Cleanup(p.Stop)

	require.NoError(t, p.Enrich(task, 0, nil))
	p.Wait()

	assert.False(t, persisted.Load(), "a late result is never persisted")
	got, err := engine.Store().Get(task.ID)
	require.NoError(t, err)
	assert.False(t, got.AIGenerated)
	assert.Empty(t, got.Subtasks)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, Stats{Failed: 1}, p.Stats())

	notice := nextNotice(t, notifier)
	assert.Equal(t, events.NoticeEnrichment, notice.Kind)
	assert.ErrorIs(t, notice.Err, context.DeadlineExceeded)
	assert.Contains(t, notice.Err.Error(), "timed out")
}

func TestPipeline_CreateFailed(t *testing.T) {
	engine := startEngine(t)
	notifier := events.NewNotifier(4, testLogger())

	gen := generation.GeneratorFunc(func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
		return writeSpecSubtasks(), nil
	})
	persist := persisterFunc(func(context.Context, string, []domain.Subtask) (*domain.Task, error) {
		t.Error("nothing may be persisted for a failed create")
		return nil, errors.New("unexpected")
	})

	p := New(Config{Timeout: time.Second, Workers: 1}, gen, persist, engine, notifier, testLogger())
	p.Start()
	t.Cleanup(p.Stop)

	tentative := domain.NewTentativeTask(domain.CreateTaskInput{ProjectID: "p1", WorkspaceID: "w1", Title: "Write spec"})
	confirm := gateway.NewConfirmation(tentative.ID)
	require.NoError(t, p.Enrich(tentative, 0, confirm))
	confirm.Resolve(nil, &domain.MutationError{Op: "create", TaskID: tentative.ID, Err: errors.New("500")})
	p.Wait()

	notice := nextNotice(t, notifier)
	assert.Equal(t, tentative.ID, notice.TaskID)
	assert.ErrorIs(t, notice.Err, domain.ErrMutationFailed)
}

func TestPipeline_QueueFullAndStop(t *testing.T) {
	engine := startEngine(t)
	task := seedTask(t, engine, 1)
	notifier := events.NewNotifier(4, testLogger())
	gen := generation.GeneratorFunc(func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
		return writeSpecSubtasks(), nil
	})

	// Not started, so the single slot stays occupied.
	p := New(Config{Timeout: time.Second, Workers: 1, QueueSize: 1}, gen, nil, engine, notifier, testLogger())

	require.NoError(t, p.Enrich(task, 0, nil))
	err := p.Enrich(task, 0, nil)
	assert.Error(t, err)

	notice := nextNotice(t, notifier)
	assert.Equal(t, events.NoticeEnrichment, notice.Kind)

	p.Stop()
	p.Wait()

	notice = nextNotice(t, notifier)
	assert.ErrorIs(t, notice.Err, ErrStopped)

	assert.ErrorIs(t, p.Enrich(task, 0, nil), ErrStopped)
	assert.Equal(t, int64(3), p.Stats().Failed)
}
