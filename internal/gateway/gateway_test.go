package gateway

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
	"github.com/phrazzld/boardsync/internal/reconcile"
	"github.com/phrazzld/boardsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errServer = errors.New("server unavailable")

// fakeAPI is an in-memory task server. Setting a gate makes the matching
// operation block until the gate is closed.
type fakeAPI struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	nextID int
	fail   map[string]error
	gates  map[string]chan struct{}
	calls  []string

	running    atomic.Int32
	maxRunning atomic.Int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		tasks: make(map[string]*domain.Task),
		fail:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeAPI) enter(ctx context.Context, op, id string) error {
	n := f.running.Add(1)
	for {
		m := f.maxRunning.Load()
		if n <= m || f.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, op+":"+id)
	gate := f.gates[op]
	err := f.fail[op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeAPI) leave() { f.running.Add(-1) }

func (f *fakeAPI) setGate(op string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[op] = ch
	return ch
}

func (f *fakeAPI) setFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) put(task *domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task.Clone()
}

func (f *fakeAPI) CreateTask(ctx context.Context, in domain.CreateTaskInput) (*domain.Task, error) {
	defer f.leave()
	if err := f.enter(ctx, "create", ""); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	task := domain.NewTentativeTask(in)
	task.ID = fmt.Sprintf("task-%d", f.nextID)
	task.Tentative = false
	task.Version = 1
	f.tasks[task.ID] = task
	return task.Clone(), nil
}

func (f *fakeAPI) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	defer f.leave()
	if err := f.enter(ctx, "update", id); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("404: %s", id)
	}
	next := patch.Apply(cur)
	next.Version = cur.Version + 1
	f.tasks[id] = next
	return next.Clone(), nil
}

func (f *fakeAPI) DeleteTask(ctx context.Context, id string) error {
	defer f.leave()
	if err := f.enter(ctx, "delete", id); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

type fakeEnricher struct {
	mu       sync.Mutex
	tasks    []*domain.Task
	counts   []int
	confirms []*Confirmation
}

func (e *fakeEnricher) Enrich(task *domain.Task, count int, confirm *Confirmation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	e.counts = append(e.counts, count)
	e.confirms = append(e.confirms, confirm)
	return nil
}

type testEnv struct {
	api    *fakeAPI
	engine *reconcile.Engine
	gw     *Gateway
	reader store.Reader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := reconcile.NewEngine(store.NewTaskStore(), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-engine.Done()
	})

	api := newFakeAPI()
	return &testEnv{
		api:    api,
		engine: engine,
		gw:     New(api, engine, logger),
		reader: engine.Store(),
	}
}

func (e *testEnv) seed(t *testing.T, id string, version int64) *domain.Task {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	task := &domain.Task{
		ID:          id,
		ProjectID:   "p1",
		WorkspaceID: "w1",
		Title:       "Write spec",
		Status:      domain.TaskStatusTodo,
		Priority:    domain.TaskPriorityMedium,
		Subtasks:    []domain.Subtask{{Title: "Outline"}},
		Version:     version,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.api.put(task)
	_, err := e.engine.Apply(context.Background(), events.NewUpsertEvent(events.TypeTaskCreated, task, events.SourcePush))
	require.NoError(t, err)
	stored, err := e.reader.Get(id)
	require.NoError(t, err)
	return stored
}

func (e *testEnv) tentativeID(t *testing.T) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		for _, task := range e.reader.List(store.Filter{IncludeTentative: true}) {
			if task.Tentative {
				id = task.ID
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return id
}

// waitQueued waits until key's lane holds n tickets.
func (e *testEnv) waitQueued(t *testing.T, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.gw.lanes.mu.Lock()
		defer e.gw.lanes.mu.Unlock()
		return e.gw.lanes.queued[key] == n
	}, time.Second, 2*time.Millisecond)
}

func (e *testEnv) aliasCount() int {
	e.gw.mu.RLock()
	defer e.gw.mu.RUnlock()
	return len(e.gw.aliases)
}

func createInput() domain.CreateTaskInput {
	return domain.CreateTaskInput{ProjectID: "p1", WorkspaceID: "w1", Title: "Write spec"}
}

func TestCreateTask_OptimisticThenConfirmed(t *testing.T) {
	env := newTestEnv(t)
	gate := env.api.setGate("create")

	type result struct {
		task *domain.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := env.gw.CreateTask(context.Background(), createInput())
		done <- result{task, err}
	}()

	tid := env.tentativeID(t)
	tentative, err := env.reader.Get(tid)
	require.NoError(t, err)
	assert.True(t, domain.IsTentativeID(tid))
	assert.Equal(t, int64(0), tentative.Version)
	assert.Equal(t, domain.TaskStatusTodo, tentative.Status)
	assert.Equal(t, domain.TaskPriorityMedium, tentative.Priority)

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "task-1", res.task.ID)
	assert.Equal(t, int64(1), res.task.Version)
	assert.False(t, res.task.Tentative)

	assert.Equal(t, 1, env.reader.Len(), "exactly one record after confirmation")
	_, err = env.reader.Get(tid)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestCreateTask_FailureRemovesTentative(t *testing.T) {
	env := newTestEnv(t)
	env.api.setFail("create", errServer)

	_, err := env.gw.CreateTask(context.Background(), createInput())

	var mutErr *domain.MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.ErrorIs(t, err, domain.ErrMutationFailed)
	assert.ErrorIs(t, err, errServer)
	assert.Equal(t, "create", mutErr.Op)
	assert.Equal(t, 0, env.reader.Len())
}

func TestCreateTask_ValidationBeforeNetwork(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.gw.CreateTask(context.Background(), domain.CreateTaskInput{ProjectID: "p1", WorkspaceID: "w1", Title: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	in := createInput()
	in.Status = "archived"
	_, err = env.gw.CreateTask(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, env.api.callLog())
	assert.Equal(t, 0, env.reader.Len())
}

func TestUpdateTask_Success(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "t1", 3)

	title := "Write the spec"
	got, err := env.gw.UpdateTask(context.Background(), "t1", domain.TaskPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)
	assert.Equal(t, int64(4), got.Version)
	assert.Zero(t, got.Pending)

	stored, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestUpdateTask_SpeculativeWhileInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "t1", 3)
	gate := env.api.setGate("update")

	done := make(chan error, 1)
	go func() {
		_, err := env.gw.ChangeStatus(context.Background(), "t1", domain.TaskStatusInProgress)
		done <- err
	}()

	require.Eventually(t, func() bool {
		task, err := env.reader.Get("t1")
		return err == nil && task.Status == domain.TaskStatusInProgress
	}, time.Second, 5*time.Millisecond)

	pending, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending.Version, "optimistic apply does not bump the version")
	assert.Equal(t, 1, pending.Pending)

	close(gate)
	require.NoError(t, <-done)

	final, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), final.Version)
	assert.Zero(t, final.Pending)
}

func TestUpdateTask_FailureRestoresExactRecord(t *testing.T) {
	env := newTestEnv(t)
	before := env.seed(t, "t1", 3)
	env.api.setFail("update", errServer)

	_, err := env.gw.ChangeStatus(context.Background(), "t1", domain.TaskStatusDone)
	assert.ErrorIs(t, err, domain.ErrMutationFailed)

	after, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateTask_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "t1", 1)

	_, err := env.gw.UpdateTask(context.Background(), "t1", domain.TaskPatch{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.gw.ChangeStatus(context.Background(), "t1", "archived")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, env.api.callLog())
}

func TestUpdateTask_RejectsAIGeneratedFlag(t *testing.T) {
	env := newTestEnv(t)
	before := env.seed(t, "t1", 1)

	flag := true
	subtasks := []domain.Subtask{{Title: "Outline"}}
	_, err := env.gw.UpdateTask(context.Background(), "t1", domain.TaskPatch{Subtasks: &subtasks, AIGenerated: &flag})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ai_generated", verr.Field)
	assert.Empty(t, env.api.callLog())

	after, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, after.AIGenerated)

	// Hand-written subtasks are accepted without the flag.
	got, err := env.gw.UpdateTask(context.Background(), "t1", domain.TaskPatch{Subtasks: &subtasks})
	require.NoError(t, err)
	assert.False(t, got.AIGenerated)
	assert.Len(t, got.Subtasks, 1)
}

func TestUpdateTask_UnknownTask(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.gw.ChangeStatus(context.Background(), "missing", domain.TaskStatusDone)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Empty(t, env.api.callLog())
}

func TestDeleteTask_Success(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "t1", 2)

	require.NoError(t, env.gw.DeleteTask(context.Background(), "t1"))
	_, err := env.reader.Get("t1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	// A late push for the deleted task must not resurrect it.
	late := &domain.Task{ID: "t1", ProjectID: "p1", WorkspaceID: "w1", Title: "late",
		Status: domain.TaskStatusTodo, Priority: domain.TaskPriorityLow, Version: 9}
	res, err := env.engine.Apply(context.Background(), events.NewUpsertEvent(events.TypeTaskUpdated, late, events.SourcePush))
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeDiscarded, res.Outcome)
	assert.Equal(t, 0, env.reader.Len())
}

func TestDeleteTask_FailureRestores(t *testing.T) {
	env := newTestEnv(t)
	before := env.seed(t, "t1", 2)
	gate := env.api.setGate("delete")
	env.api.setFail("delete", errServer)

	done := make(chan error, 1)
	go func() { done <- env.gw.DeleteTask(context.Background(), "t1") }()

	require.Eventually(t, func() bool { return env.reader.Len() == 0 }, time.Second, 5*time.Millisecond)

	close(gate)
	err := <-done
	assert.ErrorIs(t, err, domain.ErrMutationFailed)

	after, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMutations_SerializedPerTask(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "t1", 1)
	gate := env.api.setGate("update")

	var wg sync.WaitGroup
	statuses := []domain.TaskStatus{domain.TaskStatusInProgress, domain.TaskStatusReview, domain.TaskStatusDone}
	for _, status := range statuses {
		wg.Add(1)
		go func(status domain.TaskStatus) {
			defer wg.Done()
			_, err := env.gw.ChangeStatus(context.Background(), "t1", status)
			assert.NoError(t, err)
		}(status)
	}

	require.Eventually(t, func() bool { return len(env.api.callLog()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, env.api.callLog(), 1, "later mutations wait for the first")

	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), env.api.maxRunning.Load(), "one request per task at a time")
	assert.Len(t, env.api.callLog(), 3)

	final, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Contains(t, statuses, final.Status)
	assert.Equal(t, int64(4), final.Version)
	assert.Zero(t, final.Pending)
	assert.Zero(t, env.gw.InFlight())
}

func TestMutations_DifferentTasksRunConcurrently(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "a", 1)
	env.seed(t, "b", 1)
	gate := env.api.setGate("update")

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.gw.ChangeStatus(context.Background(), id, domain.TaskStatusDone)
			assert.NoError(t, err)
		}(id)
	}

	require.Eventually(t, func() bool { return env.api.running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()
}

func TestMutation_TentativeIDFollowsCreate(t *testing.T) {
	env := newTestEnv(t)
	gate := env.api.setGate("create")

	created := make(chan *domain.Task, 1)
	go func() {
		task, err := env.gw.CreateTask(context.Background(), createInput())
		assert.NoError(t, err)
		created <- task
	}()
	tid := env.tentativeID(t)

	moved := make(chan error, 1)
	go func() {
		_, err := env.gw.ChangeStatus(context.Background(), tid, domain.TaskStatusInProgress)
		moved <- err
	}()
	env.waitQueued(t, tid, 2)

	close(gate)
	task := <-created
	require.NoError(t, <-moved)

	assert.Equal(t, []string{"create:", "update:" + task.ID}, env.api.callLog())
	final, err := env.reader.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, final.Status)
	assert.Equal(t, 1, env.reader.Len())

	// Once nothing waits on the tentative id its alias is dropped.
	assert.Zero(t, env.aliasCount())
	assert.ErrorIs(t, env.gw.DeleteTask(context.Background(), tid), domain.ErrTaskNotFound)
	assert.Equal(t, 1, env.reader.Len())
}

func TestCreateTask_AliasDroppedWithoutWaiters(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.gw.CreateTask(context.Background(), createInput())
	require.NoError(t, err)
	assert.Zero(t, env.aliasCount())

	env.api.setFail("create", errServer)
	_, err = env.gw.CreateTask(context.Background(), createInput())
	assert.ErrorIs(t, err, domain.ErrMutationFailed)
	assert.Zero(t, env.aliasCount())
	assert.Zero(t, env.gw.InFlight())
}

func TestMutation_TentativeIDOfFailedCreate(t *testing.T) {
	env := newTestEnv(t)
	gate := env.api.setGate("create")
	env.api.setFail("create", errServer)

	failed := make(chan error, 1)
	go func() {
		_, err := env.gw.CreateTask(context.Background(), createInput())
		failed <- err
	}()
	tid := env.tentativeID(t)

	moved := make(chan error, 1)
	go func() {
		_, err := env.gw.ChangeStatus(context.Background(), tid, domain.TaskStatusDone)
		moved <- err
	}()
	env.waitQueued(t, tid, 2)

	close(gate)
	assert.ErrorIs(t, <-failed, domain.ErrMutationFailed)
	assert.ErrorIs(t, <-moved, domain.ErrTaskNotFound)
	assert.Equal(t, []string{"create:"}, env.api.callLog())
}

func TestCreateTask_StartsEnrichment(t *testing.T) {
	env := newTestEnv(t)
	enricher := &fakeEnricher{}
	env.gw.SetEnricher(enricher)

	in := createInput()
	in.GenerateAI = true
	in.SubtaskHint = 5
	task, err := env.gw.CreateTask(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, enricher.tasks, 1)
	assert.True(t, enricher.tasks[0].Tentative)
	assert.Equal(t, "Write spec", enricher.tasks[0].Title)
	assert.Equal(t, 5, enricher.counts[0])

	confirm := enricher.confirms[0]
	assert.Equal(t, enricher.tasks[0].ID, confirm.TentativeID)
	got, err := confirm.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestCreateTask_EnrichmentSeesFailedCreate(t *testing.T) {
	env := newTestEnv(t)
	enricher := &fakeEnricher{}
	env.gw.SetEnricher(enricher)
	env.api.setFail("create", errServer)

	in := createInput()
	in.GenerateAI = true
	_, err := env.gw.CreateTask(context.Background(), in)
	require.Error(t, err)

	require.Len(t, enricher.confirms, 1)
	_, err = enricher.confirms[0].Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrMutationFailed)
}

func TestCreateTask_NoEnrichmentUnlessRequested(t *testing.T) {
	env := newTestEnv(t)
	enricher := &fakeEnricher{}
	env.gw.SetEnricher(enricher)

	_, err := env.gw.CreateTask(context.Background(), createInput())
	require.NoError(t, err)
	assert.Empty(t, enricher.tasks)
}

func TestPersistEnrichment(t *testing.T) {
	env := newTestEnv(t)
	before := env.seed(t, "t1", 1)

	subtasks := []domain.Subtask{{Title: "Draft"}, {Title: "Review"}}
	got, err := env.gw.PersistEnrichment(context.Background(), "t1", subtasks)
	require.NoError(t, err)
	assert.True(t, got.AIGenerated)
	assert.Equal(t, subtasks, got.Subtasks)
	assert.Equal(t, int64(2), got.Version)

	stored, err := env.reader.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, before, stored, "the gateway does not apply enrichment itself")

	env.api.setFail("update", errServer)
	_, err = env.gw.PersistEnrichment(context.Background(), "t1", subtasks)
	assert.ErrorIs(t, err, domain.ErrMutationFailed)
}

func TestConfirmation(t *testing.T) {
	c := NewConfirmation("tmp-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	task := &domain.Task{ID: "t1", Version: 1}
	c.Resolve(task, nil)
	c.Resolve(nil, errServer)

	select {
	case <-c.Done():
	default:
		t.Fatal("confirmation not resolved")
	}
	got, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	got.ID = "changed"
	again, _ := c.Wait(context.Background())
	assert.Equal(t, "t1", again.ID)
}

func TestLanes_ReleaseOnCancelledWait(t *testing.T) {
	l := newLanes(nil)
	first := l.take("k")
	require.NoError(t, first.wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	second := l.take("k")
	third := l.take("k")
	cancel()
	assert.ErrorIs(t, second.wait(ctx), context.Canceled)

	first.release()
	require.NoError(t, third.wait(context.Background()))
	third.release()

	require.Eventually(t, func() bool { return l.pending() == 0 }, time.Second, time.Millisecond)
}

func TestLanes_IdleAfterLastRelease(t *testing.T) {
	var idle []string
	l := newLanes(func(key string) { idle = append(idle, key) })

	first := l.take("k")
	second := l.take("k")
	assert.True(t, l.busy("k"))

	first.release()
	assert.Empty(t, idle, "lane still has a queued ticket")
	require.NoError(t, second.wait(context.Background()))
	second.release()
	second.release()

	assert.Equal(t, []string{"k"}, idle)
	assert.False(t, l.busy("k"))
}
