package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/events"
	"github.com/phrazzld/boardsync/internal/reconcile"
	"github.com/phrazzld/boardsync/internal/store"
)

// API is the REST surface the gateway sends mutations to.
// *taskapi.Client satisfies it.
type API interface {
	CreateTask(ctx context.Context, in domain.CreateTaskInput) (*domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Reconciler applies events to the task store. *reconcile.Engine satisfies it.
type Reconciler interface {
	Apply(ctx context.Context, event *events.TaskEvent) (reconcile.Result, error)
	Store() store.Reader
}

// Enricher starts AI subtask generation for a freshly created task.
type Enricher interface {
	// Enrich schedules generation for task, which is still tentative.
	// confirm resolves when the create request completes.
	Enrich(task *domain.Task, count int, confirm *Confirmation) error
}

// aliasState records how a create addressed by a tentative id ended.
type aliasState struct {
	id  string
	err error
}

// Gateway applies local mutations optimistically and then confirms or
// rolls them back with the server's answer. Mutations for the same task
// run one at a time, in call order.
type Gateway struct {
	api    API
	engine Reconciler
	logger *slog.Logger

	lanes *lanes

	mu       sync.RWMutex
	aliases  map[string]aliasState
	enricher Enricher
}

// New creates a gateway.
func New(api API, engine Reconciler, logger *slog.Logger) *Gateway {
	g := &Gateway{
		api:     api,
		engine:  engine,
		logger:  logger.With("component", "mutation_gateway"),
		aliases: make(map[string]aliasState),
	}
	g.lanes = newLanes(g.forgetAlias)
	return g
}

// SetEnricher installs the pipeline that handles creates with GenerateAI set.
// Without one those creates proceed without subtask generation.
func (g *Gateway) SetEnricher(e Enricher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enricher = e
}

// InFlight returns the number of tasks with queued or running mutations.
func (g *Gateway) InFlight() int {
	return g.lanes.pending()
}

// CreateTask shows a tentative record immediately, then posts the task.
// On success the tentative record is replaced by the server's; on failure it
// is removed and a *domain.MutationError is returned.
func (g *Gateway) CreateTask(ctx context.Context, in domain.CreateTaskInput) (*domain.Task, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	tentative := domain.NewTentativeTask(in)
	tid := tentative.ID
	t := g.lanes.take(tid)
	defer t.release()

	if _, err := g.engine.Apply(ctx, events.NewSpeculateEvent(tentative)); err != nil {
		g.rollback(ctx, events.NewRestoreEvent(tid, nil))
		return nil, err
	}

	var confirm *Confirmation
	if in.GenerateAI {
		confirm = g.startEnrichment(tentative, in.SubtaskHint)
	}

	log := g.logger.With("tentative_id", tid, "project_id", in.ProjectID)
	created, err := g.api.CreateTask(ctx, in)
	if err != nil {
		mutErr := &domain.MutationError{Op: "create", TaskID: tid, Err: err}
		g.rollback(ctx, events.NewRestoreEvent(tid, nil))
		g.setAlias(tid, aliasState{err: mutErr})
		if confirm != nil {
			confirm.Resolve(nil, mutErr)
		}
		log.WarnContext(ctx, "create failed, tentative task removed", "error", err)
		return nil, mutErr
	}

	res, applyErr := g.engine.Apply(context.WithoutCancel(ctx), events.NewConfirmEvent(tid, created))
	g.setAlias(tid, aliasState{id: created.ID})
	if confirm != nil {
		confirm.Resolve(created, nil)
	}
	if applyErr != nil {
		log.ErrorContext(ctx, "failed to apply confirmed task", "task_id", created.ID, "error", applyErr)
		return created, nil
	}

	log.InfoContext(ctx, "task created",
		"task_id", created.ID,
		"version", created.Version,
		"outcome", res.Outcome)
	return confirmed(res, created), nil
}

// UpdateTask applies patch optimistically and sends it. A failed request
// restores the exact record the patch was applied to. Patches that set
// AIGenerated are rejected; only PersistEnrichment sets that flag.
func (g *Gateway) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	if err := patch.ValidateEdit(); err != nil {
		return nil, err
	}
	return g.update(ctx, "update", id, patch)
}

// ChangeStatus moves a task to another column.
func (g *Gateway) ChangeStatus(ctx context.Context, id string, status domain.TaskStatus) (*domain.Task, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("status", "unknown value "+string(status))
	}
	return g.update(ctx, "change_status", id, domain.StatusPatch(status))
}

func (g *Gateway) update(ctx context.Context, op, id string, patch domain.TaskPatch) (*domain.Task, error) {
	realID, t, err := g.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer t.release()

	snapshot, err := g.engine.Store().Get(realID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}

	if _, err := g.engine.Apply(ctx, events.NewSpeculateEvent(patch.Apply(snapshot))); err != nil {
		g.rollback(ctx, events.NewRestoreEvent(realID, snapshot))
		return nil, err
	}

	log := g.logger.With("op", op, "task_id", realID, "base_version", snapshot.Version)
	updated, err := g.api.UpdateTask(ctx, realID, patch)
	if err != nil {
		g.rollback(ctx, events.NewRestoreEvent(realID, snapshot))
		log.WarnContext(ctx, "update failed, task restored", "error", err)
		return nil, &domain.MutationError{Op: op, TaskID: realID, Err: err}
	}

	res, err := g.engine.Apply(context.WithoutCancel(ctx), events.NewUpsertEvent(events.TypeTaskUpdated, updated, events.SourceREST))
	if err != nil {
		log.ErrorContext(ctx, "failed to apply updated task", "error", err)
		return updated, nil
	}
	log.DebugContext(ctx, "task updated", "version", updated.Version, "outcome", res.Outcome)
	return confirmed(res, updated), nil
}

// DeleteTask hides the task immediately and deletes it on the server. A
// failed request puts the task back.
func (g *Gateway) DeleteTask(ctx context.Context, id string) error {
	realID, t, err := g.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer t.release()

	snapshot, err := g.engine.Store().Get(realID)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}

	if _, err := g.engine.Apply(ctx, events.NewSpeculativeDeleteEvent(realID)); err != nil {
		g.rollback(ctx, events.NewRestoreEvent(realID, snapshot))
		return err
	}

	if err := g.api.DeleteTask(ctx, realID); err != nil {
		g.rollback(ctx, events.NewRestoreEvent(realID, snapshot))
		g.logger.WarnContext(ctx, "delete failed, task restored", "task_id", realID, "error", err)
		return &domain.MutationError{Op: "delete", TaskID: realID, Err: err}
	}

	if _, err := g.engine.Apply(context.WithoutCancel(ctx), events.NewDeleteEvent(realID, events.SourceREST)); err != nil {
		g.logger.ErrorContext(ctx, "failed to apply delete", "task_id", realID, "error", err)
	}
	g.logger.InfoContext(ctx, "task deleted", "task_id", realID)
	return nil
}

// PersistEnrichment writes generated subtasks to the server and returns its
// record. Nothing is applied locally; the caller feeds the result to the
// engine. It queues behind other mutations of the same task.
func (g *Gateway) PersistEnrichment(ctx context.Context, id string, subtasks []domain.Subtask) (*domain.Task, error) {
	realID, t, err := g.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer t.release()

	patch := domain.EnrichmentPatch(subtasks)
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	updated, err := g.api.UpdateTask(ctx, realID, patch)
	if err != nil {
		return nil, &domain.MutationError{Op: "enrich", TaskID: realID, Err: err}
	}
	return updated, nil
}

// acquire waits for the task's turn and returns the id to use on the wire.
// Ids of tentative tasks are redirected to the confirmed id once the create
// has finished.
func (g *Gateway) acquire(ctx context.Context, id string) (string, *ticket, error) {
	if id == "" {
		return "", nil, domain.ErrEmptyTaskID
	}

	key, err := g.resolve(id)
	if err != nil {
		return "", nil, err
	}

	t := g.lanes.take(key)
	if err := t.wait(ctx); err != nil {
		return "", nil, err
	}
	if key != id || !domain.IsTentativeID(id) {
		return key, t, nil
	}

	// Queued behind the create; it has finished now.
	realID, err := g.resolve(id)
	if err != nil {
		t.release()
		return "", nil, err
	}
	if realID == id {
		return id, t, nil
	}
	next := g.lanes.take(realID)
	t.release()
	if err := next.wait(ctx); err != nil {
		return "", nil, err
	}
	return realID, next, nil
}

func (g *Gateway) resolve(id string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	a, ok := g.aliases[id]
	switch {
	case !ok:
		return id, nil
	case a.err != nil:
		return "", fmt.Errorf("%w: create of %s failed: %w", domain.ErrTaskNotFound, id, a.err)
	default:
		return a.id, nil
	}
}

func (g *Gateway) setAlias(tentativeID string, a aliasState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aliases[tentativeID] = a
}

// forgetAlias drops a finished create's alias once nothing is queued on
// its tentative lane. Later calls with the tentative id get ErrTaskNotFound;
// the board already shows the confirmed id.
func (g *Gateway) forgetAlias(key string) {
	if !domain.IsTentativeID(key) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.aliases[key]; ok && !g.lanes.busy(key) {
		delete(g.aliases, key)
	}
}

func (g *Gateway) startEnrichment(tentative *domain.Task, count int) *Confirmation {
	g.mu.RLock()
	e := g.enricher
	g.mu.RUnlock()
	if e == nil {
		g.logger.Warn("AI generation requested but no enricher is configured", "tentative_id", tentative.ID)
		return nil
	}

	confirm := NewConfirmation(tentative.ID)
	if err := e.Enrich(tentative.Clone(), count, confirm); err != nil {
		g.logger.Warn("failed to schedule AI generation", "tentative_id", tentative.ID, "error", err)
		return nil
	}
	return confirm
}

// rollback applies a restore even if the caller's context has ended.
func (g *Gateway) rollback(ctx context.Context, ev *events.TaskEvent) {
	res, err := g.engine.Apply(context.WithoutCancel(ctx), ev)
	if err != nil {
		g.logger.ErrorContext(ctx, "rollback failed", "task_id", ev.TaskID, "error", err)
		return
	}
	g.logger.DebugContext(ctx, "rollback applied", "task_id", ev.TaskID, "outcome", res.Outcome)
}

func confirmed(res reconcile.Result, fallback *domain.Task) *domain.Task {
	if res.Task != nil {
		return res.Task
	}
	return fallback.Clone()
}
