package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/events"
	"github.com/phrazzld/boardsync/internal/store"
)

var (
	// ErrEngineStopped is returned by Apply once Run has exited.
	ErrEngineStopped = errors.New("reconciliation engine stopped")

	// ErrEngineRunning is returned when Run is called twice.
	ErrEngineRunning = errors.New("reconciliation engine already running")

	// ErrInvalidEvent is returned for events the engine cannot apply.
	ErrInvalidEvent = errors.New("invalid task event")
)

// Result describes what applying one event did.
type Result struct {
	Outcome events.Outcome

	// Task is the record stored for the event's id after the apply, if any.
	Task *domain.Task

	// Previous is the record the apply replaced or removed, if any.
	Previous *domain.Task
}

type request struct {
	ctx   context.Context
	event *events.TaskEvent
	reply chan response
}

type response struct {
	result Result
	err    error
}

// Engine is the single writer of a TaskStore. Every change, local or
// remote, goes through Apply and is processed in receipt order by the Run
// loop.
type Engine struct {
	store   *store.TaskStore
	emitter events.EventEmitter
	logger  *slog.Logger

	requests chan request
	done     chan struct{}
	running  atomic.Bool

	// tombstones holds ids removed by an authoritative delete. Only the Run
	// goroutine touches it.
	tombstones map[string]struct{}
}

// NewEngine creates an engine writing to st. The emitter may be nil.
func NewEngine(st *store.TaskStore, emitter events.EventEmitter, logger *slog.Logger) *Engine {
	return &Engine{
		store:      st,
		emitter:    emitter,
		logger:     logger.With("component", "reconciliation_engine"),
		requests:   make(chan request),
		done:       make(chan struct{}),
		tombstones: make(map[string]struct{}),
	}
}

// Store returns the read-only view of the engine's store.
func (e *Engine) Store() store.Reader {
	return e.store
}

// Run processes events until ctx is cancelled. It can only be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer close(e.done)

	e.logger.Info("reconciliation engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation engine stopped")
			return ctx.Err()
		case req := <-e.requests:
			res, err := e.apply(req.event)
			if err == nil {
				e.emit(req.ctx, req.event, res)
			}
			req.reply <- response{result: res, err: err}
		}
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Apply hands event to the Run loop and waits for the result. Handlers
// registered on the emitter run on the loop goroutine and must not call
// Apply themselves.
func (e *Engine) Apply(ctx context.Context, event *events.TaskEvent) (Result, error) {
	if err := checkEvent(event); err != nil {
		return Result{}, err
	}

	reply := make(chan response, 1)
	select {
	case e.requests <- request{ctx: ctx, event: event, reply: reply}:
	case <-e.done:
		return Result{}, ErrEngineStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func checkEvent(event *events.TaskEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if event.TaskID == "" {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, domain.ErrEmptyTaskID)
	}

	switch event.Kind {
	case events.KindUpsert, events.KindSpeculate:
		if event.Task == nil {
			return fmt.Errorf("%w: %s event without task", ErrInvalidEvent, event.Kind)
		}
		if event.Task.ID != event.TaskID {
			return fmt.Errorf("%w: task id %q does not match event id %q",
				ErrInvalidEvent, event.Task.ID, event.TaskID)
		}
	case events.KindDelete, events.KindSpeculativeDelete, events.KindRestore:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, event.Kind)
	}
	return nil
}

func (e *Engine) apply(ev *events.TaskEvent) (Result, error) {
	var (
		res Result
		err error
	)
	switch ev.Kind {
	case events.KindDelete:
		res = e.applyDelete(ev)
	case events.KindUpsert:
		if ev.TentativeID != "" {
			res, err = e.applyConfirm(ev)
		} else {
			res, err = e.applyUpsert(ev)
		}
	case events.KindSpeculate:
		res, err = e.applySpeculate(ev)
	case events.KindSpeculativeDelete:
		res = e.applySpeculativeDelete(ev)
	case events.KindRestore:
		res, err = e.applyRestore(ev)
	}
	if err != nil {
		e.logger.Error("failed to apply event",
			"error", err,
			"event_id", ev.ID,
			"event_kind", ev.Kind,
			"task_id", ev.TaskID)
		return Result{}, err
	}

	e.logger.Debug("event applied",
		"event_id", ev.ID,
		"event_kind", ev.Kind,
		"source", ev.Source,
		"task_id", ev.TaskID,
		"outcome", res.Outcome)
	return res, nil
}

func (e *Engine) applyDelete(ev *events.TaskEvent) Result {
	e.tombstones[ev.TaskID] = struct{}{}
	prev, ok := e.store.Remove(ev.TaskID)
	if !ok {
		return Result{Outcome: events.OutcomeIgnored}
	}
	return Result{Outcome: events.OutcomeRemoved, Previous: prev}
}

func (e *Engine) applyUpsert(ev *events.TaskEvent) (Result, error) {
	cur := e.get(ev.TaskID)
	if e.tombstoned(ev.TaskID) {
		return Result{Outcome: events.OutcomeDiscarded, Task: cur}, nil
	}

	incoming := authoritative(ev.Task)
	written, err := e.store.Upsert(incoming)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if !written {
		return Result{Outcome: events.OutcomeDiscarded, Task: cur}, nil
	}
	if cur == nil {
		return Result{Outcome: events.OutcomeInserted, Task: incoming}, nil
	}
	return Result{Outcome: events.OutcomeReplaced, Task: incoming, Previous: cur}, nil
}

// applyConfirm swaps a tentative record for the server's. The confirmed
// record wins unless a strictly newer version already arrived for the real
// id, typically through the push channel.
func (e *Engine) applyConfirm(ev *events.TaskEvent) (Result, error) {
	tentative, hadTentative := e.store.Remove(ev.TentativeID)
	cur := e.get(ev.TaskID)

	if e.tombstoned(ev.TaskID) || (cur != nil && cur.Version > ev.Task.Version) {
		if hadTentative {
			return Result{Outcome: events.OutcomeReplaced, Task: cur, Previous: tentative}, nil
		}
		return Result{Outcome: events.OutcomeDiscarded, Task: cur}, nil
	}

	confirmed := authoritative(ev.Task)
	if err := e.store.Put(confirmed); err != nil {
		if hadTentative {
			_ = e.store.Put(tentative)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	prev := cur
	if prev == nil {
		prev = tentative
	}
	if prev == nil {
		return Result{Outcome: events.OutcomeInserted, Task: confirmed}, nil
	}
	return Result{Outcome: events.OutcomeReplaced, Task: confirmed, Previous: prev}, nil
}

func (e *Engine) applySpeculate(ev *events.TaskEvent) (Result, error) {
	cur := e.get(ev.TaskID)

	if ev.Task.Tentative {
		if cur != nil || e.tombstoned(ev.TaskID) {
			return Result{Outcome: events.OutcomeIgnored, Task: cur}, nil
		}
		if err := e.store.Put(ev.Task); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		return Result{Outcome: events.OutcomeInserted, Task: ev.Task.Clone()}, nil
	}

	if cur == nil {
		return Result{Outcome: events.OutcomeIgnored}, nil
	}
	// The patch was computed from a version that is no longer current.
	if cur.Version != ev.Task.Version {
		return Result{Outcome: events.OutcomeDiscarded, Task: cur}, nil
	}

	next := ev.Task.Clone()
	next.Tentative = cur.Tentative
	next.Pending = cur.Pending + 1
	if err := e.store.Put(next); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return Result{Outcome: events.OutcomeReplaced, Task: next, Previous: cur}, nil
}

func (e *Engine) applySpeculativeDelete(ev *events.TaskEvent) Result {
	prev, ok := e.store.Remove(ev.TaskID)
	if !ok {
		return Result{Outcome: events.OutcomeIgnored}
	}
	return Result{Outcome: events.OutcomeRemoved, Previous: prev}
}

func (e *Engine) applyRestore(ev *events.TaskEvent) (Result, error) {
	cur := e.get(ev.TaskID)

	if ev.Task == nil {
		if cur == nil || !cur.Tentative {
			return Result{Outcome: events.OutcomeIgnored, Task: cur}, nil
		}
		prev, _ := e.store.Remove(ev.TaskID)
		return Result{Outcome: events.OutcomeRemoved, Previous: prev}, nil
	}

	snapshot := ev.Task
	switch {
	case e.tombstoned(ev.TaskID):
		return Result{Outcome: events.OutcomeIgnored}, nil
	case cur == nil:
		// Rolling back a speculative delete.
		if err := e.store.Put(snapshot); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		return Result{Outcome: events.OutcomeInserted, Task: snapshot.Clone()}, nil
	case cur.Version == snapshot.Version:
		if err := e.store.Put(snapshot); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		return Result{Outcome: events.OutcomeReplaced, Task: snapshot.Clone(), Previous: cur}, nil
	default:
		// A newer authoritative record replaced the speculative one.
		return Result{Outcome: events.OutcomeDiscarded, Task: cur}, nil
	}
}

func (e *Engine) emit(ctx context.Context, ev *events.TaskEvent, res Result) {
	if e.emitter == nil {
		return
	}
	applied := *ev
	applied.Outcome = res.Outcome
	if res.Task != nil {
		applied.Task = res.Task.Clone()
	}
	if err := e.emitter.EmitEvent(ctx, &applied); err != nil {
		e.logger.Warn("event handler failed",
			"error", err,
			"event_id", ev.ID,
			"task_id", ev.TaskID)
	}
}

func (e *Engine) get(id string) *domain.Task {
	t, err := e.store.Get(id)
	if err != nil {
		return nil
	}
	return t
}

func (e *Engine) tombstoned(id string) bool {
	_, ok := e.tombstones[id]
	return ok
}

// authoritative strips local-only markers from a server record.
func authoritative(t *domain.Task) *domain.Task {
	out := t.Clone()
	out.Tentative = false
	out.Pending = 0
	return out
}
