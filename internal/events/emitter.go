package events

import (
	"context"
	"log/slog"
	"sync"
)

// subscription is a handler plus the outcomes it wants. An empty set means
// every outcome.
type subscription struct {
	handler  EventHandler
	outcomes map[Outcome]struct{}
}

func (s subscription) wants(o Outcome) bool {
	if len(s.outcomes) == 0 {
		return true
	}
	_, ok := s.outcomes[o]
	return ok
}

// ChangeOutcomes lists the outcomes that alter the store.
func ChangeOutcomes() []Outcome {
	return []Outcome{OutcomeInserted, OutcomeReplaced, OutcomeRemoved}
}

// InMemoryEventEmitter keeps subscriptions in memory and dispatches applied
// events to them in registration order. A subscription registered with
// outcomes only sees events the engine resolved to one of them.
type InMemoryEventEmitter struct {
	subs   []subscription
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewInMemoryEventEmitter creates a new instance of InMemoryEventEmitter.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		logger: logger.With("component", "in_memory_event_emitter"),
	}
}

// RegisterHandler adds a handler. With no outcomes it receives every event;
// otherwise it receives only events whose Outcome is listed.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler, outcomes ...Outcome) {
	sub := subscription{handler: handler}
	if len(outcomes) > 0 {
		sub.outcomes = make(map[Outcome]struct{}, len(outcomes))
		for _, o := range outcomes {
			sub.outcomes[o] = struct{}{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, sub)
	e.logger.Debug("registered new event handler",
		"handler_count", len(e.subs),
		"outcome_filter", len(outcomes))
}

// EmitEvent publishes the given event to every subscription that wants its
// outcome. A failing handler does not stop delivery to later ones; the
// first error is returned.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *TaskEvent) error {
	e.mu.RLock()
	subs := make([]subscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.wants(event.Outcome) {
			subs = append(subs, s)
		}
	}
	skipped := len(e.subs) - len(subs)
	e.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	e.logger.Debug("emitting event",
		"event_id", event.ID,
		"event_kind", event.Kind,
		"task_id", event.TaskID,
		"outcome", event.Outcome,
		"handler_count", len(subs),
		"filtered_out", skipped)

	var firstErr error
	for i, s := range subs {
		if err := s.handler.HandleEvent(ctx, event); err != nil {
			e.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"task_id", event.TaskID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
