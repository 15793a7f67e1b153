package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/events"
	"github.com/phrazzld/boardsync/internal/gateway"
	"github.com/phrazzld/boardsync/internal/generation"
	"github.com/phrazzld/boardsync/internal/reconcile"
	"github.com/phrazzld/boardsync/internal/worker"
)

// JobType identifies enrichment jobs in worker logs.
const JobType = "enrich_subtasks"

// ErrStopped is returned by Enrich after Stop.
var ErrStopped = errors.New("enrichment pipeline stopped")

// Persister writes generated subtasks to the server. *gateway.Gateway
// satisfies it.
type Persister interface {
	PersistEnrichment(ctx context.Context, id string, subtasks []domain.Subtask) (*domain.Task, error)
}

// Applier feeds events to the reconciliation engine.
type Applier interface {
	Apply(ctx context.Context, event *events.TaskEvent) (reconcile.Result, error)
}

// Reporter receives enrichment failures. *events.Notifier satisfies it.
type Reporter interface {
	Publish(err error) bool
}

// Config controls the pipeline.
type Config struct {
	// Timeout bounds each generator call.
	Timeout time.Duration

	Workers      int
	QueueSize    int
	SubtaskCount int
}

// Stats counts finished jobs.
type Stats struct {
	Merged    int64
	Discarded int64
	Failed    int64
}

// Pipeline generates subtasks in the background and merges them into the
// board once the task exists on the server.
type Pipeline struct {
	cfg       Config
	generator generation.Generator
	persister Persister
	engine    Applier
	reporter  Reporter
	logger    *slog.Logger

	queue *worker.Queue
	pool  *worker.Pool

	inflight sync.WaitGroup
	stopOnce sync.Once

	merged    atomic.Int64
	discarded atomic.Int64
	failed    atomic.Int64
}

// enrichJob is one generation request. The pool's error handler uses the
// task id to attribute failures.
type enrichJob struct {
	id      uuid.UUID
	task    *domain.Task
	count   int
	confirm *gateway.Confirmation
	run     func(ctx context.Context, j *enrichJob) error
	done    func()
}

func (j *enrichJob) ID() uuid.UUID { return j.id }

func (j *enrichJob) Type() string { return JobType }

func (j *enrichJob) Execute(ctx context.Context) error {
	defer j.done()
	return j.run(ctx, j)
}

// New creates a pipeline. Call Start before submitting work.
func New(cfg Config, gen generation.Generator, persister Persister, engine Applier, reporter Reporter, logger *slog.Logger) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.SubtaskCount <= 0 {
		cfg.SubtaskCount = generation.DefaultSubtaskCount
	}

	logger = logger.With("component", "enrichment_pipeline")
	queue := worker.NewQueue(cfg.QueueSize, logger)
	p := &Pipeline{
		cfg:       cfg,
		generator: gen,
		persister: persister,
		engine:    engine,
		reporter:  reporter,
		logger:    logger,
		queue:     queue,
		pool:      worker.NewPool(queue, worker.PoolConfig{WorkerCount: cfg.Workers}, logger),
	}
	p.pool.SetErrorHandler(p.handleFailure)
	return p
}

// Start launches the workers.
func (p *Pipeline) Start() {
	p.pool.Start()
}

// Enrich implements gateway.Enricher. task may be tentative, in which case
// confirm must resolve with the server's record before anything is
// persisted. A nil confirm means task is already confirmed.
func (p *Pipeline) Enrich(task *domain.Task, count int, confirm *gateway.Confirmation) error {
	if count <= 0 {
		count = p.cfg.SubtaskCount
	}

	p.inflight.Add(1)
	job := &enrichJob{
		id:      uuid.New(),
		task:    task.Clone(),
		count:   count,
		confirm: confirm,
		run:     p.run,
		done:    p.inflight.Done,
	}

	if err := p.queue.Enqueue(job); err != nil {
		p.inflight.Done()
		if errors.Is(err, worker.ErrQueueClosed) {
			err = ErrStopped
		}
		p.fail(task.ID, err)
		return err
	}
	return nil
}

// Wait blocks until every submitted job has finished.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

// Stats returns counts of finished jobs.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Merged:    p.merged.Load(),
		Discarded: p.discarded.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stop rejects new work, cancels running jobs and abandons queued ones.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.queue.Close()
		p.pool.Stop()
		for job := range p.queue.Channel() {
			if j, ok := job.(*enrichJob); ok {
				p.fail(j.task.ID, ErrStopped)
				j.done()
			}
		}
	})
}

func (p *Pipeline) run(ctx context.Context, j *enrichJob) error {
	log := p.logger.With("task_id", j.task.ID, "job_id", j.id)

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	start := time.Now()
	subtasks, err := p.generator.GenerateSubtasks(genCtx, generation.Request{
		TaskID:      j.task.ID,
		Title:       j.task.Title,
		Description: j.task.Description,
		Count:       j.count,
	})
	ctxErr := genCtx.Err()
	cancel()
	// A result that arrives after the deadline is dropped, even when the
	// generator ignored ctx and reported success.
	if ctxErr != nil {
		if err == nil {
			err = ctxErr
		}
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("generation timed out after %s: %w", p.cfg.Timeout, err)
		}
		return p.failure(j.task.ID, err)
	}
	if err != nil {
		return p.failure(j.task.ID, err)
	}
	log.DebugContext(ctx, "subtasks generated",
		"subtask_count", len(subtasks),
		"duration_ms", time.Since(start).Milliseconds())

	taskID := j.task.ID
	if j.confirm != nil {
		confirmed, err := j.confirm.Wait(ctx)
		if err != nil {
			return p.failure(j.task.ID, fmt.Errorf("task was not created: %w", err))
		}
		taskID = confirmed.ID
	}

	persisted, err := p.persister.PersistEnrichment(ctx, taskID, subtasks)
	if err != nil {
		return p.failure(taskID, err)
	}

	res, err := p.engine.Apply(ctx, events.NewUpsertEvent(events.TypeTaskAIComplete, persisted, events.SourceAI))
	if err != nil {
		return p.failure(taskID, err)
	}

	if res.Outcome.Changed() {
		p.merged.Add(1)
		log.InfoContext(ctx, "AI subtasks merged",
			"task_id", taskID,
			"version", persisted.Version,
			"subtask_count", len(persisted.Subtasks))
	} else {
		p.discarded.Add(1)
		log.InfoContext(ctx, "AI subtasks superseded by a newer version",
			"task_id", taskID,
			"version", persisted.Version,
			"outcome", res.Outcome)
	}
	return nil
}

// failure publishes the error before the job counts as finished, so Wait
// callers see the notice.
func (p *Pipeline) failure(taskID string, err error) error {
	enrichErr := &domain.EnrichmentError{TaskID: taskID, Err: err}
	p.publish(enrichErr)
	return enrichErr
}

// handleFailure is the worker pool's error handler. Failures returned by run
// are already published; this catches panics.
func (p *Pipeline) handleFailure(job worker.Job, err error) {
	var enrichErr *domain.EnrichmentError
	if errors.As(err, &enrichErr) {
		return
	}
	taskID := ""
	if j, ok := job.(*enrichJob); ok {
		taskID = j.task.ID
	}
	p.fail(taskID, err)
}

func (p *Pipeline) fail(taskID string, err error) {
	p.publish(&domain.EnrichmentError{TaskID: taskID, Err: err})
}

func (p *Pipeline) publish(err *domain.EnrichmentError) {
	p.failed.Add(1)
	p.logger.Warn("AI enrichment failed", "task_id", err.TaskID, "error", err.Err)
	if p.reporter != nil {
		p.reporter.Publish(err)
	}
}
