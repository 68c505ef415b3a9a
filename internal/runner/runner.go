// Package runner orchestrates one automation task end to end: lease a
// session from the pool, drive the action sequence, settle the lease, and
// record the outcome.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/pool"
	"github.com/browsergrid/browsergrid/pkg/models"
)

// Config holds deadline policy for accepted tasks.
type Config struct {
	// DefaultTimeout applies when the request carries no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout clamps caller-supplied timeouts.
	MaxTimeout time.Duration
}

// Runner accepts task requests and runs them against pooled sessions.
type Runner struct {
	pool     *pool.Pool
	exec     *executor.Executor
	registry *Registry
	events   *broker
	cfg      Config
	logger   *zap.Logger

	// root parents asynchronous task contexts so shutdown cancels them.
	root       context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a runner on top of an existing pool and executor.
func New(p *pool.Pool, exec *executor.Executor, registry *Registry, cfg Config, logger *zap.Logger) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 10 * time.Minute
	}
	root, cancel := context.WithCancel(context.Background())
	return &Runner{
		pool:       p,
		exec:       exec,
		registry:   registry,
		events:     newBroker(),
		cfg:        cfg,
		logger:     logger,
		root:       root,
		cancelRoot: cancel,
	}
}

// Registry exposes the task records for the HTTP layer.
func (r *Runner) Registry() *Registry { return r.registry }

// Submit runs a task synchronously. The caller's context carries the
// cancellation signal: a dropped connection withdraws the task. The
// returned record holds the terminal result.
func (r *Runner) Submit(ctx context.Context, req models.TaskRequest) (models.Task, error) {
	task, tctx, deadline, err := r.accept(ctx, req)
	if err != nil {
		return models.Task{}, err
	}

	r.run(tctx, task.ID, req, deadline)

	record, _ := r.registry.Get(task.ID)
	return record, nil
}

// SubmitAsync enqueues a task and returns immediately with the queued
// record. The task runs in the background, surviving the submitting
// request but not runner shutdown.
func (r *Runner) SubmitAsync(req models.TaskRequest) (models.Task, error) {
	task, tctx, deadline, err := r.accept(r.root, req)
	if err != nil {
		return models.Task{}, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(tctx, task.ID, req, deadline)
	}()

	return *task, nil
}

// Cancel withdraws a queued or running task.
func (r *Runner) Cancel(id string) error {
	return r.registry.Cancel(id)
}

// Subscribe streams progress events for one task. The channel closes when
// the task reaches a terminal status.
func (r *Runner) Subscribe(id string) (<-chan Event, func(), error) {
	task, ok := r.registry.Get(id)
	if !ok {
		return nil, nil, models.NewError(models.KindInvalidRequest, "task not found")
	}
	if task.Status.Terminal() {
		// Replay the terminal status so late subscribers see the outcome.
		ch := make(chan Event, 1)
		ch <- Event{TaskID: id, Type: EventStatus, Status: task.Status, Time: time.Now()}
		close(ch)
		return ch, func() {}, nil
	}

	ch, unsubscribe := r.events.subscribe(id)
	return ch, unsubscribe, nil
}

// Close cancels asynchronous tasks and waits for them to settle.
func (r *Runner) Close() {
	r.cancelRoot()
	r.wg.Wait()
}

// accept validates a request and registers its record with a deadline
// context.
func (r *Runner) accept(parent context.Context, req models.TaskRequest) (*models.Task, context.Context, time.Time, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, time.Time{}, err
	}

	timeout := r.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > r.cfg.MaxTimeout {
			timeout = r.cfg.MaxTimeout
		}
	}

	deadline := time.Now().Add(timeout)
	tctx, cancel := context.WithDeadline(parent, deadline)

	task := &models.Task{
		ID:          uuid.New().String(),
		Status:      models.StatusQueued,
		SubmittedAt: time.Now(),
		Request:     req,
	}
	r.registry.Add(task, cancel)
	return task, tctx, deadline, nil
}

// run drives one task to a terminal status. Every path settles the lease
// and records a result; the reaper covers anything that slips through.
func (r *Runner) run(ctx context.Context, taskID string, req models.TaskRequest, deadline time.Time) {
	start := time.Now()
	log := r.logger.With(zap.String("task_id", taskID))

	r.registry.MarkRunning(taskID)
	r.events.publish(Event{TaskID: taskID, Type: EventStatus, Status: models.StatusRunning, Time: time.Now()})

	lease, err := r.pool.Lease(ctx, deadline)
	if err != nil {
		kind := models.KindOf(err)
		result := &models.TaskResult{
			Status:    statusForKind(kind),
			ErrorKind: kind,
			Error:     err.Error(),
			ElapsedMs: time.Since(start).Milliseconds(),
		}
		log.Warn("task never obtained a session", zap.String("kind", string(kind)), zap.Error(err))
		r.finish(taskID, result)
		return
	}

	result, healthy := r.exec.Run(ctx, taskID, lease.Session(), req.Actions, func(i int, res models.ActionResult) {
		// Strip raw bytes before fanning out; subscribers get paths/base64.
		res.Data = nil
		r.events.publish(Event{TaskID: taskID, Type: EventAction, ActionIndex: i, Action: &res, Time: time.Now()})
	})
	r.pool.Release(lease, healthy)

	log.Info("task finished",
		zap.String("status", string(result.Status)),
		zap.Int64("elapsed_ms", result.ElapsedMs),
		zap.Bool("session_reusable", healthy))
	r.finish(taskID, &result)
}

func (r *Runner) finish(taskID string, result *models.TaskResult) {
	for i := range result.Results {
		result.Results[i].Data = nil
	}
	r.registry.Finish(taskID, result)
	r.events.publish(Event{TaskID: taskID, Type: EventStatus, Status: result.Status, Time: time.Now()})
	r.events.closeTask(taskID)
}

// statusForKind maps a lease failure to the task's terminal status.
func statusForKind(kind models.ErrorKind) models.TaskStatus {
	switch kind {
	case models.KindPoolTimeout, models.KindTaskTimeout:
		return models.StatusTimedOut
	case models.KindCancelled:
		return models.StatusCancelled
	default:
		return models.StatusFailed
	}
}
