package runner

import (
	"context"
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// Registry tracks task records and live cancellation handles in memory.
// Records are returned by value so callers never observe later mutations.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*models.Task
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:   make(map[string]*models.Task),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Add registers a new task record and its cancellation handle.
func (r *Registry) Add(task *models.Task, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[task.ID] = task
	r.cancels[task.ID] = cancel
}

// Get returns a copy of the task record.
func (r *Registry) Get(id string) (models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return *task, true
}

// List returns copies of all task records.
func (r *Registry) List() []models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, *task)
	}
	return out
}

// MarkRunning transitions a queued task to running and stamps StartedAt.
func (r *Registry) MarkRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		return
	}
	now := time.Now()
	task.Status = models.StatusRunning
	task.StartedAt = &now
}

// Finish records the terminal result, stamps FinishedAt and drops the
// cancellation handle (calling it first to release its resources).
func (r *Registry) Finish(id string, result *models.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		return
	}
	now := time.Now()
	task.Status = result.Status
	task.Result = result
	task.FinishedAt = &now

	if cancel, ok := r.cancels[id]; ok {
		delete(r.cancels, id)
		cancel()
	}
}

// Cancel withdraws a queued or running task. The task's context is
// cancelled; the run loop records the terminal result.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return models.NewError(models.KindInvalidRequest, "task not found")
	}
	if task.Status.Terminal() {
		return models.NewError(models.KindInvalidRequest, "task %s already finished (%s)", id, task.Status)
	}

	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	return nil
}
