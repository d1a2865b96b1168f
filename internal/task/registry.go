// Package task tracks batch jobs. All mutation goes through Registry so
// concurrent chunk and document workers can report into the same job.
package task

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/model"
)

// Registry holds in-flight and recently finished jobs in memory.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job

	now      func() time.Time
	onCreate []func(jobID string)
	onRemove []func(jobID string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// OnCreate registers a hook called for every new job before its id is
// returned or visible to Get.
func OnCreate(fn func(jobID string)) Option {
	return func(r *Registry) { r.onCreate = append(r.onCreate, fn) }
}

// OnRemove registers a hook called, outside the lock, for every job the
// sweeper deletes.
func OnRemove(fn func(jobID string)) Option {
	return func(r *Registry) { r.onRemove = append(r.onRemove, fn) }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{jobs: make(map[string]*model.Job), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a pending job over items and returns its id.
func (r *Registry) Create(items []string, userID string) string {
	now := r.now()
	job := &model.Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		Items:     slices.Clone(items),
		Status:    model.JobPending,
		Total:     len(items),
		Results:   []model.ItemResult{},
		Errors:    []model.ItemError{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, fn := range r.onCreate {
		fn(job.ID)
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return job.ID
}

// mutate applies fn to a live job. Unknown and terminal jobs are left
// alone and mutate reports false.
func (r *Registry) mutate(jobID string, fn func(j *model.Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.Status.IsTerminal() {
		return false
	}
	fn(j)
	j.UpdatedAt = r.now()
	return true
}

// Start moves a pending job to processing.
func (r *Registry) Start(jobID string) bool {
	return r.mutate(jobID, func(j *model.Job) {
		j.Status = model.JobProcessing
	})
}

// UpdateProgress records the position of the worker within the job.
func (r *Registry) UpdateProgress(jobID string, current int, item string) bool {
	return r.mutate(jobID, func(j *model.Job) {
		j.Status = model.JobProcessing
		j.Current = current
		j.CurrentItem = item
	})
}

// AddResult appends one item result.
func (r *Registry) AddResult(jobID string, res model.ItemResult) bool {
	return r.mutate(jobID, func(j *model.Job) {
		j.Results = append(j.Results, res)
	})
}

// AddError appends a document-level error for item.
func (r *Registry) AddError(jobID, item, message string) bool {
	return r.AddItemError(jobID, model.ItemError{URL: item, Message: message})
}

// AddItemError appends e, stamping it when no timestamp is set.
func (r *Registry) AddItemError(jobID string, e model.ItemError) bool {
	return r.mutate(jobID, func(j *model.Job) {
		if e.Timestamp.IsZero() {
			e.Timestamp = r.now()
		}
		j.Errors = append(j.Errors, e)
	})
}

// Complete marks the job completed. Partial success is still completed.
func (r *Registry) Complete(jobID string) bool {
	return r.mutate(jobID, func(j *model.Job) {
		j.Status = model.JobCompleted
		j.Current = j.Total
		j.CurrentItem = ""
	})
}

// Fail marks the job failed. In-flight workers are not interrupted; their
// later reports are absorbed as no-ops.
func (r *Registry) Fail(jobID, reason string) bool {
	return r.mutate(jobID, func(j *model.Job) {
		j.Status = model.JobFailed
		j.Reason = reason
	})
}

// Get returns a snapshot of the job.
func (r *Registry) Get(jobID string) (model.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return model.Job{}, false
	}
	snap := *j
	snap.Items = slices.Clone(j.Items)
	snap.Results = slices.Clone(j.Results)
	snap.Errors = slices.Clone(j.Errors)
	return snap, true
}

// Active reports whether the job exists and is not terminal.
func (r *Registry) Active(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	return ok && !j.Status.IsTerminal()
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Cleanup deletes jobs created more than maxAge ago and returns how many
// were removed.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var removed []string
	for id, j := range r.jobs {
		if j.CreatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		for _, fn := range r.onRemove {
			fn(id)
		}
	}
	return len(removed)
}

// RunSweeper calls Cleanup every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Cleanup(maxAge); n > 0 {
				zap.L().Info("task: swept expired jobs",
					zap.Int("removed", n),
					zap.Duration("max_age", maxAge),
				)
			}
		}
	}
}
