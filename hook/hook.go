// Package hook defines the lifecycle observer system for Conveyor.
// Hooks are notified of lifecycle events (job enqueued, completed,
// failed, schedule fired, etc.) and can react to them. They replace
// in-process signal dispatch: chain orchestration, audit logging, and
// metrics all attach here.
//
// Each lifecycle event is a separate interface so observers opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// Hook is the base interface all observers must implement.
type Hook interface {
	// Name returns a unique human-readable name for the observer.
	Name() string
}

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgress is called when a running job reports a progress milestone.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job, pct int, msg string) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a job is cancelled, before or during
// execution.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ScheduleFired is called when a schedule fires and enqueues a job.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, scheduleName string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
