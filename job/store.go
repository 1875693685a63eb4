package job

import (
	"context"
	"time"

	"github.com/storekit/conveyor/id"
)

// Filter controls filtering and pagination for job list and count queries.
type Filter struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Status filters by job status. Empty means all statuses.
	Status Status
	// Type filters by job type. Empty means all types.
	Type string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Store defines the persistence contract for jobs.
type Store interface {
	// EnqueueJob persists a new job in pending status.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimJobs atomically claims up to limit due pending jobs from the
	// given queues: sets them to processing, assigns the worker, records
	// StartedAt, and resets progress for the new attempt. Jobs are ordered
	// by priority (descending) then RunAt (ascending). A job is claimed by
	// at most one worker.
	ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob applies a partial update to an existing job. Only fields
	// set in u are written; concurrent updates to disjoint fields do not
	// clobber each other. A status change that is not allowed by
	// ValidTransition is rejected with conveyor.ErrInvalidTransition.
	UpdateJob(ctx context.Context, jobID id.JobID, u Update) error

	// CancelJob transitions a pending job to cancelled. Returns true if
	// the transition happened, false if the job was already claimed or
	// terminal. The check and the write are atomic.
	CancelJob(ctx context.Context, jobID id.JobID) (bool, error)

	// ListJobs returns jobs matching the filter, ordered by CreatedAt.
	ListJobs(ctx context.Context, f Filter) ([]*Job, error)

	// CountJobs returns the number of jobs matching the filter.
	CountJobs(ctx context.Context, f Filter) (int64, error)

	// DeleteExpiredJobs removes terminal jobs whose ExpiresAt is before
	// now. Returns the number of jobs removed.
	DeleteExpiredJobs(ctx context.Context, now time.Time) (int64, error)
}
