package schedule

import (
	"context"
	"time"

	"github.com/storekit/conveyor/id"
)

// Store defines the persistence contract for schedules and their
// execution audit trail.
type Store interface {
	// CreateSchedule persists a new schedule. Returns an error if the
	// name already exists.
	CreateSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error)

	// ListSchedules returns all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// UpdateSchedule updates a schedule (IsActive, NextRunAt, etc.).
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// DeleteSchedule removes a schedule by ID. Its execution history is
	// removed with it.
	DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error

	// AcquireScheduleLock attempts to acquire a distributed lock for a
	// schedule. Returns true if the lock was acquired. The lock expires
	// after ttl.
	AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock releases the distributed lock for a schedule.
	ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, workerID id.WorkerID) error

	// RecordExecution appends an execution audit record.
	RecordExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns the most recent executions for a schedule,
	// newest first. Zero limit means no limit.
	ListExecutions(ctx context.Context, scheduleID id.ScheduleID, limit int) ([]*Execution, error)
}
