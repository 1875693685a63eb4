// Package schedule provides cron-style recurring job dispatch with a
// persistent execution audit trail. A single cluster leader evaluates due
// schedules on a tick loop; per-schedule distributed locks prevent
// double-firing even during leadership handover.
package schedule

import (
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// Schedule is a recurring job definition driven by a cron expression.
type Schedule struct {
	conveyor.Entity

	ID          id.ScheduleID `json:"id"`
	Name        string        `json:"name"`
	JobType     string        `json:"job_type"`
	Params      []byte        `json:"params,omitempty"`
	Queue       string        `json:"queue,omitempty"`
	Priority    job.Priority  `json:"priority,omitempty"`
	Expression  string        `json:"expression"`
	IsActive    bool          `json:"is_active"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time    `json:"next_run_at,omitempty"`
	LockedBy    string        `json:"locked_by,omitempty"`
	LockedUntil *time.Time    `json:"locked_until,omitempty"`
}

// Execution is one audit record of a schedule firing. A row is written
// whether or not the enqueue succeeded, so a misconfigured schedule is
// visible from its history.
type Execution struct {
	ID         id.ExecutionID `json:"id"`
	ScheduleID id.ScheduleID  `json:"schedule_id"`
	JobID      id.JobID       `json:"job_id,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	FiredAt    time.Time      `json:"fired_at"`
}
