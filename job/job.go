package job

import (
	"encoding/json"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by a worker.
	StatusPending Status = "pending"
	// StatusProcessing means a worker is currently executing the job.
	StatusProcessing Status = "processing"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed and will not be retried automatically.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before or during execution.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidTransition reports whether moving from one status to another is
// allowed. Transitions are monotonic; a failed attempt that retries goes
// back to pending with a delayed RunAt.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed ||
			to == StatusCancelled || to == StatusPending
	default:
		return false
	}
}

// Priority orders jobs within a queue.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Ordinal returns the numeric rank used for claim ordering.
// Higher values are claimed first.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	conveyor.Entity

	ID              id.JobID        `json:"id"`
	Type            string          `json:"type"`
	Queue           string          `json:"queue"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          Status          `json:"status"`
	Priority        Priority        `json:"priority"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	MaxRetries      int             `json:"max_retries"`
	RetryCount      int             `json:"retry_count"`
	LastError       string          `json:"last_error,omitempty"`
	ErrorKind       conveyor.Kind   `json:"error_kind,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ArtifactRef     string          `json:"artifact_ref,omitempty"`
	WorkerID        id.WorkerID     `json:"worker_id,omitempty"`
	RunAt           time.Time       `json:"run_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
}
