package job

import (
	"encoding/json"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
)

// Update is a field-level partial update for a job record. Nil fields are
// left untouched by the store, so two workers touching disjoint fields
// never clobber each other's writes.
type Update struct {
	Status          *Status
	Progress        *int
	ProgressMessage *string
	RetryCount      *int
	LastError       *string
	ErrorKind       *conveyor.Kind
	Result          json.RawMessage
	ArtifactRef     *string
	WorkerID        *id.WorkerID
	RunAt           *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ExpiresAt       *time.Time
}

// Ptr returns a pointer to v. Convenience for building Updates.
func Ptr[T any](v T) *T { return &v }

// Apply writes the set fields of u onto j. Stores use it to implement
// UpdateJob against an in-memory or decoded record.
func (u Update) Apply(j *Job) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.ProgressMessage != nil {
		j.ProgressMessage = *u.ProgressMessage
	}
	if u.RetryCount != nil {
		j.RetryCount = *u.RetryCount
	}
	if u.LastError != nil {
		j.LastError = *u.LastError
	}
	if u.ErrorKind != nil {
		j.ErrorKind = *u.ErrorKind
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.ArtifactRef != nil {
		j.ArtifactRef = *u.ArtifactRef
	}
	if u.WorkerID != nil {
		j.WorkerID = *u.WorkerID
	}
	if u.RunAt != nil {
		j.RunAt = *u.RunAt
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	if u.ExpiresAt != nil {
		j.ExpiresAt = u.ExpiresAt
	}
	j.UpdatedAt = time.Now().UTC()
}
