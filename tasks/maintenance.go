package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/job"
)

// TypeCleanupJobs purges expired terminal job records.
const TypeCleanupJobs = "cleanup_jobs"

// Maintenance is the housekeeping handler family for the job system
// itself.
type Maintenance struct {
	jobs   job.Store
	logger *slog.Logger
}

// NewMaintenance creates the maintenance handler family.
func NewMaintenance(jobs job.Store, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{jobs: jobs, logger: logger}
}

// Register installs the maintenance definitions on the registry.
func (m *Maintenance) Register(reg *job.Registry) {
	job.RegisterDefinition(reg, job.NewDefinition(TypeCleanupJobs, m.CleanupJobs))
}

// CleanupJobs removes terminal job records whose retention window has
// passed.
func (m *Maintenance) CleanupJobs(ctx context.Context, _ struct{}) (*job.Result, error) {
	if err := job.Progress(ctx, 50, "purging expired jobs"); err != nil {
		return nil, err
	}
	deleted, err := m.jobs.DeleteExpiredJobs(ctx, time.Now().UTC())
	if err != nil {
		return nil, conveyor.TransientError(err, "cleanup_jobs: purge expired jobs")
	}

	m.logger.Info("expired jobs purged", slog.Int64("deleted", deleted))
	return job.NewResult(map[string]any{"deleted": deleted})
}
