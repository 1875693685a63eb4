package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/storekit/conveyor/job"
)

// Timeout returns middleware that applies the job's own Timeout field as
// a context deadline. Jobs without a timeout pass through untouched. A
// handler that overruns sees its context cancelled and should surface
// context.DeadlineExceeded, which the executor classifies as a timeout
// failure.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}

		logger.Debug("enforcing job deadline",
			slog.String("job_id", j.ID.String()),
			slog.Duration("timeout", j.Timeout),
		)

		tctx, cancel := context.WithDeadline(ctx, time.Now().Add(j.Timeout))
		defer cancel()
		return next(tctx)
	}
}
