package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/storekit/conveyor/job"
)

// Logging returns middleware that logs each execution's start and outcome.
// Retried jobs log their attempt number so a flapping handler is easy to
// spot in the stream.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		l := logger.With(
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("queue", j.Queue),
		)
		if j.RetryCount > 0 {
			l = l.With(slog.Int("attempt", j.RetryCount+1))
		}

		l.Info("job started")
		start := time.Now()
		err := next(ctx)
		took := time.Since(start)

		if err != nil {
			l.Error("job failed",
				slog.Duration("took", took),
				slog.String("error", err.Error()),
			)
			return err
		}
		l.Info("job completed", slog.Duration("took", took))
		return nil
	}
}
