package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/storekit/conveyor/job"
)

// Recover returns middleware that turns a panicking handler into a failed
// job instead of a crashed worker. The panic value and stack are logged,
// and the chain returns an ordinary error the executor can retry or mark
// terminal.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("job handler panicked",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.String("queue", j.Queue),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = fmt.Errorf("panic in job %s: %v", j.Type, r)
		}()
		return next(ctx)
	}
}
