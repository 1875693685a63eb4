// Package middleware decorates job execution with cross-cutting behavior.
//
// A [Middleware] wraps a [Handler] and may act before the call, after it,
// or instead of it. [Chain] flattens a list into a single decorator, with
// the first element outermost:
//
//	// recover catches panics from everything inside, including logging
//	stack := middleware.Chain(middleware.Recover(logger), middleware.Logging(logger))
//
// The built-ins cover the ambient concerns of a worker: [Recover] turns
// panics into failed jobs, [Logging] reports start and outcome, [Timeout]
// applies the job's deadline, [Tracing] and [Metrics] emit OpenTelemetry
// spans and instruments.
//
// Custom middleware is a plain function:
//
//	func Audit(sink AuditSink) middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        err := next(ctx)
//	        sink.Record(ctx, j.ID, err)
//	        return err
//	    }
//	}
//
// A middleware that does not call next short-circuits the chain; the
// executor treats its return value as the handler's result.
package middleware
