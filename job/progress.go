package job

import "context"

// Reporter receives progress milestones from a running handler.
// The executor installs one that persists the milestone and notifies hooks.
type Reporter func(pct int, msg string)

type reporterKey struct{}

// WithReporter returns a context carrying the given progress reporter.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// Progress reports a handler progress milestone and doubles as the
// cooperative cancellation checkpoint: if the context is already cancelled
// it returns the context error and the handler should abort. Reporting is
// fire-and-forget; persistence failures never fail the job.
func Progress(ctx context.Context, pct int, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok && r != nil {
		r(pct, msg)
	}
	return nil
}
