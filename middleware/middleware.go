package middleware

import (
	"context"

	"github.com/storekit/conveyor/job"
)

// Handler is the innermost function of a middleware chain: the job logic
// itself, already bound to its decoded payload.
type Handler func(ctx context.Context) error

// Middleware decorates a Handler. It sees the job record being executed
// and decides whether and how to invoke next. Returning without calling
// next short-circuits the chain.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain flattens a list of middleware into one. The first element is the
// outermost decorator, so Chain(a, b, c) runs a, then b, then c, then the
// handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, final Handler) error {
		var step func(i int) Handler
		step = func(i int) Handler {
			if i == len(mws) {
				return final
			}
			return func(ctx context.Context) error {
				return mws[i](ctx, j, step(i+1))
			}
		}
		return step(0)(ctx)
	}
}
