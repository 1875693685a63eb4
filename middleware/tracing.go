package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/storekit/conveyor/job"
)

// tracerName is the instrumentation scope for conveyor tracing.
const tracerName = "github.com/storekit/conveyor"

// Tracing returns middleware that opens an OpenTelemetry span around each
// execution. Without a configured global TracerProvider the noop tracer
// makes this a free pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is Tracing with an injected tracer, for callers that
// carry their own TracerProvider (and for tests).
//
// Each span is named conveyor.job.execute and carries the job id, type,
// queue, and retry count. A handler error is recorded on the span and
// sets its status to codes.Error.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("conveyor.job.id", j.ID.String()),
			attribute.String("conveyor.job.type", j.Type),
			attribute.String("conveyor.queue", j.Queue),
			attribute.Int("conveyor.retry_count", j.RetryCount),
		}
		ctx, span := tracer.Start(ctx, "conveyor.job.execute",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
