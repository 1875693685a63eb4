package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storekit/conveyor/job"
)

// meterName is the instrumentation scope for conveyor metrics.
const meterName = "github.com/storekit/conveyor"

// instruments holds the per-chain OTel instruments. They are created once
// when the middleware is built; the OTel API hands back noop instruments
// on creation failure, so a half-configured provider degrades to a
// pass-through rather than an error.
type instruments struct {
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

func newInstruments(meter metric.Meter) instruments {
	var ins instruments
	ins.duration, _ = meter.Float64Histogram(
		"conveyor.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	ins.executions, _ = meter.Int64Counter(
		"conveyor.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)
	return ins
}

// Metrics returns middleware that records execution metrics through the
// global OTel MeterProvider.
//
// Two instruments are emitted, both tagged with job_type, queue, and
// status ("ok" or "error"): conveyor.job.duration, a histogram of
// execution seconds, and conveyor.job.executions, a counter.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter is Metrics with an injected meter, for callers that
// carry their own MeterProvider (and for tests).
func MetricsWithMeter(meter metric.Meter) Middleware {
	ins := newInstruments(meter)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_type", j.Type),
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		)

		ins.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		ins.executions.Add(ctx, 1, attrs)
		return err
	}
}
