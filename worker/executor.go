// Package worker provides the job execution engine: an Executor that
// invokes registered handlers through middleware and applies the
// classified retry policy, and a Pool that manages concurrent worker
// goroutines claiming jobs from queues.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/backoff"
	"github.com/storekit/conveyor/hook"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/middleware"
)

// Executor runs a single claimed job through middleware and the registered
// handler, then applies the outcome: completion, classified retry, or
// terminal failure. All state changes go through field-level updates so
// concurrent writers never clobber each other.
type Executor struct {
	registry *job.Registry
	hooks    *hook.Registry
	store    job.Store
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hooks *hook.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		hooks:    hooks,
		store:    store,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job through the middleware chain and handler.
// On success it marks the job completed and emits JobCompleted.
// On failure the error is classified: cancellation marks the job
// cancelled, non-retryable errors fail it immediately, and retryable
// errors reschedule it with backoff until MaxRetries is exhausted.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		// A job type with no handler can never succeed on this or any
		// other attempt.
		return e.failTerminally(ctx, j, conveyor.ValidationError("no handler registered for job type %q", j.Type))
	}

	// Milestone persistence runs on its own goroutine and outlives
	// handler context cancellation so the final milestone is not lost.
	pw := e.startProgressWriter(context.WithoutCancel(ctx), j.ID)
	ctx = job.WithReporter(ctx, e.progressReporter(ctx, j, pw))

	start := time.Now()

	var res *job.Result
	terminal := func(ctx context.Context) error {
		var err error
		res, err = handler(ctx, j.Payload)
		return err
	}

	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	// Flush pending milestones before the outcome write so the terminal
	// status update is always the last write.
	pw.stop()

	if err != nil {
		return e.handleFailure(ctx, j, err)
	}

	return e.handleSuccess(ctx, j, res, elapsed)
}

// progressReporter returns the Reporter installed into the handler
// context. Milestones must be monotonic: a stale or out-of-range
// percentage is dropped. Accepted milestones are handed to the progress
// writer, so the handler never waits on the store.
func (e *Executor) progressReporter(ctx context.Context, j *job.Job, pw *progressWriter) job.Reporter {
	last := j.Progress
	return func(pct int, msg string) {
		if pct <= last || pct > 100 {
			return
		}
		last = pct

		pw.offer(pct, msg)

		j.Progress = pct
		j.ProgressMessage = msg
		e.hooks.EmitJobProgress(ctx, j, pct, msg)
	}
}

// progressWriter persists milestones off the handler goroutine. A
// milestone arriving while a write is in flight replaces any milestone
// still waiting, so the store converges on the latest value without the
// handler ever blocking on persistence.
type progressWriter struct {
	slot chan progressMark
	done chan struct{}
}

type progressMark struct {
	pct int
	msg string
}

func (e *Executor) startProgressWriter(ctx context.Context, jobID id.JobID) *progressWriter {
	pw := &progressWriter{
		slot: make(chan progressMark, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(pw.done)
		for mark := range pw.slot {
			u := job.Update{Progress: job.Ptr(mark.pct), ProgressMessage: job.Ptr(mark.msg)}
			if err := e.store.UpdateJob(ctx, jobID, u); err != nil {
				e.logger.Warn("failed to persist job progress",
					slog.String("job_id", jobID.String()),
					slog.Int("progress", mark.pct),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
	return pw
}

// offer hands a milestone to the writer, replacing one still waiting.
// Only called from the attempt's handler goroutine.
func (pw *progressWriter) offer(pct int, msg string) {
	for {
		select {
		case pw.slot <- progressMark{pct: pct, msg: msg}:
			return
		default:
		}
		select {
		case <-pw.slot:
		default:
		}
	}
}

// stop closes the slot and waits for in-flight writes to land.
func (pw *progressWriter) stop() {
	close(pw.slot)
	<-pw.done
}

// handleSuccess marks the job completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, res *job.Result, elapsed time.Duration) error {
	now := time.Now().UTC()

	u := job.Update{
		Status:          job.Ptr(job.StatusCompleted),
		Progress:        job.Ptr(100),
		ProgressMessage: job.Ptr("done"),
		CompletedAt:     &now,
	}
	if res != nil {
		u.Result = res.Summary
		if res.ArtifactRef != "" {
			u.ArtifactRef = job.Ptr(res.ArtifactRef)
		}
	}
	if exp := e.resultExpiry(j, res, now); exp != nil {
		u.ExpiresAt = exp
	}

	if updateErr := e.store.UpdateJob(ctx, j.ID, u); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	u.Apply(j)
	e.hooks.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// handleFailure classifies the handler error and routes it to
// cancellation, retry, or terminal failure.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	kind := conveyor.Classify(handlerErr)

	if kind == conveyor.KindCancelled {
		return e.markCancelled(ctx, j, handlerErr)
	}

	if conveyor.Retryable(kind) && j.RetryCount < j.MaxRetries {
		return e.scheduleRetry(ctx, j, handlerErr, kind)
	}

	return e.failTerminally(ctx, j, handlerErr)
}

// markCancelled records a cooperative cancellation observed during
// execution.
func (e *Executor) markCancelled(ctx context.Context, j *job.Job, handlerErr error) error {
	now := time.Now().UTC()
	u := job.Update{
		Status:      job.Ptr(job.StatusCancelled),
		LastError:   job.Ptr(handlerErr.Error()),
		ErrorKind:   job.Ptr(conveyor.KindCancelled),
		CompletedAt: &now,
	}

	// The execution context is typically already cancelled here.
	if updateErr := e.store.UpdateJob(context.WithoutCancel(ctx), j.ID, u); updateErr != nil {
		e.logger.Error("failed to update cancelled job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	u.Apply(j)
	e.hooks.EmitJobCancelled(ctx, j)

	e.logger.Info("job cancelled during execution",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
	)
	return handlerErr
}

// scheduleRetry returns the job to pending with a backoff delay. Progress
// is reset so the next attempt starts clean, and the worker assignment is
// cleared.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, handlerErr error, kind conveyor.Kind) error {
	attempt := j.RetryCount + 1
	delay := e.backoff.Delay(attempt)
	nextRunAt := time.Now().UTC().Add(delay)

	u := job.Update{
		Status:          job.Ptr(job.StatusPending),
		RetryCount:      job.Ptr(attempt),
		LastError:       job.Ptr(handlerErr.Error()),
		ErrorKind:       job.Ptr(kind),
		Progress:        job.Ptr(0),
		ProgressMessage: job.Ptr(""),
		WorkerID:        job.Ptr(id.WorkerID{}),
		RunAt:           &nextRunAt,
	}

	if updateErr := e.store.UpdateJob(context.WithoutCancel(ctx), j.ID, u); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	u.Apply(j)
	e.hooks.EmitJobRetrying(ctx, j, attempt, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("error_kind", string(kind)),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s retry %d/%d: %w", j.Type, attempt, j.MaxRetries, handlerErr)
}

// failTerminally marks the job failed and emits JobFailed. Reached when
// the error is non-retryable or retries are exhausted.
func (e *Executor) failTerminally(ctx context.Context, j *job.Job, handlerErr error) error {
	kind := conveyor.Classify(handlerErr)
	now := time.Now().UTC()

	u := job.Update{
		Status:      job.Ptr(job.StatusFailed),
		LastError:   job.Ptr(handlerErr.Error()),
		ErrorKind:   job.Ptr(kind),
		CompletedAt: &now,
	}
	if exp := e.resultExpiry(j, nil, now); exp != nil {
		u.ExpiresAt = exp
	}

	if updateErr := e.store.UpdateJob(context.WithoutCancel(ctx), j.ID, u); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	u.Apply(j)
	e.hooks.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed terminally",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("error_kind", string(kind)),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}

// resultExpiry determines when the terminal record becomes eligible for
// cleanup: the handler's explicit expiry wins, otherwise the registered
// ResultTTL applies. Nil means keep forever.
func (e *Executor) resultExpiry(j *job.Job, res *job.Result, now time.Time) *time.Time {
	if res != nil && res.ExpiresAt != nil {
		return res.ExpiresAt
	}
	if o, ok := e.registry.Options(j.Type); ok && o.ResultTTL > 0 {
		t := now.Add(o.ResultTTL)
		return &t
	}
	return nil
}
