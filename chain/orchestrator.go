// Package chain provides sequential job orchestration. A chain is an
// ordered list of job specs executed one at a time: each link is enqueued
// only after the previous one completes, and a failed or cancelled link
// drops the remainder of the chain (fail-fast).
//
// The orchestrator is a lifecycle hook: it watches JobCompleted,
// JobFailed, and JobCancelled events to advance or abandon chains. Links
// are plain jobs, so each goes through routing, retries, and progress
// like any other job; the chain only fails when a link fails terminally.
package chain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/job"
)

// Spec describes one link of a chain.
type Spec struct {
	// Type is the job type to enqueue.
	Type string

	// Payload is the raw JSON payload for the job.
	Payload []byte

	// Opts override the type's registered options for this link.
	Opts []job.Option
}

// EnqueueFunc is the callback the orchestrator uses to enqueue the next
// link. This breaks the import cycle: the engine provides the
// implementation.
type EnqueueFunc func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error)

// Orchestrator advances chains on job lifecycle events. Register it on
// the hook registry of the engine that executes the chained jobs.
type Orchestrator struct {
	enqueue EnqueueFunc
	logger  *slog.Logger

	mu sync.Mutex
	// pending maps a job ID to the links that run after it completes.
	pending map[string][]Spec
}

// NewOrchestrator creates a chain orchestrator.
func NewOrchestrator(enqueue EnqueueFunc, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		enqueue: enqueue,
		logger:  logger,
		pending: make(map[string][]Spec),
	}
}

// Name implements hook.Hook.
func (o *Orchestrator) Name() string { return "chain-orchestrator" }

// Chain enqueues the first link immediately and registers the rest to run
// sequentially as each predecessor completes. Returns the first job.
func (o *Orchestrator) Chain(ctx context.Context, specs ...Spec) (*job.Job, error) {
	if len(specs) == 0 {
		return nil, conveyor.ValidationError("chain requires at least one link")
	}

	first, err := o.enqueue(ctx, specs[0].Type, specs[0].Payload, specs[0].Opts...)
	if err != nil {
		return nil, err
	}

	if len(specs) > 1 {
		o.mu.Lock()
		o.pending[first.ID.String()] = specs[1:]
		o.mu.Unlock()
	}

	return first, nil
}

// PendingLinks returns how many links are waiting on the given job.
func (o *Orchestrator) PendingLinks(jobID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending[jobID])
}

// OnJobCompleted advances the chain: if the completed job has successors,
// the next link is enqueued and the remainder re-keyed under its ID.
func (o *Orchestrator) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	o.mu.Lock()
	rest, ok := o.pending[j.ID.String()]
	if ok {
		delete(o.pending, j.ID.String())
	}
	o.mu.Unlock()

	if !ok || len(rest) == 0 {
		return nil
	}

	next := rest[0]
	enqueued, err := o.enqueue(ctx, next.Type, next.Payload, next.Opts...)
	if err != nil {
		// The chain is abandoned: a link we cannot enqueue behaves like
		// a failed link.
		o.logger.Error("chain link enqueue failed, dropping remainder",
			slog.String("completed_job_id", j.ID.String()),
			slog.String("next_type", next.Type),
			slog.Int("dropped_links", len(rest)),
			slog.String("error", err.Error()),
		)
		return err
	}

	if len(rest) > 1 {
		o.mu.Lock()
		o.pending[enqueued.ID.String()] = rest[1:]
		o.mu.Unlock()
	}

	o.logger.Debug("chain advanced",
		slog.String("completed_job_id", j.ID.String()),
		slog.String("next_job_id", enqueued.ID.String()),
		slog.String("next_type", next.Type),
		slog.Int("remaining_links", len(rest)-1),
	)
	return nil
}

// OnJobFailed drops the remainder of the chain.
func (o *Orchestrator) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	o.drop(j, "failed")
	return nil
}

// OnJobCancelled drops the remainder of the chain.
func (o *Orchestrator) OnJobCancelled(_ context.Context, j *job.Job) error {
	o.drop(j, "cancelled")
	return nil
}

func (o *Orchestrator) drop(j *job.Job, reason string) {
	o.mu.Lock()
	rest, ok := o.pending[j.ID.String()]
	if ok {
		delete(o.pending, j.ID.String())
	}
	o.mu.Unlock()

	if ok && len(rest) > 0 {
		o.logger.Info("chain abandoned",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("reason", reason),
			slog.Int("dropped_links", len(rest)),
		)
	}
}
