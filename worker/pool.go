package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storekit/conveyor/hook"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// QueueManager controls per-queue rate limiting and concurrency. The
// worker pool calls Acquire before executing a claimed job and Release
// after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if the job is allowed to proceed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that claim jobs
// from queues and execute them through the Executor.
//
// The pool runs two kinds of slots: general slots that poll every
// configured queue, and dedicated slots pinned to a single queue so that
// a burst on one queue cannot starve another.
type Pool struct {
	store        job.Store
	executor     *Executor
	hooks        *hook.Registry
	concurrency  int
	queues       []string
	queueSlots   map[string]int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of general worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the general slots will poll.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithQueueSlots assigns dedicated worker goroutines to individual
// queues. Dedicated slots only claim from their own queue.
func WithQueueSlots(slots map[string]int) PoolOption {
	return func(p *Pool) { p.queueSlots = slots }
}

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	hooks *hook.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		hooks:        hooks,
		concurrency:  10,
		queues:       []string{"default"},
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
		slog.Any("queue_slots", p.queueSlots),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop(p.queues)
	}

	// Dedicated slots pinned to a single queue.
	for queue, n := range p.queueSlots {
		for range n {
			p.wg.Add(1)
			go p.claimLoop([]string{queue})
		}
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time
// runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// Cancel terminates a job currently running on this pool by cancelling
// its execution context. Returns true if the job was active here.
func (p *Pool) Cancel(jobID id.JobID) bool {
	p.activeMu.Lock()
	cancel, ok := p.activeJobs[jobID.String()]
	p.activeMu.Unlock()

	if ok {
		p.logger.Info("terminating active job", slog.String("job_id", jobID.String()))
		cancel()
	}
	return ok
}

// ActiveCount returns the number of jobs currently executing on this pool.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// claimLoop is run by each worker goroutine. It claims one job at a time
// from the given queues and executes it.
func (p *Pool) claimLoop(queues []string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		jobs, err := p.store.ClaimJobs(context.Background(), queues, p.workerID, 1)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(jobs) == 0 {
			p.sleep()
			continue
		}

		p.runJob(jobs[0])
	}
}

// runJob executes a single claimed job, honoring queue limits and the
// cancellation window between claim and start.
func (p *Pool) runJob(j *job.Job) {
	// Check queue rate limit and concurrency.
	if p.queueManager != nil && !p.queueManager.Acquire(j.Queue) {
		p.requeue(j)
		p.sleep()
		return
	}
	if p.queueManager != nil {
		defer p.queueManager.Release(j.Queue)
	}

	// Track the job before the re-read below. The job left pending at
	// claim time, so a terminate arriving now must find the CancelFunc
	// here or it has nowhere to land.
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)
	defer func() {
		p.untrackJob(j.ID.String())
		cancel()
	}()

	// Re-read before executing: a cancel may have landed between the
	// claim and this point.
	fresh, err := p.store.GetJob(context.Background(), j.ID)
	if err != nil {
		p.logger.Warn("claimed job vanished before execution",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if fresh.Status != job.StatusProcessing {
		p.logger.Info("skipping claimed job in unexpected status",
			slog.String("job_id", j.ID.String()),
			slog.String("status", string(fresh.Status)),
		)
		return
	}
	j = fresh

	p.hooks.EmitJobStarted(context.Background(), j)

	if execErr := p.executor.Execute(ctx, j); execErr != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", execErr.Error()),
		)
	}
}

// requeue returns a claimed job to pending with a small delay. Used when
// a queue limit rejects the claim.
func (p *Pool) requeue(j *job.Job) {
	runAt := time.Now().UTC().Add(p.pollInterval)
	u := job.Update{
		Status:   job.Ptr(job.StatusPending),
		WorkerID: job.Ptr(id.WorkerID{}),
		RunAt:    &runAt,
	}
	if err := p.store.UpdateJob(context.Background(), j.ID, u); err != nil {
		p.logger.Error("failed to re-enqueue rate-limited job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
