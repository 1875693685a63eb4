// Package engine wires the conveyor subsystems together: the job
// registry, worker pool, executor, chain orchestrator, scheduler, and
// cluster registration. Build takes a configured Coordinator and returns
// the Engine whose exported methods are the API surface the surrounding
// application (HTTP layer, CLI) consumes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/backoff"
	"github.com/storekit/conveyor/chain"
	"github.com/storekit/conveyor/cluster"
	"github.com/storekit/conveyor/hook"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/middleware"
	"github.com/storekit/conveyor/queue"
	"github.com/storekit/conveyor/schedule"
	"github.com/storekit/conveyor/store"
	"github.com/storekit/conveyor/worker"
)

// Option configures the engine at build time.
type Option func(*config)

type config struct {
	hooks        []hook.Hook
	middlewares  []middleware.Middleware
	backoff      backoff.Strategy
	router       *queue.Router
	queueManager worker.QueueManager
	tracer       trace.Tracer
	meter        metric.Meter
	schedOpts    []schedule.SchedulerOption
}

// WithHook registers a lifecycle observer.
func WithHook(h hook.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, h) }
}

// WithMiddleware appends middleware inside the default stack, directly
// around the handler.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *config) { c.middlewares = append(c.middlewares, mws...) }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(c *config) { c.backoff = b }
}

// WithRouter sets the type-to-queue routing table.
func WithRouter(r *queue.Router) Option {
	return func(c *config) { c.router = r }
}

// WithQueueManager sets per-queue rate limiting and concurrency control.
func WithQueueManager(m worker.QueueManager) Option {
	return func(c *config) { c.queueManager = m }
}

// WithTracerProvider sources the tracing middleware's tracer from the
// given provider instead of the otel global.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracer = tp.Tracer("github.com/storekit/conveyor") }
}

// WithMeterProvider sources the metrics middleware's meter from the
// given provider instead of the otel global.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) { c.meter = mp.Meter("github.com/storekit/conveyor") }
}

// WithSchedulerOptions forwards options to the scheduler.
func WithSchedulerOptions(opts ...schedule.SchedulerOption) Option {
	return func(c *config) { c.schedOpts = append(c.schedOpts, opts...) }
}

// Engine is the assembled job system.
type Engine struct {
	coord     *conveyor.Coordinator
	store     store.Store
	registry  *job.Registry
	hooks     *hook.Registry
	router    *queue.Router
	chains    *chain.Orchestrator
	pool      *worker.Pool
	scheduler *schedule.Scheduler
	logger    *slog.Logger

	heartbeatInterval time.Duration
	shutdownTimeout   time.Duration

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Build assembles an Engine from a configured Coordinator. The
// coordinator's store must implement the full composite store.Store.
func Build(c *conveyor.Coordinator, opts ...Option) (*Engine, error) {
	if c.Store() == nil {
		return nil, conveyor.ErrNoStore
	}
	st, ok := c.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("engine: store %T does not implement store.Store", c.Store())
	}

	cfg := config{
		backoff: backoff.DefaultStrategy(),
		router:  queue.DefaultRouter(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := c.Logger()
	coordCfg := c.Config()

	e := &Engine{
		coord:             c,
		store:             st,
		registry:          job.NewRegistry(),
		hooks:             hook.NewRegistry(logger),
		router:            cfg.router,
		logger:            logger,
		heartbeatInterval: coordCfg.HeartbeatInterval,
		shutdownTimeout:   coordCfg.ShutdownTimeout,
		stopCh:            make(chan struct{}),
	}

	// The chain orchestrator advances on completion events, so it is a
	// hook like any other observer.
	e.chains = chain.NewOrchestrator(e.EnqueueRaw, logger)
	e.hooks.Register(e.chains)
	for _, h := range cfg.hooks {
		e.hooks.Register(h)
	}

	tracing := middleware.Tracing()
	if cfg.tracer != nil {
		tracing = middleware.TracingWithTracer(cfg.tracer)
	}
	metrics := middleware.Metrics()
	if cfg.meter != nil {
		metrics = middleware.MetricsWithMeter(cfg.meter)
	}
	mws := []middleware.Middleware{
		middleware.Recover(logger),
		tracing,
		metrics,
		middleware.Logging(logger),
		middleware.Timeout(logger),
	}
	mws = append(mws, cfg.middlewares...)

	executor := worker.NewExecutor(e.registry, e.hooks, st, cfg.backoff, logger, mws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(coordCfg.Concurrency),
		worker.WithPoolQueues(coordCfg.Queues),
		worker.WithQueueSlots(coordCfg.QueueSlots),
		worker.WithPollInterval(coordCfg.PollInterval),
	}
	if cfg.queueManager != nil {
		poolOpts = append(poolOpts, worker.WithQueueManager(cfg.queueManager))
	}
	e.pool = worker.NewPool(st, executor, e.hooks, logger, poolOpts...)

	e.scheduler = schedule.NewScheduler(
		st, st, e.enqueueForScheduler, e.hooks, e.pool.WorkerID(), logger,
		cfg.schedOpts...,
	)

	c.SetPool(e.pool)
	c.SetHooks(e.hooks)

	return e, nil
}

// Register installs a typed job definition on the engine's registry.
func Register[T any](e *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(e.registry, def)
}

// Enqueue marshals the payload and enqueues a job of the given type.
func Enqueue[T any](e *Engine, ctx context.Context, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: marshal payload: %w", jobType, err)
	}
	return e.EnqueueRaw(ctx, jobType, data, opts...)
}

// Registry returns the engine's job registry.
func (e *Engine) Registry() *job.Registry { return e.registry }

// Hooks returns the engine's hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Chains returns the engine's chain orchestrator, for handlers that
// schedule follow-up work.
func (e *Engine) Chains() *chain.Orchestrator { return e.chains }

// Store returns the engine's composite store.
func (e *Engine) Store() store.Store { return e.store }

// WorkerID returns this engine instance's cluster identity.
func (e *Engine) WorkerID() id.WorkerID { return e.pool.WorkerID() }

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// EnqueueRaw enqueues a job with a pre-marshalled payload. Options start
// from the type's registered defaults; when no queue is set the router
// decides. The job is returned immediately, before any execution.
func (e *Engine) EnqueueRaw(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	o, registered := e.registry.Options(jobType)
	if !registered {
		o = job.DefaultOptions()
	}
	for _, opt := range opts {
		opt(&o)
	}

	q := o.Queue
	if q == "" {
		q = e.router.Route(jobType)
	}
	runAt := o.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}

	j := &job.Job{
		Entity:     conveyor.NewEntity(),
		ID:         id.NewJobID(),
		Type:       jobType,
		Queue:      q,
		Payload:    payload,
		Status:     job.StatusPending,
		Priority:   o.Priority,
		MaxRetries: o.MaxRetries,
		Timeout:    o.Timeout,
		RunAt:      runAt,
	}
	if err := e.store.EnqueueJob(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	e.hooks.EmitJobEnqueued(ctx, j)
	e.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", jobType),
		slog.String("queue", q),
	)
	return j, nil
}

// Job returns the current job record snapshot for status polling.
func (e *Engine) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// Jobs lists job records matching the filter.
func (e *Engine) Jobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	return e.store.ListJobs(ctx, f)
}

// Cancel requests cancellation of a job. A pending job is cancelled
// immediately via a compare-and-set in the store. A job already running
// on this instance is interrupted only when terminate is true; its
// status change lands asynchronously once the handler observes the
// cancellation. Returns whether any cancellation was initiated.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID, terminate bool) (bool, error) {
	ok, err := e.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		if j, getErr := e.store.GetJob(ctx, jobID); getErr == nil {
			e.hooks.EmitJobCancelled(ctx, j)
		}
		return true, nil
	}
	if terminate {
		return e.pool.Cancel(jobID), nil
	}
	return false, nil
}

// Retry re-submits a failed job as a fresh job with a new ID, copying
// the payload and execution options. The failed record is left in place
// for the audit trail.
func (e *Engine) Retry(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusFailed {
		return nil, fmt.Errorf("retry job %s in status %q: %w", j.ID, j.Status, conveyor.ErrNotRetryable)
	}

	return e.EnqueueRaw(ctx, j.Type, j.Payload,
		job.WithQueue(j.Queue),
		job.WithPriority(j.Priority),
		job.WithMaxRetries(j.MaxRetries),
		job.WithTimeout(j.Timeout),
	)
}

// Chain enqueues the first spec and runs the rest sequentially as each
// predecessor completes. Returns the first job.
func (e *Engine) Chain(ctx context.Context, specs ...chain.Spec) (*job.Job, error) {
	return e.chains.Chain(ctx, specs...)
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

// CreateSchedule validates and persists a recurring job template. The
// first NextRunAt is computed from the cadence expression unless the
// caller set one.
func (e *Engine) CreateSchedule(ctx context.Context, s *schedule.Schedule) error {
	if s.Name == "" || s.JobType == "" {
		return conveyor.ValidationError("schedule requires a name and a job type")
	}
	expr, err := schedule.ParseExpression(s.Expression)
	if err != nil {
		return conveyor.ValidationError("invalid schedule expression %q: %v", s.Expression, err)
	}

	if s.ID.IsNil() {
		s.ID = id.NewScheduleID()
	}
	if s.CreatedAt.IsZero() {
		s.Entity = conveyor.NewEntity()
	}
	if s.NextRunAt == nil {
		next := expr.Next(time.Now().UTC())
		s.NextRunAt = &next
	}
	return e.store.CreateSchedule(ctx, s)
}

// Schedule returns one schedule by ID.
func (e *Engine) Schedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	return e.store.GetSchedule(ctx, scheduleID)
}

// Schedules lists all schedules.
func (e *Engine) Schedules(ctx context.Context) ([]*schedule.Schedule, error) {
	return e.store.ListSchedules(ctx)
}

// SetScheduleActive toggles a schedule. Deactivating suppresses future
// firings but does not cancel jobs already dispatched.
func (e *Engine) SetScheduleActive(ctx context.Context, scheduleID id.ScheduleID, active bool) error {
	s, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	s.IsActive = active
	return e.store.UpdateSchedule(ctx, s)
}

// DeleteSchedule removes a schedule and its execution history.
func (e *Engine) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	return e.store.DeleteSchedule(ctx, scheduleID)
}

// RunScheduleNow fires a schedule immediately, outside its cadence.
func (e *Engine) RunScheduleNow(ctx context.Context, scheduleID id.ScheduleID) (id.JobID, error) {
	return e.scheduler.RunNow(ctx, scheduleID)
}

// ScheduleExecutions returns the newest-first firing audit trail.
func (e *Engine) ScheduleExecutions(ctx context.Context, scheduleID id.ScheduleID, limit int) ([]*schedule.Execution, error) {
	return e.store.ListExecutions(ctx, scheduleID, limit)
}

// enqueueForScheduler adapts EnqueueRaw to the scheduler's callback.
func (e *Engine) enqueueForScheduler(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error) {
	j, err := e.EnqueueRaw(ctx, jobType, payload, opts...)
	if err != nil {
		return id.JobID{}, err
	}
	return j.ID, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start registers this instance in the cluster and launches the worker
// pool, the scheduler, and the heartbeat loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	hostname, _ := os.Hostname()
	coordCfg := e.coord.Config()
	now := time.Now().UTC()
	w := &cluster.Worker{
		ID:          e.pool.WorkerID(),
		Hostname:    hostname,
		Queues:      coordCfg.Queues,
		Concurrency: coordCfg.Concurrency,
		State:       cluster.WorkerActive,
		LastSeen:    now,
		CreatedAt:   now,
	}
	if err := e.store.RegisterWorker(ctx, w); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.heartbeatLoop()

	e.started = true
	e.logger.Info("engine started",
		slog.String("worker_id", e.pool.WorkerID().String()),
		slog.String("hostname", hostname),
	)
	return nil
}

// Stop shuts the engine down: the scheduler first so no new jobs are
// minted, then the pool (bounded by the shutdown timeout when the
// context carries no deadline), then observers and cluster deregistration.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	if err := e.scheduler.Stop(ctx); err != nil {
		e.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	poolCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		poolCtx, cancel = context.WithTimeout(ctx, e.shutdownTimeout)
		defer cancel()
	}
	if err := e.pool.Stop(poolCtx); err != nil {
		e.logger.Error("pool stop error", slog.String("error", err.Error()))
	}

	e.hooks.EmitShutdown(ctx)

	if err := e.store.DeregisterWorker(ctx, e.pool.WorkerID()); err != nil {
		e.logger.Warn("deregister worker error", slog.String("error", err.Error()))
	}

	e.logger.Info("engine stopped", slog.String("worker_id", e.pool.WorkerID().String()))
	return nil
}

// heartbeatLoop refreshes this worker's cluster registration until Stop.
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	interval := e.heartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.store.HeartbeatWorker(context.Background(), e.pool.WorkerID()); err != nil {
				e.logger.Warn("heartbeat error", slog.String("error", err.Error()))
			}
		}
	}
}
