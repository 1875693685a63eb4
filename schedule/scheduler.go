package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/storekit/conveyor/cluster"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error)

// Emitter emits schedule lifecycle events.
// hook.Registry satisfies this interface via EmitScheduleFired.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, scheduleName string, jobID id.JobID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due schedules.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-schedule distributed locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithLeaderTTL sets the TTL for leader election.
func WithLeaderTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.leaderTTL = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseExpression parses a cron expression and returns the schedule.
// Exported for use by engine.CreateSchedule.
func ParseExpression(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires due schedules on a tick loop. Only the cluster leader
// executes ticks to prevent double-firing across instances.
type Scheduler struct {
	store        Store
	clusterStore cluster.Store
	enqueue      EnqueueFunc
	emitter      Emitter
	workerID     id.WorkerID
	logger       *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration
	leaderTTL    time.Duration

	// parsed caches parsed cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	store Store,
	clusterStore cluster.Store,
	enqueue EnqueueFunc,
	emitter Emitter,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		clusterStore: clusterStore,
		enqueue:      enqueue,
		emitter:      emitter,
		workerID:     workerID,
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		leaderTTL:    15 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the leader election and tick goroutines.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(2)
	go s.leaderLoop()
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for goroutines to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow fires a schedule immediately, outside its cron cadence. The
// firing still goes through the per-schedule lock and is recorded in the
// execution history. The schedule's NextRunAt is left untouched.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID id.ScheduleID) (id.JobID, error) {
	entry, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return id.JobID{}, err
	}

	acquired, err := s.store.AcquireScheduleLock(ctx, entry.ID, s.workerID, s.lockTTL)
	if err != nil {
		return id.JobID{}, err
	}
	if !acquired {
		return id.JobID{}, fmt.Errorf("schedule %s is locked by another worker", entry.Name)
	}
	defer s.releaseLock(ctx, entry.ID)

	jobID, enqErr := s.enqueueForSchedule(ctx, entry)
	s.recordExecution(ctx, entry, jobID, enqErr)
	if enqErr != nil {
		return id.JobID{}, enqErr
	}

	now := time.Now().UTC()
	entry.LastRunAt = &now
	if updateErr := s.store.UpdateSchedule(ctx, entry); updateErr != nil {
		s.logger.Error("update schedule last run error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}

	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, entry.Name, jobID)
	}
	return jobID, nil
}

// leaderLoop continuously attempts to acquire or renew leadership.
func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	renewInterval := s.leaderTTL / 2
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	// Try once immediately at start.
	s.tryLeadership()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership()
		}
	}
}

func (s *Scheduler) tryLeadership() {
	ctx := context.Background()

	// Try to renew first (cheap if already leader).
	renewed, err := s.clusterStore.RenewLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		return
	}

	// Not leader yet; try to acquire.
	acquired, err := s.clusterStore.AcquireLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	if acquired {
		s.logger.Info("acquired scheduler leadership", slog.String("worker_id", s.workerID.String()))
	}
}

// tickLoop fires on each tick interval and processes due schedules.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	// Check if we are the leader.
	leader, err := s.clusterStore.GetLeader(ctx)
	if err != nil {
		s.logger.Warn("get leader error", slog.String("error", err.Error()))
		return
	}
	if leader == nil || leader.ID.String() != s.workerID.String() {
		return // Not the leader; skip.
	}

	entries, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.IsActive {
			continue
		}
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, entry, now)
	}
}

// fire enqueues a job for a due schedule. Every firing, successful or
// not, produces an execution audit record.
func (s *Scheduler) fire(ctx context.Context, entry *Schedule, now time.Time) {
	// Acquire per-schedule lock.
	acquired, err := s.store.AcquireScheduleLock(ctx, entry.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire schedule lock error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // Another worker got it.
	}
	defer s.releaseLock(ctx, entry.ID)

	jobID, enqErr := s.enqueueForSchedule(ctx, entry)
	s.recordExecution(ctx, entry, jobID, enqErr)

	if enqErr != nil {
		s.logger.Error("schedule enqueue error",
			slog.String("schedule_name", entry.Name),
			slog.String("job_type", entry.JobType),
			slog.String("error", enqErr.Error()),
		)
	}

	// Advance LastRunAt and NextRunAt even on enqueue failure so a
	// broken schedule doesn't fire on every tick.
	entry.LastRunAt = &now
	if sched, parseErr := s.getOrParseExpression(entry.Expression); parseErr != nil {
		s.logger.Error("parse schedule expression error",
			slog.String("schedule_name", entry.Name),
			slog.String("expression", entry.Expression),
			slog.String("error", parseErr.Error()),
		)
	} else {
		next := sched.Next(now)
		entry.NextRunAt = &next
	}
	if updateErr := s.store.UpdateSchedule(ctx, entry); updateErr != nil {
		s.logger.Error("update schedule error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}

	if enqErr != nil {
		return
	}

	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, entry.Name, jobID)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_name", entry.Name),
		slog.String("job_type", entry.JobType),
		slog.String("job_id", jobID.String()),
	)
}

// enqueueForSchedule enqueues the schedule's job with its queue and
// priority overrides.
func (s *Scheduler) enqueueForSchedule(ctx context.Context, entry *Schedule) (id.JobID, error) {
	var opts []job.Option
	if entry.Queue != "" {
		opts = append(opts, job.WithQueue(entry.Queue))
	}
	if entry.Priority != "" {
		opts = append(opts, job.WithPriority(entry.Priority))
	}
	return s.enqueue(ctx, entry.JobType, entry.Params, opts...)
}

// recordExecution appends an audit record for a firing.
func (s *Scheduler) recordExecution(ctx context.Context, entry *Schedule, jobID id.JobID, enqErr error) {
	exec := &Execution{
		ID:         id.NewExecutionID(),
		ScheduleID: entry.ID,
		JobID:      jobID,
		Success:    enqErr == nil,
		FiredAt:    time.Now().UTC(),
	}
	if enqErr != nil {
		exec.Error = enqErr.Error()
	}
	if recErr := s.store.RecordExecution(ctx, exec); recErr != nil {
		s.logger.Error("record execution error",
			slog.String("schedule_id", entry.ID.String()),
			slog.String("error", recErr.Error()),
		)
	}
}

func (s *Scheduler) releaseLock(ctx context.Context, scheduleID id.ScheduleID) {
	if err := s.store.ReleaseScheduleLock(ctx, scheduleID, s.workerID); err != nil {
		s.logger.Error("release schedule lock error",
			slog.String("schedule_id", scheduleID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// getOrParseExpression caches parsed cron expressions.
func (s *Scheduler) getOrParseExpression(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
