package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/backoff"
	"github.com/storekit/conveyor/chain"
	"github.com/storekit/conveyor/engine"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/queue"
	"github.com/storekit/conveyor/schedule"
	"github.com/storekit/conveyor/store/memory"
)

func setupEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()

	c, err := conveyor.New(
		conveyor.WithStore(memory.New()),
		conveyor.WithConcurrency(2),
		conveyor.WithQueues([]string{
			queue.Default, queue.HighPriority, queue.Reports, queue.Maintenance,
		}),
		conveyor.WithPollInterval(10*time.Millisecond),
		conveyor.WithLogger(slog.Default()),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	opts = append([]engine.Option{
		engine.WithBackoff(backoff.NewConstant(10 * time.Millisecond)),
		engine.WithSchedulerOptions(
			schedule.WithTickInterval(20*time.Millisecond),
			schedule.WithLeaderTTL(200*time.Millisecond),
			schedule.WithLockTTL(time.Second),
		),
	}, opts...)

	e, err := engine.Build(c, opts...)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return e
}

func startEngine(t *testing.T, e *engine.Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Stop(ctx); err != nil {
			t.Errorf("stop engine: %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestEngine_EnqueueAndProcess(t *testing.T) {
	e := setupEngine(t)

	type greeting struct {
		Name string `json:"name"`
	}
	var got atomic.Value
	engine.Register(e, job.NewDefinition("greet",
		func(_ context.Context, p greeting) (*job.Result, error) {
			got.Store(p.Name)
			return job.NewResult(map[string]string{"greeted": p.Name})
		},
	))

	startEngine(t, e)

	j, err := engine.Enqueue(e, context.Background(), "greet", greeting{Name: "Ada"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.Queue != queue.Default {
		t.Errorf("queue = %q, want default", j.Queue)
	}

	waitFor(t, "job completion", func() bool {
		snap, err := e.Job(context.Background(), j.ID)
		return err == nil && snap.Status == job.StatusCompleted
	})
	if got.Load() != "Ada" {
		t.Errorf("handler saw %v, want Ada", got.Load())
	}

	snap, _ := e.Job(context.Background(), j.ID)
	if snap.Progress != 100 {
		t.Errorf("progress = %d, want 100", snap.Progress)
	}
	var summary map[string]string
	if err := json.Unmarshal(snap.Result, &summary); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if summary["greeted"] != "Ada" {
		t.Errorf("result = %v", summary)
	}
}

func TestEngine_RoutesByJobType(t *testing.T) {
	e := setupEngine(t)
	engine.Register(e, job.NewDefinition("process_order",
		func(_ context.Context, _ struct{}) (*job.Result, error) { return nil, nil },
	))

	j, err := engine.Enqueue(e, context.Background(), "process_order", struct{}{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.Queue != queue.HighPriority {
		t.Errorf("queue = %q, want high_priority", j.Queue)
	}

	// Explicit queue overrides routing.
	j, err = engine.Enqueue(e, context.Background(), "process_order", struct{}{},
		job.WithQueue(queue.Maintenance))
	if err != nil {
		t.Fatalf("enqueue with queue: %v", err)
	}
	if j.Queue != queue.Maintenance {
		t.Errorf("queue = %q, want maintenance", j.Queue)
	}
}

func TestEngine_RetryBoundIsExact(t *testing.T) {
	e := setupEngine(t)

	var attempts atomic.Int32
	engine.Register(e, job.NewDefinition("always_fails",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			attempts.Add(1)
			return nil, conveyor.TransientError(errors.New("dependency down"), "flaky call")
		},
		job.WithMaxRetries(2),
	))

	startEngine(t, e)

	j, err := engine.Enqueue(e, context.Background(), "always_fails", struct{}{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "job to fail terminally", func() bool {
		snap, err := e.Job(context.Background(), j.ID)
		return err == nil && snap.Status == job.StatusFailed
	})

	// Initial attempt plus exactly MaxRetries retries.
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	snap, _ := e.Job(context.Background(), j.ID)
	if snap.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", snap.RetryCount)
	}
	if snap.ErrorKind != conveyor.KindTransient {
		t.Errorf("error kind = %q, want transient", snap.ErrorKind)
	}
}

func TestEngine_ChainFailFast(t *testing.T) {
	e := setupEngine(t)

	var thirdRan atomic.Bool
	engine.Register(e, job.NewDefinition("link_ok",
		func(_ context.Context, _ struct{}) (*job.Result, error) { return nil, nil },
	))
	engine.Register(e, job.NewDefinition("link_fails",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			return nil, conveyor.ValidationError("broken link")
		},
	))
	engine.Register(e, job.NewDefinition("link_never",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			thirdRan.Store(true)
			return nil, nil
		},
	))

	startEngine(t, e)

	first, err := e.Chain(context.Background(),
		chain.Spec{Type: "link_ok"},
		chain.Spec{Type: "link_fails"},
		chain.Spec{Type: "link_never"},
	)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	waitFor(t, "first link completion", func() bool {
		snap, err := e.Job(context.Background(), first.ID)
		return err == nil && snap.Status == job.StatusCompleted
	})
	waitFor(t, "second link terminal failure", func() bool {
		jobs, err := e.Jobs(context.Background(), job.Filter{Type: "link_fails"})
		return err == nil && len(jobs) == 1 && jobs[0].Status == job.StatusFailed
	})

	// The third link was never even enqueued.
	time.Sleep(100 * time.Millisecond)
	jobs, err := e.Jobs(context.Background(), job.Filter{Type: "link_never"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("third link has %d job records, want 0", len(jobs))
	}
	if thirdRan.Load() {
		t.Error("third link executed")
	}
}

func TestEngine_CancelPendingJob(t *testing.T) {
	e := setupEngine(t)

	var ran atomic.Bool
	engine.Register(e, job.NewDefinition("never_runs",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			ran.Store(true)
			return nil, nil
		},
		job.WithRunAt(time.Now().Add(time.Hour)),
	))

	startEngine(t, e)

	j, err := engine.Enqueue(e, context.Background(), "never_runs", struct{}{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := e.Cancel(context.Background(), j.ID, false)
	if err != nil || !ok {
		t.Fatalf("cancel = (%v, %v), want (true, nil)", ok, err)
	}

	snap, _ := e.Job(context.Background(), j.ID)
	if snap.Status != job.StatusCancelled {
		t.Errorf("status = %q, want cancelled", snap.Status)
	}

	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled job executed")
	}
}

func TestEngine_RetryMintsNewJob(t *testing.T) {
	e := setupEngine(t)

	var fail atomic.Bool
	fail.Store(true)
	engine.Register(e, job.NewDefinition("recoverable",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			if fail.Load() {
				return nil, conveyor.ValidationError("bad input")
			}
			return nil, nil
		},
	))

	startEngine(t, e)

	j, err := engine.Enqueue(e, context.Background(), "recoverable", struct{}{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "terminal failure", func() bool {
		snap, err := e.Job(context.Background(), j.ID)
		return err == nil && snap.Status == job.StatusFailed
	})

	fail.Store(false)
	clone, err := e.Retry(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if clone.ID == j.ID {
		t.Error("retry reused the failed job's ID")
	}

	waitFor(t, "clone completion", func() bool {
		snap, err := e.Job(context.Background(), clone.ID)
		return err == nil && snap.Status == job.StatusCompleted
	})

	// The original record is untouched, and a completed job cannot be
	// retried again.
	snap, _ := e.Job(context.Background(), j.ID)
	if snap.Status != job.StatusFailed {
		t.Errorf("original status = %q, want failed", snap.Status)
	}
	if _, err := e.Retry(context.Background(), clone.ID); !errors.Is(err, conveyor.ErrNotRetryable) {
		t.Errorf("retry of completed job = %v, want ErrNotRetryable", err)
	}
}

func TestEngine_SchedulerFiresAndAudits(t *testing.T) {
	e := setupEngine(t)

	var fired atomic.Int32
	engine.Register(e, job.NewDefinition("heartbeat_report",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			fired.Add(1)
			return nil, nil
		},
	))

	startEngine(t, e)

	s := &schedule.Schedule{
		Name:       "heartbeat",
		JobType:    "heartbeat_report",
		Expression: "@every 50ms",
		IsActive:   true,
	}
	if err := e.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	waitFor(t, "schedule to fire", func() bool {
		return fired.Load() >= 1
	})

	waitFor(t, "execution audit row", func() bool {
		execs, err := e.ScheduleExecutions(context.Background(), s.ID, 10)
		return err == nil && len(execs) >= 1 && execs[0].Success
	})

	got, err := e.Schedule(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("LastRunAt not advanced")
	}
}

func TestEngine_RunScheduleNow(t *testing.T) {
	e := setupEngine(t)

	engine.Register(e, job.NewDefinition("monthly_report",
		func(_ context.Context, _ struct{}) (*job.Result, error) { return nil, nil },
	))

	startEngine(t, e)

	// A far-future cadence that never fires on its own.
	s := &schedule.Schedule{
		Name:       "monthly",
		JobType:    "monthly_report",
		Expression: "0 0 1 * *",
		IsActive:   true,
	}
	if err := e.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	jobID, err := e.RunScheduleNow(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if jobID.IsNil() {
		t.Fatal("run now returned nil job ID")
	}

	waitFor(t, "forced firing to complete", func() bool {
		snap, err := e.Job(context.Background(), jobID)
		return err == nil && snap.Status == job.StatusCompleted
	})

	execs, err := e.ScheduleExecutions(context.Background(), s.ID, 1)
	if err != nil || len(execs) != 1 {
		t.Fatalf("executions = %d (%v), want 1", len(execs), err)
	}
	if !execs[0].Success || execs[0].JobID != jobID {
		t.Errorf("execution = %+v", execs[0])
	}
}

func TestEngine_SetScheduleActive(t *testing.T) {
	e := setupEngine(t)

	s := &schedule.Schedule{
		Name:       "toggleable",
		JobType:    "noop",
		Expression: "@every 1h",
		IsActive:   true,
	}
	if err := e.CreateSchedule(context.Background(), s); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	if err := e.SetScheduleActive(context.Background(), s.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, err := e.Schedule(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.IsActive {
		t.Error("schedule still active")
	}

	if err := e.DeleteSchedule(context.Background(), s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := e.Schedule(context.Background(), s.ID); !errors.Is(err, conveyor.ErrScheduleNotFound) {
		t.Errorf("get deleted schedule = %v, want ErrScheduleNotFound", err)
	}
}

func TestEngine_BuildRejectsPartialStore(t *testing.T) {
	c, err := conveyor.New()
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if _, err := engine.Build(c); !errors.Is(err, conveyor.ErrNoStore) {
		t.Errorf("build without store = %v, want ErrNoStore", err)
	}
}

func TestEngine_InvalidScheduleExpressionRejected(t *testing.T) {
	e := setupEngine(t)

	err := e.CreateSchedule(context.Background(), &schedule.Schedule{
		Name:       "broken",
		JobType:    "noop",
		Expression: "not a cron",
		IsActive:   true,
	})
	var ce *conveyor.Error
	if !errors.As(err, &ce) || ce.Kind != conveyor.KindValidation {
		t.Fatalf("error = %v, want validation", err)
	}
}
