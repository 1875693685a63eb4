package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/backoff"
	"github.com/storekit/conveyor/hook"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/middleware"
	"github.com/storekit/conveyor/store/memory"
	"github.com/storekit/conveyor/worker"
)

// countingHook records terminal lifecycle events.
type countingHook struct {
	completed int
	retrying  int
	failed    int
	cancelled int

	lastAttempt int
	lastNextRun time.Time
}

func (h *countingHook) Name() string { return "counting" }

func (h *countingHook) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	h.completed++
	return nil
}

func (h *countingHook) OnJobRetrying(_ context.Context, _ *job.Job, attempt int, nextRunAt time.Time) error {
	h.retrying++
	h.lastAttempt = attempt
	h.lastNextRun = nextRunAt
	return nil
}

func (h *countingHook) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	h.failed++
	return nil
}

func (h *countingHook) OnJobCancelled(_ context.Context, _ *job.Job) error {
	h.cancelled++
	return nil
}

func setupExecutor(t *testing.T) (*worker.Executor, *memory.Store, *job.Registry, *countingHook) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	hooks := hook.NewRegistry(logger)
	counter := &countingHook{}
	hooks.Register(counter)

	bo := backoff.NewConstant(time.Minute)
	executor := worker.NewExecutor(
		reg, hooks, s, bo, logger,
		middleware.Recover(logger),
		middleware.Timeout(logger),
	)
	return executor, s, reg, counter
}

// claimedJob enqueues a job and claims it, mirroring what the pool does
// before handing it to the executor.
func claimedJob(t *testing.T, s *memory.Store, jobType string, payload []byte, maxRetries int) *job.Job {
	t.Helper()
	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		Type:       jobType,
		Queue:      "default",
		Payload:    payload,
		Status:     job.StatusPending,
		Priority:   job.PriorityNormal,
		MaxRetries: maxRetries,
		RunAt:      now,
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	claimed, err := s.ClaimJobs(context.Background(), []string{"default"}, id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("claim error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	return claimed[0]
}

func TestExecute_Success(t *testing.T) {
	executor, s, reg, counter := setupExecutor(t)

	job.RegisterDefinition(reg, job.NewDefinition("greet",
		func(_ context.Context, p struct{ Name string }) (*job.Result, error) {
			if p.Name != "Alice" {
				t.Errorf("payload.Name = %q, want %q", p.Name, "Alice")
			}
			res, _ := job.NewResult(map[string]string{"greeting": "hello Alice"})
			res.ArtifactRef = "greetings/alice.txt"
			return res, nil
		},
		job.WithResultTTL(time.Hour),
	))

	j := claimedJob(t, s, "greet", []byte(`{"Name":"Alice"}`), 3)

	if err := executor.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute error: %v", err)
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if string(got.Result) != `{"greeting":"hello Alice"}` {
		t.Errorf("result = %s", got.Result)
	}
	if got.ArtifactRef != "greetings/alice.txt" {
		t.Errorf("artifact ref = %q", got.ArtifactRef)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.ExpiresAt == nil {
		t.Error("ExpiresAt not set despite ResultTTL")
	}
	if counter.completed != 1 {
		t.Errorf("completed hooks = %d, want 1", counter.completed)
	}
}

func TestExecute_ValidationError_FailsImmediately(t *testing.T) {
	executor, s, reg, counter := setupExecutor(t)

	job.RegisterDefinition(reg, job.NewDefinition("validate",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			return nil, conveyor.ValidationError("order total must be positive")
		},
	))

	j := claimedJob(t, s, "validate", nil, 3)

	if err := executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected error")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (no retry for validation)", got.RetryCount)
	}
	if got.ErrorKind != conveyor.KindValidation {
		t.Errorf("error kind = %q, want validation", got.ErrorKind)
	}
	if counter.failed != 1 || counter.retrying != 0 {
		t.Errorf("hooks: failed=%d retrying=%d", counter.failed, counter.retrying)
	}
}

func TestExecute_TransientError_SchedulesRetry(t *testing.T) {
	executor, s, reg, counter := setupExecutor(t)

	job.RegisterDefinition(reg, job.NewDefinition("flaky",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			return nil, conveyor.TransientError(errors.New("connection reset"), "warehouse api unavailable")
		},
	))

	j := claimedJob(t, s, "flaky", nil, 3)
	before := time.Now().UTC()

	if err := executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected retry error")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusPending {
		t.Errorf("status = %q, want pending (requeued for retry)", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.ErrorKind != conveyor.KindTransient {
		t.Errorf("error kind = %q, want transient", got.ErrorKind)
	}
	if got.Progress != 0 || got.ProgressMessage != "" {
		t.Errorf("progress not reset: %d %q", got.Progress, got.ProgressMessage)
	}
	if !got.WorkerID.IsNil() {
		t.Errorf("worker assignment not cleared: %q", got.WorkerID)
	}
	// Constant backoff of one minute.
	if got.RunAt.Before(before.Add(50 * time.Second)) {
		t.Errorf("RunAt = %v, want at least ~1m after %v", got.RunAt, before)
	}
	if counter.retrying != 1 || counter.lastAttempt != 1 {
		t.Errorf("retrying hooks = %d (attempt %d), want 1 (attempt 1)", counter.retrying, counter.lastAttempt)
	}
}

func TestExecute_RetriesExhausted(t *testing.T) {
	executor, s, reg, counter := setupExecutor(t)

	job.RegisterDefinition(reg, job.NewDefinition("flaky",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			return nil, conveyor.TransientError(nil, "still down")
		},
	))

	j := claimedJob(t, s, "flaky", nil, 2)
	// Simulate a job that has already burned through its retries.
	if err := s.UpdateJob(context.Background(), j.ID, job.Update{RetryCount: job.Ptr(2)}); err != nil {
		t.Fatalf("update error: %v", err)
	}
	j.RetryCount = 2

	if err := executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected error")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if counter.failed != 1 {
		t.Errorf("failed hooks = %d, want 1", counter.failed)
	}
}

func TestExecute_TimeoutRetries(t *testing.T) {
	executor, s, reg, counter := setupExecutor(t)

	job.RegisterDefinition(reg, job.NewDefinition("slow",
		func(ctx context.Context, _ struct{}) (*job.Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		},
	))

	j := claimedJob(t, s, "slow", nil, 3)
	j.Timeout = 20 * time.Millisecond

	if err := executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected error")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusPending {
		t.Errorf("status = %q, want pending (timeout is retryable)", got.Status)
	}
	if got.ErrorKind != conveyor.KindTimeout {
		t.Errorf("error kind = %q, want timeout", got.ErrorKind)
	}
	if counter.retrying != 1 {
		t.Errorf("retrying hooks = %d, want 1", counter.retrying)
	}
}

func TestExecute_CancelledDuringExecution(t *testing.T) {
	executor, s, reg, counter := setupExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())

	job.RegisterDefinition(reg, job.NewDefinition("cancellable",
		func(ctx context.Context, _ struct{}) (*job.Result, error) {
			cancel()
			return nil, job.Progress(ctx, 50, "halfway")
		},
	))

	j := claimedJob(t, s, "cancellable", nil, 3)

	if err := executor.Execute(ctx, j); err == nil {
		t.Fatal("expected cancellation error")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if got.ErrorKind != conveyor.KindCancelled {
		t.Errorf("error kind = %q, want cancelled", got.ErrorKind)
	}
	if counter.cancelled != 1 {
		t.Errorf("cancelled hooks = %d, want 1", counter.cancelled)
	}
	if counter.retrying != 0 {
		t.Errorf("cancelled job must not retry, retrying hooks = %d", counter.retrying)
	}
}

func TestExecute_ProgressIsPersistedAndMonotonic(t *testing.T) {
	executor, s, reg, _ := setupExecutor(t)

	job.RegisterDefinition(reg, job.NewDefinition("stepped",
		func(ctx context.Context, _ struct{}) (*job.Result, error) {
			if err := job.Progress(ctx, 30, "reserving stock"); err != nil {
				return nil, err
			}
			if err := job.Progress(ctx, 70, "updating order"); err != nil {
				return nil, err
			}
			// A stale milestone must be dropped, not persisted.
			if err := job.Progress(ctx, 20, "stale"); err != nil {
				return nil, err
			}
			return nil, conveyor.TransientError(nil, "stop here to inspect progress")
		},
	))

	j := claimedJob(t, s, "stepped", nil, 0)

	_ = executor.Execute(context.Background(), j)

	got, _ := s.GetJob(context.Background(), j.ID)
	// The job failed terminally (MaxRetries 0), so progress stays at the
	// last accepted milestone.
	if got.Progress != 70 {
		t.Errorf("progress = %d, want 70", got.Progress)
	}
	if got.ProgressMessage != "updating order" {
		t.Errorf("progress message = %q, want %q", got.ProgressMessage, "updating order")
	}
}

// slowUpdateStore delays progress-only updates to simulate a slow
// backend. Outcome updates (those carrying a status) pass straight
// through.
type slowUpdateStore struct {
	job.Store
	delay time.Duration
}

func (s *slowUpdateStore) UpdateJob(ctx context.Context, jobID id.JobID, u job.Update) error {
	if u.Status == nil && u.Progress != nil {
		time.Sleep(s.delay)
	}
	return s.Store.UpdateJob(ctx, jobID, u)
}

func TestExecute_ProgressDoesNotBlockHandler(t *testing.T) {
	logger := slog.Default()
	mem := memory.New()
	slow := &slowUpdateStore{Store: mem, delay: 150 * time.Millisecond}
	reg := job.NewRegistry()
	hooks := hook.NewRegistry(logger)
	executor := worker.NewExecutor(reg, hooks, slow, backoff.NewConstant(time.Minute), logger)

	var reporting time.Duration
	job.RegisterDefinition(reg, job.NewDefinition("stepped",
		func(ctx context.Context, _ struct{}) (*job.Result, error) {
			start := time.Now()
			for pct := 10; pct <= 90; pct += 20 {
				if err := job.Progress(ctx, pct, "working"); err != nil {
					return nil, err
				}
			}
			reporting = time.Since(start)
			return nil, conveyor.TransientError(nil, "stop here to inspect progress")
		},
	))

	j := claimedJob(t, mem, "stepped", nil, 0)

	_ = executor.Execute(context.Background(), j)

	// Five milestones against a 150ms store write: a handler waiting on
	// persistence would spend at least one full write in Progress calls.
	if reporting >= slow.delay {
		t.Errorf("handler spent %v reporting progress, want well under %v", reporting, slow.delay)
	}

	// The last milestone still lands before the terminal write.
	got, err := mem.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Progress != 90 {
		t.Errorf("progress = %d, want 90", got.Progress)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestExecute_UnknownTypeFails(t *testing.T) {
	executor, s, _, counter := setupExecutor(t)

	j := claimedJob(t, s, "no_such_type", nil, 3)

	if err := executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected error for unknown job type")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorKind != conveyor.KindValidation {
		t.Errorf("error kind = %q, want validation", got.ErrorKind)
	}
	if counter.failed != 1 {
		t.Errorf("failed hooks = %d, want 1", counter.failed)
	}
}

func TestExecute_PanicIsRecoveredAndRetried(t *testing.T) {
	executor, s, reg, counter := setupExecutor(t)

	job.RegisterDefinition(reg, job.NewDefinition("panicky",
		func(_ context.Context, _ struct{}) (*job.Result, error) {
			panic("nil map write")
		},
	))

	j := claimedJob(t, s, "panicky", nil, 3)

	if err := executor.Execute(context.Background(), j); err == nil {
		t.Fatal("expected error from recovered panic")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	// A recovered panic classifies as transient and is retried.
	if got.Status != job.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if counter.retrying != 1 {
		t.Errorf("retrying hooks = %d, want 1", counter.retrying)
	}
}
