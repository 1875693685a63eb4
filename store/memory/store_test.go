package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/cluster"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/schedule"
	"github.com/storekit/conveyor/store/memory"
)

func newPendingJob(jobType, queue string) *job.Job {
	now := time.Now().UTC()
	j := &job.Job{
		ID:         id.NewJobID(),
		Type:       jobType,
		Queue:      queue,
		Status:     job.StatusPending,
		Priority:   job.PriorityNormal,
		MaxRetries: 3,
		RunAt:      now,
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	return j
}

func TestEnqueueJob_Duplicate(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newPendingJob("process_order", "default")

	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if err := s.EnqueueJob(ctx, j); !errors.Is(err, conveyor.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}
}

func TestClaimJobs_SetsProcessingState(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newPendingJob("process_order", "default")
	j.Progress = 40
	j.ProgressMessage = "leftover from a previous attempt"
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	workerID := id.NewWorkerID()
	claimed, err := s.ClaimJobs(ctx, []string{"default"}, workerID, 1)
	if err != nil {
		t.Fatalf("claim error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}

	got := claimed[0]
	if got.Status != job.StatusProcessing {
		t.Errorf("status = %q, want processing", got.Status)
	}
	if got.WorkerID.String() != workerID.String() {
		t.Errorf("worker = %q, want %q", got.WorkerID, workerID)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}
	if got.Progress != 0 || got.ProgressMessage != "" {
		t.Errorf("progress not reset: %d %q", got.Progress, got.ProgressMessage)
	}
}

func TestClaimJobs_ExclusiveUnderConcurrency(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	const total = 50
	for range total {
		if err := s.EnqueueJob(ctx, newPendingJob("process_order", "default")); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := id.NewWorkerID()
			for {
				jobs, err := s.ClaimJobs(ctx, []string{"default"}, workerID, 3)
				if err != nil {
					t.Errorf("claim error: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					claimed[j.ID.String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != total {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), total)
	}
	for jobID, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func TestClaimJobs_PriorityThenRunAt(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	low := newPendingJob("a", "default")
	low.Priority = job.PriorityLow
	low.RunAt = now.Add(-3 * time.Hour)

	urgent := newPendingJob("b", "default")
	urgent.Priority = job.PriorityUrgent
	urgent.RunAt = now.Add(-time.Minute)

	oldNormal := newPendingJob("c", "default")
	oldNormal.RunAt = now.Add(-2 * time.Hour)

	newNormal := newPendingJob("d", "default")
	newNormal.RunAt = now.Add(-time.Hour)

	for _, j := range []*job.Job{low, urgent, oldNormal, newNormal} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 4)
	if err != nil {
		t.Fatalf("claim error: %v", err)
	}

	wantOrder := []string{"b", "c", "d", "a"}
	if len(claimed) != len(wantOrder) {
		t.Fatalf("claimed %d jobs, want %d", len(claimed), len(wantOrder))
	}
	for i, want := range wantOrder {
		if claimed[i].Type != want {
			t.Errorf("claimed[%d].Type = %q, want %q", i, claimed[i].Type, want)
		}
	}
}

func TestClaimJobs_SkipsFutureRunAt(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newPendingJob("process_order", "default")
	j.RunAt = time.Now().UTC().Add(time.Hour)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("claim error: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d future jobs, want 0", len(claimed))
	}
}

func TestUpdateJob_DisjointFieldsDoNotClobber(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newPendingJob("generate_report", "reports")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	// Writer A updates progress, writer B updates retry bookkeeping.
	if err := s.UpdateJob(ctx, j.ID, job.Update{
		Progress:        job.Ptr(60),
		ProgressMessage: job.Ptr("aggregating rows"),
	}); err != nil {
		t.Fatalf("update error: %v", err)
	}
	if err := s.UpdateJob(ctx, j.ID, job.Update{
		RetryCount: job.Ptr(2),
		LastError:  job.Ptr("connection reset"),
	}); err != nil {
		t.Fatalf("update error: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Progress != 60 || got.ProgressMessage != "aggregating rows" {
		t.Errorf("progress clobbered: %d %q", got.Progress, got.ProgressMessage)
	}
	if got.RetryCount != 2 || got.LastError != "connection reset" {
		t.Errorf("retry fields wrong: %d %q", got.RetryCount, got.LastError)
	}
}

func TestUpdateJob_RejectsInvalidTransition(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := newPendingJob("process_order", "default")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	// Pending cannot jump straight to completed.
	err := s.UpdateJob(ctx, j.ID, job.Update{Status: job.Ptr(job.StatusCompleted)})
	if !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Fatalf("update to completed = %v, want ErrInvalidTransition", err)
	}

	claimed, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = (%d, %v), want 1 job", len(claimed), err)
	}

	// A processing job may return to pending for a retry, and writing
	// the current status again is a no-op rather than a transition.
	if err := s.UpdateJob(ctx, j.ID, job.Update{Status: job.Ptr(job.StatusPending)}); err != nil {
		t.Fatalf("retry transition rejected: %v", err)
	}
	if err := s.UpdateJob(ctx, j.ID, job.Update{Status: job.Ptr(job.StatusPending)}); err != nil {
		t.Fatalf("same-status update rejected: %v", err)
	}

	// Terminal states never move.
	if err := s.UpdateJob(ctx, j.ID, job.Update{Status: job.Ptr(job.StatusProcessing)}); err != nil {
		t.Fatalf("reclaim transition rejected: %v", err)
	}
	if err := s.UpdateJob(ctx, j.ID, job.Update{Status: job.Ptr(job.StatusFailed)}); err != nil {
		t.Fatalf("fail transition rejected: %v", err)
	}
	err = s.UpdateJob(ctx, j.ID, job.Update{Status: job.Ptr(job.StatusProcessing)})
	if !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Fatalf("reopening a failed job = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelJob_PendingOnly(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	pending := newPendingJob("process_order", "default")
	if err := s.EnqueueJob(ctx, pending); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	cancelled, err := s.CancelJob(ctx, pending.ID)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if !cancelled {
		t.Fatal("expected pending job to be cancelled")
	}

	got, _ := s.GetJob(ctx, pending.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	// Cancelling again is a no-op: the job is terminal now.
	cancelled, err = s.CancelJob(ctx, pending.ID)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if cancelled {
		t.Error("terminal job should not be cancelled again")
	}
}

func TestCancelJob_ClaimedJobNotCancellable(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	j := newPendingJob("process_order", "default")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	if _, err := s.ClaimJobs(ctx, []string{"default"}, id.NewWorkerID(), 1); err != nil {
		t.Fatalf("claim error: %v", err)
	}

	cancelled, err := s.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if cancelled {
		t.Error("processing job should not be CAS-cancelled")
	}
}

func TestCancelJob_NotFound(t *testing.T) {
	s := memory.New()
	if _, err := s.CancelJob(context.Background(), id.NewJobID()); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestDeleteExpiredJobs(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newPendingJob("generate_report", "reports")
	expired.Status = job.StatusCompleted
	past := now.Add(-time.Hour)
	expired.ExpiresAt = &past

	fresh := newPendingJob("generate_report", "reports")
	fresh.Status = job.StatusCompleted
	future := now.Add(time.Hour)
	fresh.ExpiresAt = &future

	// Processing jobs are never reaped, expiry or not.
	active := newPendingJob("generate_report", "reports")
	active.Status = job.StatusProcessing
	active.ExpiresAt = &past

	keep := newPendingJob("generate_report", "reports")

	for _, j := range []*job.Job{expired, fresh, active, keep} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}

	n, err := s.DeleteExpiredJobs(ctx, now)
	if err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d jobs, want 1", n)
	}
	if _, err := s.GetJob(ctx, expired.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("expired job still present: %v", err)
	}
	if _, err := s.GetJob(ctx, fresh.ID); err != nil {
		t.Errorf("fresh job removed: %v", err)
	}
}

func TestListJobs_FilterAndPagination(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i := range 5 {
		j := newPendingJob("process_order", "high_priority")
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}
	if err := s.EnqueueJob(ctx, newPendingJob("generate_report", "reports")); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	jobs, err := s.ListJobs(ctx, job.Filter{Queue: "high_priority", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("listed %d jobs, want 2", len(jobs))
	}

	count, err := s.CountJobs(ctx, job.Filter{Type: "generate_report"})
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func newTestSchedule(name string) *schedule.Schedule {
	now := time.Now().UTC()
	s := &schedule.Schedule{
		ID:         id.NewScheduleID(),
		Name:       name,
		JobType:    "generate_report",
		Expression: "0 2 * * *",
		IsActive:   true,
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	return s
}

func TestCreateSchedule_DuplicateName(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.CreateSchedule(ctx, newTestSchedule("nightly-sales")); err != nil {
		t.Fatalf("create error: %v", err)
	}
	err := s.CreateSchedule(ctx, newTestSchedule("nightly-sales"))
	if !errors.Is(err, conveyor.ErrDuplicateSchedule) {
		t.Fatalf("expected ErrDuplicateSchedule, got %v", err)
	}
}

func TestScheduleLock_MutualExclusion(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	entry := newTestSchedule("nightly-sales")
	if err := s.CreateSchedule(ctx, entry); err != nil {
		t.Fatalf("create error: %v", err)
	}

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()

	got, err := s.AcquireScheduleLock(ctx, entry.ID, w1, time.Minute)
	if err != nil || !got {
		t.Fatalf("first acquire = %v, %v", got, err)
	}

	got, err = s.AcquireScheduleLock(ctx, entry.ID, w2, time.Minute)
	if err != nil {
		t.Fatalf("second acquire error: %v", err)
	}
	if got {
		t.Fatal("second worker acquired a held lock")
	}

	// Releasing from the wrong worker is a no-op.
	if err := s.ReleaseScheduleLock(ctx, entry.ID, w2); err != nil {
		t.Fatalf("release error: %v", err)
	}
	got, _ = s.AcquireScheduleLock(ctx, entry.ID, w2, time.Minute)
	if got {
		t.Fatal("lock released by non-holder")
	}

	if err := s.ReleaseScheduleLock(ctx, entry.ID, w1); err != nil {
		t.Fatalf("release error: %v", err)
	}
	got, _ = s.AcquireScheduleLock(ctx, entry.ID, w2, time.Minute)
	if !got {
		t.Fatal("lock not acquirable after release")
	}
}

func TestRecordAndListExecutions(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	entry := newTestSchedule("nightly-sales")
	if err := s.CreateSchedule(ctx, entry); err != nil {
		t.Fatalf("create error: %v", err)
	}

	base := time.Now().UTC()
	for i := range 3 {
		exec := &schedule.Execution{
			ID:         id.NewExecutionID(),
			ScheduleID: entry.ID,
			JobID:      id.NewJobID(),
			Success:    i != 1,
			FiredAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if i == 1 {
			exec.Error = "enqueue failed"
		}
		if err := s.RecordExecution(ctx, exec); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}

	execs, err := s.ListExecutions(ctx, entry.ID, 2)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("listed %d executions, want 2", len(execs))
	}
	// Newest first.
	if !execs[0].FiredAt.After(execs[1].FiredAt) {
		t.Error("executions not in newest-first order")
	}
}

func TestDeleteSchedule_RemovesHistory(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	entry := newTestSchedule("nightly-sales")
	if err := s.CreateSchedule(ctx, entry); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if err := s.RecordExecution(ctx, &schedule.Execution{
		ID:         id.NewExecutionID(),
		ScheduleID: entry.ID,
		Success:    true,
		FiredAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("record error: %v", err)
	}

	if err := s.DeleteSchedule(ctx, entry.ID); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := s.GetSchedule(ctx, entry.ID); !errors.Is(err, conveyor.ErrScheduleNotFound) {
		t.Errorf("schedule still present: %v", err)
	}
	execs, err := s.ListExecutions(ctx, entry.ID, 0)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(execs) != 0 {
		t.Errorf("history survived deletion: %d records", len(execs))
	}
}

func TestLeadership(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()
	for _, wid := range []id.WorkerID{w1, w2} {
		w := &cluster.Worker{
			ID:        wid,
			Hostname:  "test-host",
			State:     cluster.WorkerActive,
			LastSeen:  time.Now().UTC(),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.RegisterWorker(ctx, w); err != nil {
			t.Fatalf("register error: %v", err)
		}
	}

	got, err := s.AcquireLeadership(ctx, w1, time.Minute)
	if err != nil || !got {
		t.Fatalf("acquire = %v, %v", got, err)
	}

	got, err = s.AcquireLeadership(ctx, w2, time.Minute)
	if err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	if got {
		t.Fatal("second worker stole unexpired leadership")
	}

	leader, err := s.GetLeader(ctx)
	if err != nil {
		t.Fatalf("get leader error: %v", err)
	}
	if leader == nil || leader.ID.String() != w1.String() {
		t.Fatalf("leader = %v, want %s", leader, w1)
	}

	renewed, err := s.RenewLeadership(ctx, w2, time.Minute)
	if err != nil {
		t.Fatalf("renew error: %v", err)
	}
	if renewed {
		t.Fatal("non-leader renewed leadership")
	}
	renewed, err = s.RenewLeadership(ctx, w1, time.Minute)
	if err != nil || !renewed {
		t.Fatalf("leader renew = %v, %v", renewed, err)
	}
}

func TestWorkerRegistry(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	wid := id.NewWorkerID()
	w := &cluster.Worker{
		ID:        wid,
		Hostname:  "test-host",
		Queues:    []string{"default"},
		State:     cluster.WorkerActive,
		LastSeen:  time.Now().UTC().Add(-time.Minute),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("register error: %v", err)
	}

	before := w.LastSeen
	if err := s.HeartbeatWorker(ctx, wid); err != nil {
		t.Fatalf("heartbeat error: %v", err)
	}
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("listed %d workers, want 1", len(workers))
	}
	if !workers[0].LastSeen.After(before) {
		t.Error("heartbeat did not advance LastSeen")
	}

	if err := s.DeregisterWorker(ctx, wid); err != nil {
		t.Fatalf("deregister error: %v", err)
	}
	if err := s.HeartbeatWorker(ctx, wid); !errors.Is(err, conveyor.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}
