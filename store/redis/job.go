package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// EnqueueJob stores the job as a Hash and adds it to the queue's Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrJobAlreadyExists
	}

	fields := jobToMap(j)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)

	// Add to queue sorted set: score = priority (negated for DESC) + time component.
	score := jobScore(j.Priority, j.RunAt)
	pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{Score: score, Member: jID})

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/redis: enqueue job: %w", err)
	}
	return nil
}

// priorityBands orders claim scans from most to least urgent. Each band
// owns a disjoint score interval, so a band can be ranged with an exact
// due-time cutoff.
var priorityBands = []job.Priority{
	job.PriorityUrgent,
	job.PriorityHigh,
	job.PriorityNormal,
	job.PriorityLow,
}

// ClaimJobs atomically claims up to limit due pending jobs from the given
// queues. Queue sorted-set membership is the pending token: ZRem is the
// claim, so a job goes to exactly one worker even with concurrent pollers.
func (s *Store) ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()
	var claimed []*job.Job

	for _, q := range queues {
		qk := queueKey(q)

		for _, band := range priorityBands {
			if len(claimed) >= limit {
				return claimed, nil
			}
			remaining := limit - len(claimed)

			// Range the band from its floor to its due-time cutoff. A
			// not-yet-due job scores above the cutoff, so it can never
			// mask due work behind it. Over-fetch a little to absorb
			// candidates lost to concurrent claimers.
			candidates, err := s.client.ZRangeByScore(ctx, qk, &goredis.ZRangeBy{
				Min:   strconv.FormatFloat(float64(-band.Ordinal()), 'f', -1, 64),
				Max:   strconv.FormatFloat(jobScore(band, now), 'f', -1, 64),
				Count: int64(remaining * 2),
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("conveyor/redis: claim zrangebyscore: %w", err)
			}

			for _, jID := range candidates {
				if len(claimed) >= limit {
					break
				}
				j, ok, claimErr := s.claimOne(ctx, qk, jID, workerID, now)
				if claimErr != nil {
					return nil, claimErr
				}
				if ok {
					claimed = append(claimed, j)
				}
			}
		}
	}
	return claimed, nil
}

// claimOne attempts to claim a single candidate. The ZRem is the claim:
// losing it means another worker got there first.
func (s *Store) claimOne(ctx context.Context, qk, jID string, workerID id.WorkerID, now time.Time) (*job.Job, bool, error) {
	key := jobKey(jID)
	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		// Orphaned queue entry; drop it.
		s.client.ZRem(ctx, qk, jID)
		return nil, false, nil
	}
	if j.RunAt.After(now) {
		return nil, false, nil
	}
	if j.Status != job.StatusPending {
		s.client.ZRem(ctx, qk, jID)
		return nil, false, nil
	}

	removed, err := s.client.ZRem(ctx, qk, jID).Result()
	if err != nil {
		return nil, false, fmt.Errorf("conveyor/redis: claim zrem: %w", err)
	}
	if removed == 0 {
		// Another worker claimed it first.
		return nil, false, nil
	}

	nowStr := now.Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"status", string(job.StatusProcessing),
		"worker_id", workerID.String(),
		"started_at", nowStr,
		"progress", "0",
		"progress_message", "",
		"updated_at", nowStr,
	).Result()
	if err != nil {
		return nil, false, fmt.Errorf("conveyor/redis: claim update: %w", err)
	}

	j.Status = job.StatusProcessing
	j.WorkerID = workerID
	j.StartedAt = &now
	j.Progress = 0
	j.ProgressMessage = ""
	j.UpdatedAt = now
	return j, true, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob applies a partial update, writing only the set fields of u as
// hash fields. A status change back to pending (retry) re-adds the job to
// its queue sorted set.
func (s *Store) UpdateJob(ctx context.Context, jobID id.JobID, u job.Update) error {
	jID := jobID.String()
	key := jobKey(jID)

	existing, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}
	if u.Status != nil && *u.Status != existing.Status && !job.ValidTransition(existing.Status, *u.Status) {
		return conveyor.ErrInvalidTransition
	}

	fields := updateToMap(u)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if u.Status != nil && *u.Status == job.StatusPending {
		runAt := existing.RunAt
		if u.RunAt != nil {
			runAt = *u.RunAt
		}
		score := jobScore(existing.Priority, runAt)
		pipe.ZAdd(ctx, queueKey(existing.Queue), goredis.Z{Score: score, Member: jID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// CancelJob transitions a pending job to cancelled. The queue sorted set
// is the pending token, so the ZRem doubles as the compare-and-set:
// a job already claimed by a worker is no longer a member and the cancel
// reports false.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	jID := jobID.String()
	key := jobKey(jID)

	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		return false, err
	}
	if j.Status != job.StatusPending {
		return false, nil
	}

	removed, err := s.client.ZRem(ctx, queueKey(j.Queue), jID).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: cancel zrem: %w", err)
	}
	if removed == 0 {
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"status", string(job.StatusCancelled),
		"completed_at", now,
		"updated_at", now,
	).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: cancel job: %w", err)
	}
	return true, nil
}

// ListJobs returns jobs matching the filter, ordered by CreatedAt.
func (s *Store) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if !matchesFilter(j, f) {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(jobs) {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the filter.
func (s *Store) CountJobs(ctx context.Context, f job.Filter) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if matchesFilter(j, f) {
			count++
		}
	}
	return count, nil
}

// DeleteExpiredJobs removes terminal jobs whose ExpiresAt is before now.
func (s *Store) DeleteExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: delete expired smembers: %w", err)
	}

	var deleted int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !j.Status.Terminal() || j.ExpiresAt == nil || !j.ExpiresAt.Before(now) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("conveyor/redis: delete expired job: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// ── helpers ──

// jobScore computes a sorted-set score from priority and run_at.
// Lower score = claimed first. Priority is negated so higher priority
// sorts first; the fractional time component gives FIFO within a band.
func jobScore(priority job.Priority, runAt time.Time) float64 {
	return float64(-priority.Ordinal()) + float64(runAt.UnixMilli())/1e15
}

func matchesFilter(j *job.Job, f job.Filter) bool {
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	return true
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":               j.ID.String(),
		"type":             j.Type,
		"queue":            j.Queue,
		"payload":          string(j.Payload),
		"status":           string(j.Status),
		"priority":         string(j.Priority),
		"progress":         strconv.Itoa(j.Progress),
		"progress_message": j.ProgressMessage,
		"max_retries":      strconv.Itoa(j.MaxRetries),
		"retry_count":      strconv.Itoa(j.RetryCount),
		"last_error":       j.LastError,
		"error_kind":       string(j.ErrorKind),
		"result":           string(j.Result),
		"artifact_ref":     j.ArtifactRef,
		"worker_id":        j.WorkerID.String(),
		"run_at":           j.RunAt.Format(time.RFC3339Nano),
		"timeout":          strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.ExpiresAt != nil {
		m["expires_at"] = j.ExpiresAt.Format(time.RFC3339Nano)
	}
	return m
}

// updateToMap maps the set fields of an Update onto hash fields. Unset
// fields are omitted so concurrent writers to disjoint fields do not
// clobber each other.
func updateToMap(u job.Update) map[string]interface{} {
	m := map[string]interface{}{}
	if u.Status != nil {
		m["status"] = string(*u.Status)
	}
	if u.Progress != nil {
		m["progress"] = strconv.Itoa(*u.Progress)
	}
	if u.ProgressMessage != nil {
		m["progress_message"] = *u.ProgressMessage
	}
	if u.RetryCount != nil {
		m["retry_count"] = strconv.Itoa(*u.RetryCount)
	}
	if u.LastError != nil {
		m["last_error"] = *u.LastError
	}
	if u.ErrorKind != nil {
		m["error_kind"] = string(*u.ErrorKind)
	}
	if u.Result != nil {
		m["result"] = string(u.Result)
	}
	if u.ArtifactRef != nil {
		m["artifact_ref"] = *u.ArtifactRef
	}
	if u.WorkerID != nil {
		m["worker_id"] = u.WorkerID.String()
	}
	if u.RunAt != nil {
		m["run_at"] = u.RunAt.Format(time.RFC3339Nano)
	}
	if u.StartedAt != nil {
		m["started_at"] = u.StartedAt.Format(time.RFC3339Nano)
	}
	if u.CompletedAt != nil {
		m["completed_at"] = u.CompletedAt.Format(time.RFC3339Nano)
	}
	if u.ExpiresAt != nil {
		m["expires_at"] = u.ExpiresAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}

	progress, _ := strconv.Atoi(m["progress"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])      //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])      //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:              jID,
		Type:            m["type"],
		Queue:           m["queue"],
		Payload:         []byte(m["payload"]),
		Status:          job.Status(m["status"]),
		Priority:        job.Priority(m["priority"]),
		Progress:        progress,
		ProgressMessage: m["progress_message"],
		MaxRetries:      maxRetries,
		RetryCount:      retryCount,
		LastError:       m["last_error"],
		ErrorKind:       conveyor.Kind(m["error_kind"]),
		Result:          []byte(m["result"]),
		ArtifactRef:     m["artifact_ref"],
		RunAt:           runAt,
		Timeout:         time.Duration(timeout),
	}
	j.CreatedAt = createdAt
	j.UpdatedAt = updatedAt

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["expires_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ExpiresAt = &t
	}
	if len(j.Payload) == 0 {
		j.Payload = nil
	}
	if len(j.Result) == 0 {
		j.Result = nil
	}
	return j, nil
}
