package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
)

// jobColumns is the canonical column list shared by every job query.
const jobColumns = `
	id, type, queue, payload, status, priority, progress, progress_message,
	max_retries, retry_count, last_error, error_kind, result, artifact_ref,
	worker_id, run_at, started_at, completed_at, expires_at, timeout,
	created_at, updated_at`

// priorityRank maps the textual priority column to its claim-ordering
// rank. Must stay in sync with job.Priority.Ordinal.
const priorityRank = `
	CASE priority
		WHEN 'urgent' THEN 3
		WHEN 'high' THEN 2
		WHEN 'low' THEN 0
		ELSE 1
	END`

// EnqueueJob persists a new job in pending status.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (
			id, type, queue, payload, status, priority, progress, progress_message,
			max_retries, retry_count, last_error, error_kind, result, artifact_ref,
			worker_id, run_at, started_at, completed_at, expires_at, timeout,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22
		)`,
		j.ID.String(), j.Type, j.Queue, []byte(j.Payload), string(j.Status),
		string(j.Priority), j.Progress, j.ProgressMessage,
		j.MaxRetries, j.RetryCount, j.LastError, string(j.ErrorKind),
		[]byte(j.Result), j.ArtifactRef,
		j.WorkerID.String(), j.RunAt, j.StartedAt, j.CompletedAt, j.ExpiresAt,
		j.Timeout.Nanoseconds(),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimJobs atomically claims up to limit due pending jobs from the given
// queues, sets them to processing, and returns them. Uses SELECT FOR
// UPDATE SKIP LOCKED so concurrent pollers never claim the same job.
func (s *Store) ClaimJobs(ctx context.Context, queues []string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE conveyor_jobs
			SET status = 'processing', worker_id = $3, started_at = NOW(),
				progress = 0, progress_message = '', updated_at = NOW()
			WHERE id IN (
				SELECT id FROM conveyor_jobs
				WHERE status = 'pending'
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				ORDER BY `+priorityRank+` DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY `+priorityRank+` DESC, run_at ASC`,
		queues, limit, workerID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob applies a partial update. Only the set fields of u become SET
// clauses, so concurrent writers to disjoint fields do not clobber each
// other.
func (s *Store) UpdateJob(ctx context.Context, jobID id.JobID, u job.Update) error {
	// A status change must be a valid lifecycle transition. Claim and
	// cancel use their own atomic guards; here a read-then-write check
	// suffices, since each job has a single writer once claimed.
	if u.Status != nil {
		var current string
		err := s.pool.QueryRow(ctx,
			`SELECT status FROM conveyor_jobs WHERE id = $1`,
			jobID.String(),
		).Scan(&current)
		if err != nil {
			if isNoRows(err) {
				return conveyor.ErrJobNotFound
			}
			return fmt.Errorf("conveyor/postgres: update status check: %w", err)
		}
		if from := job.Status(current); from != *u.Status && !job.ValidTransition(from, *u.Status) {
			return conveyor.ErrInvalidTransition
		}
	}

	sets := []string{"updated_at = NOW()"}
	args := []interface{}{jobID.String()}
	argIdx := 2

	addSet := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if u.Status != nil {
		addSet("status", string(*u.Status))
	}
	if u.Progress != nil {
		addSet("progress", *u.Progress)
	}
	if u.ProgressMessage != nil {
		addSet("progress_message", *u.ProgressMessage)
	}
	if u.RetryCount != nil {
		addSet("retry_count", *u.RetryCount)
	}
	if u.LastError != nil {
		addSet("last_error", *u.LastError)
	}
	if u.ErrorKind != nil {
		addSet("error_kind", string(*u.ErrorKind))
	}
	if u.Result != nil {
		addSet("result", []byte(u.Result))
	}
	if u.ArtifactRef != nil {
		addSet("artifact_ref", *u.ArtifactRef)
	}
	if u.WorkerID != nil {
		addSet("worker_id", u.WorkerID.String())
	}
	if u.RunAt != nil {
		addSet("run_at", *u.RunAt)
	}
	if u.StartedAt != nil {
		addSet("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		addSet("completed_at", *u.CompletedAt)
	}
	if u.ExpiresAt != nil {
		addSet("expires_at", *u.ExpiresAt)
	}

	query := "UPDATE conveyor_jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// CancelJob transitions a pending job to cancelled. The status guard in
// the WHERE clause makes the check-and-write atomic.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		jobID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: cancel check exists: %w", err)
	}
	if !exists {
		return false, conveyor.ErrJobNotFound
	}
	return false, nil
}

// ListJobs returns jobs matching the filter, ordered by CreatedAt.
func (s *Store) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conveyor_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if f.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, f.Queue)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, f.Type)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the filter.
func (s *Store) CountJobs(ctx context.Context, f job.Filter) (int64, error) {
	query := `SELECT COUNT(*) FROM conveyor_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if f.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, f.Queue)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, f.Type)
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	return count, nil
}

// DeleteExpiredJobs removes terminal jobs whose ExpiresAt is before now.
func (s *Store) DeleteExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: delete expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		statusStr string
		prioStr   string
		kindStr   string
		workerStr *string
		payload   []byte
		result    []byte
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.Type, &j.Queue, &payload, &statusStr, &prioStr,
		&j.Progress, &j.ProgressMessage,
		&j.MaxRetries, &j.RetryCount, &j.LastError, &kindStr,
		&result, &j.ArtifactRef,
		&workerStr, &j.RunAt, &j.StartedAt, &j.CompletedAt, &j.ExpiresAt,
		&timeoutNs,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload = payload
	j.Result = result
	j.Status = job.Status(statusStr)
	j.Priority = job.Priority(prioStr)
	j.ErrorKind = conveyor.Kind(kindStr)
	j.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != nil && *workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(*workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
