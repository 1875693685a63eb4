package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/schedule"
)

const scheduleColumns = `
	id, name, job_type, params, queue, priority, expression, is_active,
	last_run_at, next_run_at, locked_by, locked_until, created_at, updated_at`

// CreateSchedule persists a new schedule. Returns ErrDuplicateSchedule if
// the name already exists.
func (s *Store) CreateSchedule(ctx context.Context, sch *schedule.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_schedules (
			id, name, job_type, params, queue, priority, expression, is_active,
			last_run_at, next_run_at, locked_by, locked_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sch.ID.String(), sch.Name, sch.JobType, sch.Params, sch.Queue,
		string(sch.Priority), sch.Expression, sch.IsActive,
		sch.LastRunAt, sch.NextRunAt, nilIfEmpty(sch.LockedBy), sch.LockedUntil,
		sch.CreatedAt, sch.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrDuplicateSchedule
		}
		return fmt.Errorf("conveyor/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM conveyor_schedules WHERE id = $1`,
		scheduleID.String(),
	)

	sch, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get schedule: %w", err)
	}
	return sch, nil
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM conveyor_schedules ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*schedule.Schedule
	for rows.Next() {
		sch, scanErr := scanSchedule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan schedule row: %w", scanErr)
		}
		schedules = append(schedules, sch)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate schedule rows: %w", err)
	}
	return schedules, nil
}

// UpdateSchedule updates a schedule (IsActive, NextRunAt, etc.). Lock
// fields are owned by Acquire/ReleaseScheduleLock and left untouched.
func (s *Store) UpdateSchedule(ctx context.Context, sch *schedule.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules SET
			name = $2, job_type = $3, params = $4, queue = $5, priority = $6,
			expression = $7, is_active = $8,
			last_run_at = $9, next_run_at = $10,
			updated_at = NOW()
		WHERE id = $1`,
		sch.ID.String(), sch.Name, sch.JobType, sch.Params, sch.Queue,
		string(sch.Priority), sch.Expression, sch.IsActive,
		sch.LastRunAt, sch.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule. Its execution history goes with it
// via ON DELETE CASCADE.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_schedules WHERE id = $1`,
		scheduleID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

// AcquireScheduleLock attempts to acquire the firing lock for a schedule.
// Succeeds if there is no lock, the lock expired, or the caller already
// holds it.
func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	wID := workerID.String()

	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules
		SET locked_by = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_until < $4 OR locked_by = $2)`,
		scheduleID.String(), wID, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: acquire schedule lock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		existErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM conveyor_schedules WHERE id = $1)`,
			scheduleID.String(),
		).Scan(&exists)
		if existErr != nil {
			return false, fmt.Errorf("conveyor/postgres: check schedule exists: %w", existErr)
		}
		if !exists {
			return false, conveyor.ErrScheduleNotFound
		}
		// Lock held by another worker.
		return false, nil
	}

	return true, nil
}

// ReleaseScheduleLock releases the firing lock if held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules
		SET locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		scheduleID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: release schedule lock: %w", err)
	}
	return nil
}

// RecordExecution appends an execution audit record.
func (s *Store) RecordExecution(ctx context.Context, e *schedule.Execution) error {
	jobID := nilIfEmpty(e.JobID.String())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_executions (id, schedule_id, job_id, success, error, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID.String(), e.ScheduleID.String(), jobID, e.Success, e.Error, e.FiredAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: record execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions for a schedule,
// newest first. Zero limit means no limit.
func (s *Store) ListExecutions(ctx context.Context, scheduleID id.ScheduleID, limit int) ([]*schedule.Execution, error) {
	query := `
		SELECT id, schedule_id, job_id, success, error, fired_at
		FROM conveyor_executions
		WHERE schedule_id = $1
		ORDER BY fired_at DESC`
	args := []interface{}{scheduleID.String()}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list executions: %w", err)
	}
	defer rows.Close()

	var execs []*schedule.Execution
	for rows.Next() {
		e, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan execution row: %w", scanErr)
		}
		execs = append(execs, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate execution rows: %w", err)
	}
	return execs, nil
}

// scanSchedule scans a single schedule row.
func scanSchedule(row pgx.Row) (*schedule.Schedule, error) {
	var (
		sch     schedule.Schedule
		idStr   string
		prio    string
		lockBy  *string
		params  []byte
	)
	err := row.Scan(
		&idStr, &sch.Name, &sch.JobType, &params, &sch.Queue, &prio,
		&sch.Expression, &sch.IsActive,
		&sch.LastRunAt, &sch.NextRunAt, &lockBy, &sch.LockedUntil,
		&sch.CreatedAt, &sch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sch.Params = params
	sch.Priority = job.Priority(prio)

	parsedID, parseErr := id.ParseScheduleID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse schedule id %q: %w", idStr, parseErr)
	}
	sch.ID = parsedID

	if lockBy != nil {
		sch.LockedBy = *lockBy
	}

	return &sch, nil
}

// scanExecution scans a single execution row.
func scanExecution(row pgx.Row) (*schedule.Execution, error) {
	var (
		e        schedule.Execution
		idStr    string
		schedStr string
		jobStr   *string
	)
	err := row.Scan(&idStr, &schedStr, &jobStr, &e.Success, &e.Error, &e.FiredAt)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseExecutionID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse execution id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedSched, schedErr := id.ParseScheduleID(schedStr)
	if schedErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse schedule id %q: %w", schedStr, schedErr)
	}
	e.ScheduleID = parsedSched

	if jobStr != nil && *jobStr != "" {
		parsedJob, jobErr := id.ParseJobID(*jobStr)
		if jobErr == nil {
			e.JobID = parsedJob
		}
	}

	return &e, nil
}
