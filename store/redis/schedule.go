package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/storekit/conveyor"
	"github.com/storekit/conveyor/id"
	"github.com/storekit/conveyor/schedule"
)

// Schedules are stored as JSON blobs keyed by ID, with a Set of IDs for
// enumeration and a Hash mapping names to IDs for duplicate detection.
// Firing locks are separate SETNX keys with a TTL, so a crashed holder
// releases its lock by expiry.

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sch *schedule.Schedule) error {
	sID := sch.ID.String()

	existing, err := s.client.HGet(ctx, scheduleNamesKey, sch.Name).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("conveyor/redis: create schedule check name: %w", err)
	}
	if existing != "" {
		return conveyor.ErrDuplicateSchedule
	}

	blob, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("conveyor/redis: marshal schedule: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, scheduleKey(sID), blob, 0)
	pipe.SAdd(ctx, scheduleIDsKey, sID)
	pipe.HSet(ctx, scheduleNamesKey, sch.Name, sID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	return s.getSchedule(ctx, scheduleID.String())
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	ids, err := s.client.SMembers(ctx, scheduleIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list schedules: %w", err)
	}

	schedules := make([]*schedule.Schedule, 0, len(ids))
	for _, sID := range ids {
		sch, getErr := s.getSchedule(ctx, sID)
		if getErr != nil {
			continue
		}
		schedules = append(schedules, sch)
	}
	return schedules, nil
}

// UpdateSchedule replaces a schedule blob.
func (s *Store) UpdateSchedule(ctx context.Context, sch *schedule.Schedule) error {
	key := scheduleKey(sch.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update schedule exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrScheduleNotFound
	}

	sch.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(sch)
	if err != nil {
		return fmt.Errorf("conveyor/redis: marshal schedule: %w", err)
	}
	if err := s.client.Set(ctx, key, blob, 0).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: update schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule and its execution history.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	sID := scheduleID.String()

	sch, err := s.getSchedule(ctx, sID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, scheduleKey(sID))
	pipe.Del(ctx, executionsKey(sID))
	pipe.Del(ctx, scheduleLockKey(sID))
	pipe.SRem(ctx, scheduleIDsKey, sID)
	pipe.HDel(ctx, scheduleNamesKey, sch.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete schedule: %w", err)
	}
	return nil
}

// AcquireScheduleLock attempts to acquire the firing lock for a schedule.
func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	key := scheduleLockKey(scheduleID.String())
	wID := workerID.String()

	ok, err := s.client.SetNX(ctx, key, wID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: acquire schedule lock: %w", err)
	}
	if ok {
		return true, nil
	}

	// Re-entrant for the current holder: extend the TTL.
	current, err := s.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("conveyor/redis: acquire schedule lock get: %w", err)
	}
	if current == wID {
		if eErr := s.client.Expire(ctx, key, ttl).Err(); eErr != nil {
			s.logger.Warn("failed to extend schedule lock", "error", eErr)
		}
		return true, nil
	}
	return false, nil
}

// ReleaseScheduleLock releases the firing lock if held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, workerID id.WorkerID) error {
	key := scheduleLockKey(scheduleID.String())

	current, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil // already expired
		}
		return fmt.Errorf("conveyor/redis: release schedule lock get: %w", err)
	}
	if current != workerID.String() {
		return nil // not our lock
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: release schedule lock: %w", err)
	}
	return nil
}

// RecordExecution appends an execution audit record, newest first.
func (s *Store) RecordExecution(ctx context.Context, e *schedule.Execution) error {
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("conveyor/redis: marshal execution: %w", err)
	}
	if err := s.client.LPush(ctx, executionsKey(e.ScheduleID.String()), blob).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: record execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions for a schedule.
func (s *Store) ListExecutions(ctx context.Context, scheduleID id.ScheduleID, limit int) ([]*schedule.Execution, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	blobs, err := s.client.LRange(ctx, executionsKey(scheduleID.String()), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list executions: %w", err)
	}

	execs := make([]*schedule.Execution, 0, len(blobs))
	for _, blob := range blobs {
		var e schedule.Execution
		if uErr := json.Unmarshal([]byte(blob), &e); uErr != nil {
			continue
		}
		execs = append(execs, &e)
	}
	return execs, nil
}

func (s *Store) getSchedule(ctx context.Context, sID string) (*schedule.Schedule, error) {
	blob, err := s.client.Get(ctx, scheduleKey(sID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("conveyor/redis: get schedule: %w", err)
	}

	var sch schedule.Schedule
	if err := json.Unmarshal([]byte(blob), &sch); err != nil {
		return nil, fmt.Errorf("conveyor/redis: unmarshal schedule: %w", err)
	}
	return &sch, nil
}
