package redis

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// ── Job keys ──

// jobKey returns the key for a job hash: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the Sorted Set key for a queue: conveyor:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Schedule keys ──

// scheduleKey returns the key for a schedule blob: conveyor:sched:{id}
func scheduleKey(id string) string { return keyPrefix + "sched:" + id }

// scheduleLockKey returns the firing-lock key: conveyor:sched_lock:{id}
func scheduleLockKey(id string) string { return keyPrefix + "sched_lock:" + id }

// executionsKey returns the List key holding a schedule's execution
// audit trail, newest first: conveyor:sched_execs:{id}
func executionsKey(id string) string { return keyPrefix + "sched_execs:" + id }

// scheduleIDsKey is the Set tracking all schedule IDs for enumeration.
const scheduleIDsKey = keyPrefix + "sched_ids"

// scheduleNamesKey maps schedule names to IDs for duplicate detection.
const scheduleNamesKey = keyPrefix + "sched_names"

// ── Cluster keys ──

// workerKey returns the key for a worker blob: conveyor:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with a TTL lease.
const leaderKey = keyPrefix + "leader"
