package cluster

import (
	"context"
	"time"

	"github.com/storekit/conveyor/id"
)

// Store is the persistence contract for worker coordination. A backend
// implements membership (register, heartbeat, deregister) and a single
// TTL-based leader slot.
type Store interface {
	// RegisterWorker adds a worker to the registry. Registering an
	// already-known ID refreshes its row.
	RegisterWorker(ctx context.Context, w *Worker) error

	// DeregisterWorker removes a worker. Returns ErrWorkerNotFound for
	// an unknown ID.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker stamps the worker's last-seen time.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID) error

	// ListWorkers returns every registered worker.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// AcquireLeadership claims the leader slot for workerID when it is
	// free, expired, or already held by workerID. The claim lapses
	// after ttl unless renewed.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends a held claim. Returns false when
	// workerID is not the current leader.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the worker holding an unexpired leader claim,
	// or nil when there is none.
	GetLeader(ctx context.Context) (*Worker, error)
}
