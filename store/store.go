// Package store defines the aggregate persistence interface. Each
// subsystem (job, schedule, cluster) defines its own store interface and
// the composite Store composes them all. Backends: Postgres, Redis, and
// Memory.
package store

import (
	"context"

	"github.com/storekit/conveyor/cluster"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/schedule"
)

// Store is the aggregate persistence interface.
// A single backend (postgres, redis, memory) implements all subsystem
// stores plus lifecycle management.
type Store interface {
	job.Store
	schedule.Store
	cluster.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
