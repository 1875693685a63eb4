// Package conveyor provides a composable asynchronous job execution and
// orchestration engine for Go. It offers library-first background jobs,
// fail-fast job chains, cron scheduling, and distributed workers.
//
// Conveyor is designed as a library, not a service. Import it, configure a
// store, and register job handlers as ordinary Go functions.
//
// # Quick Start
//
//	c, err := conveyor.New(
//	    conveyor.WithStore(pgStore),
//	    conveyor.WithConcurrency(20),
//	)
//
// # Architecture
//
// Conveyor follows a composable store pattern where each subsystem (job,
// schedule, cluster) defines its own store interface. A single backend
// implements all of them.
//
// Handler errors are classified (validation, transient, insufficient
// resource, timeout, cancelled) and the classification decides whether a
// failed attempt is retried with exponential backoff or fails terminally.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package conveyor
