// Package job defines the job entity, status machine, typed definitions,
// and store interface.
//
// # Job Entity
//
// A [Job] represents a unit of work. It embeds [conveyor.Entity] for
// timestamps, carries a typed payload (JSON), and progresses through a
// status machine:
//
//	pending → processing → completed
//	pending → processing → pending (retry, delayed RunAt) → processing → ...
//	pending → processing → failed
//	pending → cancelled
//	pending → processing → cancelled
//
// There is no separate retrying status: a retried attempt goes back to
// pending with a backoff-delayed RunAt and its progress reset to zero.
// Manual retry of a failed job clones it into a fresh job ID.
//
// Fields of note:
//   - Queue: which queue the job belongs to (routed by type when empty)
//   - Priority: urgent | high | normal | low, claimed in ordinal order
//   - MaxRetries / RetryCount: controls the retry budget
//   - RunAt: earliest time the job may be claimed
//   - Timeout: per-attempt execution deadline (zero = unlimited)
//   - ExpiresAt: when the terminal record becomes eligible for cleanup
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs:
//
//	var ProcessOrder = job.NewDefinition("process_order",
//	    func(ctx context.Context, input OrderInput) (*job.Result, error) {
//	        return orders.Process(ctx, input.OrderID)
//	    },
//	)
//
// Handlers report milestones through [Progress], which also surfaces
// context cancellation as the cooperative checkpoint.
//
// # Registry
//
// [Registry] maps job types to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, ProcessOrder)
//	job.RegisterDefinition(registry, GenerateReport)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package job
