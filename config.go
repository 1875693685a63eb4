package conveyor

import "time"

// Config holds configuration for the Coordinator.
type Config struct {
	// Concurrency is the number of general worker slots polling all queues.
	Concurrency int

	// Queues is the list of queues this coordinator will poll.
	Queues []string

	// QueueSlots assigns dedicated worker slots to individual queues, on
	// top of the general slots. Queues with dedicated slots keep draining
	// even when the general slots are saturated by other queues.
	QueueSlots map[string]int

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before in-flight jobs are cancelled.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often this worker refreshes its cluster
	// registration.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"default", "high_priority", "reports", "maintenance"},
		QueueSlots:        map[string]int{"high_priority": 4},
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}
