package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config bounds a single queue: how many of its jobs may run at once on
// this worker and how fast they may be claimed.
type Config struct {
	// Name matches the job.Queue field.
	Name string

	// MaxConcurrency caps simultaneous jobs from this queue within the
	// local pool. Zero leaves only the pool-wide cap.
	MaxConcurrency int

	// RateLimit is the sustained claim rate in jobs per second. Zero
	// disables the limiter.
	RateLimit float64

	// RateBurst is the token bucket size; it defaults to 1 when a rate
	// is set without one.
	RateBurst int
}

// queueState pairs a Config with its live limiter and active count.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Manager enforces the configured bounds. The worker pool brackets every
// execution with Acquire and Release. Queues the Manager has never heard
// of are unbounded.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager builds a Manager from the given queue configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{queues: make(map[string]*queueState, len(configs))}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

// Acquire reports whether a job from queue may start now, counting it as
// active when it may. Every true return must be paired with a Release.
func (m *Manager) Acquire(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	switch {
	case qs == nil:
		return true
	case qs.limiter != nil && !qs.limiter.Allow():
		return false
	case qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency:
		return false
	}
	qs.active++
	return true
}

// Release returns the slot taken by Acquire.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetQueueConfig replaces (or introduces) a queue's bounds at runtime.
// The active count carries over so in-flight jobs stay accounted for.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(cfg)
	if existing := m.queues[cfg.Name]; existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount reports how many jobs from queue are currently running.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
