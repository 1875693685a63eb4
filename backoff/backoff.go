// Package backoff computes retry delays for failed jobs. Strategies are
// stateless, so one instance can serve every queue in a worker.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy maps a retry attempt to the delay that precedes it. Attempt 1
// is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// clamp caps d at limit when a limit is configured.
func clamp(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Constant waits the same Interval before every retry.
type Constant struct {
	Interval time.Duration
}

// NewConstant returns a fixed-interval strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial on the first retry and grows by Initial each
// subsequent attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear returns a linearly growing strategy.
func NewLinear(initial, limit time.Duration) *Linear {
	return &Linear{Initial: initial, Max: limit}
}

func (l *Linear) Delay(attempt int) time.Duration {
	return clamp(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential doubles the previous delay, starting at Initial and capped
// at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential returns a doubling strategy.
func NewExponential(initial, limit time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: limit}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	d := e.Initial
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
		if e.Max > 0 && d >= e.Max {
			break
		}
	}
	return clamp(d, e.Max)
}

// ExponentialWithJitter draws a uniform delay from [0, exponential base].
// The spread keeps a burst of simultaneous failures from retrying in
// lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter returns a full-jitter doubling strategy.
func NewExponentialWithJitter(initial, limit time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: limit}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := (&Exponential{Initial: e.Initial, Max: e.Max}).Delay(attempt)
	if base <= 0 {
		return 0
	}
	return rand.N(base + 1) //nolint:gosec // jitter does not need crypto rand
}

// DefaultStrategy is what the engine uses when none is configured:
// exponential, 2s initial, capped at 5 minutes.
func DefaultStrategy() Strategy {
	return NewExponential(2*time.Second, 5*time.Minute)
}
