package job

import "time"

// Options carries the per-job knobs: retry budget, queue, priority,
// timeout, earliest run time, and how long the terminal record lives.
// They are set at registration as the type's defaults and may be
// overridden per enqueue.
type Options struct {
	// MaxRetries bounds the retries after the initial failure; the job
	// fails terminally once it is spent.
	MaxRetries int

	// Queue overrides type-based routing when non-empty.
	Queue string

	// Priority orders claims within a queue.
	Priority Priority

	// Timeout caps a single attempt. Zero means unbounded.
	Timeout time.Duration

	// RunAt delays the first attempt. Zero means run as soon as claimed.
	RunAt time.Time

	// ResultTTL is how long a terminal record (and its artifact ref) is
	// retained before cleanup may remove it. Zero keeps it forever.
	ResultTTL time.Duration
}

// DefaultOptions is the baseline applied before registration and
// enqueue overrides: three retries, normal priority, 5 minute timeout.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		Priority:   PriorityNormal,
		Timeout:    5 * time.Minute,
	}
}

// Option mutates Options; used both at registration and enqueue.
type Option func(*Options)

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) Option { return func(o *Options) { o.MaxRetries = n } }

// WithQueue pins the job to a queue instead of routing by type.
func WithQueue(q string) Option { return func(o *Options) { o.Queue = q } }

// WithPriority sets the claim priority.
func WithPriority(p Priority) Option { return func(o *Options) { o.Priority = p } }

// WithTimeout caps each attempt's duration.
func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }

// WithRunAt delays the job until t.
func WithRunAt(t time.Time) Option { return func(o *Options) { o.RunAt = t } }

// WithResultTTL bounds how long the terminal record is kept.
func WithResultTTL(d time.Duration) Option { return func(o *Options) { o.ResultTTL = d } }
