package queue

// Well-known queue names.
const (
	Default      = "default"
	HighPriority = "high_priority"
	Reports      = "reports"
	Maintenance  = "maintenance"
)

// Router maps job types to queue names. Routing is static: it is built
// once at startup and read concurrently afterwards.
type Router struct {
	rules    map[string]string
	fallback string
}

// NewRouter creates a Router with the given type→queue rules.
// Types without a rule route to the fallback queue.
func NewRouter(fallback string, rules map[string]string) *Router {
	r := &Router{
		rules:    make(map[string]string, len(rules)),
		fallback: fallback,
	}
	for jobType, q := range rules {
		r.rules[jobType] = q
	}
	return r
}

// DefaultRouter returns the standard routing table: order processing on
// the high-priority queue, report generation on the reports queue, and
// periodic cleanup on the maintenance queue.
func DefaultRouter() *Router {
	return NewRouter(Default, map[string]string{
		"process_order":           HighPriority,
		"generate_report":         Reports,
		"cleanup_jobs":            Maintenance,
		"cleanup_expired_reports": Maintenance,
		"cancel_stale_orders":     Maintenance,
	})
}

// Route returns the queue for the given job type.
func (r *Router) Route(jobType string) string {
	if q, ok := r.rules[jobType]; ok {
		return q
	}
	return r.fallback
}

// Queues returns the distinct queue names the router can produce,
// fallback included.
func (r *Router) Queues() []string {
	seen := map[string]struct{}{r.fallback: {}}
	out := []string{r.fallback}
	for _, q := range r.rules {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
