// Package queue provides queue routing and per-queue throttling.
//
// A [Router] maps job types to named queues so callers never pick queues
// by hand: order processing lands on high_priority, report generation on
// reports, periodic cleanup on maintenance, and everything else on
// default.
//
// A [Manager] enforces per-queue rate limits (token bucket) and
// concurrency caps across the local worker pool. The pool calls Acquire
// before executing a claimed job and Release after it finishes.
package queue
