// Package redis implements store.Store using Redis for deployments that
// already run Redis and do not want a relational database. Jobs are
// stored as Hashes with per-queue Sorted Sets ordering claims; schedules
// are JSON blobs; workers are Hashes; locks and leadership are TTL keys.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/storekit/conveyor/cluster"
	"github.com/storekit/conveyor/job"
	"github.com/storekit/conveyor/schedule"
	"github.com/storekit/conveyor/store"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
	_ store.Store    = (*Store)(nil)
)

// Store implements the composite store.Store interface backed by Redis.
// It accepts redis.Cmdable, so a single client, a cluster client, or a
// pipeline-capable wrapper all work.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle; Close on the Store is a no-op.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// Client exposes the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op; Redis is schemaless.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; see New.
func (s *Store) Close() error { return nil }
