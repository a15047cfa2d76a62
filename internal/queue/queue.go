// Package queue provides the conversion work queue: single-flight enqueue
// guarded by a KV in-flight marker, with at-least-once delivery to workers
// over either a remote hosted queue or an in-process channel.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"metamorph/internal/cache"
	"metamorph/internal/conv"
)

// Queue carries conversion jobs from the convert endpoint to the workers.
type Queue interface {
	Enqueue(ctx context.Context, job conv.Job) error
	Dequeue(ctx context.Context) (conv.Job, error)
}

// InFlightTTL bounds how long an unprocessed claim suppresses re-enqueues.
// Expiry is the recovery mechanism for lost work; nothing cleans the marker
// up on failure.
const InFlightTTL = 10 * time.Minute

// GuardedConfig wires the dedupe guard in front of a queue backend.
type GuardedConfig struct {
	Backend Queue
	Redis   redis.UniversalClient // nil skips dedupe (single-node mode)
	Version int
	Logger  *slog.Logger
}

// Guarded wraps a backend queue with the KV SET-IF-NOT-EXISTS in-flight
// marker so N concurrent enqueues for one conversion identity produce one
// message.
type Guarded struct {
	backend Queue
	redis   redis.UniversalClient
	version int
	logger  *slog.Logger
}

// NewGuarded builds the single-flight façade.
func NewGuarded(cfg GuardedConfig) *Guarded {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{backend: cfg.Backend, redis: cfg.Redis, version: cfg.Version, logger: logger}
}

// Enqueue claims the in-flight marker and pushes the job. A lost claim means
// another caller already enqueued the identity; the call is a no-op.
func (g *Guarded) Enqueue(ctx context.Context, job conv.Job) error {
	if g.redis != nil {
		key := cache.InFlightKey(job.Hash, job.ImageFormat, job.VideoFormat, g.version)
		claimed, err := g.redis.SetNX(ctx, key, "1", InFlightTTL).Result()
		if err != nil {
			return fmt.Errorf("claim in-flight marker %s: %w", key, err)
		}
		if !claimed {
			g.logger.Debug("conversion already in flight", "hash", job.Hash,
				"image_format", job.ImageFormat.String(), "video_format", job.VideoFormat.String())
			return nil
		}
	}
	return g.backend.Enqueue(ctx, job)
}

// Dequeue delegates to the backend.
func (g *Guarded) Dequeue(ctx context.Context) (conv.Job, error) {
	return g.backend.Dequeue(ctx)
}
