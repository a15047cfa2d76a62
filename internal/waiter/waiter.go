// Package waiter lets a caller optionally block for a conversion to
// materialize. Concurrent waiters for the same conversion identity collapse
// into a single polling loop whose result they all share.
package waiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"metamorph/internal/cache"
	"metamorph/internal/conv"
)

// Lookup is the cache read a polling loop performs on each tick.
type Lookup interface {
	Lookup(ctx context.Context, hash string, image conv.ImageFormat, video conv.VideoFormat, force bool, sourceURL string) (*cache.Result, error)
}

// Config wires the waiter service.
type Config struct {
	Cache        Lookup
	WaitTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

const (
	defaultWaitTimeout  = 20 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Service collapses concurrent waits through a singleflight group keyed by
// conversion identity; the group evicts the key once the shared poll
// resolves.
type Service struct {
	cache    Lookup
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// New builds the waiter service.
func New(cfg Config) *Service {
	timeout := cfg.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: cfg.Cache, timeout: timeout, interval: interval, logger: logger}
}

// Wait blocks until the cache shows a record for the conversion identity or
// the wait budget elapses, returning nil on timeout or caller cancellation.
func (s *Service) Wait(ctx context.Context, hash string, image conv.ImageFormat, video conv.VideoFormat) *cache.Result {
	key := fmt.Sprintf("%s-%s-%s", hash, image, video)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.poll(hash, image, video), nil
	})
	select {
	case res := <-ch:
		if result, ok := res.Val.(*cache.Result); ok {
			return result
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// poll runs detached from any single caller so late joiners are not cut
// short by the first caller's cancellation.
func (s *Service) poll(hash string, image conv.ImageFormat, video conv.VideoFormat) *cache.Result {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		result, err := s.cache.Lookup(ctx, hash, image, video, false, "")
		if err != nil {
			s.logger.Warn("waiter lookup failed", "hash", hash, "error", err)
		}
		if result != nil {
			return result
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
