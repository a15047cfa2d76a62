// Package refresh turns staleness hints raised by user-facing lookups into
// conditional revalidations, re-enqueueing real conversion work only when
// the origin actually changed. Hints never block the request path.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"metamorph/internal/conv"
)

// Revalidator is the cache operation that checks whether a record may stay
// fresh.
type Revalidator interface {
	Revalidate(ctx context.Context, req conv.RefreshRequest) (bool, error)
}

// Enqueuer re-submits a conversion when revalidation fails.
type Enqueuer interface {
	Enqueue(ctx context.Context, job conv.Job) error
}

// Config wires the refresh pipeline.
type Config struct {
	Cache         Revalidator
	Queue         Enqueuer
	Logger        *slog.Logger
	DrainDeadline time.Duration
}

const defaultDrainDeadline = 5 * time.Second

// Pipeline is an unbounded single-consumer pipeline with a pending set that
// keeps at most one instance of any request tuple waiting in the backlog.
type Pipeline struct {
	cache         Revalidator
	queue         Enqueuer
	logger        *slog.Logger
	drainDeadline time.Duration

	mu      sync.Mutex
	pending map[conv.RefreshRequest]struct{}
	backlog []conv.RefreshRequest
	closed  bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a pipeline; call Start before hinting.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	drain := cfg.DrainDeadline
	if drain <= 0 {
		drain = defaultDrainDeadline
	}
	return &Pipeline{
		cache:         cfg.Cache,
		queue:         cfg.Queue,
		logger:        logger,
		drainDeadline: drain,
		pending:       make(map[conv.RefreshRequest]struct{}),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start launches the consumer.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
}

// Hint submits a staleness hint. Duplicates of a tuple already waiting in the
// backlog are dropped silently; a tuple being processed can be queued again.
// The call never blocks.
func (p *Pipeline) Hint(req conv.RefreshRequest) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, exists := p.pending[req]; exists {
		p.mu.Unlock()
		return
	}
	p.pending[req] = struct{}{}
	p.backlog = append(p.backlog, req)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops accepting hints and drains the backlog under the soft
// deadline; undrained items are dropped and will be re-generated by future
// lookups.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		req, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case <-p.wake:
				continue
			}
		}
		p.process(ctx, req)
		select {
		case <-ctx.Done():
			p.drain()
			return
		default:
		}
	}
}

// next pops one request, releasing its pending slot so an identical hint
// arriving during processing queues a fresh pass.
func (p *Pipeline) next() (conv.RefreshRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) == 0 {
		return conv.RefreshRequest{}, false
	}
	req := p.backlog[0]
	p.backlog = p.backlog[1:]
	delete(p.pending, req)
	return req, true
}

func (p *Pipeline) process(ctx context.Context, req conv.RefreshRequest) {
	fresh, err := p.cache.Revalidate(ctx, req)
	if err != nil {
		p.logger.Warn("revalidation failed", "hash", req.Hash, "error", err)
	}
	if fresh {
		return
	}
	job := conv.Job{
		Hash:        req.Hash,
		URL:         req.URL,
		ImageFormat: req.ImageFormat,
		VideoFormat: req.VideoFormat,
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		p.logger.Error("refresh enqueue failed", "hash", req.Hash, "error", err)
	}
}

func (p *Pipeline) drain() {
	deadline := time.Now().Add(p.drainDeadline)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for time.Now().Before(deadline) {
		req, ok := p.next()
		if !ok {
			return
		}
		p.process(ctx, req)
	}
	p.mu.Lock()
	dropped := len(p.backlog)
	p.mu.Unlock()
	if dropped > 0 {
		p.logger.Warn("refresh backlog dropped on shutdown", "count", dropped)
	}
}
