package queue

import (
	"context"
	"sync"

	"metamorph/internal/conv"
)

// Memory is the in-process queue used in single-node mode: unbounded, so
// enqueues never block request handlers.
type Memory struct {
	mu      sync.Mutex
	items   []conv.Job
	wake    chan struct{}
	closed  bool
	closeMu sync.Once
}

// NewMemory builds an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{wake: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, job conv.Job) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.items = append(m.items, job)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (conv.Job, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			job := m.items[0]
			m.items = m.items[1:]
			remaining := len(m.items)
			m.mu.Unlock()
			if remaining > 0 {
				// Re-signal so a second waiting consumer is not starved
				// when two enqueues collapsed into one wake token.
				select {
				case m.wake <- struct{}{}:
				default:
				}
			}
			return job, nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return conv.Job{}, ctx.Err()
		case <-m.wake:
		}
	}
}

// Close stops accepting new jobs.
func (m *Memory) Close() {
	m.closeMu.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	})
}

// Len reports the number of queued jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
