// Package worker provides a generic worker pool with a bounded queue
// and non-blocking submit. A full queue rejects work instead of
// blocking the caller, which is the back-pressure signal.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors for pool operations.
var (
	ErrPoolNotStarted    = errors.New("worker pool not started")
	ErrPoolStopped       = errors.New("worker pool stopped")
	ErrPoolAlreadyStart  = errors.New("worker pool already started")
	ErrQueueFull         = errors.New("worker pool queue full")
	ErrNilProcessor      = errors.New("processor function cannot be nil")
	ErrStopTimeout       = errors.New("timeout waiting for workers to stop")
	ErrInvalidPoolConfig = errors.New("workers and queue size must be positive")
)

// Processor handles one work item. Errors are counted, not fatal.
type Processor[T any] func(ctx context.Context, item T) error

// Pool runs a fixed set of workers over a bounded queue.
type Pool[T any] struct {
	workers   int
	queue     chan T
	processor Processor[T]

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewPool creates a pool with the given worker count and queue bound.
func NewPool[T any](workers, queueSize int, processor Processor[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 || queueSize <= 0 {
		return nil, ErrInvalidPoolConfig
	}
	return &Pool[T]{
		workers:   workers,
		queue:     make(chan T, queueSize),
		processor: processor,
	}, nil
}

// Start launches the workers.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolAlreadyStart
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return nil
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.processor(ctx, item); err != nil {
				p.failed.Add(1)
			} else {
				p.processed.Add(1)
			}
		}
	}
}

// Submit enqueues one item without blocking; a full queue fails with
// ErrQueueFull.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.mu.Unlock()

	select {
	case p.queue <- item:
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for the workers, bounded by timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return ErrStopTimeout
	}
}

// Processed returns the number of successfully handled items.
func (p *Pool[T]) Processed() int64 { return p.processed.Load() }

// Failed returns the number of items whose processor errored.
func (p *Pool[T]) Failed() int64 { return p.failed.Load() }

// Rejected returns the number of items refused by a full queue.
func (p *Pool[T]) Rejected() int64 { return p.rejected.Load() }

// QueueDepth returns the number of queued items.
func (p *Pool[T]) QueueDepth() int { return len(p.queue) }
