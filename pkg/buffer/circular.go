package buffer

import (
	"sync"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

type circular[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	items    []T
	head     int
	count    int
	capacity int
	closed   bool

	cfg   config[T]
	stats Statistics
}

func newCircular[T any](capacity int, cfg config[T]) (*circular[T], error) {
	if capacity <= 0 {
		return nil, errors.NewValidation("capacity", "must be positive")
	}
	c := &circular[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		cfg:      cfg,
	}
	c.notFull = sync.NewCond(&c.mu)
	return c, nil
}

func (c *circular[T]) Write(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewProtocolMisuse("write to closed buffer")
	}

	if c.count == c.capacity {
		switch c.cfg.policy {
		case DropNewest:
			c.stats.dropped.Add(1)
			if c.cfg.onDrop != nil {
				c.cfg.onDrop(item)
			}
			return nil
		case Block:
			for c.count == c.capacity && !c.closed {
				c.notFull.Wait()
			}
			if c.closed {
				return errors.NewProtocolMisuse("buffer closed during blocking write")
			}
		default: // DropOldest
			evicted := c.items[c.head]
			c.head = (c.head + 1) % c.capacity
			c.count--
			c.stats.dropped.Add(1)
			if c.cfg.onDrop != nil {
				c.cfg.onDrop(evicted)
			}
		}
	}

	c.items[(c.head+c.count)%c.capacity] = item
	c.count++
	c.stats.writes.Add(1)
	c.updateGauge()
	return nil
}

func (c *circular[T]) Read() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked()
}

func (c *circular[T]) readLocked() (T, bool) {
	var zero T
	if c.count == 0 {
		return zero, false
	}
	item := c.items[c.head]
	c.items[c.head] = zero
	c.head = (c.head + 1) % c.capacity
	c.count--
	c.stats.reads.Add(1)
	c.notFull.Signal()
	c.updateGauge()
	return item, true
}

func (c *circular[T]) ReadBatch(max int) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max > c.count {
		max = c.count
	}
	if max <= 0 {
		return nil
	}
	out := make([]T, 0, max)
	for i := 0; i < max; i++ {
		item, ok := c.readLocked()
		if !ok {
			break
		}
		out = append(out, item)
	}
	return out
}

func (c *circular[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if c.count == 0 {
		return zero, false
	}
	return c.items[c.head], true
}

func (c *circular[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *circular[T]) Capacity() int {
	return c.capacity
}

func (c *circular[T]) IsEmpty() bool {
	return c.Size() == 0
}

func (c *circular[T]) IsFull() bool {
	return c.Size() == c.capacity
}

func (c *circular[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	for i := range c.items {
		c.items[i] = zero
	}
	c.head = 0
	c.count = 0
	c.notFull.Broadcast()
	c.updateGauge()
}

func (c *circular[T]) Stats() *Statistics {
	return &c.stats
}

func (c *circular[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.notFull.Broadcast()
	return nil
}

func (c *circular[T]) updateGauge() {
	if c.cfg.depth != nil {
		c.cfg.depth.Set(float64(c.count))
	}
}
