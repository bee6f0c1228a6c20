// Package buffer provides a generic, thread-safe circular buffer with
// configurable overflow policies. Proxy value queues and the gateway's
// per-channel pipeline slots are built on it.
package buffer

// Buffer is the contract every buffer implementation satisfies.
type Buffer[T any] interface {
	// Write adds an item. When the buffer is full the overflow policy
	// decides: drop the oldest, drop the new item, or block.
	Write(item T) error

	// Read removes and returns the oldest item; false when empty.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the current item count.
	Size() int

	// Capacity returns the maximum item count.
	Capacity() int

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// Clear removes every item.
	Clear()

	// Stats returns the buffer's counters.
	Stats() *Statistics

	// Close releases the buffer; blocked writers are woken with an error.
	Close() error
}

// OverflowPolicy defines the behavior of Write on a full buffer.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the written item.
	DropNewest
	// Block waits until space is available.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback observes items evicted or discarded by the policy.
type DropCallback[T any] func(item T)

// NewCircular creates a circular buffer with the given capacity.
func NewCircular[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircular(capacity, applyOptions(options...))
}
