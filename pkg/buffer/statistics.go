package buffer

import "sync/atomic"

// Statistics counts buffer traffic. All counters are safe to read
// concurrently with buffer operations.
type Statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	dropped atomic.Int64
}

// Writes returns the number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items read out.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Dropped returns the number of items lost to the overflow policy.
func (s *Statistics) Dropped() int64 { return s.dropped.Load() }
