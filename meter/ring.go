package meter

import (
	"sync/atomic"
)

// Ring is a fixed-capacity single-producer/single-consumer frame buffer.
// Push runs inside the audio callback and never allocates, locks, or
// blocks; when the consumer falls behind, the oldest frames are
// overwritten. Exactly one goroutine may call Push and exactly one may
// call Drain.
type Ring struct {
	frames   []Frame
	capacity uint64

	// head is the producer's write counter, tail the consumer's read
	// counter. Both increase without wrapping; slot index is counter %
	// capacity. head is stored with release ordering after the slot
	// write so the consumer never observes a half-published frame at a
	// stable position.
	head atomic.Uint64
	tail atomic.Uint64

	produced atomic.Uint64
	drained  atomic.Uint64
	skipped  atomic.Uint64
}

// RingStats is a snapshot of ring counters.
type RingStats struct {
	Produced uint64
	Drained  uint64
	Skipped  uint64
	Pending  uint64
}

// NewRing creates a ring with the given capacity, rounded up to a power
// of two. Zero or negative capacity gets DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Ring{
		frames:   make([]Frame, size),
		capacity: size,
	}
}

// Capacity returns the effective (power-of-two) capacity.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Push writes one frame, overwriting the oldest when full. Real-time
// safe: no allocation, no locks, no branches that block.
func (r *Ring) Push(f Frame) {
	head := r.head.Load()
	r.frames[head%r.capacity] = f
	r.head.Store(head + 1)
	r.produced.Add(1)
}

// Drain copies available frames into dst, returning the number written,
// oldest first. Frames the producer overwrote before this call are
// skipped and counted; a slot overwritten during the copy itself is
// detected afterwards and the torn frames are dropped from the result.
func (r *Ring) Drain(dst []Frame) int {
	head := r.head.Load()
	tail := r.tail.Load()

	if head == tail {
		return 0
	}

	// Consumer fell more than a full ring behind: the oldest readable
	// frame is head-capacity, everything before it is gone.
	if head-tail > r.capacity {
		lost := head - tail - r.capacity
		r.skipped.Add(lost)
		tail = head - r.capacity
	}

	n := head - tail
	if uint64(len(dst)) < n {
		// Caller's buffer is smaller than the backlog; drop the oldest
		// overflow so the freshest frames are what gets delivered.
		over := n - uint64(len(dst))
		r.skipped.Add(over)
		tail += over
		n = uint64(len(dst))
	}

	for i := uint64(0); i < n; i++ {
		dst[i] = r.frames[(tail+i)%r.capacity]
	}

	// Re-check: any slot the producer lapped during the copy holds a
	// torn or future frame. Drop the overwritten prefix.
	newHead := r.head.Load()
	if newHead-tail > r.capacity {
		overwritten := newHead - tail - r.capacity
		if overwritten >= n {
			r.skipped.Add(n)
			r.tail.Store(tail + n)
			return 0
		}
		r.skipped.Add(overwritten)
		copy(dst, dst[overwritten:n])
		tail += overwritten
		n -= overwritten
	}

	r.tail.Store(tail + n)
	r.drained.Add(n)
	return int(n)
}

// Stats returns a snapshot of the ring counters.
func (r *Ring) Stats() RingStats {
	head := r.head.Load()
	tail := r.tail.Load()
	pending := head - tail
	if pending > r.capacity {
		pending = r.capacity
	}
	return RingStats{
		Produced: r.produced.Load(),
		Drained:  r.drained.Load(),
		Skipped:  r.skipped.Load(),
		Pending:  pending,
	}
}
