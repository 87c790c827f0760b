// Package channel provides the bounded per-port inbox every receive loop
// writes into. It is a ring, not a queue: once full, each append evicts the
// oldest entry, so readers scan what is still there instead of draining.
package channel

import "sync"

// DefaultCapacity is the per-port ring size.
const DefaultCapacity = 128

type slot[T any] struct {
	seq  uint64
	item T
}

// Ring is a fixed-capacity circular buffer safe for concurrent use.
// Every appended item gets a sequence number starting at 1.
type Ring[T any] struct {
	mu      sync.Mutex
	slots   []slot[T]
	cursor  int
	seq     uint64
	evicted uint64
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{slots: make([]slot[T], capacity)}
}

// Append stores item at the cursor, overwriting the oldest entry once the
// ring is full, and returns the item's sequence number.
func (r *Ring[T]) Append(item T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[r.cursor].seq != 0 {
		r.evicted++
	}
	r.seq++
	r.slots[r.cursor] = slot[T]{seq: r.seq, item: item}
	r.cursor = (r.cursor + 1) % len(r.slots)
	return r.seq
}

// Snapshot copies the live entries, oldest first.
func (r *Ring[T]) Snapshot() []T {
	return r.Since(0)
}

// Since copies the live entries with a sequence number greater than seq,
// oldest first.
func (r *Ring[T]) Since(seq uint64) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.slots))
	for i := 0; i < len(r.slots); i++ {
		s := r.slots[(r.cursor+i)%len(r.slots)]
		if s.seq == 0 || s.seq <= seq {
			continue
		}
		out = append(out, s.item)
	}
	return out
}

// Seq returns the sequence number of the newest entry (0 when empty).
func (r *Ring[T]) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Len returns the number of live entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seq < uint64(len(r.slots)) {
		return int(r.seq)
	}
	return len(r.slots)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Evicted returns how many entries were overwritten before anyone could
// have read them.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
