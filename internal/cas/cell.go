// Package cas provides lock-free cells ordered by ledger slot.
package cas

import "sync/atomic"

// Observation is a value tagged with the slot it was observed at.
type Observation[T any] struct {
	Slot  uint64
	Value T
}

// SlotCell holds the most recent observation. Writers race through
// CompareAndSet and the observation with the strictly greater slot wins.
type SlotCell[T any] struct {
	p atomic.Pointer[Observation[T]]
}

// Load returns the current observation, if any.
func (c *SlotCell[T]) Load() (Observation[T], bool) {
	cur := c.p.Load()
	if cur == nil {
		return Observation[T]{}, false
	}
	return *cur, true
}

// CompareAndSet publishes value if slot is greater than the held slot.
// It returns the observation it replaced, whether one existed, and whether
// value was accepted. Equal or older slots are dropped without error.
func (c *SlotCell[T]) CompareAndSet(slot uint64, value T) (prev Observation[T], hadPrev bool, accepted bool) {
	next := &Observation[T]{Slot: slot, Value: value}
	for {
		cur := c.p.Load()
		if cur != nil && slot <= cur.Slot {
			return Observation[T]{}, false, false
		}
		if c.p.CompareAndSwap(cur, next) {
			if cur == nil {
				return Observation[T]{}, false, true
			}
			return *cur, true, true
		}
	}
}
