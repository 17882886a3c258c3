// Package cursor provides the shared checkpoint cursor for the firehose.
// The cursor only ever moves forward and is safe for concurrent use.
package cursor

import "sync/atomic"

// Unset is the value of a cursor that has never been checkpointed.
const Unset int64 = -1

// Cursor tracks the furthest checkpointed firehose sequence number.
type Cursor struct {
	v atomic.Int64
}

// New creates a Cursor starting at the given sequence (Unset for none).
func New(initial int64) *Cursor {
	c := &Cursor{}
	c.v.Store(initial)
	return c
}

// Get returns the current cursor value.
func (c *Cursor) Get() int64 {
	return c.v.Load()
}

// Advance moves the cursor to seq if seq is ahead of the current value.
// It reports whether the cursor moved.
func (c *Cursor) Advance(seq int64) bool {
	for {
		cur := c.v.Load()
		if seq <= cur {
			return false
		}
		if c.v.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

// Checkpointer advances a Cursor on a fixed sequence cadence.
type Checkpointer struct {
	Cursor *Cursor
	Every  int64
}

// Observe records that seq was fully processed, checkpointing on every Every-th sequence number.
func (cp *Checkpointer) Observe(seq int64) bool {
	if cp.Every <= 0 || seq%cp.Every != 0 {
		return false
	}
	return cp.Cursor.Advance(seq)
}
