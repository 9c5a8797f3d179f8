// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides the global epoch clock for the versioning runtime.
//
// This package implements a monotonically advancing epoch counter together
// with the earliest epoch still observable by any reader. Every committed
// change is stamped with the epoch it created, and the earliest epoch bounds
// which superseded versions may be reclaimed.
//
// # Key Features
//
//   - Lock-free reads of the current and earliest epochs
//   - Single-writer advancement under the commit lock
//   - Cache-line padded counters to avoid false sharing
//   - Resettable for epoch compression
//
// # Usage Examples
//
// Creating and using an epoch clock:
//
//	// Create a clock starting at epoch 1
//	clock := epoch.NewClock(1)
//
//	// Read the current epoch
//	cur := clock.Current() // Returns 1
//
//	// Advance to the next epoch (commit lock holders only)
//	next := clock.Advance() // Returns 2
//
//	// Publish a new lower bound for reclamation
//	clock.SetEarliest(2)
//
// # Dangers and Warnings
//
//   - **Advance Ownership**: Advance must only be called while holding the commit lock.
//   - **Reset Ownership**: Reset must only be called while commits are excluded.
//   - **Earliest Monotonicity**: The earliest epoch must never move past the current epoch.
//   - **Sentinel Values**: Epoch 0 means "no lower bound"; it is never a real epoch.
//
// # Thread Safety
//
// All reads are plain atomic loads and may run concurrently with a single
// advancing writer. Advance and Reset are serialized externally by the
// commit lock.
//
// # See Also
//
// For deferred reclamation driven by the earliest epoch, see the reclaim package.
package epoch

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Epoch is a logical timestamp. Commits allocate consecutive epochs starting
// at 1. The zero value is the "no lower bound" sentinel.
type Epoch uint64

const (
	// None is the absent-epoch sentinel. It is below every real epoch.
	None Epoch = 0

	// Open marks a version that is still current. It is above every real epoch.
	Open Epoch = ^Epoch(0)
)

// Clock tracks the current epoch and the earliest epoch any reader may still
// observe. The two counters sit on separate cache lines because they are
// written from different paths at different rates.
type Clock struct {
	current  atomic.Uint64
	_        cpu.CacheLinePad
	earliest atomic.Uint64
	_        cpu.CacheLinePad
}

// NewClock creates a clock whose current and earliest epochs are both initial.
func NewClock(initial Epoch) *Clock {
	c := &Clock{}
	c.current.Store(uint64(initial))
	c.earliest.Store(uint64(initial))
	return c
}

// Current returns the epoch of the most recent commit.
func (c *Clock) Current() Epoch {
	return Epoch(c.current.Load())
}

// Earliest returns the oldest epoch any reader may still observe.
func (c *Clock) Earliest() Epoch {
	return Epoch(c.earliest.Load())
}

// Advance increments the current epoch and returns the new value. Callers
// must hold the commit lock.
func (c *Clock) Advance() Epoch {
	return Epoch(c.current.Add(1))
}

// SetEarliest publishes a new lower bound for reclamation.
func (c *Clock) SetEarliest(e Epoch) {
	c.earliest.Store(uint64(e))
}

// Reset rewrites both counters. Used after epoch compression, with commits
// excluded.
func (c *Clock) Reset(current, earliest Epoch) {
	c.current.Store(uint64(current))
	c.earliest.Store(uint64(earliest))
}
