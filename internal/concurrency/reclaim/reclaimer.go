// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package reclaim provides deferred reclamation for the versioning runtime.
//
// This package implements a reclaimer that buckets destructors by the epoch
// at which their resource was retired and runs each destructor exactly once,
// after the earliest observable epoch has moved past that tag. It works in
// conjunction with the epoch clock to safely reclaim superseded versions that
// are no longer visible to any active readers.
//
// # Key Features
//
//   - Exactly-once execution of scheduled destructors
//   - Automatic background sweeping on a fixed interval
//   - Manual sweep triggers when the earliest epoch advances
//   - Panic isolation for misbehaving destructors
//   - Graceful shutdown with a final drain
//   - Bucket re-keying after epoch compression
//
// # Usage Examples
//
// Creating and using a reclaimer:
//
//	// Create a reclaimer bound to a clock
//	r := reclaim.NewReclaimer(clock.Earliest, slog.Default())
//
//	// Start background sweeping
//	r.Start()
//
//	// Schedule a destructor tagged with the retirement epoch
//	r.Schedule(clock.Current(), func() { release(buf) })
//
//	// Sweep eagerly after the earliest epoch advanced
//	r.Sweep()
//
//	// Stop sweeping and run everything that is still pending
//	r.Stop()
//	r.Drain()
//
// # Dangers and Warnings
//
//   - **Tag Validity**: The tag must be at or above the earliest epoch at scheduling time.
//   - **Destructor Blocking**: Destructors run on whichever goroutine calls Sweep or Drain, including the background sweeper; they must not block.
//   - **Shutdown Order**: Stop and Drain the reclaimer before tearing down the runtime.
//   - **Drain Finality**: Drain runs destructors regardless of the earliest epoch; only call it once no readers remain.
//
// # Thread Safety
//
// Schedule, Sweep, and Remap are safe for concurrent use. Buckets live in a
// concurrent map and are drained with an exactly-once handoff, so a destructor
// can never run twice even when sweeps race with schedulers.
//
// # See Also
//
// For the earliest-epoch bound, see the epoch package.
package reclaim

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

const sweepInterval = 100 * time.Millisecond

// bucket holds the destructors scheduled under one epoch tag. Once drained
// it never accepts new destructors; schedulers that lose the race re-insert
// under a fresh bucket.
type bucket struct {
	mu      sync.Mutex
	fns     []func()
	drained bool
}

// Reclaimer defers destructor execution until the earliest observable epoch
// has moved past the destructor's tag.
type Reclaimer struct {
	earliest func() epoch.Epoch
	buckets  *xsync.MapOf[uint64, *bucket]
	logger   *slog.Logger
	executed atomic.Uint64
	stop     atomic.Bool
	wg       sync.WaitGroup
}

// NewReclaimer creates a reclaimer that consults earliest to decide which
// buckets are safe to drain.
func NewReclaimer(earliest func() epoch.Epoch, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		earliest: earliest,
		buckets:  xsync.NewMapOf[uint64, *bucket](),
		logger:   logger,
	}
}

// Schedule registers fn to run exactly once after the earliest epoch exceeds
// tag.
func (r *Reclaimer) Schedule(tag epoch.Epoch, fn func()) {
	for {
		b, _ := r.buckets.LoadOrCompute(uint64(tag), func() *bucket {
			return &bucket{}
		})
		b.mu.Lock()
		if b.drained {
			b.mu.Unlock()
			continue
		}
		b.fns = append(b.fns, fn)
		b.mu.Unlock()
		return
	}
}

// Sweep drains every bucket whose tag is below the current earliest epoch.
func (r *Reclaimer) Sweep() {
	bound := uint64(r.earliest())
	r.buckets.Range(func(tag uint64, _ *bucket) bool {
		if tag < bound {
			r.drain(tag)
		}
		return true
	})
}

// Drain runs every pending destructor regardless of the earliest epoch.
// Intended for shutdown, after all readers are gone.
func (r *Reclaimer) Drain() {
	r.buckets.Range(func(tag uint64, _ *bucket) bool {
		r.drain(tag)
		return true
	})
}

// Remap re-keys every bucket through g. Used after epoch compression so that
// pending destructors stay comparable with the rewritten clock.
func (r *Reclaimer) Remap(g func(epoch.Epoch) epoch.Epoch) {
	type moved struct {
		tag epoch.Epoch
		fns []func()
	}
	var pending []moved
	r.buckets.Range(func(tag uint64, _ *bucket) bool {
		mapped := g(epoch.Epoch(tag))
		if uint64(mapped) == tag {
			return true
		}
		b, ok := r.buckets.LoadAndDelete(tag)
		if !ok {
			return true
		}
		b.mu.Lock()
		fns := b.fns
		b.fns = nil
		b.drained = true
		b.mu.Unlock()
		if len(fns) > 0 {
			pending = append(pending, moved{tag: mapped, fns: fns})
		}
		return true
	})
	for _, m := range pending {
		for _, fn := range m.fns {
			r.Schedule(m.tag, fn)
		}
	}
}

// Executed returns the number of destructors run so far.
func (r *Reclaimer) Executed() uint64 {
	return r.executed.Load()
}

// Pending returns the number of destructors not yet run.
func (r *Reclaimer) Pending() int {
	n := 0
	r.buckets.Range(func(_ uint64, b *bucket) bool {
		b.mu.Lock()
		n += len(b.fns)
		b.mu.Unlock()
		return true
	})
	return n
}

// Start begins background sweeping.
func (r *Reclaimer) Start() {
	if r.stop.Load() {
		return
	}

	r.wg.Add(1)
	go r.run()
}

// Stop gracefully stops the background sweeper.
func (r *Reclaimer) Stop() {
	r.stop.Store(true)
	r.wg.Wait()
}

// run is the main sweep loop.
func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for !r.stop.Load() {
		<-ticker.C
		r.Sweep()
	}
}

// drain removes the bucket under tag and runs its destructors.
func (r *Reclaimer) drain(tag uint64) {
	b, ok := r.buckets.LoadAndDelete(tag)
	if !ok {
		return
	}
	b.mu.Lock()
	fns := b.fns
	b.fns = nil
	b.drained = true
	b.mu.Unlock()

	for _, fn := range fns {
		r.invoke(tag, fn)
	}
}

// invoke runs a single destructor, isolating panics.
func (r *Reclaimer) invoke(tag uint64, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("destructor panicked", "epoch", tag, "panic", rec)
		}
	}()
	defer r.executed.Add(1)
	fn()
}
