// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sort"

	"github.com/tidwall/btree"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

// remapFor builds the dense epoch mapping for the ascending live epochs.
// Each live epoch maps to its one-based rank; every other stamp maps to the
// rank of the first live epoch at or above it, or one past the last rank.
// The sentinels map to themselves.
func remapFor(live []epoch.Epoch) func(epoch.Epoch) epoch.Epoch {
	return func(e epoch.Epoch) epoch.Epoch {
		if e == epoch.None || e == epoch.Open {
			return e
		}
		i := sort.Search(len(live), func(i int) bool { return live[i] >= e })
		return epoch.Epoch(i + 1)
	}
}

// CompressEpochs rewrites every live epoch value into a dense range starting
// at 1: registry keys, snapshot epochs, cleanup window stamps, history close
// stamps, and the clock itself. It serializes with commits via the commit
// lock and fences readers with the compression generation, so concurrent
// reads resolve to the same values before and after the pass.
func (rt *Runtime) CompressEpochs() error {
	if rt.closed.Load() {
		return ErrClosed
	}

	rt.commitMu.Lock()
	defer rt.commitMu.Unlock()

	r := rt.registry
	r.mu.Lock()

	live := r.liveEpochsLocked()
	g := remapFor(live)

	// Every superseded entry sits on exactly one cleanup list, so the lists
	// enumerate every object whose history carries closed stamps.
	objs := make(map[participant]struct{})
	r.entries.Scan(func(_ uint64, e *registryEntry) bool {
		for _, rec := range e.cleanups {
			objs[rec.obj] = struct{}{}
		}
		return true
	})

	rt.compressGen.Add(1)

	for obj := range objs {
		obj.renameAll(g)
	}

	var rebuilt btree.Map[uint64, *registryEntry]
	r.entries.Scan(func(k uint64, e *registryEntry) bool {
		mapped := g(epoch.Epoch(k))
		for s := range e.snapshots {
			s.setEpoch(mapped)
		}
		for i := range e.cleanups {
			e.cleanups[i].validFrom = g(e.cleanups[i].validFrom)
		}
		rebuilt.Set(uint64(mapped), e)
		return true
	})
	r.entries = rebuilt

	if len(live) == 0 {
		rt.clock.Reset(1, 1)
	} else {
		rt.clock.Reset(g(rt.clock.Current()), 1)
	}

	rt.compressGen.Add(1)
	r.mu.Unlock()

	rt.reclaimer.Remap(g)
	rt.mets.Compressions.Inc()
	if rt.hooks.OnCompress != nil {
		rt.hooks.OnCompress()
	}
	return nil
}
