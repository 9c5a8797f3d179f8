// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tidwall/btree"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

// cleanupRecord names one superseded history entry by the epoch at which its
// value became current. The record lives on exactly one registry entry at a
// time, the latest snapshot epoch that still observes the value.
type cleanupRecord struct {
	obj       participant
	validFrom epoch.Epoch
}

// registryEntry groups the snapshots registered at one epoch with the
// cleanups whose fate is tied to that epoch's disappearance.
type registryEntry struct {
	snapshots map[*snapshot]struct{}
	cleanups  []cleanupRecord
}

// registry tracks all live snapshots keyed by epoch and decides, when an
// epoch's last snapshot departs, whether each pending cleanup fires or
// migrates to the closest earlier snapshot that still observes the value.
//
// All map mutations happen under one mutex. Object cleanups also execute
// under it, so a compression pass can never rename stamps between a record's
// collection and its execution. Cleanup errors are logged and swallowed so
// one failure never blocks the other reclamations; notification callbacks
// fire after the mutex is released.
type registry struct {
	mu      sync.Mutex
	entries btree.Map[uint64, *registryEntry]
	clock   *epoch.Clock
	logger  *slog.Logger

	// earliestAdvanced fires after the earliest epoch moved forward, outside
	// the registry lock.
	earliestAdvanced func()
	// cleanupDone fires after each executed cleanup, outside the registry
	// lock.
	cleanupDone func(err error)
}

func newRegistry(clock *epoch.Clock, logger *slog.Logger) *registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &registry{
		clock:  clock,
		logger: logger,
	}
}

// registerSnapshot captures the current epoch into s and files s under it.
// New registrations must land at the map's tail; anything else means the
// clock ran backwards.
func (r *registry) registerSnapshot(s *snapshot) error {
	var stale *pendingCleanup

	r.mu.Lock()
	cur := r.clock.Current()
	if maxKey, _, ok := r.entries.Max(); ok && maxKey > uint64(cur) {
		r.mu.Unlock()
		return fmt.Errorf("%w: snapshot epoch %d behind registry tail %d", ErrInvariant, cur, maxKey)
	}

	entry, ok := r.entries.Get(uint64(cur))
	if !ok {
		entry = &registryEntry{snapshots: make(map[*snapshot]struct{})}
		r.entries.Set(uint64(cur), entry)

		// A tail left without snapshots keeps its cleanups parked. Now that a
		// newer entry exists they can move or fire.
		if prevKey, prev, found := r.predecessor(uint64(cur)); found && len(prev.snapshots) == 0 {
			stale = r.collectCleanups(prevKey, prev)
		}
	}
	entry.snapshots[s] = struct{}{}
	s.setEpoch(cur)
	s.setStatus(StatusInitialized)
	r.mu.Unlock()

	r.notifyCleanups(stale)
	return nil
}

// removeSnapshot detaches s from its entry and, when the entry has no
// snapshots left, runs its cleanup pipeline.
func (r *registry) removeSnapshot(s *snapshot) {
	var pending *pendingCleanup

	r.mu.Lock()
	key := uint64(s.Epoch())
	if entry, ok := r.entries.Get(key); ok {
		delete(entry.snapshots, s)
		if len(entry.snapshots) == 0 {
			pending = r.collectCleanups(key, entry)
		}
	}
	r.mu.Unlock()

	r.notifyCleanups(pending)
}

// registerCleanup files a superseded entry of obj under the most recent
// snapshot epoch. Called under the commit lock.
func (r *registry) registerCleanup(obj participant, validFrom epoch.Epoch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, entry, ok := r.entries.Max()
	if !ok {
		return fmt.Errorf("%w: cleanup for window start %d", ErrNoSnapshots, validFrom)
	}
	entry.cleanups = append(entry.cleanups, cleanupRecord{obj: obj, validFrom: validFrom})
	return nil
}

// cleanupResult pairs an executed record with its outcome for post-unlock
// reporting.
type cleanupResult struct {
	rec cleanupRecord
	err error
}

// pendingCleanup carries the outcomes of an entry's erasure for the
// notification callbacks that fire once the registry lock is released.
type pendingCleanup struct {
	trigger epoch.Epoch
	results []cleanupResult
	// earliestMoved is set when erasing the entry advanced the earliest
	// epoch.
	earliestMoved bool
}

// collectCleanups erases the entry at key, migrating each cleanup to the
// closest earlier snapshot that still observes its value and executing the
// rest in place. Callers hold the registry lock; the entry's snapshot set
// must be empty.
func (r *registry) collectCleanups(key uint64, entry *registryEntry) *pendingCleanup {
	pending := &pendingCleanup{trigger: epoch.Epoch(key)}

	predKey, pred, hasPred := r.predecessor(key)
	for _, rec := range entry.cleanups {
		if hasPred && epoch.Epoch(predKey) >= rec.validFrom {
			pred.cleanups = append(pred.cleanups, rec)
			continue
		}
		err := rec.obj.cleanup(rec.validFrom, pending.trigger)
		pending.results = append(pending.results, cleanupResult{rec: rec, err: err})
	}
	entry.cleanups = nil
	r.entries.Delete(key)

	if headKey, _, ok := r.entries.Min(); ok {
		if epoch.Epoch(headKey) > r.clock.Earliest() {
			r.clock.SetEarliest(epoch.Epoch(headKey))
			pending.earliestMoved = true
		}
	} else {
		cur := r.clock.Current()
		if cur > r.clock.Earliest() {
			r.clock.SetEarliest(cur)
			pending.earliestMoved = true
		}
	}
	return pending
}

// notifyCleanups reports executed cleanups outside the registry lock.
func (r *registry) notifyCleanups(pending *pendingCleanup) {
	if pending == nil {
		return
	}
	for _, res := range pending.results {
		if res.err != nil {
			r.logger.Error("cleanup failed",
				"validFrom", uint64(res.rec.validFrom),
				"trigger", uint64(pending.trigger),
				"error", res.err)
		}
		if r.cleanupDone != nil {
			r.cleanupDone(res.err)
		}
	}
	if pending.earliestMoved && r.earliestAdvanced != nil {
		r.earliestAdvanced()
	}
}

// predecessor returns the greatest entry strictly below key.
func (r *registry) predecessor(key uint64) (uint64, *registryEntry, bool) {
	var (
		foundKey uint64
		found    *registryEntry
	)
	r.entries.Descend(key, func(k uint64, v *registryEntry) bool {
		if k < key {
			foundKey, found = k, v
			return false
		}
		return true
	})
	return foundKey, found, found != nil
}

// entryCount returns the number of live registry entries.
func (r *registry) entryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

// liveEpochsLocked returns the registry keys in ascending order. Callers hold the
// registry lock.
func (r *registry) liveEpochsLocked() []epoch.Epoch {
	keys := make([]epoch.Epoch, 0, r.entries.Len())
	r.entries.Scan(func(k uint64, _ *registryEntry) bool {
		keys = append(keys, epoch.Epoch(k))
		return true
	})
	return keys
}

// dump writes a human-readable rendering of the registry to w.
func (r *registry) dump(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(w, "registry: %d entries, current=%d earliest=%d\n",
		r.entries.Len(), r.clock.Current(), r.clock.Earliest())
	r.entries.Scan(func(k uint64, entry *registryEntry) bool {
		fmt.Fprintf(w, "  epoch %d: %d snapshots, %d pending cleanups\n",
			k, len(entry.snapshots), len(entry.cleanups))
		return true
	})
}
