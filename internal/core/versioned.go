// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
	"github.com/kianostad/versioned/internal/storage/history"
)

// participant is the capability set the transaction engine, registry, and
// compressor need from a versioned object, independent of its value type.
type participant interface {
	// setup prepares to append a value visible from new. Returns false when a
	// concurrent commit already superseded the value the transaction read.
	setup(old, new epoch.Epoch, local any) (bool, error)
	// commitAt registers the cleanup for the entry superseded by setup.
	commitAt(new epoch.Epoch) error
	// rollbackAt undoes a successful setup before it became visible.
	rollbackAt(new epoch.Epoch)
	// cleanup removes the historical entry whose window starts at validFrom.
	cleanup(validFrom, trigger epoch.Epoch) error
	// renameEpoch rewrites a single close stamp.
	renameEpoch(old, new epoch.Epoch) error
	// renameAll rewrites every close stamp through g.
	renameAll(g func(epoch.Epoch) epoch.Epoch)
	// dump renders the history for diagnostics.
	dump(w io.Writer)
}

// Versioned is an epoch-indexed container for one logical variable of type T.
//
// Readers resolve values against an immutable history snapshot and never
// block. Writers stage changes in their transaction and publish them during
// commit with an atomic swap of the history pointer. Each superseded history
// is handed to the deferred reclaimer when it is replaced, and released once
// no snapshot can observe it.
type Versioned[T any] struct {
	rt   *Runtime
	data atomic.Pointer[history.History[T]]
}

// NewVersioned creates a versioned container holding initial as the value
// visible at every epoch.
func NewVersioned[T any](rt *Runtime, initial T) *Versioned[T] {
	v := &Versioned[T]{rt: rt}
	v.data.Store(history.New(initial, rt.capHint))
	return v
}

// Read returns the transaction's speculative value if one is staged, else the
// committed value at the transaction's snapshot epoch. A nil transaction
// reads at the current epoch.
func (v *Versioned[T]) Read(tx *Txn) (T, error) {
	if tx == nil {
		return v.readAt(v.rt.clock.Current), nil
	}
	if local, ok := tx.localOf(v); ok {
		return *local.(*T), nil
	}
	return v.readAt(tx.snap.Epoch), nil
}

// Mutate returns a pointer to the transaction's speculative value, seeding it
// from the snapshot-epoch value on first use. The pointee becomes visible to
// other transactions only after a successful commit.
func (v *Versioned[T]) Mutate(tx *Txn) (*T, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	if local, ok := tx.localOf(v); ok {
		return local.(*T), nil
	}
	seed := v.readAt(tx.snap.Epoch)
	box := &seed
	tx.setLocal(v, box)
	return box, nil
}

// Write stages val as the transaction's speculative value.
func (v *Versioned[T]) Write(tx *Txn, val T) error {
	p, err := v.Mutate(tx)
	if err != nil {
		return err
	}
	*p = val
	return nil
}

// HistorySize returns the number of superseded versions.
func (v *Versioned[T]) HistorySize() int {
	return v.data.Load().Size() - 1
}

// Dump writes a human-readable rendering of the history to w.
func (v *Versioned[T]) Dump(w io.Writer) {
	fmt.Fprintf(w, "versioned %p:\n", v)
	v.data.Load().Dump(w)
}

// readAt resolves the value at the epoch produced by epochOf, retrying while
// a compression pass rewrites stamps. epochOf is sampled inside the retry so
// the epoch and the history always come from the same side of a pass.
func (v *Versioned[T]) readAt(epochOf func() epoch.Epoch) T {
	for {
		gen := v.rt.compressGen.Load()
		if gen&1 != 0 {
			runtime.Gosched()
			continue
		}
		val := v.data.Load().ValueAt(epochOf())
		if v.rt.compressGen.Load() == gen {
			return val
		}
	}
}

// setup implements participant. Called under the commit lock.
func (v *Versioned[T]) setup(old, new epoch.Epoch, local any) (bool, error) {
	if new != v.rt.clock.Current()+1 {
		return false, fmt.Errorf("%w: commit epoch %d, current %d", ErrEpochOrder, new, v.rt.clock.Current())
	}
	val := *local.(*T)
	for {
		h := v.data.Load()
		if h.LatestValidFrom() > old {
			return false, nil
		}
		if v.data.CompareAndSwap(h, h.WithAppended(new, val)) {
			v.retire(h)
			return true, nil
		}
	}
}

// commitAt implements participant. Called under the commit lock after every
// participant's setup succeeded.
func (v *Versioned[T]) commitAt(new epoch.Epoch) error {
	return v.rt.registry.registerCleanup(v, v.data.Load().SupersededValidFrom())
}

// rollbackAt implements participant. Drops the entry appended by setup and
// reopens its predecessor.
func (v *Versioned[T]) rollbackAt(new epoch.Epoch) {
	for {
		h := v.data.Load()
		if v.data.CompareAndSwap(h, h.WithoutLast()) {
			v.retire(h)
			return
		}
	}
}

// cleanup implements participant. Runs under the registry lock but possibly
// concurrent with commits, so the swap retries on contention.
func (v *Versioned[T]) cleanup(validFrom, trigger epoch.Epoch) error {
	for {
		h := v.data.Load()
		if h.Size() < 2 {
			return fmt.Errorf("%w: cleanup on single-entry history", ErrInvariant)
		}
		next, ok := h.WithoutValidFrom(validFrom)
		if !ok {
			return fmt.Errorf("%w: no entry with window start %d", ErrNotFound, validFrom)
		}
		if v.data.CompareAndSwap(h, next) {
			v.retire(h)
			return nil
		}
	}
}

// renameEpoch implements participant. Used only by the compressor.
func (v *Versioned[T]) renameEpoch(old, new epoch.Epoch) error {
	for {
		h := v.data.Load()
		next, ok := h.WithRenamed(old, new)
		if !ok {
			return fmt.Errorf("%w: no entry closed at %d", ErrNotFound, old)
		}
		if v.data.CompareAndSwap(h, next) {
			v.retire(h)
			return nil
		}
	}
}

// renameAll implements participant. Used only by the compressor, with
// readers fenced by the compression generation.
func (v *Versioned[T]) renameAll(g func(epoch.Epoch) epoch.Epoch) {
	for {
		h := v.data.Load()
		if v.data.CompareAndSwap(h, h.WithRemapped(g)) {
			v.retire(h)
			return
		}
	}
}

// dump implements participant.
func (v *Versioned[T]) dump(w io.Writer) {
	v.Dump(w)
}

// retire hands a superseded history to the reclaimer, tagged with the epoch
// at which it was replaced. The closure pins the history until no snapshot
// can observe it.
func (v *Versioned[T]) retire(h *history.History[T]) {
	rt := v.rt
	rt.reclaimer.Schedule(rt.clock.Current(), func() {
		h = nil
		rt.arenaRetired()
	})
}
