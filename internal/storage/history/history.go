// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package history provides immutable version histories for the versioning runtime.
//
// This package implements the storage representation of a versioned object: an
// ordered slice of value entries stamped with the epoch at which each value
// stopped being current. Histories are immutable after publication; every
// mutation produces a fresh history, which the owning object installs with an
// atomic compare-and-swap. Readers therefore never take locks and never see a
// half-updated history.
//
// # Key Features
//
//   - Immutable-after-publish snapshots safe for lock-free readers
//   - Epoch-stamped entries with an open sentinel for the current value
//   - Newest-to-oldest lookup matching typical reader locality
//   - Copy-on-write append, rollback, and cleanup operations
//   - Constant-time pop-front for the common oldest-entry cleanup
//   - Epoch renaming support for compression
//
// # Version Windows
//
// Entry i holds the value that was current from the previous entry's close
// stamp up to (but excluding) its own. The final entry is always open, marked
// with the Open sentinel. A reader at epoch e walks newest to oldest and takes
// the first entry whose window has started by e.
//
// # Dangers and Warnings
//
//   - **No In-Place Mutation**: Entries must never be written after the history is published.
//   - **Shared Backing**: Pop-front reslices share backing arrays; treat every history as read-only.
//   - **Minimum Size**: Cleanup requires at least two entries; the open entry is never removed.
//
// # Thread Safety
//
// A published history is safe for unsynchronized concurrent reads. All
// mutating operations return new histories and leave the receiver untouched;
// the owning object installs the result with a compare-and-swap and retries
// from a fresh load when another update won.
//
// # See Also
//
// For the epoch sentinels, see the epoch package. For the owning container,
// see the core package.
package history

import (
	"fmt"
	"io"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

// Entry is one value window. ValidTo is the epoch at which the value stopped
// being current, or epoch.Open for the entry that still is.
type Entry[T any] struct {
	ValidTo epoch.Epoch
	Value   T
}

// History is an immutable, oldest-first sequence of value windows. The last
// entry is always open.
type History[T any] struct {
	entries []Entry[T]
}

// New creates a single-entry history holding initial as the open value.
// capHint sizes the backing array for expected growth.
func New[T any](initial T, capHint int) *History[T] {
	if capHint < 1 {
		capHint = 1
	}
	entries := make([]Entry[T], 1, capHint)
	entries[0] = Entry[T]{ValidTo: epoch.Open, Value: initial}
	return &History[T]{entries: entries}
}

// Size returns the number of entries, including the open one.
func (h *History[T]) Size() int {
	return len(h.entries)
}

// Latest returns the open entry's value.
func (h *History[T]) Latest() T {
	return h.entries[len(h.entries)-1].Value
}

// ValueAt returns the value current at epoch e. Epochs below every recorded
// window resolve to the oldest retained value.
func (h *History[T]) ValueAt(e epoch.Epoch) T {
	for i := len(h.entries) - 1; i > 0; i-- {
		if e >= h.entries[i-1].ValidTo {
			return h.entries[i].Value
		}
	}
	return h.entries[0].Value
}

// LatestValidFrom returns the epoch at which the open value became current,
// or epoch.None for a single-entry history.
func (h *History[T]) LatestValidFrom() epoch.Epoch {
	if len(h.entries) < 2 {
		return epoch.None
	}
	return h.entries[len(h.entries)-2].ValidTo
}

// SupersededValidFrom returns the epoch at which the most recently superseded
// value became current, or epoch.None when fewer than three entries exist.
func (h *History[T]) SupersededValidFrom() epoch.Epoch {
	if len(h.entries) < 3 {
		return epoch.None
	}
	return h.entries[len(h.entries)-3].ValidTo
}

// WithAppended closes the open entry at newEpoch and appends v as the new
// open value.
func (h *History[T]) WithAppended(newEpoch epoch.Epoch, v T) *History[T] {
	n := len(h.entries)
	entries := make([]Entry[T], n+1, n+2)
	copy(entries, h.entries)
	entries[n-1].ValidTo = newEpoch
	entries[n] = Entry[T]{ValidTo: epoch.Open, Value: v}
	return &History[T]{entries: entries}
}

// WithoutLast drops the open entry and reopens its predecessor. Used to undo
// a not-yet-visible append.
func (h *History[T]) WithoutLast() *History[T] {
	n := len(h.entries)
	entries := make([]Entry[T], n-1)
	copy(entries, h.entries[:n-1])
	entries[n-2].ValidTo = epoch.Open
	return &History[T]{entries: entries}
}

// WithoutValidFrom removes the superseded entry whose window starts at
// validFrom, stitching the gap closed. The open entry is never a candidate.
// Returns the new history and whether a matching entry was found.
func (h *History[T]) WithoutValidFrom(validFrom epoch.Epoch) (*History[T], bool) {
	n := len(h.entries)
	if n < 2 {
		return nil, false
	}

	// Oldest entry is the common case: its window starts below its close stamp.
	if validFrom < h.entries[0].ValidTo {
		return &History[T]{entries: h.entries[1:n]}, true
	}

	for i := 1; i < n-1; i++ {
		if h.entries[i-1].ValidTo != validFrom {
			continue
		}
		entries := make([]Entry[T], n-1)
		copy(entries, h.entries[:i])
		copy(entries[i:], h.entries[i+1:])
		entries[i-1].ValidTo = h.entries[i].ValidTo
		return &History[T]{entries: entries}, true
	}
	return nil, false
}

// WithRenamed replaces a single close stamp old with new. Returns the new
// history and whether a stamp matched.
func (h *History[T]) WithRenamed(old, new epoch.Epoch) (*History[T], bool) {
	for i, e := range h.entries {
		if e.ValidTo != old {
			continue
		}
		entries := make([]Entry[T], len(h.entries))
		copy(entries, h.entries)
		entries[i].ValidTo = new
		return &History[T]{entries: entries}, true
	}
	return nil, false
}

// WithRemapped rewrites every close stamp through g. The open sentinel is
// preserved.
func (h *History[T]) WithRemapped(g func(epoch.Epoch) epoch.Epoch) *History[T] {
	entries := make([]Entry[T], len(h.entries))
	copy(entries, h.entries)
	for i := range entries {
		if entries[i].ValidTo != epoch.Open {
			entries[i].ValidTo = g(entries[i].ValidTo)
		}
	}
	return &History[T]{entries: entries}
}

// Dump writes a human-readable rendering of the history to w.
func (h *History[T]) Dump(w io.Writer) {
	from := epoch.None
	for _, e := range h.entries {
		if e.ValidTo == epoch.Open {
			fmt.Fprintf(w, "  [%d, open) %v\n", from, e.Value)
		} else {
			fmt.Fprintf(w, "  [%d, %d) %v\n", from, e.ValidTo, e.Value)
			from = e.ValidTo
		}
	}
}
