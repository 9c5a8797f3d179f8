// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"time"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

// localEntry pairs a participant with the transaction's boxed speculative
// value for it. Entries keep insertion order so setup and commit visit
// participants deterministically and rollback can reverse them.
type localEntry struct {
	p     participant
	local any
}

// Txn is one transaction: a registered snapshot plus the speculative values
// staged against versioned objects. A Txn is not safe for concurrent use by
// multiple goroutines.
//
// After Commit the transaction is reusable: its snapshot has moved to the
// newest epoch whether the commit succeeded or lost a conflict, so the next
// read observes the latest committed state.
type Txn struct {
	rt     *Runtime
	snap   *snapshot
	locals []localEntry
	index  map[participant]int
	closed bool
}

// Epoch returns the snapshot epoch the transaction reads at.
func (tx *Txn) Epoch() epoch.Epoch {
	return tx.snap.Epoch()
}

// Status returns the transaction's lifecycle status.
func (tx *Txn) Status() Status {
	return tx.snap.Status()
}

// localOf returns the boxed speculative value staged for p, if any.
func (tx *Txn) localOf(p participant) (any, bool) {
	i, ok := tx.index[p]
	if !ok {
		return nil, false
	}
	return tx.locals[i].local, true
}

// setLocal stages a boxed speculative value for p.
func (tx *Txn) setLocal(p participant, local any) {
	if tx.index == nil {
		tx.index = make(map[participant]int)
	}
	tx.index[p] = len(tx.locals)
	tx.locals = append(tx.locals, localEntry{p: p, local: local})
}

// dropLocals discards every staged value. The snapshot stays registered.
func (tx *Txn) dropLocals() {
	tx.locals = tx.locals[:0]
	clear(tx.index)
}

// Commit publishes every staged value under a freshly allocated epoch.
//
// The commit serializes on the runtime's commit lock. Each participant is
// prepared in staging order; if any of them was already superseded past the
// transaction's snapshot, the prepared prefix is rolled back in reverse and
// Commit returns false with a nil error. On success every staged value
// becomes visible from the new epoch at once.
//
// Either way the snapshot migrates to the newest epoch and the staged values
// are dropped, leaving the transaction ready for another round.
func (tx *Txn) Commit() (bool, error) {
	if tx.closed {
		return false, ErrClosed
	}
	rt := tx.rt
	tx.snap.setStatus(StatusCommitting)
	start := time.Now()

	rt.commitMu.Lock()
	oldEpoch := tx.snap.Epoch()
	newEpoch := rt.clock.Current() + 1

	prepared := 0
	var setupErr error
	conflicted := false
	for _, le := range tx.locals {
		ok, err := le.p.setup(oldEpoch, newEpoch, le.local)
		if err != nil {
			setupErr = err
			break
		}
		if !ok {
			conflicted = true
			break
		}
		prepared++
	}

	if setupErr != nil || conflicted {
		for i := prepared - 1; i >= 0; i-- {
			tx.locals[i].p.rollbackAt(newEpoch)
		}
		tx.restart()
		tx.dropLocals()
		rt.commitMu.Unlock()

		tx.snap.setStatus(StatusFailed)
		if setupErr != nil {
			return false, setupErr
		}
		rt.conflictHappened(prepared)
		return false, nil
	}

	rt.clock.Advance()
	var commitErr error
	for _, le := range tx.locals {
		if err := le.p.commitAt(newEpoch); err != nil && commitErr == nil {
			commitErr = err
		}
	}
	tx.restart()
	tx.dropLocals()
	rt.commitMu.Unlock()

	tx.snap.setStatus(StatusCommitted)
	rt.commitHappened(newEpoch, time.Since(start))
	return true, commitErr
}

// restart migrates the snapshot to the current epoch. Callers hold the
// commit lock so the current epoch cannot move underneath.
func (tx *Txn) restart() {
	tx.snap.setStatus(StatusRestarting)
	tx.rt.registry.removeSnapshot(tx.snap)
	if err := tx.rt.registry.registerSnapshot(tx.snap); err != nil {
		tx.rt.logger.Error("snapshot restart failed", "error", err)
	}
}

// Close unregisters the snapshot and drops any staged values. Close is
// idempotent; a closed transaction must not be used again.
func (tx *Txn) Close() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.rt.registry.removeSnapshot(tx.snap)
	tx.locals = nil
	tx.index = nil
}
