// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import "errors"

// Sentinel errors returned by the runtime. Callers match them with errors.Is;
// wrapped variants carry call-site context.
var (
	// ErrNoTransaction is returned when a mutation is attempted without an
	// active transaction.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrEpochOrder is returned when a commit is attempted with an epoch that
	// is not the immediate successor of the current epoch.
	ErrEpochOrder = errors.New("epoch out of order")

	// ErrInvariant reports an internal consistency failure. It indicates a
	// bug in the runtime and is not recoverable.
	ErrInvariant = errors.New("invariant violation")

	// ErrNotFound is returned when a history entry named by its window start
	// does not exist.
	ErrNotFound = errors.New("history entry not found")

	// ErrNoSnapshots is returned when a cleanup is registered while no
	// snapshots are live.
	ErrNoSnapshots = errors.New("no live snapshots")

	// ErrClosed is returned when the runtime has been shut down.
	ErrClosed = errors.New("runtime closed")
)
