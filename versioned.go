// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package versioned provides an in-process MVCC runtime for versioned Go
// values with snapshot-isolated transactions.
//
// This is the main public API for the library. It re-exports the runtime,
// versioned objects, transactions, compression policies, observability hooks,
// and the error taxonomy from the core package.
//
// # Quick Start
//
//	import "github.com/kianostad/versioned"
//
//	rt := versioned.New()
//	defer rt.Close(ctx)
//
//	counter := versioned.NewVersioned(rt, 0)
//
//	committed, err := rt.Txn(ctx, func(tx *versioned.Txn) error {
//	    v, err := counter.Mutate(tx)
//	    if err != nil {
//	        return err
//	    }
//	    *v++
//	    return nil
//	})
//
// # Key Features
//
//   - Snapshot isolation: every transaction reads a consistent epoch
//   - Lock-free reads that never block on writers
//   - Optimistic write-write conflict detection with automatic rollback
//   - Atomic multi-object commits under a single epoch
//   - Exactly-once reclamation of superseded versions
//   - Background epoch compression to keep timestamps dense
//   - Observability hooks and Prometheus-ready metrics
//
// # Usage Examples
//
// Reading outside a transaction observes the latest committed value:
//
//	value, err := counter.Read(nil)
//
// Explicit transaction control:
//
//	tx, err := rt.Begin()
//	if err != nil {
//	    return err
//	}
//	defer tx.Close()
//
//	v, err := counter.Mutate(tx)
//	if err != nil {
//	    return err
//	}
//	*v += 10
//	committed, err := tx.Commit()
//
// Retrying on conflict:
//
//	for {
//	    committed, err := rt.Txn(ctx, fn)
//	    if err != nil {
//	        return err
//	    }
//	    if committed {
//	        break
//	    }
//	}
//
// Background compression:
//
//	rt := versioned.New(
//	    versioned.WithCompressorPolicy(versioned.PolicyPeriodic(time.Second)),
//	)
//
// # API Design Philosophy
//
// The library separates the three moving parts of the system:
//
//  1. **Runtime**: owns the epoch clock, the snapshot registry, and the
//     reclaimer. One runtime per independent versioning domain.
//  2. **Versioned[T]**: one versioned object per logical value. Objects are
//     cheap; create as many as the domain has values.
//  3. **Txn**: a short-lived unit of work. Stage writes through Mutate or
//     Write, then Commit publishes all of them atomically or none.
//
// # Best Practices
//
//   - Keep transactions short; a long-lived snapshot delays reclamation
//   - Retry conflicted commits rather than treating them as errors
//   - Close every transaction before closing the runtime
//   - Enable a compressor policy for long-running processes
//   - Monitor metrics for conflict and cleanup rates
//
// # See Also
//
// For the runtime internals, see the core package. For the storage
// representation, see the history package.
package versioned

import (
	core "github.com/kianostad/versioned/internal/core"
	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

// Re-export core types.
type (
	// Runtime bundles the epoch clock, snapshot registry, commit lock, and
	// deferred reclaimer.
	Runtime = core.Runtime

	// Txn is a snapshot-isolated transaction. Not safe for concurrent use
	// by multiple goroutines.
	Txn = core.Txn

	// Versioned is a single versioned object holding values of type T.
	Versioned[T any] = core.Versioned[T]

	// Status is the lifecycle status of a transaction.
	Status = core.Status

	// Hooks are optional callbacks fired on runtime events.
	Hooks = core.Hooks

	// Option configures a Runtime at construction.
	Option = core.Option

	// CompressorMode selects when the background compressor runs.
	CompressorMode = core.CompressorMode

	// CompressorPolicy configures the background compressor.
	CompressorPolicy = core.CompressorPolicy

	// Epoch is a logical commit timestamp.
	Epoch = epoch.Epoch
)

// Transaction lifecycle statuses.
const (
	StatusUninitialized = core.StatusUninitialized
	StatusInitialized   = core.StatusInitialized
	StatusRestarting    = core.StatusRestarting
	StatusCommitting    = core.StatusCommitting
	StatusCommitted     = core.StatusCommitted
	StatusFailed        = core.StatusFailed
)

// Compressor modes.
const (
	CompressorOff       = core.CompressorOff
	CompressorPeriodic  = core.CompressorPeriodic
	CompressorThreshold = core.CompressorThreshold
)

// Error taxonomy.
var (
	// ErrNoTransaction reports a write attempted outside a transaction.
	ErrNoTransaction = core.ErrNoTransaction

	// ErrEpochOrder reports an epoch presented out of order.
	ErrEpochOrder = core.ErrEpochOrder

	// ErrInvariant reports a broken internal invariant.
	ErrInvariant = core.ErrInvariant

	// ErrNotFound reports a version stamp that does not exist.
	ErrNotFound = core.ErrNotFound

	// ErrNoSnapshots reports a cleanup registered with no live snapshots.
	ErrNoSnapshots = core.ErrNoSnapshots

	// ErrClosed reports use of a closed runtime or transaction.
	ErrClosed = core.ErrClosed
)

// New creates a runtime and starts its background workers.
func New(opts ...Option) *Runtime {
	return core.New(opts...)
}

// NewVersioned creates a versioned object owned by rt holding initial.
func NewVersioned[T any](rt *Runtime, initial T) *Versioned[T] {
	return core.NewVersioned(rt, initial)
}

// Runtime construction options.
var (
	// WithInitialEpoch sets the epoch the clock starts at.
	WithInitialEpoch = core.WithInitialEpoch

	// WithHistoryCapacityHint pre-sizes new histories.
	WithHistoryCapacityHint = core.WithHistoryCapacityHint

	// WithCompressorPolicy configures background compression.
	WithCompressorPolicy = core.WithCompressorPolicy

	// WithHooks installs observability callbacks.
	WithHooks = core.WithHooks

	// WithLogger sets the structured logger.
	WithLogger = core.WithLogger
)

// Compressor policy constructors.
var (
	// PolicyOff returns the disabled compressor policy.
	PolicyOff = core.PolicyOff

	// PolicyPeriodic returns a policy that compresses every interval.
	PolicyPeriodic = core.PolicyPeriodic

	// PolicyThreshold returns a policy that compresses past an epoch delta.
	PolicyThreshold = core.PolicyThreshold
)
