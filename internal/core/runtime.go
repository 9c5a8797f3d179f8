// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core provides the MVCC runtime: versioned objects, transactions,
// the snapshot registry, and epoch compression.
//
// The runtime gives each transaction a snapshot-isolated view of every
// versioned object and publishes staged writes atomically at commit. Readers
// never block; commits serialize on a single lock and detect write conflicts
// optimistically. Superseded versions are reclaimed exactly once, as soon as
// no live snapshot can observe them.
//
// # Key Features
//
//   - Snapshot isolation with lock-free reads
//   - Optimistic write-write conflict detection
//   - Two-phase commit with automatic rollback on conflict
//   - Exactly-once reclamation of superseded versions
//   - Epoch compression to keep timestamps dense
//   - Observability hooks and Prometheus-ready metrics
//
// # Usage Examples
//
// Creating a runtime and committing a change:
//
//	rt := core.New()
//	defer rt.Close(context.Background())
//
//	counter := core.NewVersioned(rt, 0)
//
//	committed, err := rt.Txn(ctx, func(tx *core.Txn) error {
//		v, err := counter.Mutate(tx)
//		if err != nil {
//			return err
//		}
//		*v++
//		return nil
//	})
//
// Retrying on conflict:
//
//	for {
//		committed, err := rt.Txn(ctx, fn)
//		if err != nil {
//			return err
//		}
//		if committed {
//			break
//		}
//	}
//
// # Dangers and Warnings
//
//   - **Transaction Affinity**: A Txn must not be shared across goroutines.
//   - **Close Ordering**: Close every transaction before closing the runtime.
//   - **Hook Discipline**: Hooks run on runtime goroutines and must not block.
//
// # Thread Safety
//
// The runtime, versioned objects, and the registry are safe for concurrent
// use. Individual transactions are single-goroutine.
//
// # See Also
//
// For the storage representation, see the history package. For reclamation,
// see the reclaim package.
package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
	"github.com/kianostad/versioned/internal/concurrency/reclaim"
	"github.com/kianostad/versioned/internal/monitoring/metrics"
)

// CompressorMode selects when the background compressor runs.
type CompressorMode int

const (
	// CompressorOff disables background compression.
	CompressorOff CompressorMode = iota
	// CompressorPeriodic compresses on a fixed interval.
	CompressorPeriodic
	// CompressorThreshold compresses once the current epoch passes a delta.
	CompressorThreshold
)

// CompressorPolicy configures the background compressor.
type CompressorPolicy struct {
	Mode       CompressorMode
	Interval   time.Duration
	EpochDelta uint64
}

// PolicyOff returns the disabled compressor policy.
func PolicyOff() CompressorPolicy {
	return CompressorPolicy{Mode: CompressorOff}
}

// PolicyPeriodic returns a policy that compresses every interval.
func PolicyPeriodic(interval time.Duration) CompressorPolicy {
	return CompressorPolicy{Mode: CompressorPeriodic, Interval: interval}
}

// PolicyThreshold returns a policy that compresses whenever the current
// epoch reaches delta.
func PolicyThreshold(delta uint64) CompressorPolicy {
	return CompressorPolicy{Mode: CompressorThreshold, EpochDelta: delta}
}

// Hooks are optional callbacks fired on runtime events. Nil fields are
// skipped. Hooks run outside the registry lock, sometimes under the commit
// lock, and must not block.
type Hooks struct {
	// OnCommit fires after a successful commit with the allocated epoch.
	OnCommit func(epoch.Epoch)
	// OnRollback fires after a commit lost a write conflict.
	OnRollback func()
	// OnCleanup fires after each executed cleanup with its error, if any.
	OnCleanup func(error)
	// OnCompress fires after a completed compression pass.
	OnCompress func()
}

type config struct {
	initialEpoch epoch.Epoch
	capHint      int
	policy       CompressorPolicy
	hooks        Hooks
	logger       *slog.Logger
}

// Option configures a Runtime at construction.
type Option func(*config)

// WithInitialEpoch sets the epoch the clock starts at. Defaults to 1.
func WithInitialEpoch(e epoch.Epoch) Option {
	return func(c *config) { c.initialEpoch = e }
}

// WithHistoryCapacityHint pre-sizes new histories for the expected number of
// concurrently visible versions. Defaults to 1.
func WithHistoryCapacityHint(n int) Option {
	return func(c *config) { c.capHint = n }
}

// WithCompressorPolicy configures background compression. Defaults to off.
func WithCompressorPolicy(p CompressorPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithHooks installs observability callbacks.
func WithHooks(h Hooks) Option {
	return func(c *config) { c.hooks = h }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Runtime bundles the process-wide singletons of the versioning system: the
// epoch clock, the snapshot registry, the commit lock, and the deferred
// reclaimer.
type Runtime struct {
	clock     *epoch.Clock
	registry  *registry
	reclaimer *reclaim.Reclaimer
	mets      *metrics.Metrics
	hooks     Hooks
	logger    *slog.Logger

	commitMu sync.Mutex

	// compressGen is odd while a compression pass rewrites epoch stamps.
	// Readers retry around odd values so an epoch and a history always come
	// from the same side of a pass.
	compressGen atomic.Uint64

	capHint int
	policy  CompressorPolicy

	stop   atomic.Bool
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a runtime and starts its background workers.
func New(opts ...Option) *Runtime {
	cfg := config{
		initialEpoch: 1,
		capHint:      1,
		policy:       PolicyOff(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.initialEpoch < 1 {
		cfg.initialEpoch = 1
	}

	rt := &Runtime{
		clock:   epoch.NewClock(cfg.initialEpoch),
		mets:    metrics.New(),
		hooks:   cfg.hooks,
		logger:  cfg.logger,
		capHint: cfg.capHint,
		policy:  cfg.policy,
	}
	rt.reclaimer = reclaim.NewReclaimer(rt.clock.Earliest, cfg.logger)
	rt.registry = newRegistry(rt.clock, cfg.logger)
	rt.registry.earliestAdvanced = rt.reclaimer.Sweep
	rt.registry.cleanupDone = func(err error) {
		rt.mets.Cleanups.Inc()
		if err != nil {
			rt.mets.CleanupErrors.Inc()
		}
		if rt.hooks.OnCleanup != nil {
			rt.hooks.OnCleanup(err)
		}
	}
	rt.mets.RegisterLiveSnapshots(func() float64 {
		return float64(rt.registry.entryCount())
	})

	rt.reclaimer.Start()
	if rt.policy.Mode != CompressorOff {
		rt.wg.Add(1)
		go rt.compressLoop()
	}
	return rt
}

// Begin opens a transaction reading at the current epoch.
func (rt *Runtime) Begin() (*Txn, error) {
	if rt.closed.Load() {
		return nil, ErrClosed
	}
	snap := newSnapshot()
	if err := rt.registry.registerSnapshot(snap); err != nil {
		return nil, err
	}
	return &Txn{rt: rt, snap: snap}, nil
}

// Txn runs fn inside a transaction and commits it. The transaction is closed
// on every exit. Returns whether the commit succeeded; a false result with a
// nil error means a write conflict, which the caller may retry.
func (rt *Runtime) Txn(ctx context.Context, fn func(*Txn) error) (bool, error) {
	tx, err := rt.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Close()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := fn(tx); err != nil {
		return false, err
	}
	return tx.Commit()
}

// CurrentEpoch returns the epoch of the most recent commit.
func (rt *Runtime) CurrentEpoch() epoch.Epoch {
	return rt.clock.Current()
}

// EarliestEpoch returns the oldest epoch any snapshot may still observe.
func (rt *Runtime) EarliestEpoch() epoch.Epoch {
	return rt.clock.Earliest()
}

// SnapshotEntryCount returns the number of live registry entries.
func (rt *Runtime) SnapshotEntryCount() int {
	return rt.registry.entryCount()
}

// Metrics returns a point-in-time copy of the runtime's metrics.
func (rt *Runtime) Metrics() metrics.MetricsSnapshot {
	return rt.mets.Snapshot()
}

// WritePrometheus writes the runtime's metrics in Prometheus text format.
func (rt *Runtime) WritePrometheus(w io.Writer) {
	rt.mets.WritePrometheus(w)
}

// Dump writes a human-readable rendering of the registry to w.
func (rt *Runtime) Dump(w io.Writer) {
	rt.registry.dump(w)
}

// Close stops the background workers and drains pending reclamations. Close
// the runtime only after every transaction has been closed.
func (rt *Runtime) Close(ctx context.Context) error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	rt.stop.Store(true)
	rt.wg.Wait()
	rt.reclaimer.Stop()
	rt.reclaimer.Drain()
	return ctx.Err()
}

// compressLoop drives the background compressor according to the policy.
func (rt *Runtime) compressLoop() {
	defer rt.wg.Done()

	interval := rt.policy.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !rt.stop.Load() {
		<-ticker.C
		if rt.policy.Mode == CompressorThreshold &&
			uint64(rt.clock.Current()) < rt.policy.EpochDelta {
			continue
		}
		if err := rt.CompressEpochs(); err != nil {
			rt.logger.Error("epoch compression failed", "error", err)
		}
	}
}

// commitHappened records a successful commit.
func (rt *Runtime) commitHappened(e epoch.Epoch, elapsed time.Duration) {
	rt.mets.Commits.Inc()
	rt.mets.CommitLatency.Push(elapsed)
	if rt.hooks.OnCommit != nil {
		rt.hooks.OnCommit(e)
	}
}

// conflictHappened records a commit that lost a write conflict after rolling
// back rolledBack participants.
func (rt *Runtime) conflictHappened(rolledBack int) {
	rt.mets.Conflicts.Inc()
	rt.mets.Rollbacks.Add(rolledBack)
	if rt.hooks.OnRollback != nil {
		rt.hooks.OnRollback()
	}
}

// arenaRetired records one history snapshot retired by the reclaimer.
func (rt *Runtime) arenaRetired() {
	rt.mets.ArenasRetired.Inc()
}
