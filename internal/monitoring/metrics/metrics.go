// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring and observability for the
// versioning runtime.
//
// This package tracks commit throughput, conflict and rollback rates,
// reclamation activity, and commit latency. Counters are Prometheus-ready;
// latency uses a bounded ring buffer so memory stays fixed regardless of
// commit volume.
//
// # Key Features
//
//   - Lock-free counters for commits, conflicts, rollbacks, cleanups, and compressions
//   - Commit latency percentiles over a bounded ring buffer
//   - Live snapshot count exported as a gauge
//   - Prometheus text exposition via WritePrometheus
//   - Point-in-time snapshots for programmatic inspection
//
// # Usage Examples
//
// Creating and using metrics:
//
//	// Create a new metrics instance
//	m := metrics.New()
//
//	// Record a successful commit
//	start := time.Now()
//	// ... commit ...
//	m.Commits.Inc()
//	m.CommitLatency.Push(time.Since(start))
//
//	// Inspect current values
//	snap := m.Snapshot()
//	fmt.Printf("commits=%d p99=%s\n", snap.Commits, snap.CommitLatency.P99)
//
//	// Export for scraping
//	m.WritePrometheus(w)
//
// # Dangers and Warnings
//
//   - **Ring Buffer Capacity**: Latency percentiles only cover the most recent samples.
//   - **Gauge Registration**: RegisterLiveSnapshots must be called at most once.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Counter updates are atomic;
// ring buffer access is mutex-protected.
//
// # See Also
//
// For the runtime that feeds these metrics, see the core package.
package metrics

import (
	"io"
	"sort"
	"sync"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

const latencyBufferSize = 1024

// LatencyStats summarizes the samples currently held in a ring buffer.
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// DurationRingBuffer is a thread-safe bounded ring buffer for durations.
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a ring buffer with the given capacity.
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds a sample, evicting the oldest once the buffer is full.
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// Stats computes summary statistics over the retained samples.
func (rb *DurationRingBuffer) Stats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	var total time.Duration
	for _, v := range values {
		total += v
	}

	return LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  total / time.Duration(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
	}
}

// percentile picks the nth percentile from sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	idx := int(float64(len(values)-1) * p)
	return values[idx]
}

// MetricsSnapshot is a point-in-time copy of every metric.
type MetricsSnapshot struct {
	Commits       uint64       `json:"commits"`
	Conflicts     uint64       `json:"conflicts"`
	Rollbacks     uint64       `json:"rollbacks"`
	Cleanups      uint64       `json:"cleanups"`
	CleanupErrors uint64       `json:"cleanup_errors"`
	Compressions  uint64       `json:"compressions"`
	ArenasRetired uint64       `json:"arenas_retired"`
	CommitLatency LatencyStats `json:"commit_latency"`
}

// Metrics tracks the runtime's counters and commit latency.
type Metrics struct {
	set *vm.Set

	// Commits counts successful commits.
	Commits *vm.Counter
	// Conflicts counts commits that lost a write conflict.
	Conflicts *vm.Counter
	// Rollbacks counts participant rollbacks performed during failed commits.
	Rollbacks *vm.Counter
	// Cleanups counts executed history cleanups.
	Cleanups *vm.Counter
	// CleanupErrors counts cleanups that failed and were swallowed.
	CleanupErrors *vm.Counter
	// Compressions counts completed compression passes.
	Compressions *vm.Counter
	// ArenasRetired counts history snapshots retired by the reclaimer.
	ArenasRetired *vm.Counter

	// CommitLatency holds recent successful-commit durations.
	CommitLatency *DurationRingBuffer
}

// New creates a metrics instance with its own registration set.
func New() *Metrics {
	set := vm.NewSet()
	return &Metrics{
		set:           set,
		Commits:       set.NewCounter("versioned_commits_total"),
		Conflicts:     set.NewCounter("versioned_commit_conflicts_total"),
		Rollbacks:     set.NewCounter("versioned_rollbacks_total"),
		Cleanups:      set.NewCounter("versioned_cleanups_total"),
		CleanupErrors: set.NewCounter("versioned_cleanup_errors_total"),
		Compressions:  set.NewCounter("versioned_compressions_total"),
		ArenasRetired: set.NewCounter("versioned_arenas_retired_total"),
		CommitLatency: NewDurationRingBuffer(latencyBufferSize),
	}
}

// RegisterLiveSnapshots exports fn as the live snapshot gauge. Call at most
// once per instance.
func (m *Metrics) RegisterLiveSnapshots(fn func() float64) {
	m.set.NewGauge("versioned_live_snapshots", fn)
}

// Snapshot returns a point-in-time copy of every metric.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Commits:       m.Commits.Get(),
		Conflicts:     m.Conflicts.Get(),
		Rollbacks:     m.Rollbacks.Get(),
		Cleanups:      m.Cleanups.Get(),
		CleanupErrors: m.CleanupErrors.Get(),
		Compressions:  m.Compressions.Get(),
		ArenasRetired: m.ArenasRetired.Get(),
		CommitLatency: m.CommitLatency.Stats(),
	}
}

// WritePrometheus writes every counter and gauge in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
