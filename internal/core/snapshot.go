// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sync/atomic"

	"github.com/kianostad/versioned/internal/concurrency/epoch"
)

// Status describes where a transaction is in its lifecycle.
type Status int32

const (
	// StatusUninitialized is a snapshot before registration.
	StatusUninitialized Status = iota
	// StatusInitialized is a registered snapshot with a captured epoch.
	StatusInitialized
	// StatusRestarting is a snapshot migrating to a newer epoch after a
	// commit attempt.
	StatusRestarting
	// StatusCommitting is a transaction inside the commit protocol.
	StatusCommitting
	// StatusCommitted is a transaction whose last commit succeeded.
	StatusCommitted
	// StatusFailed is a transaction whose last commit lost a conflict.
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitialized:
		return "initialized"
	case StatusRestarting:
		return "restarting"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// snapshot is the read view of one transaction: an epoch captured at
// registration plus the lifecycle status. The epoch only changes while the
// registry migrates the snapshot, so reads go through an atomic.
type snapshot struct {
	epoch  atomic.Uint64
	status atomic.Int32
}

func newSnapshot() *snapshot {
	return &snapshot{}
}

// Epoch returns the snapshot's read epoch.
func (s *snapshot) Epoch() epoch.Epoch {
	return epoch.Epoch(s.epoch.Load())
}

func (s *snapshot) setEpoch(e epoch.Epoch) {
	s.epoch.Store(uint64(e))
}

// Status returns the current lifecycle status.
func (s *snapshot) Status() Status {
	return Status(s.status.Load())
}

func (s *snapshot) setStatus(st Status) {
	s.status.Store(int32(st))
}
