package manager

import (
	"sync/atomic"
	"time"
)

// Metrics counts manager operations. Fields are safe for concurrent
// access so the status socket can read them outside the event loop.
type Metrics struct {
	AttachAttempts  atomic.Int64
	AttachSuccesses atomic.Int64
	AttachFailures  atomic.Int64

	DetachAttempts  atomic.Int64
	DetachSuccesses atomic.Int64
	DetachFailures  atomic.Int64

	// Caller disappearance
	CallersReclaimed   atomic.Int64
	ResourcesReclaimed atomic.Int64
	ReclaimFailures    atomic.Int64

	PrivilegeViolations atomic.Int64

	TotalAttachTimeNs atomic.Int64
}

// RecordAttach records an AttachNetwork result
func (m *Metrics) RecordAttach(success bool, duration time.Duration) {
	m.AttachAttempts.Add(1)
	m.TotalAttachTimeNs.Add(int64(duration))
	if success {
		m.AttachSuccesses.Add(1)
	} else {
		m.AttachFailures.Add(1)
	}
}

// RecordDetach records a DetachNetwork result
func (m *Metrics) RecordDetach(success bool) {
	m.DetachAttempts.Add(1)
	if success {
		m.DetachSuccesses.Add(1)
	} else {
		m.DetachFailures.Add(1)
	}
}

// RecordReclaim records the cleanup of one vanished caller
func (m *Metrics) RecordReclaim(resources, failures int) {
	m.CallersReclaimed.Add(1)
	m.ResourcesReclaimed.Add(int64(resources))
	m.ReclaimFailures.Add(int64(failures))
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	AttachAttempts      int64   `json:"attach_attempts"`
	AttachSuccesses     int64   `json:"attach_successes"`
	AttachFailures      int64   `json:"attach_failures"`
	DetachAttempts      int64   `json:"detach_attempts"`
	DetachSuccesses     int64   `json:"detach_successes"`
	DetachFailures      int64   `json:"detach_failures"`
	CallersReclaimed    int64   `json:"callers_reclaimed"`
	ResourcesReclaimed  int64   `json:"resources_reclaimed"`
	ReclaimFailures     int64   `json:"reclaim_failures"`
	PrivilegeViolations int64   `json:"privilege_violations"`
	AvgAttachTimeMs     float64 `json:"avg_attach_time_ms"`
}

// Snapshot returns a point-in-time copy of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	attempts := m.AttachAttempts.Load()
	snap := MetricsSnapshot{
		AttachAttempts:      attempts,
		AttachSuccesses:     m.AttachSuccesses.Load(),
		AttachFailures:      m.AttachFailures.Load(),
		DetachAttempts:      m.DetachAttempts.Load(),
		DetachSuccesses:     m.DetachSuccesses.Load(),
		DetachFailures:      m.DetachFailures.Load(),
		CallersReclaimed:    m.CallersReclaimed.Load(),
		ResourcesReclaimed:  m.ResourcesReclaimed.Load(),
		ReclaimFailures:     m.ReclaimFailures.Load(),
		PrivilegeViolations: m.PrivilegeViolations.Load(),
	}
	if attempts > 0 {
		snap.AvgAttachTimeMs = float64(m.TotalAttachTimeNs.Load()) / float64(attempts) / 1e6
	}
	return snap
}
