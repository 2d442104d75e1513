// Package observability provides per-instance synchronization statistics for
// monitoring sync health and apply latency.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/capsync/capsync/pkg/types"
)

// SyncStats tracks sync activity per instance: change sets sent and applied,
// acknowledgement round trips, and apply latency.
type SyncStats struct {
	mu        sync.RWMutex
	instances map[types.InstanceID]*instanceStats
	window    time.Duration
}

type instanceStats struct {
	changesSent    int64
	changesApplied int64
	acks           int64
	applyTotal     time.Duration
	ackTotal       time.Duration
	lastActivity   time.Time
}

// InstanceStats is a point-in-time copy of one instance's sync statistics.
type InstanceStats struct {
	Instance        types.InstanceID
	ChangesSent     int64
	ChangesApplied  int64
	Acks            int64
	AvgApplyLatency time.Duration
	AvgAckLatency   time.Duration
	LastActivity    time.Time
}

// NewSyncStats creates a sync statistics tracker.
// window: time duration for pruning idle instances (e.g., 1 hour)
func NewSyncStats(window time.Duration) *SyncStats {
	return &SyncStats{
		instances: make(map[types.InstanceID]*instanceStats),
		window:    window,
	}
}

func (s *SyncStats) get(id types.InstanceID) *instanceStats {
	stats, exists := s.instances[id]
	if !exists {
		stats = &instanceStats{}
		s.instances[id] = stats
	}
	return stats
}

// RecordSend records one outbound change set.
// This method is O(1) and thread-safe.
func (s *SyncStats) RecordSend(id types.InstanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.get(id)
	stats.changesSent++
	stats.lastActivity = time.Now()
}

// RecordApply records an applied remote change set and its apply latency.
func (s *SyncStats) RecordApply(id types.InstanceID, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.get(id)
	stats.changesApplied++
	stats.applyTotal += latency
	stats.lastActivity = time.Now()
}

// RecordAck records a server acknowledgement and its round-trip latency.
func (s *SyncStats) RecordAck(id types.InstanceID, roundTrip time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.get(id)
	stats.acks++
	stats.ackTotal += roundTrip
	stats.lastActivity = time.Now()
}

// Snapshot returns a copy of one instance's statistics.
func (s *SyncStats) Snapshot(id types.InstanceID) InstanceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, exists := s.instances[id]
	if !exists {
		return InstanceStats{Instance: id}
	}
	return copyStats(id, stats)
}

// TopInstances returns the N most active instances by change sets sent.
// Returns copies sorted by activity (descending).
func (s *SyncStats) TopInstances(n int) []InstanceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.instances) == 0 {
		return []InstanceStats{}
	}

	out := make([]InstanceStats, 0, len(s.instances))
	for id, stats := range s.instances {
		out = append(out, copyStats(id, stats))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ChangesSent+out[i].ChangesApplied > out[j].ChangesSent+out[j].ChangesApplied
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Forget drops statistics for a closed instance.
func (s *SyncStats) Forget(id types.InstanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

// Prune removes instances where time.Since(lastActivity) > window.
// This should be called periodically (e.g., every 5 minutes).
func (s *SyncStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for id, stats := range s.instances {
		if stats.lastActivity.Before(threshold) {
			delete(s.instances, id)
		}
	}
}

func copyStats(id types.InstanceID, stats *instanceStats) InstanceStats {
	out := InstanceStats{
		Instance:       id,
		ChangesSent:    stats.changesSent,
		ChangesApplied: stats.changesApplied,
		Acks:           stats.acks,
		LastActivity:   stats.lastActivity,
	}
	if stats.changesApplied > 0 {
		out.AvgApplyLatency = stats.applyTotal / time.Duration(stats.changesApplied)
	}
	if stats.acks > 0 {
		out.AvgAckLatency = stats.ackTotal / time.Duration(stats.acks)
	}
	return out
}
