// Package bridge provides per-session and node-wide traffic counters for
// the onion forwarding path.
package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionStats tracks statistics for a single onion session.
type SessionStats struct {
	BytesForwarded    int64
	PacketsForwarded  int64
	PacketsDelivered  int64
	PacketsDropped    int64
	StartTime         time.Time
	LastActivity      time.Time
	mu                sync.RWMutex
}

// NewSessionStats creates a new session stats tracker.
func NewSessionStats() *SessionStats {
	now := time.Now()
	return &SessionStats{
		StartTime:    now,
		LastActivity: now,
	}
}

// AddBytesForwarded adds to the bytes-forwarded counter.
func (ss *SessionStats) AddBytesForwarded(n int64) {
	atomic.AddInt64(&ss.BytesForwarded, n)
	ss.touch()
}

// AddPacketForwarded increments the forwarded-packet counter.
func (ss *SessionStats) AddPacketForwarded() {
	atomic.AddInt64(&ss.PacketsForwarded, 1)
	ss.touch()
}

// AddPacketDelivered increments the delivered-at-exit counter.
func (ss *SessionStats) AddPacketDelivered() {
	atomic.AddInt64(&ss.PacketsDelivered, 1)
	ss.touch()
}

// AddPacketDropped increments the dropped-packet counter (faults of any kind).
func (ss *SessionStats) AddPacketDropped() {
	atomic.AddInt64(&ss.PacketsDropped, 1)
	ss.touch()
}

// touch updates the last-activity time.
func (ss *SessionStats) touch() {
	ss.mu.Lock()
	ss.LastActivity = time.Now()
	ss.mu.Unlock()
}

// TotalPackets returns the total number of packets seen (forwarded,
// delivered, or dropped) for this session.
func (ss *SessionStats) TotalPackets() int64 {
	return atomic.LoadInt64(&ss.PacketsForwarded) +
		atomic.LoadInt64(&ss.PacketsDelivered) +
		atomic.LoadInt64(&ss.PacketsDropped)
}

// Duration returns how long the session has existed.
func (ss *SessionStats) Duration() time.Duration {
	return time.Since(ss.StartTime)
}

// IdleTime returns time since the session's last activity, as reported
// in Snapshot.
func (ss *SessionStats) IdleTime() time.Duration {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return time.Since(ss.LastActivity)
}

// Throughput returns average bytes-forwarded per second over the
// session's lifetime.
func (ss *SessionStats) Throughput() float64 {
	duration := ss.Duration().Seconds()
	if duration == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&ss.BytesForwarded)) / duration
}

// StatsSnapshot is a point-in-time copy of SessionStats safe to hand to a
// caller without holding the tracker's lock.
type StatsSnapshot struct {
	BytesForwarded   int64         `json:"bytes_forwarded"`
	PacketsForwarded int64         `json:"packets_forwarded"`
	PacketsDelivered int64         `json:"packets_delivered"`
	PacketsDropped   int64         `json:"packets_dropped"`
	Duration         time.Duration `json:"duration"`
	IdleTime         time.Duration `json:"idle_time"`
	ThroughputBps    float64       `json:"throughput_bps"`
}

// Snapshot returns a point-in-time snapshot of stats.
func (ss *SessionStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesForwarded:   atomic.LoadInt64(&ss.BytesForwarded),
		PacketsForwarded: atomic.LoadInt64(&ss.PacketsForwarded),
		PacketsDelivered: atomic.LoadInt64(&ss.PacketsDelivered),
		PacketsDropped:   atomic.LoadInt64(&ss.PacketsDropped),
		Duration:         ss.Duration(),
		IdleTime:         ss.IdleTime(),
		ThroughputBps:    ss.Throughput(),
	}
}

// GlobalStats tracks node-wide statistics across all sessions.
type GlobalStats struct {
	TotalBytesForwarded int64
	TotalPacketsHandled int64
	TotalSessions       int64
	ActiveSessions      int64
	StartTime           time.Time
}

// NewGlobalStats creates a new global stats tracker.
func NewGlobalStats() *GlobalStats {
	return &GlobalStats{
		StartTime: time.Now(),
	}
}

// AddBytesForwarded adds to the node-wide bytes-forwarded counter.
func (gs *GlobalStats) AddBytesForwarded(n int64) {
	atomic.AddInt64(&gs.TotalBytesForwarded, n)
}

// AddPacketsHandled adds to the node-wide packets-handled counter.
func (gs *GlobalStats) AddPacketsHandled(n int64) {
	atomic.AddInt64(&gs.TotalPacketsHandled, n)
}

// IncrementSessions increments both total and active session counts.
func (gs *GlobalStats) IncrementSessions() {
	atomic.AddInt64(&gs.TotalSessions, 1)
	atomic.AddInt64(&gs.ActiveSessions, 1)
}

// DecrementActiveSessions decrements the active session count.
func (gs *GlobalStats) DecrementActiveSessions() {
	atomic.AddInt64(&gs.ActiveSessions, -1)
}

// Uptime returns node uptime.
func (gs *GlobalStats) Uptime() time.Duration {
	return time.Since(gs.StartTime)
}
