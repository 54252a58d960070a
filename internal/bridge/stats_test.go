package bridge

import "testing"

func TestSessionStatsAccumulates(t *testing.T) {
	s := NewSessionStats()
	s.AddBytesForwarded(1024)
	s.AddPacketForwarded()
	s.AddPacketDelivered()
	s.AddPacketDropped()

	snap := s.Snapshot()
	if snap.BytesForwarded != 1024 {
		t.Errorf("BytesForwarded = %d, want 1024", snap.BytesForwarded)
	}
	if snap.PacketsForwarded != 1 || snap.PacketsDelivered != 1 || snap.PacketsDropped != 1 {
		t.Errorf("packet counters = %+v, want one of each", snap)
	}
	if s.TotalPackets() != 3 {
		t.Errorf("TotalPackets = %d, want 3 (forwarded+delivered+dropped)", s.TotalPackets())
	}
}

func TestGlobalStatsSessionLifecycle(t *testing.T) {
	g := NewGlobalStats()
	g.IncrementSessions()
	g.IncrementSessions()
	g.DecrementActiveSessions()

	if g.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", g.TotalSessions)
	}
	if g.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", g.ActiveSessions)
	}
}
