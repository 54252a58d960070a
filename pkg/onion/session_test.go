package onion

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/anemochory/relay/internal/logging"
	"github.com/anemochory/relay/internal/metrics"
)

func testLoggerAndMetrics() (*logging.Logger, *metrics.PrometheusMetrics) {
	log := logging.NewLogger(logging.LogConfig{Level: "error", Output: io.Discard})
	return log, metrics.NewPrometheusMetrics()
}

// establishedPair builds two Sessions sharing a completed handshake,
// simulating what a real X25519 key exchange between an initiator and
// a responder would leave behind.
func establishedPair(t *testing.T) (initiator, responder *Session) {
	t.Helper()
	var id [16]byte
	rand.Read(id[:])

	a, err := NewSession(id)
	if err != nil {
		t.Fatalf("NewSession (initiator): %v", err)
	}
	b, err := NewSession(id)
	if err != nil {
		t.Fatalf("NewSession (responder): %v", err)
	}

	var salt [16]byte
	rand.Read(salt[:])

	if err := a.CompleteHandshake(b.HandshakePublicKey(), salt); err != nil {
		t.Fatalf("initiator CompleteHandshake: %v", err)
	}
	if err := b.CompleteHandshake(a.HandshakePublicKey(), salt); err != nil {
		t.Fatalf("responder CompleteHandshake: %v", err)
	}
	return a, b
}

func TestHandshakeDerivesMatchingKeys(t *testing.T) {
	a, b := establishedPair(t)
	if !bytes.Equal(a.currentKey, b.currentKey) {
		t.Fatal("initiator and responder derived different session keys")
	}
	if a.State() != SessionEstablished || b.State() != SessionEstablished {
		t.Fatal("both sides should be Established after a completed handshake")
	}
}

func TestCompleteHandshakeTwiceFails(t *testing.T) {
	a, _ := establishedPair(t)
	var salt [16]byte
	var peerPub [32]byte
	if err := a.CompleteHandshake(peerPub, salt); !errors.Is(err, FaultHandshakeFailed) {
		t.Errorf("second CompleteHandshake: got %v, want FaultHandshakeFailed", err)
	}
}

func TestRotatePreservesGraceWindowDecrypt(t *testing.T) {
	a, b := establishedPair(t)

	keyBeforeRotation := append([]byte(nil), a.currentKey...)

	if err := a.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if bytes.Equal(a.currentKey, keyBeforeRotation) {
		t.Fatal("Rotate should change the current key")
	}

	// b rotates independently to track the same ratchet step: in a real
	// deployment the two sides agree out of band on when to advance the
	// epoch; here we drive it manually to exercise the grace window.
	if err := b.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	candidates := a.candidateKeys()
	found := false
	for _, k := range candidates {
		if bytes.Equal(k, keyBeforeRotation) {
			found = true
		}
	}
	if !found {
		t.Error("retired key should remain a candidate within the grace window")
	}
}

func TestRetainedKeyExpiresAfterGraceWindow(t *testing.T) {
	a, _ := establishedPair(t)
	old := append([]byte(nil), a.currentKey...)

	if err := a.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	// Force the retired entry's clock into the past, past the grace window.
	a.mu.Lock()
	for i := range a.retained {
		a.retained[i].retiredAt = time.Now().Add(-2 * retainedKeyGraceWindow)
	}
	a.mu.Unlock()

	for _, k := range a.candidateKeys() {
		if bytes.Equal(k, old) {
			t.Error("retired key should have expired from the grace window")
		}
	}
}

func TestProcessPacketRejectsReplay(t *testing.T) {
	hops := buildTestHops(t, MinHopCount)
	var sessionID [16]byte
	rand.Read(sessionID[:])

	packet, err := Wrap([]byte("hi"), hops, 1, uint32(time.Now().Unix()))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	now := fixedNow(time.Now())
	// Forward through every hop but the last by hand to get the packet
	// as it actually arrives at the exit.
	for i := 0; i < len(hops)-1; i++ {
		result, err := UnwrapLayer(packet, hops[i].Key, now)
		if err != nil {
			t.Fatalf("hop %d UnwrapLayer: %v", i, err)
		}
		packet = result.ForwardedPacket
	}

	exit, err := NewSession(sessionID)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	exit.currentKey = hops[len(hops)-1].Key
	exit.state = SessionEstablished

	first, err := exit.ProcessPacket(packet, now)
	if err != nil {
		t.Fatalf("first ProcessPacket: %v", err)
	}
	if !first.Final || !bytes.Equal(first.Payload, []byte("hi")) {
		t.Fatalf("first ProcessPacket did not deliver the payload")
	}

	if _, err := exit.ProcessPacket(packet, now); !errors.Is(err, FaultReplayOrReorder) {
		t.Errorf("replayed packet: got %v, want FaultReplayOrReorder", err)
	}
}

func TestRepeatedFaultsCloseSession(t *testing.T) {
	hops := buildTestHops(t, MinHopCount)
	var sessionID [16]byte
	rand.Read(sessionID[:])

	sess, err := NewSession(sessionID)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.currentKey = hops[len(hops)-1].Key
	sess.state = SessionEstablished

	now := fixedNow(time.Now())
	garbage := make([]byte, PacketSize)

	for i := 0; i < faultThreshold-1; i++ {
		if _, err := sess.ProcessPacket(garbage, now); err == nil {
			t.Fatalf("fault %d: expected an error from garbage input", i)
		}
		if sess.State() == SessionClosed {
			t.Fatalf("fault %d: session closed before reaching faultThreshold", i)
		}
	}

	if _, err := sess.ProcessPacket(garbage, now); err == nil {
		t.Fatal("expected an error from garbage input")
	}
	if sess.State() != SessionClosed {
		t.Error("session should be Closed after faultThreshold repeated faults within the fault window")
	}
}

func TestSessionManagerCreateGetRemove(t *testing.T) {
	log, m := testLoggerAndMetrics()
	mgr := NewSessionManager(DefaultSessionManagerConfig(), log, m)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mgr.Count() != 1 {
		t.Fatalf("Count = %d, want 1", mgr.Count())
	}

	got, ok := mgr.Get(sess.ID())
	if !ok || got != sess {
		t.Fatal("Get did not return the created session")
	}

	mgr.Remove(sess.ID())
	if mgr.Count() != 0 {
		t.Fatalf("Count after Remove = %d, want 0", mgr.Count())
	}
	if sess.State() != SessionClosed {
		t.Error("removed session should be Closed")
	}
}

func TestSessionManagerStopClosesAllSessions(t *testing.T) {
	log, m := testLoggerAndMetrics()
	mgr := NewSessionManager(DefaultSessionManagerConfig(), log, m)

	sess, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mgr.Stop()

	if sess.State() != SessionClosed {
		t.Error("Stop should close all remaining sessions")
	}
}
