package onion

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func fixedNow(t time.Time) func() int64 {
	return func() int64 { return t.Unix() }
}

func buildTestHops(t *testing.T, n int) []HopSpec {
	t.Helper()
	hops := make([]HopSpec, n)
	for i := 0; i < n; i++ {
		addr, err := NewNodeAddress("10.0.0.1:9001")
		if err != nil {
			t.Fatalf("NewNodeAddress: %v", err)
		}
		var sessionID [16]byte
		if _, err := rand.Read(sessionID[:]); err != nil {
			t.Fatalf("rand session id: %v", err)
		}
		hops[i] = HopSpec{
			NodeID:    string(rune('A' + i)),
			Address:   addr,
			Key:       randKey(t),
			SessionID: sessionID,
		}
	}
	return hops
}

// unwrapChain drives a wrapped packet through every hop in order,
// asserting the packet is exactly PacketSize at every step, and
// returns the final delivered payload.
func unwrapChain(t *testing.T, packet []byte, hops []HopSpec, now func() int64) []byte {
	t.Helper()
	n := len(hops)
	for i := 0; i < n; i++ {
		if len(packet) != PacketSize {
			t.Fatalf("hop %d: packet len = %d, want %d", i, len(packet), PacketSize)
		}
		result, err := UnwrapLayer(packet, hops[i].Key, now)
		if err != nil {
			t.Fatalf("hop %d: UnwrapLayer: %v", i, err)
		}
		if i == n-1 {
			if !result.Final {
				t.Fatalf("hop %d: expected final delivery", i)
			}
			return result.Payload
		}
		if result.Final {
			t.Fatalf("hop %d: unexpected final delivery", i)
		}
		packet = result.ForwardedPacket
	}
	t.Fatal("unreachable")
	return nil
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	now := fixedNow(time.Now())
	for _, n := range []int{MinHopCount, 4, 5, MaxHopCount} {
		t.Run("", func(t *testing.T) {
			hops := buildTestHops(t, n)

			payload := []byte("deliver this message intact")
			packet, err := Wrap(payload, hops, 1, uint32(time.Now().Unix()))
			if err != nil {
				t.Fatalf("Wrap: %v", err)
			}
			if len(packet) != PacketSize {
				t.Fatalf("packet len = %d, want %d", len(packet), PacketSize)
			}

			delivered := unwrapChain(t, packet, hops, now)
			if !bytes.Equal(delivered, payload) {
				t.Errorf("delivered payload = %q, want %q", delivered, payload)
			}
		})
	}
}

func TestWrapRejectsHopCountOutOfRange(t *testing.T) {
	if _, err := Wrap([]byte("x"), buildTestHops(t, 2), 1, 0); !errors.Is(err, FaultFormatViolation) {
		t.Errorf("Wrap with 2 hops: got %v, want FaultFormatViolation", err)
	}
	if _, err := Wrap([]byte("x"), buildTestHops(t, 8), 1, 0); !errors.Is(err, FaultFormatViolation) {
		t.Errorf("Wrap with 8 hops: got %v, want FaultFormatViolation", err)
	}
}

func TestWrapRejectsOversizedPayload(t *testing.T) {
	hops := buildTestHops(t, MinHopCount)
	oversized := make([]byte, PayloadCapacity(MinHopCount)+1)
	if _, err := Wrap(oversized, hops, 1, 0); err == nil {
		t.Error("Wrap with oversized payload should fail")
	}
}

func TestWrapMaxCapacityPayload(t *testing.T) {
	now := fixedNow(time.Now())
	hops := buildTestHops(t, MinHopCount)

	payload := bytes.Repeat([]byte("z"), PayloadCapacity(MinHopCount))
	packet, err := Wrap(payload, hops, 1, uint32(time.Now().Unix()))
	if err != nil {
		t.Fatalf("Wrap at max capacity: %v", err)
	}
	delivered := unwrapChain(t, packet, hops, now)
	if !bytes.Equal(delivered, payload) {
		t.Error("max-capacity payload not delivered intact")
	}
}

func TestUnwrapDetectsTamperedEnvelope(t *testing.T) {
	now := fixedNow(time.Now())
	hops := buildTestHops(t, MinHopCount)

	packet, err := Wrap([]byte("payload"), hops, 1, uint32(time.Now().Unix()))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	tampered := make([]byte, len(packet))
	copy(tampered, packet)
	tampered[HeaderSize+NonceSize] ^= 0xff // perturb a ciphertext byte, leaving the header untouched

	if _, err := UnwrapLayer(tampered, hops[0].Key, now); !errors.Is(err, FaultAuthFailure) {
		t.Errorf("UnwrapLayer with tampered envelope: got %v, want FaultAuthFailure", err)
	}
}

func TestUnwrapDetectsWrongKey(t *testing.T) {
	now := fixedNow(time.Now())
	hops := buildTestHops(t, MinHopCount)

	packet, err := Wrap([]byte("payload"), hops, 1, uint32(time.Now().Unix()))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	wrongKey := randKey(t)
	if _, err := UnwrapLayer(packet, wrongKey, now); !errors.Is(err, FaultAuthFailure) {
		t.Errorf("UnwrapLayer with wrong key: got %v, want FaultAuthFailure", err)
	}
}

func TestUnwrapRejectsStaleTimestamp(t *testing.T) {
	hops := buildTestHops(t, MinHopCount)

	stale := uint32(time.Now().Add(-2 * time.Hour).Unix())
	packet, err := Wrap([]byte("payload"), hops, 1, stale)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if _, err := UnwrapLayer(packet, hops[0].Key, fixedNow(time.Now())); !errors.Is(err, FaultReplayExpired) {
		t.Errorf("UnwrapLayer with stale timestamp: got %v, want FaultReplayExpired", err)
	}
}

func TestUnwrapRejectsFutureTimestamp(t *testing.T) {
	hops := buildTestHops(t, MinHopCount)

	future := uint32(time.Now().Add(1 * time.Hour).Unix())
	packet, err := Wrap([]byte("payload"), hops, 1, future)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if _, err := UnwrapLayer(packet, hops[0].Key, fixedNow(time.Now())); !errors.Is(err, FaultReplayExpired) {
		t.Errorf("UnwrapLayer with future timestamp: got %v, want FaultReplayExpired", err)
	}
}

func TestUnwrapRejectsWrongPacketSize(t *testing.T) {
	now := fixedNow(time.Now())
	if _, err := UnwrapLayer(make([]byte, PacketSize-1), randKey(t), now); !errors.Is(err, FaultFormatViolation) {
		t.Errorf("UnwrapLayer with short packet: got %v, want FaultFormatViolation", err)
	}
}

func TestEveryForwardedPacketIsExactlyPacketSize(t *testing.T) {
	now := fixedNow(time.Now())
	hops := buildTestHops(t, MaxHopCount)

	packet, err := Wrap([]byte("payload"), hops, 1, uint32(time.Now().Unix()))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	for i := 0; i < len(hops); i++ {
		if len(packet) != PacketSize {
			t.Fatalf("hop %d: packet not PacketSize", i)
		}
		result, err := UnwrapLayer(packet, hops[i].Key, now)
		if err != nil {
			t.Fatalf("hop %d: %v", i, err)
		}
		if result.Final {
			break
		}
		packet = result.ForwardedPacket
	}
}
