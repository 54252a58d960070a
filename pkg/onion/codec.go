package onion

import (
	"crypto/rand"
	"fmt"
)

// HopSpec describes one hop in a path at wrap time: the node that will
// decrypt this layer, the per-layer key the caller agreed with it and
// the session_id that key belongs to (both typically a live Session's
// LayerKey/ID after a direct handshake with that hop), and that hop's
// own address, which Wrap writes into the previous hop's routing info
// (ignored for the first hop, the entry).
//
// SessionID is the key's OWN session, not a shared circuit identifier:
// every hop negotiates its layer key directly with whoever builds the
// packet, so a forwarding relay must hand a packet to the next hop by
// resuming that hop's session_id, never its own — the next hop decrypts
// with the key it agreed with the packet builder, not a key it just
// negotiated with the relay in front of it.
type HopSpec struct {
	NodeID    string
	Address   NodeAddress
	Key       []byte
	SessionID [16]byte
}

// Wrap builds a PacketSize-byte onion packet carrying payload to the
// destination named by the last entry in hops, nested under a key per
// hop, innermost first. hops must be ordered entry (hops[0]) to exit
// (hops[len(hops)-1]) and have between MinHopCount and MaxHopCount
// entries. sequenceNumber is embedded, unchanged, in every layer's
// routing info. Each layer's RoutingInfo.SessionID names the session
// the hop decrypting the NEXT layer in must resume it under — see
// HopSpec.SessionID.
func Wrap(payload []byte, hops []HopSpec, sequenceNumber uint64, timestamp uint32) ([]byte, error) {
	n := len(hops)
	if n < MinHopCount || n > MaxHopCount {
		return nil, fmt.Errorf("wrap: hop count %d out of [%d,%d]: %w", n, MinHopCount, MaxHopCount, FaultFormatViolation)
	}
	capacity := PayloadCapacity(n)
	if len(payload) > capacity {
		return nil, fmt.Errorf("wrap: payload of %d bytes exceeds capacity %d for %d hops", len(payload), capacity, n)
	}

	// usedNonces enforces nonce-uniqueness across every seal this Wrap
	// call performs, per the AEAD engine's "never accept a colliding
	// nonce" contract (see Seal's NonceSeen parameter). Each layer seals
	// under its own hop's key, so a collision here couldn't cause actual
	// ciphertext ambiguity, but the engine's invariant is enforced
	// unconditionally rather than relying on that to always hold.
	usedNonces := make(map[[NonceSize]byte]bool, n)
	seen := func(nonce [NonceSize]byte) bool { return usedNonces[nonce] }
	markUsed := func(nonce [NonceSize]byte) { usedNonces[nonce] = true }

	// Layer 1: innermost, addressed to the exit (hops[n-1]), carries
	// the real payload.
	innerContentSize := ContentSize(1, n)
	padded, err := Pad(payload, innerContentSize)
	if err != nil {
		return nil, fmt.Errorf("wrap: pad payload: %w", err)
	}
	innerRouting := RoutingInfo{
		SequenceNum:   sequenceNumber,
		SessionID:     hops[n-1].SessionID,
		PaddingLength: uint16(len(payload)),
	}
	plaintext := concat(encodeSlice(innerRouting.Encode()), padded)
	envelope, nonce, err := sealLayer(hops[n-1].Key, plaintext, 1, n, timestamp, seen)
	if err != nil {
		return nil, fmt.Errorf("wrap: seal layer 1: %w", err)
	}
	markUsed(nonce)

	// Layers 2..n: each wraps the previous envelope behind this hop's
	// routing info, pointing at the next hop in the path.
	for layer := 2; layer <= n; layer++ {
		decryptingHop := hops[n-layer]
		nextHop := hops[n-layer+1]

		routing := RoutingInfo{
			NextHopAddr: nextHop.Address.IP,
			NextHopPort: nextHop.Address.Port,
			SequenceNum: sequenceNumber,
			SessionID:   nextHop.SessionID,
		}
		plaintext = concat(encodeSlice(routing.Encode()), envelope)
		if want := PlaintextSize(layer, n); len(plaintext) != want {
			return nil, fmt.Errorf("wrap: internal size invariant violated at layer %d: got %d want %d", layer, len(plaintext), want)
		}
		var layerNonce [NonceSize]byte
		envelope, layerNonce, err = sealLayer(decryptingHop.Key, plaintext, layer, n, timestamp, seen)
		if err != nil {
			return nil, fmt.Errorf("wrap: seal layer %d: %w", layer, err)
		}
		markUsed(layerNonce)
	}

	header := Header{Version: 1, HopCount: uint8(n), LayerIndex: uint8(n), Flags: FlagFinalPayload, Timestamp: timestamp}
	packet, err := framePacket(header, envelope)
	if err != nil {
		return nil, fmt.Errorf("wrap: %w", err)
	}
	return packet, nil
}

// sealLayer AEAD-seals plaintext under key for the given layer/hop
// count, returning the exact (unpadded) envelope (nonce ∥ ciphertext ∥
// tag) and the nonce it used.
func sealLayer(key, plaintext []byte, layerIndex, hopCount int, timestamp uint32, seen NonceSeen) ([]byte, [NonceSize]byte, error) {
	h := Header{Version: 1, HopCount: uint8(hopCount), LayerIndex: uint8(layerIndex), Flags: FlagFinalPayload, Timestamp: timestamp}
	ad := h.AssociatedData()
	nonce, sealed, err := Seal(key, plaintext, ad[:], seen)
	if err != nil {
		return nil, nonce, err
	}
	envelope := concat(nonce[:], sealed)
	if want := EnvelopeSize(layerIndex, hopCount); len(envelope) != want {
		return nil, nonce, fmt.Errorf("seal layer: internal envelope size invariant violated: got %d want %d", len(envelope), want)
	}
	return envelope, nonce, nil
}

// framePacket pads envelope out to EncryptedSize with fresh random
// filler and prepends header, producing an exact PacketSize-byte frame.
// Only the outermost envelope (layerIndex == hopCount, size
// EncryptedSize already) needs no real filler; framePacket handles both
// cases uniformly.
func framePacket(header Header, envelope []byte) ([]byte, error) {
	if len(envelope) > EncryptedSize {
		return nil, fmt.Errorf("frame packet: envelope of %d bytes exceeds %d: %w", len(envelope), EncryptedSize, FaultFormatViolation)
	}
	padded := make([]byte, EncryptedSize)
	copy(padded, envelope)
	if gap := EncryptedSize - len(envelope); gap > 0 {
		if _, err := rand.Read(padded[len(envelope):]); err != nil {
			return nil, fmt.Errorf("frame packet: fill wire padding: %w", err)
		}
	}
	encodedHeader := header.Encode()
	packet := concat(encodedHeader[:], padded)
	if len(packet) != PacketSize {
		return nil, fmt.Errorf("frame packet: internal size invariant violated: got %d want %d", len(packet), PacketSize)
	}
	return packet, nil
}

// UnwrapResult is the outcome of peeling one layer off a packet.
type UnwrapResult struct {
	Header      Header
	RoutingInfo RoutingInfo
	Nonce       [NonceSize]byte

	// Final is true when this was the innermost layer (layer_index ==
	// 1 with the final-payload flag set): Payload holds the delivered
	// application data. Otherwise ForwardedPacket holds the
	// PacketSize-byte packet to send to RoutingInfo's next hop.
	Final           bool
	Payload         []byte
	ForwardedPacket []byte
}

// UnwrapLayer peels one AEAD layer off a PacketSize-byte packet using
// layerKey, the key this hop holds for the packet's session_id. now is
// injected for testability of the freshness window check. It performs
// the pure per-hop crypto and framing steps (§4.2 steps 1–5, 8–9);
// replay/sequence bookkeeping against a session's cache (steps 6–7) is
// the caller's responsibility — see Session.ProcessPacket.
func UnwrapLayer(packet []byte, layerKey []byte, now func() (unixSeconds int64)) (*UnwrapResult, error) {
	if len(packet) != PacketSize {
		return nil, fmt.Errorf("unwrap: %w", FaultFormatViolation)
	}
	header, err := DecodeHeader(packet[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if header.Version != 1 {
		return nil, fmt.Errorf("unwrap: %w", FaultFormatViolation)
	}
	if header.HopCount < MinHopCount || header.HopCount > MaxHopCount {
		return nil, fmt.Errorf("unwrap: %w", FaultFormatViolation)
	}
	if header.LayerIndex == 0 || header.LayerIndex > header.HopCount {
		return nil, fmt.Errorf("unwrap: %w", FaultFormatViolation)
	}

	nowSec := now()
	age := nowSec - int64(header.Timestamp)
	if age > 60 || age < -5 {
		return nil, FaultReplayExpired
	}

	ad := header.AssociatedData()
	envelopeSize := EnvelopeSize(int(header.LayerIndex), int(header.HopCount))
	wire := packet[HeaderSize:]
	if len(wire) < envelopeSize {
		return nil, fmt.Errorf("unwrap: %w", FaultFormatViolation)
	}
	envelope := wire[:envelopeSize]

	var nonce [NonceSize]byte
	copy(nonce[:], envelope[:NonceSize])
	sealed := envelope[NonceSize:]

	plaintext, err := Open(layerKey, nonce, sealed, ad[:])
	if err != nil {
		return nil, err
	}
	if len(plaintext) < RoutingInfoSize {
		return nil, fmt.Errorf("unwrap: %w", FaultFormatViolation)
	}

	routing, err := DecodeRoutingInfo(plaintext[:RoutingInfoSize])
	if err != nil {
		return nil, err
	}
	content := plaintext[RoutingInfoSize:]

	result := &UnwrapResult{Header: header, RoutingInfo: routing, Nonce: nonce}

	if header.LayerIndex == 1 && header.Flags&FlagFinalPayload != 0 {
		payload, err := Unpad(content)
		if err != nil {
			return nil, err
		}
		result.Final = true
		result.Payload = payload
		return result, nil
	}

	nextHeader := Header{
		Version:    header.Version,
		HopCount:   header.HopCount,
		LayerIndex: header.LayerIndex - 1,
		Flags:      header.Flags,
		Timestamp:  header.Timestamp,
	}
	forwarded, err := framePacket(nextHeader, content)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	result.ForwardedPacket = forwarded
	return result, nil
}

func concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func encodeSlice(arr [RoutingInfoSize]byte) []byte {
	return arr[:]
}
