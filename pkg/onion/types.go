// Package onion implements the Anemochory onion-routing packet format:
// constant-size layered AEAD envelopes, per-hop unwrap, and the session
// state that binds key agreement, replay protection, and key rotation.
package onion

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire-format constants (bit-exact, see the wire-compat statement in
// DESIGN.md). Integers are network byte order throughout.
const (
	PacketSize      = 1024
	HeaderSize      = 8
	EncryptedSize   = PacketSize - HeaderSize // 1016
	NonceSize       = 12
	TagSize         = 16
	RoutingInfoSize = 56
	KeySize         = 32

	// cipherTextAndTagSize is the AEAD output size for the outermost
	// (wire) layer: encrypted payload minus its leading nonce.
	cipherTextAndTagSize = EncryptedSize - NonceSize // 1004

	// maxPlaintextSize is the AEAD plaintext size at the outermost
	// layer (layer_index == hop_count). This is what keeps every hop's
	// packet exactly PacketSize bytes: the wire encrypted payload is
	// always cipherTextAndTagSize+NonceSize, regardless of hop count.
	maxPlaintextSize = cipherTextAndTagSize - TagSize // 988

	// perHopOverhead is the number of plaintext bytes each additional
	// wrapping layer consumes: one routing_info block plus the nonce
	// and tag of the AEAD envelope around it.
	perHopOverhead = RoutingInfoSize + NonceSize + TagSize // 84

	// MinHopCount and MaxHopCount bound the advertised hop_count field.
	MinHopCount = 3
	MaxHopCount = 7

	// padLengthPrefixSize is the 2-byte BE length prefix written by Pad.
	padLengthPrefixSize = 2
)

// PlaintextSize returns the AEAD plaintext size for a layer at the given
// layerIndex within a path of hopCount hops. It shrinks by perHopOverhead
// for every layer beneath the outermost, since each layer wrapped around
// an inner one consumes exactly that many bytes of the fixed packet
// budget. layerIndex and hopCount are both 1-based and layerIndex goes
// from hopCount (outermost, as emitted by the sender) down to 1
// (innermost, containing the real payload).
func PlaintextSize(layerIndex, hopCount int) int {
	return maxPlaintextSize - perHopOverhead*(hopCount-layerIndex)
}

// ContentSize returns the space available within a layer's plaintext for
// the inner packet-or-payload, after the routing_info block.
func ContentSize(layerIndex, hopCount int) int {
	return PlaintextSize(layerIndex, hopCount) - RoutingInfoSize
}

// EnvelopeSize returns the exact size of a layer's AEAD envelope (nonce
// ∥ ciphertext ∥ tag) with no wire padding. Only the outermost envelope
// (layerIndex == hopCount) happens to equal EncryptedSize (1016); inner
// envelopes, built before they are ever the packet's outermost layer,
// are smaller by perHopOverhead for each layer beneath the top. This is
// what lets PlaintextSize shrink by a constant 84 bytes per additional
// hop while every layer's nested content slot still fits its inner
// envelope exactly — see DESIGN.md for the full derivation.
func EnvelopeSize(layerIndex, hopCount int) int {
	return PlaintextSize(layerIndex, hopCount) + NonceSize + TagSize
}

// PayloadCapacity returns the maximum real payload size (before padding)
// that fits in the innermost layer for a path of hopCount hops. The
// spec's distilled capacity formula ("944 − 84·(hop_count−1)") does not
// reconcile arithmetically with PacketSize/HeaderSize/NonceSize/TagSize/
// RoutingInfoSize as given; this derives the equivalent quantity directly
// from those constants instead (documented in DESIGN.md).
func PayloadCapacity(hopCount int) int {
	return ContentSize(1, hopCount) - padLengthPrefixSize
}

// Fault is the opaque packet-level error taxonomy from the wire
// protocol. Callers branch on fault identity via errors.Is; the string
// value is the only diagnostic surface and carries no causal detail
// (no "wrong key" vs "tampered ciphertext" vs "bad AD" distinction, no
// length or offset detail in padding faults).
type Fault string

func (f Fault) Error() string { return string(f) }

// Is allows errors.Is(err, SomeFault) to match both a bare Fault value
// and one wrapped with fmt.Errorf("...: %w", fault).
func (f Fault) Is(target error) bool {
	var other Fault
	if errors.As(target, &other) {
		return f == other
	}
	return false
}

// Packet-level faults, per the wire protocol's error taxonomy. These are
// recovered locally by the node runtime: increment a counter, drop the
// packet, continue. None of them are sent back to a peer.
const (
	FaultAuthFailure     Fault = "auth failure"
	FaultReplayExpired   Fault = "replay expired"
	FaultReplayOrReorder Fault = "replay or reorder"
	FaultFormatViolation Fault = "format violation"
	FaultRNGExhausted    Fault = "rng exhausted"
	FaultNonceCollision  Fault = "nonce collision"
	FaultInvalidPadding  Fault = "invalid padding"
)

// Session-fatal and caller-facing faults. Unlike the packet-level faults
// above, these propagate: session faults close the session, caller
// faults surface to whoever called send/open_session.
const (
	FaultSessionClosed      Fault = "session closed"
	FaultHandshakeFailed    Fault = "handshake failed"
	FaultNoPathAvailable    Fault = "no path available"
	FaultInsufficientDiversity Fault = "insufficient diversity"
	FaultPeerUnreachable    Fault = "peer unreachable"
	FaultTimeout            Fault = "timeout"
	FaultCancelled          Fault = "cancelled"
)

// Header is the 8-byte unencrypted packet header, preserved (mostly)
// unchanged across hops: only layer_index decrements.
type Header struct {
	Version    uint8
	HopCount   uint8
	LayerIndex uint8
	Flags      uint8
	Timestamp  uint32
}

// FlagFinalPayload marks the innermost layer: the remainder of the
// plaintext (after routing info) is the real payload, not a nested
// packet, and should be delivered rather than forwarded.
const FlagFinalPayload = uint8(1 << 0)

// Encode writes the header in its 8-byte wire form.
func (h Header) Encode() [HeaderSize]byte {
	var out [HeaderSize]byte
	out[0] = h.Version
	out[1] = h.HopCount
	out[2] = h.LayerIndex
	out[3] = h.Flags
	binary.BigEndian.PutUint32(out[4:8], h.Timestamp)
	return out
}

// DecodeHeader parses an 8-byte wire header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("decode header: %w", FaultFormatViolation)
	}
	return Header{
		Version:    b[0],
		HopCount:   b[1],
		LayerIndex: b[2],
		Flags:      b[3],
		Timestamp:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// AssociatedData returns the 6-byte AEAD associated data bound to this
// header: layer_index ∥ hop_count ∥ timestamp. Any tampering with these
// three fields breaks tag verification at the next unwrap.
func (h Header) AssociatedData() [6]byte {
	var ad [6]byte
	ad[0] = h.LayerIndex
	ad[1] = h.HopCount
	binary.BigEndian.PutUint32(ad[2:6], h.Timestamp)
	return ad
}

// RoutingInfo is the 56-byte plaintext routing block prepended to every
// layer's inner content.
type RoutingInfo struct {
	NextHopAddr   [16]byte // IPv6 form; ::ffff:0:0/96 for IPv4
	NextHopPort   uint16
	SequenceNum   uint64
	SessionID     [16]byte
	PaddingLength uint16
}

// Encode writes the routing info in its 56-byte wire form.
func (r RoutingInfo) Encode() [RoutingInfoSize]byte {
	var out [RoutingInfoSize]byte
	copy(out[0:16], r.NextHopAddr[:])
	binary.BigEndian.PutUint16(out[16:18], r.NextHopPort)
	binary.BigEndian.PutUint64(out[18:26], r.SequenceNum)
	copy(out[26:42], r.SessionID[:])
	binary.BigEndian.PutUint16(out[42:44], r.PaddingLength)
	// out[44:56] reserved, zero.
	return out
}

// DecodeRoutingInfo parses a 56-byte wire routing-info block.
func DecodeRoutingInfo(b []byte) (RoutingInfo, error) {
	if len(b) != RoutingInfoSize {
		return RoutingInfo{}, fmt.Errorf("decode routing info: %w", FaultFormatViolation)
	}
	var r RoutingInfo
	copy(r.NextHopAddr[:], b[0:16])
	r.NextHopPort = binary.BigEndian.Uint16(b[16:18])
	r.SequenceNum = binary.BigEndian.Uint64(b[18:26])
	copy(r.SessionID[:], b[26:42])
	r.PaddingLength = binary.BigEndian.Uint16(b[42:44])
	return r, nil
}
