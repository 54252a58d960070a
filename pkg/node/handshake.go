package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anemochory/relay/pkg/onion"
)

// handshakeMessageSize is salt (16) ∥ X25519 public key (32), sent as a
// single fixed-size message before the framed packet loop begins —
// this predates the per-packet PacketSize framing, so it uses its own
// minimal length-free wire shape.
const handshakeMessageSize = 16 + 32

// handshakeResponseSize extends the responder's message with its own
// session_id (16 bytes): the initiator needs this to tell later hops
// along a path which live session a forwarded packet belongs to (see
// connKindResume below), since the initiator otherwise has no way to
// learn the session_id the responder assigned its own session.
const handshakeResponseSize = handshakeMessageSize + 16

// connKind tags the first byte of every new relay-facing connection,
// distinguishing a fresh client handshake from a relay resuming an
// already-negotiated session to forward a packet onward. The framed
// packet loop and, for a fresh handshake, the handshake exchange
// itself both begin only after this tag.
type connKind byte

const (
	connKindHandshake connKind = 0x01
	connKindResume    connKind = 0x02
)

func writeConnKind(w io.Writer, kind connKind) error {
	_, err := w.Write([]byte{byte(kind)})
	return err
}

func readConnKind(r io.Reader) (connKind, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return connKind(buf[0]), nil
}

// writeResumeHeader follows a connKindResume tag with the session_id
// of the live session the sender wants the peer to resume.
func writeResumeHeader(w io.Writer, sessionID [16]byte) error {
	_, err := w.Write(sessionID[:])
	return err
}

func readResumeHeader(r io.Reader) (sessionID [16]byte, err error) {
	buf := make([]byte, 16)
	if _, err = io.ReadFull(r, buf); err != nil {
		return sessionID, err
	}
	copy(sessionID[:], buf)
	return sessionID, nil
}

func writeHandshakeMessage(w io.Writer, salt [16]byte, pub [32]byte) error {
	buf := make([]byte, handshakeMessageSize)
	copy(buf[0:16], salt[:])
	copy(buf[16:48], pub[:])
	_, err := w.Write(buf)
	return err
}

func readHandshakeMessage(r io.Reader) (salt [16]byte, pub [32]byte, err error) {
	buf := make([]byte, handshakeMessageSize)
	if _, err = io.ReadFull(r, buf); err != nil {
		return salt, pub, err
	}
	copy(salt[:], buf[0:16])
	copy(pub[:], buf[16:48])
	return salt, pub, nil
}

func writeHandshakeResponse(w io.Writer, salt [16]byte, pub [32]byte, sessionID [16]byte) error {
	buf := make([]byte, handshakeResponseSize)
	copy(buf[0:16], salt[:])
	copy(buf[16:48], pub[:])
	copy(buf[48:64], sessionID[:])
	_, err := w.Write(buf)
	return err
}

func readHandshakeResponse(r io.Reader) (salt [16]byte, pub [32]byte, sessionID [16]byte, err error) {
	buf := make([]byte, handshakeResponseSize)
	if _, err = io.ReadFull(r, buf); err != nil {
		return salt, pub, sessionID, err
	}
	copy(salt[:], buf[0:16])
	copy(pub[:], buf[16:48])
	copy(sessionID[:], buf[48:64])
	return salt, pub, sessionID, nil
}

var errHandshakeSaltMismatch = errors.New("node: handshake salt mismatch")

// InitiateHandshake drives the initiator side of the X25519 handshake
// over conn: tag the connection as a fresh handshake, generate a fresh
// handshake_salt, exchange ephemeral public keys, and complete the
// session on agreement. sess must be in onion.SessionNegotiating. It
// returns the responder's session_id, which the caller needs to address
// this hop when routing a forwarded packet to it (onion.HopSpec.SessionID).
func InitiateHandshake(conn net.Conn, sess *onion.Session, timeout time.Duration) ([16]byte, error) {
	var peerSessionID [16]byte
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	if err := writeConnKind(conn, connKindHandshake); err != nil {
		return peerSessionID, fmt.Errorf("node: send conn kind: %w", err)
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return peerSessionID, fmt.Errorf("node: generate handshake salt: %w", err)
	}

	if err := writeHandshakeMessage(conn, salt, sess.HandshakePublicKey()); err != nil {
		return peerSessionID, fmt.Errorf("node: send handshake: %w", err)
	}

	peerSalt, peerPub, responderID, err := readHandshakeResponse(conn)
	if err != nil {
		return peerSessionID, fmt.Errorf("node: read handshake response: %w", err)
	}
	if peerSalt != salt {
		return peerSessionID, errHandshakeSaltMismatch
	}

	if err := sess.CompleteHandshake(peerPub, salt); err != nil {
		return peerSessionID, err
	}
	return responderID, nil
}

// RespondHandshake drives the responder side: read the initiator's
// salt and public key, echo back the same salt with our own public key
// and session_id, and complete the session.
func RespondHandshake(conn net.Conn, sess *onion.Session, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	salt, peerPub, err := readHandshakeMessage(conn)
	if err != nil {
		return fmt.Errorf("node: read handshake: %w", err)
	}

	if err := writeHandshakeResponse(conn, salt, sess.HandshakePublicKey(), sess.ID()); err != nil {
		return fmt.Errorf("node: send handshake response: %w", err)
	}

	return sess.CompleteHandshake(peerPub, salt)
}

// encodeSessionID renders a session ID for log fields without pulling
// in a full hex/base64 dependency for an 16-byte value.
func encodeSessionID(id [16]byte) string {
	var out [32]byte
	const hexdigits = "0123456789abcdef"
	for i, b := range id {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0x0f]
	}
	return string(out[:])
}
