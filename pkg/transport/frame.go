// Package transport implements the framed TCP wire transport that
// carries onion packets between nodes: a 4-byte big-endian length
// prefix followed by exactly onion.PacketSize bytes.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anemochory/relay/pkg/onion"
)

// FrameHeaderSize is the length of the length-prefix preceding every
// packet on the wire.
const FrameHeaderSize = 4

var (
	// ErrInvalidFrameLength is returned when a peer announces a length
	// other than onion.PacketSize, since every onion packet on this
	// transport is fixed-size by construction.
	ErrInvalidFrameLength = errors.New("transport: invalid frame length")
)

// WriteFrame writes packet to w prefixed with its 4-byte big-endian
// length. packet must be exactly onion.PacketSize bytes.
func WriteFrame(w io.Writer, packet []byte) error {
	if len(packet) != onion.PacketSize {
		return fmt.Errorf("transport: write frame: packet is %d bytes, want %d", len(packet), onion.PacketSize)
	}
	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(packet)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := w.Write(packet); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. The announced
// length must equal onion.PacketSize exactly; anything else is
// rejected rather than silently read, since a node speaking this
// protocol never emits a different size.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length != onion.PacketSize {
		return nil, ErrInvalidFrameLength
	}
	packet := make([]byte, length)
	if _, err := io.ReadFull(r, packet); err != nil {
		return nil, fmt.Errorf("transport: read frame payload: %w", err)
	}
	return packet, nil
}

// Conn wraps a net.Conn with read/write deadlines applied per frame,
// mirroring the bounded-wait discipline the node runtime needs against
// a slow or stalled peer.
type Conn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewConn wraps conn with the given per-frame deadlines.
func NewConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{Conn: conn, ReadTimeout: readTimeout, WriteTimeout: writeTimeout}
}

// ReadPacket reads one framed onion packet, applying ReadTimeout as a
// deadline for the whole frame.
func (c *Conn) ReadPacket() ([]byte, error) {
	if c.ReadTimeout > 0 {
		if err := c.SetReadDeadline(time.Now().Add(c.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
	}
	return ReadFrame(c)
}

// WritePacket writes one framed onion packet, applying WriteTimeout as
// a deadline for the whole frame.
func (c *Conn) WritePacket(packet []byte) error {
	if c.WriteTimeout > 0 {
		if err := c.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
			return fmt.Errorf("transport: set write deadline: %w", err)
		}
	}
	return WriteFrame(c, packet)
}
