package transport

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/anemochory/relay/pkg/onion"
)

func randPacket(t *testing.T) []byte {
	t.Helper()
	packet := make([]byte, onion.PacketSize)
	if _, err := rand.Read(packet); err != nil {
		t.Fatalf("draw packet: %v", err)
	}
	return packet
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	packet := randPacket(t)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, packet); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got, want := buf.Len(), FrameHeaderSize+onion.PacketSize; got != want {
		t.Fatalf("frame len = %d, want %d", got, want)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, packet) {
		t.Error("round-tripped packet does not match original")
	}
}

func TestWriteFrameRejectsWrongSize(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, make([]byte, onion.PacketSize-1)); err == nil {
		t.Error("WriteFrame with short packet should fail")
	}
}

func TestReadFrameRejectsWrongAnnouncedLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0, 0, 0, 10}
	buf.Write(header)
	buf.Write(make([]byte, 10))

	if _, err := ReadFrame(&buf); err != ErrInvalidFrameLength {
		t.Errorf("ReadFrame with wrong length: got %v, want ErrInvalidFrameLength", err)
	}
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	full := randPacket(t)
	var good bytes.Buffer
	if err := WriteFrame(&good, full); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := good.Bytes()[:FrameHeaderSize+10]

	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Error("ReadFrame with truncated payload should fail")
	}
}
