// Package client implements the sending side of the onion protocol: it
// builds a diverse path through a node pool, handshakes with every hop
// on that path to agree each hop's layer key, wraps a payload with
// pkg/onion, and transmits it to the entry node over pkg/transport.
//
// A full telescoped circuit build (handshake only the entry, then
// extend hop-by-hop under cover of the growing circuit) needs an
// embedded per-layer ephemeral key in routing_info; the wire format's
// 56-byte routing_info has no room for one alongside the fields
// pkg/onion already places there. This client instead dials and
// handshakes directly with every hop up front, which reveals the full
// path to the sender (who already chose it) without weakening what
// relays learn about each other. See DESIGN.md.
package client

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/anemochory/relay/internal/logging"
	"github.com/anemochory/relay/pkg/keystore"
	"github.com/anemochory/relay/pkg/node"
	"github.com/anemochory/relay/pkg/onion"
	"github.com/anemochory/relay/pkg/routing"
	"github.com/anemochory/relay/pkg/transport"
)

// Config holds the client's connection timeouts and defaults, mirroring
// the node runtime's Server config in shape.
type Config struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	DefaultHopCount  int
	DefaultMaxRetries int
}

// DefaultConfig returns the client defaults named in the external
// interface: hop_count 3, max_retries 3.
func DefaultConfig() Config {
	return Config{
		DialTimeout:       10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SendTimeout:       30 * time.Second,
		DefaultHopCount:   3,
		DefaultMaxRetries: 3,
	}
}

// Outcome classifies the result of a Send call.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeFailed
	OutcomeNoPathAvailable
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeNoPathAvailable:
		return "no path available"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is what Send returns: an Outcome plus, for Failed, the
// reason.
type Result struct {
	Outcome Outcome
	Reason  string
}

// SendOptions are the per-call options the external interface
// recognizes: hop_count (3-7, default 3), max_retries (default 3), and
// an optional pinned_path that bypasses BuildPath entirely.
type SendOptions struct {
	HopCount   int
	MaxRetries int
	PinnedPath []routing.NodeInfo
}

// Session is a client's handle on a master key and a node pool,
// through which it sends payloads. It holds no per-destination state
// of its own; every Send builds a fresh path and a fresh set of
// per-hop sessions.
type Session struct {
	cfg       Config
	pool      *routing.NodePool
	keyHandle *keystore.Handle
	log       *logging.Logger

	closed bool
}

// OpenSession retains keyHandle for the session's lifetime (released,
// zeroizing the handle if it was the last reference, on Close) and
// binds the session to pool for path selection.
func OpenSession(pool *routing.NodePool, keyHandle *keystore.Handle, log *logging.Logger, cfg Config) (*Session, error) {
	if keyHandle == nil {
		return nil, fmt.Errorf("client: open session: master key handle is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("client: open session: node pool is required")
	}
	if log == nil {
		log = logging.NewLogger(logging.LogConfig{Level: "info", Format: "json"})
	}
	keyHandle.Retain()
	return &Session{
		cfg:       cfg,
		pool:      pool,
		keyHandle: keyHandle,
		log:       log.WithComponent("client"),
	}, nil
}

// Close releases the session's reference on its master key handle.
// Calling Close more than once is a no-op.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.keyHandle.Release()
}

// Send builds a path, wraps payload for destination, and transmits it
// to the entry hop, retrying with a fresh path and exponential
// backoff plus jitter on entry-hop refusal or connection failure, up
// to opts.MaxRetries.
func (s *Session) Send(destination string, payload []byte, opts SendOptions) Result {
	if s.closed {
		return Result{Outcome: OutcomeFailed, Reason: "session closed"}
	}

	hopCount := opts.HopCount
	if hopCount == 0 {
		hopCount = s.cfg.DefaultHopCount
	}
	if hopCount < onion.MinHopCount || hopCount > onion.MaxHopCount {
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("hop_count %d out of range", hopCount)}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}

	framed, err := EncodeDestination(destination, payload)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}
	}
	if cap := onion.PayloadCapacity(hopCount); len(framed) > cap {
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("payload of %d bytes (with destination) exceeds capacity %d for %d hops", len(framed), cap, hopCount)}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.Multiplier = 2
	eb.MaxInterval = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		path, relaxed, err := s.choosePath(hopCount, opts.PinnedPath)
		if err != nil {
			if errors.Is(err, routing.FaultInsufficientDiversityErr) {
				return Result{Outcome: OutcomeNoPathAvailable, Reason: onion.FaultInsufficientDiversity.Error()}
			}
			return Result{Outcome: OutcomeNoPathAvailable, Reason: err.Error()}
		}
		if relaxed {
			s.log.Debug().Msg("path diversity constraints relaxed to find a viable path")
		}

		err = s.sendOnce(path, framed)
		if err == nil {
			return Result{Outcome: OutcomeDelivered}
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Int("max_retries", maxRetries).Msg("send attempt failed")

		if attempt == maxRetries {
			break
		}
		time.Sleep(eb.NextBackOff())
	}
	return Result{Outcome: OutcomeFailed, Reason: lastErr.Error()}
}

func (s *Session) choosePath(hopCount int, pinned []routing.NodeInfo) ([]routing.NodeInfo, bool, error) {
	if len(pinned) > 0 {
		return pinned, false, nil
	}
	return routing.BuildPath(s.pool, hopCount)
}

// sendOnce handshakes with every hop in path, wraps framed under the
// agreed per-hop keys, and writes the resulting packet to the entry
// hop's connection.
func (s *Session) sendOnce(path []routing.NodeInfo, framed []byte) (err error) {
	if len(path) == 0 {
		return fmt.Errorf("client: empty path")
	}

	hops := make([]onion.HopSpec, len(path))
	var entryConn net.Conn
	var entrySess *onion.Session

	defer func() {
		if err != nil && entryConn != nil {
			entryConn.Close()
		}
	}()

	for i, n := range path {
		addr, hErr := onion.NewNodeAddress(n.Address)
		if hErr != nil {
			return fmt.Errorf("client: parse address for hop %s: %w", n.ID, hErr)
		}

		conn, hErr := net.DialTimeout("tcp", n.Address, s.cfg.DialTimeout)
		if hErr != nil {
			return fmt.Errorf("client: %w: dial hop %s: %v", onion.FaultPeerUnreachable, n.ID, hErr)
		}

		var localID [16]byte
		if _, hErr := rand.Read(localID[:]); hErr != nil {
			conn.Close()
			return fmt.Errorf("client: draw local session id for hop %s: %w", n.ID, hErr)
		}
		sess, hErr := onion.NewSession(localID)
		if hErr != nil {
			conn.Close()
			return fmt.Errorf("client: new local session for hop %s: %w", n.ID, hErr)
		}
		peerSessionID, hErr := node.InitiateHandshake(conn, sess, s.cfg.HandshakeTimeout)
		if hErr != nil {
			conn.Close()
			return fmt.Errorf("client: %w: handshake with hop %s: %v", onion.FaultHandshakeFailed, n.ID, hErr)
		}

		key, hErr := sess.LayerKey()
		if hErr != nil {
			conn.Close()
			return fmt.Errorf("client: layer key for hop %s: %w", n.ID, hErr)
		}
		// peerSessionID, not sess.ID(), is what a forwarding relay must
		// resume this hop's session under: sess is this client's own
		// local bookkeeping for the handshake, not the hop's session.
		hops[i] = onion.HopSpec{NodeID: n.ID, Address: addr, Key: key, SessionID: peerSessionID}

		if i == 0 {
			entryConn = conn
			entrySess = sess
			continue
		}
		sess.Close()
		conn.Close()
	}

	packet, err := onion.Wrap(framed, hops, entrySess.NextOutgoingSequence(), uint32(time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("client: wrap: %w", err)
	}

	tc := transport.NewConn(entryConn, s.cfg.SendTimeout, s.cfg.SendTimeout)
	if wErr := tc.WritePacket(packet); wErr != nil {
		return fmt.Errorf("client: %w: write to entry hop: %v", onion.FaultPeerUnreachable, wErr)
	}
	return nil
}

// EncodeDestination prepends destination to payload behind a 2-byte
// big-endian length prefix. The onion codec itself is
// destination-agnostic — it only knows routing_info's next-hop address
// — so the exit side's application handler needs this convention to
// recover the final-hop-beyond-the-protocol addressing carried inside
// the delivered plaintext. See DecodeDestination.
func EncodeDestination(destination string, payload []byte) ([]byte, error) {
	if len(destination) > 0xFFFF {
		return nil, fmt.Errorf("client: destination too long")
	}
	out := make([]byte, 2+len(destination)+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(destination)))
	copy(out[2:2+len(destination)], destination)
	copy(out[2+len(destination):], payload)
	return out, nil
}

// DecodeDestination is EncodeDestination's inverse, for an exit
// handler that needs to recover the destination an onion.Session
// delivers alongside the payload.
func DecodeDestination(framed []byte) (destination string, payload []byte, err error) {
	if len(framed) < 2 {
		return "", nil, fmt.Errorf("client: decode destination: %w", onion.FaultFormatViolation)
	}
	n := int(binary.BigEndian.Uint16(framed[0:2]))
	if len(framed) < 2+n {
		return "", nil, fmt.Errorf("client: decode destination: %w", onion.FaultFormatViolation)
	}
	return string(framed[2 : 2+n]), framed[2+n:], nil
}
