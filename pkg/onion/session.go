package onion

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/anemochory/relay/internal/logging"
	"github.com/anemochory/relay/internal/metrics"
)

// SessionState is the lifecycle state of a Session, per the wire
// protocol's state machine: Negotiating -> Established -> Rotating ->
// Established, and any state -> Closed.
type SessionState int

const (
	SessionNegotiating SessionState = iota
	SessionEstablished
	SessionRotating
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNegotiating:
		return "negotiating"
	case SessionEstablished:
		return "established"
	case SessionRotating:
		return "rotating"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// retainedKeyGraceWindow is how long a retired session key remains
// acceptable for decrypting in-flight packets sent just before a
// rotation took effect.
const retainedKeyGraceWindow = 60 * time.Second

// retainedKeyRingCapacity bounds how many past epochs' keys a session
// keeps around for the grace window.
const retainedKeyRingCapacity = 3

// rotationPacketThreshold and rotationAgeThreshold are the two
// independent triggers for a key ratchet: whichever fires first.
const (
	rotationPacketThreshold = 10000
	rotationAgeThreshold    = 1 * time.Hour
)

// faultThreshold and faultWindow bound how many packet-level faults
// (auth failures, replay/reorder, format violations, ...) a session
// tolerates before the repeated-fault pattern itself is treated as
// session-fatal, per the wire protocol's "repeated faults above a
// threshold within a window cause Closed" rule. A burst this size is
// well beyond the rate a healthy peer with ordinary clock skew or
// packet loss would ever produce.
const (
	faultThreshold = 20
	faultWindow    = 10 * time.Second
)

// retainedKey is one entry in a session's grace-window key ring.
type retainedKey struct {
	key       []byte
	epoch     uint64
	retiredAt time.Time
}

// Session holds per-peer cryptographic and replay state for one onion
// session: the current epoch's key material, a short ring of recently
// retired keys for the rotation grace window, and replay/sequence
// tracking. A Session does not know about paths or hop lists; it is
// the unit the node runtime looks up by session_id to unwrap/forward a
// packet.
type Session struct {
	mu sync.Mutex

	id    [16]byte
	state SessionState

	currentKey           []byte
	epoch                uint64
	keyCreatedAt         time.Time
	packetsSinceRotation uint64

	retained []retainedKey

	replay   *replayCache
	sequence *sequenceTracker

	faultCount      int
	faultWindowFrom time.Time

	// nextOutgoingSeq is this endpoint's own outgoing sequence counter,
	// randomized at session start rather than fixed at zero so every
	// newly opened session doesn't announce itself with an identical,
	// easily fingerprinted first sequence number.
	nextOutgoingSeq uint64

	// ephemeralPriv/ephemeralPub are this endpoint's X25519 handshake
	// keypair, retained only until the handshake completes.
	ephemeralPriv [32]byte
	ephemeralPub  [32]byte

	createdAt    time.Time
	lastActivity time.Time

	onRotate func()
}

// NewSession starts a session in the Negotiating state with a freshly
// drawn X25519 ephemeral keypair and a randomized starting sequence
// number (see DESIGN.md for why sequence numbers don't start at zero).
func NewSession(id [16]byte) (*Session, error) {
	s := &Session{
		id:           id,
		state:        SessionNegotiating,
		replay:       newReplayCache(DefaultReplayCacheCapacity),
		sequence:     newSequenceTracker(),
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}
	if _, err := rand.Read(s.ephemeralPriv[:]); err != nil {
		return nil, fmt.Errorf("session: draw ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(s.ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("session: derive ephemeral public key: %w", err)
	}
	copy(s.ephemeralPub[:], pub)

	var startSeq [8]byte
	if _, err := rand.Read(startSeq[:]); err != nil {
		return nil, fmt.Errorf("session: draw starting sequence number: %w", err)
	}
	for _, b := range startSeq {
		s.nextOutgoingSeq = s.nextOutgoingSeq<<8 | uint64(b)
	}

	return s, nil
}

// NextOutgoingSequence returns this session's next outgoing sequence
// number and advances the counter.
func (s *Session) NextOutgoingSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextOutgoingSeq
	s.nextOutgoingSeq++
	return seq
}

// HandshakePublicKey returns this endpoint's ephemeral public key to
// send to the peer.
func (s *Session) HandshakePublicKey() [32]byte {
	return s.ephemeralPub
}

// CompleteHandshake computes the X25519 shared secret against the
// peer's public key, derives the initial session key, zeroizes the
// ephemeral private key, and transitions to Established.
func (s *Session) CompleteHandshake(peerPublicKey [32]byte, handshakeSalt [16]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionNegotiating {
		return fmt.Errorf("session: complete handshake: %w", FaultHandshakeFailed)
	}

	shared, err := curve25519.X25519(s.ephemeralPriv[:], peerPublicKey[:])
	if err != nil {
		return fmt.Errorf("session: %w: %v", FaultHandshakeFailed, err)
	}
	zero(s.ephemeralPriv[:])

	s.currentKey = DeriveInitialSessionKey(handshakeSalt, shared)
	s.epoch = 0
	s.keyCreatedAt = time.Now()
	s.packetsSinceRotation = 0
	s.state = SessionEstablished
	return nil
}

// needsRotation reports whether the current key has crossed either
// rotation trigger. Caller must hold s.mu.
func (s *Session) needsRotation() bool {
	if s.packetsSinceRotation >= rotationPacketThreshold {
		return true
	}
	return time.Since(s.keyCreatedAt) >= rotationAgeThreshold
}

// Rotate ratchets the session to a new epoch's key, retiring the
// current key into the grace-window ring rather than discarding it
// immediately, since packets already in flight were sealed under it.
func (s *Session) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return fmt.Errorf("session: rotate: %w", FaultSessionClosed)
	}

	s.state = SessionRotating
	nextEpoch := s.epoch + 1
	nextKey := RatchetKey(s.currentKey, nextEpoch)

	s.retained = append(s.retained, retainedKey{
		key:       s.currentKey,
		epoch:     s.epoch,
		retiredAt: time.Now(),
	})
	s.pruneRetainedLocked()

	s.currentKey = nextKey
	s.epoch = nextEpoch
	s.keyCreatedAt = time.Now()
	s.packetsSinceRotation = 0
	s.state = SessionEstablished

	if s.onRotate != nil {
		s.onRotate()
	}
	return nil
}

// pruneRetainedLocked drops retired keys older than the grace window
// and caps the ring at retainedKeyRingCapacity, zeroizing whatever it
// evicts. Caller must hold s.mu.
func (s *Session) pruneRetainedLocked() {
	now := time.Now()
	kept := s.retained[:0]
	for _, rk := range s.retained {
		if now.Sub(rk.retiredAt) > retainedKeyGraceWindow {
			zero(rk.key)
			continue
		}
		kept = append(kept, rk)
	}
	s.retained = kept

	for len(s.retained) > retainedKeyRingCapacity {
		zero(s.retained[0].key)
		s.retained = s.retained[1:]
	}
}

// candidateKeys returns the keys to try decrypting an incoming packet
// under, most-recent-first: the current key, then retained keys within
// their grace window, most-recently-retired first. Keeping the
// sequence identical to the success path regardless of which candidate
// eventually matches avoids an early-disclosure timing signal about
// which epoch a peer is using.
func (s *Session) candidateKeys() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneRetainedLocked()

	keys := make([][]byte, 0, 1+len(s.retained))
	keys = append(keys, s.currentKey)
	for i := len(s.retained) - 1; i >= 0; i-- {
		keys = append(keys, s.retained[i].key)
	}
	return keys
}

// ProcessPacket unwraps one onion layer addressed to this session: it
// tries every one of the session's candidate keys in grace-window
// order, checks the nonce against the replay cache and the sequence
// number against the monotonic tracker, and on success records both
// before returning the result. now is injected for testability.
func (s *Session) ProcessPacket(packet []byte, now func() int64) (*UnwrapResult, error) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil, FaultSessionClosed
	}
	s.mu.Unlock()

	// Every candidate key is tried, even after one succeeds: stopping
	// at the first match would leak which epoch a peer is using
	// through how long ProcessPacket takes to return.
	var match *UnwrapResult
	var matchErr error = FaultAuthFailure
	for _, key := range s.candidateKeys() {
		result, err := UnwrapLayer(packet, key, now)
		if err == nil && match == nil {
			match = result
			matchErr = nil
		}
	}
	result, err := match, matchErr
	if err != nil {
		s.recordFault()
		return nil, err
	}

	if s.replay.seen(result.Nonce) {
		s.recordFault()
		return nil, FaultReplayOrReorder
	}
	if !s.sequence.accept(result.RoutingInfo.SequenceNum) {
		s.recordFault()
		return nil, FaultReplayOrReorder
	}
	s.replay.record(result.Nonce)

	s.mu.Lock()
	s.packetsSinceRotation++
	s.lastActivity = time.Now()
	rotate := s.needsRotation()
	s.mu.Unlock()

	if rotate {
		_ = s.Rotate()
	}

	return result, nil
}

// recordFault tracks one packet-level fault toward the repeated-fault
// threshold and closes the session outright if faultThreshold faults
// land within faultWindow of each other. A fault outside the window
// restarts the count rather than accumulating forever, since isolated
// faults spread thin over time are ordinary network noise, not an
// attack or a wedged peer.
func (s *Session) recordFault() {
	s.mu.Lock()
	now := time.Now()
	if s.faultWindowFrom.IsZero() || now.Sub(s.faultWindowFrom) > faultWindow {
		s.faultWindowFrom = now
		s.faultCount = 0
	}
	s.faultCount++
	tripped := s.faultCount >= faultThreshold
	s.mu.Unlock()

	if tripped {
		s.Close()
	}
}

// Close transitions the session to Closed and zeroizes all retained
// key material.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosed
	zero(s.currentKey)
	for _, rk := range s.retained {
		zero(rk.key)
	}
	s.retained = nil
	zero(s.ephemeralPriv[:])
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LayerKey returns a copy of the session's current epoch key, for a
// caller (the client, building an onion.HopSpec) that needs this peer's
// per-layer AEAD key directly rather than through a Session's own
// unwrap path. Returns FaultSessionClosed before the handshake
// completes or after the session closes.
func (s *Session) LayerKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionEstablished && s.state != SessionRotating {
		return nil, fmt.Errorf("session: layer key: %w", FaultSessionClosed)
	}
	return append([]byte(nil), s.currentKey...), nil
}

// ID returns the session's identifier.
func (s *Session) ID() [16]byte {
	return s.id
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SessionManagerConfig configures idle cleanup for a SessionManager.
type SessionManagerConfig struct {
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	MaxSessions     int
}

// DefaultSessionManagerConfig mirrors the node runtime's default
// relay-scale session bookkeeping.
func DefaultSessionManagerConfig() SessionManagerConfig {
	return SessionManagerConfig{
		IdleTimeout:     30 * time.Minute,
		CleanupInterval: 1 * time.Minute,
		MaxSessions:     10000,
	}
}

// SessionManager tracks every active session a node holds, keyed by
// session_id, and periodically sweeps out idle ones.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[[16]byte]*Session

	cfg     SessionManagerConfig
	log     *logging.Logger
	metrics *metrics.PrometheusMetrics

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewSessionManager creates a session manager; call Start to begin its
// idle-sweep loop.
func NewSessionManager(cfg SessionManagerConfig, log *logging.Logger, m *metrics.PrometheusMetrics) *SessionManager {
	return &SessionManager{
		sessions:    make(map[[16]byte]*Session),
		cfg:         cfg,
		log:         log.WithComponent("session-manager"),
		metrics:     m,
		stopCleanup: make(chan struct{}),
	}
}

// Start begins the idle-session sweep loop.
func (m *SessionManager) Start() {
	m.cleanupTicker = time.NewTicker(m.cfg.CleanupInterval)
	go m.cleanupLoop()
	m.log.Info().Msg("session manager started")
}

// Stop halts the sweep loop and closes every remaining session.
func (m *SessionManager) Stop() {
	close(m.stopCleanup)
	if m.cleanupTicker != nil {
		m.cleanupTicker.Stop()
	}

	m.mu.Lock()
	for id, sess := range m.sessions {
		sess.Close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.log.Info().Msg("session manager stopped")
}

func (m *SessionManager) cleanupLoop() {
	for {
		select {
		case <-m.stopCleanup:
			return
		case <-m.cleanupTicker.C:
			m.sweepIdle()
		}
	}
}

func (m *SessionManager) sweepIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, sess := range m.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		sess.mu.Unlock()

		if idle > m.cfg.IdleTimeout {
			sess.Close()
			delete(m.sessions, id)
			if m.metrics != nil {
				m.metrics.SessionsClosed.Inc()
				m.metrics.ActiveSessions.Dec()
			}
			m.log.Debug().Dur("idle_time", idle).Msg("closed idle session")
		}
	}
}

// Create registers a new negotiating session under a fresh random
// session_id.
func (m *SessionManager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("session manager: %w", FaultNoPathAvailable)
	}

	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("session manager: draw session id: %w", err)
	}

	sess, err := NewSession(id)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		metricsRef := m.metrics
		sess.onRotate = func() { metricsRef.KeyRotations.Inc() }
	}
	m.sessions[id] = sess

	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
		m.metrics.ActiveSessions.Inc()
	}
	return sess, nil
}

// Get looks up a session by id.
func (m *SessionManager) Get(id [16]byte) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Remove closes and forgets a session.
func (m *SessionManager) Remove(id [16]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		sess.Close()
		delete(m.sessions, id)
		if m.metrics != nil {
			m.metrics.SessionsClosed.Inc()
			m.metrics.ActiveSessions.Dec()
		}
	}
}

// Count returns the number of active sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
