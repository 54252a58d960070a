package node

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/anemochory/relay/internal/bridge"
	"github.com/anemochory/relay/internal/logging"
	"github.com/anemochory/relay/internal/metrics"
	"github.com/anemochory/relay/internal/ratelimit"
	"github.com/anemochory/relay/pkg/onion"
	"github.com/anemochory/relay/pkg/transport"
)

// Runtime is a single node's receive loop: it accepts framed peer
// connections, negotiates a new onion.Session or resumes an existing
// one on each connection, and for
// every packet either hands the final payload to the exit handler or
// forwards the reconstructed packet to the next hop after a jittered
// delay.
type Runtime struct {
	cfg     Config
	log     *logging.Logger
	metrics *metrics.PrometheusMetrics
	exit    ExitHandler

	sessions *onion.SessionManager
	limiter  *ratelimit.Limiter
	tracker  *ratelimit.IPTracker

	globalStats *bridge.GlobalStats

	sessionStats   map[[16]byte]*bridge.SessionStats
	sessionStatsMu sync.Mutex

	listener      net.Listener
	metricsServer *http.Server
	health        *metrics.HealthChecker

	outbound   map[outboundKey]*transport.Conn
	outboundMu sync.Mutex

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
}

// NewRuntime builds a node runtime. exit may be nil, in which case
// DiscardExitHandler is used (a middle/entry-only deployment never
// reaches the final-payload branch anyway).
func NewRuntime(cfg Config, log *logging.Logger, m *metrics.PrometheusMetrics, exit ExitHandler) *Runtime {
	if exit == nil {
		exit = DiscardExitHandler
	}

	sessionCfg := onion.DefaultSessionManagerConfig()
	if cfg.Onion.MaxSessions > 0 {
		sessionCfg.MaxSessions = cfg.Onion.MaxSessions
	}
	if cfg.Onion.IdleTimeout > 0 {
		sessionCfg.IdleTimeout = cfg.Onion.IdleTimeout
	}
	if cfg.Onion.CleanupInterval > 0 {
		sessionCfg.CleanupInterval = cfg.Onion.CleanupInterval
	}

	return &Runtime{
		cfg:      cfg,
		log:      log.WithComponent("node-runtime"),
		metrics:  m,
		exit:     exit,
		sessions: onion.NewSessionManager(sessionCfg, log, m),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
			BanDuration:       cfg.RateLimit.BanDuration,
			MaxViolations:     cfg.RateLimit.MaxViolations,
		}),
		tracker:      ratelimit.NewIPTracker(cfg.Onion.IdleTimeout),
		globalStats:  bridge.NewGlobalStats(),
		sessionStats: make(map[[16]byte]*bridge.SessionStats),
		outbound:     make(map[outboundKey]*transport.Conn),
		health:       metrics.NewHealthChecker(cfg.Onion.NodeID),
		stopCh:       make(chan struct{}),
	}
}

// Stats returns a point-in-time snapshot of this node's traffic
// counters, keyed by session id, plus the node-wide totals.
func (r *Runtime) Stats() (map[[16]byte]bridge.StatsSnapshot, *bridge.GlobalStats) {
	r.sessionStatsMu.Lock()
	defer r.sessionStatsMu.Unlock()

	snap := make(map[[16]byte]bridge.StatsSnapshot, len(r.sessionStats))
	for id, s := range r.sessionStats {
		snap[id] = s.Snapshot()
	}
	return snap, r.globalStats
}

// Start opens the listener and begins accepting peer connections.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("node: runtime already started")
	}
	r.started = true
	r.mu.Unlock()

	ln, err := net.Listen("tcp", r.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	r.listener = ln

	r.sessions.Start()

	r.health.RegisterCheck("session_capacity", func() metrics.HealthCheck {
		active := r.sessions.Count()
		max := r.cfg.Onion.MaxSessions
		if max > 0 && active >= max {
			return metrics.HealthCheck{
				Status:  metrics.HealthStatusDegraded,
				Message: "session table at capacity",
			}
		}
		return metrics.HealthCheck{Status: metrics.HealthStatusHealthy}
	})

	if r.cfg.Metrics.Enabled {
		go r.startMetricsServer()
	}

	r.log.Info().Str("addr", r.cfg.Server.ListenAddr).Msg("node runtime listening")
	go r.acceptLoop()
	return nil
}

// ListenAddr returns the runtime's bound listen address, useful after
// Start when the configured address used an ephemeral port.
func (r *Runtime) ListenAddr() string {
	return r.listener.Addr().String()
}

// Shutdown stops accepting new connections, stops the session manager,
// and shuts down the metrics server.
func (r *Runtime) Shutdown() error {
	close(r.stopCh)

	var err error
	if r.listener != nil {
		err = r.listener.Close()
	}
	r.sessions.Stop()

	r.outboundMu.Lock()
	for key, c := range r.outbound {
		c.Close()
		delete(r.outbound, key)
	}
	r.outboundMu.Unlock()

	if r.metricsServer != nil {
		r.metricsServer.Close()
	}
	return err
}

func (r *Runtime) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle(r.cfg.Metrics.Path, r.metrics.Handler())
	mux.HandleFunc(r.cfg.Metrics.HealthPath, r.health.HealthHandler())
	mux.HandleFunc(r.cfg.Metrics.ReadyPath, r.health.ReadinessHandler(r.health.IsHealthy))

	r.metricsServer = &http.Server{Addr: r.cfg.Metrics.Addr, Handler: mux}
	r.log.Info().Str("addr", r.cfg.Metrics.Addr).Msg("metrics server listening")
	if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		r.log.Error().Err(err).Msg("metrics server error")
	}
}

func (r *Runtime) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				r.log.Error().Err(err).Msg("accept failed")
				continue
			}
		}
		go r.handleConn(conn)
	}
}

// handleConn owns one peer connection for its entire lifetime: it
// reads the connection-kind tag that opens every relay-facing
// connection and dispatches to a fresh handshake or a resumed session,
// then loops unwrapping packets until the connection closes or the
// session faults fatally.
//
// A connection carries either a client (or a previous hop) negotiating
// a brand new session, or a previous hop resuming a session it already
// has a live, client-negotiated key for (see forward/getOutbound): the
// packet on the wire was sealed under the key this node agreed
// directly with whoever built the onion packet, never under a key
// this node just negotiated with the hop in front of it, so a
// forwarded packet must always land on the ORIGINAL session rather
// than a fresh one.
func (r *Runtime) handleConn(conn net.Conn) {
	peerIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peerIP); err == nil {
		peerIP = host
	}

	if r.cfg.RateLimit.Enabled && !r.limiter.Allow(peerIP) {
		conn.Close()
		if r.metrics != nil {
			r.metrics.RateLimitHits.Inc()
		}
		return
	}

	r.tracker.IncrementConnections(peerIP)
	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
		r.metrics.ConnectionsTotal.Inc()
	}
	defer func() {
		r.tracker.DecrementConnections(peerIP)
		if r.metrics != nil {
			r.metrics.ActiveConnections.Dec()
		}
		conn.Close()
	}()

	if r.cfg.Server.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.cfg.Server.HandshakeTimeout))
	}
	kind, err := readConnKind(conn)
	if err != nil {
		r.log.Debug().Err(err).Str("peer", peerIP).Msg("could not read connection kind")
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch kind {
	case connKindResume:
		r.handleResume(conn, peerIP)
	default:
		r.handleHandshake(conn, peerIP)
	}
}

// handleHandshake negotiates a brand new session over conn and serves
// it for as long as the connection stays open.
func (r *Runtime) handleHandshake(conn net.Conn, peerIP string) {
	sess, err := r.sessions.Create()
	if err != nil {
		r.log.Warn().Err(err).Str("peer", peerIP).Msg("could not create session")
		return
	}

	if err := RespondHandshake(conn, sess, r.cfg.Server.HandshakeTimeout); err != nil {
		r.log.Warn().Err(err).Str("peer", peerIP).Msg("handshake failed")
		r.sessions.Remove(sess.ID())
		return
	}

	log := r.log.WithSession(encodeSessionID(sess.ID())).WithIP(peerIP)
	log.Info().Msg("session established")

	r.serveSession(conn, sess, peerIP, log)
}

// handleResume looks up a session a previous connection already
// negotiated (directly with the client, per this node's own prior
// handleHandshake) and serves it over a new connection, rather than
// negotiating a fresh one: the session outlives the connection it was
// created on specifically so a later hop forwarding to it can resume
// it this way.
func (r *Runtime) handleResume(conn net.Conn, peerIP string) {
	if r.cfg.Server.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.cfg.Server.HandshakeTimeout))
	}
	sessionID, err := readResumeHeader(conn)
	if err != nil {
		r.log.Warn().Err(err).Str("peer", peerIP).Msg("could not read resume header")
		return
	}
	conn.SetReadDeadline(time.Time{})

	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		r.log.Warn().Str("peer", peerIP).Str("session", encodeSessionID(sessionID)).Msg("resume requested for unknown session")
		return
	}

	log := r.log.WithSession(encodeSessionID(sess.ID())).WithIP(peerIP)
	log.Debug().Msg("resuming session on new connection")

	r.serveSession(conn, sess, peerIP, log)
}

// serveSession runs the packet loop shared by a freshly handshaken
// connection and a resumed one: unwrap, deliver or forward, repeat
// until the connection closes or the session faults fatally.
func (r *Runtime) serveSession(conn net.Conn, sess *onion.Session, peerIP string, log *logging.Logger) {
	stats := bridge.NewSessionStats()
	r.globalStats.IncrementSessions()
	r.sessionStatsMu.Lock()
	r.sessionStats[sess.ID()] = stats
	r.sessionStatsMu.Unlock()
	defer func() {
		r.globalStats.DecrementActiveSessions()
		r.sessionStatsMu.Lock()
		delete(r.sessionStats, sess.ID())
		r.sessionStatsMu.Unlock()
	}()

	tc := transport.NewConn(conn, r.cfg.Server.ReadTimeout, r.cfg.Server.WriteTimeout)
	for {
		packet, err := tc.ReadPacket()
		if err != nil {
			log.Debug().Err(err).Msg("connection closed")
			return
		}

		if r.tracker.OverHighWaterMark(peerIP, r.cfg.Onion.HighWaterMark) {
			log.Warn().Msg("dropping packet: peer over high-water mark")
			stats.AddPacketDropped()
			continue
		}

		result, err := sess.ProcessPacket(packet, func() int64 { return time.Now().Unix() })
		if err != nil {
			r.recordFault(log, err)
			stats.AddPacketDropped()
			if errFatal(err) {
				return
			}
			continue
		}

		if r.metrics != nil {
			r.metrics.BytesRelayed.Add(float64(len(packet)))
		}
		stats.AddBytesForwarded(int64(len(packet)))
		r.globalStats.AddBytesForwarded(int64(len(packet)))
		r.globalStats.AddPacketsHandled(1)

		if result.Final {
			if err := r.exit.Deliver(sess.ID(), result.Payload); err != nil {
				log.Warn().Err(err).Msg("exit delivery failed")
			}
			if r.metrics != nil {
				r.metrics.PacketsDelivered.Inc()
			}
			stats.AddPacketDelivered()
			continue
		}

		r.forward(log, result)
		stats.AddPacketForwarded()
	}
}

// outboundKey identifies a cached outbound connection: the framed
// transport carries a single session's frames per connection (no
// multiplexing), so two sessions forwarded to the same next-hop
// address can never share one outbound connection.
type outboundKey struct {
	addr      string
	sessionID [16]byte
}

// forward applies the forwarding jitter and relays the reconstructed
// packet to the next hop named in routing info, resuming that hop's
// already-negotiated session rather than starting a new one: the
// packet was sealed under the key the client negotiated directly with
// that hop, and RoutingInfo.SessionID names that session.
func (r *Runtime) forward(log *logging.Logger, result *onion.UnwrapResult) {
	sleepJitter(r.metrics)

	addr := hopAddress(result.RoutingInfo)
	sessionID := result.RoutingInfo.SessionID
	out, err := r.getOutbound(addr, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("next_hop", addr).Msg("could not reach next hop")
		return
	}

	if err := out.WritePacket(result.ForwardedPacket); err != nil {
		log.Warn().Err(err).Str("next_hop", addr).Msg("forward failed")
		r.outboundMu.Lock()
		delete(r.outbound, outboundKey{addr, sessionID})
		r.outboundMu.Unlock()
		out.Close()
		return
	}

	if r.metrics != nil {
		r.metrics.PacketsForwarded.Inc()
	}
}

// getOutbound returns the cached connection to addr carrying
// sessionID's resumed session, dialing and sending the connKindResume
// handoff if none exists yet.
func (r *Runtime) getOutbound(addr string, sessionID [16]byte) (*transport.Conn, error) {
	key := outboundKey{addr: addr, sessionID: sessionID}

	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()

	if c, ok := r.outbound[key]; ok {
		return c, nil
	}

	conn, err := net.DialTimeout("tcp", addr, r.cfg.Server.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("node: dial next hop: %w", err)
	}
	if err := writeConnKind(conn, connKindResume); err != nil {
		conn.Close()
		return nil, fmt.Errorf("node: send resume conn kind: %w", err)
	}
	if err := writeResumeHeader(conn, sessionID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("node: send resume header: %w", err)
	}

	out := transport.NewConn(conn, r.cfg.Server.ReadTimeout, r.cfg.Server.WriteTimeout)
	r.outbound[key] = out
	return out, nil
}

func (r *Runtime) recordFault(log *logging.Logger, err error) {
	log.Debug().Err(err).Msg("packet fault")
	if r.metrics == nil {
		return
	}
	var fault onion.Fault
	for _, f := range []onion.Fault{
		onion.FaultAuthFailure, onion.FaultReplayExpired, onion.FaultReplayOrReorder,
		onion.FaultFormatViolation, onion.FaultRNGExhausted, onion.FaultNonceCollision,
		onion.FaultSessionClosed, onion.FaultHandshakeFailed,
	} {
		if f.Is(err) {
			fault = f
			break
		}
	}
	if fault != "" {
		r.metrics.RecordPacketFault(string(fault))
	} else {
		r.metrics.RecordError("unknown")
	}
}

// errFatal reports whether err should tear down the connection rather
// than just dropping the one packet.
func errFatal(err error) bool {
	return onion.FaultSessionClosed.Is(err)
}

// hopAddress decodes a RoutingInfo's next-hop address into a dial
// string, unwrapping the IPv4-in-IPv6 mapping transparently.
func hopAddress(info onion.RoutingInfo) string {
	addr := onion.NodeAddress{IP: info.NextHopAddr, Port: info.NextHopPort}
	return addr.String()
}

// sleepJitter sleeps a cryptographically random duration in [5ms,
// 50ms] before forwarding, per the node runtime's anti-timing-analysis
// requirement.
func sleepJitter(m *metrics.PrometheusMetrics) {
	const minJitter = 5 * time.Millisecond
	const maxJitter = 50 * time.Millisecond

	span, err := rand.Int(rand.Reader, big.NewInt(int64(maxJitter-minJitter)))
	delay := minJitter
	if err == nil {
		delay += time.Duration(span.Int64())
	}

	if m != nil {
		m.JitterDuration.Observe(delay.Seconds())
	}
	time.Sleep(delay)
}
