// Anemochory Relay Node
// A multi-hop relay node for the Anemochory onion routing network.
// Runs as an entry, middle, or exit relay, or as the node directory
// service, depending on -mode.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anemochory/relay/internal/logging"
	"github.com/anemochory/relay/internal/metrics"
	"github.com/anemochory/relay/pkg/client"
	"github.com/anemochory/relay/pkg/directory"
	"github.com/anemochory/relay/pkg/keystore"
	"github.com/anemochory/relay/pkg/node"
	"github.com/anemochory/relay/pkg/routing"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	relayMode := flag.String("mode", "middle", "Relay mode: entry, middle, exit, or directory")
	listenAddr := flag.String("listen", "", "Override the configured listen address")
	directoryURL := flag.String("directory", "", "Directory service URL for node registration")
	nodeID := flag.String("id", "", "Unique node identifier (auto-generated if empty)")
	flag.Parse()

	if *showVersion {
		fmt.Println("Anemochory Relay Node")
		fmt.Println("Version:", version)
		fmt.Println("Build Time:", buildTime)
		fmt.Println("Git Commit:", gitCommit)
		os.Exit(0)
	}

	log := logging.NewLogger(logging.LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	})

	log.Info().
		Str("version", version).
		Str("mode", *relayMode).
		Msg("starting anemochory relay node")

	cfg := node.DefaultConfig()
	if *configPath != "" {
		loaded, err := node.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = loaded
	}
	cfg.ApplyEnvironment()

	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *directoryURL != "" {
		cfg.Onion.DirectoryURL = *directoryURL
	}
	if *nodeID != "" {
		cfg.Onion.NodeID = *nodeID
	} else if cfg.Onion.NodeID == "" {
		id, err := randomNodeID()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate node id")
		}
		cfg.Onion.NodeID = id
	}

	mode := roleForMode(*relayMode)
	if mode != "" {
		cfg.Onion.Roles = []routing.NodeRole{mode}
	}

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("node_id", cfg.Onion.NodeID).
		Msg("configuration loaded")

	metricsHandler := metrics.NewPrometheusMetrics()

	// Master-key manager: a process-wide singleton, unlocked once at
	// startup and held for the process lifetime regardless of role, per
	// the master-key handle's reference-counted ownership model.
	keyHandle := unlockMasterKey(log, cfg.Onion.KeystorePath, cfg.Onion.MasterKeyID)
	defer func() {
		if keyHandle != nil {
			keyHandle.Release()
		}
	}()

	var runner interface {
		Start() error
		Shutdown() error
	}

	if *relayMode == "directory" {
		runner = newDirectoryRunner(cfg, log, metricsHandler)
	} else {
		var exit node.ExitHandler
		if mode == routing.RoleExit {
			exit = loggingExitHandler(log)
		}
		rt := node.NewRuntime(*cfg, log, metricsHandler, exit)
		runner = rt

		if cfg.Onion.DirectoryURL != "" {
			go registerWithDirectory(log, cfg, rt)
		}
	}

	go func() {
		if err := runner.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	done := make(chan error, 1)
	go func() { done <- runner.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn().Msg("shutdown timed out")
	}

	log.Info().Msg("stopped")
}

// directoryRunner adapts directory.Server (a bare http.Handler) to the
// Start/Shutdown shape main uses for both relay and directory modes.
type directoryRunner struct {
	cfg *node.Config
	srv *http.Server
}

func newDirectoryRunner(cfg *node.Config, log *logging.Logger, m *metrics.PrometheusMetrics) *directoryRunner {
	pool := routing.NewNodePool(routing.DefaultNodePoolConfig())
	pool.Start()

	dirSrv := directory.NewServer(pool, log, m)
	return &directoryRunner{
		cfg: cfg,
		srv: &http.Server{Addr: cfg.Server.ListenAddr, Handler: dirSrv},
	}
}

func (d *directoryRunner) Start() error {
	err := d.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (d *directoryRunner) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	return d.srv.Shutdown(ctx)
}

// registerWithDirectory publishes this node and starts its heartbeat
// loop; it retries registration rather than failing startup, since a
// directory outage shouldn't keep a relay from accepting connections it
// can still reach by other means (pinned paths, stale cached pools).
func registerWithDirectory(log *logging.Logger, cfg *node.Config, rt *node.Runtime) {
	c := directory.NewClient(cfg.Onion.DirectoryURL)

	info := routing.NodeInfo{
		ID:      cfg.Onion.NodeID,
		Address: cfg.Onion.PublicEndpoint,
		Roles:   cfg.Onion.Roles,
	}
	if info.Address == "" {
		info.Address = cfg.Server.ListenAddr
	}

	for attempt := 0; attempt < 5; attempt++ {
		if err := c.Register(info); err == nil {
			log.Info().Str("node_id", info.ID).Str("directory", cfg.Onion.DirectoryURL).Msg("registered with directory")
			stop := make(chan struct{})
			c.StartHeartbeatLoop(info.ID, func() int64 { return info.Bandwidth }, cfg.Onion.HeartbeatInterval, stop, func(err error) {
				log.Warn().Err(err).Msg("heartbeat failed")
			})
			return
		} else {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("directory registration failed, retrying")
			time.Sleep(time.Duration(attempt+1) * 5 * time.Second)
		}
	}
	log.Error().Msg("giving up on directory registration after 5 attempts")
}

// loggingExitHandler builds an ExitHandler that decodes the
// client-side destination framing and logs delivery. Actually routing
// a decoded payload to its destination (dialing out, proxying a
// response) is an application concern outside this module's scope.
func loggingExitHandler(log *logging.Logger) node.ExitHandler {
	exitLog := log.WithComponent("exit")
	return node.ExitHandlerFunc(func(sessionID [16]byte, payload []byte) error {
		dest, body, err := client.DecodeDestination(payload)
		if err != nil {
			return fmt.Errorf("exit: %w", err)
		}
		exitLog.Info().Str("destination", dest).Int("bytes", len(body)).Msg("delivered payload")
		return nil
	})
}

// unlockMasterKey unlocks (or, when no master key id is configured,
// generates and then unlocks) this node's
// application master key from ANEMOCHORY_MASTER_PASSPHRASE. A relay
// that never runs pkg/client doesn't cryptographically consume the
// AMK today, but it still participates in the same init/teardown
// order the master-key singleton is specified against.
func unlockMasterKey(log *logging.Logger, keystorePath, keyID string) *keystore.Handle {
	passphrase := os.Getenv("ANEMOCHORY_MASTER_PASSPHRASE")
	if passphrase == "" {
		log.Warn().Msg("ANEMOCHORY_MASTER_PASSPHRASE not set; running without a master-key handle")
		return nil
	}

	ks, err := keystore.NewKeyStore(keystorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open keystore")
	}

	if keyID == "" {
		keyID, err = ks.Generate([]byte(passphrase))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate master key")
		}
		log.Info().Str("key_id", keyID).Msg("generated new master key")
	}

	handle, err := ks.Unlock(keyID, []byte(passphrase))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to unlock master key")
	}
	return handle
}

func randomNodeID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func roleForMode(mode string) routing.NodeRole {
	switch mode {
	case "entry":
		return routing.RoleEntry
	case "middle":
		return routing.RoleMiddle
	case "exit":
		return routing.RoleExit
	default:
		return ""
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
