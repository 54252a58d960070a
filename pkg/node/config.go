// Package node implements the per-node runtime: the receive loop that
// accepts framed peer connections, negotiates a session handshake,
// unwraps one onion layer per packet, and either forwards the
// reconstructed packet to the next hop or hands a final payload to the
// exit handler.
package node

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anemochory/relay/pkg/routing"
)

// Config holds all node runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Onion     OnionConfig     `yaml:"onion"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the framed-transport listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OnionConfig holds the onion-routing specific settings.
type OnionConfig struct {
	NodeID          string            `yaml:"node_id"`
	Roles           []routing.NodeRole `yaml:"roles"`
	DirectoryURL    string            `yaml:"directory_url"`
	PublicEndpoint  string            `yaml:"public_endpoint"`
	KeystorePath    string            `yaml:"keystore_path"`
	MasterKeyID     string            `yaml:"master_key_id"`
	MaxSessions     int               `yaml:"max_sessions"`
	IdleTimeout     time.Duration     `yaml:"idle_timeout"`
	CleanupInterval time.Duration     `yaml:"cleanup_interval"`
	HighWaterMark   int               `yaml:"high_water_mark"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
}

// RateLimitConfig mirrors internal/ratelimit.Config for YAML loading.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	BanDuration       time.Duration `yaml:"ban_duration"`
	MaxViolations     int           `yaml:"max_violations"`
}

// MetricsConfig holds metrics/health endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
	ReadyPath  string `yaml:"ready_path"`
}

// DefaultConfig returns configuration with sensible defaults for a
// middle relay.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:       "0.0.0.0:9001",
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     30 * time.Second,
			ShutdownTimeout:  30 * time.Second,
		},
		Onion: OnionConfig{
			Roles:             []routing.NodeRole{routing.RoleMiddle},
			KeystorePath:      "/var/lib/anemochory/keys",
			MaxSessions:       10000,
			IdleTimeout:       30 * time.Minute,
			CleanupInterval:   1 * time.Minute,
			HighWaterMark:     64,
			HeartbeatInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 500,
			BurstSize:         1000,
			CleanupInterval:   10 * time.Minute,
			BanDuration:       1 * time.Hour,
			MaxViolations:     20,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Addr:       "0.0.0.0:9090",
			Path:       "/metrics",
			HealthPath: "/health",
			ReadyPath:  "/ready",
		},
	}
}

// LoadConfig loads configuration from a YAML file, applied over
// DefaultConfig so unspecified fields keep sensible values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvironment overrides config values from environment variables.
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv("ANEMOCHORY_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("ANEMOCHORY_NODE_ID"); v != "" {
		c.Onion.NodeID = v
	}
	if v := os.Getenv("ANEMOCHORY_DIRECTORY_URL"); v != "" {
		c.Onion.DirectoryURL = v
	}
	if v := os.Getenv("ANEMOCHORY_PUBLIC_ENDPOINT"); v != "" {
		c.Onion.PublicEndpoint = v
	}
	if v := os.Getenv("ANEMOCHORY_KEYSTORE_PATH"); v != "" {
		c.Onion.KeystorePath = v
	}
	if v := os.Getenv("ANEMOCHORY_MASTER_KEY_ID"); v != "" {
		c.Onion.MasterKeyID = v
	}
	if v := os.Getenv("ANEMOCHORY_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Onion.MaxSessions = n
		}
	}
	if v := os.Getenv("ANEMOCHORY_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ANEMOCHORY_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv("ANEMOCHORY_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ANEMOCHORY_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}
