// Package config handles configuration loading, validation, and management for cosyncd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Node tunes the sync engine.
	Node NodeConfig `toml:"node" json:"node" yaml:"node"`

	// Identity locates the agent key the node writes with.
	Identity IdentityConfig `toml:"identity" json:"identity" yaml:"identity"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Peers are the remotes the daemon dials and keeps connected.
	Peers []PeerConfig `toml:"peers" json:"peers" yaml:"peers"`

	// Listen configures the WebSocket endpoint other nodes connect to.
	Listen ListenConfig `toml:"listen" json:"listen" yaml:"listen"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the Prometheus and health endpoints.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// NodeConfig holds the sync engine settings.
type NodeConfig struct {
	// LoadTimeoutMs bounds how long a load waits for a CoValue.
	LoadTimeoutMs int `toml:"load_timeout_ms" json:"load_timeout_ms" yaml:"load_timeout_ms"`

	// PeerLoadTimeoutMs is how long one peer may take to answer a pull
	// before the next tier is asked.
	PeerLoadTimeoutMs int `toml:"peer_load_timeout_ms" json:"peer_load_timeout_ms" yaml:"peer_load_timeout_ms"`

	// TickIntervalMs is the idle tick period.
	TickIntervalMs int `toml:"tick_interval_ms" json:"tick_interval_ms" yaml:"tick_interval_ms"`

	// StorageRetryMs is the delay before a failed storage call is retried.
	StorageRetryMs int `toml:"storage_retry_ms" json:"storage_retry_ms" yaml:"storage_retry_ms"`

	// CheckpointBytes is the transaction size after which a signature
	// checkpoint is recorded and content is split into chunks.
	CheckpointBytes int `toml:"checkpoint_bytes" json:"checkpoint_bytes" yaml:"checkpoint_bytes"`

	// HighWaterMark is the buffered byte count above which peer sends pause.
	HighWaterMark int `toml:"high_water_mark" json:"high_water_mark" yaml:"high_water_mark"`

	// MaxBatch bounds the messages coalesced into one frame.
	MaxBatch int `toml:"max_batch" json:"max_batch" yaml:"max_batch"`

	// Batching enables batched frames.
	Batching bool `toml:"batching" json:"batching" yaml:"batching"`
}

// IdentityConfig locates the agent identity.
type IdentityConfig struct {
	// KeyPath is an OpenSSH Ed25519 key or a raw 32-byte seed.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// Session pins the session ID. Empty starts a new session on every run.
	Session string `toml:"session" json:"session" yaml:"session"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the backend: "sqlite", "badger", "postgres" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the database file (sqlite) or directory (badger).
	Path string `toml:"path" json:"path" yaml:"path"`

	// DSN is the Postgres connection string.
	DSN string `toml:"dsn" json:"dsn" yaml:"dsn"`

	// SyncWrites makes badger fsync every write.
	SyncWrites bool `toml:"sync_writes" json:"sync_writes" yaml:"sync_writes"`

	// GCIntervalSec is how often badger value log GC runs. Zero disables it.
	GCIntervalSec int `toml:"gc_interval_sec" json:"gc_interval_sec" yaml:"gc_interval_sec"`

	// Workers is the number of storage workers serving async calls.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// PeerConfig describes one remote to keep connected.
type PeerConfig struct {
	ID   string `toml:"id" json:"id" yaml:"id"`
	URL  string `toml:"url" json:"url" yaml:"url"`
	Role string `toml:"role" json:"role" yaml:"role"`

	// ExpectPings drops the connection when nothing arrives within
	// PingTimeoutMs.
	ExpectPings   bool `toml:"expect_pings" json:"expect_pings" yaml:"expect_pings"`
	PingTimeoutMs int  `toml:"ping_timeout_ms" json:"ping_timeout_ms" yaml:"ping_timeout_ms"`

	Backoff BackoffConfig `toml:"backoff" json:"backoff" yaml:"backoff"`
}

// BackoffConfig is the reconnect delay policy.
type BackoffConfig struct {
	InitialMs  int     `toml:"initial_ms" json:"initial_ms" yaml:"initial_ms"`
	MaxMs      int     `toml:"max_ms" json:"max_ms" yaml:"max_ms"`
	Multiplier float64 `toml:"multiplier" json:"multiplier" yaml:"multiplier"`
}

// ListenConfig configures the inbound WebSocket endpoint.
type ListenConfig struct {
	// Address is host:port. Empty disables listening.
	Address string `toml:"address" json:"address" yaml:"address"`

	// Path is the HTTP path upgraded to WebSocket.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxConnections bounds concurrent inbound peers.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// MaxPerIP bounds concurrent inbound peers from one address.
	MaxPerIP int `toml:"max_per_ip" json:"max_per_ip" yaml:"max_per_ip"`

	// PingIntervalMs is the keepalive period on idle connections.
	PingIntervalMs int `toml:"ping_interval_ms" json:"ping_interval_ms" yaml:"ping_interval_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs go: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath receives verification, permission and peer events as JSON
	// lines. Empty disables the audit trail.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// CrashDir receives panic reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// MetricsConfig configures the metrics and health HTTP server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Address string `toml:"address" json:"address" yaml:"address"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Node: NodeConfig{
			LoadTimeoutMs:     10000,
			PeerLoadTimeoutMs: 5000,
			TickIntervalMs:    100,
			StorageRetryMs:    1000,
			CheckpointBytes:   100 * 1024,
			HighWaterMark:     1 << 20,
			MaxBatch:          64,
			Batching:          true,
		},
		Identity: IdentityConfig{
			KeyPath: filepath.Join(dir, "agent_key"),
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "cosync.db"),
			SyncWrites:    true,
			GCIntervalSec: 300,
			Workers:       4,
		},
		Peers: []PeerConfig{},
		Listen: ListenConfig{
			Address:        "127.0.0.1:4420",
			Path:           "/sync",
			MaxConnections: 256,
			MaxPerIP:       16,
			PingIntervalMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "cosyncd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "audit.log"),
			CrashDir:   filepath.Join(dir, "crashes"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

// DefaultPeer returns a peer entry with the default reconnect settings.
func DefaultPeer(id, url string) PeerConfig {
	return PeerConfig{
		ID:            id,
		URL:           url,
		Role:          "server",
		ExpectPings:   true,
		PingTimeoutMs: 30000,
		Backoff: BackoffConfig{
			InitialMs:  1000,
			MaxMs:      30000,
			Multiplier: 2,
		},
	}
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Identity.KeyPath),
		c.Logging.CrashDir,
	}
	switch c.Storage.Type {
	case "sqlite":
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	case "badger":
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with COSYNC_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("COSYNC_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("COSYNC_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	// The DSN may carry a password, so it is usually kept out of the file.
	if v := os.Getenv("COSYNC_POSTGRES_DSN"); v != "" {
		c.Storage.DSN = v
	}

	if v := os.Getenv("COSYNC_KEY_PATH"); v != "" {
		c.Identity.KeyPath = v
	}

	if v := os.Getenv("COSYNC_LISTEN_ADDRESS"); v != "" {
		c.Listen.Address = v
	}

	if v := os.Getenv("COSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("COSYNC_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("COSYNC_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
	if v := os.Getenv("COSYNC_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Node:     c.Node,
		Identity: c.Identity,
		Storage:  c.Storage,
		Peers:    slices.Clone(c.Peers),
		Listen:   c.Listen,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
	return clone
}

// Peer returns the configured peer with the given ID.
func (c *Config) Peer(id string) (PeerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// LoadTimeout returns LoadTimeoutMs as a duration.
func (n NodeConfig) LoadTimeout() time.Duration { return ms(n.LoadTimeoutMs) }

// PeerLoadTimeout returns PeerLoadTimeoutMs as a duration.
func (n NodeConfig) PeerLoadTimeout() time.Duration { return ms(n.PeerLoadTimeoutMs) }

// TickInterval returns TickIntervalMs as a duration.
func (n NodeConfig) TickInterval() time.Duration { return ms(n.TickIntervalMs) }

// StorageRetry returns StorageRetryMs as a duration.
func (n NodeConfig) StorageRetry() time.Duration { return ms(n.StorageRetryMs) }

// PingTimeout returns PingTimeoutMs as a duration.
func (p PeerConfig) PingTimeout() time.Duration { return ms(p.PingTimeoutMs) }

// Delays returns the initial and maximum reconnect delays.
func (b BackoffConfig) Delays() (initial, max time.Duration) {
	return ms(b.InitialMs), ms(b.MaxMs)
}

// PingInterval returns PingIntervalMs as a duration.
func (l ListenConfig) PingInterval() time.Duration { return ms(l.PingIntervalMs) }

// GCInterval returns GCIntervalSec as a duration.
func (s StorageConfig) GCInterval() time.Duration {
	return time.Duration(s.GCIntervalSec) * time.Second
}
