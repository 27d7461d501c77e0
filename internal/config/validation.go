package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"cosync/internal/covalue"
	"cosync/internal/logging"
	"cosync/internal/peer"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the error only flags a questionable setting.
func (e *ValidationError) IsWarning() bool {
	return strings.HasPrefix(e.Message, "warning:")
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Warnings returns only the warnings.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// HasErrors reports whether anything besides warnings was found.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > len(e.Warnings())
}

// Fields returns the offending field names, in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateNode(&c.Node)...)
	errs = append(errs, validateIdentity(&c.Identity)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validatePeers(c.Peers)...)
	errs = append(errs, validateListen(&c.Listen)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateNode(n *NodeConfig) ValidationErrors {
	var errs ValidationErrors

	positive := []struct {
		field string
		value int
	}{
		{"node.load_timeout_ms", n.LoadTimeoutMs},
		{"node.peer_load_timeout_ms", n.PeerLoadTimeoutMs},
		{"node.tick_interval_ms", n.TickIntervalMs},
		{"node.storage_retry_ms", n.StorageRetryMs},
		{"node.checkpoint_bytes", n.CheckpointBytes},
		{"node.high_water_mark", n.HighWaterMark},
		{"node.max_batch", n.MaxBatch},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, *RangeError(p.field, 1, "unbounded"))
		}
	}

	if n.PeerLoadTimeoutMs > 0 && n.LoadTimeoutMs > 0 && n.PeerLoadTimeoutMs > n.LoadTimeoutMs {
		errs = append(errs, ValidationError{
			Field:   "node.peer_load_timeout_ms",
			Message: "warning: exceeds load_timeout_ms, later peer tiers are never asked",
		})
	}
	return errs
}

func validateIdentity(i *IdentityConfig) ValidationErrors {
	var errs ValidationErrors
	if i.KeyPath == "" {
		errs = append(errs, *RequiredFieldError("identity.key_path"))
	}
	if i.Session != "" {
		if _, err := covalue.SessionID(i.Session).Agent(); err != nil {
			errs = append(errs, ValidationError{
				Field:   "identity.session",
				Message: fmt.Sprintf("invalid session ID: %v", err),
			})
		}
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite", "badger":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: fmt.Sprintf("path is required for %s storage", s.Type),
			})
		}
	case "postgres":
		if s.DSN == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.dsn",
				Message: "dsn is required for postgres storage (or set COSYNC_POSTGRES_DSN)",
			})
		}
	case "memory":
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: "warning: memory storage loses all data on exit",
		})
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("unknown storage type %q (sqlite, badger, postgres, memory)", s.Type),
		})
	}

	if s.Workers < 1 {
		errs = append(errs, *RangeError("storage.workers", 1, 64))
	}
	if s.GCIntervalSec < 0 {
		errs = append(errs, *RangeError("storage.gc_interval_sec", 0, "unbounded"))
	}
	return errs
}

func validatePeers(peers []PeerConfig) ValidationErrors {
	var errs ValidationErrors
	seen := map[string]bool{}

	for i, p := range peers {
		field := fmt.Sprintf("peers[%d]", i)
		if p.ID == "" {
			errs = append(errs, *RequiredFieldError(field+".id"))
		} else if seen[p.ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate peer ID %q", p.ID)})
		}
		seen[p.ID] = true

		if !isValidWSURL(p.URL) {
			errs = append(errs, ValidationError{Field: field + ".url", Message: fmt.Sprintf("invalid WebSocket URL %q", p.URL)})
		}
		if _, err := peer.ParseRole(p.Role); err != nil {
			errs = append(errs, ValidationError{Field: field + ".role", Message: err.Error()})
		}
		if p.ExpectPings && p.PingTimeoutMs <= 0 {
			errs = append(errs, *RangeError(field+".ping_timeout_ms", 1, "unbounded"))
		}
		if p.Backoff.InitialMs <= 0 {
			errs = append(errs, *RangeError(field+".backoff.initial_ms", 1, "unbounded"))
		}
		if p.Backoff.MaxMs < p.Backoff.InitialMs {
			errs = append(errs, ValidationError{Field: field + ".backoff.max_ms", Message: "must not be below initial_ms"})
		}
		if p.Backoff.Multiplier < 1 {
			errs = append(errs, *RangeError(field+".backoff.multiplier", 1, "unbounded"))
		}
	}
	return errs
}

func validateListen(l *ListenConfig) ValidationErrors {
	var errs ValidationErrors
	if l.Address == "" {
		return errs
	}
	if _, _, err := net.SplitHostPort(l.Address); err != nil {
		errs = append(errs, ValidationError{Field: "listen.address", Message: err.Error()})
	}
	if !strings.HasPrefix(l.Path, "/") {
		errs = append(errs, ValidationError{Field: "listen.path", Message: "must start with /"})
	}
	if l.MaxConnections < 1 {
		errs = append(errs, *RangeError("listen.max_connections", 1, "unbounded"))
	}
	if l.MaxPerIP < 1 || (l.MaxConnections > 0 && l.MaxPerIP > l.MaxConnections) {
		errs = append(errs, *RangeError("listen.max_per_ip", 1, l.MaxConnections))
	}
	if l.PingIntervalMs < 0 {
		errs = append(errs, *RangeError("listen.ping_interval_ms", 0, "unbounded"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{Field: "logging.file_path", Message: "file path is required for file output"})
		}
		if l.MaxSizeMB < 1 {
			errs = append(errs, *RangeError("logging.max_size_mb", 1, "unbounded"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q (stdout, stderr, file, both)", l.Output),
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, *RangeError("logging.max_backups", 0, "unbounded"))
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors
	if !m.Enabled {
		return errs
	}
	if _, _, err := net.SplitHostPort(m.Address); err != nil {
		errs = append(errs, ValidationError{Field: "metrics.address", Message: err.Error()})
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{Field: "metrics.path", Message: "must start with /"})
	}
	return errs
}

func isValidWSURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

// RequiredFieldError returns an error for a missing field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError returns an error for a value outside [min, max].
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %v and %v", min, max)}
}
