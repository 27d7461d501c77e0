package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditVerificationFailed AuditEventType = "verification_failed"
	AuditPermissionInvalid  AuditEventType = "permission_invalid"
	AuditDecryptionFailed   AuditEventType = "decryption_failed"
	AuditProtocolViolation  AuditEventType = "protocol_violation"
	AuditPeerAdded          AuditEventType = "peer_added"
	AuditPeerRemoved        AuditEventType = "peer_removed"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	CoValue   string         `json:"covalue,omitempty"`
	Session   string         `json:"session,omitempty"`
	Index     *int           `json:"index,omitempty"`
	Peer      string         `json:"peer,omitempty"`
	Author    string         `json:"author,omitempty"`
	Action    string         `json:"action,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file. Ignored when Writer is set.
	FilePath string

	// Writer receives the JSON lines instead of a rotated file.
	Writer io.Writer

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// Logger mirrors every event at warn level when set.
	Logger *slog.Logger
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(StateDir(), "audit.log"),
		MaxSize:    50,
		MaxBackups: 10,
		Compress:   true,
		Component:  "cosync",
	}
}

// AuditLogger appends audit events as JSON lines. A nil *AuditLogger
// discards every event.
type AuditLogger struct {
	component string
	logger    *slog.Logger

	mu      sync.Mutex
	w       io.Writer
	rotator *FileRotator
}

// NewAuditLogger opens the audit trail.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	a := &AuditLogger{component: cfg.Component, logger: cfg.Logger, w: cfg.Writer}
	if a.w == nil {
		rotator, err := NewFileRotator(cfg.FilePath, cfg.MaxSize, cfg.MaxBackups, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.rotator = rotator
		a.w = rotator
	}
	return a, nil
}

// Log writes one event, filling in the timestamp and component.
func (a *AuditLogger) Log(event AuditEvent) error {
	if a == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, err = a.w.Write(data)
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Warn("audit", "event", string(event.EventType), "covalue", event.CoValue, "peer", event.Peer, "error", event.Error)
	}
	return err
}

// VerificationFailed records a transaction whose hash chain or signature
// did not check out.
func (a *AuditLogger) VerificationFailed(covalue, session string, index int, peer string, err error) {
	a.Log(AuditEvent{
		EventType: AuditVerificationFailed,
		CoValue:   covalue,
		Session:   session,
		Index:     &index,
		Peer:      peer,
		Error:     errString(err),
	})
}

// PermissionInvalid records a transaction rejected by its ruleset.
func (a *AuditLogger) PermissionInvalid(covalue, session string, index int, author string) {
	a.Log(AuditEvent{
		EventType: AuditPermissionInvalid,
		CoValue:   covalue,
		Session:   session,
		Index:     &index,
		Author:    author,
	})
}

// DecryptionFailed records a private transaction that could not be opened
// with the key it names.
func (a *AuditLogger) DecryptionFailed(covalue, session string, index int, err error) {
	a.Log(AuditEvent{
		EventType: AuditDecryptionFailed,
		CoValue:   covalue,
		Session:   session,
		Index:     &index,
		Error:     errString(err),
	})
}

// ProtocolViolation records a message that broke the sync rules.
func (a *AuditLogger) ProtocolViolation(peer, covalue, action, reason string) {
	a.Log(AuditEvent{
		EventType: AuditProtocolViolation,
		CoValue:   covalue,
		Peer:      peer,
		Action:    action,
		Error:     reason,
	})
}

// PeerAdded records a new peer connection.
func (a *AuditLogger) PeerAdded(peer, role string) {
	a.Log(AuditEvent{
		EventType: AuditPeerAdded,
		Peer:      peer,
		Details:   map[string]any{"role": role},
	})
}

// PeerRemoved records a peer disconnect.
func (a *AuditLogger) PeerRemoved(peer string, err error) {
	a.Log(AuditEvent{
		EventType: AuditPeerRemoved,
		Peer:      peer,
		Error:     errString(err),
	})
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
