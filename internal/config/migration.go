package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the current version.
// It creates a backup of the file first.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 0, 1:
		changes, warnings = migrateV1ToV2(cfg)
		cfg.Version = 2
		return changes, warnings, nil
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
}

// migrateV1ToV2 fills the settings version 1 did not have: chunk size,
// per-IP limits, peer reconnect backoff and audit logging.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	defaults := DefaultConfig()

	if cfg.Storage.Type == "sqlite3" {
		cfg.Storage.Type = "sqlite"
		changes = append(changes, "renamed storage type sqlite3 to sqlite")
	}
	if cfg.Storage.Workers == 0 {
		cfg.Storage.Workers = defaults.Storage.Workers
		changes = append(changes, "added storage.workers")
	}
	if cfg.Node.CheckpointBytes == 0 {
		cfg.Node.CheckpointBytes = defaults.Node.CheckpointBytes
		changes = append(changes, "added node.checkpoint_bytes")
	}
	if cfg.Listen.MaxPerIP == 0 {
		cfg.Listen.MaxPerIP = defaults.Listen.MaxPerIP
		changes = append(changes, "added listen.max_per_ip")
	}
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.Backoff.InitialMs == 0 {
			p.Backoff = DefaultPeer(p.ID, p.URL).Backoff
			changes = append(changes, fmt.Sprintf("added reconnect backoff to peer %s", p.ID))
		}
		if p.Role == "" {
			p.Role = "server"
			warnings = append(warnings, fmt.Sprintf("peer %s had no role, assuming server", p.ID))
		}
	}
	if cfg.Logging.AuditPath == "" {
		cfg.Logging.AuditPath = defaults.Logging.AuditPath
		changes = append(changes, "enabled audit log")
	}
	return changes, warnings
}

func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// SaveConfig writes the configuration in the format its extension names.
// Unknown extensions get TOML.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	cfg.mu.RLock()
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# cosyncd configuration\n\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// GetMigrationHistory returns the migrations recorded in the data directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	data, err := os.ReadFile(filepath.Join(DataDir(), "migration_history.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return history, nil
}

// SaveMigrationHistory appends result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(DataDir(), "migration_history.json")

	history, err := GetMigrationHistory()
	if err != nil {
		history = nil
	}
	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(historyPath), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
