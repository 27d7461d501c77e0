package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Node.LoadTimeout() != 10*time.Second {
		t.Errorf("expected load timeout 10s, got %s", cfg.Node.LoadTimeout())
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("expected sqlite storage, got %s", cfg.Storage.Type)
	}
	if len(cfg.Peers) != 0 {
		t.Errorf("expected no peers, got %d", len(cfg.Peers))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COSYNC_DATA_DIR", dir)

	if DataDir() != dir {
		t.Errorf("expected %s, got %s", dir, DataDir())
	}
	if ConfigPath() != filepath.Join(dir, "config.toml") {
		t.Errorf("unexpected config path %s", ConfigPath())
	}
	if !strings.HasPrefix(DefaultConfig().Storage.Path, dir) {
		t.Errorf("storage path should live under %s: %s", dir, DefaultConfig().Storage.Path)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen.Path != "/sync" {
		t.Errorf("expected default listen path, got %s", cfg.Listen.Path)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 2

[node]
tick_interval_ms = 50

[storage]
type = "badger"
path = "/var/lib/cosync/badger"

[[peers]]
id = "sync-server"
url = "wss://sync.example.com/sync"
role = "server"
expect_pings = true
ping_timeout_ms = 20000

[peers.backoff]
initial_ms = 500
max_ms = 10000
multiplier = 1.5

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.TickInterval() != 50*time.Millisecond {
		t.Errorf("expected tick 50ms, got %s", cfg.Node.TickInterval())
	}
	if cfg.Node.LoadTimeoutMs != 10000 {
		t.Errorf("unset fields should keep defaults, got load timeout %d", cfg.Node.LoadTimeoutMs)
	}
	if cfg.Storage.Type != "badger" {
		t.Errorf("expected badger, got %s", cfg.Storage.Type)
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(cfg.Peers))
	}
	p := cfg.Peers[0]
	initial, max := p.Backoff.Delays()
	if p.ID != "sync-server" || initial != 500*time.Millisecond || max != 10*time.Second {
		t.Errorf("unexpected peer %+v", p)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"storage": {"type": "memory"}, "metrics": {"enabled": false}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Storage.Type != "memory" || cfg.Metrics.Enabled {
		t.Errorf("JSON values not applied: %+v %+v", cfg.Storage, cfg.Metrics)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("listen:\n  address: 0.0.0.0:9000\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Listen.Address != "0.0.0.0:9000" {
		t.Errorf("expected YAML listen address, got %s", cfg.Listen.Address)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COSYNC_STORAGE_TYPE", "postgres")
	t.Setenv("COSYNC_POSTGRES_DSN", "postgres://cosync@localhost/cosync")
	t.Setenv("COSYNC_LOG_LEVEL", "warn")
	t.Setenv("COSYNC_METRICS_ENABLED", "false")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Storage.Type != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Storage.Type)
	}
	if cfg.Storage.DSN != "postgres://cosync@localhost/cosync" {
		t.Errorf("DSN not applied: %s", cfg.Storage.DSN)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestValidateReportsFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "bolt"
	cfg.Node.TickIntervalMs = 0
	cfg.Logging.Level = "loud"
	cfg.Peers = []PeerConfig{
		DefaultPeer("a", "http://example.com"),
		DefaultPeer("a", "ws://example.com/sync"),
	}
	cfg.Peers[1].Role = "mirror"

	err := cfg.Validate()
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	for _, field := range []string{
		"storage.type",
		"node.tick_interval_ms",
		"logging.level",
		"peers[0].url",
		"peers[1].id",
		"peers[1].role",
	} {
		if !slices.Contains(errs.Fields(), field) {
			t.Errorf("expected an error for %s, got %v", field, errs.Fields())
		}
	}
}

func TestValidateWarningsAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Type = "memory"
	if err := cfg.Validate(); err != nil {
		t.Errorf("warnings alone should not fail validation: %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Peers = append(cfg.Peers, DefaultPeer("upstream", "ws://127.0.0.1:4420/sync"))
	cfg.Node.MaxBatch = 16

	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		path := filepath.Join(dir, name)
		if err := SaveConfig(cfg, path); err != nil {
			t.Fatalf("SaveConfig(%s) failed: %v", name, err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", name, err)
		}
		if loaded.Node.MaxBatch != 16 {
			t.Errorf("%s: expected max batch 16, got %d", name, loaded.Node.MaxBatch)
		}
		if len(loaded.Peers) != 1 || loaded.Peers[0].URL != "ws://127.0.0.1:4420/sync" {
			t.Errorf("%s: peers not round-tripped: %+v", name, loaded.Peers)
		}
	}
}

func TestMigrateV1(t *testing.T) {
	t.Setenv("COSYNC_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[storage]
type = "sqlite3"
path = "/tmp/cosync.db"
workers = 0

[[peers]]
id = "old"
url = "ws://old.example.com/sync"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Storage.Type)
	}
	if cfg.Peers[0].Role != "server" || cfg.Peers[0].Backoff.Multiplier != 2 {
		t.Errorf("peer defaults not filled: %+v", cfg.Peers[0])
	}

	history, err := GetMigrationHistory()
	if err != nil {
		t.Fatalf("GetMigrationHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].FromVersion != 1 {
		t.Errorf("unexpected history %+v", history)
	}
	if history[0].Backup == "" {
		t.Error("expected a backup of the old file")
	}
}

func TestLoaderReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changed := make(chan Change, 1)
	l.OnChange(func(c Change) {
		select {
		case changed <- c:
		default:
		}
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.Close()

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got.New.Logging.Level != "debug" {
			t.Errorf("expected debug, got %s", got.New.Logging.Level)
		}
		if !got.Touches("logging") || got.Touches("peers") {
			t.Errorf("unexpected changed sections %v", got.Sections)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the file changed")
	}
	if l.Config().Logging.Level != "debug" {
		t.Errorf("loader still holds the old config")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestChangedSections(t *testing.T) {
	old := DefaultConfig()
	cfg := old.Clone()
	if got := changedSections(old, cfg); len(got) != 0 {
		t.Errorf("identical configs reported changes %v", got)
	}

	cfg.Peers = append(cfg.Peers, DefaultPeer("upstream", "ws://127.0.0.1:4420/sync"))
	cfg.Node.MaxBatch = 1
	got := changedSections(old, cfg)
	if !slices.Equal(got, []string{"node", "peers"}) {
		t.Errorf("expected node and peers, got %v", got)
	}
}

func TestLoadOrCreate(t *testing.T) {
	t.Setenv("COSYNC_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "cosync", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created || cfg.Version != Version {
		t.Errorf("expected a new default config, created=%v version=%d", created, cfg.Version)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil || created {
		t.Errorf("second call should load the file, created=%v err=%v", created, err)
	}
}

func TestLoaderKeepsConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("[storage]\ntype = \"bolt\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l.reload()

	select {
	case err := <-l.Errors():
		if !strings.Contains(err.Error(), "storage.type") {
			t.Errorf("unexpected error %v", err)
		}
	default:
		t.Fatal("expected a reload error")
	}
	if l.Config().Storage.Type != "sqlite" {
		t.Errorf("config replaced by an invalid one")
	}
}
