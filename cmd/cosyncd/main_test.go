package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cosync/internal/config"
	"cosync/internal/covalue"
	"cosync/internal/node"
	"cosync/internal/peer"
	"cosync/internal/security"
	"cosync/internal/signer"
	"cosync/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a sqlite config into a fresh data directory.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("COSYNC_DATA_DIR", dir)

	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "cosync.db")
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path, cfg
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "cosyncd dev\n", out)
}

func TestKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "agent.key")

	out, err := execute(t, "keygen", "--out", path)
	require.NoError(t, err)

	agent, err := signer.LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, string(agent.ID()), strings.TrimSpace(out))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = execute(t, "keygen", "--out", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out, err = execute(t, "keygen", "--out", path, "--force")
	require.NoError(t, err)
	assert.NotEqual(t, string(agent.ID()), strings.TrimSpace(out))
}

func TestKeygenUsesConfiguredPath(t *testing.T) {
	path, cfg := writeConfig(t)

	_, err := execute(t, "--config", path, "keygen")
	require.NoError(t, err)
	_, err = signer.LoadAgent(cfg.Identity.KeyPath)
	assert.NoError(t, err)
}

func TestKeygenCreatesConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COSYNC_DATA_DIR", dir)
	path := filepath.Join(dir, "config.toml")

	out, err := execute(t, "--config", path, "keygen")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	agent, err := signer.LoadAgent(cfg.Identity.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, string(agent.ID()), strings.TrimSpace(out))
}

func TestInspect(t *testing.T) {
	path, cfg := writeConfig(t)

	header := covalue.NewHeader("comap", covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll}, nil)
	id := header.ID()

	backend, err := store.OpenSQLite(cfg.Storage.Path)
	require.NoError(t, err)
	s := store.NewSync(backend)
	require.NoError(t, s.WriteHeader(context.Background(), id, header))
	require.NoError(t, s.Close())

	out, err := execute(t, "--config", path, "inspect", string(id))
	require.NoError(t, err)
	var rec store.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "comap", rec.Header.Type)

	out, err = execute(t, "--config", path, "inspect", "--known", string(id))
	require.NoError(t, err)
	assert.Contains(t, out, string(id))

	other := covalue.NewHeader("comap", covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll}, nil).ID()
	_, err = execute(t, "--config", path, "inspect", string(other))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = execute(t, "--config", path, "inspect", "not-an-id")
	assert.ErrorIs(t, err, covalue.ErrInvalidID)
}

func TestOpenBackendUnknownType(t *testing.T) {
	_, err := openBackend(context.Background(), config.StorageConfig{Type: "bolt"}, nil)
	assert.Error(t, err)

	b, err := openBackend(context.Background(), config.StorageConfig{Type: "memory"}, nil)
	require.NoError(t, err)
	assert.NoError(t, b.Close())
}

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	agent, err := signer.NewAgent()
	require.NoError(t, err)
	n, err := node.New(node.DefaultConfig(agent))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestSyncHandlerLimitsConnections(t *testing.T) {
	n := newTestNode(t)
	h := &syncHandler{
		node:    n,
		opts:    peer.DefaultOptions(),
		ws:      peer.DefaultWSOptions(),
		limiter: security.NewConnectionLimiter(4, 1),
		log:     slog.Default(),
	}
	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync?peer=laptop"

	ctx := context.Background()
	conn, err := peer.Dial(ctx, url, peer.DefaultWSOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, p := range n.Peers() {
			if p.ID() == "client-laptop" && p.Role() == peer.RoleClient {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	_, err = peer.Dial(ctx, url, peer.DefaultWSOptions())
	assert.Error(t, err, "second connection from the same address")

	conn.Close()
	require.Eventually(t, func() bool { return h.limiter.Open() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestUpstreamsFollowConfig(t *testing.T) {
	n := newTestNode(t)
	ups := newUpstreams(n, peer.DefaultOptions(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	unreachable := config.DefaultPeer("upstream", "ws://127.0.0.1:1/sync")
	go func() { done <- ups.run(ctx, []config.PeerConfig{unreachable}, nil) }()

	require.Eventually(t, func() bool { return ups.configured() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ups.connected())

	ups.apply(ctx, nil)
	assert.Equal(t, 0, ups.configured())

	ups.apply(ctx, []config.PeerConfig{unreachable})
	ups.networkUp()
	assert.Equal(t, 1, ups.configured())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upstreams did not stop")
	}
	assert.Equal(t, 0, ups.configured())
}

func TestHealthProbeIsValid(t *testing.T) {
	assert.NoError(t, healthProbeID.Validate())
}
