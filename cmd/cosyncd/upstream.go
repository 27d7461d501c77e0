package main

import (
	"context"
	"log/slog"
	"sync"

	"cosync/internal/config"
	"cosync/internal/node"
	"cosync/internal/peer"
)

// upstreams keeps one reconnector per configured peer and follows config
// reloads.
type upstreams struct {
	node *node.Node
	opts peer.Options
	log  *slog.Logger

	mu      sync.Mutex
	running map[string]*upstream
	wg      sync.WaitGroup
}

type upstream struct {
	cfg    config.PeerConfig
	rc     *peer.Reconnector
	cancel context.CancelFunc
}

func newUpstreams(n *node.Node, opts peer.Options, log *slog.Logger) *upstreams {
	return &upstreams{
		node:    n,
		opts:    opts,
		log:     log,
		running: make(map[string]*upstream),
	}
}

// apply starts reconnectors for new or changed peers and stops the ones no
// longer configured.
func (u *upstreams) apply(ctx context.Context, peers []config.PeerConfig) {
	u.mu.Lock()
	defer u.mu.Unlock()

	want := make(map[string]config.PeerConfig, len(peers))
	for _, pc := range peers {
		want[pc.ID] = pc
	}
	for id, up := range u.running {
		if pc, ok := want[id]; !ok || pc != up.cfg {
			u.log.Info("stopping upstream", "peer", id)
			up.cancel()
			delete(u.running, id)
		}
	}
	for id, pc := range want {
		if _, ok := u.running[id]; ok {
			continue
		}
		if err := u.start(ctx, pc); err != nil {
			u.log.Error("upstream not started", "peer", id, "error", err)
		}
	}
}

func (u *upstreams) start(ctx context.Context, pc config.PeerConfig) error {
	role, err := peer.ParseRole(pc.Role)
	if err != nil {
		return err
	}

	ws := peer.DefaultWSOptions()
	ws.ExpectPings = pc.ExpectPings
	ws.PingTimeout = pc.PingTimeout()
	initial, maxDelay := pc.Backoff.Delays()
	log := u.log.With("peer", pc.ID, "url", pc.URL)

	dial := func(ctx context.Context) (peer.Conn, error) {
		conn, err := peer.Dial(ctx, pc.URL, ws)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	session := func(ctx context.Context, conn peer.Conn) error {
		opts := u.opts
		opts.InitiateBatching = opts.Batching
		p := peer.New(pc.ID, role, conn, opts)
		u.node.AddPeer(p)
		log.Info("connected")
		select {
		case <-p.Done():
		case <-ctx.Done():
			p.Close()
		}
		return nil
	}

	rc := peer.NewReconnector(peer.Backoff{
		Initial:    initial,
		Max:        maxDelay,
		Multiplier: pc.Backoff.Multiplier,
	}, dial, session, log)

	rctx, cancel := context.WithCancel(ctx)
	u.running[pc.ID] = &upstream{cfg: pc, rc: rc, cancel: cancel}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		rc.Run(rctx)
	}()
	return nil
}

// networkUp cuts every pending reconnect wait short.
func (u *upstreams) networkUp() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, up := range u.running {
		up.rc.NetworkUp()
	}
}

// connected counts the configured peers with a live connection.
func (u *upstreams) connected() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, p := range u.node.Peers() {
		if _, ok := u.running[p.ID()]; ok {
			n++
		}
	}
	return n
}

// configured returns the number of peers being kept connected.
func (u *upstreams) configured() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.running)
}

// run applies peers, then follows the loader until ctx ends.
func (u *upstreams) run(ctx context.Context, peers []config.PeerConfig, loader *config.Loader) error {
	u.apply(ctx, peers)
	if loader != nil {
		loader.OnChange(func(c config.Change) {
			if c.Touches("peers") && ctx.Err() == nil {
				u.apply(ctx, c.New.Peers)
			}
		})
	}

	<-ctx.Done()
	u.mu.Lock()
	for id, up := range u.running {
		up.cancel()
		delete(u.running, id)
	}
	u.mu.Unlock()
	u.wg.Wait()
	return nil
}
