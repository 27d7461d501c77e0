package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cosync/internal/config"
	"cosync/internal/covalue"
	"cosync/internal/health"
	"cosync/internal/logging"
	"cosync/internal/metrics"
	"cosync/internal/node"
	"cosync/internal/peer"
	"cosync/internal/security"
	"cosync/internal/signer"
	"cosync/internal/store"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon.

The node serves inbound peers on the listen address, keeps a connection to
every configured peer and exposes metrics and health endpoints. Peers are
reconciled when the config file changes. SIGHUP retries every pending
connection at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func runDaemon(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loader, cfg, err := opts.loader()
	if err != nil {
		return err
	}
	defer loader.Close()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, audit, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	defer audit.Close()
	logging.SetDefault(logger)
	log := logger.Logger

	agent, err := signer.LoadAgent(cfg.Identity.KeyPath)
	if err != nil {
		return fmt.Errorf("load agent key (create one with 'cosyncd keygen'): %w", err)
	}

	backend, err := openBackend(ctx, cfg.Storage, log.With("component", "badger"))
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Type, err)
	}
	st := store.NewAsync(backend,
		store.WithWorkers(cfg.Storage.Workers),
		store.WithCheckpointBytes(cfg.Node.CheckpointBytes),
		store.WithLogger(log.With("component", "store")),
	)
	defer st.Close()

	m := metrics.New()

	ncfg := node.DefaultConfig(agent)
	if cfg.Identity.Session != "" {
		ncfg.Session = covalue.SessionID(cfg.Identity.Session)
	}
	ncfg.Store = st
	ncfg.Logger = log.With("component", "node")
	ncfg.Audit = audit
	ncfg.Metrics = m
	ncfg.LoadTimeout = cfg.Node.LoadTimeout()
	ncfg.PeerLoadTimeout = cfg.Node.PeerLoadTimeout()
	ncfg.TickInterval = cfg.Node.TickInterval()
	ncfg.StorageRetry = cfg.Node.StorageRetry()
	ncfg.CheckpointBytes = cfg.Node.CheckpointBytes

	n, err := node.New(ncfg)
	if err != nil {
		return err
	}
	defer n.Close()

	popts := peer.DefaultOptions()
	popts.HighWaterMark = cfg.Node.HighWaterMark
	popts.MaxBatch = cfg.Node.MaxBatch
	popts.Batching = cfg.Node.Batching
	popts.Logger = log.With("component", "peer")

	ups := newUpstreams(n, popts, log.With("component", "upstream"))

	loader.OnChange(func(c config.Change) {
		for _, section := range c.Sections {
			switch {
			case section == "peers":
			case section == "logging" && onlyLevelChanged(c.Old.Logging, c.New.Logging):
				level, _ := logging.ParseLevel(c.New.Logging.Level)
				logger.SetLevel(level)
				log.Info("log level changed", "level", logging.LevelString(level))
			default:
				log.Warn("config changed, restart to apply", "section", section)
			}
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config reload disabled", "error", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	crash := logging.NewCrashHandler(cfg.Logging.CrashDir, version)
	checker := newChecker(st, ups)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(crash.Guard("node", func() error {
		return n.Run(gctx)
	}))

	g.Go(crash.Guard("upstreams", func() error {
		return ups.run(gctx, cfg.Peers, loader)
	}))

	g.Go(crash.Guard("signals", func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				log.Info("retrying peer connections")
				ups.networkUp()
			case err := <-loader.Errors():
				log.Warn("config reload failed", "error", err)
			}
		}
	}))

	if cfg.Listen.Address != "" {
		ws := peer.DefaultWSOptions()
		ws.PingInterval = cfg.Listen.PingInterval()
		ws.ExpectPings = false

		mux := http.NewServeMux()
		mux.Handle(cfg.Listen.Path, &syncHandler{
			node:    n,
			opts:    popts,
			ws:      ws,
			limiter: security.NewConnectionLimiter(cfg.Listen.MaxConnections, cfg.Listen.MaxPerIP),
			log:     log.With("component", "listen"),
		})
		srv := &http.Server{Addr: cfg.Listen.Address, Handler: mux}
		g.Go(crash.Guard("listen", func() error {
			return serveHTTP(gctx, srv, log.With("component", "listen"))
		}))
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		checker.Mount(mux)
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		g.Go(crash.Guard("metrics", func() error {
			return serveHTTP(gctx, srv, log.With("component", "metrics"))
		}))
	}

	checker.SetReady(true)
	log.Info("cosyncd started",
		"version", version,
		"agent", agent.ID(),
		"session", n.Session(),
		"storage", cfg.Storage.Type,
		"peers", len(cfg.Peers),
	)

	err = g.Wait()
	checker.SetReady(false)
	log.Info("cosyncd stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func onlyLevelChanged(old, cfg config.LoggingConfig) bool {
	old.Level = cfg.Level
	return old == cfg
}

// healthProbeID names a CoValue that is never written. Loading it is a
// storage round trip.
var healthProbeID = covalue.NewHeader("health", covalue.Ruleset{Type: covalue.RulesetUnsafeAllowAll}, nil).ID()

func newChecker(st *store.AsyncStore, ups *upstreams) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("storage", true, health.StorageCheck(func(ctx context.Context) error {
		_, err := st.LoadMeta(ctx, healthProbeID).Wait(ctx)
		return err
	}))
	c.RegisterFunc("peers", false, func(ctx context.Context) health.CheckResult {
		return health.PeersCheck(ups.configured(), ups.connected)(ctx)
	})
	return c
}
