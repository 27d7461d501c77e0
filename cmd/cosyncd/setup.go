package main

import (
	"context"
	"fmt"
	"log/slog"

	"cosync/internal/config"
	"cosync/internal/logging"
	"cosync/internal/store"
)

// openBackend opens the storage backend the config names.
func openBackend(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (store.Backend, error) {
	switch cfg.Type {
	case "sqlite":
		b, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "badger":
		bc := store.DefaultBadgerConfig(cfg.Path)
		bc.SyncWrites = cfg.SyncWrites
		bc.Logger = log
		bc.GCInterval = cfg.GCInterval()
		b, err := store.OpenBadger(bc)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "postgres":
		b, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// setupLogging builds the process logger and the audit trail. The audit
// logger is nil when no audit path is configured.
func setupLogging(cfg config.LoggingConfig) (*logging.Logger, *logging.AuditLogger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    int64(cfg.MaxSizeMB),
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Component:  "cosyncd",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	if cfg.AuditPath == "" {
		return logger, nil, nil
	}
	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.AuditPath,
		MaxSize:    int64(max(cfg.MaxSizeMB, 1)),
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Component:  "cosyncd",
		Logger:     logger.Logger,
	})
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return logger, audit, nil
}
