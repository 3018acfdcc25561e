package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/10yihang/fsamem/internal/config"
	"github.com/10yihang/fsamem/internal/engine"
	"github.com/10yihang/fsamem/internal/engine/badger"
	"github.com/10yihang/fsamem/internal/engine/memory"
	"github.com/10yihang/fsamem/internal/engine/sqlite"
	"github.com/10yihang/fsamem/internal/logging"
	"github.com/10yihang/fsamem/internal/metrics"
	"github.com/10yihang/fsamem/internal/protocol"
	"github.com/10yihang/fsamem/internal/slicecache"
	"github.com/10yihang/fsamem/internal/store"
)

// applyFlags overrides cfg with flags the user set explicitly.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if flags.Changed("backend") {
		cfg.Storage.Backend = backendName
	}
	if flags.Changed("data-dir") {
		cfg.Storage.Path = dataDir
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = metricsAddr != ""
		cfg.Metrics.Addr = metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg.Validate()
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (engine.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewStore(&memory.Config{ShardCount: cfg.ShardCount}), nil
	case config.BackendBadger:
		bc := badger.DefaultConfig(cfg.Path)
		bc.SyncWrites = cfg.SyncWrites
		bc.Logger = logger
		return badger.NewStore(bc)
	case config.BackendSQLite:
		path := cfg.Path
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			path = filepath.Join(path, "fsamem.db")
		}
		sc := sqlite.DefaultConfig(path)
		sc.Logger = logger
		return sqlite.NewStore(ctx, sc)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}

	var cache *slicecache.Cache
	storeCfg := &store.Config{
		MaxAppendRetries: cfg.Store.MaxAppendRetries,
		LockStripes:      cfg.Store.LockStripes,
		DefaultTimeout:   cfg.Store.DefaultTimeout,
		HistoryLimit:     cfg.Store.HistoryLimit,
		Logger:           logger.Named("store"),
	}
	if cfg.Cache.Enabled {
		cache = slicecache.New(&slicecache.Config{
			TTL:           cfg.Cache.TTL,
			Capacity:      cfg.Cache.Capacity,
			SweepInterval: cfg.Cache.SweepInterval,
			Logger:        logger.Named("slicecache"),
		})
		cache.Start(ctx)
		defer cache.Stop()
		storeCfg.Cache = cache
	}
	st := store.New(backend, storeCfg)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close backend", zap.Error(err))
		}
	}()

	var stats protocol.CacheStats
	if cache != nil {
		stats = cache
	}
	server := protocol.NewServer(cfg.Server.Addr, protocol.NewHandler(st, stats, logger.Named("protocol")), logger)

	metrics.InitInfo(protocol.Version, runtime.Version(), cfg.Storage.Backend)
	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(cfg.Metrics.Addr, logger.Named("metrics"))
		go func() {
			if err := exporter.Start(ctx); err != nil {
				logger.Error("metrics exporter stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logger.Info("fsamem started",
		zap.String("addr", cfg.Server.Addr),
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("cache", cfg.Cache.Enabled))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	if err := server.Stop(); err != nil {
		logger.Warn("stop server", zap.Error(err))
	}
	if exporter != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := exporter.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("stop metrics exporter", zap.Error(err))
		}
	}
	return nil
}
