package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chhz0/inferq/backend"
	"github.com/chhz0/inferq/codec"
	"github.com/chhz0/inferq/config"
	"github.com/chhz0/inferq/core"
	"github.com/chhz0/inferq/observability"
	"github.com/chhz0/inferq/server"
	"github.com/chhz0/inferq/storage"
	"github.com/chhz0/inferq/transport"
	"github.com/chhz0/inferq/types"
)

func main() {
	configPath := flag.String("config", "", "path to inferq.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	events, err := openEvents(ctx, cfg.Events)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer events.Close()

	registry, err := buildRegistry(ctx, cfg.Backends, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	sched, err := core.New(schedulerConfig(cfg.Scheduler), store, registry,
		core.WithLogger(logger),
		core.WithPublisher(events))
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := server.NewServer(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, sched, logger)
	serveErr := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}
	return serveErr
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	sc := cfg.Storage
	c, err := codec.ByName(sc.Codec)
	if err != nil {
		return nil, err
	}
	if sc.Driver == "bolt" || sc.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
			return nil, err
		}
	}
	switch sc.Driver {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "bolt":
		return storage.NewBoltStorage(sc.Path, c)
	case "sqlite":
		return storage.NewSQLiteStorage(ctx, sc.Path)
	case "postgres":
		return storage.NewPostgresStorage(ctx, sc.DSN)
	case "redis":
		s := storage.NewRedisStorage(sc.Redis.Addr, sc.Redis.Password, sc.Redis.DB,
			storage.WithRedisCodec(c),
			storage.WithRedisPrefix(sc.Prefix),
			storage.WithRedisRetention(cfg.Scheduler.Retention))
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
}

func openEvents(ctx context.Context, cfg config.EventsConfig) (transport.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return transport.Nop{}, nil
	case "memory":
		return transport.NewMemoryBus(256), nil
	case "redis":
		return transport.NewRedisTransport(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Channel)
	}
	return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
}

func buildRegistry(ctx context.Context, cfg config.BackendsConfig, logger *zap.Logger) (*core.BackendRegistry, error) {
	registry := core.NewBackendRegistry()
	for _, v := range []types.BackendVariant{types.BackendLocal, types.BackendBatched, types.BackendCluster} {
		bc, _ := cfg.ByVariant(string(v))
		if !bc.Enabled {
			continue
		}
		fallback, err := core.ParseFallbackPolicy(bc.Fallback)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", v, err)
		}

		var a backend.Adapter
		switch v {
		case types.BackendLocal:
			a = backend.NewLocalRuntime(backend.LocalConfig{BaseURL: bc.BaseURL, Model: bc.Model, Timeout: bc.Timeout}, logger)
		case types.BackendBatched:
			a = backend.NewBatchedRuntime(backend.BatchedConfig{
				BaseURL:     bc.BaseURL,
				Model:       bc.Model,
				Timeout:     bc.Timeout,
				Concurrency: bc.Concurrency,
			}, logger)
		case types.BackendCluster:
			a = backend.NewClusterRuntime(backend.ClusterConfig{
				BaseURL:     bc.BaseURL,
				Route:       bc.Route,
				Timeout:     bc.Timeout,
				Concurrency: bc.Concurrency,
			}, logger)
		}

		if bc.ReadyWait > 0 {
			if err := waitReady(ctx, a, bc.ReadyWait, logger); err != nil {
				// 未就绪也注册，由 fallback 策略处理
				logger.Warn("backend not ready, registering anyway", zap.String("backend", string(v)), zap.Error(err))
			}
		}
		registry.Register(a, fallback)
	}
	if len(registry.Variants()) == 0 {
		return nil, errors.New("no backend enabled")
	}
	return registry, nil
}

func waitReady(ctx context.Context, a backend.Adapter, wait time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return backend.WaitReady(ctx, a, backend.ReadyPolicy(10*time.Second), logger)
}

func schedulerConfig(c config.SchedulerConfig) core.Config {
	return core.Config{
		MaxBatchSize:         c.MaxBatchSize,
		TickInterval:         c.TickInterval,
		MaxConcurrentBatches: c.MaxConcurrentBatches,
		DrainLimit:           c.DrainLimit,
		CallTimeout:          c.CallTimeout,
		MaxBulkSubmission:    c.MaxBulkSubmission,
		MaxPayloadBytes:      c.MaxPayloadBytes,
		DefaultTaskEstimate:  c.DefaultTaskEstimate,
		DefaultBackend:       types.BackendVariant(c.DefaultBackend),
		Retention:            c.Retention,
		RetentionSweep:       c.RetentionSweep,
		ShutdownGrace:        c.ShutdownGrace,
	}
}
