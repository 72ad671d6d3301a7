// Package main runs the querycache service: cache tiers, batch manager and
// the admin API in front of a Supabase or Postgres data source.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/analytics"
	"github.com/docforge/querycache/internal/backup"
	"github.com/docforge/querycache/internal/batch"
	"github.com/docforge/querycache/internal/cache"
	"github.com/docforge/querycache/internal/circuit"
	"github.com/docforge/querycache/internal/config"
	"github.com/docforge/querycache/internal/datasource"
	"github.com/docforge/querycache/internal/metrics"
	"github.com/docforge/querycache/internal/query"
	"github.com/docforge/querycache/pkg/api"
	"github.com/docforge/querycache/pkg/health"
	"github.com/docforge/querycache/pkg/memmon"
	"github.com/docforge/querycache/pkg/utils"
)

const (
	componentDataSource = "datasource"
	componentRemote     = "cache.remote"
	componentBackup     = "backup"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	env := flag.String("env", "", "profile: test, development or production")
	restore := flag.Bool("restore", false, "restore the persistent cache from the latest snapshot on start")
	flag.Parse()

	cfg, err := config.Load(*configPath, *env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(cfg.Global.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *restore, logger); err != nil {
		logger.Fatal("querycache stopped", zap.Error(err))
	}
}

func run(cfg *config.Configuration, restore bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting querycache",
		zap.String("environment", cfg.Global.Environment),
		zap.String("datasource", cfg.DataSource.Driver),
		zap.String("default_strategy", cfg.Cache.DefaultStrategy))

	tracker := health.NewTracker(health.DefaultConfig(), logger)

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	source, closeSource, err := openDataSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	breakers := circuit.NewManager(circuit.Config{
		MaxRequests:      cfg.CircuitBreaker.MaxRequests,
		Interval:         cfg.CircuitBreaker.Interval,
		Timeout:          cfg.CircuitBreaker.Timeout,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		IsSuccessful:     datasource.IsBreakerSuccess,
	}, logger.Named("circuit"))
	breakers.OnStateChange(tracker.ObserveBreaker)
	breakers.OnStateChange(func(name string, _, to gobreaker.State) {
		collector.SetBreakerState(name, int(to))
	})
	tracker.RegisterComponent(componentDataSource)
	if cfg.CircuitBreaker.Enabled {
		source = datasource.WithBreaker(source, breakers, componentDataSource)
	}

	cacheAnalytics := analytics.NewCacheAnalytics(analytics.CacheConfig{
		MaxHistory: cfg.Analytics.MaxCacheHistory,
		BufferSize: cfg.Analytics.CacheBufferSize,
		MaxKeys:    cfg.Analytics.MaxTrackedKeys,
		Thresholds: analytics.CacheThresholds{
			HitRateWarning:      cfg.Analytics.HitRateWarning,
			HitRateCritical:     cfg.Analytics.HitRateCritical,
			ResponseTimeWarning: cfg.Analytics.ResponseTimeWarning,
			ResponseTimeError:   cfg.Analytics.ResponseTimeError,
		},
	}, collector, logger.Named("analytics"))
	queryAnalytics := analytics.NewQueryAnalytics(analytics.QueryConfig{
		SlowQueryThreshold: cfg.Analytics.SlowQueryThreshold,
		MaxHistory:         cfg.Analytics.MaxQueryHistory,
		BufferSize:         cfg.Analytics.QueryBufferSize,
		Alerts: analytics.QueryAlertThresholds{
			ErrorCount:    cfg.Analytics.ErrorAlertCount,
			ErrorWindow:   cfg.Analytics.ErrorAlertWindow,
			HitRate:       cfg.Analytics.QueryHitRateAlert,
			HitRateWindow: cfg.Analytics.QueryHitRateWindow,
			SlowQueries:   cfg.Analytics.SlowQueryAlertCount,
		},
	}, collector, logger.Named("analytics"))
	go analytics.RunRetention(ctx, cfg.Analytics.CleanupInterval, cfg.Analytics.Retention, cacheAnalytics, queryAnalytics)

	cacheManager, persistent, err := openCache(ctx, cfg, tracker, cacheAnalytics, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cacheManager.Close() }()

	monitor := memmon.NewMonitor(memmon.Config{HeapLimit: cfg.HeapLimitBytes()}, logger)
	// Expired entries go first; the whole memory tier only when none were expired.
	monitor.OnPressure(func(ctx context.Context) int {
		if n := cacheManager.Memory().Cleanup(); n > 0 {
			return n
		}
		return cacheManager.Memory().Invalidate(ctx, "*")
	})
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	batches := batch.NewManager(source, batch.Config{
		ChunkSize:          cfg.Batch.ChunkSize,
		Parallel:           cfg.Batch.Parallel,
		RetryAttempts:      cfg.Batch.RetryAttempts,
		RetryDelay:         cfg.Batch.RetryDelay,
		Retention:          cfg.Batch.Retention,
		MaxChunksPerSecond: cfg.Batch.MaxChunksPerSecond,
	}, batch.Deps{
		Cache:     cacheManager,
		Analytics: queryAnalytics,
		Metrics:   collector,
		Tracer:    otel.Tracer("github.com/docforge/querycache/batch"),
		Logger:    logger,
	})
	defer batches.Close()

	queryStrategy, err := cache.ParseStrategy(cfg.Query.Strategy)
	if err != nil {
		return err
	}
	reads := query.NewClient(source, query.Config{
		CacheTTL:        cfg.Query.CacheTTL,
		Strategy:        queryStrategy,
		EnableAnalytics: cfg.Query.EnableAnalytics,
		RetryAttempts:   cfg.Query.RetryAttempts,
		RetryBaseDelay:  cfg.Query.RetryBaseDelay,
		AttemptTimeout:  cfg.Query.AttemptTimeout,
		Timeout:         cfg.Query.Timeout,
	}, query.Options{
		Cache:     cacheManager,
		Optimizer: query.NewOptimizer(nil, logger),
		Analytics: queryAnalytics,
		Logger:    logger,
	})

	deps := api.Deps{
		Health:         tracker,
		Cache:          cacheManager,
		CacheAnalytics: cacheAnalytics,
		QueryAnalytics: queryAnalytics,
		Batch:          batches,
		Memory:         monitor,
		Reads:          reads,
		Metrics:        collector.Handler(),
		Logger:         logger,
	}

	var snapshotter *backup.S3Snapshotter
	if cfg.Backup.Enabled && persistent != nil {
		snapshotter, err = openBackup(ctx, cfg, persistent, logger)
		if err != nil {
			return err
		}
		tracker.RegisterComponent(componentBackup)
		deps.Backup = snapshotter
		if restore {
			n, err := snapshotter.Restore(ctx, "")
			switch {
			case errors.Is(err, backup.ErrNoSnapshot):
				logger.Info("No snapshot to restore")
			case err != nil:
				logger.Warn("Snapshot restore failed", zap.Error(err))
			default:
				logger.Info("Restored persistent cache", zap.Int("entries", n))
			}
		}
		go snapshotter.Run(ctx)
	}

	go tracker.StartHealthChecks(ctx, func(ctx context.Context, component string) error {
		switch component {
		case componentDataSource:
			return breakers.HealthCheck()
		case componentRemote:
			return cacheManager.Remote().Ping(ctx)
		case componentBackup:
			if snapshotter != nil {
				return snapshotter.HealthCheck(ctx)
			}
		}
		return nil
	})

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.API.Enabled {
		server = api.NewServer(api.ServerConfig{
			Address:       cfg.API.Address,
			ReadTimeout:   cfg.API.ReadTimeout,
			WriteTimeout:  cfg.API.WriteTimeout,
			IdleTimeout:   cfg.API.IdleTimeout,
			EnableCORS:    cfg.API.EnableCORS,
			EnableMetrics: cfg.API.EnableMetrics,
		}, deps)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.Error("API server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down API server", zap.Error(err))
		}
	}
	if snapshotter != nil {
		if _, err := snapshotter.Backup(shutdownCtx); err != nil {
			logger.Warn("Final snapshot failed", zap.Error(err))
		}
	}
	logger.Info("querycache shutdown complete")
	return nil
}

func openDataSource(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (datasource.DataSource, func(), error) {
	switch cfg.DataSource.Driver {
	case "supabase":
		ds, err := datasource.NewSupabase(datasource.SupabaseConfig{
			URL: cfg.DataSource.SupabaseURL,
			Key: cfg.DataSource.SupabaseKey,
		}, logger.Named("supabase"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create supabase data source: %w", err)
		}
		return ds, func() {}, nil
	case "postgres":
		ds, err := datasource.NewPostgres(ctx, datasource.PostgresConfig{
			DSN:      cfg.DataSource.PostgresDSN,
			MaxConns: cfg.DataSource.MaxConns,
		}, logger.Named("postgres"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return ds, ds.Close, nil
	default:
		logger.Warn("Using the in-memory data source; writes are not durable")
		return datasource.NewMemory(logger.Named("memory")), func() {}, nil
	}
}

func openCache(ctx context.Context, cfg *config.Configuration, tracker *health.Tracker, ca *analytics.CacheAnalytics, logger *zap.Logger) (*cache.Manager, *cache.PersistentStore, error) {
	strategy, err := cache.ParseStrategy(cfg.Cache.DefaultStrategy)
	if err != nil {
		return nil, nil, err
	}
	l2, err := cache.ParseStrategy(cfg.Cache.Hybrid.L2)
	if err != nil {
		return nil, nil, err
	}

	mc := cache.ManagerConfig{
		DefaultStrategy: strategy,
		Memory: cache.MemoryConfig{
			MaxSize:         cfg.MemoryMaxBytes(),
			MaxAge:          cfg.Cache.Memory.MaxAge,
			CleanupInterval: cfg.Cache.Memory.CleanupInterval,
		},
		Persistent: cache.PersistentConfig{
			Prefix:          cfg.Cache.Persistent.Prefix,
			MaxSize:         cfg.PersistentMaxBytes(),
			MaxEntries:      cfg.Cache.Persistent.MaxEntries,
			Compression:     cfg.Cache.Persistent.Compression,
			MaxAge:          cfg.Cache.Persistent.MaxAge,
			CleanupInterval: cfg.Cache.Persistent.CleanupInterval,
		},
		Remote: cache.RemoteConfig{
			Addr:            cfg.RemoteAddr(),
			Password:        cfg.Cache.Remote.Password,
			DB:              cfg.Cache.Remote.DB,
			KeyPrefix:       cfg.Cache.Remote.KeyPrefix,
			TTL:             cfg.Cache.Remote.TTL,
			DialTimeout:     cfg.Cache.Remote.DialTimeout,
			OnBreakerChange: tracker.ObserveBreaker,
		},
		HybridL2:     l2,
		SyncInterval: cfg.Cache.Hybrid.SyncInterval,
	}

	var persistent *cache.PersistentStore
	if cfg.Cache.Persistent.Enabled {
		storage, err := cache.NewDirStorage(cfg.Cache.Persistent.Directory, mc.Persistent.MaxSize)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open persistent cache directory: %w", err)
		}
		persistent, err = cache.NewPersistentStore(storage, mc.Persistent, logger.Named("persistent"))
		if err != nil {
			return nil, nil, err
		}
	}

	remote := cache.NewRemoteStore(ctx, mc.Remote, logger.Named("remote"))
	if remote.Mode() == cache.ModeRedis {
		tracker.RegisterComponent(componentRemote)
		tracker.SetComponentMetadata(componentRemote, "addr", mc.Remote.Addr)
	}

	m := cache.NewManager(ctx, mc, cache.Options{
		Persistent: persistent,
		Remote:     remote,
		Analytics:  ca,
		Logger:     logger,
	})
	return m, persistent, nil
}

func openBackup(ctx context.Context, cfg *config.Configuration, store backup.Store, logger *zap.Logger) (*backup.S3Snapshotter, error) {
	bc := backup.Config{
		Bucket:          cfg.Backup.Bucket,
		Prefix:          cfg.Backup.Prefix,
		Region:          cfg.Backup.Region,
		Endpoint:        cfg.Backup.Endpoint,
		ForcePathStyle:  cfg.Backup.ForcePathStyle,
		AccessKeyID:     cfg.Backup.AccessKeyID,
		SecretAccessKey: cfg.Backup.SecretAccessKey,
		Interval:        cfg.Backup.Interval,
	}
	client, err := backup.NewClient(ctx, bc)
	if err != nil {
		return nil, err
	}
	return backup.NewS3Snapshotter(client, store, bc, logger.Named("backup"))
}
