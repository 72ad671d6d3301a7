package config

import (
	"strings"
	"time"

	"github.com/docforge/querycache/pkg/utils"
)

// Environment names
const (
	EnvTest        = "test"
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// NormalizeEnvironment maps aliases ("dev", "prod", "") to a known environment.
func NormalizeEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "test", "testing":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

// ForEnvironment returns the compiled-in profile for env. Callers never branch
// on the environment themselves; every tunable comes from the returned value.
func ForEnvironment(env string) *Configuration {
	switch NormalizeEnvironment(env) {
	case EnvTest:
		return testProfile()
	case EnvProduction:
		return productionProfile()
	default:
		return developmentProfile()
	}
}

func baseProfile() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			Environment: EnvDevelopment,
			Logging: utils.LoggingConfig{
				Level:  "info",
				Format: "console",
			},
		},
		Cache: CacheConfig{
			DefaultStrategy: "hybrid",
			Memory: MemoryCacheConfig{
				MaxSize:         "100MB",
				MaxAge:          5 * time.Minute,
				CleanupInterval: time.Minute,
			},
			Persistent: PersistentCacheConfig{
				Enabled:         true,
				Directory:       ".querycache",
				Prefix:          "dev_",
				MaxSize:         "5MB",
				MaxEntries:      1000,
				Compression:     true,
				MaxAge:          time.Hour,
				CleanupInterval: 5 * time.Minute,
			},
			Remote: RemoteCacheConfig{
				Host:        "localhost",
				Port:        6379,
				KeyPrefix:   "querycache:",
				TTL:         10 * time.Minute,
				DialTimeout: 2 * time.Second,
			},
			Hybrid: HybridConfig{
				L1:           "memory",
				L2:           "remote",
				SyncInterval: 5 * time.Second,
			},
		},
		Query: QueryConfig{
			CacheTTL:        5 * time.Minute,
			Strategy:        "hybrid",
			EnableAnalytics: true,
			RetryAttempts:   3,
			RetryBaseDelay:  time.Second,
			Timeout:         30 * time.Second,
			AttemptTimeout:  10 * time.Second,
		},
		Batch: BatchConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			Retention:     5 * time.Minute,
		},
		Analytics: AnalyticsConfig{
			SlowQueryThreshold: time.Second,
			MaxQueryHistory:    10000,
			QueryBufferSize:    100,
			MaxCacheHistory:    5000,
			CacheBufferSize:    50,
			Retention:          7 * 24 * time.Hour,
			CleanupInterval:    time.Hour,
			MaxTrackedKeys:     10000,

			HitRateWarning:      0.5,
			HitRateCritical:     0.3,
			ResponseTimeWarning: 100 * time.Millisecond,
			ResponseTimeError:   500 * time.Millisecond,
			ErrorAlertCount:     10,
			ErrorAlertWindow:    10 * time.Minute,
			QueryHitRateAlert:   0.3,
			QueryHitRateWindow:  30 * time.Minute,
			SlowQueryAlertCount: 5,
		},
		DataSource: DataSourceConfig{
			Driver:   "memory",
			MaxConns: 10,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			MaxRequests:      3,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		Backup: BackupConfig{
			Prefix:   "querycache/snapshots",
			Region:   "us-east-1",
			Interval: time.Hour,
		},
		API: APIConfig{
			Enabled:       true,
			Address:       "localhost:8080",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
	}
}

func testProfile() *Configuration {
	cfg := baseProfile()
	cfg.Global.Environment = EnvTest
	cfg.Global.Logging.Level = "debug"

	cfg.Cache.Memory = MemoryCacheConfig{
		MaxSize:         "50MB",
		MaxAge:          5 * time.Second,
		CleanupInterval: time.Second,
	}
	cfg.Cache.Persistent.Prefix = "test_"
	cfg.Cache.Persistent.MaxSize = "1MB"
	cfg.Cache.Persistent.Compression = false
	cfg.Cache.Persistent.Directory = ""
	cfg.Cache.Persistent.Enabled = false
	cfg.Cache.Remote.TTL = time.Second
	cfg.Cache.Hybrid.SyncInterval = 500 * time.Millisecond

	cfg.Query.RetryBaseDelay = 10 * time.Millisecond
	cfg.Query.Timeout = 5 * time.Second
	cfg.Query.AttemptTimeout = time.Second
	cfg.Batch.RetryDelay = 10 * time.Millisecond
	cfg.API.Enabled = false
	cfg.CircuitBreaker.Enabled = false
	return cfg
}

func developmentProfile() *Configuration {
	return baseProfile()
}

func productionProfile() *Configuration {
	cfg := baseProfile()
	cfg.Global.Environment = EnvProduction
	cfg.Global.Logging.Format = "json"

	cfg.Cache.Memory = MemoryCacheConfig{
		MaxSize:         "500MB",
		MaxAge:          15 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
	cfg.Cache.Persistent.Prefix = "prod_"
	cfg.Cache.Persistent.MaxSize = "50MB"
	cfg.Cache.Persistent.Directory = "/var/cache/querycache"
	cfg.Cache.Remote.TTL = 30 * time.Minute
	cfg.Cache.Hybrid.SyncInterval = 10 * time.Second

	cfg.DataSource.Driver = "supabase"
	cfg.API.Address = ":8080"
	cfg.API.EnableCORS = false
	return cfg
}
