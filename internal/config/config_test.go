package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, EnvDevelopment, cfg.Global.Environment)
	assert.Equal(t, "info", cfg.Global.Logging.Level)
	assert.Equal(t, "hybrid", cfg.Cache.DefaultStrategy)
	assert.Equal(t, 5*time.Minute, cfg.Query.CacheTTL)
	assert.Equal(t, 3, cfg.Query.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 100, cfg.Analytics.QueryBufferSize)
	assert.Equal(t, 10000, cfg.Analytics.MaxQueryHistory)
	assert.Equal(t, 50, cfg.Analytics.CacheBufferSize)
	assert.Equal(t, 5000, cfg.Analytics.MaxCacheHistory)
	assert.Equal(t, 0.5, cfg.Analytics.HitRateWarning)
	assert.Equal(t, 0.3, cfg.Analytics.HitRateCritical)
	assert.Equal(t, 100*time.Millisecond, cfg.Analytics.ResponseTimeWarning)
	assert.Equal(t, 500*time.Millisecond, cfg.Analytics.ResponseTimeError)
	assert.Equal(t, 10, cfg.Analytics.ErrorAlertCount)
	assert.Equal(t, 10*time.Minute, cfg.Analytics.ErrorAlertWindow)
	assert.Equal(t, 5, cfg.Analytics.SlowQueryAlertCount)
	assert.Equal(t, time.Hour, cfg.Analytics.CleanupInterval)
	assert.NoError(t, cfg.Validate())
}

func TestForEnvironment_Profiles(t *testing.T) {
	tests := []struct {
		env          string
		memorySize   int64
		memoryMaxAge time.Duration
		cleanup      time.Duration
		remoteTTL    time.Duration
		prefix       string
		persistMax   int64
		compression  bool
		syncInterval time.Duration
	}{
		{"test", 50 << 20, 5 * time.Second, time.Second, time.Second, "test_", 1 << 20, false, 500 * time.Millisecond},
		{"development", 100 << 20, 5 * time.Minute, time.Minute, 10 * time.Minute, "dev_", 5 << 20, true, 5 * time.Second},
		{"production", 500 << 20, 15 * time.Minute, 5 * time.Minute, 30 * time.Minute, "prod_", 50 << 20, true, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := ForEnvironment(tt.env)

			assert.Equal(t, tt.env, cfg.Global.Environment)
			assert.Equal(t, tt.memorySize, cfg.MemoryMaxBytes())
			assert.Equal(t, tt.memoryMaxAge, cfg.Cache.Memory.MaxAge)
			assert.Equal(t, tt.cleanup, cfg.Cache.Memory.CleanupInterval)
			assert.Equal(t, tt.remoteTTL, cfg.Cache.Remote.TTL)
			assert.Equal(t, tt.prefix, cfg.Cache.Persistent.Prefix)
			assert.Equal(t, tt.persistMax, cfg.PersistentMaxBytes())
			assert.Equal(t, tt.compression, cfg.Cache.Persistent.Compression)
			assert.Equal(t, tt.syncInterval, cfg.Cache.Hybrid.SyncInterval)
		})
	}
}

func TestNormalizeEnvironment(t *testing.T) {
	assert.Equal(t, EnvProduction, NormalizeEnvironment("prod"))
	assert.Equal(t, EnvProduction, NormalizeEnvironment(" PRODUCTION "))
	assert.Equal(t, EnvTest, NormalizeEnvironment("testing"))
	assert.Equal(t, EnvDevelopment, NormalizeEnvironment(""))
	assert.Equal(t, EnvDevelopment, NormalizeEnvironment("staging"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Configuration)
		wantErr string
	}{
		{
			name:   "valid default",
			modify: func(c *Configuration) {},
		},
		{
			name:    "unknown strategy",
			modify:  func(c *Configuration) { c.Cache.DefaultStrategy = "disk" },
			wantErr: "DefaultStrategy",
		},
		{
			name:    "bad memory size",
			modify:  func(c *Configuration) { c.Cache.Memory.MaxSize = "lots" },
			wantErr: "cache.memory.max_size",
		},
		{
			name:    "bad heap limit",
			modify:  func(c *Configuration) { c.Cache.Memory.HeapLimit = "half" },
			wantErr: "cache.memory.heap_limit",
		},
		{
			name:   "heap limit set",
			modify: func(c *Configuration) { c.Cache.Memory.HeapLimit = "512MB" },
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Configuration) { c.Query.RetryAttempts = 0 },
			wantErr: "RetryAttempts",
		},
		{
			name: "supabase without url",
			modify: func(c *Configuration) {
				c.DataSource.Driver = "supabase"
				c.DataSource.SupabaseKey = "key"
			},
			wantErr: "SupabaseURL",
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Configuration) { c.DataSource.Driver = "postgres" },
			wantErr: "PostgresDSN",
		},
		{
			name:    "backup without bucket",
			modify:  func(c *Configuration) { c.Backup.Enabled = true },
			wantErr: "Bucket",
		},
		{
			name:    "attempt timeout above total",
			modify:  func(c *Configuration) { c.Query.AttemptTimeout = time.Minute },
			wantErr: "attempt_timeout",
		},
		{
			name:    "hit rate threshold above one",
			modify:  func(c *Configuration) { c.Analytics.HitRateWarning = 1.5 },
			wantErr: "HitRateWarning",
		},
		{
			name:    "bad log level",
			modify:  func(c *Configuration) { c.Global.Logging.Level = "verbose" },
			wantErr: "Level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "querycache.yaml")

	content := `
global:
  logging:
    level: debug
cache:
  default_strategy: memory
  memory:
    max_size: 64MB
    max_age: 2m
query:
  retry_attempts: 5
analytics:
  hit_rate_warning: 0.8
  error_alert_window: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "debug", cfg.Global.Logging.Level)
	assert.Equal(t, "memory", cfg.Cache.DefaultStrategy)
	assert.Equal(t, int64(64<<20), cfg.MemoryMaxBytes())
	assert.Equal(t, 2*time.Minute, cfg.Cache.Memory.MaxAge)
	assert.Equal(t, 5, cfg.Query.RetryAttempts)
	assert.Equal(t, 0.8, cfg.Analytics.HitRateWarning)
	assert.Equal(t, 5*time.Minute, cfg.Analytics.ErrorAlertWindow)
	// untouched fields keep the profile value
	assert.Equal(t, 30*time.Second, cfg.Query.Timeout)
}

func TestLoadFromFile_Missing(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	original := ForEnvironment(EnvProduction)
	require.NoError(t, original.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, original.Cache, loaded.Cache)
	assert.Equal(t, original.Global.Environment, loaded.Global.Environment)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUERYCACHE_LOG_LEVEL", "warn")
	t.Setenv("QUERYCACHE_CACHE_STRATEGY", "remote")
	t.Setenv("QUERYCACHE_REDIS_HOST", "redis.internal")
	t.Setenv("QUERYCACHE_REDIS_PORT", "6380")
	t.Setenv("QUERYCACHE_BATCH_CHUNK_SIZE", "25")
	t.Setenv("QUERYCACHE_RETRY_ATTEMPTS", "4")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "warn", cfg.Global.Logging.Level)
	assert.Equal(t, "remote", cfg.Cache.DefaultStrategy)
	assert.Equal(t, "remote", cfg.Query.Strategy)
	assert.Equal(t, "redis.internal:6380", cfg.RemoteAddr())
	assert.Equal(t, 25, cfg.Batch.ChunkSize)
	assert.Equal(t, 4, cfg.Query.RetryAttempts)
	assert.Equal(t, 4, cfg.Batch.RetryAttempts)
	assert.Equal(t, "https://example.supabase.co", cfg.DataSource.SupabaseURL)
}

func TestLoad(t *testing.T) {
	cfg, err := Load("", "test")
	require.NoError(t, err)
	assert.Equal(t, EnvTest, cfg.Global.Environment)
	assert.False(t, cfg.API.Enabled)
}

func TestRemoteAddr_Fallback(t *testing.T) {
	cfg := NewDefault()
	cfg.Cache.Remote.Host = ""
	assert.Equal(t, "", cfg.RemoteAddr())

	cfg.Cache.Remote.Host = "cache"
	cfg.Cache.Remote.Port = 0
	assert.Equal(t, "cache:6379", cfg.RemoteAddr())
}
