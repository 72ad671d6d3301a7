package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/docforge/querycache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global         GlobalConfig         `yaml:"global"`
	Cache          CacheConfig          `yaml:"cache"`
	Query          QueryConfig          `yaml:"query"`
	Batch          BatchConfig          `yaml:"batch"`
	Analytics      AnalyticsConfig      `yaml:"analytics"`
	DataSource     DataSourceConfig     `yaml:"datasource"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Backup         BackupConfig         `yaml:"backup"`
	API            APIConfig            `yaml:"api"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	Environment string              `yaml:"environment" validate:"oneof=test development production"`
	Logging     utils.LoggingConfig `yaml:"logging"`
}

// CacheConfig groups the settings of every cache tier
type CacheConfig struct {
	DefaultStrategy string                `yaml:"default_strategy" validate:"oneof=memory persistent remote hybrid"`
	Memory          MemoryCacheConfig     `yaml:"memory"`
	Persistent      PersistentCacheConfig `yaml:"persistent"`
	Remote          RemoteCacheConfig     `yaml:"remote"`
	Hybrid          HybridConfig          `yaml:"hybrid"`
}

// MemoryCacheConfig represents in-process cache settings
type MemoryCacheConfig struct {
	MaxSize         string        `yaml:"max_size" validate:"required"`
	MaxAge          time.Duration `yaml:"max_age" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	// HeapLimit sheds the memory tier when the process heap exceeds it; empty disables
	HeapLimit string `yaml:"heap_limit"`
}

// PersistentCacheConfig represents durable local cache settings
type PersistentCacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Directory       string        `yaml:"directory" validate:"required_if=Enabled true"`
	Prefix          string        `yaml:"prefix"`
	MaxSize         string        `yaml:"max_size" validate:"required"`
	MaxEntries      int           `yaml:"max_entries" validate:"gte=0"`
	Compression     bool          `yaml:"compression"`
	MaxAge          time.Duration `yaml:"max_age" validate:"gte=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
}

// RemoteCacheConfig represents Redis settings; an empty host selects fallback mode
type RemoteCacheConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port" validate:"gte=0,lte=65535"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db" validate:"gte=0"`
	KeyPrefix   string        `yaml:"key_prefix"`
	TTL         time.Duration `yaml:"ttl" validate:"gt=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

// HybridConfig represents multi-tier coordination settings
type HybridConfig struct {
	L1           string        `yaml:"l1" validate:"oneof=memory"`
	L2           string        `yaml:"l2" validate:"oneof=remote persistent"`
	SyncInterval time.Duration `yaml:"sync_interval" validate:"gte=0"`
}

// QueryConfig represents query builder defaults
type QueryConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	Strategy        string        `yaml:"strategy" validate:"oneof=memory persistent remote hybrid"`
	EnableAnalytics bool          `yaml:"enable_analytics"`
	RetryAttempts   int           `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay" validate:"gte=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout" validate:"gte=0"`
}

// BatchConfig represents batch manager defaults. Zero chunk size or
// parallelism keeps the per-kind defaults.
type BatchConfig struct {
	ChunkSize          int           `yaml:"chunk_size" validate:"gte=0"`
	Parallel           int           `yaml:"parallel" validate:"gte=0"`
	RetryAttempts      int           `yaml:"retry_attempts" validate:"gte=1"`
	RetryDelay         time.Duration `yaml:"retry_delay" validate:"gte=0"`
	Retention          time.Duration `yaml:"retention" validate:"gt=0"`
	MaxChunksPerSecond float64       `yaml:"max_chunks_per_second" validate:"gte=0"`
}

// AnalyticsConfig represents telemetry collector settings
type AnalyticsConfig struct {
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" validate:"gt=0"`
	MaxQueryHistory    int           `yaml:"max_query_history" validate:"gte=1"`
	QueryBufferSize    int           `yaml:"query_buffer_size" validate:"gte=1"`
	MaxCacheHistory    int           `yaml:"max_cache_history" validate:"gte=1"`
	CacheBufferSize    int           `yaml:"cache_buffer_size" validate:"gte=1"`
	Retention          time.Duration `yaml:"retention" validate:"gt=0"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
	MaxTrackedKeys     int           `yaml:"max_tracked_keys" validate:"gte=0"`

	// Alert thresholds
	HitRateWarning      float64       `yaml:"hit_rate_warning" validate:"gte=0,lte=1"`
	HitRateCritical     float64       `yaml:"hit_rate_critical" validate:"gte=0,lte=1"`
	ResponseTimeWarning time.Duration `yaml:"response_time_warning" validate:"gte=0"`
	ResponseTimeError   time.Duration `yaml:"response_time_error" validate:"gte=0"`
	ErrorAlertCount     int           `yaml:"error_alert_count" validate:"gte=0"`
	ErrorAlertWindow    time.Duration `yaml:"error_alert_window" validate:"gte=0"`
	QueryHitRateAlert   float64       `yaml:"query_hit_rate_alert" validate:"gte=0,lte=1"`
	QueryHitRateWindow  time.Duration `yaml:"query_hit_rate_window" validate:"gte=0"`
	SlowQueryAlertCount int           `yaml:"slow_query_alert_count" validate:"gte=0"`
}

// DataSourceConfig selects and configures the backing store
type DataSourceConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=supabase postgres memory"`
	SupabaseURL string `yaml:"supabase_url" validate:"required_if=Driver supabase"`
	SupabaseKey string `yaml:"supabase_key" validate:"required_if=Driver supabase"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
	MaxConns    int32  `yaml:"max_conns" validate:"gte=0"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"required_if=Enabled true"`
}

// BackupConfig represents S3 snapshot settings for the persistent cache
type BackupConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Interval        time.Duration `yaml:"interval" validate:"gte=0"`
}

// APIConfig represents the admin HTTP server
type APIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address" validate:"required_if=Enabled true"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// NewDefault returns the development profile
func NewDefault() *Configuration {
	return ForEnvironment(EnvDevelopment)
}

// Load builds the profile for env, overlays the file (if any) and the
// environment, then validates.
func Load(filename, env string) (*Configuration, error) {
	if env == "" {
		env = os.Getenv("QUERYCACHE_ENV")
	}
	cfg := ForEnvironment(env)

	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from QUERYCACHE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("QUERYCACHE_LOG_LEVEL"); val != "" {
		c.Global.Logging.Level = val
	}
	if val := os.Getenv("QUERYCACHE_LOG_FORMAT"); val != "" {
		c.Global.Logging.Format = val
	}
	if val := os.Getenv("QUERYCACHE_LOG_FILE"); val != "" {
		c.Global.Logging.File = val
	}

	// Cache settings
	if val := os.Getenv("QUERYCACHE_CACHE_STRATEGY"); val != "" {
		c.Cache.DefaultStrategy = val
		c.Query.Strategy = val
	}
	if val := os.Getenv("QUERYCACHE_MEMORY_MAX_SIZE"); val != "" {
		c.Cache.Memory.MaxSize = val
	}
	if val := os.Getenv("QUERYCACHE_MEMORY_MAX_AGE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.Memory.MaxAge = d
		}
	}
	if val := os.Getenv("QUERYCACHE_HEAP_LIMIT"); val != "" {
		c.Cache.Memory.HeapLimit = val
	}
	if val := os.Getenv("QUERYCACHE_PERSISTENT_DIR"); val != "" {
		c.Cache.Persistent.Directory = val
		c.Cache.Persistent.Enabled = true
	}
	if val := os.Getenv("QUERYCACHE_REDIS_HOST"); val != "" {
		c.Cache.Remote.Host = val
	}
	if val := os.Getenv("QUERYCACHE_REDIS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Cache.Remote.Port = port
		}
	}
	if val := os.Getenv("QUERYCACHE_REDIS_PASSWORD"); val != "" {
		c.Cache.Remote.Password = val
	}
	if val := os.Getenv("QUERYCACHE_REDIS_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.Remote.TTL = d
		}
	}

	// Query and batch settings
	if val := os.Getenv("QUERYCACHE_RETRY_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Query.RetryAttempts = n
			c.Batch.RetryAttempts = n
		}
	}
	if val := os.Getenv("QUERYCACHE_QUERY_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Query.Timeout = d
		}
	}
	if val := os.Getenv("QUERYCACHE_BATCH_CHUNK_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Batch.ChunkSize = n
		}
	}
	if val := os.Getenv("QUERYCACHE_BATCH_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Batch.Parallel = n
		}
	}
	if val := os.Getenv("QUERYCACHE_SLOW_QUERY_THRESHOLD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Analytics.SlowQueryThreshold = d
		}
	}

	// Data source
	if val := os.Getenv("QUERYCACHE_DATASOURCE_DRIVER"); val != "" {
		c.DataSource.Driver = val
	}
	if val := firstEnv("QUERYCACHE_SUPABASE_URL", "SUPABASE_URL"); val != "" {
		c.DataSource.SupabaseURL = val
	}
	if val := firstEnv("QUERYCACHE_SUPABASE_KEY", "SUPABASE_SERVICE_ROLE_KEY"); val != "" {
		c.DataSource.SupabaseKey = val
	}
	if val := firstEnv("QUERYCACHE_POSTGRES_DSN", "DATABASE_URL"); val != "" {
		c.DataSource.PostgresDSN = val
	}

	// Backup and API
	if val := os.Getenv("QUERYCACHE_BACKUP_BUCKET"); val != "" {
		c.Backup.Bucket = val
		c.Backup.Enabled = true
	}
	if val := os.Getenv("QUERYCACHE_API_ADDRESS"); val != "" {
		c.API.Address = val
	}
	if val := os.Getenv("QUERYCACHE_API_ENABLED"); val != "" {
		c.API.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sizes := map[string]string{
		"cache.memory.max_size":     c.Cache.Memory.MaxSize,
		"cache.persistent.max_size": c.Cache.Persistent.MaxSize,
	}
	for field, value := range sizes {
		if n, err := utils.ParseBytes(value); err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive byte size, got %q", field, value)
		}
	}

	if c.Cache.Memory.HeapLimit != "" {
		if n, err := utils.ParseBytes(c.Cache.Memory.HeapLimit); err != nil || n <= 0 {
			return fmt.Errorf("cache.memory.heap_limit must be a positive byte size, got %q", c.Cache.Memory.HeapLimit)
		}
	}

	if c.Cache.Hybrid.L2 == "remote" && c.Cache.Hybrid.SyncInterval > 0 &&
		c.Cache.Hybrid.SyncInterval < 100*time.Millisecond {
		return fmt.Errorf("cache.hybrid.sync_interval must be at least 100ms")
	}

	if c.Query.AttemptTimeout > c.Query.Timeout {
		return fmt.Errorf("query.attempt_timeout (%s) cannot exceed query.timeout (%s)",
			c.Query.AttemptTimeout, c.Query.Timeout)
	}

	if _, err := utils.ParseLogLevel(c.Global.Logging.Level); err != nil {
		return fmt.Errorf("invalid log_level: %s", c.Global.Logging.Level)
	}

	return nil
}

// MemoryMaxBytes returns the parsed memory cache capacity.
func (c *Configuration) MemoryMaxBytes() int64 {
	n, _ := utils.ParseBytes(c.Cache.Memory.MaxSize)
	return n
}

// HeapLimitBytes returns the parsed heap limit, 0 when unset.
func (c *Configuration) HeapLimitBytes() int64 {
	if c.Cache.Memory.HeapLimit == "" {
		return 0
	}
	n, _ := utils.ParseBytes(c.Cache.Memory.HeapLimit)
	return n
}

// PersistentMaxBytes returns the parsed persistent cache capacity.
func (c *Configuration) PersistentMaxBytes() int64 {
	n, _ := utils.ParseBytes(c.Cache.Persistent.MaxSize)
	return n
}

// RemoteAddr returns host:port, or "" when the remote cache should run in fallback mode.
func (c *Configuration) RemoteAddr() string {
	if c.Cache.Remote.Host == "" {
		return ""
	}
	port := c.Cache.Remote.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", c.Cache.Remote.Host, port)
}
