package query

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/analytics"
	"github.com/docforge/querycache/internal/cache"
	"github.com/docforge/querycache/internal/datasource"
	"github.com/docforge/querycache/pkg/retry"
)

const tracerName = "github.com/docforge/querycache/internal/query"

// Config holds the defaults every builder starts from.
type Config struct {
	CacheTTL        time.Duration
	Strategy        cache.Strategy
	EnableAnalytics bool
	RetryAttempts   int
	// RetryBaseDelay is doubled per attempt: the wait after attempt n is
	// 2^n * RetryBaseDelay.
	RetryBaseDelay time.Duration
	AttemptTimeout time.Duration
	Timeout        time.Duration
}

// DefaultConfig returns 5 minute caching under the hybrid strategy, three
// attempts and a 30 second overall timeout.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        5 * time.Minute,
		Strategy:        cache.StrategyHybrid,
		EnableAnalytics: true,
		RetryAttempts:   3,
		RetryBaseDelay:  time.Second,
		AttemptTimeout:  10 * time.Second,
		Timeout:         30 * time.Second,
	}
}

// Options supplies the collaborators of a Client. Every field is optional.
type Options struct {
	Cache     *cache.Manager
	Optimizer *Optimizer
	Analytics *analytics.QueryAnalytics
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Client creates query builders bound to one data source.
type Client struct {
	source    datasource.DataSource
	cache     *cache.Manager
	optimizer *Optimizer
	analytics *analytics.QueryAnalytics
	retryer   *retry.Retryer
	tracer    trace.Tracer
	config    Config
	logger    *zap.Logger
}

// NewClient creates a client. Zero config fields take DefaultConfig values.
func NewClient(source datasource.DataSource, config Config, opts Options) *Client {
	def := DefaultConfig()
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.Strategy == "" {
		config.Strategy = def.Strategy
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = def.RetryAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.AttemptTimeout <= 0 || config.AttemptTimeout > config.Timeout {
		config.AttemptTimeout = config.Timeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("query")
	optimizer := opts.Optimizer
	if optimizer == nil {
		optimizer = NewOptimizer(nil, logger)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	c := &Client{
		source:    source,
		cache:     opts.Cache,
		optimizer: optimizer,
		analytics: opts.Analytics,
		tracer:    tracer,
		config:    config,
		logger:    logger,
	}
	c.retryer = retry.New(retry.Config{
		MaxAttempts:       config.RetryAttempts,
		InitialDelay:      2 * config.RetryBaseDelay,
		MaxDelay:          config.Timeout,
		Multiplier:        2,
		AttemptTimeout:    config.AttemptTimeout,
		RetryUnclassified: true,
		RetryableErrors:   retry.DefaultConfig().RetryableErrors,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Debug("Retrying query",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	})
	return c
}

// From starts a query against table.
func (c *Client) From(table string) *Builder {
	return &Builder{
		client:    c,
		query:     datasource.Query{Table: table},
		useCache:  c.cache != nil,
		ttl:       c.config.CacheTTL,
		strategy:  c.config.Strategy,
		analytics: c.config.EnableAnalytics,
	}
}

// Source returns the data source queries run against.
func (c *Client) Source() datasource.DataSource { return c.source }

// Optimizer returns the optimizer applied by builders.
func (c *Client) Optimizer() *Optimizer { return c.optimizer }

// Config returns the effective defaults.
func (c *Client) Config() Config { return c.config }
