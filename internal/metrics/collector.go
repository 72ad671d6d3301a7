package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docforge/querycache/internal/analytics"
)

// Collector exports query, cache, batch and breaker telemetry to Prometheus.
// It implements analytics.Sink so the analytics collectors feed it directly.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	queryCounter         *prometheus.CounterVec
	queryDuration        *prometheus.HistogramVec
	cacheRequestCounter  *prometheus.CounterVec
	cacheAccessDuration  *prometheus.HistogramVec
	cacheInvalidations   *prometheus.CounterVec
	cacheCleanupRemovals *prometheus.CounterVec
	cacheSizeGauge       *prometheus.GaugeVec
	batchOperations      *prometheus.CounterVec
	batchItems           *prometheus.CounterVec
	batchDuration        *prometheus.HistogramVec
	breakerState         *prometheus.GaugeVec
	errorCounter         *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

var _ analytics.Sink = (*Collector)(nil)

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "querycache",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// Enabled reports whether metrics are being recorded.
func (c *Collector) Enabled() bool {
	return c != nil && c.config.Enabled
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveQuery records one query metric.
func (c *Collector) ObserveQuery(m analytics.QueryMetric) {
	if !c.Enabled() {
		return
	}

	c.queryCounter.With(prometheus.Labels{
		"table":  m.Table,
		"type":   m.Type,
		"status": string(m.Status),
	}).Inc()
	c.queryDuration.With(prometheus.Labels{
		"table": m.Table,
		"type":  m.Type,
	}).Observe(m.Duration.Seconds())

	c.RecordOperation(m.Type+":"+m.Table, m.Duration, m.Status != analytics.StatusError)
}

// ObserveCacheAccess records one cache access, invalidation or cleanup.
func (c *Collector) ObserveCacheAccess(a analytics.CacheAccess) {
	if !c.Enabled() {
		return
	}

	switch a.Event {
	case analytics.EventInvalidation:
		c.cacheInvalidations.With(prometheus.Labels{"strategy": a.Strategy}).Add(float64(a.Count))
		return
	case analytics.EventCleanup:
		c.cacheCleanupRemovals.With(prometheus.Labels{"strategy": a.Strategy}).Add(float64(a.Count))
		return
	}

	result := "miss"
	if a.Hit {
		result = "hit"
	}
	c.cacheRequestCounter.With(prometheus.Labels{
		"strategy": a.Strategy,
		"source":   a.Source,
		"result":   result,
	}).Inc()
	c.cacheAccessDuration.With(prometheus.Labels{
		"strategy": a.Strategy,
	}).Observe(a.Duration.Seconds())
}

// RecordBatch records a finished batch operation.
func (c *Collector) RecordBatch(kind, table, status string, succeeded, failed int, duration time.Duration) {
	if !c.Enabled() {
		return
	}

	c.batchOperations.With(prometheus.Labels{"kind": kind, "status": status}).Inc()
	c.batchItems.With(prometheus.Labels{"kind": kind, "table": table, "result": "succeeded"}).Add(float64(succeeded))
	c.batchItems.With(prometheus.Labels{"kind": kind, "table": table, "result": "failed"}).Add(float64(failed))
	c.batchDuration.With(prometheus.Labels{"kind": kind}).Observe(duration.Seconds())
}

// RecordOperation records an operation in the internal summary
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.Enabled() || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// UpdateCacheSize updates cache size metrics
func (c *Collector) UpdateCacheSize(store string, size int64) {
	if !c.Enabled() {
		return
	}

	c.cacheSizeGauge.With(prometheus.Labels{
		"store": store,
	}).Set(float64(size))
}

// SetBreakerState publishes a circuit breaker state (0 closed, 1 half-open, 2 open).
func (c *Collector) SetBreakerState(name string, state int) {
	if !c.Enabled() {
		return
	}

	c.breakerState.With(prometheus.Labels{"name": name}).Set(float64(state))
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.Enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset).String()

	return metrics
}

// ResetMetrics resets the internal summary. Prometheus counters are untouched.
func (c *Collector) ResetMetrics() {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.queryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "queries_total",
			Help:        "Total number of queries by terminal status",
			ConstLabels: labels,
		},
		[]string{"table", "type", "status"},
	)

	c.queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "query_duration_seconds",
			Help:        "Duration of queries in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			ConstLabels: labels,
		},
		[]string{"table", "type"},
	)

	// Cache metrics
	c.cacheRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_requests_total",
			Help:        "Total number of cache gets",
			ConstLabels: labels,
		},
		[]string{"strategy", "source", "result"},
	)

	c.cacheAccessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_access_duration_seconds",
			Help:        "Duration of cache gets in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
			ConstLabels: labels,
		},
		[]string{"strategy"},
	)

	c.cacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_invalidated_entries_total",
			Help:        "Entries removed by pattern invalidation",
			ConstLabels: labels,
		},
		[]string{"strategy"},
	)

	c.cacheCleanupRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_expired_entries_total",
			Help:        "Entries removed by expiry sweeps",
			ConstLabels: labels,
		},
		[]string{"strategy"},
	)

	c.cacheSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_size_bytes",
			Help:        "Current estimated cache size in bytes",
			ConstLabels: labels,
		},
		[]string{"store"},
	)

	// Batch metrics
	c.batchOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "batch_operations_total",
			Help:        "Finished batch operations",
			ConstLabels: labels,
		},
		[]string{"kind", "status"},
	)

	c.batchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "batch_items_total",
			Help:        "Items processed by batch operations",
			ConstLabels: labels,
		},
		[]string{"kind", "table", "result"},
	)

	c.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "batch_duration_seconds",
			Help:        "Duration of batch operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~3m
			ConstLabels: labels,
		},
		[]string{"kind"},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "circuit_breaker_state",
			Help:        "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			ConstLabels: labels,
		},
		[]string{"name"},
	)

	// Error metrics
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Total number of errors",
			ConstLabels: labels,
		},
		[]string{"operation", "type"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.queryCounter,
		c.queryDuration,
		c.cacheRequestCounter,
		c.cacheAccessDuration,
		c.cacheInvalidations,
		c.cacheCleanupRemovals,
		c.cacheSizeGauge,
		c.batchOperations,
		c.batchItems,
		c.batchDuration,
		c.breakerState,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func classifyError(err error) string {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "circuit"):
		return "connection"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "permission"), strings.Contains(errStr, "denied"):
		return "permission"
	case strings.Contains(errStr, "quota"):
		return "quota"
	default:
		return "other"
	}
}
