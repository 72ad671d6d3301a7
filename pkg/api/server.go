// Package api serves the admin HTTP API: health, cache statistics and
// invalidation, query analytics, batch progress and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/analytics"
	"github.com/docforge/querycache/internal/backup"
	"github.com/docforge/querycache/internal/batch"
	"github.com/docforge/querycache/internal/cache"
	"github.com/docforge/querycache/internal/datasource"
	"github.com/docforge/querycache/internal/query"
	qerrors "github.com/docforge/querycache/pkg/errors"
	"github.com/docforge/querycache/pkg/health"
	"github.com/docforge/querycache/pkg/memmon"
)

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics exposes /metrics when a metrics handler is supplied
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    true,
		EnableMetrics: true,
	}
}

// CacheService is the cache surface the API reads and invalidates.
type CacheService interface {
	Stats(ctx context.Context, strategy cache.Strategy) cache.ManagerStats
	Invalidate(ctx context.Context, pattern string, strategy cache.Strategy) int
}

// CacheInsights reports cache analytics.
type CacheInsights interface {
	Dashboard() analytics.CacheDashboard
	DetectPerformanceIssues() []analytics.Alert
}

// QueryInsights reports query analytics.
type QueryInsights interface {
	Dashboard() analytics.QueryDashboard
	DetectSlowQueries() []analytics.SlowQuery
	ExportMetrics(format string) ([]byte, error)
}

// BatchService exposes batch progress and cancellation.
type BatchService interface {
	Operation(id string) (batch.Operation, bool)
	Progress(id string) (batch.Progress, bool)
	ActiveOperations() []batch.Operation
	Cancel(id string) error
}

// Snapshotter takes on-demand cache backups.
type Snapshotter interface {
	Backup(ctx context.Context) (backup.Snapshot, error)
}

// MemoryReporter reports process memory and cache shedding.
type MemoryReporter interface {
	Stats() memmon.Stats
	Alerts() []memmon.Alert
}

// ReadService starts cached reads against the data source.
type ReadService interface {
	From(table string) *query.Builder
}

// Deps are the components behind the endpoints. Nil components make their
// endpoints answer 503.
type Deps struct {
	Health         *health.Tracker
	Cache          CacheService
	CacheAnalytics CacheInsights
	QueryAnalytics QueryInsights
	Batch          BatchService
	Backup         Snapshotter
	Memory         MemoryReporter
	Reads          ReadService
	Metrics        http.Handler
	Logger         *zap.Logger
}

// Server provides the admin HTTP endpoints
type Server struct {
	httpServer *http.Server
	router     chi.Router
	deps       Deps
	config     ServerConfig
	logger     *zap.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		config: config,
		logger: logger.Named("api"),
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))
	if s.config.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Get("/issues", s.handleCacheIssues)
		r.Get("/dashboard", s.handleCacheDashboard)
		r.Delete("/", s.handleCacheInvalidate)
		r.Post("/backup", s.handleBackup)
	})

	r.Route("/queries", func(r chi.Router) {
		r.Get("/dashboard", s.handleQueryDashboard)
		r.Get("/slow", s.handleSlowQueries)
		r.Get("/export", s.handleQueryExport)
	})

	r.Route("/batch", func(r chi.Router) {
		r.Get("/", s.handleActiveBatches)
		r.Get("/{operationID}", s.handleBatch)
		r.Post("/{operationID}/cancel", s.handleBatchCancel)
	})

	r.Get("/memory", s.handleMemory)
	r.Get("/tables/{table}", s.handleTableRead)

	if s.config.EnableMetrics && s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Get("/info", s.handleInfo)
	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP Request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status": health.StateHealthy,
			"note":   "Health tracking not configured",
		})
		return
	}

	report := s.deps.Health.Report()
	statusCode := http.StatusOK
	switch report.Status {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}
	s.respondJSON(w, statusCode, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	state := health.StateHealthy
	if s.deps.Health != nil {
		state = s.deps.Health.GetOverallHealth()
	}
	ready := state != health.StateUnavailable
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]any{
		"ready":     ready,
		"status":    state,
		"timestamp": time.Now(),
	})
}

// Cache endpoint handlers

func (s *Server) strategyParam(w http.ResponseWriter, r *http.Request) (cache.Strategy, bool) {
	raw := r.URL.Query().Get("strategy")
	if raw == "" {
		return "", true
	}
	st, err := cache.ParseStrategy(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return st, true
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache not configured")
		return
	}
	st, ok := s.strategyParam(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Cache.Stats(r.Context(), st))
}

func (s *Server) handleCacheIssues(w http.ResponseWriter, r *http.Request) {
	if s.deps.CacheAnalytics == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache analytics not configured")
		return
	}
	issues := s.deps.CacheAnalytics.DetectPerformanceIssues()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"issues": issues,
		"count":  len(issues),
	})
}

func (s *Server) handleCacheDashboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.CacheAnalytics == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache analytics not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.CacheAnalytics.Dashboard())
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache not configured")
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		s.respondError(w, http.StatusBadRequest, "pattern query parameter required")
		return
	}
	st, ok := s.strategyParam(w, r)
	if !ok {
		return
	}
	removed := s.deps.Cache.Invalidate(r.Context(), pattern, st)
	s.logger.Info("Cache invalidated over API",
		zap.String("pattern", pattern),
		zap.Int("removed", removed))
	s.respondJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"removed": removed,
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backup == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Backup not configured")
		return
	}
	snap, err := s.deps.Backup.Backup(r.Context())
	if err != nil {
		s.logger.Warn("On-demand backup failed", zap.Error(err))
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, snap)
}

// Query endpoint handlers

func (s *Server) handleQueryDashboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.QueryAnalytics == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Query analytics not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.QueryAnalytics.Dashboard())
}

func (s *Server) handleSlowQueries(w http.ResponseWriter, r *http.Request) {
	if s.deps.QueryAnalytics == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Query analytics not configured")
		return
	}
	slow := s.deps.QueryAnalytics.DetectSlowQueries()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"queries": slow,
		"count":   len(slow),
	})
}

func (s *Server) handleQueryExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.QueryAnalytics == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Query analytics not configured")
		return
	}
	format := r.URL.Query().Get("format")
	data, err := s.deps.QueryAnalytics.ExportMetrics(format)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	contentType := "application/json"
	if format == analytics.FormatCSV {
		contentType = "text/csv"
		w.Header().Set("Content-Disposition", `attachment; filename="query-metrics.csv"`)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Failed to write export", zap.Error(err))
	}
}

// Batch endpoint handlers

func (s *Server) handleActiveBatches(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batch == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Batch manager not configured")
		return
	}
	ops := s.deps.Batch.ActiveOperations()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batch == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Batch manager not configured")
		return
	}
	id := chi.URLParam(r, "operationID")
	op, ok := s.deps.Batch.Operation(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Batch operation not found: "+id)
		return
	}
	progress, _ := s.deps.Batch.Progress(id)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"operation": op,
		"progress":  progress,
	})
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batch == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Batch manager not configured")
		return
	}
	id := chi.URLParam(r, "operationID")
	if err := s.deps.Batch.Cancel(id); err != nil {
		switch {
		case qerrors.HasCode(err, qerrors.ErrCodeBatchNotFound):
			s.respondError(w, http.StatusNotFound, err.Error())
		case qerrors.HasCode(err, qerrors.ErrCodeBatchNotRunning):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	op, _ := s.deps.Batch.Operation(id)
	s.respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"GET /health",
		"GET /health/live",
		"GET /health/ready",
		"GET /cache/stats",
		"GET /cache/issues",
		"GET /cache/dashboard",
		"DELETE /cache?pattern=",
		"POST /cache/backup",
		"GET /queries/dashboard",
		"GET /queries/slow",
		"GET /queries/export?format=",
		"GET /batch",
		"GET /batch/{id}",
		"POST /batch/{id}/cancel",
		"GET /memory",
		"GET /tables/{table}?select=&order=&limit=&offset=&{column}={op}.{value}",
		"GET /info",
	}
	if s.config.EnableMetrics && s.deps.Metrics != nil {
		endpoints = append(endpoints, "GET /metrics")
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"service":   "querycache",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Memory monitor not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"stats":  s.deps.Memory.Stats(),
		"alerts": s.deps.Memory.Alerts(),
	})
}

// Read endpoint handlers

// reserved read parameters; every other parameter is a column filter.
var readParams = map[string]bool{
	"select": true, "order": true, "limit": true, "offset": true,
	"strategy": true, "cache": true,
}

func (s *Server) handleTableRead(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reads == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Query client not configured")
		return
	}
	b, err := buildRead(s.deps.Reads.From(chi.URLParam(r, "table")), r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := b.Execute(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		var dsErr *datasource.Error
		if (errors.As(err, &dsErr) && dsErr.Client()) || qerrors.HasCode(err, qerrors.ErrCodeQueryInvalid) {
			status = http.StatusBadRequest
		}
		var qe *qerrors.QueryError
		if errors.As(err, &qe) {
			s.respondJSON(w, status, qe)
			return
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// buildRead translates PostgREST style parameters into builder clauses:
// select=a,b  order=col[.desc]  limit=n  offset=n  col=op.value  col=in.(a,b)
func buildRead(b *query.Builder, r *http.Request) (*query.Builder, error) {
	params := r.URL.Query()

	if sel := params.Get("select"); sel != "" {
		b.Select(strings.Split(sel, ",")...)
	}
	if order := params.Get("order"); order != "" {
		for _, part := range strings.Split(order, ",") {
			column, dir, _ := strings.Cut(part, ".")
			b.Order(column, dir != "desc")
		}
	}

	limit, err := intParam(params.Get("limit"))
	if err != nil {
		return nil, fmt.Errorf("invalid limit: %w", err)
	}
	offset, err := intParam(params.Get("offset"))
	if err != nil {
		return nil, fmt.Errorf("invalid offset: %w", err)
	}
	switch {
	case offset > 0 && limit > 0:
		b.Range(offset, offset+limit-1)
	case offset > 0:
		return nil, fmt.Errorf("offset requires limit")
	case limit > 0:
		b.Limit(limit)
	}

	if raw := params.Get("strategy"); raw != "" {
		st, err := cache.ParseStrategy(raw)
		if err != nil {
			return nil, err
		}
		b.WithStrategy(st)
	}
	if params.Get("cache") == "false" {
		b.WithCache(false)
	}

	// sorted so equal requests produce equal cache keys
	columns := make([]string, 0, len(params))
	for column := range params {
		if !readParams[column] {
			columns = append(columns, column)
		}
	}
	sort.Strings(columns)
	for _, column := range columns {
		for _, expr := range params[column] {
			op, value, ok := strings.Cut(expr, ".")
			if !ok {
				return nil, fmt.Errorf("filter %s=%s is not op.value", column, expr)
			}
			if datasource.Operator(op) == datasource.OpIn {
				list := strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
				var values []any
				for _, v := range strings.Split(list, ",") {
					values = append(values, filterValue(v))
				}
				b.In(column, values...)
				continue
			}
			b.Where(column, datasource.Operator(op), filterValue(value))
		}
	}
	return b, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%d is negative", n)
	}
	return n, nil
}

// filterValue types numbers and booleans; everything else stays a string.
func filterValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("Error encoding JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]any{
		"error":     message,
		"timestamp": time.Now(),
	})
}
