package analytics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueryStatus is the terminal outcome of a query.
type QueryStatus string

const (
	StatusSuccess  QueryStatus = "success"
	StatusError    QueryStatus = "error"
	StatusTimeout  QueryStatus = "timeout"
	StatusCacheHit QueryStatus = "cache_hit"
)

// QueryShape describes the clauses a query used. It drives slow-query
// suggestions and index recommendations.
type QueryShape struct {
	SelectAll     bool     `json:"select_all,omitempty"`
	FilterColumns []string `json:"filter_columns,omitempty"`
	OrderColumns  []string `json:"order_columns,omitempty"`
	Joins         int      `json:"joins,omitempty"`
	LikeFilters   int      `json:"like_filters,omitempty"`
}

// QueryMetric is one append-only query telemetry record.
type QueryMetric struct {
	ID            string         `json:"query_id"`
	Table         string         `json:"table"`
	Type          string         `json:"query_type"`
	Duration      time.Duration  `json:"duration"`
	CacheHit      bool           `json:"cache_hit"`
	CacheStrategy string         `json:"cache_strategy"`
	RowsAffected  int            `json:"rows_affected"`
	Timestamp     time.Time      `json:"timestamp"`
	UserID        string         `json:"user_id,omitempty"`
	Status        QueryStatus    `json:"status"`
	Error         string         `json:"error,omitempty"`
	Shape         QueryShape     `json:"shape"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// BatchRecord summarizes a finished batch operation.
type BatchRecord struct {
	OperationID string
	Kind        string
	Table       string
	TotalItems  int
	Succeeded   int
	Failed      int
	Duration    time.Duration
	Error       string
}

// SlowQuery is a query pattern whose average duration exceeds the threshold.
type SlowQuery struct {
	Pattern     string        `json:"pattern"`
	Duration    time.Duration `json:"duration"`
	LastSeen    time.Time     `json:"last_seen"`
	Frequency   int           `json:"frequency"`
	Impact      Impact        `json:"impact"`
	Suggestions []string      `json:"suggestions"`
}

// TrendPoint is one 15-minute aggregation bucket.
type TrendPoint struct {
	Timestamp       time.Time     `json:"timestamp"`
	AverageDuration time.Duration `json:"average_duration"`
	QueryCount      int           `json:"query_count"`
}

// PerformanceStats aggregates query history over a time range.
type PerformanceStats struct {
	TotalQueries      int            `json:"total_queries"`
	AverageDuration   time.Duration  `json:"average_duration"`
	TotalDuration     time.Duration  `json:"total_duration"`
	CacheHitRate      float64        `json:"cache_hit_rate"`
	ErrorRate         float64        `json:"error_rate"`
	SlowestQueries    []SlowQuery    `json:"slowest_queries"`
	QueryDistribution map[string]int `json:"query_distribution"`
	PerformanceTrends []TrendPoint   `json:"performance_trends"`
}

// QueryOptimization is an index or statistics recommendation.
type QueryOptimization struct {
	Table                string   `json:"table"`
	Column               string   `json:"column"`
	Type                 string   `json:"type"`
	Reason               string   `json:"reason"`
	EstimatedImprovement float64  `json:"estimated_improvement"`
	Priority             Priority `json:"priority"`
}

// TableStats is one row of the dashboard's top tables.
type TableStats struct {
	Table       string        `json:"table"`
	QueryCount  int           `json:"query_count"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// QueryOverview is the headline block of the dashboard.
type QueryOverview struct {
	TotalQueries        int           `json:"total_queries"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	CacheHitRate        float64       `json:"cache_hit_rate"`
	ErrorRate           float64       `json:"error_rate"`
	Uptime              float64       `json:"uptime"`
}

// QueryDashboard summarizes the last hour of query activity.
type QueryDashboard struct {
	Overview          QueryOverview `json:"overview"`
	TopTables         []TableStats  `json:"top_tables"`
	RecentSlowQueries []SlowQuery   `json:"recent_slow_queries"`
	Alerts            []Alert       `json:"performance_alerts"`
}

// QueryConfig configures QueryAnalytics.
type QueryConfig struct {
	SlowQueryThreshold time.Duration
	MaxHistory         int
	BufferSize         int
	Alerts             QueryAlertThresholds
}

// QueryAlertThresholds drive the dashboard alerts. Zero fields take the defaults.
type QueryAlertThresholds struct {
	ErrorCount      int
	ErrorWindow     time.Duration
	HitRate         float64
	HitRateWindow   time.Duration
	// SlowQueries is compared with the slow patterns seen in the last hour.
	SlowQueries     int
}

// DefaultQueryConfig returns a 1s slow threshold, 10000 history and a flush every 100 records.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		SlowQueryThreshold: time.Second,
		MaxHistory:         10000,
		BufferSize:         100,
		Alerts: QueryAlertThresholds{
			ErrorCount:      10,
			ErrorWindow:     10 * time.Minute,
			HitRate:         0.3,
			HitRateWindow:   30 * time.Minute,
			SlowQueries:     5,
		},
	}
}

type queryPattern struct {
	Count         int            `json:"count"`
	TotalDuration time.Duration  `json:"total_duration"`
	LastUsed      time.Time      `json:"last_used"`
	Table         string         `json:"table"`
	FilterColumns map[string]int `json:"filter_columns,omitempty"`
	OrderColumns  map[string]int `json:"order_columns,omitempty"`
	SelectAll     bool           `json:"select_all,omitempty"`
	Joins         bool           `json:"joins,omitempty"`
	Like          bool           `json:"like,omitempty"`
}

// QueryAnalytics buffers query metrics and aggregates them on read.
type QueryAnalytics struct {
	config   QueryConfig
	logger   *zap.Logger
	sink     Sink
	now      func() time.Time
	mu       sync.Mutex
	history  []QueryMetric
	buffer   []QueryMetric
	patterns map[string]*queryPattern
}

// NewQueryAnalytics creates a collector. sink may be nil.
func NewQueryAnalytics(config QueryConfig, sink Sink, logger *zap.Logger) *QueryAnalytics {
	defaults := DefaultQueryConfig()
	if config.SlowQueryThreshold <= 0 {
		config.SlowQueryThreshold = defaults.SlowQueryThreshold
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = defaults.MaxHistory
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	al, def := &config.Alerts, defaults.Alerts
	if al.ErrorCount <= 0 {
		al.ErrorCount = def.ErrorCount
	}
	if al.ErrorWindow <= 0 {
		al.ErrorWindow = def.ErrorWindow
	}
	if al.HitRate <= 0 {
		al.HitRate = def.HitRate
	}
	if al.HitRateWindow <= 0 {
		al.HitRateWindow = def.HitRateWindow
	}
	if al.SlowQueries <= 0 {
		al.SlowQueries = def.SlowQueries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &QueryAnalytics{
		config:   config,
		logger:   logger,
		sink:     sink,
		now:      time.Now,
		patterns: make(map[string]*queryPattern),
	}
}

// LogQuery records a query. Missing fields are defaulted.
func (qa *QueryAnalytics) LogQuery(m QueryMetric) {
	if m.ID == "" {
		m.ID = "q_" + uuid.NewString()
	}
	if m.Table == "" {
		m.Table = "unknown"
	}
	if m.Type == "" {
		m.Type = "select"
	}
	if m.CacheStrategy == "" {
		m.CacheStrategy = "none"
	}
	if m.Status == "" {
		m.Status = StatusSuccess
	}
	if m.Status == StatusCacheHit {
		m.CacheHit = true
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = qa.now()
	}

	qa.mu.Lock()
	qa.buffer = append(qa.buffer, m)
	if len(qa.buffer) >= qa.config.BufferSize {
		qa.flushLocked()
	}
	qa.updatePatternLocked(m)
	qa.mu.Unlock()

	if qa.sink != nil {
		qa.sink.ObserveQuery(m)
	}
}

// LogBatchOperation records a finished batch as a single "batch_<kind>" metric.
func (qa *QueryAnalytics) LogBatchOperation(rec BatchRecord) {
	status := StatusSuccess
	if rec.Failed > 0 {
		status = StatusError
	}
	qa.LogQuery(QueryMetric{
		ID:           rec.OperationID,
		Table:        rec.Table,
		Type:         "batch_" + rec.Kind,
		Duration:     rec.Duration,
		RowsAffected: rec.Succeeded,
		Status:       status,
		Error:        rec.Error,
		Metadata: map[string]any{
			"total_items": rec.TotalItems,
			"succeeded":   rec.Succeeded,
			"failed":      rec.Failed,
		},
	})
}

// LogError records a failed query that never produced a duration.
func (qa *QueryAnalytics) LogError(err error, table, queryType string) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	qa.LogQuery(QueryMetric{
		Table:  table,
		Type:   queryType,
		Status: StatusError,
		Error:  msg,
	})
}

// Flush moves buffered records into the history.
func (qa *QueryAnalytics) Flush() {
	qa.mu.Lock()
	qa.flushLocked()
	qa.mu.Unlock()
}

func (qa *QueryAnalytics) flushLocked() {
	if len(qa.buffer) == 0 {
		return
	}
	qa.history = append(qa.history, qa.buffer...)
	qa.buffer = qa.buffer[:0]

	if over := len(qa.history) - qa.config.MaxHistory; over > 0 {
		qa.history = append([]QueryMetric(nil), qa.history[over:]...)
	}
}

func patternKey(m QueryMetric) string {
	return m.Type + ":" + m.Table
}

func (qa *QueryAnalytics) updatePatternLocked(m QueryMetric) {
	key := patternKey(m)
	p, ok := qa.patterns[key]
	if !ok {
		p = &queryPattern{
			Table:         m.Table,
			FilterColumns: make(map[string]int),
			OrderColumns:  make(map[string]int),
		}
		qa.patterns[key] = p
	}

	p.Count++
	p.TotalDuration += m.Duration
	p.LastUsed = m.Timestamp
	p.SelectAll = p.SelectAll || m.Shape.SelectAll
	p.Joins = p.Joins || m.Shape.Joins > 0
	p.Like = p.Like || m.Shape.LikeFilters > 0
	for _, col := range m.Shape.FilterColumns {
		p.FilterColumns[col]++
	}
	for _, col := range m.Shape.OrderColumns {
		p.OrderColumns[col]++
	}
}

// DetectSlowQueries returns patterns used in the last hour whose average
// duration exceeds the slow threshold, slowest first.
func (qa *QueryAnalytics) DetectSlowQueries() []SlowQuery {
	qa.mu.Lock()
	defer qa.mu.Unlock()
	return qa.detectSlowLocked()
}

func (qa *QueryAnalytics) detectSlowLocked() []SlowQuery {
	cutoff := qa.now().Add(-time.Hour)
	slow := make([]SlowQuery, 0)

	for key, p := range qa.patterns {
		if p.LastUsed.Before(cutoff) {
			continue
		}
		avg := p.TotalDuration / time.Duration(p.Count)
		if avg <= qa.config.SlowQueryThreshold {
			continue
		}
		slow = append(slow, SlowQuery{
			Pattern:     key,
			Duration:    avg,
			LastSeen:    p.LastUsed,
			Frequency:   p.Count,
			Impact:      calculateImpact(avg, p.Count),
			Suggestions: slowQuerySuggestions(p, avg),
		})
	}

	sort.Slice(slow, func(i, j int) bool {
		return slow[i].Duration > slow[j].Duration
	})
	return slow
}

func calculateImpact(avg time.Duration, frequency int) Impact {
	score := avg.Seconds() * float64(frequency)
	switch {
	case score > 100:
		return ImpactCritical
	case score > 50:
		return ImpactHigh
	case score > 10:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

func slowQuerySuggestions(p *queryPattern, avg time.Duration) []string {
	var out []string
	if avg > 2*time.Second {
		out = append(out,
			"query is very slow, optimize urgently",
			"check indexes on filtered columns")
	}
	if p.SelectAll {
		out = append(out, "avoid SELECT *, list the needed columns")
	}
	if p.Joins {
		out = append(out,
			"check that joins use indexed keys",
			"consider a materialized view for complex joins")
	}
	if len(p.OrderColumns) > 0 {
		out = append(out, "check indexes for ORDER BY columns")
	}
	if p.Like {
		out = append(out, "LIKE with wildcards can be slow, use a suitable index")
	}
	return out
}

// PerformanceStats aggregates the history inside r. Buffered records are
// flushed first so the result reflects every logged query.
func (qa *QueryAnalytics) PerformanceStats(r TimeRange) PerformanceStats {
	qa.mu.Lock()
	defer qa.mu.Unlock()
	qa.flushLocked()

	stats := PerformanceStats{
		QueryDistribution: make(map[string]int),
	}
	var hits, errs int
	for _, m := range qa.history {
		if !r.Contains(m.Timestamp) {
			continue
		}
		stats.TotalQueries++
		stats.TotalDuration += m.Duration
		stats.QueryDistribution[m.Table]++
		if m.CacheHit {
			hits++
		}
		if m.Status == StatusError {
			errs++
		}
	}

	if stats.TotalQueries > 0 {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.TotalQueries)
	}
	stats.CacheHitRate = ratio(hits, stats.TotalQueries)
	stats.ErrorRate = ratio(errs, stats.TotalQueries)

	slow := qa.detectSlowLocked()
	if len(slow) > 10 {
		slow = slow[:10]
	}
	stats.SlowestQueries = slow
	stats.PerformanceTrends = qa.trendsLocked(r)
	return stats
}

const trendInterval = 15 * time.Minute

func (qa *QueryAnalytics) trendsLocked(r TimeRange) []TrendPoint {
	start, end := r.Start, r.End
	if end.IsZero() {
		end = qa.now()
	}
	if start.IsZero() {
		if len(qa.history) == 0 {
			return nil
		}
		start = qa.history[0].Timestamp
	}

	var trends []TrendPoint
	for ts := start; !ts.After(end); ts = ts.Add(trendInterval) {
		next := ts.Add(trendInterval)
		var count int
		var total time.Duration
		for _, m := range qa.history {
			if !m.Timestamp.Before(ts) && m.Timestamp.Before(next) {
				count++
				total += m.Duration
			}
		}
		point := TrendPoint{Timestamp: ts, QueryCount: count}
		if count > 0 {
			point.AverageDuration = total / time.Duration(count)
		}
		trends = append(trends, point)
	}
	return trends
}

// GenerateOptimizations recommends indexes for frequently filtered columns
// and statistics refreshes for ordered columns.
func (qa *QueryAnalytics) GenerateOptimizations() []QueryOptimization {
	qa.mu.Lock()
	defer qa.mu.Unlock()

	var out []QueryOptimization
	for _, p := range qa.patterns {
		if p.Count > 100 {
			for col := range p.FilterColumns {
				priority := PriorityLow
				if p.Count > 500 {
					priority = PriorityHigh
				} else if p.Count > 200 {
					priority = PriorityMedium
				}
				improvement := float64(p.Count) / 1000
				if improvement > 0.8 {
					improvement = 0.8
				}
				out = append(out, QueryOptimization{
					Table:                p.Table,
					Column:               col,
					Type:                 "index",
					Reason:               fmt.Sprintf("column filtered frequently (%d times)", p.Count),
					EstimatedImprovement: improvement,
					Priority:             priority,
				})
			}
		}
		for col := range p.OrderColumns {
			out = append(out, QueryOptimization{
				Table:                p.Table,
				Column:               col,
				Type:                 "statistics",
				Reason:               "column used in ORDER BY, refresh statistics",
				EstimatedImprovement: 0.2,
				Priority:             PriorityMedium,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EstimatedImprovement != out[j].EstimatedImprovement {
			return out[i].EstimatedImprovement > out[j].EstimatedImprovement
		}
		return out[i].Table+out[i].Column < out[j].Table+out[j].Column
	})
	return out
}

// Dashboard summarizes the last hour.
func (qa *QueryAnalytics) Dashboard() QueryDashboard {
	qa.mu.Lock()
	defer qa.mu.Unlock()
	qa.flushLocked()

	now := qa.now()
	hourAgo := now.Add(-time.Hour)

	var recent []QueryMetric
	for _, m := range qa.history {
		if m.Timestamp.After(hourAgo) {
			recent = append(recent, m)
		}
	}

	var total time.Duration
	var hits, errs int
	tables := make(map[string]*TableStats)
	for _, m := range recent {
		total += m.Duration
		if m.CacheHit {
			hits++
		}
		if m.Status == StatusError {
			errs++
		}
		ts, ok := tables[m.Table]
		if !ok {
			ts = &TableStats{Table: m.Table}
			tables[m.Table] = ts
		}
		ts.QueryCount++
		ts.AvgDuration += m.Duration
	}

	overview := QueryOverview{
		TotalQueries: len(recent),
		CacheHitRate: ratio(hits, len(recent)),
		ErrorRate:    ratio(errs, len(recent)),
		Uptime:       100,
	}
	if len(recent) > 0 {
		overview.AverageResponseTime = total / time.Duration(len(recent))
		overview.Uptime = 100 - overview.ErrorRate*100
	}

	top := make([]TableStats, 0, len(tables))
	for _, ts := range tables {
		ts.AvgDuration /= time.Duration(ts.QueryCount)
		top = append(top, *ts)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].QueryCount != top[j].QueryCount {
			return top[i].QueryCount > top[j].QueryCount
		}
		return top[i].Table < top[j].Table
	})
	if len(top) > 10 {
		top = top[:10]
	}

	slow := qa.detectSlowLocked()
	recentSlow := make([]SlowQuery, 0, 5)
	for _, s := range slow {
		if s.LastSeen.After(hourAgo) && len(recentSlow) < 5 {
			recentSlow = append(recentSlow, s)
		}
	}

	return QueryDashboard{
		Overview:          overview,
		TopTables:         top,
		RecentSlowQueries: recentSlow,
		Alerts:            qa.alertsLocked(now, slow),
	}
}

func (qa *QueryAnalytics) alertsLocked(now time.Time, slow []SlowQuery) []Alert {
	th := qa.config.Alerts
	alerts := make([]Alert, 0)

	var errs, recent, hits int
	for _, m := range qa.history {
		if m.Timestamp.After(now.Add(-th.ErrorWindow)) && m.Status == StatusError {
			errs++
		}
		if m.Timestamp.After(now.Add(-th.HitRateWindow)) {
			recent++
			if m.CacheHit {
				hits++
			}
		}
	}

	if errs > th.ErrorCount {
		alerts = append(alerts, Alert{
			Level:     LevelWarning,
			Message:   fmt.Sprintf("high error rate: %d errors in %s", errs, th.ErrorWindow),
			Metric:    "errors",
			Value:     float64(errs),
			Threshold: float64(th.ErrorCount),
			Timestamp: now,
		})
	}
	if recent > 0 {
		if rate := ratio(hits, recent); rate < th.HitRate {
			alerts = append(alerts, Alert{
				Level:     LevelInfo,
				Message:   fmt.Sprintf("low cache hit rate: %.1f%%", rate*100),
				Metric:    "cache_hit_rate",
				Value:     rate,
				Threshold: th.HitRate,
				Timestamp: now,
			})
		}
	}

	if slowCount := len(slow); slowCount > th.SlowQueries {
		alerts = append(alerts, Alert{
			Level:     LevelWarning,
			Message:   fmt.Sprintf("%d slow queries detected", slowCount),
			Metric:    "slow_queries",
			Value:     float64(slowCount),
			Threshold: float64(th.SlowQueries),
			Timestamp: now,
		})
	}
	return alerts
}

// ExportMetrics serializes the history as "json" or "csv".
func (qa *QueryAnalytics) ExportMetrics(format string) ([]byte, error) {
	qa.mu.Lock()
	defer qa.mu.Unlock()
	qa.flushLocked()

	switch format {
	case "", FormatJSON:
		return json.MarshalIndent(struct {
			Metrics         []QueryMetric            `json:"metrics"`
			QueryPatterns   map[string]*queryPattern `json:"query_patterns"`
			ExportTimestamp time.Time                `json:"export_timestamp"`
			Version         string                   `json:"version"`
		}{qa.history, qa.patterns, qa.now(), exportVersion}, "", "  ")
	case FormatCSV:
		return qa.csvLocked()
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func (qa *QueryAnalytics) csvLocked() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{
		"queryId", "table", "queryType", "duration", "cacheHit",
		"cacheStrategy", "rowsAffected", "timestamp", "status", "error",
	})
	for _, m := range qa.history {
		_ = w.Write([]string{
			m.ID,
			m.Table,
			m.Type,
			strconv.FormatFloat(toMillis(m.Duration), 'f', -1, 64),
			strconv.FormatBool(m.CacheHit),
			m.CacheStrategy,
			strconv.Itoa(m.RowsAffected),
			strconv.FormatInt(m.Timestamp.UnixMilli(), 10),
			string(m.Status),
			m.Error,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// CleanOldMetrics drops history and patterns older than maxAge (7 days when
// maxAge is not positive) and returns the number of metrics removed.
func (qa *QueryAnalytics) CleanOldMetrics(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	qa.mu.Lock()
	defer qa.mu.Unlock()
	qa.flushLocked()

	cutoff := qa.now().Add(-maxAge)
	kept := qa.history[:0]
	for _, m := range qa.history {
		if m.Timestamp.After(cutoff) {
			kept = append(kept, m)
		}
	}
	removed := len(qa.history) - len(kept)
	qa.history = kept

	for key, p := range qa.patterns {
		if p.LastUsed.Before(cutoff) {
			delete(qa.patterns, key)
		}
	}

	qa.logger.Debug("Cleaned old query metrics", zap.Int("removed", removed))
	return removed
}

// Len returns the number of records held, buffered ones included.
func (qa *QueryAnalytics) Len() int {
	qa.mu.Lock()
	defer qa.mu.Unlock()
	return len(qa.history) + len(qa.buffer)
}
