package analytics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType distinguishes plain accesses from maintenance events.
type EventType string

const (
	EventAccess       EventType = "access"
	EventInvalidation EventType = "invalidation"
	EventCleanup      EventType = "cleanup"
)

// CacheAccess is one cache telemetry record. Only EventAccess records count
// toward request, hit and latency aggregates.
type CacheAccess struct {
	Key       string        `json:"key"`
	Strategy  string        `json:"strategy"`
	Source    string        `json:"source"`
	Hit       bool          `json:"hit"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Size      int64         `json:"size"`
	TTL       time.Duration `json:"ttl"`
	Event     EventType     `json:"event"`
	Pattern   string        `json:"pattern,omitempty"`
	Count     int           `json:"count,omitempty"`
	Freed     int64         `json:"freed,omitempty"`
}

// StrategyStats breaks requests down by strategy.
type StrategyStats struct {
	Requests int     `json:"requests"`
	Hits     int     `json:"hits"`
	HitRate  float64 `json:"hit_rate"`
}

// KeyStats describes one frequently accessed key.
type KeyStats struct {
	Key          string    `json:"key"`
	Hits         int       `json:"hits"`
	LastAccessed time.Time `json:"last_accessed"`
}

// CacheStats aggregates cache history.
type CacheStats struct {
	TotalRequests       int                      `json:"total_requests"`
	Hits                int                      `json:"hits"`
	Misses              int                      `json:"misses"`
	HitRate             float64                  `json:"hit_rate"`
	AverageResponseTime time.Duration            `json:"average_response_time"`
	TotalSize           int64                    `json:"total_size"`
	EntryCount          int                      `json:"entry_count"`
	StrategyBreakdown   map[string]StrategyStats `json:"strategy_breakdown"`
	TopKeys             []KeyStats               `json:"top_keys"`
	InvalidationEvents  int                      `json:"invalidation_events"`
	CleanupEvents       int                      `json:"cleanup_events"`
}

// CacheOptimization is a tuning recommendation.
type CacheOptimization struct {
	Type                 string   `json:"type"`
	Description          string   `json:"description"`
	Impact               Impact   `json:"impact"`
	EstimatedImprovement float64  `json:"estimated_improvement"`
	Implementation       string   `json:"implementation"`
	Priority             Priority `json:"priority"`
}

// HourStats is one hour-of-day bucket.
type HourStats struct {
	Hour         int     `json:"hour"`
	RequestCount int     `json:"request_count"`
	HitRate      float64 `json:"hit_rate"`
}

// KeyPattern groups hits by key prefix.
type KeyPattern struct {
	Key       string `json:"key"`
	Pattern   string `json:"pattern"`
	Frequency int    `json:"frequency"`
}

// Efficiency reports hit rates overall and per dimension.
type Efficiency struct {
	Overall    float64            `json:"overall"`
	ByStrategy map[string]float64 `json:"by_strategy"`
	ByKey      map[string]float64 `json:"by_key"`
}

// AccessPatterns is the result of AnalyzeAccessPatterns.
type AccessPatterns struct {
	PeakHours   []HourStats  `json:"peak_hours"`
	PopularKeys []KeyPattern `json:"popular_keys"`
	Efficiency  Efficiency   `json:"cache_efficiency"`
}

// CacheOverview is the headline block of the cache dashboard.
type CacheOverview struct {
	TotalRequests    int           `json:"total_requests"`
	HitRate          float64       `json:"hit_rate"`
	AvgResponseTime  time.Duration `json:"avg_response_time"`
	ActiveStrategies int           `json:"active_strategies"`
	Efficiency       string        `json:"cache_efficiency"`
}

// CacheTrendPoint is one 15-minute bucket of the cache dashboard.
type CacheTrendPoint struct {
	Timestamp    time.Time     `json:"timestamp"`
	HitRate      float64       `json:"hit_rate"`
	ResponseTime time.Duration `json:"response_time"`
	RequestCount int           `json:"request_count"`
}

// StrategyPerformance is one row of the cache dashboard's top performers.
type StrategyPerformance struct {
	Strategy string  `json:"strategy"`
	HitRate  float64 `json:"hit_rate"`
	Requests int     `json:"requests"`
}

// CacheDashboard summarizes recent cache behavior.
type CacheDashboard struct {
	Overview        CacheOverview         `json:"overview"`
	TopPerformers   []StrategyPerformance `json:"top_performers"`
	RecentAlerts    []Alert               `json:"recent_alerts"`
	Recommendations []CacheOptimization   `json:"recommendations"`
	Trends          []CacheTrendPoint     `json:"trends"`
}

// CacheConfig configures CacheAnalytics.
type CacheConfig struct {
	MaxHistory int
	BufferSize int
	// MaxKeys bounds the per-key access table; the least recently accessed
	// keys are dropped first.
	MaxKeys    int
	Thresholds CacheThresholds
}

// CacheThresholds drive DetectPerformanceIssues. Zero fields take the defaults.
type CacheThresholds struct {
	HitRateWarning      float64
	HitRateCritical     float64
	ResponseTimeWarning time.Duration
	ResponseTimeError   time.Duration
	StrategyMisses      int
	HotKeyHits          int
}

// DefaultCacheConfig returns a 5000 record history flushed every 50 records.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxHistory: 5000,
		BufferSize: 50,
		MaxKeys:    10000,
		Thresholds: CacheThresholds{
			HitRateWarning:      0.5,
			HitRateCritical:     0.3,
			ResponseTimeWarning: 100 * time.Millisecond,
			ResponseTimeError:   500 * time.Millisecond,
			StrategyMisses:      100,
			HotKeyHits:          1000,
		},
	}
}

const maxAlerts = 100

type keyHistory struct {
	Hits          int           `json:"hits"`
	LastAccessed  time.Time     `json:"last_accessed"`
	TotalDuration time.Duration `json:"total_duration"`
}

// CacheAnalytics buffers cache access records and aggregates them on read.
type CacheAnalytics struct {
	config  CacheConfig
	logger  *zap.Logger
	sink    Sink
	now     func() time.Time
	mu      sync.Mutex
	history []CacheAccess
	buffer  []CacheAccess
	keys    map[string]*keyHistory
	alerts  []Alert
}

// NewCacheAnalytics creates a collector. sink may be nil.
func NewCacheAnalytics(config CacheConfig, sink Sink, logger *zap.Logger) *CacheAnalytics {
	defaults := DefaultCacheConfig()
	if config.MaxHistory <= 0 {
		config.MaxHistory = defaults.MaxHistory
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = defaults.MaxKeys
	}
	th, def := &config.Thresholds, defaults.Thresholds
	if th.HitRateWarning <= 0 {
		th.HitRateWarning = def.HitRateWarning
	}
	if th.HitRateCritical <= 0 {
		th.HitRateCritical = def.HitRateCritical
	}
	if th.ResponseTimeWarning <= 0 {
		th.ResponseTimeWarning = def.ResponseTimeWarning
	}
	if th.ResponseTimeError <= 0 {
		th.ResponseTimeError = def.ResponseTimeError
	}
	if th.StrategyMisses <= 0 {
		th.StrategyMisses = def.StrategyMisses
	}
	if th.HotKeyHits <= 0 {
		th.HotKeyHits = def.HotKeyHits
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CacheAnalytics{
		config: config,
		logger: logger,
		sink:   sink,
		now:    time.Now,
		keys:   make(map[string]*keyHistory),
	}
}

// LogCacheAccess records one get.
func (ca *CacheAnalytics) LogCacheAccess(a CacheAccess) {
	if a.Timestamp.IsZero() {
		a.Timestamp = ca.now()
	}
	if a.Event == "" {
		a.Event = EventAccess
	}

	ca.mu.Lock()
	ca.appendLocked(a)
	if a.Event == EventAccess {
		kh, ok := ca.keys[a.Key]
		if !ok {
			if len(ca.keys) >= ca.config.MaxKeys {
				ca.evictKeysLocked()
			}
			kh = &keyHistory{}
			ca.keys[a.Key] = kh
		}
		if a.Hit {
			kh.Hits++
		}
		kh.LastAccessed = a.Timestamp
		kh.TotalDuration += a.Duration
	}
	ca.mu.Unlock()

	if ca.sink != nil {
		ca.sink.ObserveCacheAccess(a)
	}
}

// evictKeysLocked drops the least recently accessed quarter of the key table.
func (ca *CacheAnalytics) evictKeysLocked() {
	type aged struct {
		key  string
		last time.Time
	}
	all := make([]aged, 0, len(ca.keys))
	for k, kh := range ca.keys {
		all = append(all, aged{k, kh.LastAccessed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })

	n := len(all)/4 + 1
	for _, a := range all[:n] {
		delete(ca.keys, a.key)
	}
}

// LogInvalidation records a pattern invalidation that removed count entries.
func (ca *CacheAnalytics) LogInvalidation(pattern, strategy string, count int) {
	ca.LogCacheAccess(CacheAccess{
		Key:      "invalidation:" + pattern,
		Strategy: strategy,
		Event:    EventInvalidation,
		Pattern:  pattern,
		Count:    count,
	})
}

// LogCleanup records an expiry sweep.
func (ca *CacheAnalytics) LogCleanup(strategy string, removed int, freed int64) {
	ca.LogCacheAccess(CacheAccess{
		Key:      "cleanup:" + strategy,
		Strategy: strategy,
		Event:    EventCleanup,
		Count:    removed,
		Freed:    freed,
	})
}

func (ca *CacheAnalytics) appendLocked(a CacheAccess) {
	ca.buffer = append(ca.buffer, a)
	if len(ca.buffer) >= ca.config.BufferSize {
		ca.flushLocked()
	}
}

// Flush moves buffered records into the history.
func (ca *CacheAnalytics) Flush() {
	ca.mu.Lock()
	ca.flushLocked()
	ca.mu.Unlock()
}

func (ca *CacheAnalytics) flushLocked() {
	if len(ca.buffer) == 0 {
		return
	}
	ca.history = append(ca.history, ca.buffer...)
	ca.buffer = ca.buffer[:0]

	if over := len(ca.history) - ca.config.MaxHistory; over > 0 {
		ca.history = append([]CacheAccess(nil), ca.history[over:]...)
	}
}

// Stats aggregates history for strategy ("" for all) inside r.
func (ca *CacheAnalytics) Stats(strategy string, r TimeRange) CacheStats {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.flushLocked()
	return ca.statsLocked(strategy, r)
}

func (ca *CacheAnalytics) statsLocked(strategy string, r TimeRange) CacheStats {
	stats := CacheStats{
		StrategyBreakdown: make(map[string]StrategyStats),
	}
	var total time.Duration
	entries := make(map[string]struct{})

	for _, a := range ca.history {
		if strategy != "" && a.Strategy != strategy {
			continue
		}
		if !r.Contains(a.Timestamp) {
			continue
		}
		switch a.Event {
		case EventInvalidation:
			stats.InvalidationEvents++
			continue
		case EventCleanup:
			stats.CleanupEvents++
			continue
		}

		stats.TotalRequests++
		total += a.Duration
		entries[a.Key] = struct{}{}

		bd := stats.StrategyBreakdown[a.Strategy]
		bd.Requests++
		if a.Hit {
			stats.Hits++
			stats.TotalSize += a.Size
			bd.Hits++
		}
		stats.StrategyBreakdown[a.Strategy] = bd
	}

	stats.Misses = stats.TotalRequests - stats.Hits
	stats.HitRate = ratio(stats.Hits, stats.TotalRequests)
	stats.EntryCount = len(entries)
	if stats.TotalRequests > 0 {
		stats.AverageResponseTime = total / time.Duration(stats.TotalRequests)
	}
	for name, bd := range stats.StrategyBreakdown {
		bd.HitRate = ratio(bd.Hits, bd.Requests)
		stats.StrategyBreakdown[name] = bd
	}

	stats.TopKeys = make([]KeyStats, 0, len(ca.keys))
	for key, kh := range ca.keys {
		stats.TopKeys = append(stats.TopKeys, KeyStats{Key: key, Hits: kh.Hits, LastAccessed: kh.LastAccessed})
	}
	sort.Slice(stats.TopKeys, func(i, j int) bool {
		if stats.TopKeys[i].Hits != stats.TopKeys[j].Hits {
			return stats.TopKeys[i].Hits > stats.TopKeys[j].Hits
		}
		return stats.TopKeys[i].Key < stats.TopKeys[j].Key
	})
	if len(stats.TopKeys) > 20 {
		stats.TopKeys = stats.TopKeys[:20]
	}

	return stats
}

func (ca *CacheAnalytics) accessesSinceLocked(cutoff time.Time) []CacheAccess {
	var out []CacheAccess
	for _, a := range ca.history {
		if a.Event == EventAccess && a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// DetectPerformanceIssues evaluates the last hour against the hit-rate,
// response-time, per-strategy miss and hot-key rules.
func (ca *CacheAnalytics) DetectPerformanceIssues() []Alert {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.flushLocked()

	now := ca.now()
	recent := ca.accessesSinceLocked(now.Add(-time.Hour))
	alerts := make([]Alert, 0)
	if len(recent) == 0 {
		return alerts
	}

	var hits int
	var total time.Duration
	misses := make(map[string]int)
	keyHits := make(map[string]int)
	for _, a := range recent {
		total += a.Duration
		if a.Hit {
			hits++
			keyHits[a.Key]++
		} else {
			misses[a.Strategy]++
		}
	}

	th := ca.config.Thresholds
	hitRate := ratio(hits, len(recent))
	if hitRate < th.HitRateWarning {
		level := LevelWarning
		if hitRate < th.HitRateCritical {
			level = LevelCritical
		}
		alerts = append(alerts, Alert{
			Level:     level,
			Message:   fmt.Sprintf("cache hit rate too low: %.1f%%", hitRate*100),
			Metric:    "hitRate",
			Value:     hitRate,
			Threshold: th.HitRateWarning,
			Strategy:  "all",
			Timestamp: now,
		})
	}

	avg := total / time.Duration(len(recent))
	if avg > th.ResponseTimeWarning {
		level := LevelWarning
		if avg > th.ResponseTimeError {
			level = LevelError
		}
		alerts = append(alerts, Alert{
			Level:     level,
			Message:   fmt.Sprintf("cache response time high: %.1fms", toMillis(avg)),
			Metric:    "responseTime",
			Value:     toMillis(avg),
			Threshold: toMillis(th.ResponseTimeWarning),
			Strategy:  "all",
			Timestamp: now,
		})
	}

	for _, strategy := range sortedKeys(misses) {
		if n := misses[strategy]; n > th.StrategyMisses {
			alerts = append(alerts, Alert{
				Level:     LevelWarning,
				Message:   fmt.Sprintf("many misses on %s cache: %d in 1h", strategy, n),
				Metric:    "misses",
				Value:     float64(n),
				Threshold: float64(th.StrategyMisses),
				Strategy:  strategy,
				Timestamp: now,
			})
		}
	}

	for _, key := range sortedKeys(keyHits) {
		if n := keyHits[key]; n > th.HotKeyHits {
			alerts = append(alerts, Alert{
				Level:     LevelInfo,
				Message:   fmt.Sprintf("hot key: %s (%d hits in 1h)", key, n),
				Metric:    "keyAccess",
				Value:     float64(n),
				Threshold: float64(th.HotKeyHits),
				Strategy:  "all",
				Timestamp: now,
			})
		}
	}

	ca.alerts = append(ca.alerts, alerts...)
	if over := len(ca.alerts) - maxAlerts; over > 0 {
		ca.alerts = append([]Alert(nil), ca.alerts[over:]...)
	}
	return alerts
}

// GenerateOptimizations suggests TTL, sizing, prefetch and invalidation changes.
func (ca *CacheAnalytics) GenerateOptimizations() []CacheOptimization {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.flushLocked()
	return ca.optimizationsLocked()
}

func (ca *CacheAnalytics) optimizationsLocked() []CacheOptimization {
	stats := ca.statsLocked("", TimeRange{})
	out := make([]CacheOptimization, 0)

	if stats.TotalRequests > 0 && stats.HitRate < 0.7 {
		out = append(out, CacheOptimization{
			Type:                 "ttl_adjustment",
			Description:          "raise TTL to improve the hit rate",
			Impact:               ImpactHigh,
			EstimatedImprovement: 0.2,
			Implementation:       "increase TTL by 50% for frequently accessed keys",
			Priority:             PriorityHigh,
		})
	}

	if stats.TotalRequests > 1000 && stats.HitRate < 0.6 {
		out = append(out, CacheOptimization{
			Type:                 "memory_optimization",
			Description:          "grow the memory cache",
			Impact:               ImpactMedium,
			EstimatedImprovement: 0.15,
			Implementation:       "double the memory cache size",
			Priority:             PriorityMedium,
		})
	}

	var hot []string
	for _, k := range stats.TopKeys {
		if len(hot) == 5 {
			break
		}
		if k.Hits > 0 {
			hot = append(hot, k.Key)
		}
	}
	if len(hot) > 0 {
		out = append(out, CacheOptimization{
			Type:                 "prefetch",
			Description:          "prefetch the most accessed keys",
			Impact:               ImpactMedium,
			EstimatedImprovement: 0.1,
			Implementation:       "warm up: " + strings.Join(hot, ", "),
			Priority:             PriorityMedium,
		})
	}

	if stats.InvalidationEvents > 50 {
		out = append(out, CacheOptimization{
			Type:                 "eviction_strategy",
			Description:          "invalidate more selectively",
			Impact:               ImpactHigh,
			EstimatedImprovement: 0.25,
			Implementation:       "use narrower invalidation patterns instead of clearing",
			Priority:             PriorityHigh,
		})
	}

	if hybrid, ok := stats.StrategyBreakdown["hybrid"]; ok && hybrid.HitRate < 0.8 {
		out = append(out, CacheOptimization{
			Type:                 "memory_optimization",
			Description:          "tune synchronization between L1 and L2",
			Impact:               ImpactMedium,
			EstimatedImprovement: 0.12,
			Implementation:       "adjust the sync interval and grow L1",
			Priority:             PriorityMedium,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EstimatedImprovement > out[j].EstimatedImprovement
	})
	return out
}

// AnalyzeAccessPatterns reports peak hours, popular key prefixes and
// efficiency over the last day.
func (ca *CacheAnalytics) AnalyzeAccessPatterns() AccessPatterns {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.flushLocked()

	daily := ca.accessesSinceLocked(ca.now().Add(-24 * time.Hour))

	type counter struct{ requests, hits int }
	hours := make(map[int]*counter)
	strategies := make(map[string]*counter)
	keys := make(map[string]*counter)
	type patternCount struct {
		count   int
		example string
	}
	patterns := make(map[string]*patternCount)

	bump := func(m map[string]*counter, k string, hit bool) {
		c, ok := m[k]
		if !ok {
			c = &counter{}
			m[k] = c
		}
		c.requests++
		if hit {
			c.hits++
		}
	}

	var hits int
	for _, a := range daily {
		h := a.Timestamp.Hour()
		hc, ok := hours[h]
		if !ok {
			hc = &counter{}
			hours[h] = hc
		}
		hc.requests++
		if a.Hit {
			hc.hits++
			hits++
			p := keyPattern(a.Key)
			pc, ok := patterns[p]
			if !ok {
				pc = &patternCount{example: a.Key}
				patterns[p] = pc
			}
			pc.count++
		}
		bump(strategies, a.Strategy, a.Hit)
		bump(keys, a.Key, a.Hit)
	}

	result := AccessPatterns{
		PeakHours:   make([]HourStats, 0, len(hours)),
		PopularKeys: make([]KeyPattern, 0, len(patterns)),
		Efficiency: Efficiency{
			Overall:    ratio(hits, len(daily)),
			ByStrategy: make(map[string]float64, len(strategies)),
			ByKey:      make(map[string]float64, len(keys)),
		},
	}

	for h, c := range hours {
		result.PeakHours = append(result.PeakHours, HourStats{Hour: h, RequestCount: c.requests, HitRate: ratio(c.hits, c.requests)})
	}
	sort.Slice(result.PeakHours, func(i, j int) bool {
		if result.PeakHours[i].RequestCount != result.PeakHours[j].RequestCount {
			return result.PeakHours[i].RequestCount > result.PeakHours[j].RequestCount
		}
		return result.PeakHours[i].Hour < result.PeakHours[j].Hour
	})

	for p, pc := range patterns {
		result.PopularKeys = append(result.PopularKeys, KeyPattern{Key: pc.example, Pattern: p, Frequency: pc.count})
	}
	sort.Slice(result.PopularKeys, func(i, j int) bool {
		if result.PopularKeys[i].Frequency != result.PopularKeys[j].Frequency {
			return result.PopularKeys[i].Frequency > result.PopularKeys[j].Frequency
		}
		return result.PopularKeys[i].Pattern < result.PopularKeys[j].Pattern
	})
	if len(result.PopularKeys) > 10 {
		result.PopularKeys = result.PopularKeys[:10]
	}

	for s, c := range strategies {
		result.Efficiency.ByStrategy[s] = ratio(c.hits, c.requests)
	}
	for k, c := range keys {
		result.Efficiency.ByKey[k] = ratio(c.hits, c.requests)
	}
	return result
}

// keyPattern strips the last ":"-separated segment, which is usually an id.
func keyPattern(key string) string {
	if i := strings.LastIndex(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}

// Dashboard summarizes the last hour with two hours of 15-minute trends.
func (ca *CacheAnalytics) Dashboard() CacheDashboard {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.flushLocked()

	now := ca.now()
	hourAgo := now.Add(-time.Hour)
	recent := ca.accessesSinceLocked(hourAgo)

	var hits int
	var total time.Duration
	type counter struct{ requests, hits int }
	strategies := make(map[string]*counter)
	for _, a := range recent {
		total += a.Duration
		c, ok := strategies[a.Strategy]
		if !ok {
			c = &counter{}
			strategies[a.Strategy] = c
		}
		c.requests++
		if a.Hit {
			hits++
			c.hits++
		}
	}

	overview := CacheOverview{
		TotalRequests:    len(recent),
		HitRate:          ratio(hits, len(recent)),
		ActiveStrategies: len(strategies),
	}
	if len(recent) > 0 {
		overview.AvgResponseTime = total / time.Duration(len(recent))
	}
	switch {
	case overview.HitRate > 0.8:
		overview.Efficiency = "excellent"
	case overview.HitRate > 0.6:
		overview.Efficiency = "good"
	case overview.HitRate > 0.4:
		overview.Efficiency = "fair"
	default:
		overview.Efficiency = "poor"
	}

	performers := make([]StrategyPerformance, 0, len(strategies))
	for s, c := range strategies {
		performers = append(performers, StrategyPerformance{Strategy: s, HitRate: ratio(c.hits, c.requests), Requests: c.requests})
	}
	sort.Slice(performers, func(i, j int) bool {
		if performers[i].HitRate != performers[j].HitRate {
			return performers[i].HitRate > performers[j].HitRate
		}
		return performers[i].Strategy < performers[j].Strategy
	})

	recentAlerts := make([]Alert, 0, 5)
	for i := len(ca.alerts) - 1; i >= 0 && len(recentAlerts) < 5; i-- {
		if ca.alerts[i].Timestamp.After(hourAgo) {
			recentAlerts = append(recentAlerts, ca.alerts[i])
		}
	}

	recs := ca.optimizationsLocked()
	if len(recs) > 3 {
		recs = recs[:3]
	}

	trends := make([]CacheTrendPoint, 0, 9)
	for ts := now.Add(-2 * time.Hour); !ts.After(now); ts = ts.Add(trendInterval) {
		next := ts.Add(trendInterval)
		var n, h int
		var d time.Duration
		for _, a := range recent {
			if !a.Timestamp.Before(ts) && a.Timestamp.Before(next) {
				n++
				d += a.Duration
				if a.Hit {
					h++
				}
			}
		}
		point := CacheTrendPoint{Timestamp: ts, HitRate: ratio(h, n), RequestCount: n}
		if n > 0 {
			point.ResponseTime = d / time.Duration(n)
		}
		trends = append(trends, point)
	}

	return CacheDashboard{
		Overview:        overview,
		TopPerformers:   performers,
		RecentAlerts:    recentAlerts,
		Recommendations: recs,
		Trends:          trends,
	}
}

// Export serializes the history as "json" or "csv".
func (ca *CacheAnalytics) Export(format string) ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.flushLocked()

	switch format {
	case "", FormatJSON:
		return json.MarshalIndent(struct {
			Metrics         []CacheAccess          `json:"metrics"`
			Alerts          []Alert                `json:"alerts"`
			KeyHistory      map[string]*keyHistory `json:"key_history"`
			ExportTimestamp time.Time              `json:"export_timestamp"`
			Version         string                 `json:"version"`
		}{ca.history, ca.alerts, ca.keys, ca.now(), exportVersion}, "", "  ")
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"key", "strategy", "source", "hit", "duration", "timestamp", "size", "ttl"})
		for _, a := range ca.history {
			_ = w.Write([]string{
				a.Key,
				a.Strategy,
				a.Source,
				strconv.FormatBool(a.Hit),
				strconv.FormatFloat(toMillis(a.Duration), 'f', -1, 64),
				strconv.FormatInt(a.Timestamp.UnixMilli(), 10),
				strconv.FormatInt(a.Size, 10),
				strconv.FormatFloat(toMillis(a.TTL), 'f', -1, 64),
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("failed to write csv: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// CleanOldMetrics drops records older than maxAge and returns how many were removed.
func (ca *CacheAnalytics) CleanOldMetrics(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.flushLocked()

	cutoff := ca.now().Add(-maxAge)
	kept := ca.history[:0]
	for _, a := range ca.history {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	removed := len(ca.history) - len(kept)
	ca.history = kept

	for key, kh := range ca.keys {
		if kh.LastAccessed.Before(cutoff) {
			delete(ca.keys, key)
		}
	}

	ca.logger.Debug("Cleaned old cache metrics", zap.Int("removed", removed))
	return removed
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
