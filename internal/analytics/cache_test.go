package analytics

import (
	"encoding/csv"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheAnalytics_Stats(t *testing.T) {
	sink := &recordingSink{}
	ca := NewCacheAnalytics(DefaultCacheConfig(), sink, nil)

	ca.LogCacheAccess(CacheAccess{Key: "contracts:1", Strategy: "hybrid", Source: "memory", Hit: true, Duration: 2 * time.Millisecond, Size: 100})
	ca.LogCacheAccess(CacheAccess{Key: "contracts:1", Strategy: "hybrid", Source: "memory", Hit: true, Duration: 4 * time.Millisecond, Size: 100})
	ca.LogCacheAccess(CacheAccess{Key: "contracts:2", Strategy: "hybrid", Source: "miss", Duration: 6 * time.Millisecond})
	ca.LogCacheAccess(CacheAccess{Key: "users:1", Strategy: "memory", Source: "miss", Duration: 4 * time.Millisecond})
	ca.LogInvalidation("contracts:*", "hybrid", 2)
	ca.LogCleanup("memory", 3, 1024)

	stats := ca.Stats("", TimeRange{})
	assert.Equal(t, 4, stats.TotalRequests)
	assert.Equal(t, 2, stats.Hits)
	assert.Equal(t, 2, stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, 4*time.Millisecond, stats.AverageResponseTime)
	assert.Equal(t, int64(200), stats.TotalSize)
	assert.Equal(t, 3, stats.EntryCount)
	assert.Equal(t, 1, stats.InvalidationEvents)
	assert.Equal(t, 1, stats.CleanupEvents)
	assert.Equal(t, StrategyStats{Requests: 3, Hits: 2, HitRate: 2.0 / 3}, stats.StrategyBreakdown["hybrid"])
	require.NotEmpty(t, stats.TopKeys)
	assert.Equal(t, "contracts:1", stats.TopKeys[0].Key)
	assert.Equal(t, 2, stats.TopKeys[0].Hits)

	hybrid := ca.Stats("hybrid", TimeRange{})
	assert.Equal(t, 3, hybrid.TotalRequests)

	assert.Len(t, sink.access, 6)
}

func TestCacheAnalytics_BufferFlush(t *testing.T) {
	ca := NewCacheAnalytics(CacheConfig{BufferSize: 3, MaxHistory: 4}, nil, nil)

	for i := 0; i < 2; i++ {
		ca.LogCacheAccess(CacheAccess{Key: "k"})
	}
	ca.mu.Lock()
	assert.Empty(t, ca.history)
	ca.mu.Unlock()

	for i := 0; i < 4; i++ {
		ca.LogCacheAccess(CacheAccess{Key: fmt.Sprintf("k%d", i)})
	}
	ca.Flush()

	ca.mu.Lock()
	defer ca.mu.Unlock()
	require.Len(t, ca.history, 4)
	assert.Equal(t, "k3", ca.history[3].Key)
}

func TestCacheAnalytics_DetectPerformanceIssues(t *testing.T) {
	tests := []struct {
		name      string
		hits      int
		misses    int
		duration  time.Duration
		wantLevel map[string]Level
	}{
		{
			name:      "healthy",
			hits:      9,
			misses:    1,
			duration:  time.Millisecond,
			wantLevel: map[string]Level{},
		},
		{
			name:      "low hit rate warning",
			hits:      4,
			misses:    6,
			duration:  time.Millisecond,
			wantLevel: map[string]Level{"hitRate": LevelWarning},
		},
		{
			name:      "critical hit rate and slow",
			hits:      1,
			misses:    9,
			duration:  200 * time.Millisecond,
			wantLevel: map[string]Level{"hitRate": LevelCritical, "responseTime": LevelWarning},
		},
		{
			name:      "very slow",
			hits:      10,
			duration:  600 * time.Millisecond,
			wantLevel: map[string]Level{"responseTime": LevelError},
		},
		{
			name:      "many misses on one strategy",
			hits:      200,
			misses:    101,
			duration:  time.Millisecond,
			wantLevel: map[string]Level{"misses": LevelWarning},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca := NewCacheAnalytics(DefaultCacheConfig(), nil, nil)
			for i := 0; i < tt.hits; i++ {
				ca.LogCacheAccess(CacheAccess{Key: fmt.Sprintf("h%d", i), Strategy: "memory", Hit: true, Duration: tt.duration})
			}
			for i := 0; i < tt.misses; i++ {
				ca.LogCacheAccess(CacheAccess{Key: fmt.Sprintf("m%d", i), Strategy: "memory", Duration: tt.duration})
			}

			got := map[string]Level{}
			for _, a := range ca.DetectPerformanceIssues() {
				got[a.Metric] = a.Level
			}
			assert.Equal(t, tt.wantLevel, got)
		})
	}
}

func TestCacheAnalytics_CustomThresholds(t *testing.T) {
	ca := NewCacheAnalytics(CacheConfig{
		Thresholds: CacheThresholds{
			HitRateWarning:      0.9,
			HitRateCritical:     0.7,
			ResponseTimeWarning: 5 * time.Millisecond,
		},
	}, nil, nil)
	assert.Equal(t, 500*time.Millisecond, ca.config.Thresholds.ResponseTimeError, "unset fields keep defaults")

	// 8 of 10 hits at 10ms passes the defaults but not these thresholds
	for i := 0; i < 10; i++ {
		ca.LogCacheAccess(CacheAccess{Key: fmt.Sprintf("k%d", i), Strategy: "memory", Hit: i < 8, Duration: 10 * time.Millisecond})
	}

	got := map[string]Alert{}
	for _, a := range ca.DetectPerformanceIssues() {
		got[a.Metric] = a
	}
	require.Contains(t, got, "hitRate")
	assert.Equal(t, LevelWarning, got["hitRate"].Level)
	assert.Equal(t, 0.9, got["hitRate"].Threshold)
	require.Contains(t, got, "responseTime")
	assert.Equal(t, LevelWarning, got["responseTime"].Level)
	assert.Equal(t, 5.0, got["responseTime"].Threshold)
}

func TestCacheAnalytics_KeyTableBounded(t *testing.T) {
	start := time.Now()
	ca := NewCacheAnalytics(CacheConfig{MaxKeys: 8}, nil, nil)
	for i := 0; i < 100; i++ {
		ca.LogCacheAccess(CacheAccess{Key: fmt.Sprintf("contracts:%d", i), Hit: true, Timestamp: start.Add(time.Duration(i) * time.Second)})
	}

	ca.mu.Lock()
	n := len(ca.keys)
	_, newest := ca.keys["contracts:99"]
	_, oldest := ca.keys["contracts:0"]
	ca.mu.Unlock()

	assert.LessOrEqual(t, n, 8)
	assert.True(t, newest)
	assert.False(t, oldest)
}

func TestCacheAnalytics_HotKey(t *testing.T) {
	ca := NewCacheAnalytics(CacheConfig{MaxHistory: 5000}, nil, nil)
	for i := 0; i < 1001; i++ {
		ca.LogCacheAccess(CacheAccess{Key: "contracts:hot", Strategy: "memory", Hit: true})
	}

	alerts := ca.DetectPerformanceIssues()
	require.Len(t, alerts, 1)
	assert.Equal(t, "keyAccess", alerts[0].Metric)
	assert.Equal(t, LevelInfo, alerts[0].Level)

	dash := ca.Dashboard()
	assert.Len(t, dash.RecentAlerts, 1)
	assert.Equal(t, "excellent", dash.Overview.Efficiency)
}

func TestCacheAnalytics_GenerateOptimizations(t *testing.T) {
	ca := NewCacheAnalytics(DefaultCacheConfig(), nil, nil)
	ca.LogCacheAccess(CacheAccess{Key: "contracts:1", Strategy: "hybrid", Hit: true})
	ca.LogCacheAccess(CacheAccess{Key: "contracts:2", Strategy: "hybrid"})
	for i := 0; i < 51; i++ {
		ca.LogInvalidation("contracts:*", "hybrid", 1)
	}

	var types []string
	for _, o := range ca.GenerateOptimizations() {
		types = append(types, o.Type)
	}
	assert.Equal(t, []string{"eviction_strategy", "ttl_adjustment", "memory_optimization", "prefetch"}, types)
}

func TestCacheAnalytics_AnalyzeAccessPatterns(t *testing.T) {
	now := time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)
	ca := NewCacheAnalytics(DefaultCacheConfig(), nil, nil)
	ca.now = fixedClock(now)

	ca.LogCacheAccess(CacheAccess{Key: "contracts:1", Strategy: "memory", Hit: true, Timestamp: now.Add(-time.Minute)})
	ca.LogCacheAccess(CacheAccess{Key: "contracts:2", Strategy: "memory", Hit: true, Timestamp: now.Add(-time.Minute)})
	ca.LogCacheAccess(CacheAccess{Key: "contracts:3", Strategy: "memory", Hit: true, Timestamp: now.Add(-time.Minute)})
	ca.LogCacheAccess(CacheAccess{Key: "users:1", Strategy: "remote", Hit: true, Timestamp: now.Add(-2 * time.Hour)})
	ca.LogCacheAccess(CacheAccess{Key: "users:2", Strategy: "remote", Timestamp: now.Add(-2 * time.Hour)})
	ca.LogCacheAccess(CacheAccess{Key: "ancient", Strategy: "remote", Hit: true, Timestamp: now.Add(-48 * time.Hour)})

	p := ca.AnalyzeAccessPatterns()
	require.Len(t, p.PeakHours, 2)
	assert.Equal(t, 14, p.PeakHours[0].Hour)
	assert.Equal(t, 3, p.PeakHours[0].RequestCount)

	require.NotEmpty(t, p.PopularKeys)
	assert.Equal(t, "contracts", p.PopularKeys[0].Pattern)
	assert.Equal(t, 3, p.PopularKeys[0].Frequency)

	assert.InDelta(t, 0.8, p.Efficiency.Overall, 1e-9)
	assert.InDelta(t, 1.0, p.Efficiency.ByStrategy["memory"], 1e-9)
	assert.InDelta(t, 0.5, p.Efficiency.ByStrategy["remote"], 1e-9)
	assert.NotContains(t, p.Efficiency.ByKey, "ancient")
}

func TestKeyPattern(t *testing.T) {
	assert.Equal(t, "contracts", keyPattern("contracts:1"))
	assert.Equal(t, "contracts:select:*", keyPattern("contracts:select:*:x"))
	assert.Equal(t, "plain", keyPattern("plain"))
}

func TestCacheAnalytics_Dashboard(t *testing.T) {
	now := time.Now()
	ca := NewCacheAnalytics(DefaultCacheConfig(), nil, nil)
	ca.now = fixedClock(now)

	ca.LogCacheAccess(CacheAccess{Key: "a", Strategy: "memory", Hit: true, Duration: 2 * time.Millisecond, Timestamp: now.Add(-time.Minute)})
	ca.LogCacheAccess(CacheAccess{Key: "b", Strategy: "remote", Duration: 4 * time.Millisecond, Timestamp: now.Add(-time.Minute)})

	dash := ca.Dashboard()
	assert.Equal(t, 2, dash.Overview.TotalRequests)
	assert.Equal(t, 2, dash.Overview.ActiveStrategies)
	assert.Equal(t, 3*time.Millisecond, dash.Overview.AvgResponseTime)
	assert.Equal(t, "fair", dash.Overview.Efficiency)
	require.Len(t, dash.TopPerformers, 2)
	assert.Equal(t, "memory", dash.TopPerformers[0].Strategy)
	assert.Len(t, dash.Trends, 9)
	assert.LessOrEqual(t, len(dash.Recommendations), 3)
}

func TestCacheAnalytics_ExportCSV(t *testing.T) {
	ca := NewCacheAnalytics(DefaultCacheConfig(), nil, nil)
	ca.LogCacheAccess(CacheAccess{Key: "k,1", Strategy: "memory", Source: "memory", Hit: true, Size: 42, TTL: time.Second})

	data, err := ca.Export(FormatCSV)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"k,1", "memory", "memory", "true", "0"}, records[1][:5])
	assert.Equal(t, "42", records[1][6])
	assert.Equal(t, "1000", records[1][7])

	_, err = ca.Export("yaml")
	assert.Error(t, err)
}

func TestCacheAnalytics_CleanOldMetrics(t *testing.T) {
	now := time.Now()
	ca := NewCacheAnalytics(DefaultCacheConfig(), nil, nil)
	ca.now = fixedClock(now)

	ca.LogCacheAccess(CacheAccess{Key: "old", Timestamp: now.Add(-10 * 24 * time.Hour)})
	ca.LogCacheAccess(CacheAccess{Key: "new", Timestamp: now})

	assert.Equal(t, 1, ca.CleanOldMetrics(7*24*time.Hour))
	stats := ca.Stats("", TimeRange{})
	assert.Equal(t, 1, stats.TotalRequests)
	for _, k := range stats.TopKeys {
		assert.NotEqual(t, "old", k.Key)
	}
}

func TestTimeRange_Contains(t *testing.T) {
	now := time.Now()
	r := TimeRange{Start: now.Add(-time.Minute), End: now}

	assert.True(t, r.Contains(now))
	assert.True(t, r.Contains(now.Add(-time.Minute)))
	assert.False(t, r.Contains(now.Add(time.Second)))
	assert.False(t, r.Contains(now.Add(-2*time.Minute)))
	assert.True(t, TimeRange{}.Contains(now))
}
