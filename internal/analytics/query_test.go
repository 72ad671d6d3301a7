package analytics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	queries []QueryMetric
	access  []CacheAccess
}

func (s *recordingSink) ObserveQuery(m QueryMetric) {
	s.mu.Lock()
	s.queries = append(s.queries, m)
	s.mu.Unlock()
}

func (s *recordingSink) ObserveCacheAccess(a CacheAccess) {
	s.mu.Lock()
	s.access = append(s.access, a)
	s.mu.Unlock()
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestQueryAnalytics_AverageAndTotal(t *testing.T) {
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)

	for i := 1; i <= 10; i++ {
		qa.LogQuery(QueryMetric{
			Table:    "contracts",
			Duration: time.Duration(i*10) * time.Millisecond,
		})
	}

	// fewer records than the buffer threshold: stats must still see all of them
	stats := qa.PerformanceStats(TimeRange{})
	assert.Equal(t, 10, stats.TotalQueries)
	assert.Equal(t, 550*time.Millisecond, stats.TotalDuration)
	assert.Equal(t, 55*time.Millisecond, stats.AverageDuration)
	assert.Equal(t, 10, stats.QueryDistribution["contracts"])
}

func TestQueryAnalytics_Defaults(t *testing.T) {
	sink := &recordingSink{}
	qa := NewQueryAnalytics(QueryConfig{}, sink, nil)
	qa.LogQuery(QueryMetric{})

	require.Len(t, sink.queries, 1)
	m := sink.queries[0]
	assert.True(t, strings.HasPrefix(m.ID, "q_"))
	assert.Equal(t, "unknown", m.Table)
	assert.Equal(t, "select", m.Type)
	assert.Equal(t, "none", m.CacheStrategy)
	assert.Equal(t, StatusSuccess, m.Status)
	assert.False(t, m.Timestamp.IsZero())
}

func TestQueryAnalytics_BufferFlushAndHistoryCap(t *testing.T) {
	qa := NewQueryAnalytics(QueryConfig{BufferSize: 5, MaxHistory: 8}, nil, nil)

	for i := 0; i < 4; i++ {
		qa.LogQuery(QueryMetric{Table: "users"})
	}
	qa.mu.Lock()
	assert.Len(t, qa.history, 0)
	assert.Len(t, qa.buffer, 4)
	qa.mu.Unlock()

	qa.LogQuery(QueryMetric{Table: "users"})
	qa.mu.Lock()
	assert.Len(t, qa.history, 5)
	assert.Len(t, qa.buffer, 0)
	qa.mu.Unlock()

	for i := 0; i < 10; i++ {
		qa.LogQuery(QueryMetric{ID: fmt.Sprintf("late-%d", i), Table: "users"})
	}
	qa.Flush()

	qa.mu.Lock()
	defer qa.mu.Unlock()
	require.Len(t, qa.history, 8)
	assert.Equal(t, "late-9", qa.history[7].ID)
}

func TestQueryAnalytics_RatesAndWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)
	qa.now = fixedClock(now)

	qa.LogQuery(QueryMetric{Table: "a", Status: StatusCacheHit, Timestamp: now.Add(-time.Minute)})
	qa.LogQuery(QueryMetric{Table: "a", Status: StatusError, Timestamp: now.Add(-2 * time.Minute)})
	qa.LogQuery(QueryMetric{Table: "b", Timestamp: now.Add(-3 * time.Minute)})
	qa.LogQuery(QueryMetric{Table: "b", Timestamp: now.Add(-3 * time.Minute)})
	qa.LogQuery(QueryMetric{Table: "old", Timestamp: now.Add(-3 * time.Hour)})

	stats := qa.PerformanceStats(Since(now, time.Hour))
	assert.Equal(t, 4, stats.TotalQueries)
	assert.InDelta(t, 0.25, stats.CacheHitRate, 1e-9)
	assert.InDelta(t, 0.25, stats.ErrorRate, 1e-9)
	assert.NotContains(t, stats.QueryDistribution, "old")
	assert.Len(t, stats.PerformanceTrends, 5)
}

func TestQueryAnalytics_DetectSlowQueries(t *testing.T) {
	now := time.Now()
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)
	qa.now = fixedClock(now)

	for i := 0; i < 20; i++ {
		qa.LogQuery(QueryMetric{
			Table:    "vistorias",
			Duration: 3 * time.Second,
			Shape:    QueryShape{SelectAll: true, OrderColumns: []string{"created_at"}},
		})
	}
	qa.LogQuery(QueryMetric{Table: "users", Duration: 10 * time.Millisecond})
	qa.LogQuery(QueryMetric{Table: "stale", Duration: 5 * time.Second, Timestamp: now.Add(-2 * time.Hour)})

	slow := qa.DetectSlowQueries()
	require.Len(t, slow, 1)
	assert.Equal(t, "select:vistorias", slow[0].Pattern)
	assert.Equal(t, 20, slow[0].Frequency)
	assert.Equal(t, ImpactHigh, slow[0].Impact) // 3s * 20 = 60
	assert.Contains(t, slow[0].Suggestions, "avoid SELECT *, list the needed columns")
	assert.Contains(t, slow[0].Suggestions, "check indexes for ORDER BY columns")
}

func TestCalculateImpact(t *testing.T) {
	tests := []struct {
		avg  time.Duration
		freq int
		want Impact
	}{
		{2 * time.Second, 1, ImpactLow},
		{2 * time.Second, 6, ImpactMedium},
		{2 * time.Second, 26, ImpactHigh},
		{2 * time.Second, 51, ImpactCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateImpact(tt.avg, tt.freq), "avg=%s freq=%d", tt.avg, tt.freq)
	}
}

func TestQueryAnalytics_GenerateOptimizations(t *testing.T) {
	qa := NewQueryAnalytics(QueryConfig{MaxHistory: 1000}, nil, nil)

	for i := 0; i < 600; i++ {
		qa.LogQuery(QueryMetric{Table: "contracts", Shape: QueryShape{FilterColumns: []string{"status"}}})
	}
	qa.LogQuery(QueryMetric{Table: "users", Shape: QueryShape{OrderColumns: []string{"name"}}})

	opts := qa.GenerateOptimizations()
	require.Len(t, opts, 2)
	assert.Equal(t, "index", opts[0].Type)
	assert.Equal(t, "status", opts[0].Column)
	assert.Equal(t, PriorityHigh, opts[0].Priority)
	assert.InDelta(t, 0.6, opts[0].EstimatedImprovement, 1e-9)
	assert.Equal(t, "statistics", opts[1].Type)
	assert.Equal(t, "users", opts[1].Table)
}

func TestQueryAnalytics_DashboardAlerts(t *testing.T) {
	now := time.Now()
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)
	qa.now = fixedClock(now)

	for i := 0; i < 11; i++ {
		qa.LogQuery(QueryMetric{Table: "documents", Status: StatusError, Timestamp: now.Add(-time.Minute)})
	}
	qa.LogQuery(QueryMetric{Table: "users", Timestamp: now.Add(-time.Minute)})

	dash := qa.Dashboard()
	assert.Equal(t, 12, dash.Overview.TotalQueries)
	assert.InDelta(t, 100-11.0/12*100, dash.Overview.Uptime, 1e-9)
	require.NotEmpty(t, dash.TopTables)
	assert.Equal(t, "documents", dash.TopTables[0].Table)

	var metrics []string
	for _, a := range dash.Alerts {
		metrics = append(metrics, a.Metric)
	}
	assert.Contains(t, metrics, "errors")
	assert.Contains(t, metrics, "cache_hit_rate")
}

func TestQueryAnalytics_CustomAlertThresholds(t *testing.T) {
	now := time.Now()
	qa := NewQueryAnalytics(QueryConfig{
		SlowQueryThreshold: 10 * time.Millisecond,
		Alerts: QueryAlertThresholds{
			ErrorCount:  2,
			ErrorWindow: time.Minute,
			SlowQueries: 1,
		},
	}, nil, nil)
	qa.now = fixedClock(now)
	assert.Equal(t, 0.3, qa.config.Alerts.HitRate, "unset fields keep defaults")

	for i := 0; i < 3; i++ {
		qa.LogQuery(QueryMetric{Table: "documents", Status: StatusError, CacheHit: true, Timestamp: now.Add(-30 * time.Second)})
	}
	// outside the one minute error window
	qa.LogQuery(QueryMetric{Table: "documents", Status: StatusError, CacheHit: true, Timestamp: now.Add(-5 * time.Minute)})
	qa.LogQuery(QueryMetric{Table: "users", Duration: 50 * time.Millisecond, CacheHit: true, Timestamp: now.Add(-time.Minute)})
	qa.LogQuery(QueryMetric{Table: "teams", Duration: 50 * time.Millisecond, CacheHit: true, Timestamp: now.Add(-time.Minute)})

	got := map[string]Alert{}
	for _, a := range qa.Dashboard().Alerts {
		got[a.Metric] = a
	}
	require.Contains(t, got, "errors")
	assert.Equal(t, 3.0, got["errors"].Value)
	assert.Equal(t, 2.0, got["errors"].Threshold)
	require.Contains(t, got, "slow_queries")
	assert.Equal(t, 2.0, got["slow_queries"].Value)
	assert.NotContains(t, got, "cache_hit_rate")
}

func TestQueryAnalytics_EmptyDashboard(t *testing.T) {
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)
	dash := qa.Dashboard()

	assert.Equal(t, 0, dash.Overview.TotalQueries)
	assert.Equal(t, float64(100), dash.Overview.Uptime)
	assert.Empty(t, dash.Alerts)
}

func TestQueryAnalytics_LogBatchOperation(t *testing.T) {
	sink := &recordingSink{}
	qa := NewQueryAnalytics(DefaultQueryConfig(), sink, nil)

	qa.LogBatchOperation(BatchRecord{
		OperationID: "op-1",
		Kind:        "insert",
		Table:       "contracts",
		TotalItems:  3,
		Succeeded:   2,
		Failed:      1,
		Duration:    30 * time.Millisecond,
	})

	require.Len(t, sink.queries, 1)
	m := sink.queries[0]
	assert.Equal(t, "batch_insert", m.Type)
	assert.Equal(t, StatusError, m.Status)
	assert.Equal(t, 2, m.RowsAffected)
	assert.Equal(t, 3, m.Metadata["total_items"])
}

func TestQueryAnalytics_ExportMetrics(t *testing.T) {
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)
	qa.LogQuery(QueryMetric{ID: "q1", Table: "users", Duration: 15 * time.Millisecond, Error: `bad "quote"`})

	data, err := qa.ExportMetrics(FormatJSON)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "1.0.0", decoded["version"])
	assert.Len(t, decoded["metrics"], 1)

	data, err = qa.ExportMetrics(FormatCSV)
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "queryId", records[0][0])
	assert.Equal(t, "q1", records[1][0])
	assert.Equal(t, "15", records[1][3])
	assert.Equal(t, `bad "quote"`, records[1][9])

	_, err = qa.ExportMetrics("xml")
	assert.Error(t, err)
}

func TestQueryAnalytics_CleanOldMetrics(t *testing.T) {
	now := time.Now()
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)
	qa.now = fixedClock(now)

	qa.LogQuery(QueryMetric{Table: "old", Timestamp: now.Add(-8 * 24 * time.Hour)})
	qa.LogQuery(QueryMetric{Table: "new", Timestamp: now.Add(-time.Hour)})

	removed := qa.CleanOldMetrics(0)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, qa.Len())

	qa.mu.Lock()
	defer qa.mu.Unlock()
	assert.NotContains(t, qa.patterns, "select:old")
	assert.Contains(t, qa.patterns, "select:new")
}

func TestQueryAnalytics_ConcurrentLogging(t *testing.T) {
	qa := NewQueryAnalytics(DefaultQueryConfig(), nil, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				qa.LogQuery(QueryMetric{Table: "contracts", Duration: time.Millisecond})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2000, qa.PerformanceStats(TimeRange{}).TotalQueries)
}
