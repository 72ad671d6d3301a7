package analytics

import "time"

// Sink receives every record the collectors accept. The Prometheus
// collector in internal/metrics implements it.
type Sink interface {
	ObserveQuery(QueryMetric)
	ObserveCacheAccess(CacheAccess)
}

// TimeRange bounds an aggregation. A zero Start or End leaves that side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Since returns the range [now-d, now].
func Since(now time.Time, d time.Duration) TimeRange {
	return TimeRange{Start: now.Add(-d), End: now}
}

// Contains reports whether t falls inside the range, bounds inclusive.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Impact ranks slow queries.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Priority ranks optimization suggestions.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Level is an alert severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Alert is a threshold violation found by one of the detectors.
type Alert struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Metric    string    `json:"metric,omitempty"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

const exportVersion = "1.0.0"

func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
