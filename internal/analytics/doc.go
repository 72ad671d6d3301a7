/*
Package analytics collects query and cache telemetry.

Both collectors are passive and never block callers for long: records are
appended to a buffer that is flushed into a capped history once it reaches
a threshold (100 for queries, 50 for cache accesses). Reads flush the buffer
first and then aggregate over the history, so a dashboard always reflects
every logged record.

History is capped. Once the cap is reached the oldest records are dropped.

	qa := analytics.NewQueryAnalytics(analytics.DefaultQueryConfig(), sink, logger)
	qa.LogQuery(analytics.QueryMetric{Table: "contracts", Duration: 40 * time.Millisecond})
	stats := qa.PerformanceStats(analytics.Since(time.Now(), time.Hour))

Every accepted record is also forwarded to an optional Sink, which is how
the Prometheus collector in internal/metrics is fed.
*/
package analytics
