/*
Package metrics exports querycache telemetry to Prometheus.

# Overview

Collector owns a private Prometheus registry. It implements analytics.Sink,
so every record accepted by the query and cache analytics collectors is
mirrored as counters and histograms without further instrumentation.

	┌───────────────────┐      ┌─────────────┐
	│  QueryAnalytics   │─────▶│             │
	└───────────────────┘      │  Collector  │──▶ /metrics
	┌───────────────────┐      │             │
	│  CacheAnalytics   │─────▶│  registry   │
	└───────────────────┘      └──────▲──────┘
	     batch manager, breakers ─────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "querycache",
	})
	if err != nil {
		log.Fatal(err)
	}

	qa := analytics.NewQueryAnalytics(analytics.DefaultQueryConfig(), collector, logger)
	router.Handle("/metrics", collector.Handler())

A disabled collector accepts every call and records nothing.

# Exported series

	querycache_queries_total{table,type,status}
	querycache_query_duration_seconds{table,type}
	querycache_cache_requests_total{strategy,source,result}
	querycache_cache_access_duration_seconds{strategy}
	querycache_cache_invalidated_entries_total{strategy}
	querycache_cache_expired_entries_total{strategy}
	querycache_cache_size_bytes{store}
	querycache_batch_operations_total{kind,status}
	querycache_batch_items_total{kind,table,result}
	querycache_batch_duration_seconds{kind}
	querycache_circuit_breaker_state{name}
	querycache_errors_total{operation,type}
*/
package metrics
