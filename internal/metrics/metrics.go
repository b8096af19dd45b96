// Package metrics holds the Prometheus collectors for the search pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Search runs
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscope_searches_total",
			Help: "Total number of search runs",
		},
		[]string{"outcome"}, // outcome: completed, failed, superseded
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postscope_search_duration_seconds",
			Help:    "End-to-end search run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	SearchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postscope_searches_active",
			Help: "Number of search runs in progress",
		},
	)

	// Sub-query generation
	SubQueriesGenerated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postscope_subqueries_generated",
			Help:    "Number of sub-queries produced per search",
			Buckets: []float64{0, 1, 2, 4, 6, 8, 10},
		},
	)

	// Retrieval
	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscope_retrieval_requests_total",
			Help: "Total retrieval attempts against the upstream API",
		},
		[]string{"status"}, // status: success, rate_limited, quota_exceeded, timeout, error
	)

	RetrievalLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postscope_retrieval_latency_seconds",
			Help:    "Latency of one sub-query retrieval in seconds, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscope_cache_lookups_total",
			Help: "Result cache lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	ItemsAggregated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postscope_items_aggregated_total",
			Help: "Unique items added to search aggregates",
		},
	)

	// History persistence
	HistoryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscope_history_errors_total",
			Help: "Swallowed history persistence failures",
		},
		[]string{"operation"},
	)

	// Reports
	ReportsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscope_reports_total",
			Help: "Report generation attempts",
		},
		[]string{"status"}, // status: success, error
	)
)

// RecordSearch records a finished search run.
func RecordSearch(outcome string, started time.Time) {
	SearchesTotal.WithLabelValues(outcome).Inc()
	SearchDuration.Observe(time.Since(started).Seconds())
}
