// Package observability holds the process-wide Prometheus collectors.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream items requests by outcome.",
		},
		[]string{"outcome"},
	)

	budgetExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "request_budget_exhausted_total",
			Help: "Upstream calls skipped because the request budget was spent.",
		},
	)

	tokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_refresh_total",
			Help: "OAuth token exchanges by result.",
		},
		[]string{"result"},
	)

	leafOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaf_outcomes_total",
			Help: "Finished (collection, search area) leaves by termination reason.",
		},
		[]string{"reason"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

// IncUpstreamRequest counts one upstream attempt: "ok", "request_error",
// "auth_error", "timeout" or "unavailable".
func IncUpstreamRequest(outcome string) {
	upstreamRequestsTotal.WithLabelValues(outcome).Inc()
}

func IncBudgetExhausted() { budgetExhaustedTotal.Inc() }

func IncTokenRefresh(ok bool) {
	if ok {
		tokenRefreshTotal.WithLabelValues("ok").Inc()
		return
	}
	tokenRefreshTotal.WithLabelValues("error").Inc()
}

func ObserveLeaf(reason string) {
	leafOutcomesTotal.WithLabelValues(reason).Inc()
}

var (
	cacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_ops_total",
			Help: "Catalogue cache store operations by result.",
		},
		[]string{"op", "result"},
	)

	cacheOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Catalogue cache store operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Catalogue cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)
)

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpsTotal.WithLabelValues(op, res).Inc()
	cacheOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

// IncCacheResult counts a lookup in tier ("memory" or "redis").
func IncCacheResult(tier string, hit bool) {
	if hit {
		cacheResults.WithLabelValues(tier, "hit").Inc()
		return
	}
	cacheResults.WithLabelValues(tier, "miss").Inc()
}
