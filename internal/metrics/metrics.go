// Package metrics exposes Prometheus collectors for the dispatcher service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store lookup results.
const (
	LookupFound    = "found"
	LookupNotFound = "not_found"
	LookupError    = "error"
)

var (
	dispatchRequestsTotal      *prometheus.CounterVec
	forwardDurationSeconds     *prometheus.HistogramVec
	storeLookupsTotal          *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           prometheus.Counter
	cacheEvictionsTotal        *prometheus.CounterVec
	environmentFallbacksTotal  *prometheus.CounterVec
	invalidationMessagesTotal  *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dispatchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_requests_total",
				Help: "Total number of dispatched requests, labeled by route class, environment and status code.",
			},
			[]string{"route", "environment", "code"},
		)

		forwardDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatcher_forward_duration_seconds",
				Help:    "Histogram of engine round-trip latencies, labeled by environment.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"environment"},
		)

		storeLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_store_lookups_total",
				Help: "Total number of domain store lookups, labeled by result.",
			},
			[]string{"result"},
		)

		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_cache_hits_total",
				Help: "Total number of domain cache hits, labeled by kind (positive or negative).",
			},
			[]string{"kind"},
		)

		cacheMissesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatcher_cache_misses_total",
				Help: "Total number of domain cache misses.",
			},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_cache_evictions_total",
				Help: "Total number of domain cache evictions, labeled by reason.",
			},
			[]string{"reason"},
		)

		environmentFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_environment_fallbacks_total",
				Help: "Total number of records with an unrecognised environment routed to production.",
			},
			[]string{"reason"},
		)

		invalidationMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatcher_invalidation_messages_total",
				Help: "Total number of cache invalidation messages, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of admin HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch counts one dispatched request.
func ObserveDispatch(route, environment string, code int) {
	if environment == "" {
		environment = "none"
	}
	dispatchRequestsTotal.WithLabelValues(route, environment, strconv.Itoa(code)).Inc()
}

// ObserveForward records the engine round-trip duration.
func ObserveForward(environment string, duration time.Duration) {
	forwardDurationSeconds.WithLabelValues(environment).Observe(duration.Seconds())
}

// ObserveStoreLookup counts a lookup by its result (LookupFound, LookupNotFound, LookupError).
func ObserveStoreLookup(result string) {
	storeLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheHit counts a hit; negative reports a cached not-found.
func ObserveCacheHit(negative bool) {
	kind := "positive"
	if negative {
		kind = "negative"
	}
	cacheHitsTotal.WithLabelValues(kind).Inc()
}

// ObserveCacheMiss counts a cache miss.
func ObserveCacheMiss() {
	cacheMissesTotal.Inc()
}

// ObserveCacheEviction counts entries removed for reason ("capacity", "invalidated", "purged").
func ObserveCacheEviction(reason string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveEnvironmentFallback counts a record whose environment was not
// recognised. The raw value only picks the "empty" or "unknown" reason so
// stored data cannot grow the label set.
func ObserveEnvironmentFallback(environment string) {
	reason := "unknown"
	if environment == "" {
		reason = "empty"
	}
	environmentFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveInvalidation counts a processed invalidation message.
func ObserveInvalidation(outcome string) {
	invalidationMessagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
