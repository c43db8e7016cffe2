package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream weather provider calls by status. Every call spends a token.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Upstream latency per attempt. Watch for: p99 approaching the attempt timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts after a failed upstream call. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Cache lookups by source (store, fallback) and result (fresh, stale, miss).
	CacheLookupsTotal *prometheus.CounterVec

	// Backing store errors by operation (get, set, ping) and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Backing store operation latency.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// 1 while the backing store is bypassed in favour of the local fallback cache.
	StoreDegraded prometheus.Gauge

	// Circuit breaker state per component: 0 closed, 1 open, 2 half_open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping between open and half_open.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Token acquisitions denied per partition (user, warming).
	TokenDenialsTotal *prometheus.CounterVec

	// Last observed token balance per partition.
	TokenBalance *prometheus.GaugeVec

	// Deferred-work queue depth.
	DeferredQueueDepth prometheus.Gauge

	// Deferred-work queue admissions (new or updated) and evictions/rejections.
	DeferredQueueEnqueuedTotal prometheus.Counter
	DeferredQueueDroppedTotal  prometheus.Counter

	// Warming cycles, duration and per-city outcomes.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram
	CacheWarmingFetchesTotal    *prometheus.CounterVec

	// Concurrent callers that joined an in-flight fetch instead of starting one.
	RequestCoalescingHitsTotal prometheus.Counter

	// Facade results by freshness and source.
	WeatherResultsTotal *prometheus.CounterVec

	// Total weather lookups.
	WeatherQueriesTotal prometheus.Counter

	// Per-location query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Ingress requests denied by the HTTP rate limiter (429).
	RateLimitDeniedTotal prometheus.Counter

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherApiCallsTotal", Help: "Total number of upstream weather API calls"},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Upstream weather API latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "weatherApiRetriesTotal", Help: "Total number of retry attempts for upstream calls"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheLookupsTotal", Help: "Weather cache lookups by source and result"},
		[]string{"source", "result"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheErrorsTotal", Help: "Backing store errors by operation and category"},
		[]string{"op", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Backing store operation latency in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op", "status"},
	)
	StoreDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "cacheStoreDegraded", Help: "1 while the backing store is bypassed for the local fallback cache"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state (0 closed, 1 open, 2 half_open)"},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "circuitBreakerTransitionsTotal", Help: "Circuit breaker state transitions"},
		[]string{"component", "from", "to"},
	)
	TokenDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstreamTokenDenialsTotal", Help: "Upstream token acquisitions denied per partition"},
		[]string{"partition"},
	)
	TokenBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "upstreamTokenBalance", Help: "Last observed upstream token balance per partition"},
		[]string{"partition"},
	)
	DeferredQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "deferredQueueDepth", Help: "Cities waiting in the deferred-work queue"},
	)
	DeferredQueueEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "deferredQueueEnqueuedTotal", Help: "Deferred-work admissions (new or priority raised)"},
	)
	DeferredQueueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "deferredQueueDroppedTotal", Help: "Deferred tasks evicted or rejected at capacity"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Total warming cycles started"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Warming cycle duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		},
	)
	CacheWarmingFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheWarmingFetchesTotal", Help: "Warming and drain fetches by kind and outcome"},
		[]string{"kind", "outcome"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "requestCoalescingHitsTotal", Help: "Callers that shared an in-flight upstream fetch"},
	)
	WeatherResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherResultsTotal", Help: "Weather results by freshness and source"},
		[]string{"freshness", "source"},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "weatherQueriesTotal", Help: "Total number of weather lookups"},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "weatherQueriesByLocationTotal", Help: "Weather queries by location (allow-list; others use location=other)"},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by the ingress rate limiter (429)"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		CacheLookupsTotal, CacheErrorsTotal, CacheOperationDurationSeconds, StoreDegraded,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		TokenDenialsTotal, TokenBalance,
		DeferredQueueDepth, DeferredQueueEnqueuedTotal, DeferredQueueDroppedTotal,
		CacheWarmingTotal, CacheWarmingDurationSeconds, CacheWarmingFetchesTotal,
		RequestCoalescingHitsTotal, WeatherResultsTotal,
		WeatherQueriesTotal, WeatherQueriesByLocationTotal,
		RateLimitDeniedTotal,
	)
}

// CircuitBreakerStateValue maps a state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerTransition records a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(to))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather query for the given location.
func RecordWeatherQuery(location string) {
	WeatherQueriesTotal.Inc()
	WeatherQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

// MetricLocationLabel returns the location label, or "other" when not on the allow-list.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
