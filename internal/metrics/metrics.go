// Package metrics defines the Prometheus instrumentation for the search
// engine: footprint index shape, ephemeris cache behavior, provider fetch
// outcomes, search phase timings, and HTTP middleware.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbsearch_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sbsearch_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	indexObservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbsearch_index_observations",
			Help: "Number of observations in the footprint index.",
		},
	)

	ephemCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sbsearch_ephem_cache_hits_total",
			Help: "Ephemeris requests served entirely from cache.",
		},
	)

	ephemCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sbsearch_ephem_cache_misses_total",
			Help: "Ephemeris requests that needed a provider fetch.",
		},
	)

	ephemCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sbsearch_ephem_cache_evictions_total",
			Help: "Coverage intervals evicted from the ephemeris cache.",
		},
	)

	ephemCacheSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbsearch_ephem_cache_samples",
			Help: "Ephemeris samples currently cached.",
		},
	)

	providerFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbsearch_provider_fetches_total",
			Help: "External ephemeris provider fetches by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	providerFetchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sbsearch_provider_fetch_seconds",
			Help:    "External ephemeris provider fetch duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	providerRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sbsearch_provider_retries_total",
			Help: "Provider fetch attempts retried after a transient failure.",
		},
	)

	searchPhaseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sbsearch_search_phase_seconds",
			Help:    "Duration of search phases per body.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	searchMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sbsearch_matches_total",
			Help: "Confirmed matches emitted.",
		},
	)

	searchCandidatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sbsearch_candidates_total",
			Help: "Candidate pairs produced by the approximate phase.",
		},
	)

	searchBodyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sbsearch_body_failures_total",
			Help: "Per-body search failures.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		indexObservations,
		ephemCacheHits,
		ephemCacheMisses,
		ephemCacheEvictions,
		ephemCacheSamples,
		providerFetchesTotal,
		providerFetchSeconds,
		providerRetriesTotal,
		searchPhaseSeconds,
		searchMatchesTotal,
		searchCandidatesTotal,
		searchBodyFailuresTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetIndexObservations publishes the footprint index size.
func SetIndexObservations(n int) { indexObservations.Set(float64(n)) }

// IncEphemCacheHits counts an ephemeris request served from cache.
func IncEphemCacheHits() { ephemCacheHits.Inc() }

// IncEphemCacheMisses counts an ephemeris request that required a fetch.
func IncEphemCacheMisses() { ephemCacheMisses.Inc() }

// AddEphemCacheEvictions counts evicted coverage intervals.
func AddEphemCacheEvictions(n int) { ephemCacheEvictions.Add(float64(n)) }

// SetEphemCacheSamples publishes the cached sample count.
func SetEphemCacheSamples(n int) { ephemCacheSamples.Set(float64(n)) }

// ObserveProviderFetch records one provider fetch and its outcome
// ("ok", "not_found", "rate_limited", "transient", "unsupported", "error").
func ObserveProviderFetch(provider, outcome string, d time.Duration) {
	providerFetchesTotal.WithLabelValues(provider, outcome).Inc()
	providerFetchSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// IncProviderRetries counts a retried provider attempt.
func IncProviderRetries() { providerRetriesTotal.Inc() }

// ObserveSearchPhase records the duration of one search phase for one body.
func ObserveSearchPhase(phase string, d time.Duration) {
	searchPhaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// IncMatches counts a confirmed match.
func IncMatches() { searchMatchesTotal.Inc() }

// AddCandidates counts candidate pairs from the approximate phase.
func AddCandidates(n int) { searchCandidatesTotal.Add(float64(n)) }

// IncBodyFailures counts a per-body search failure.
func IncBodyFailures() { searchBodyFailuresTotal.Inc() }

// knownRoutes are the exact paths served by the API; anything else is
// collapsed to "other" to keep label cardinality bounded against scanners
// and bots.
var knownRoutes = map[string]bool{
	"/healthz":             true,
	"/readyz":              true,
	"/metrics":             true,
	"/":                    true,
	"/api/v1/search":       true,
	"/api/v1/observations": true,
	"/api/v1/ephemeris":    true,
	"/api/v1/status":       true,
}

// normalizeRoute maps a request path to a bounded metrics label.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if strings.HasPrefix(path, "/api/v1/observations/") {
		return "/api/v1/observations/{id}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes through to the wrapped writer so streaming responses keep
// working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		path := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(path, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(path, r.Method).Observe(duration)
	})
}
