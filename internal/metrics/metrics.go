// Package metrics exposes Prometheus collectors for the population crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsFetchesTotal         *prometheus.CounterVec
	robotsDecisionsTotal       *prometheus.CounterVec
	rateLimitDelaySeconds     *prometheus.HistogramVec
	authorityQueriesTotal      *prometheus.CounterVec
	authorityQuerySeconds      *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	sourceRunsTotal            *prometheus.CounterVec
	sourceRunSeconds           *prometheus.HistogramVec
	updateRunsTotal            *prometheus.CounterVec
	updateRunInProgress        prometheus.Gauge
	fetchBytesTotal            *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gradepop_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_robots_fetches_total",
				Help: "Total robots.txt fetches, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		robotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_robots_decisions_total",
				Help: "Total robots policy decisions, labeled by host and verdict.",
			},
			[]string{"host", "verdict"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gradepop_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)

		authorityQueriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_authority_queries_total",
				Help: "Total grading authority queries, labeled by authority and outcome.",
			},
			[]string{"authority", "outcome"},
		)

		authorityQuerySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gradepop_authority_query_seconds",
				Help:    "Histogram of grading authority query latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"authority"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_cache_lookups_total",
				Help: "Total result cache lookups, labeled by cache and result.",
			},
			[]string{"cache", "result"},
		)

		sourceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_source_runs_total",
				Help: "Total source executions, labeled by source type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		sourceRunSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gradepop_source_run_seconds",
				Help:    "Histogram of source execution durations.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"type"},
		)

		updateRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_update_runs_total",
				Help: "Total update runs, labeled by trigger and outcome.",
			},
			[]string{"trigger", "outcome"},
		)

		updateRunInProgress = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gradepop_update_run_in_progress",
				Help: "Set to 1 while an update run is executing.",
			},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gradepop_fetch_bytes_total",
				Help: "Total number of response bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFetch counts a robots.txt download attempt.
// Outcome is one of "ok", "not_found", or "error".
func ObserveRobotsFetch(site, outcome string) {
	Init()
	robotsFetchesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveRobotsDecision counts an allow or deny verdict.
func ObserveRobotsDecision(site string, allowed bool) {
	Init()
	verdict := "deny"
	if allowed {
		verdict = "allow"
	}
	robotsDecisionsTotal.WithLabelValues(SanitizeSite(site), verdict).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveAuthorityQuery records one grading authority query.
func ObserveAuthorityQuery(authority, outcome string, duration time.Duration) {
	Init()
	authorityQueriesTotal.WithLabelValues(authority, outcome).Inc()
	authorityQuerySeconds.WithLabelValues(authority).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a hit or miss against the named cache.
func ObserveCacheLookup(cache string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// ObserveSourceRun records one source execution.
func ObserveSourceRun(sourceType, outcome string, duration time.Duration) {
	Init()
	sourceRunsTotal.WithLabelValues(sourceType, outcome).Inc()
	sourceRunSeconds.WithLabelValues(sourceType).Observe(duration.Seconds())
}

// ObserveUpdateRun counts a finished or rejected update run.
func ObserveUpdateRun(trigger, outcome string) {
	Init()
	updateRunsTotal.WithLabelValues(trigger, outcome).Inc()
}

// SetRunInProgress flips the in-progress gauge.
func SetRunInProgress(running bool) {
	Init()
	if running {
		updateRunInProgress.Set(1)
		return
	}
	updateRunInProgress.Set(0)
}

// ObserveFetchBytes adds fetched response bytes for a site.
func ObserveFetchBytes(site string, n int) {
	if n <= 0 {
		return
	}
	Init()
	fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}
