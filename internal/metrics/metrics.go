// Package metrics exposes Prometheus collectors for the citation crawler.
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
	expansionsTotal            *prometheus.CounterVec
	papersRegisteredTotal      prometheus.Counter
	filterRejectionsTotal      prometheus.Counter
	snapshotsTotal             *prometheus.CounterVec
	deadLettersTotal           prometheus.Counter
	activeWorkers              prometheus.Gauge
	frontierLength             prometheus.Gauge
	fetchDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		expansionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citecrawl_expansions_total",
				Help: "Reference expansions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		papersRegisteredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "citecrawl_papers_registered_total",
				Help: "Papers inserted into the store.",
			},
		)

		filterRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "citecrawl_filter_rejections_total",
				Help: "Cited papers rejected by the inclusion filter.",
			},
		)

		snapshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citecrawl_snapshots_total",
				Help: "Snapshot writes, labeled by result.",
			},
			[]string{"result"},
		)

		deadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "citecrawl_dead_letters_total",
				Help: "Paper ids abandoned after failed expansions.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "citecrawl_active_workers",
				Help: "Number of workers currently expanding a paper.",
			},
		)

		frontierLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "citecrawl_frontier_length",
				Help: "Paper ids waiting in the frontier.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "citecrawl_fetch_duration_seconds",
				Help:    "Latency of paper source calls, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "citecrawl_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveExpansion counts one worker expansion by outcome
// (success, retry, canceled, dead_letter).
func ObserveExpansion(outcome string) {
	Init()
	expansionsTotal.WithLabelValues(outcome).Inc()
}

// ObservePaperRegistered counts one store insertion.
func ObservePaperRegistered() {
	Init()
	papersRegisteredTotal.Inc()
}

// ObserveFilterRejection counts one cited paper refused by the filter.
func ObserveFilterRejection() {
	Init()
	filterRejectionsTotal.Inc()
}

// ObserveSnapshot counts one snapshot write by result (ok, error).
func ObserveSnapshot(result string) {
	Init()
	snapshotsTotal.WithLabelValues(result).Inc()
}

// ObserveDeadLetter counts one abandoned id.
func ObserveDeadLetter() {
	Init()
	deadLettersTotal.Inc()
}

// ObserveFetch records the latency of a paper source call.
func ObserveFetch(operation string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetFrontierLength publishes the current frontier length.
func SetFrontierLength(n int) {
	Init()
	frontierLength.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}
