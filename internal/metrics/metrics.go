// Package metrics exposes Prometheus collectors for the crawl engine.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	enqueueTotal               *prometheus.CounterVec
	leaseAcquisitionsTotal     *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	sessionTransitionsTotal    *prometheus.CounterVec
	checkpointsTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_pages_total",
				Help: "Frontier entries finished, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		enqueueTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_enqueue_total",
				Help: "Frontier enqueue attempts, labeled by result.",
			},
			[]string{"result"},
		)

		leaseAcquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_lease_acquisitions_total",
				Help: "Lease acquisition attempts, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteaudit_rate_limit_wait_seconds",
				Help:    "Histogram of rate governor waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siteaudit_active_workers",
				Help: "Number of crawl workers currently running.",
			},
		)

		sessionTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_session_transitions_total",
				Help: "Session status transitions, labeled by target status.",
			},
			[]string{"status"},
		)

		checkpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_checkpoints_total",
				Help: "Checkpoint snapshots, labeled by result.",
			},
			[]string{"result"},
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

// ObservePage counts a finished frontier entry.
func ObservePage(site, outcome string, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveEnqueue counts an enqueue result.
func ObserveEnqueue(result string) {
	Init()
	enqueueTotal.WithLabelValues(result).Inc()
}

// ObserveLease counts a lease acquisition attempt. kind is the resource key prefix.
func ObserveLease(kind string, acquired bool) {
	Init()
	result := "denied"
	if acquired {
		result = "acquired"
	}
	leaseAcquisitionsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate governor wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(key).Observe(duration.Seconds())
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

// ObserveSessionTransition counts a session reaching status.
func ObserveSessionTransition(status string) {
	Init()
	sessionTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveCheckpoint counts a snapshot attempt.
func ObserveCheckpoint(result string) {
	Init()
	checkpointsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
