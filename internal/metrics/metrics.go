// Package metrics exposes Prometheus collectors for the crawl daemon.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results used as label values.
const (
	FetchOK          = "ok"
	FetchFailed      = "failed"
	FetchBlocked     = "blocked"
	FetchBreakerOpen = "breaker_open"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonecrawler_fetches_total",
			Help: "Total number of page fetches, labeled by domain and result.",
		},
		[]string{"domain", "result"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zonecrawler_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies including throttle waits and block retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"result"},
	)

	blocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonecrawler_blocks_total",
			Help: "Total number of responses classified as blocked, labeled by detector stage.",
		},
		[]string{"stage"},
	)

	breakerTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonecrawler_breaker_trips_total",
			Help: "Total number of per-domain circuit breaker trips.",
		},
		[]string{"domain"},
	)

	throttleWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zonecrawler_throttle_wait_seconds",
			Help:    "Histogram of per-domain throttle wait durations.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 3, 5, 10},
		},
	)

	pagesStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonecrawler_pages_stored_total",
			Help: "Total number of pages persisted, labeled by whether content changed.",
		},
		[]string{"changed"},
	)

	zonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonecrawler_zones_total",
			Help: "Total number of zone pipeline runs, labeled by mode and result.",
		},
		[]string{"mode", "result"},
	)

	zonesDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zonecrawler_zones_discovered_total",
			Help: "Total number of new zones enqueued from connected-zone discovery.",
		},
	)

	queueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonecrawler_queue_messages_total",
			Help: "Total number of queue deliveries, labeled by disposition.",
		},
		[]string{"disposition"},
	)

	activeZone = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zonecrawler_active_zone",
			Help: "1 while a zone pipeline is running.",
		},
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
)

// SanitizeSite extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if nothing usable remains.
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
	return promhttp.Handler()
}

// ObserveFetch records one completed fetch.
func ObserveFetch(domain, result string, duration time.Duration) {
	fetchesTotal.WithLabelValues(SanitizeSite(domain), result).Inc()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveBlock records a blocked response.
func ObserveBlock(stage string) {
	if stage == "" {
		stage = "unknown"
	}
	blocksTotal.WithLabelValues(stage).Inc()
}

// ObserveBreakerTrip records a domain's breaker opening.
func ObserveBreakerTrip(domain string) {
	breakerTripsTotal.WithLabelValues(SanitizeSite(domain)).Inc()
}

// ObserveThrottleWait records the duration of a throttle wait.
func ObserveThrottleWait(_ string, duration time.Duration) {
	throttleWaitSeconds.Observe(duration.Seconds())
}

// ObservePageStored records a persisted page.
func ObservePageStored(changed bool) {
	pagesStoredTotal.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

// ObserveZone records a finished zone run.
func ObserveZone(mode, result string) {
	zonesTotal.WithLabelValues(mode, result).Inc()
}

// ObserveZonesDiscovered adds newly enqueued zones.
func ObserveZonesDiscovered(n int) {
	if n > 0 {
		zonesDiscoveredTotal.Add(float64(n))
	}
}

// ObserveQueueMessage records how a delivery was settled.
func ObserveQueueMessage(disposition string) {
	queueMessagesTotal.WithLabelValues(disposition).Inc()
}

// SetActiveZone flips the active-zone gauge.
func SetActiveZone(active bool) {
	if active {
		activeZone.Set(1)
		return
	}
	activeZone.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, rec.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
