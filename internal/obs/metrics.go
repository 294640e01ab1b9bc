package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe passes, 0 otherwise.",
	})
)

// Fulfillment pipeline metrics.
var (
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound payment webhook events by outcome.",
		},
		[]string{"outcome"}, // fulfilled, pending, duplicate, ignored, invalid_signature, error
	)

	fulfillmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillments_total",
			Help: "Completed fulfillments by path.",
		},
		[]string{"path"}, // direct, pending
	)

	claimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claims_total",
		Help: "Pending entitlements migrated into accounts.",
	})

	notifyFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_failures_total",
		Help: "Access-ready notifications that failed to send.",
	})

	guardDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_denials_total",
			Help: "Authorization guard denials by check.",
		},
		[]string{"check"}, // feature, operator, role
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		webhookEventsTotal, fulfillmentsTotal, claimsTotal,
		notifyFailuresTotal, guardDenialsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady reflects the last readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CountWebhookEvent records the outcome of one inbound webhook delivery.
func CountWebhookEvent(outcome string) { webhookEventsTotal.WithLabelValues(outcome).Inc() }

// CountFulfillment records a committed fulfillment on the given path.
func CountFulfillment(path string) { fulfillmentsTotal.WithLabelValues(path).Inc() }

// CountClaims records n pending entitlements claimed in one reconciliation.
func CountClaims(n int) {
	if n > 0 {
		claimsTotal.Add(float64(n))
	}
}

// CountNotifyFailure records a swallowed notification error.
func CountNotifyFailure() { notifyFailuresTotal.Inc() }

// CountGuardDenial records a guard rejection.
func CountGuardDenial(check string) { guardDenialsTotal.WithLabelValues(check).Inc() }

// Instrument wraps the handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-operator path segments so metric labels stay
// low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "operators" && parts[3] != "" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return path
}

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
