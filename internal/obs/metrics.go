package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ready",
		Help: "Readiness of the gateway (1 = ready).",
	})
)

// Gateway-specific metrics.
var (
	authDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_decisions_total",
			Help: "Admission policy decisions by result.",
		},
		[]string{"result"},
	)

	tokenReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_token_reuse_detected_total",
		Help: "Refresh tokens presented more than once.",
	})

	relayUpstreamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_relay_upstream_errors_total",
		Help: "Relay calls that failed before an upstream status was obtained.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		authDecisions, tokenReuse, relayUpstreamErrors,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CountAuthDecision records an allow/deny outcome of the policy engine.
func CountAuthDecision(result string) {
	authDecisions.WithLabelValues(result).Inc()
}

// CountTokenReuse records a detected refresh token replay.
func CountTokenReuse() {
	tokenReuse.Inc()
}

// CountRelayUpstreamError records a relay transport failure.
func CountRelayUpstreamError() {
	relayUpstreamErrors.Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
