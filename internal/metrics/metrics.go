package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	submissionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_submissions_created_total",
			Help: "Submissions created by dispatch, by channel",
		},
		[]string{"channel"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_attempt_seconds",
			Help:    "Duration of one adapter submit call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_queue_entries",
			Help: "Retry queue entries by state (due, scheduled) and failed submissions",
		},
		[]string{"state"},
	)

	queueExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_queue_exhausted_total",
			Help: "Submissions failed after reaching max attempts",
		},
	)

	confirmationsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_confirmations_total",
			Help: "Confirmations recorded by method",
		},
		[]string{"method"},
	)

	statusProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_status_probes_total",
			Help: "Out-of-band status probes by result",
		},
		[]string{"result"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_published_total",
			Help: "Lifecycle events by topic and result",
		},
		[]string{"topic", "result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Inbound signals answered from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Inbound requests rejected by the rate limiter",
		},
		[]string{"key"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_state",
			Help: "Recipient endpoint breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"endpoint"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSubmissionCreated counts a submission row created by dispatch
func RecordSubmissionCreated(channel string) {
	submissionsCreated.WithLabelValues(channel).Inc()
}

// RecordDeliveryAttempt records the outcome ("submitted", "validation", "transient", ...) of one attempt
func RecordDeliveryAttempt(channel, outcome string, duration time.Duration) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
	deliveryLatency.WithLabelValues(channel).Observe(duration.Seconds())
}

// SetQueueDepth publishes the latest queue snapshot
func SetQueueDepth(due, scheduled, failed int) {
	queueDepth.WithLabelValues("due").Set(float64(due))
	queueDepth.WithLabelValues("scheduled").Set(float64(scheduled))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordQueueExhausted counts a submission failed for running out of attempts
func RecordQueueExhausted() {
	queueExhausted.Inc()
}

// RecordConfirmation counts a confirmation by method
func RecordConfirmation(method string) {
	confirmationsRecorded.WithLabelValues(method).Inc()
}

// RecordStatusProbe counts a sweep probe by result
func RecordStatusProbe(result string) {
	statusProbes.WithLabelValues(result).Inc()
}

// RecordEventPublished counts a lifecycle event publish
func RecordEventPublished(topic string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	eventsPublished.WithLabelValues(topic, result).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetCircuitState records the breaker state of one recipient endpoint
func SetCircuitState(endpoint string, state int) {
	circuitState.WithLabelValues(endpoint).Set(float64(state))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the matched chi route pattern,
// so ids in the path do not explode label cardinality
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
