package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RateLimitOutcome captures the result of one admission check.
type RateLimitOutcome string

const (
	// RateLimitAllowed indicates the request fit inside its window.
	RateLimitAllowed RateLimitOutcome = "allowed"
	// RateLimitRejected indicates the window was exhausted.
	RateLimitRejected RateLimitOutcome = "rejected"
	// RateLimitWhitelisted indicates the client bypassed the check.
	RateLimitWhitelisted RateLimitOutcome = "whitelisted"
	// RateLimitFailOpen indicates the counter store was unreachable and the
	// limiter admitted fail-open.
	RateLimitFailOpen RateLimitOutcome = "fail_open"
)

// PublishOutcome captures the result of an event publish.
type PublishOutcome string

const (
	// PublishOK indicates the broker accepted the event.
	PublishOK PublishOutcome = "ok"
	// PublishError indicates the publish failed or timed out.
	PublishError PublishOutcome = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxiedRequests *prometheus.CounterVec
	proxyLatency    *prometheus.HistogramVec

	rateLimitChecks *prometheus.CounterVec

	busPublishes *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxiedRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatectrl",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total requests processed by the gateway pipeline.",
	}, []string{"service", "method", "status_code"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatectrl",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed proxied requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"})

	rateLimitChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatectrl",
		Subsystem: "ratelimit",
		Name:      "checks_total",
		Help:      "Rate-limit admission checks by outcome.",
	}, []string{"endpoint", "outcome"})

	busPublishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatectrl",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Integration events published by the gateway.",
	}, []string{"event_type", "outcome"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatectrl",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions per backend service.",
	}, []string{"service", "from", "to"})

	reg.MustRegister(proxiedRequests, proxyLatency, rateLimitChecks, busPublishes, breakerTransitions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		proxiedRequests:    proxiedRequests,
		proxyLatency:       proxyLatency,
		rateLimitChecks:    rateLimitChecks,
		busPublishes:       busPublishes,
		breakerTransitions: breakerTransitions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of one proxied request.
func (r *Recorder) ObserveRequest(service, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	serviceLabel := normalizeLabel(service)
	methodLabel := normalizeLabel(method)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.proxiedRequests.WithLabelValues(serviceLabel, methodLabel, statusLabel).Inc()
	r.proxyLatency.WithLabelValues(serviceLabel, methodLabel).Observe(duration.Seconds())
}

// ObserveRateLimit records one admission decision.
func (r *Recorder) ObserveRateLimit(endpoint string, outcome RateLimitOutcome) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(RateLimitAllowed)
	}
	r.rateLimitChecks.WithLabelValues(normalizeLabel(endpoint), outcomeLabel).Inc()
}

// ObserveBusPublish records one integration-event publish attempt.
func (r *Recorder) ObserveBusPublish(eventType string, outcome PublishOutcome) {
	if r == nil {
		return
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(PublishError)
	}
	r.busPublishes.WithLabelValues(normalizeLabel(eventType), outcomeLabel).Inc()
}

// ObserveBreakerTransition records a circuit state change for a backend.
func (r *Recorder) ObserveBreakerTransition(service, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(normalizeLabel(service), normalizeLabel(from), normalizeLabel(to)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
