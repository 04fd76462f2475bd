package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Assignments counts emergency creations by outcome (assigned, pending, aborted)
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emergency_assignments_total", Help: "Emergency creations by capability and outcome."},
		[]string{"capability", "outcome"},
	)
	// Transitions counts lifecycle transitions by resulting status
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emergency_transitions_total", Help: "Lifecycle transitions by target status."},
		[]string{"status"},
	)
	// RouteResolver tracks route computation latency by outcome
	RouteResolver = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "route_resolver_duration_seconds", Help: "Route resolver latency.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5}},
		[]string{"outcome"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Assignments)
		Registry.MustRegister(Transitions)
		Registry.MustRegister(RouteResolver)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
