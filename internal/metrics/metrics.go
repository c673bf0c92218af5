// Package metrics holds the Prometheus collectors for the tutor.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetutor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codetutor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	eventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetutor_events_enqueued_total",
			Help: "Events accepted into session queues",
		},
		[]string{"type"},
	)

	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetutor_events_processed_total",
			Help: "Events drained from session queues",
		},
		[]string{"type", "outcome"},
	)

	llmDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codetutor_llm_call_duration_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"path", "outcome"},
	)

	activeDrains = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetutor_active_drains",
			Help: "Drain loops currently running",
		},
	)

	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetutor_sessions",
			Help: "Sessions held in memory",
		},
	)

	outboxDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codetutor_outbox_delivered_total",
			Help: "Assistant messages handed to pollers",
		},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			eventsEnqueued,
			eventsProcessed,
			llmDuration,
			activeDrains,
			sessions,
			outboxDelivered,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordEnqueued counts an accepted event.
func RecordEnqueued(eventType string) {
	eventsEnqueued.WithLabelValues(eventType).Inc()
}

// RecordProcessed counts a drained event. outcome is "ok" or "error".
func RecordProcessed(eventType, outcome string) {
	eventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// RecordLLMCall observes one model call on the given path (drain or review).
func RecordLLMCall(path, outcome string, duration time.Duration) {
	llmDuration.WithLabelValues(path, outcome).Observe(duration.Seconds())
}

// DrainStarted increments the active drain gauge.
func DrainStarted() { activeDrains.Inc() }

// DrainFinished decrements the active drain gauge.
func DrainFinished() { activeDrains.Dec() }

// SetSessions sets the in-memory session gauge.
func SetSessions(n int) {
	sessions.Set(float64(n))
}

// RecordDelivered counts messages returned by polls.
func RecordDelivered(n int) {
	outboxDelivered.Add(float64(n))
}
