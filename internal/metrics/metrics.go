// Package metrics exposes prometheus collectors for the trigger path, the
// pipeline and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pipelineRuns     *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	webhookEvents    *prometheus.CounterVec
	triggers         *prometheus.CounterVec
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	reconciled       prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by step and outcome.",
		}, []string{"step", "outcome"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackpilot",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 3, 8),
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by event and result.",
		}, []string{"event", "result"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "trigger",
			Name:      "decisions_total",
			Help:      "Trigger decisions by source and step.",
		}, []string{"source", "step"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackpilot",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stackpilot",
			Subsystem: "lifecycle",
			Name:      "stale_deployments_failed_total",
			Help:      "Open deployments failed by stale reconciliation.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pipelineRuns,
		m.pipelineDuration,
		m.webhookEvents,
		m.triggers,
		m.requestTotal,
		m.requestLatency,
		m.rateLimitHits,
		m.reconciled,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PipelineRun records one finished pipeline run.
func (m *Metrics) PipelineRun(step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(step, outcome).Inc()
	m.pipelineDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// WebhookEvent records one webhook delivery.
func (m *Metrics) WebhookEvent(event, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event, result).Inc()
}

// Trigger records the step decided for a push, pull request or manual deploy.
func (m *Metrics) Trigger(source, step string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(source, step).Inc()
}

// Request records one HTTP request.
func (m *Metrics) Request(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(route).Inc()
}

// Reconciled records attempts failed by stale reconciliation.
func (m *Metrics) Reconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconciled.Add(float64(n))
}
