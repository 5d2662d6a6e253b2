// Package metrics provides Prometheus metrics export for the embedding
// pipeline and the search service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exports pipeline metrics in Prometheus format.
type Exporter struct {
	registry *prometheus.Registry

	// Pipeline metrics
	jobsProcessed *prometheus.CounterVec
	jobLatency    *prometheus.HistogramVec
	jobsInFlight  prometheus.Gauge
	deadLettered  *prometheus.CounterVec

	// Provider metrics
	embedCalls   *prometheus.CounterVec
	embedLatency prometheus.Histogram

	// Search metrics
	searchRequests *prometheus.CounterVec
	searchLatency  prometheus.Histogram
}

// NewExporter creates an Exporter with its own registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earthdata_jobs_processed_total",
			Help: "Embedding jobs processed, by action and outcome.",
		}, []string{"action", "outcome"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "earthdata_job_duration_seconds",
			Help:    "End-to-end embedding job processing latency.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"action"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "earthdata_jobs_in_flight",
			Help: "Embedding jobs currently being processed.",
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earthdata_jobs_dead_lettered_total",
			Help: "Jobs routed to the dead-letter channel, by reason.",
		}, []string{"reason"}),
		embedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earthdata_embed_calls_total",
			Help: "Embedding provider calls, by outcome.",
		}, []string{"outcome"}),
		embedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "earthdata_embed_duration_seconds",
			Help:    "Embedding provider call latency.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		searchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "earthdata_search_requests_total",
			Help: "Semantic search requests, by outcome.",
		}, []string{"outcome"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "earthdata_search_duration_seconds",
			Help:    "Semantic search request latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}),
	}

	registry.MustRegister(
		e.jobsProcessed,
		e.jobLatency,
		e.jobsInFlight,
		e.deadLettered,
		e.embedCalls,
		e.embedLatency,
		e.searchRequests,
		e.searchLatency,
	)

	return e
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) ObserveJob(action, outcome string, seconds float64) {
	e.jobsProcessed.WithLabelValues(action, outcome).Inc()
	e.jobLatency.WithLabelValues(action).Observe(seconds)
}

func (e *Exporter) JobStarted()  { e.jobsInFlight.Inc() }
func (e *Exporter) JobFinished() { e.jobsInFlight.Dec() }

func (e *Exporter) DeadLettered(reason string) {
	e.deadLettered.WithLabelValues(reason).Inc()
}

func (e *Exporter) ObserveEmbed(outcome string, seconds float64) {
	e.embedCalls.WithLabelValues(outcome).Inc()
	e.embedLatency.Observe(seconds)
}

func (e *Exporter) ObserveSearch(outcome string, seconds float64) {
	e.searchRequests.WithLabelValues(outcome).Inc()
	e.searchLatency.Observe(seconds)
}
