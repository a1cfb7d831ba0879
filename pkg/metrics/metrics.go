// Package metrics defines the Prometheus collectors of the notes service and
// exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	NoteSavesTotal       *prometheus.CounterVec
	NoteDeletesTotal     *prometheus.CounterVec
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	CommitLatency        prometheus.Histogram
	LiveDocs             prometheus.Gauge
	Segments             prometheus.Gauge
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CacheCircuitState    prometheus.Gauge
	EventsPublishedTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		NoteSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "note_saves_total",
				Help: "Total note saves by status (created, replaced, failed).",
			},
			[]string{"status"},
		),
		NoteDeletesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "note_deletes_total",
				Help: "Total note deletes by status (ok, failed).",
			},
			[]string{"status"},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, syntax_error, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CommitLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "store_commit_latency_seconds",
				Help:    "Latency of store commits in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		LiveDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "store_live_documents",
				Help: "Number of live notes in the store.",
			},
		),
		Segments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "store_segments",
				Help: "Number of segments in the last commit.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
		CacheCircuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_circuit_state",
				Help: "Search cache circuit breaker state: 0 closed, 1 open, 2 half-open.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "note_events_published_total",
				Help: "Note change events handed to the event stream by status (ok, dropped, failed).",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.NoteSavesTotal,
		m.NoteDeletesTotal,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CommitLatency,
		m.LiveDocs,
		m.Segments,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheCircuitState,
		m.EventsPublishedTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
