// Package metrics exposes the Prometheus registry scraped at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus metric the system exposes.
type Registry struct {
	MessagesReceived  *prometheus.CounterVec
	TradesIngested    prometheus.Counter
	ConnectorRestarts *prometheus.CounterVec
	DBWriteLatency    *prometheus.HistogramVec
}

// New creates and registers the metrics registry.
func New() *Registry {
	r := &Registry{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_received_total",
				Help: "Total normalized messages received by type.",
			},
			[]string{"type"},
		),
		TradesIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trades_ingested_total",
				Help: "Total trades accepted by the normalizer.",
			},
		),
		ConnectorRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_restarts_total",
				Help: "Total order-book resyncs per connector.",
			},
			[]string{"connector"},
		),
		DBWriteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_write_latency_seconds",
				Help:    "Latency of persistence writes by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	prometheus.MustRegister(
		r.MessagesReceived,
		r.TradesIngested,
		r.ConnectorRestarts,
		r.DBWriteLatency,
	)

	return r
}

// Handler returns the HTTP handler for the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
