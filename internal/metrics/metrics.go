// Package metrics exposes Prometheus instrumentation for the sync
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the engine and resilience layer update.
type Metrics struct {
	registry *prometheus.Registry

	SyncTotal        *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	RecoveriesTotal  *prometheus.CounterVec
	OfflineQueueSize prometheus.Gauge
	Online           prometheus.Gauge
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "walletsync_sync_operations_total",
			Help: "Sync operations by operation name and outcome.",
		}, []string{"operation", "outcome"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "walletsync_sync_duration_seconds",
			Help:    "Sync operation duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "walletsync_errors_total",
			Help: "Classified errors by type.",
		}, []string{"type"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "walletsync_retries_total",
			Help: "Retry attempts by operation.",
		}, []string{"operation"}),
		RecoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "walletsync_recoveries_total",
			Help: "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		OfflineQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "walletsync_offline_queue_size",
			Help: "Actions waiting in the offline queue.",
		}),
		Online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "walletsync_online",
			Help: "1 when the device is online, 0 when offline.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSync records one completed sync operation.
func (m *Metrics) ObserveSync(operation string, success bool, seconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.SyncTotal.WithLabelValues(operation, outcome).Inc()
	m.SyncDuration.WithLabelValues(operation).Observe(seconds)
}

// ObserveRecovery records one recovery attempt.
func (m *Metrics) ObserveRecovery(strategy string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.RecoveriesTotal.WithLabelValues(strategy, outcome).Inc()
}
