// Package observability holds the Prometheus instruments shared by the relay's
// components. Every instance owns its own registry so tests can build as many
// as they like without colliding on the global one.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinyrelay"

// Ingest outcomes
const (
	IngestStored       = "stored"
	IngestMalformed    = "malformed"
	IngestIgnoredTopic = "ignored_topic"
	IngestStoreError   = "store_error"
)

// Job outcomes
const (
	JobSuccess = "success"
	JobError   = "error"
	JobPanic   = "panic"
	JobSkipped = "skipped"
)

// Metrics bundles every collector the relay exports
type Metrics struct {
	registry *prometheus.Registry

	IngestEvents    *prometheus.CounterVec
	UnknownReadings prometheus.Counter

	RelayChunks   *prometheus.CounterVec
	RelayRecords  *prometheus.CounterVec
	RelayDuration prometheus.Histogram

	RetentionDeleted prometheus.Counter

	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	StoreRecords prometheus.Gauge
	StoreBytes   prometheus.Gauge
	WSClients    prometheus.Gauge
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IngestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_events_total",
			Help:      "Telemetry events received over MQTT, by outcome.",
		}, []string{"outcome"}),
		UnknownReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_unknown_readings_total",
			Help:      "Readings whose Id is not in the schema registry.",
		}),
		RelayChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_chunks_total",
			Help:      "WriteRecords calls, by outcome (ok, rejected, failed).",
		}, []string{"outcome"}),
		RelayRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_records_total",
			Help:      "Records handed to the sink, by outcome (accepted, rejected).",
		}, []string{"outcome"}),
		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_run_duration_seconds",
			Help:      "Wall time of one relay run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_records_total",
			Help:      "Local records removed by the retention janitor.",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job ticks, by job and outcome.",
		}, []string{"job", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of completed job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"job"}),
		StoreRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_records",
			Help:      "Records currently held in the local store.",
		}),
		StoreBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_size_bytes",
			Help:      "On-disk size of the local store.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected live-stream WebSocket clients.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestEvents,
		m.UnknownReadings,
		m.RelayChunks,
		m.RelayRecords,
		m.RelayDuration,
		m.RetentionDeleted,
		m.JobRuns,
		m.JobDuration,
		m.StoreRecords,
		m.StoreBytes,
		m.WSClients,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
