// Package metrics provides Prometheus metrics for the datagram bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sources of ingested operations.
const (
	SourceLocal  = "local"
	SourceGossip = "gossip"
	SourceSync   = "sync"
)

// Metrics holds all Prometheus metrics of a node. Each instance owns its
// registry so that several nodes can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	DatagramsReceived prometheus.Counter
	OperationsCreated prometheus.Counter
	Ingested          *prometheus.CounterVec
	Rejected          *prometheus.CounterVec
	Duplicates        *prometheus.CounterVec
	PayloadsForwarded prometheus.Counter
	BroadcastsSent    prometheus.Counter
	SocketErrors      *prometheus.CounterVec
	IngestLatency     prometheus.Histogram
	KnownAuthors      prometheus.Gauge
}

// New creates a new Metrics instance with the given namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of datagrams read from the local socket",
		}),
		OperationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_created_total",
			Help:      "Total number of operations signed by this node",
		}),
		Ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_ingested_total",
			Help:      "Operations appended to the store by source",
		}, []string{"source"}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Operations dropped by decoding or validation by source",
		}, []string{"source"}),
		Duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_duplicate_total",
			Help:      "Operations received that were already stored by source",
		}, []string{"source"}),
		PayloadsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_forwarded_total",
			Help:      "Payloads sent to the local client",
		}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_sent_total",
			Help:      "Gossip envelopes handed to the mesh",
		}),
		SocketErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_errors_total",
			Help:      "Local socket errors by direction",
		}, []string{"direction"}),
		IngestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_latency_seconds",
			Help:      "Time spent validating and appending an operation",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		KnownAuthors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_authors",
			Help:      "Number of authors known for the subscribed topic",
		}),
	}
}

// RecordIngest records the outcome of one ingestion attempt. Exactly one of
// the outcome counters is incremented.
func (m *Metrics) RecordIngest(source string, duplicate bool, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.IngestLatency.Observe(duration.Seconds())
	switch {
	case err != nil:
		m.Rejected.WithLabelValues(source).Inc()
	case duplicate:
		m.Duplicates.WithLabelValues(source).Inc()
	default:
		m.Ingested.WithLabelValues(source).Inc()
	}
}

// RecordRejected records an item dropped before ingestion, e.g. because it
// could not be decoded.
func (m *Metrics) RecordRejected(source string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(source).Inc()
}

// RecordSocketError records a failed read or write on the local socket.
func (m *Metrics) RecordSocketError(direction string) {
	if m == nil {
		return
	}
	m.SocketErrors.WithLabelValues(direction).Inc()
}

// DatagramReceived counts a datagram read from the local socket.
func (m *Metrics) DatagramReceived() {
	if m != nil {
		m.DatagramsReceived.Inc()
	}
}

// OperationCreated counts an operation signed by this node.
func (m *Metrics) OperationCreated() {
	if m != nil {
		m.OperationsCreated.Inc()
	}
}

// PayloadForwarded counts a payload sent to the local client.
func (m *Metrics) PayloadForwarded() {
	if m != nil {
		m.PayloadsForwarded.Inc()
	}
}

// BroadcastSent counts an envelope handed to the mesh.
func (m *Metrics) BroadcastSent() {
	if m != nil {
		m.BroadcastsSent.Inc()
	}
}

// SetKnownAuthors updates the author gauge.
func (m *Metrics) SetKnownAuthors(n int) {
	if m == nil {
		return
	}
	m.KnownAuthors.Set(float64(n))
}

// Registry returns the registry all metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
