package prometheus

import (
	"github.com/marmos91/dittocache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics is the Prometheus implementation of metrics.ServerMetrics.
type serverMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	bytesTransferred    *prometheus.CounterVec
	backpressure        prometheus.Counter
	poolOutstanding     *prometheus.GaugeVec
}

// NewServerMetrics creates a Prometheus-backed ServerMetrics instance.
func NewServerMetrics(reg prometheus.Registerer) metrics.ServerMetrics {
	r, ok := registerer(reg)
	if !ok {
		return metrics.NewNoopServerMetrics()
	}
	f := promauto.With(r)

	return &serverMetrics{
		connectionsAccepted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_accepted_total",
				Help:      "Total number of connections accepted",
			},
		),
		connectionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_rejected_total",
				Help:      "Total number of connections refused at accept time",
			},
			[]string{"reason"},
		),
		connectionsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total number of connections closed",
			},
			[]string{"reason"},
		),
		activeConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Current number of open connections",
			},
		),
		bytesTransferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Total bytes read from and written to client sockets",
			},
			[]string{"direction"}, // read or write
		),
		backpressure: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_pauses_total",
				Help:      "Total number of times reads were paused on a connection with too much pending output",
			},
		),
		poolOutstanding: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_outstanding",
				Help:      "Objects currently borrowed from each pool",
			},
			[]string{"pool"},
		),
	}
}

func (m *serverMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *serverMetrics) RecordConnectionRejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *serverMetrics) RecordConnectionClosed(reason string) {
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

func (m *serverMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *serverMetrics) RecordBytesTransferred(direction string, bytes int) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *serverMetrics) RecordBackpressure() {
	m.backpressure.Inc()
}

func (m *serverMetrics) SetPoolOutstanding(pool string, n int) {
	m.poolOutstanding.WithLabelValues(pool).Set(float64(n))
}
