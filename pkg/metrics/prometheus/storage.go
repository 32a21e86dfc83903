package prometheus

import (
	"github.com/marmos91/dittocache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storageMetrics is the Prometheus implementation of metrics.StorageMetrics.
type storageMetrics struct {
	lookups       *prometheus.CounterVec
	inserts       prometheus.Counter
	displaceDepth prometheus.Histogram
	evictions     *prometheus.CounterVec
	rejected      prometheus.Counter
	expired       prometheus.Counter
	items         prometheus.Gauge
	capacity      prometheus.Gauge
}

// NewStorageMetrics creates a Prometheus-backed StorageMetrics instance.
func NewStorageMetrics(reg prometheus.Registerer) metrics.StorageMetrics {
	r, ok := registerer(reg)
	if !ok {
		return metrics.NewNoopStorageMetrics()
	}
	f := promauto.With(r)

	return &storageMetrics{
		lookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "lookups_total",
				Help:      "Total number of key lookups by result",
			},
			[]string{"result"}, // hit or miss
		),
		inserts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "inserts_total",
				Help:      "Total number of items written into a free slot",
			},
		),
		displaceDepth: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "displacement_depth",
				Help:      "Number of items relocated per insertion",
				Buckets:   []float64{0, 1, 2, 3, 4},
			},
		),
		evictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "evictions_total",
				Help:      "Total number of items evicted to make room, by policy",
			},
			[]string{"policy"},
		),
		rejected: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "rejected_total",
				Help:      "Total number of insertions refused because the table is full",
			},
		),
		expired: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "expired_total",
				Help:      "Total number of expired items reclaimed",
			},
		),
		items: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "items",
				Help:      "Current number of occupied slots",
			},
		),
		capacity: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "capacity_items",
				Help:      "Total number of slots in the table",
			},
		),
	}
}

func (m *storageMetrics) RecordLookup(hit bool) {
	if hit {
		m.lookups.WithLabelValues("hit").Inc()
		return
	}
	m.lookups.WithLabelValues("miss").Inc()
}

func (m *storageMetrics) RecordInsert(depth int) {
	m.inserts.Inc()
	m.displaceDepth.Observe(float64(depth))
}

func (m *storageMetrics) RecordEviction(policy string) {
	m.evictions.WithLabelValues(policy).Inc()
}

func (m *storageMetrics) RecordRejected() {
	m.rejected.Inc()
}

func (m *storageMetrics) RecordExpired(n int) {
	m.expired.Add(float64(n))
}

func (m *storageMetrics) SetItems(n int) {
	m.items.Set(float64(n))
}

func (m *storageMetrics) SetCapacity(n int) {
	m.capacity.Set(float64(n))
}
