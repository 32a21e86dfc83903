package prometheus

import (
	"time"

	"github.com/marmos91/dittocache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// processMetrics is the Prometheus implementation of metrics.ProcessMetrics.
type processMetrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	clientErrors    *prometheus.CounterVec
}

// NewProcessMetrics creates a Prometheus-backed ProcessMetrics instance.
func NewProcessMetrics(reg prometheus.Registerer) metrics.ProcessMetrics {
	r, ok := registerer(reg)
	if !ok {
		return metrics.NewNoopProcessMetrics()
	}
	f := promauto.With(r)

	return &processMetrics{
		commandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of commands processed by command and response status",
			},
			[]string{"command", "status"},
		),
		commandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time spent executing a command against the table",
				Buckets: []float64{
					0.000001, // 1µs
					0.000005, // 5µs
					0.00001,  // 10µs
					0.00005,  // 50µs
					0.0001,   // 100µs
					0.0005,   // 500µs
					0.001,    // 1ms
					0.01,     // 10ms
				},
			},
			[]string{"command"},
		),
		clientErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_errors_total",
				Help:      "Total number of requests rejected by the protocol parser",
			},
			[]string{"reason"},
		),
	}
}

func (m *processMetrics) RecordCommand(command string, status string, duration time.Duration) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *processMetrics) RecordClientError(reason string) {
	m.clientErrors.WithLabelValues(reason).Inc()
}
