// Package metrics defines the observability hooks of the cache: one
// interface per layer (StorageMetrics for the cuckoo table, ServerMetrics
// for the reactor, ProcessMetrics for command handling) plus the /metrics
// HTTP server.
//
// Collection is off unless InitRegistry runs. Callers that never enable it
// pass the NewNoop* values, or nil where a constructor accepts it, and pay
// only an interface call per event. The Prometheus collectors live in the
// prometheus subpackage, which keeps client_golang out of the table and the
// protocol code.
//
// config.InitializeMetrics is the one place that wires this together: it
// calls InitRegistry when metrics.enabled is set, builds the collectors with
// a nil Registerer so they attach here, and hands NewServer the result.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors already attached. Only the first call has an effect.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the registry, or nil before InitRegistry.
// NewServer answers 503 on /metrics while it is nil.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
