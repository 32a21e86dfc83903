// Package prometheus contains the Prometheus-backed implementations of the
// interfaces in pkg/metrics.
//
// Every constructor takes the Registerer to attach to. A nil Registerer means
// the global registry from metrics.InitRegistry; when that is not initialized
// the constructor returns the matching no-op implementation.
package prometheus

import (
	"github.com/marmos91/dittocache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dittocache"

// registerer resolves reg against the global registry. ok is false when
// metrics are disabled.
func registerer(reg prometheus.Registerer) (prometheus.Registerer, bool) {
	if reg != nil {
		return reg, true
	}
	if !metrics.IsEnabled() {
		return nil, false
	}
	return metrics.GetRegistry(), true
}
