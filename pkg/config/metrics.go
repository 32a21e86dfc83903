package config

import (
	"github.com/marmos91/dittocache/pkg/metrics"
	promMetrics "github.com/marmos91/dittocache/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Storage is passed to the cuckoo table (never nil)
	Storage metrics.StorageMetrics

	// Network is passed to the memcached adapter (never nil)
	Network metrics.ServerMetrics

	// Process records per-command outcomes (never nil)
	Process metrics.ProcessMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled the global Prometheus registry is initialized and
// every collector is registered on it. Otherwise the no-op implementations
// are returned and Server is nil.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Storage: metrics.NewNoopStorageMetrics(),
			Network: metrics.NewNoopServerMetrics(),
			Process: metrics.NewNoopProcessMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Host: cfg.Metrics.Host,
			Port: cfg.Metrics.Port,
		}),
		Storage: promMetrics.NewStorageMetrics(nil),
		Network: promMetrics.NewServerMetrics(nil),
		Process: promMetrics.NewProcessMetrics(nil),
	}
}
