package config

import (
	"strings"

	"github.com/marmos91/dittocache/pkg/adapter/memcache"
	"github.com/marmos91/dittocache/pkg/cuckoo"
)

// DefaultMetricsPort is the Prometheus endpoint port.
const DefaultMetricsPort = 9090

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default values:
//   - Logging: INFO level, text format, stdout output
//   - Server: port 11211, one worker per CPU, memcache.Config defaults
//   - Cuckoo: cuckoo.DefaultConfig sizes
//   - Metrics: disabled, port 9090
//
// Settings where zero disables a feature are defaulted by Load through
// keyDefaults, not here.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyCuckooDefaults(&cfg.Cuckoo)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes log level to uppercase.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	} else {
		cfg.Level = strings.ToUpper(cfg.Level)
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	} else {
		cfg.Format = strings.ToLower(cfg.Format)
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// keyDefaults lists settings whose zero value is meaningful: 0 disables
// idle reaping, expiry sweeps and the metrics log, and false disables CAS.
// They are registered with viper, so they only apply when the key is absent
// and an explicit zero survives loading.
func keyDefaults() map[string]any {
	return map[string]any{
		"server.idle_timeout":         memcache.DefaultIdleTimeout,
		"server.sweep_batch":          memcache.DefaultSweepBatch,
		"server.metrics_log_interval": memcache.DefaultMetricsLogInterval,
		"cuckoo.cas":                  true,
	}
}

// applyServerDefaults fills the port and defers to the adapter for the rest.
func applyServerDefaults(cfg *memcache.Config) {
	// Port 0 only makes sense in tests, where the adapter is built directly.
	if cfg.Port == 0 {
		cfg.Port = memcache.DefaultPort
	}
	cfg.ApplyDefaults()
}

func applyCuckooDefaults(cfg *CuckooConfig) {
	if cfg.ItemSize == 0 {
		cfg.ItemSize = cuckoo.DefaultItemSize
	}
	if cfg.NItem == 0 {
		cfg.NItem = cuckoo.DefaultNItem
	}
	if cfg.MaxDisplace == 0 {
		cfg.MaxDisplace = cuckoo.DefaultMaxDisplace
	}
	// Policy zero is random. CAS comes from keyDefaults.
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Server: memcache.Config{
			IdleTimeout:        memcache.DefaultIdleTimeout,
			SweepBatch:         memcache.DefaultSweepBatch,
			MetricsLogInterval: memcache.DefaultMetricsLogInterval,
		},
		Cuckoo: CuckooConfig{
			Policy: cuckoo.PolicyRandom,
			CAS:    true,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
