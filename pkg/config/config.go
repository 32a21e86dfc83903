package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/marmos91/dittocache/pkg/adapter/memcache"
	"github.com/marmos91/dittocache/pkg/cuckoo"
	"github.com/spf13/viper"
)

// Config represents the complete DittoCache configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOCACHE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains the memcached listener, reactor and pool settings
	Server memcache.Config `mapstructure:"server" yaml:"server"`

	// Cuckoo sizes the item table
	Cuckoo CuckooConfig `mapstructure:"cuckoo" yaml:"cuckoo"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// CuckooConfig sizes the item table. Sizes accept humanized values such as
// "1KiB" or "64kb".
type CuckooConfig struct {
	// ItemSize is the largest key plus value a slot can hold
	ItemSize int `mapstructure:"item_size" yaml:"item_size" validate:"required,min=1,max=1048576"`

	// NItem is the requested item capacity, rounded up to a power of two
	NItem int `mapstructure:"nitem" yaml:"nitem" validate:"required,min=1"`

	// Policy is the eviction policy: random, oldest or reject
	Policy cuckoo.Policy `mapstructure:"policy" yaml:"policy"`

	// CAS enables version numbers (default true)
	CAS bool `mapstructure:"cas" yaml:"cas"`

	// MaxDisplace bounds the displacement search depth
	MaxDisplace int `mapstructure:"max_displace" yaml:"max_displace" validate:"min=0,max=6"`

	// ZeroOnDelete wipes released slots
	ZeroOnDelete bool `mapstructure:"zero_on_delete" yaml:"zero_on_delete"`
}

// Table converts the section into the table's own config type.
func (c CuckooConfig) Table() cuckoo.Config {
	return cuckoo.Config{
		ItemSize:     c.ItemSize,
		NItem:        c.NItem,
		Policy:       c.Policy,
		CAS:          c.CAS,
		MaxDisplace:  c.MaxDisplace,
		ZeroOnDelete: c.ZeroOnDelete,
	}
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	// Enabled turns on collection and the /metrics server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host to bind; empty binds every interface
	Host string `mapstructure:"host" yaml:"host"`

	// Port of the metrics server
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	// Struct binding lets DITTOCACHE_* variables override keys that are
	// absent from the file.
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOCACHE_SERVER_PORT=11311
	v.SetEnvPrefix("DITTOCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range keyDefaults() {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/dittocache/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// decodeHook converts the string forms accepted in files and environment
// variables: durations ("5m"), policies ("fixed", "oldest") and byte sizes
// ("1MiB").
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		byteSizeHookFunc(),
	)
}

// byteSizeHookFunc parses humanized sizes into integer fields. Plain
// numbers are left to the weakly typed decoder.
func byteSizeHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
		default:
			return data, nil
		}

		s := strings.TrimSpace(data.(string))
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return data, nil
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return data, nil
		}
		if n > math.MaxInt32 {
			return nil, fmt.Errorf("size %q is too large", s)
		}
		return int(n), nil
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittocache")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittocache")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
