package memcache

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/marmos91/dittocache/internal/pool"
	"go.uber.org/multierr"
)

// Config holds the network core settings of the memcached adapter.
//
// Default values (applied by New if zero):
//   - Port: 11211
//   - Workers: GOMAXPROCS
//   - ShutdownTimeout: 10s
//   - HousekeepingInterval: 1s
//   - WriteHighWater: 1 MiB
//   - ReadBufferSize: 16 KiB
//
// IdleTimeout, SweepBatch and MetricsLogInterval keep 0, which disables
// them; the configuration layer supplies DefaultIdleTimeout,
// DefaultSweepBatch and DefaultMetricsLogInterval when a key is absent.
type Config struct {
	// Host is the address to bind. Empty binds every interface.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the TCP port to listen on. 0 picks a free port.
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// Workers is the number of reactor goroutines. Each one owns an epoll
	// instance and every connection assigned to it.
	Workers int `mapstructure:"workers" yaml:"workers" validate:"min=0,max=1024"`

	// MaxConnections caps concurrently open client connections. A fixed
	// policy rejects connections once Size are open.
	MaxConnections pool.Capacity `mapstructure:"max_connections" yaml:"max_connections"`

	// IdleTimeout closes connections that have sent nothing for this long.
	// 0 keeps idle connections open.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout bounds how long workers keep flushing pending output
	// after shutdown starts.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`

	// HousekeepingInterval is the reactor wait timeout and the period of
	// idle reaping, expiry sweeps and gauge refreshes.
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval" yaml:"housekeeping_interval" validate:"min=0"`

	// WriteHighWater is the amount of unflushed output above which a
	// connection stops reading and processing requests.
	WriteHighWater int `mapstructure:"write_high_water" yaml:"write_high_water" validate:"min=0"`

	// ReadBufferSize is the initial buffer size and the size of one read.
	ReadBufferSize int `mapstructure:"read_buffer_size" yaml:"read_buffer_size" validate:"min=0"`

	// AcceptRate limits accepted connections per second. 0 disables it.
	AcceptRate float64 `mapstructure:"accept_rate" yaml:"accept_rate" validate:"min=0"`

	// AcceptBurst is the number of connections admitted at once when the
	// rate limiter is idle.
	AcceptBurst int `mapstructure:"accept_burst" yaml:"accept_burst" validate:"min=0"`

	// SweepBatch is the number of slots each housekeeping pass examines
	// for expired items. 0 disables proactive sweeping.
	SweepBatch int `mapstructure:"sweep_batch" yaml:"sweep_batch" validate:"min=0"`

	// MetricsLogInterval is the period of the connection summary log line.
	// 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"min=0"`

	// Pools sizes the request and buffer free-lists.
	Pools PoolsConfig `mapstructure:"pools" yaml:"pools"`

	// Version is reported by the version and stats commands.
	Version string `mapstructure:"-" yaml:"-"`
}

// PoolsConfig sizes the free-lists shared by the workers.
type PoolsConfig struct {
	// Requests holds decoded request objects. A fixed pool must hold at
	// least one request per worker.
	Requests pool.Capacity `mapstructure:"requests" yaml:"requests"`

	// Buffers holds connection I/O buffers, two per connection. When it is
	// fixed and exhausted new connections are rejected.
	Buffers pool.Capacity `mapstructure:"buffers" yaml:"buffers"`
}

const (
	DefaultPort                 = 11211
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultHousekeepingInterval = time.Second
	DefaultWriteHighWater       = 1 << 20
	DefaultReadBufferSize       = 16 << 10
	DefaultSweepBatch           = 1024
	DefaultMetricsLogInterval   = 5 * time.Minute
)

// ApplyDefaults fills in zero values. Port 0 is kept: it asks the kernel for
// a free port, which tests rely on.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.HousekeepingInterval == 0 {
		c.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if c.WriteHighWater == 0 {
		c.WriteHighWater = DefaultWriteHighWater
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxConnections.Policy == pool.Unbounded && c.MaxConnections.Size == 0 {
		c.MaxConnections.Size = 64
	}
	if c.Pools.Requests.Policy == pool.Unbounded && c.Pools.Requests.Size == 0 {
		c.Pools.Requests.Size = c.Workers
	}
	if c.Pools.Buffers.Policy == pool.Unbounded && c.Pools.Buffers.Size == 0 {
		c.Pools.Buffers.Size = 2 * c.MaxConnections.Size
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	var err error
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("invalid port %d: must be 0-65535", c.Port))
	}
	if c.Workers < 1 {
		err = multierr.Append(err, fmt.Errorf("invalid workers %d: must be >= 1", c.Workers))
	}
	if c.HousekeepingInterval < time.Millisecond {
		err = multierr.Append(err, fmt.Errorf("invalid housekeeping_interval %v: must be >= 1ms", c.HousekeepingInterval))
	}
	if c.IdleTimeout < 0 || c.ShutdownTimeout < 0 || c.MetricsLogInterval < 0 {
		err = multierr.Append(err, errors.New("timeouts and intervals must be >= 0"))
	}
	if c.WriteHighWater < 1 {
		err = multierr.Append(err, fmt.Errorf("invalid write_high_water %d: must be > 0", c.WriteHighWater))
	}
	if c.ReadBufferSize < 1 {
		err = multierr.Append(err, fmt.Errorf("invalid read_buffer_size %d: must be > 0", c.ReadBufferSize))
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 || c.SweepBatch < 0 {
		err = multierr.Append(err, errors.New("accept_rate, accept_burst and sweep_batch must be >= 0"))
	}
	for _, p := range []struct {
		name     string
		capacity pool.Capacity
	}{
		{"max_connections", c.MaxConnections},
		{"pools.requests", c.Pools.Requests},
		{"pools.buffers", c.Pools.Buffers},
	} {
		if cerr := p.capacity.Validate(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", p.name, cerr))
		}
	}
	if c.Pools.Requests.Policy == pool.Fixed && c.Pools.Requests.Size < c.Workers {
		err = multierr.Append(err, fmt.Errorf("pools.requests: fixed size %d must be >= workers (%d)", c.Pools.Requests.Size, c.Workers))
	}
	return err
}
