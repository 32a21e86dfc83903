package memcache

import (
	"runtime"
	"testing"
	"time"

	"github.com/marmos91/dittocache/internal/pool"
	proto "github.com/marmos91/dittocache/internal/protocol/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 0, cfg.Port, "port 0 is kept")
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.Workers)
	assert.Zero(t, cfg.IdleTimeout, "0 keeps idle connections open")
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultHousekeepingInterval, cfg.HousekeepingInterval)
	assert.Equal(t, DefaultWriteHighWater, cfg.WriteHighWater)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Equal(t, pool.Unbounded, cfg.MaxConnections.Policy)
	assert.Equal(t, cfg.Workers, cfg.Pools.Requests.Size)
	assert.Equal(t, 2*cfg.MaxConnections.Size, cfg.Pools.Buffers.Size)
	assert.Zero(t, cfg.SweepBatch)
	assert.Zero(t, cfg.MetricsLogInterval)
	require.NoError(t, cfg.Validate())
}

func TestConfig_ApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Workers:        3,
		IdleTimeout:    time.Second,
		WriteHighWater: 512,
		MaxConnections: pool.FixedCapacity(10),
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, time.Second, cfg.IdleTimeout)
	assert.Equal(t, 512, cfg.WriteHighWater)
	assert.Equal(t, pool.FixedCapacity(10), cfg.MaxConnections)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		c := Config{Workers: 2}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"housekeeping too short", func(c *Config) { c.HousekeepingInterval = time.Microsecond }},
		{"negative idle timeout", func(c *Config) { c.IdleTimeout = -time.Second }},
		{"zero high water", func(c *Config) { c.WriteHighWater = 0 }},
		{"negative accept rate", func(c *Config) { c.AcceptRate = -1 }},
		{"empty fixed connection pool", func(c *Config) { c.MaxConnections = pool.FixedCapacity(0) }},
		{"request pool smaller than workers", func(c *Config) { c.Pools.Requests = pool.FixedCapacity(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Workers: 1, Pools: PoolsConfig{Buffers: pool.FixedCapacity(0)}}, nil, nil)
	assert.ErrorContains(t, err, "pools.buffers")
}

func TestBufferLimit(t *testing.T) {
	cfg := Config{WriteHighWater: 1 << 10, ReadBufferSize: 4 << 10}

	limit := bufferLimit(cfg, 1024)
	assert.GreaterOrEqual(t, limit, proto.NewParser(1024).MaxRequestSize()+cfg.ReadBufferSize)
	assert.GreaterOrEqual(t, limit, cfg.WriteHighWater+proto.MaxKeys*1024)
}
