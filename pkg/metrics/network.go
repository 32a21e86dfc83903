package metrics

// ServerMetrics provides observability for the connection-handling core:
// connection lifecycle, socket throughput and pool utilization.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewServerMetrics(nil)
//	adapter := memcache.New(config, m)
//
//	// Without metrics (no-op)
//	adapter := memcache.New(config, nil)
type ServerMetrics interface {
	// RecordConnectionAccepted increments the total accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionRejected counts a connection refused at accept time.
	// reason is "pool_exhausted" or "rate_limited".
	RecordConnectionRejected(reason string)

	// RecordConnectionClosed increments the total closed connections counter.
	// reason is "client", "idle", "error" or "shutdown".
	RecordConnectionClosed(reason string)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordBytesTransferred records bytes read from or written to sockets.
	// direction is "read" or "write".
	RecordBytesTransferred(direction string, bytes int)

	// RecordBackpressure counts a connection whose reads were paused
	// because its pending output crossed the high-water mark.
	RecordBackpressure()

	// SetPoolOutstanding updates the number of borrowed objects of a pool.
	SetPoolOutstanding(pool string, n int)
}

// NewNoopServerMetrics returns a ServerMetrics that discards everything.
func NewNoopServerMetrics() ServerMetrics { return noopServerMetrics{} }

type noopServerMetrics struct{}

func (noopServerMetrics) RecordConnectionAccepted()          {}
func (noopServerMetrics) RecordConnectionRejected(string)    {}
func (noopServerMetrics) RecordConnectionClosed(string)      {}
func (noopServerMetrics) SetActiveConnections(int32)         {}
func (noopServerMetrics) RecordBytesTransferred(string, int) {}
func (noopServerMetrics) RecordBackpressure()                {}
func (noopServerMetrics) SetPoolOutstanding(string, int)     {}
