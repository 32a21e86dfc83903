package adapter

import (
	"context"

	"github.com/marmos91/dittocache/internal/protocol/memcache"
)

// Store is the shared cache engine every adapter serves. *cuckoo.Table
// implements it.
type Store interface {
	memcache.Store

	// ItemSize bounds len(key)+len(value); adapters size their parsers
	// from it.
	ItemSize() int

	// Sweep reclaims up to n expired slots. Adapters call it from their
	// housekeeping.
	Sweep(n int) int
}

// Adapter represents a protocol-specific front end managed by the server.
//
// Lifecycle:
//  1. Creation: the adapter is created with its configuration and metrics
//  2. Store injection: SetStore() provides the shared cache engine
//  3. Startup: Serve() binds the listener and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown bounded by a context
//
// Thread safety:
// Implementations must be safe for concurrent use. SetStore() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is
	// cancelled, Stop is called, or an unrecoverable error occurs.
	//
	// Returns nil on graceful shutdown and an error if the listener could
	// not be bound or a worker failed.
	Serve(ctx context.Context) error

	// SetStore injects the cache engine. Called exactly once before Serve().
	SetStore(store Store)

	// Stop initiates graceful shutdown and waits for it to finish or for
	// ctx to expire. It is idempotent and safe to call concurrently with
	// Serve().
	Stop(ctx context.Context) error

	// Protocol returns the protocol name used in logs and metrics.
	Protocol() string

	// Port returns the TCP port the adapter listens on. Before Serve has
	// bound the listener it is the configured port, which may be 0.
	Port() int
}
