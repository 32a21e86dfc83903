package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/adapter"
	"github.com/marmos91/dittocache/pkg/metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultStopTimeout bounds adapter shutdown when no timeout is configured.
const DefaultStopTimeout = 30 * time.Second

// Server manages the lifecycle of the protocol adapters sharing one cache
// store, the optional metrics endpoint, and the resources they were built
// from.
//
// Lifecycle:
//  1. Creation: New() with the store
//  2. Registration: AddAdapter() for each protocol, OnClose() for every
//     resource in construction order
//  3. Startup: Serve() starts adapters and the metrics server concurrently
//  4. Shutdown: context cancellation (or an adapter failure) stops the
//     adapters in reverse registration order, then runs the closers in
//     reverse order
//
// Thread safety:
// AddAdapter(), OnClose() and SetMetricsServer() may be called concurrently
// before Serve(). Serve() may only be called once.
//
// Example usage:
//
//	srv := server.New(table, 10*time.Second)
//	srv.OnClose("cache table", func() error { table.Close(); return nil })
//	if err := srv.AddAdapter(memcacheAdapter); err != nil {
//	    return err
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	return srv.Serve(ctx)
type Server struct {
	store       adapter.Store
	stopTimeout time.Duration

	mu            sync.Mutex
	adapters      []adapter.Adapter
	metricsServer *metrics.Server
	closers       []closer
	served        bool
}

// closer is one teardown step. Closers run in reverse registration order so
// resources are released after everything built on top of them.
type closer struct {
	name string
	fn   func() error
}

// New creates a Server for the given store. stopTimeout bounds adapter
// shutdown; 0 selects DefaultStopTimeout.
//
// Panics if store is nil (indicates programmer error).
func New(store adapter.Store, stopTimeout time.Duration) *Server {
	if store == nil {
		panic("store cannot be nil")
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Server{
		store:       store,
		stopTimeout: stopTimeout,
		adapters:    make([]adapter.Adapter, 0, 2),
	}
}

// AddAdapter injects the store into a and registers it.
//
// Returns an error if an adapter for the same protocol, or on the same
// non-zero port, is already registered.
//
// Panics if a is nil or Serve() has already been called.
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol, port := a.Protocol(), a.Port()
	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetStore(s.store)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// SetMetricsServer registers the HTTP metrics endpoint. It is started with
// the adapters and stopped after them.
func (s *Server) SetMetricsServer(m *metrics.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsServer = m
}

// OnClose pushes a teardown step. Steps run once, in reverse order, when
// Serve returns; register them in construction order.
func (s *Server) OnClose(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

// Serve starts every adapter and the metrics server, and blocks until ctx
// is cancelled or one of them fails.
//
// Returns:
//   - nil on graceful shutdown triggered by ctx
//   - the failing component's error, combined with any shutdown errors,
//     otherwise
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	adapters := append([]adapter.Adapter(nil), s.adapters...)
	metricsServer := s.metricsServer
	s.mu.Unlock()

	err := s.serve(ctx, adapters, metricsServer)
	return multierr.Append(err, s.close())
}

func (s *Server) serve(ctx context.Context, adapters []adapter.Adapter, metricsServer *metrics.Server) error {
	if len(adapters) == 0 {
		return errors.New("no adapters registered; call AddAdapter() before Serve()")
	}

	logger.Info("Starting server with %d adapter(s)", len(adapters))
	startTime := time.Now()

	// runCtx is cancelled when the caller cancels or any component fails.
	g, runCtx := errgroup.WithContext(ctx)

	for _, a := range adapters {
		g.Go(func() error {
			logger.Info("Starting %s adapter on port %d", a.Protocol(), a.Port())
			if err := a.Serve(runCtx); err != nil {
				logger.Error("%s adapter failed: %v", a.Protocol(), err)
				return fmt.Errorf("%s adapter error: %w", a.Protocol(), err)
			}
			logger.Info("%s adapter stopped", a.Protocol())
			return nil
		})
	}

	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Start(runCtx)
		})
	}

	// Adapters return nil when their context is cancelled, so the group
	// only finishes early on a failure or after runCtx is done.
	g.Go(func() error {
		<-runCtx.Done()
		if ctx.Err() != nil {
			logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		}
		s.stopAllAdapters(adapters)
		return nil
	})

	logger.Debug("Components started in %v", time.Since(startTime))

	err := g.Wait()
	if err == nil {
		logger.Info("Server stopped gracefully")
	}
	return err
}

// stopAllAdapters stops adapters in reverse registration order, each
// bounded by the stop timeout.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))
	for i := len(adapters) - 1; i >= 0; i-- {
		a := adapters[i]
		logger.Debug("Stopping %s adapter (port %d)", a.Protocol(), a.Port())
		if err := a.Stop(ctx); err != nil {
			logger.Error("Error stopping %s adapter: %v", a.Protocol(), err)
		}
	}
}

// close runs the registered closers in reverse order and aggregates their
// errors.
func (s *Server) close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		logger.Debug("Closing %s", c.name)
		if cerr := c.fn(); cerr != nil {
			logger.Error("Error closing %s: %v", c.name, cerr)
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.name, cerr))
		}
	}
	return err
}

// Adapters returns a snapshot of the registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]adapter.Adapter(nil), s.adapters...)
}
