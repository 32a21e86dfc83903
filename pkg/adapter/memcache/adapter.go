// Package memcache is the event-driven network core serving the memcached
// text protocol.
//
// Architecture:
// One acceptor goroutine blocks in Accept and admits each connection
// through the connection pool and the accept rate limiter. Admitted
// sockets are detached from the Go runtime poller and handed, round-robin,
// to one of a fixed set of workers. Each worker owns an epoll instance and
// every connection assigned to it; a connection never moves between
// workers. The cache engine is the only state shared between workers.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. Workers woken; they stop reading and flush pending output
//  4. Connections still holding output after ShutdownTimeout are closed
//  5. Pools drained and pollers released
package memcache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/dittocache/internal/buf"
	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/internal/pool"
	proto "github.com/marmos91/dittocache/internal/protocol/memcache"
	"github.com/marmos91/dittocache/internal/ratelimiter"
	"github.com/marmos91/dittocache/pkg/adapter"
	"github.com/marmos91/dittocache/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	// maxEvents is the number of ready descriptors one wait returns.
	maxEvents = 256

	// handoffQueue is the number of accepted connections that may wait for
	// their worker to pick them up.
	handoffQueue = 256

	acceptBackoff = 5 * time.Millisecond
)

// Adapter implements adapter.Adapter for the memcached text protocol.
//
// Thread safety:
// All exported methods are safe for concurrent use. Serve() may only be
// called once per Adapter.
type Adapter struct {
	config Config

	store     adapter.Store
	processor *proto.Processor

	metrics        metrics.ServerMetrics
	processMetrics metrics.ProcessMetrics
	limiter        *ratelimiter.Limiter

	// mu guards listener and workers against a concurrent Stop.
	mu       sync.Mutex
	listener net.Listener
	workers  []*worker
	port     atomic.Int32

	// next is the round-robin cursor. Only the acceptor touches it.
	next int

	conns    *pool.Pool[*conn]
	buffers  *pool.Pool[*buf.Buffer]
	requests *pool.Pool[*proto.Request]

	shutdownOnce sync.Once
	shutdown     chan struct{}
	stopping     atomic.Bool
	serving      atomic.Bool
	ready        chan struct{}
	done         chan struct{}

	startTime time.Time
	connCount atomic.Int32
	nextID    atomic.Uint64
	counters  struct {
		accepted     atomic.Uint64
		rejected     atomic.Uint64
		bytesRead    atomic.Uint64
		bytesWritten atomic.Uint64
		yields       atomic.Uint64
	}
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an Adapter in a stopped state. Zero values in config are
// replaced with defaults. Metrics may be nil.
func New(config Config, serverMetrics metrics.ServerMetrics, processMetrics metrics.ProcessMetrics) (*Adapter, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memcache config: %w", err)
	}

	if serverMetrics == nil {
		serverMetrics = metrics.NewNoopServerMetrics()
	}
	if processMetrics == nil {
		processMetrics = metrics.NewNoopProcessMetrics()
	}

	logger.Debug("memcache connection limit: %s", config.MaxConnections)

	return &Adapter{
		config:         config,
		metrics:        serverMetrics,
		processMetrics: processMetrics,
		limiter:        ratelimiter.New(config.AcceptRate, config.AcceptBurst),
		shutdown:       make(chan struct{}),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// SetStore injects the cache engine.
//
// Thread safety:
// Called exactly once before Serve(), no synchronization needed.
func (a *Adapter) SetStore(store adapter.Store) {
	a.store = store
	logger.Debug("memcache store configured")
}

// Serve binds the listener, starts the acceptor and the workers, and blocks
// until the context is cancelled, Stop is called, or a worker fails.
func (a *Adapter) Serve(ctx context.Context) error {
	if a.store == nil {
		return errors.New("memcache adapter: SetStore must be called before Serve")
	}
	if !a.serving.CompareAndSwap(false, true) {
		return errors.New("memcache adapter: Serve called more than once")
	}
	defer close(a.done)

	if err := a.setup(); err != nil {
		return err
	}
	defer a.teardown()

	addr := net.JoinHostPort(a.config.Host, strconv.Itoa(a.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create memcache listener on %s: %w", addr, err)
	}

	a.mu.Lock()
	if a.stopping.Load() {
		a.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	a.listener = ln
	a.mu.Unlock()

	a.port.Store(int32(ln.Addr().(*net.TCPAddr).Port))
	a.startTime = time.Now()
	close(a.ready)

	logger.Info("memcache server listening on %s", ln.Addr())
	logger.Debug("memcache config: workers=%d idle_timeout=%v write_high_water=%s read_buffer=%s accept_rate=%v",
		a.config.Workers, a.config.IdleTimeout,
		humanize.IBytes(uint64(a.config.WriteHighWater)), humanize.IBytes(uint64(a.config.ReadBufferSize)),
		a.config.AcceptRate)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("memcache shutdown signal received: %v", gctx.Err())
		case <-a.shutdown:
		}
		a.initiateShutdown()
		return nil
	})
	g.Go(a.acceptLoop)
	for _, w := range a.workers {
		g.Go(w.run)
	}
	if a.config.MetricsLogInterval > 0 {
		g.Go(a.logMetrics)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("memcache server stopped")
	return nil
}

// setup builds the pools, the processor and the workers. It runs once the
// store is known because buffer limits depend on the item size.
func (a *Adapter) setup() error {
	itemSize := a.store.ItemSize()
	bufMax := bufferLimit(a.config, itemSize)
	bufInit := min(a.config.ReadBufferSize, bufMax)

	var err error
	a.conns, err = pool.New(a.config.MaxConnections, func() *conn { return newConn(itemSize) }, (*conn).reset)
	if err != nil {
		return fmt.Errorf("connection pool: %w", err)
	}
	a.buffers, err = pool.New(a.config.Pools.Buffers, func() *buf.Buffer { return buf.New(bufInit, bufMax) }, (*buf.Buffer).Reset)
	if err != nil {
		return fmt.Errorf("buffer pool: %w", err)
	}
	a.requests, err = pool.New(a.config.Pools.Requests, func() *proto.Request { return &proto.Request{} }, (*proto.Request).Reset)
	if err != nil {
		return fmt.Errorf("request pool: %w", err)
	}
	for _, prefill := range []struct {
		policy pool.Policy
		fill   func()
	}{
		{a.config.MaxConnections.Policy, a.conns.Prefill},
		{a.config.Pools.Buffers.Policy, a.buffers.Prefill},
		{a.config.Pools.Requests.Policy, a.requests.Prefill},
	} {
		if prefill.policy == pool.Fixed {
			prefill.fill()
		}
	}

	a.processor = &proto.Processor{
		Store:   a.store,
		Stats:   a,
		Metrics: a.processMetrics,
		Version: a.config.Version,
	}

	workers := make([]*worker, 0, a.config.Workers)
	for i := range a.config.Workers {
		w, err := newWorker(i, a)
		if err != nil {
			for _, w := range workers {
				_ = w.poller.close()
			}
			return fmt.Errorf("worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	a.mu.Lock()
	a.workers = workers
	a.mu.Unlock()

	logger.Debug("memcache buffers: initial=%s max=%s", humanize.IBytes(uint64(bufInit)), humanize.IBytes(uint64(bufMax)))
	return nil
}

// bufferLimit is the size connection buffers may grow to. The input side
// must hold one maximal request plus a read; the output side must hold the
// high-water mark plus one maximal response (a full multi-key get).
func bufferLimit(cfg Config, itemSize int) int {
	in := proto.NewParser(itemSize).MaxRequestSize() + cfg.ReadBufferSize
	maxValueLine := len("VALUE  4294967295 4294967295 18446744073709551615\r\n") + proto.MaxKeyLength
	out := cfg.WriteHighWater + proto.MaxKeys*(maxValueLine+itemSize+2) + len("END\r\n")
	return max(in, out)
}

// teardown releases everything Serve set up once every goroutine is gone.
func (a *Adapter) teardown() {
	a.mu.Lock()
	workers := a.workers
	a.mu.Unlock()

	for _, w := range workers {
		// Connections handed off after the worker exited.
		w.discardIncoming()
		if err := w.poller.close(); err != nil {
			logger.Debug("Error closing worker %d poller: %v", w.id, err)
		}
	}

	a.conns.Drain()
	a.buffers.Drain()
	a.requests.Drain()
}

// acceptLoop admits connections until the listener is closed.
func (a *Adapter) acceptLoop() error {
	for {
		nc, err := a.listener.Accept()
		if err != nil {
			if a.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Debug("Error accepting memcache connection: %v", err)
			time.Sleep(acceptBackoff)
			continue
		}
		a.admit(nc)
	}
}

// admit runs the admission checks, borrows the connection's resources and
// hands it to the next worker.
func (a *Adapter) admit(nc net.Conn) {
	remote := nc.RemoteAddr().String()

	if !a.limiter.Allow() {
		a.reject(nc, remote, "rate_limited")
		return
	}
	c, err := a.conns.Acquire()
	if err != nil {
		a.reject(nc, remote, "max_connections")
		return
	}
	in, err := a.buffers.Acquire()
	if err != nil {
		a.conns.Release(c)
		a.reject(nc, remote, "buffers")
		return
	}
	out, err := a.buffers.Acquire()
	if err != nil {
		a.buffers.Release(in)
		a.conns.Release(c)
		a.reject(nc, remote, "buffers")
		return
	}

	fd, err := detach(nc)
	if err != nil {
		logger.Warn("Cannot take over connection from %s: %v", remote, err)
		a.buffers.Release(in)
		a.buffers.Release(out)
		a.conns.Release(c)
		a.counters.rejected.Add(1)
		a.metrics.RecordConnectionRejected("error")
		return
	}

	c.id = a.nextID.Add(1)
	c.fd = fd
	c.remote = remote
	c.in, c.out = in, out

	active := a.connCount.Add(1)
	a.counters.accepted.Add(1)
	a.metrics.RecordConnectionAccepted()
	a.metrics.SetActiveConnections(active)

	w := a.workers[a.next%len(a.workers)]
	a.next++

	logger.Debug("memcache connection %d accepted from %s (worker %d, active: %d)", c.id, remote, w.id, active)

	select {
	case w.incoming <- c:
	case <-a.shutdown:
		_ = closeFD(c.fd)
		a.release(c, closeShutdown)
		return
	}
	if err := w.poller.wake(); err != nil {
		logger.Debug("Error waking worker %d: %v", w.id, err)
	}
}

func (a *Adapter) reject(nc net.Conn, remote, reason string) {
	a.counters.rejected.Add(1)
	a.metrics.RecordConnectionRejected(reason)
	_ = nc.Close()
	logger.Debug("memcache connection from %s rejected: %s", remote, reason)
}

// release returns a closed connection's resources to the pools.
func (a *Adapter) release(c *conn, reason string) {
	id, remote := c.id, c.remote
	if c.in != nil {
		a.buffers.Release(c.in)
	}
	if c.out != nil {
		a.buffers.Release(c.out)
	}
	a.conns.Release(c)

	active := a.connCount.Add(-1)
	a.metrics.RecordConnectionClosed(reason)
	a.metrics.SetActiveConnections(active)
	logger.Debug("memcache connection %d from %s closed: %s (active: %d)", id, remote, reason, active)
}

// initiateShutdown stops the acceptor and wakes every worker. Safe to call
// multiple times and from multiple goroutines.
func (a *Adapter) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Debug("memcache shutdown initiated")

		a.mu.Lock()
		a.stopping.Store(true)
		ln, workers := a.listener, a.workers
		a.mu.Unlock()

		close(a.shutdown)
		if ln != nil {
			if err := ln.Close(); err != nil {
				logger.Debug("Error closing memcache listener: %v", err)
			}
		}
		for _, w := range workers {
			if err := w.poller.wake(); err != nil {
				logger.Debug("Error waking worker %d: %v", w.id, err)
			}
		}
	})
}

// Stop initiates graceful shutdown and waits until Serve has returned or
// ctx is done.
func (a *Adapter) Stop(ctx context.Context) error {
	a.initiateShutdown()
	if !a.serving.Load() {
		return nil
	}

	logger.Info("memcache graceful shutdown: waiting for %d active connection(s)", a.connCount.Load())
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		logger.Warn("memcache shutdown context cancelled: %d connection(s) still active: %v",
			a.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

// logMetrics periodically logs a connection summary.
func (a *Adapter) logMetrics() error {
	ticker := time.NewTicker(a.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdown:
			return nil
		case <-ticker.C:
			st := a.store.Stats()
			logger.Info("memcache metrics: active_connections=%d total_connections=%d rejected=%d items=%d/%d",
				a.connCount.Load(), a.counters.accepted.Load(), a.counters.rejected.Load(), st.Items, st.Capacity)
		}
	}
}

// refreshGauges publishes pool usage.
func (a *Adapter) refreshGauges() {
	a.metrics.SetActiveConnections(a.connCount.Load())
	a.metrics.SetPoolOutstanding("connections", a.conns.Outstanding())
	a.metrics.SetPoolOutstanding("buffers", a.buffers.Outstanding())
	a.metrics.SetPoolOutstanding("requests", a.requests.Outstanding())
}

// AppendStats implements the server section of the stats command.
func (a *Adapter) AppendStats(dst []proto.Stat) []proto.Stat {
	now := time.Now()
	return append(dst,
		proto.Stat{Name: "pid", Value: strconv.Itoa(os.Getpid())},
		proto.Stat{Name: "uptime", Value: strconv.FormatInt(int64(now.Sub(a.startTime).Seconds()), 10)},
		proto.Stat{Name: "time", Value: strconv.FormatInt(now.Unix(), 10)},
		proto.Stat{Name: "threads", Value: strconv.Itoa(a.config.Workers)},
		proto.Stat{Name: "curr_connections", Value: strconv.Itoa(int(a.connCount.Load()))},
		proto.Stat{Name: "total_connections", Value: strconv.FormatUint(a.counters.accepted.Load(), 10)},
		proto.Stat{Name: "rejected_connections", Value: strconv.FormatUint(a.counters.rejected.Load(), 10)},
		proto.Stat{Name: "connection_structures", Value: strconv.Itoa(a.conns.Outstanding() + a.conns.Free())},
		proto.Stat{Name: "bytes_read", Value: strconv.FormatUint(a.counters.bytesRead.Load(), 10)},
		proto.Stat{Name: "bytes_written", Value: strconv.FormatUint(a.counters.bytesWritten.Load(), 10)},
		proto.Stat{Name: "conn_yields", Value: strconv.FormatUint(a.counters.yields.Load(), 10)},
	)
}

// Ready is closed once the listener is bound.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// ActiveConnections returns the number of open client connections.
func (a *Adapter) ActiveConnections() int32 {
	return a.connCount.Load()
}

// Port returns the bound port once Serve is listening, otherwise the
// configured one.
func (a *Adapter) Port() int {
	if p := a.port.Load(); p != 0 {
		return int(p)
	}
	return a.config.Port
}

// Protocol returns "memcache".
func (a *Adapter) Protocol() string {
	return "memcache"
}
