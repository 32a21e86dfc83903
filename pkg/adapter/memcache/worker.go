package memcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	proto "github.com/marmos91/dittocache/internal/protocol/memcache"
)

// worker is one reactor goroutine. Everything reachable from conns is
// touched only by the worker's own goroutine; incoming and the poller's
// wakeup are the only entry points for other goroutines.
type worker struct {
	id       int
	adapter  *Adapter
	poller   *poller
	incoming chan *conn
	conns    map[int]*conn

	lastHousekeeping time.Time
	draining         bool
	drainDeadline    time.Time
}

func newWorker(id int, a *Adapter) (*worker, error) {
	p, err := newPoller(maxEvents)
	if err != nil {
		return nil, err
	}
	return &worker{
		id:               id,
		adapter:          a,
		poller:           p,
		incoming:         make(chan *conn, handoffQueue),
		conns:            make(map[int]*conn),
		lastHousekeeping: time.Now(),
	}, nil
}

// run is the reactor loop. It returns nil once shutdown has drained every
// connection and an error if the poller fails.
func (w *worker) run() error {
	interval := w.adapter.config.HousekeepingInterval
	logger.Debug("memcache worker %d started", w.id)

	for {
		events, woken, err := w.poller.wait(interval)
		if err != nil {
			w.closeAll(closeError)
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if woken {
			w.adopt()
		}

		for _, ev := range events {
			c := w.conns[ev.fd]
			if c == nil {
				continue
			}
			w.handle(c, ev)
		}

		now := time.Now()
		if w.adapter.stopping.Load() {
			if w.drain(now) {
				logger.Debug("memcache worker %d stopped", w.id)
				return nil
			}
			continue
		}
		if now.Sub(w.lastHousekeeping) >= interval {
			w.housekeep(now)
		}
	}
}

// adopt registers connections handed off by the acceptor.
func (w *worker) adopt() {
	for {
		select {
		case c := <-w.incoming:
			if err := w.poller.add(c.fd, evRead); err != nil {
				logger.Warn("memcache worker %d cannot register connection %d: %v", w.id, c.id, err)
				_ = closeFD(c.fd)
				w.adapter.release(c, closeError)
				continue
			}
			c.interest = evRead
			c.lastActive = time.Now()
			w.conns[c.fd] = c
		default:
			return
		}
	}
}

// discardIncoming closes connections that were handed off but never
// adopted. Called after the worker has exited.
func (w *worker) discardIncoming() {
	for {
		select {
		case c := <-w.incoming:
			_ = closeFD(c.fd)
			w.adapter.release(c, closeShutdown)
		default:
			return
		}
	}
}

// handle services one readiness event.
func (w *worker) handle(c *conn, ev event) {
	a := w.adapter

	if w.draining {
		w.flush(c)
		return
	}

	// A throttled connection has no read interest; an error or hangup
	// still reports it as readable and the write below surfaces it.
	if ev.read && !c.readClosed && !w.throttled(c) {
		n, err := c.fill(a.config.ReadBufferSize)
		switch {
		case errors.Is(err, errClosedByPeer):
			// Answer what is already buffered before closing.
			c.readClosed = true
		case errors.Is(err, errInputOverflow):
			w.close(c, closeOverflow)
			return
		case err != nil:
			logger.Debug("memcache connection %d read error: %v", c.id, err)
			w.close(c, closeError)
			return
		}
		if n > 0 {
			c.lastActive = time.Now()
			a.counters.bytesRead.Add(uint64(n))
			a.metrics.RecordBytesTransferred("read", n)
		}
	}

	w.serve(c)
}

// serve processes buffered requests and flushes their responses until the
// input is exhausted or the socket stops accepting output. A half-closed
// connection is closed once its last response has been written.
func (w *worker) serve(c *conn) {
	for {
		quit, throttled := w.process(c)
		if !w.flush(c) {
			return
		}
		if quit {
			w.close(c, closeQuit)
			return
		}
		if !throttled || w.throttled(c) {
			break
		}
	}
	if c.readClosed && !c.pending() {
		w.close(c, closeEOF)
		return
	}
	w.updateInterest(c)
}

// process parses and executes every complete request in the input buffer.
// It stops early, reporting throttled, once the unflushed output reaches
// the high-water mark.
func (w *worker) process(c *conn) (quit, throttled bool) {
	a := w.adapter
	for {
		if w.throttled(c) {
			return false, true
		}

		req, err := a.requests.Acquire()
		if err != nil {
			logger.Warn("memcache worker %d: %v", w.id, err)
			return false, false
		}

		perr := c.parser.Parse(c.in, req)
		var cerr *proto.ClientError
		incomplete := false
		switch {
		case perr == nil:
			quit = a.processor.Process(req, c.out)
		case errors.As(perr, &cerr):
			quit = a.processor.Reject(cerr, c.out)
		default:
			incomplete = true
		}
		a.requests.Release(req)

		if quit {
			return true, false
		}
		if incomplete {
			return false, false
		}
	}
}

// flush writes pending output. It returns false if the connection was
// closed.
func (w *worker) flush(c *conn) bool {
	a := w.adapter

	n, err := c.flush()
	if n > 0 {
		a.counters.bytesWritten.Add(uint64(n))
		a.metrics.RecordBytesTransferred("write", n)
	}
	if err != nil {
		logger.Debug("memcache connection %d write error: %v", c.id, err)
		w.close(c, closeError)
		return false
	}
	if w.draining && !c.pending() {
		w.close(c, closeShutdown)
		return false
	}
	return true
}

func (w *worker) throttled(c *conn) bool {
	return c.out.Len() >= w.adapter.config.WriteHighWater
}

// updateInterest registers read interest unless the connection is
// throttled, draining or half-closed, and write interest while output is
// pending.
func (w *worker) updateInterest(c *conn) {
	var want uint32
	if !w.draining && !c.readClosed && !w.throttled(c) {
		want |= evRead
	}
	if c.pending() {
		want |= evWrite
	}
	if want == c.interest {
		return
	}

	if !w.draining && !c.readClosed && c.interest&evRead != 0 && want&evRead == 0 {
		w.adapter.counters.yields.Add(1)
		w.adapter.metrics.RecordBackpressure()
		logger.Debug("memcache connection %d paused: %d bytes of output pending", c.id, c.out.Len())
	}

	if err := w.poller.modify(c.fd, want); err != nil {
		logger.Debug("memcache connection %d: cannot update interest: %v", c.id, err)
		w.close(c, closeError)
		return
	}
	c.interest = want
}

// housekeep reaps idle connections, sweeps expired items and refreshes
// gauges.
func (w *worker) housekeep(now time.Time) {
	a := w.adapter

	if idle := a.config.IdleTimeout; idle > 0 {
		for _, c := range w.conns {
			if now.Sub(c.lastActive) > idle {
				w.close(c, closeIdle)
			}
		}
	}

	if a.config.SweepBatch > 0 {
		if n := a.store.Sweep(a.config.SweepBatch); n > 0 {
			logger.Debug("memcache worker %d reclaimed %d expired item(s)", w.id, n)
		}
	}

	if w.id == 0 {
		a.refreshGauges()
	}
	w.lastHousekeeping = now
}

// drain runs on every loop iteration once shutdown has started. It stops
// reading, lets pending output flush until ShutdownTimeout, and reports
// whether the worker is done.
func (w *worker) drain(now time.Time) bool {
	if !w.draining {
		w.draining = true
		w.drainDeadline = now.Add(w.adapter.config.ShutdownTimeout)
		logger.Debug("memcache worker %d draining %d connection(s)", w.id, len(w.conns))
	}

	// Pick up connections handed off while stopping so they are closed.
	w.adopt()

	for _, c := range w.conns {
		if !c.pending() {
			w.close(c, closeShutdown)
			continue
		}
		w.updateInterest(c)
	}

	if len(w.conns) == 0 {
		return true
	}
	if now.After(w.drainDeadline) {
		logger.Warn("memcache worker %d shutdown timeout exceeded: closing %d connection(s) with pending output",
			w.id, len(w.conns))
		w.closeAll(closeShutdown)
		return true
	}
	return false
}

func (w *worker) closeAll(reason string) {
	for _, c := range w.conns {
		w.close(c, reason)
	}
}

func (w *worker) close(c *conn, reason string) {
	if err := w.poller.remove(c.fd); err != nil {
		logger.Debug("memcache connection %d: epoll remove: %v", c.id, err)
	}
	if err := closeFD(c.fd); err != nil {
		logger.Debug("memcache connection %d: close: %v", c.id, err)
	}
	delete(w.conns, c.fd)
	w.adapter.release(c, reason)
}
