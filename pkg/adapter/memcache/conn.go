package memcache

import (
	"errors"
	"time"

	"github.com/marmos91/dittocache/internal/buf"
	proto "github.com/marmos91/dittocache/internal/protocol/memcache"
)

// errWouldBlock reports that a non-blocking read or write found no data or
// no room in the socket buffer.
var errWouldBlock = errors.New("operation would block")

// Close reasons reported to metrics and logs.
const (
	closeEOF      = "eof"
	closeError    = "error"
	closeIdle     = "idle"
	closeQuit     = "quit"
	closeShutdown = "shutdown"
	closeOverflow = "overflow"
)

// event is one ready descriptor reported by the poller.
type event struct {
	fd    int
	read  bool
	write bool
}

// conn is the per-connection state. It is owned by exactly one worker from
// handoff until close and is recycled through the connection pool.
type conn struct {
	id     uint64
	fd     int
	remote string

	in     *buf.Buffer
	out    *buf.Buffer
	parser *proto.Parser

	// interest is the event mask currently registered with the poller.
	interest   uint32
	lastActive time.Time

	// readClosed is set once the peer has shut down its write side. The
	// connection stays open until buffered requests are answered.
	readClosed bool
}

func newConn(maxValueSize int) *conn {
	return &conn{fd: -1, parser: proto.NewParser(maxValueSize)}
}

// reset clears a connection before it goes back to the pool. Buffers are
// returned separately by the worker.
func (c *conn) reset() {
	c.id = 0
	c.fd = -1
	c.remote = ""
	c.in, c.out = nil, nil
	c.parser.Reset()
	c.interest = 0
	c.lastActive = time.Time{}
	c.readClosed = false
}

// pending reports whether output is waiting to be flushed.
func (c *conn) pending() bool {
	return c.out.Len() > 0
}

// flush writes as much buffered output as the socket accepts. It returns
// the number of bytes written.
func (c *conn) flush() (int, error) {
	total := 0
	for c.out.Len() > 0 {
		n, err := writeFD(c.fd, c.out.Bytes())
		if n > 0 {
			c.out.Consume(n)
			total += n
		}
		if errors.Is(err, errWouldBlock) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// fill performs one read of up to size bytes into the input buffer. It
// returns errClosedByPeer once the peer has closed its side.
func (c *conn) fill(size int) (int, error) {
	room := c.in.Max() - c.in.Len()
	if room <= 0 {
		return 0, errInputOverflow
	}
	if err := c.in.Reserve(min(size, room)); err != nil {
		return 0, errInputOverflow
	}

	w := c.in.Writable()
	n, err := readFD(c.fd, w[:min(size, len(w))])
	if errors.Is(err, errWouldBlock) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errClosedByPeer
	}
	c.in.Commit(n)
	return n, nil
}

var (
	errClosedByPeer  = errors.New("connection closed by peer")
	errInputOverflow = errors.New("input buffer full without a complete request")
)
