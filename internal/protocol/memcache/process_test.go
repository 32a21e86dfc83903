package memcache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittocache/internal/buf"
	"github.com/marmos91/dittocache/pkg/cuckoo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// session drives a Processor the way a connection does: parse every
// complete request in the read buffer, process it, collect the output.
type session struct {
	proc   *Processor
	parser *Parser
	req    *Request
	in     *buf.Buffer
	out    *buf.Buffer
	now    time.Time
	closed bool
}

func newSession(t *testing.T, cfg cuckoo.Config) (*session, *cuckoo.Table) {
	t.Helper()

	tbl, err := cuckoo.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(tbl.Close)

	now := time.Now().Truncate(time.Second)
	proc := &Processor{
		Store:   tbl,
		Version: "1.2.3",
		Clock:   func() time.Time { return now },
	}
	return &session{
		proc:   proc,
		now:    now,
		parser: NewParser(tbl.ItemSize()),
		req:    &Request{},
		in:     buf.New(256, 1<<20),
		out:    buf.New(256, 1<<20),
	}, tbl
}

func (s *session) send(t *testing.T, data string) string {
	t.Helper()
	_, err := s.in.WriteString(data)
	require.NoError(t, err)

	for !s.closed {
		err := s.parser.Parse(s.in, s.req)
		var cerr *ClientError
		switch {
		case err == nil:
			s.closed = s.proc.Process(s.req, s.out)
		case errors.As(err, &cerr):
			s.closed = s.proc.Reject(cerr, s.out)
		case errors.Is(err, ErrIncomplete):
			return s.drain()
		default:
			t.Fatalf("unexpected parse error: %v", err)
		}
	}
	return s.drain()
}

func (s *session) drain() string {
	out := string(s.out.Bytes())
	s.out.Consume(s.out.Len())
	return out
}

func smallConfig() cuckoo.Config {
	cfg := cuckoo.DefaultConfig()
	cfg.ItemSize = 64
	cfg.NItem = 256
	return cfg
}

// ============================================================================
// Wire scenarios
// ============================================================================

func TestProcess_SetThenGet(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	assert.Equal(t, "STORED\r\n", s.send(t, "set foo 0 0 3\r\nbar\r\n"))
	assert.Equal(t, "VALUE foo 0 3\r\nbar\r\nEND\r\n", s.send(t, "get foo\r\n"))
}

func TestProcess_DeleteMissing(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	assert.Equal(t, "NOT_FOUND\r\n", s.send(t, "delete missing\r\n"))
	s.send(t, "set k 0 0 1\r\nv\r\n")
	assert.Equal(t, "DELETED\r\n", s.send(t, "delete k\r\n"))
	assert.Equal(t, "END\r\n", s.send(t, "get k\r\n"))
}

func TestProcess_PayloadTooLarge(t *testing.T) {
	cfg := smallConfig()
	cfg.ItemSize = 16
	s, tbl := newSession(t, cfg)

	resp := s.send(t, "set foo 0 0 100\r\n"+strings.Repeat("x", 100)+"\r\n")
	assert.Equal(t, "SERVER_ERROR object too large for cache\r\n", resp)
	assert.Zero(t, tbl.Len())

	// Within the parser limit but key+value exceeds the item size.
	resp = s.send(t, "set foo 0 0 15\r\n"+strings.Repeat("x", 15)+"\r\n")
	assert.Equal(t, "SERVER_ERROR object too large for cache\r\n", resp)
	assert.Zero(t, tbl.Len())

	// The connection is still usable.
	assert.Equal(t, "STORED\r\n", s.send(t, "set foo 0 0 3\r\nbar\r\n"))
	assert.Equal(t, "VALUE foo 0 3\r\nbar\r\nEND\r\n", s.send(t, "get foo\r\n"))
}

func TestProcess_PayloadTooLargeSplitAcrossReads(t *testing.T) {
	cfg := smallConfig()
	cfg.ItemSize = 16
	s, _ := newSession(t, cfg)

	assert.Equal(t, "SERVER_ERROR object too large for cache\r\n", s.send(t, "set foo 0 0 40\r\n"+strings.Repeat("y", 20)))
	assert.Empty(t, s.send(t, strings.Repeat("y", 20)))
	assert.Equal(t, "END\r\n", s.send(t, "\r\nget foo\r\n"))
}

func TestProcess_StaleCAS(t *testing.T) {
	s, tbl := newSession(t, smallConfig())

	s.send(t, "set foo 0 0 3\r\nbar\r\n")
	before, ok := tbl.Get([]byte("foo"))
	require.True(t, ok)

	assert.Equal(t, "EXISTS\r\n", s.send(t, "cas foo 0 0 3 999\r\nbaz\r\n"))

	after, ok := tbl.Get([]byte("foo"))
	require.True(t, ok)
	assert.Equal(t, "bar", string(after.Value))
	assert.Equal(t, before.CAS, after.CAS, "version unchanged")
}

func TestProcess_GetsThenCAS(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	s.send(t, "set foo 9 0 3\r\nbar\r\n")
	resp := s.send(t, "gets foo\r\n")

	var cas uint64
	_, err := fmt.Sscanf(resp, "VALUE foo 9 3 %d\r\n", &cas)
	require.NoError(t, err, resp)
	assert.True(t, strings.HasSuffix(resp, "\r\nbar\r\nEND\r\n"))

	assert.Equal(t, "STORED\r\n", s.send(t, fmt.Sprintf("cas foo 0 0 3 %d\r\nbaz\r\n", cas)))
	assert.Equal(t, "EXISTS\r\n", s.send(t, fmt.Sprintf("cas foo 0 0 3 %d\r\nqux\r\n", cas)))
	assert.Equal(t, "NOT_FOUND\r\n", s.send(t, "cas nope 0 0 1 1\r\nx\r\n"))
}

func TestProcess_CASDisabled(t *testing.T) {
	cfg := smallConfig()
	cfg.CAS = false
	s, _ := newSession(t, cfg)

	s.send(t, "set foo 0 0 3\r\nbar\r\n")
	assert.Equal(t, "VALUE foo 0 3 0\r\nbar\r\nEND\r\n", s.send(t, "gets foo\r\n"))

	// Every item reports version 0, so only unique 0 matches.
	assert.Equal(t, "EXISTS\r\n", s.send(t, "cas foo 0 0 3 7\r\nbaz\r\n"))
	assert.Equal(t, "STORED\r\n", s.send(t, "cas foo 0 0 3 0\r\nbaz\r\n"))
	assert.Equal(t, "VALUE foo 0 3\r\nbaz\r\nEND\r\n", s.send(t, "get foo\r\n"))
	assert.Equal(t, "NOT_FOUND\r\n", s.send(t, "cas nope 0 0 1 0\r\nx\r\n"))
}

func TestProcess_AppendPrependUnsupported(t *testing.T) {
	s, tbl := newSession(t, smallConfig())
	s.send(t, "set foo 0 0 3\r\nbar\r\n")

	assert.Equal(t, "CLIENT_ERROR command not supported\r\n", s.send(t, "append foo 0 0 3\r\nbaz\r\n"))
	assert.Equal(t, "CLIENT_ERROR command not supported\r\n", s.send(t, "prepend foo 0 0 3 noreply\r\nbaz\r\n"))
	assert.Equal(t, "CLIENT_ERROR command not supported\r\n", s.send(t, "append missing 0 0 3\r\nbaz\r\n"))

	it, ok := tbl.Get([]byte("foo"))
	require.True(t, ok)
	assert.Equal(t, "bar", string(it.Value))
	assert.Equal(t, 1, tbl.Len())
}

func TestProcess_AddReplace(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	assert.Equal(t, "NOT_STORED\r\n", s.send(t, "replace k 0 0 1\r\na\r\n"))
	assert.Equal(t, "STORED\r\n", s.send(t, "add k 0 0 1\r\nb\r\n"))
	assert.Equal(t, "NOT_STORED\r\n", s.send(t, "add k 0 0 1\r\nc\r\n"))
	assert.Equal(t, "STORED\r\n", s.send(t, "replace k 0 0 1\r\nd\r\n"))
	assert.Equal(t, "VALUE k 0 1\r\nd\r\nEND\r\n", s.send(t, "get k\r\n"))
}

func TestProcess_MultiGet(t *testing.T) {
	s, _ := newSession(t, smallConfig())
	s.send(t, "set k1 1 0 2\r\nv1\r\nset k2 2 0 2\r\nv2\r\n")

	assert.Equal(t, "VALUE k1 1 2\r\nv1\r\nVALUE k2 2 2\r\nv2\r\nEND\r\n", s.send(t, "get k1 missing k2\r\n"))
}

func TestProcess_IncrDecr(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	assert.Equal(t, "NOT_FOUND\r\n", s.send(t, "incr cnt 5\r\n"))
	s.send(t, "set cnt 0 0 2\r\n10\r\n")
	assert.Equal(t, "15\r\n", s.send(t, "incr cnt 5\r\n"))
	assert.Equal(t, "0\r\n", s.send(t, "decr cnt 100\r\n"))

	s.send(t, "set max 0 0 20\r\n18446744073709551615\r\n")
	assert.Equal(t, "0\r\n", s.send(t, "incr max 1\r\n"), "incr wraps at 2^64")

	s.send(t, "set s 0 0 3\r\nabc\r\n")
	assert.Equal(t, "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n", s.send(t, "incr s 1\r\n"))
	assert.Equal(t, "CLIENT_ERROR invalid numeric delta argument\r\n", s.send(t, "incr cnt -1\r\n"))
}

func TestProcess_NoReply(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	resp := s.send(t, "set a 0 0 1 noreply\r\nx\r\n"+
		"add a 0 0 1 noreply\r\ny\r\n"+
		"incr a 1 noreply\r\n"+
		"delete missing noreply\r\n"+
		"get a\r\n")
	assert.Equal(t, "VALUE a 0 1\r\nx\r\nEND\r\n", resp)
}

func TestProcess_Expiry(t *testing.T) {
	s, tbl := newSession(t, smallConfig())

	assert.Equal(t, "STORED\r\n", s.send(t, "set gone 0 -1 1\r\nx\r\n"))
	assert.Equal(t, "END\r\n", s.send(t, "get gone\r\n"))

	s.send(t, "set k 0 100 1\r\nx\r\n")
	it, ok := tbl.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, uint32(s.now.Unix()+100), it.Expire)

	assert.Equal(t, "TOUCHED\r\n", s.send(t, "touch k 0\r\n"))
	it, _ = tbl.Get([]byte("k"))
	assert.Zero(t, it.Expire)
	assert.Equal(t, "NOT_FOUND\r\n", s.send(t, "touch missing 10\r\n"))
}

func TestProcess_FlushAll(t *testing.T) {
	s, tbl := newSession(t, smallConfig())
	s.send(t, "set a 0 0 1\r\nx\r\nset b 0 0 1\r\ny\r\n")

	assert.Equal(t, "OK\r\n", s.send(t, "flush_all\r\n"))
	assert.Zero(t, tbl.Len())
	assert.Equal(t, "END\r\n", s.send(t, "get a b\r\n"))
}

func TestProcess_TableFull(t *testing.T) {
	cfg := smallConfig()
	cfg.NItem = 4
	cfg.Policy = cuckoo.PolicyReject
	s, _ := newSession(t, cfg)

	for i := range 4 {
		require.Equal(t, "STORED\r\n", s.send(t, fmt.Sprintf("set k%d 0 0 1\r\nx\r\n", i)))
	}
	assert.Equal(t, "SERVER_ERROR out of memory storing object\r\n", s.send(t, "set k4 0 0 1\r\nx\r\n"))
}

func TestProcess_MiscCommands(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	assert.Equal(t, "VERSION 1.2.3\r\n", s.send(t, "version\r\n"))
	assert.Equal(t, "OK\r\n", s.send(t, "verbosity 1\r\n"))
	assert.Empty(t, s.send(t, "verbosity 1 noreply\r\n"))
	assert.Equal(t, "ERROR\r\n", s.send(t, "bogus\r\n"))
	assert.Equal(t, "CLIENT_ERROR bad data chunk\r\n", s.send(t, "set bad 0 0 3\r\nabcX\r\n"))
	assert.Equal(t, "CLIENT_ERROR line too long\r\n", s.send(t, strings.Repeat("z", 3000)))
	assert.Equal(t, "END\r\n", s.send(t, "\r\nget k\r\n"))
}

type fakeStats struct{}

func (fakeStats) AppendStats(dst []Stat) []Stat {
	return append(dst, Stat{"uptime", "42"}, Stat{"curr_connections", "3"})
}

func TestProcess_Stats(t *testing.T) {
	s, _ := newSession(t, smallConfig())
	s.proc.Stats = fakeStats{}
	s.send(t, "set a 0 0 1\r\nx\r\nget a missing\r\n")

	resp := s.send(t, "stats\r\n")
	assert.True(t, strings.HasPrefix(resp, "STAT uptime 42\r\nSTAT curr_connections 3\r\n"), resp)
	assert.Contains(t, resp, "STAT curr_items 1\r\n")
	assert.Contains(t, resp, "STAT get_hits 1\r\n")
	assert.Contains(t, resp, "STAT get_misses 1\r\n")
	assert.Contains(t, resp, "STAT version 1.2.3\r\n")
	assert.True(t, strings.HasSuffix(resp, "END\r\n"))
}

func TestProcess_Quit(t *testing.T) {
	s, _ := newSession(t, smallConfig())

	assert.Empty(t, s.send(t, "quit\r\nget a\r\n"))
	assert.True(t, s.closed)
}

func TestProcess_OutputBufferFullClosesConnection(t *testing.T) {
	s, _ := newSession(t, smallConfig())
	s.out = buf.New(8, 8)

	assert.Empty(t, s.send(t, "version\r\n"))
	assert.True(t, s.closed)
}

// ============================================================================
// Metrics and concurrency
// ============================================================================

type recordingMetrics struct {
	mu       sync.Mutex
	commands []string
	errors   []string
}

func (m *recordingMetrics) RecordCommand(command, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command+":"+status)
}

func (m *recordingMetrics) RecordClientError(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, reason)
}

func TestProcess_RecordsMetrics(t *testing.T) {
	s, _ := newSession(t, smallConfig())
	m := &recordingMetrics{}
	s.proc.Metrics = m

	s.send(t, "set a 0 0 1\r\nx\r\nget a\r\ndelete b\r\nget\r\n")

	assert.Equal(t, []string{"set:STORED", "get:END", "delete:NOT_FOUND"}, m.commands)
	assert.Equal(t, []string{"bad command line format"}, m.errors)
}

func TestProcess_ConcurrentSetsConverge(t *testing.T) {
	tbl, err := cuckoo.New(smallConfig(), nil)
	require.NoError(t, err)
	defer tbl.Close()
	proc := &Processor{Store: tbl}

	var wg sync.WaitGroup
	for c := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			parser := NewParser(tbl.ItemSize())
			req := &Request{}
			in, out := buf.New(64, 1<<16), buf.New(64, 1<<16)
			for i := range 200 {
				_, _ = fmt.Fprintf(in, "set shared 0 0 8\r\nc%d-%05d\r\n", c, i)
				if err := parser.Parse(in, req); err != nil {
					t.Errorf("parse: %v", err)
					return
				}
				proc.Process(req, out)
				out.Consume(out.Len())
			}
		}()
	}
	wg.Wait()

	s := &session{proc: proc, parser: NewParser(tbl.ItemSize()), req: &Request{}, in: buf.New(64, 1<<16), out: buf.New(64, 1<<16)}
	resp := s.send(t, "get shared\r\n")
	it, ok := tbl.Get([]byte("shared"))
	require.True(t, ok)
	assert.Len(t, it.Value, 8, "no torn value")
	assert.Equal(t, fmt.Sprintf("VALUE shared 0 8\r\n%s\r\nEND\r\n", it.Value), resp)
}

// ============================================================================
// Expiry conversion
// ============================================================================

func TestExpireAt(t *testing.T) {
	now := time.Unix(1_000_000_000, 0)
	tests := []struct {
		name    string
		exptime int64
		want    uint32
	}{
		{"never", 0, 0},
		{"negative", -5, 1},
		{"relative", 60, 1_000_000_060},
		{"thirty days is relative", maxRelativeExpiry, uint32(1_000_000_000 + maxRelativeExpiry)},
		{"absolute", 1_500_000_000, 1_500_000_000},
		{"clamped", 1 << 40, 1<<32 - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expireAt(tt.exptime, now))
		})
	}
}

func TestFlushDelay(t *testing.T) {
	now := time.Unix(1_000_000_000, 0)
	assert.Equal(t, time.Duration(0), flushDelay(0, now))
	assert.Equal(t, 10*time.Second, flushDelay(10, now))
	assert.Equal(t, 100*time.Second, flushDelay(1_000_000_100, now))
	assert.Equal(t, time.Duration(0), flushDelay(999_999_999, now))
}
