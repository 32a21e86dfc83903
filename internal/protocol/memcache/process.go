package memcache

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/marmos91/dittocache/internal/buf"
	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cuckoo"
	"github.com/marmos91/dittocache/pkg/metrics"
)

// maxRelativeExpiry is the largest exptime memcached treats as an offset
// from now (30 days); larger values are absolute unix times.
const maxRelativeExpiry = 60 * 60 * 24 * 30

// Store is the storage engine as seen by the processor. *cuckoo.Table
// implements it.
type Store interface {
	View(key []byte, fn func(cuckoo.ItemView)) bool
	Set(key, value []byte, flags, expire uint32) (uint64, error)
	Add(key, value []byte, flags, expire uint32) (uint64, error)
	Replace(key, value []byte, flags, expire uint32) (uint64, error)
	CompareAndSwap(key, value []byte, flags, expire uint32, cas uint64) (uint64, error)
	Delete(key []byte) bool
	Delta(key []byte, delta uint64, incr bool) (uint64, error)
	Touch(key []byte, expire uint32) bool
	Flush(delay time.Duration)
	Stats() cuckoo.Stats
}

// Stat is one "STAT <name> <value>" line.
type Stat struct {
	Name  string
	Value string
}

// StatsSource contributes server-level lines (uptime, connections, ...) to
// the stats command.
type StatsSource interface {
	AppendStats(dst []Stat) []Stat
}

// Processor executes parsed requests against a Store and composes the
// responses. It keeps no per-connection state, so one Processor is shared
// by every worker.
type Processor struct {
	Store   Store
	Stats   StatsSource
	Metrics metrics.ProcessMetrics
	Version string

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

// Process executes req and appends its response to out. It reports whether
// the connection should be closed, either because the client asked to quit
// or because the response could not be buffered.
func (p *Processor) Process(req *Request, out *buf.Buffer) (closeConn bool) {
	start := time.Now()
	status, err := p.execute(req, out)
	p.recordCommand(req.Command, status, time.Since(start))

	if err != nil {
		logger.Warn("Dropping connection: cannot buffer %s response: %v", req.Command, err)
		return true
	}
	return req.Command == CmdQuit
}

// Reject answers a request the parser refused.
func (p *Processor) Reject(cerr *ClientError, out *buf.Buffer) (closeConn bool) {
	if p.Metrics != nil {
		p.Metrics.RecordClientError(cerr.Msg)
	}
	if err := WriteClientError(out, cerr.Msg); err != nil {
		logger.Warn("Dropping connection: cannot buffer client error: %v", err)
		return true
	}
	return false
}

func (p *Processor) recordCommand(cmd Command, status string, d time.Duration) {
	if p.Metrics != nil {
		p.Metrics.RecordCommand(cmd.String(), status, d)
	}
}

func (p *Processor) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// execute returns the response status for metrics and any error from
// buffering the response.
func (p *Processor) execute(req *Request, out *buf.Buffer) (string, error) {
	switch req.Command {
	case CmdGet:
		return p.get(req, out, false)
	case CmdGets:
		return p.get(req, out, true)
	case CmdSet, CmdAdd, CmdReplace, CmdCAS:
		return p.store(req, out)
	case CmdAppend, CmdPrepend:
		return statusClientError, WriteClientError(out, "command not supported")
	case CmdDelete:
		if p.Store.Delete(req.Key()) {
			return p.reply(req, out, StatusDeleted)
		}
		return p.reply(req, out, StatusNotFound)
	case CmdIncr, CmdDecr:
		return p.delta(req, out)
	case CmdTouch:
		if p.Store.Touch(req.Key(), expireAt(req.Expiry, p.now())) {
			return p.reply(req, out, StatusTouched)
		}
		return p.reply(req, out, StatusNotFound)
	case CmdFlushAll:
		p.Store.Flush(flushDelay(req.Expiry, p.now()))
		return p.reply(req, out, StatusOK)
	case CmdVersion:
		return statusVersion, WriteVersion(out, p.Version)
	case CmdStats:
		return p.stats(out)
	case CmdVerbosity:
		return p.reply(req, out, StatusOK)
	case CmdQuit:
		return StatusOK, nil
	default:
		return StatusError, WriteStatus(out, StatusError)
	}
}

func (p *Processor) get(req *Request, out *buf.Buffer, withCAS bool) (string, error) {
	var werr error
	write := func(v cuckoo.ItemView) {
		werr = WriteValue(out, v.Key, v.Flags, v.Value, v.CAS, withCAS)
	}
	for _, key := range req.Keys {
		p.Store.View(key, write)
		if werr != nil {
			return statusServerError, werr
		}
	}
	return StatusEnd, WriteEnd(out)
}

func (p *Processor) store(req *Request, out *buf.Buffer) (string, error) {
	if req.TooLarge {
		return p.fail(req, out, cuckoo.ErrItemTooLarge)
	}

	key, value := req.Key(), req.Value
	expire := expireAt(req.Expiry, p.now())

	var err error
	switch req.Command {
	case CmdSet:
		_, err = p.Store.Set(key, value, req.Flags, expire)
	case CmdAdd:
		_, err = p.Store.Add(key, value, req.Flags, expire)
	case CmdReplace:
		_, err = p.Store.Replace(key, value, req.Flags, expire)
	case CmdCAS:
		_, err = p.Store.CompareAndSwap(key, value, req.Flags, expire, req.CAS)
	}
	if err != nil {
		return p.fail(req, out, err)
	}
	return p.reply(req, out, StatusStored)
}

func (p *Processor) delta(req *Request, out *buf.Buffer) (string, error) {
	n, err := p.Store.Delta(req.Key(), req.Delta, req.Command == CmdIncr)
	if err != nil {
		return p.fail(req, out, err)
	}
	if req.NoReply {
		return "NUMBER", nil
	}
	return "NUMBER", WriteNumber(out, n)
}

func (p *Processor) stats(out *buf.Buffer) (string, error) {
	st := p.Store.Stats()

	lines := make([]Stat, 0, 32)
	if p.Stats != nil {
		lines = p.Stats.AppendStats(lines)
	}
	lines = append(lines,
		Stat{"version", p.Version},
		Stat{"curr_items", strconv.Itoa(st.Items)},
		Stat{"total_items", u64(st.Stores)},
		Stat{"cmd_get", u64(st.Gets)},
		Stat{"get_hits", u64(st.GetHits)},
		Stat{"get_misses", u64(st.GetMisses)},
		Stat{"delete_hits", u64(st.Deletes)},
		Stat{"touch_hits", u64(st.Touches)},
		Stat{"cmd_flush", u64(st.Flushes)},
		Stat{"cas_badval", u64(st.CasMismatches)},
		Stat{"evictions", u64(st.Evictions)},
		Stat{"reclaimed", u64(st.Expired)},
		Stat{"rejected", u64(st.Rejections)},
		Stat{"displacements", u64(st.Displacements)},
		Stat{"item_size_max", strconv.Itoa(st.ItemSize)},
		Stat{"capacity_items", strconv.Itoa(st.Capacity)},
		Stat{"limit_maxbytes", strconv.Itoa(st.Bytes)},
	)

	for _, s := range lines {
		if err := WriteStat(out, s.Name, s.Value); err != nil {
			return statusServerError, err
		}
	}
	return StatusEnd, WriteEnd(out)
}

// reply writes a status line unless the client asked for noreply.
func (p *Processor) reply(req *Request, out *buf.Buffer, status string) (string, error) {
	if req.NoReply {
		return status, nil
	}
	return status, WriteStatus(out, status)
}

// fail translates an engine error into its wire response.
func (p *Processor) fail(req *Request, out *buf.Buffer, err error) (string, error) {
	switch {
	case errors.Is(err, cuckoo.ErrItemTooLarge):
		return p.errorReply(req, out, statusServerError, "object too large for cache")
	case errors.Is(err, cuckoo.ErrTableFull):
		return p.errorReply(req, out, statusServerError, "out of memory storing object")
	case errors.Is(err, cuckoo.ErrNotStored):
		return p.reply(req, out, StatusNotStored)
	case errors.Is(err, cuckoo.ErrCasMismatch):
		return p.reply(req, out, StatusExists)
	case errors.Is(err, cuckoo.ErrNotFound):
		return p.reply(req, out, StatusNotFound)
	case errors.Is(err, cuckoo.ErrNonNumeric):
		return p.errorReply(req, out, statusClientError, "cannot increment or decrement non-numeric value")
	case errors.Is(err, cuckoo.ErrInvalidKey):
		return p.errorReply(req, out, statusClientError, errBadFormat.Msg)
	default:
		logger.Error("%s %q failed: %v", req.Command, req.Key(), err)
		return p.errorReply(req, out, statusServerError, err.Error())
	}
}

// errorReply writes "<prefix> <msg>" unless the client asked for noreply.
func (p *Processor) errorReply(req *Request, out *buf.Buffer, prefix, msg string) (string, error) {
	if req.NoReply {
		return prefix, nil
	}
	return prefix, writePrefixed(out, prefix, msg)
}

// expireAt converts a protocol exptime into the engine's absolute expiry:
// 0 never expires, negative values are already expired, values up to 30
// days are relative to now and larger ones are unix times.
func expireAt(exptime int64, now time.Time) uint32 {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return 1
	case exptime <= maxRelativeExpiry:
		return clampUnix(now.Unix() + exptime)
	default:
		return clampUnix(exptime)
	}
}

// flushDelay converts a flush_all delay, relative or absolute like an
// exptime, into a duration from now.
func flushDelay(delay int64, now time.Time) time.Duration {
	switch {
	case delay <= 0:
		return 0
	case delay <= maxRelativeExpiry:
		return time.Duration(delay) * time.Second
	default:
		return max(time.Unix(delay, 0).Sub(now), 0)
	}
}

func clampUnix(t int64) uint32 {
	if t > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(t)
}

func u64(n uint64) string {
	return strconv.FormatUint(n, 10)
}
