package memcache

import (
	"strconv"

	"github.com/marmos91/dittocache/internal/buf"
)

// Response status lines.
const (
	StatusStored    = "STORED"
	StatusNotStored = "NOT_STORED"
	StatusExists    = "EXISTS"
	StatusNotFound  = "NOT_FOUND"
	StatusDeleted   = "DELETED"
	StatusTouched   = "TOUCHED"
	StatusOK        = "OK"
	StatusEnd       = "END"
	StatusError     = "ERROR"

	statusClientError = "CLIENT_ERROR"
	statusServerError = "SERVER_ERROR"
	statusValue       = "VALUE"
	statusVersion     = "VERSION"
	statusStat        = "STAT"
)

const crlf = "\r\n"

// maxUintLen is the widest decimal uint64.
const maxUintLen = 20

// Every composer reserves the full response size before writing, so a
// buf.ErrFull leaves out unchanged.

// WriteValue appends one "VALUE <key> <flags> <bytes> [<cas>]" block.
func WriteValue(out *buf.Buffer, key []byte, flags uint32, value []byte, cas uint64, withCAS bool) error {
	need := len(statusValue) + 1 + len(key) + 1 + maxUintLen + 1 + maxUintLen + 1 + maxUintLen + 2 + len(value) + 2
	if err := out.Reserve(need); err != nil {
		return err
	}
	mustWrite(out, statusValue+" ")
	_, _ = out.Write(key)
	_ = out.WriteByte(' ')
	appendUint(out, uint64(flags))
	_ = out.WriteByte(' ')
	appendUint(out, uint64(len(value)))
	if withCAS {
		_ = out.WriteByte(' ')
		appendUint(out, cas)
	}
	mustWrite(out, crlf)
	_, _ = out.Write(value)
	mustWrite(out, crlf)
	return nil
}

// WriteEnd appends "END".
func WriteEnd(out *buf.Buffer) error {
	return WriteStatus(out, StatusEnd)
}

// WriteStatus appends a bare status line such as STORED or NOT_FOUND.
func WriteStatus(out *buf.Buffer, status string) error {
	if err := out.Reserve(len(status) + 2); err != nil {
		return err
	}
	mustWrite(out, status)
	mustWrite(out, crlf)
	return nil
}

// WriteClientError appends "CLIENT_ERROR <msg>".
func WriteClientError(out *buf.Buffer, msg string) error {
	return writePrefixed(out, statusClientError, msg)
}

// WriteServerError appends "SERVER_ERROR <msg>".
func WriteServerError(out *buf.Buffer, msg string) error {
	return writePrefixed(out, statusServerError, msg)
}

// WriteVersion appends "VERSION <v>".
func WriteVersion(out *buf.Buffer, v string) error {
	return writePrefixed(out, statusVersion, v)
}

// WriteNumber appends the decimal result of incr/decr.
func WriteNumber(out *buf.Buffer, n uint64) error {
	if err := out.Reserve(maxUintLen + 2); err != nil {
		return err
	}
	appendUint(out, n)
	mustWrite(out, crlf)
	return nil
}

// WriteStat appends "STAT <name> <value>".
func WriteStat(out *buf.Buffer, name, value string) error {
	if err := out.Reserve(len(statusStat) + 1 + len(name) + 1 + len(value) + 2); err != nil {
		return err
	}
	mustWrite(out, statusStat+" ")
	mustWrite(out, name)
	_ = out.WriteByte(' ')
	mustWrite(out, value)
	mustWrite(out, crlf)
	return nil
}

func writePrefixed(out *buf.Buffer, prefix, msg string) error {
	if err := out.Reserve(len(prefix) + 1 + len(msg) + 2); err != nil {
		return err
	}
	mustWrite(out, prefix)
	_ = out.WriteByte(' ')
	mustWrite(out, msg)
	mustWrite(out, crlf)
	return nil
}

// mustWrite appends s into space the caller already reserved.
func mustWrite(out *buf.Buffer, s string) {
	_, _ = out.WriteString(s)
}

// appendUint formats n straight into reserved space.
func appendUint(out *buf.Buffer, n uint64) {
	w := strconv.AppendUint(out.Writable()[:0], n, 10)
	out.Commit(len(w))
}
