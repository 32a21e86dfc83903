package memcache

import (
	"bytes"
	"errors"
	"math"

	"github.com/marmos91/dittocache/internal/buf"
)

const (
	// MaxLineLength is the longest accepted command line, terminator excluded.
	MaxLineLength = 2048

	// MaxKeyLength is the longest accepted key.
	MaxKeyLength = 250

	// MaxKeys bounds the number of keys in one get/gets.
	MaxKeys = 50

	// maxTokens is the command word plus MaxKeys keys.
	maxTokens = MaxKeys + 1
)

// ErrIncomplete is returned by Parse when the buffer does not yet hold a
// complete request.
var ErrIncomplete = errors.New("incomplete request")

// ClientError is a protocol error caused by the client. It is answered with
// CLIENT_ERROR and the connection stays usable.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string {
	return "CLIENT_ERROR " + e.Msg
}

var (
	errBadFormat   = &ClientError{Msg: "bad command line format"}
	errLineTooLong = &ClientError{Msg: "line too long"}
	errBadChunk    = &ClientError{Msg: "bad data chunk"}
	errBadDelta    = &ClientError{Msg: "invalid numeric delta argument"}
)

type parseState uint8

const (
	stateHeader parseState = iota

	// stateSwallow drops exactly Parser.remaining bytes of an oversized
	// data block.
	stateSwallow

	// stateDiscard drops everything up to and including the next '\n'.
	stateDiscard
)

// Parser is a resumable request parser bound to one connection. It keeps
// only the resynchronisation state between calls; a request whose header or
// data block is still incomplete is parsed again from the start once more
// bytes arrive.
type Parser struct {
	maxValueSize int
	state        parseState
	remaining    int
	tokens       [][]byte
}

// NewParser creates a parser that rejects data blocks larger than
// maxValueSize bytes.
func NewParser(maxValueSize int) *Parser {
	return &Parser{
		maxValueSize: maxValueSize,
		tokens:       make([][]byte, 0, maxTokens+1),
	}
}

// MaxRequestSize is the largest number of bytes a single well-formed request
// can occupy in the read buffer.
func (p *Parser) MaxRequestSize() int {
	return MaxLineLength + 2 + p.maxValueSize + 2
}

// Reset drops any resynchronisation state, e.g. when a pooled connection is
// reused.
func (p *Parser) Reset() {
	p.state = stateHeader
	p.remaining = 0
}

// Parse decodes the next request from b into req.
//
// It returns nil once a complete request has been consumed from b,
// ErrIncomplete when more bytes are needed, or a *ClientError after consuming
// the offending input. A request with TooLarge set is returned as soon as
// its header is complete; its data block is swallowed by later calls.
func (p *Parser) Parse(b *buf.Buffer, req *Request) error {
	for {
		switch p.state {
		case stateSwallow:
			n := min(b.Len(), p.remaining)
			b.Consume(n)
			p.remaining -= n
			if p.remaining > 0 {
				return ErrIncomplete
			}
			p.state = stateHeader

		case stateDiscard:
			data := b.Bytes()
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				b.Consume(len(data))
				return ErrIncomplete
			}
			b.Consume(i + 1)
			p.state = stateHeader

		default:
			return p.parseRequest(b, req)
		}
	}
}

func (p *Parser) parseRequest(b *buf.Buffer, req *Request) error {
	data := b.Bytes()

	eol := bytes.IndexByte(data, '\n')
	if eol < 0 {
		// A full-length line may still be waiting for "\n" after its "\r".
		if len(data) > MaxLineLength+1 {
			b.Consume(len(data))
			p.state = stateDiscard
			return errLineTooLong
		}
		return ErrIncomplete
	}
	lineLen := eol + 1
	line := bytes.TrimSuffix(data[:eol], []byte{'\r'})
	if len(line) > MaxLineLength {
		b.Consume(lineLen)
		return errLineTooLong
	}

	req.Reset()
	n, err := p.parseHeader(line, req)
	if err != nil {
		b.Consume(lineLen)
		return err
	}
	if !req.Command.hasPayload() {
		b.Consume(lineLen)
		return nil
	}

	if n > p.maxValueSize {
		b.Consume(lineLen)
		p.state = stateSwallow
		p.remaining = n + 2
		req.TooLarge = true
		return nil
	}

	payload := data[lineLen:]
	if len(payload) <= n {
		return ErrIncomplete
	}
	term := 0
	switch payload[n] {
	case '\n':
		term = 1
	case '\r':
		if len(payload) < n+2 {
			return ErrIncomplete
		}
		if payload[n+1] == '\n' {
			term = 2
		}
	}
	if term == 0 {
		// The declared length disagrees with the data: drop the block and
		// resync on the next line.
		b.Consume(lineLen + n)
		p.state = stateDiscard
		return errBadChunk
	}

	req.Value = append(req.Value[:0], payload[:n]...)
	b.Consume(lineLen + n + term)
	return nil
}

// parseHeader fills req from a command line and returns the declared data
// block length for commands that carry one.
func (p *Parser) parseHeader(line []byte, req *Request) (int, error) {
	tokens, ok := tokenize(line, p.tokens[:0])
	p.tokens = tokens[:0]
	if !ok {
		return 0, errBadFormat
	}
	if len(tokens) == 0 {
		req.Command = CmdUnknown
		return 0, nil
	}

	req.Command = lookupCommand(tokens[0])
	args := tokens[1:]

	switch req.Command {
	case CmdGet, CmdGets:
		if len(args) == 0 || len(args) > MaxKeys {
			return 0, errBadFormat
		}
		for _, k := range args {
			if len(k) > MaxKeyLength {
				return 0, errBadFormat
			}
			req.addKey(k)
		}
		req.sealKeys()
		return 0, nil

	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend, CmdCAS:
		return parseStorage(args, req)

	case CmdDelete:
		args = trimNoReply(args, req)
		// "delete <key> 0" is accepted for compatibility with old clients.
		if len(args) == 2 && string(args[1]) == "0" {
			args = args[:1]
		}
		if len(args) != 1 {
			return 0, errBadFormat
		}
		return 0, setKey(args[0], req)

	case CmdIncr, CmdDecr:
		args = trimNoReply(args, req)
		if len(args) != 2 {
			return 0, errBadFormat
		}
		delta, ok := parseUint(args[1], 64)
		if !ok {
			return 0, errBadDelta
		}
		req.Delta = delta
		return 0, setKey(args[0], req)

	case CmdTouch:
		args = trimNoReply(args, req)
		if len(args) != 2 {
			return 0, errBadFormat
		}
		exp, ok := parseInt(args[1])
		if !ok {
			return 0, errBadFormat
		}
		req.Expiry = exp
		return 0, setKey(args[0], req)

	case CmdFlushAll:
		args = trimNoReply(args, req)
		switch len(args) {
		case 0:
		case 1:
			delay, ok := parseInt(args[0])
			if !ok {
				return 0, errBadFormat
			}
			req.Expiry = delay
		default:
			return 0, errBadFormat
		}
		return 0, nil

	case CmdVerbosity:
		args = trimNoReply(args, req)
		if len(args) != 1 {
			return 0, errBadFormat
		}
		if _, ok := parseUint(args[0], 32); !ok {
			return 0, errBadFormat
		}
		return 0, nil

	case CmdVersion, CmdStats, CmdQuit:
		if len(args) != 0 {
			return 0, errBadFormat
		}
		return 0, nil

	default:
		return 0, nil
	}
}

// parseStorage parses "<key> <flags> <exptime> <bytes> [<cas>] [noreply]".
func parseStorage(args [][]byte, req *Request) (int, error) {
	args = trimNoReply(args, req)

	want := 4
	if req.Command == CmdCAS {
		want = 5
	}
	if len(args) != want {
		return 0, errBadFormat
	}

	flags, ok := parseUint(args[1], 32)
	if !ok {
		return 0, errBadFormat
	}
	exp, ok := parseInt(args[2])
	if !ok {
		return 0, errBadFormat
	}
	n, ok := parseUint(args[3], 31)
	if !ok {
		return 0, errBadFormat
	}
	if want == 5 {
		if req.CAS, ok = parseUint(args[4], 64); !ok {
			return 0, errBadFormat
		}
	}

	req.Flags = uint32(flags)
	req.Expiry = exp
	if err := setKey(args[0], req); err != nil {
		return 0, err
	}
	return int(n), nil
}

func setKey(key []byte, req *Request) error {
	if len(key) > MaxKeyLength {
		return errBadFormat
	}
	req.addKey(key)
	req.sealKeys()
	return nil
}

func trimNoReply(args [][]byte, req *Request) [][]byte {
	if n := len(args); n > 0 && string(args[n-1]) == "noreply" {
		req.NoReply = true
		return args[:n-1]
	}
	return args
}

// tokenize splits line on spaces into dst. It reports false when the line
// has more tokens than any command accepts.
func tokenize(line []byte, dst [][]byte) ([][]byte, bool) {
	for len(line) > 0 {
		if line[0] == ' ' {
			line = line[1:]
			continue
		}
		end := bytes.IndexByte(line, ' ')
		if end < 0 {
			end = len(line)
		}
		if len(dst) == maxTokens {
			return dst, false
		}
		dst = append(dst, line[:end])
		line = line[end:]
	}
	return dst, true
}

// parseUint parses an unsigned decimal of at most bits bits.
func parseUint(b []byte, bits int) (uint64, bool) {
	if len(b) == 0 || len(b) > 20 {
		return 0, false
	}
	limit := uint64(math.MaxUint64)
	if bits < 64 {
		limit = 1<<bits - 1
	}
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := uint64(c - '0')
		if n > (limit-d)/10 {
			return 0, false
		}
		n = n*10 + d
	}
	return n, true
}

// parseInt parses a signed decimal that fits in an int64.
func parseInt(b []byte) (int64, bool) {
	neg := len(b) > 0 && b[0] == '-'
	if neg {
		b = b[1:]
	}
	n, ok := parseUint(b, 63)
	if !ok {
		return 0, false
	}
	if neg {
		return -int64(n), true
	}
	return int64(n), true
}
