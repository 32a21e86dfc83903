package memcache

// Command identifies a protocol command.
type Command uint8

const (
	CmdUnknown Command = iota
	CmdGet
	CmdGets
	CmdSet
	CmdAdd
	CmdReplace
	CmdCAS
	CmdAppend
	CmdPrepend
	CmdDelete
	CmdIncr
	CmdDecr
	CmdTouch
	CmdFlushAll
	CmdVersion
	CmdStats
	CmdVerbosity
	CmdQuit
)

var commandNames = [...]string{
	CmdUnknown:   "unknown",
	CmdGet:       "get",
	CmdGets:      "gets",
	CmdSet:       "set",
	CmdAdd:       "add",
	CmdReplace:   "replace",
	CmdCAS:       "cas",
	CmdAppend:    "append",
	CmdPrepend:   "prepend",
	CmdDelete:    "delete",
	CmdIncr:      "incr",
	CmdDecr:      "decr",
	CmdTouch:     "touch",
	CmdFlushAll:  "flush_all",
	CmdVersion:   "version",
	CmdStats:     "stats",
	CmdVerbosity: "verbosity",
	CmdQuit:      "quit",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "unknown"
}

// lookupCommand maps a command word to its Command.
func lookupCommand(word []byte) Command {
	// Indexing by string(word) does not allocate.
	if c, ok := commandsByName[string(word)]; ok {
		return c
	}
	return CmdUnknown
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, name := range commandNames {
		if Command(c) != CmdUnknown {
			m[name] = Command(c)
		}
	}
	return m
}()

// hasPayload reports whether the command carries a data block.
func (c Command) hasPayload() bool {
	switch c {
	case CmdSet, CmdAdd, CmdReplace, CmdCAS, CmdAppend, CmdPrepend:
		return true
	}
	return false
}

// Request is one decoded command. Requests are pooled: Keys and Value point
// into buffers the request owns and reuses, and stay valid until the next
// Reset.
type Request struct {
	Command Command

	// Keys holds the single key of keyed commands and every key of get/gets.
	Keys [][]byte

	Flags  uint32
	Expiry int64 // raw protocol exptime, or the flush_all delay
	CAS    uint64
	Delta  uint64
	Value  []byte

	NoReply bool

	// TooLarge is set when the declared data block exceeds the maximum
	// value size. Value is empty and the parser swallows the block.
	TooLarge bool

	keyBuf  []byte
	keyEnds []int
}

// Key returns the first key, or nil.
func (r *Request) Key() []byte {
	if len(r.Keys) == 0 {
		return nil
	}
	return r.Keys[0]
}

// Reset clears the request for reuse, keeping its buffers.
func (r *Request) Reset() {
	clear(r.Keys)
	*r = Request{
		Keys:    r.Keys[:0],
		Value:   r.Value[:0],
		keyBuf:  r.keyBuf[:0],
		keyEnds: r.keyEnds[:0],
	}
}

func (r *Request) addKey(key []byte) {
	r.keyBuf = append(r.keyBuf, key...)
	r.keyEnds = append(r.keyEnds, len(r.keyBuf))
}

// sealKeys builds Keys once keyBuf stops growing.
func (r *Request) sealKeys() {
	start := 0
	for _, end := range r.keyEnds {
		r.Keys = append(r.Keys, r.keyBuf[start:end:end])
		start = end
	}
}
