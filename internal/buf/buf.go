// Package buf provides the cursor-based byte buffer shared by the protocol
// codec and the connection reactor.
//
// A Buffer keeps a read position and a write position over one backing
// slice. Bytes between the two positions are readable; bytes past the write
// position are free space. The buffer grows by doubling up to a fixed
// maximum, so per-connection memory is bounded, and shrinks back to its
// initial size on Reset.
//
// Buffers are not safe for concurrent use. Each one belongs to exactly one
// connection, which is owned by exactly one worker.
package buf

import (
	"errors"
	"fmt"
)

// ErrFull is returned when a write or reservation would grow the buffer past
// its maximum size.
var ErrFull = errors.New("buffer would exceed its maximum size")

// Buffer is a growable read/write cursor buffer with a hard size limit.
type Buffer struct {
	data     []byte
	rpos     int
	wpos     int
	initSize int
	maxSize  int
}

// New creates a buffer with initSize bytes of backing storage that may grow
// up to maxSize bytes. It panics if the sizes are not positive or
// initSize > maxSize.
func New(initSize, maxSize int) *Buffer {
	if initSize <= 0 || maxSize < initSize {
		panic(fmt.Sprintf("buf: invalid sizes init=%d max=%d", initSize, maxSize))
	}
	return &Buffer{
		data:     make([]byte, initSize),
		initSize: initSize,
		maxSize:  maxSize,
	}
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int { return b.wpos - b.rpos }

// Cap returns the current size of the backing storage.
func (b *Buffer) Cap() int { return len(b.data) }

// Max returns the maximum size the buffer may grow to.
func (b *Buffer) Max() int { return b.maxSize }

// Bytes returns the readable bytes. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data[b.rpos:b.wpos] }

// Consume advances the read position by n bytes.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic(fmt.Sprintf("buf: consume %d of %d readable bytes", n, b.Len()))
	}
	b.rpos += n
	if b.rpos == b.wpos {
		b.rpos, b.wpos = 0, 0
	}
}

// Writable returns the free space after the write position. Callers fill a
// prefix of it and report the amount with Commit.
func (b *Buffer) Writable() []byte { return b.data[b.wpos:] }

// Commit marks n bytes of the Writable slice as written.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.wpos+n > len(b.data) {
		panic(fmt.Sprintf("buf: commit %d with %d writable bytes", n, len(b.data)-b.wpos))
	}
	b.wpos += n
}

// Reserve makes sure at least n bytes are writable, first by shifting the
// readable bytes to the front and then by doubling the backing storage.
func (b *Buffer) Reserve(n int) error {
	if len(b.data)-b.wpos >= n {
		return nil
	}
	if b.rpos > 0 {
		copy(b.data, b.data[b.rpos:b.wpos])
		b.wpos -= b.rpos
		b.rpos = 0
		if len(b.data)-b.wpos >= n {
			return nil
		}
	}

	need := b.wpos + n
	if need > b.maxSize {
		return ErrFull
	}
	size := len(b.data)
	for size < need {
		size *= 2
	}
	if size > b.maxSize {
		size = b.maxSize
	}
	grown := make([]byte, size)
	copy(grown, b.data[:b.wpos])
	b.data = grown
	return nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Reserve(len(p)); err != nil {
		return 0, err
	}
	n := copy(b.data[b.wpos:], p)
	b.wpos += n
	return n, nil
}

func (b *Buffer) WriteString(s string) (int, error) {
	if err := b.Reserve(len(s)); err != nil {
		return 0, err
	}
	n := copy(b.data[b.wpos:], s)
	b.wpos += n
	return n, nil
}

func (b *Buffer) WriteByte(c byte) error {
	if err := b.Reserve(1); err != nil {
		return err
	}
	b.data[b.wpos] = c
	b.wpos++
	return nil
}

// Reset discards all content and releases storage grown past the initial
// size.
func (b *Buffer) Reset() {
	b.rpos, b.wpos = 0, 0
	if len(b.data) > b.initSize {
		b.data = make([]byte, b.initSize)
	}
}
