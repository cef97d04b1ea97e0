// Package framebuf implements the receiver worker's framing buffer: a
// single fixed-capacity byte buffer that accumulates command bytes off the
// wire, hands them to the state machine a command at a time, and compacts
// leftover bytes forward instead of ever reallocating.
//
// It is grounded on the original receiver's readAtLeast/readAtMost helpers
// and the off_/oldOffset_/numRead_ bookkeeping in ReceiverThread.cpp, with
// the cursor math rebuilt around two plain offsets (off/end) instead of
// three C-pointer-arithmetic counters — Go slices make the third counter
// unnecessary.
package framebuf

import (
	"errors"
	"io"
)

// ErrRequestTooLarge is returned when a caller asks EnsureAtLeast for more
// bytes than the buffer has capacity for.
var ErrRequestTooLarge = errors.New("framebuf: requested size exceeds buffer capacity")

// Reader is the minimal read surface the buffer needs from a connection.
// transport.Stream satisfies it.
type Reader interface {
	Read(p []byte) (int, error)
}

// Buffer is a fixed-capacity byte buffer with a read cursor. Unconsumed
// bytes live in data[off:end]; bytes before off and after end are free
// space. It is not safe for concurrent use: each worker owns exactly one.
type Buffer struct {
	data []byte
	off  int
	end  int

	// latent holds a read error observed while bytes were already
	// buffered; it is surfaced on the next call that cannot otherwise be
	// satisfied from the buffer, mirroring readAtLeast returning the
	// partial count now and losing nothing for the caller to act on next.
	latent error
}

// New allocates a Buffer with the given fixed capacity.
func New(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Reset discards all buffered bytes and any latched error.
func (b *Buffer) Reset() {
	b.off = 0
	b.end = 0
	b.latent = nil
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of unconsumed buffered bytes.
func (b *Buffer) Len() int { return b.end - b.off }

// Bytes returns the unconsumed buffered bytes. The slice is only valid
// until the next call to a mutating method (Advance, Compact,
// EnsureAtLeast).
func (b *Buffer) Bytes() []byte { return b.data[b.off:b.end] }

// Advance consumes n bytes from the front of the unconsumed region. It
// panics if n is negative or exceeds Len, since that indicates a state
// handler misreading its own decode length.
func (b *Buffer) Advance(n int) {
	if n < 0 || n > b.Len() {
		panic("framebuf: Advance out of range")
	}
	b.off += n
}

// TakeByte consumes and returns the first unconsumed byte. ok is false if
// the buffer is empty.
func (b *Buffer) TakeByte() (byte, bool) {
	if b.Len() == 0 {
		return 0, false
	}
	c := b.data[b.off]
	b.off++
	return c, true
}

// Compact slides the unconsumed region to the start of the buffer,
// reclaiming the space consumed bytes occupied. Callers rarely need to
// call this directly; EnsureAtLeast compacts automatically when it needs
// the room.
func (b *Buffer) Compact() {
	if b.off == 0 {
		return
	}
	n := copy(b.data, b.data[b.off:b.end])
	b.off = 0
	b.end = n
}

// EnsureAtLeast reads from r, compacting and appending as needed, until at
// least atLeast bytes are unconsumed in the buffer. It returns the number
// of unconsumed bytes actually available once it stops, which is less
// than atLeast only on EOF or a read error with no data to show for it.
//
// This mirrors readAtLeast: on a read error after some bytes are already
// buffered, the partial count is returned with a nil error and the error
// is latched for the next call, rather than being discarded.
func (b *Buffer) EnsureAtLeast(r Reader, atLeast int) (int, error) {
	if atLeast <= 0 {
		return b.Len(), nil
	}
	if atLeast > len(b.data) {
		return b.Len(), ErrRequestTooLarge
	}
	if len(b.data)-b.off < atLeast {
		b.Compact()
	}
	if b.latent != nil {
		if b.Len() >= atLeast {
			return b.Len(), nil
		}
		err := b.latent
		b.latent = nil
		return b.Len(), err
	}
	for b.Len() < atLeast {
		n, err := r.Read(b.data[b.end:])
		if n > 0 {
			b.end += n
		}
		if err != nil {
			if b.Len() > 0 {
				b.latent = err
				return b.Len(), nil
			}
			return b.Len(), err
		}
		if n == 0 {
			return b.Len(), io.EOF
		}
	}
	return b.Len(), nil
}

// ReadAtMost reads directly into dst (bypassing the internal cursor),
// returning at most len(dst) bytes or atMost, whichever is smaller. It is
// used for streaming file-block payloads straight to a writer instead of
// through the command-framing buffer, mirroring the original's readAtMost
// used inside PROCESS_FILE_CMD's bulk-copy loop.
func ReadAtMost(r Reader, dst []byte, atMost int) (int, error) {
	target := atMost
	if target > len(dst) {
		target = len(dst)
	}
	if target <= 0 {
		return 0, nil
	}
	n, err := r.Read(dst[:target])
	return n, err
}
