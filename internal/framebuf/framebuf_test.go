package framebuf

import (
	"errors"
	"io"
	"testing"
)

// chunkedReader hands out fixed-size chunks across successive Read calls,
// then returns a configurable terminal error.
type chunkedReader struct {
	chunks [][]byte
	i      int
	tail   error
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		if r.tail != nil {
			return 0, r.tail
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func TestEnsureAtLeastAccumulatesAcrossReads(t *testing.T) {
	r := &chunkedReader{chunks: [][]byte{{1, 2}, {3}, {4, 5, 6}}}
	b := New(16)
	n, err := b.EnsureAtLeast(r, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d bytes, want 5", n)
	}
	want := []byte{1, 2, 3, 4, 5}
	got := b.Bytes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestEnsureAtLeastCompactsFreedSpace(t *testing.T) {
	r := &chunkedReader{chunks: [][]byte{{1, 2, 3, 4}}}
	b := New(4)
	if _, err := b.EnsureAtLeast(r, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Advance(2)
	r.chunks = append(r.chunks, []byte{5, 6})
	n, err := b.EnsureAtLeast(r, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Fatalf("got %d bytes, want 4 after compaction freed room", n)
	}
	want := []byte{3, 4, 5, 6}
	got := b.Bytes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestEnsureAtLeastLatchesErrorAfterPartialData(t *testing.T) {
	boom := errors.New("boom")
	r := &chunkedReader{chunks: [][]byte{{1, 2}}, tail: boom}
	b := New(8)
	n, err := b.EnsureAtLeast(r, 4)
	if err != nil {
		t.Fatalf("expected no error on first call (partial data present), got %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d bytes, want 2", n)
	}
	n, err = b.EnsureAtLeast(r, 4)
	if !errors.Is(err, boom) {
		t.Fatalf("expected latched error on second call, got %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d bytes, want 2 (unchanged)", n)
	}
}

func TestEnsureAtLeastRequestTooLarge(t *testing.T) {
	b := New(4)
	if _, err := b.EnsureAtLeast(&chunkedReader{}, 5); !errors.Is(err, ErrRequestTooLarge) {
		t.Fatalf("expected ErrRequestTooLarge, got %v", err)
	}
}

func TestAdvanceAndTakeByte(t *testing.T) {
	r := &chunkedReader{chunks: [][]byte{{10, 20, 30}}}
	b := New(8)
	if _, err := b.EnsureAtLeast(r, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := b.TakeByte()
	if !ok || c != 10 {
		t.Fatalf("got (%d, %v), want (10, true)", c, ok)
	}
	b.Advance(1)
	if b.Len() != 1 {
		t.Fatalf("got Len %d, want 1", b.Len())
	}
	if b.Bytes()[0] != 30 {
		t.Fatalf("got %d, want 30", b.Bytes()[0])
	}
}

func TestReadAtMostCapsToSmallerBound(t *testing.T) {
	r := &chunkedReader{chunks: [][]byte{{1, 2, 3, 4, 5}}}
	dst := make([]byte, 10)
	n, err := ReadAtMost(r, dst, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("got %d, want 3", n)
	}
}
