// Package checkpoint holds the per-port resumption marker a worker reports
// to its sender, and the parent-owned, mutex-guarded list new workers
// consult when a connection resumes after a drop.
package checkpoint

import (
	"sort"
	"sync"

	"github.com/madpsy/warp-receiver/internal/protocol"
)

// Checkpoint is a worker's resumption marker (spec section 3). NumBlocks
// is -1 to signal "the previous SEND_DONE_CMD failed before the sender
// could ack it", per spec section 4.3.
type Checkpoint struct {
	Port      int32
	NumBlocks int32

	HasLastBlock           bool
	LastBlockSeqID         int64
	LastBlockOffset        int64
	LastBlockReceivedBytes int64

	// Seq is the List's monotonic add-order stamp, assigned by List.Add
	// and consulted by List.Since so a worker's own cursor can converge
	// instead of seeing a permanently non-empty "new checkpoints" result
	// once any checkpoint has ever been recorded. It is never carried
	// onto the wire (ToWire/FromWire do not touch it).
	Seq int64
}

// DoneSendFailed reports whether this checkpoint encodes "the last
// SEND_DONE_CMD attempt failed", the -1 sentinel from spec section 4.3.
func (c Checkpoint) DoneSendFailed() bool { return c.NumBlocks == -1 }

// ToWire converts to the protocol package's wire-level checkpoint shape.
func (c Checkpoint) ToWire() protocol.Checkpoint {
	return protocol.Checkpoint{
		Port:                   c.Port,
		NumBlocks:              c.NumBlocks,
		HasLastBlock:           c.HasLastBlock,
		LastBlockSeqID:         c.LastBlockSeqID,
		LastBlockOffset:        c.LastBlockOffset,
		LastBlockReceivedBytes: c.LastBlockReceivedBytes,
	}
}

// FromWire converts a decoded protocol.Checkpoint back to the domain type.
func FromWire(w protocol.Checkpoint) Checkpoint {
	return Checkpoint{
		Port:                   w.Port,
		NumBlocks:              w.NumBlocks,
		HasLastBlock:           w.HasLastBlock,
		LastBlockSeqID:         w.LastBlockSeqID,
		LastBlockOffset:        w.LastBlockOffset,
		LastBlockReceivedBytes: w.LastBlockReceivedBytes,
	}
}

// List is the parent's shared, mutex-guarded collection of checkpoints
// accumulated across all of its worker ports over the life of a global
// session. Workers append to it when a connection drops mid-transfer and
// read a snapshot of it to serve SEND_GLOBAL_CHECKPOINTS.
type List struct {
	mu    sync.Mutex
	items []Checkpoint
	seq   int64
}

// Add appends a checkpoint, replacing any prior entry for the same port so
// the list never carries more than one checkpoint per port. Every call,
// whether it appends or replaces, stamps c.Seq with the next value from
// the list's own monotonic counter, overwriting whatever Seq the caller
// passed in; Since uses that stamp to report only checkpoints a worker
// hasn't already consumed.
func (l *List) Add(c Checkpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	c.Seq = l.seq
	for i, existing := range l.items {
		if existing.Port == c.Port {
			l.items[i] = c
			return
		}
	}
	l.items = append(l.items, c)
}

// Snapshot returns a copy of every checkpoint currently recorded, safe to
// hand to a caller that will serialize it without holding the list's lock.
func (l *List) Snapshot() []Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Checkpoint, len(l.items))
	copy(out, l.items)
	return out
}

// Since returns every checkpoint whose Seq is greater than sinceSeq, in
// ascending Seq order, so a caller can advance its own cursor to the
// highest Seq returned and see only strictly newer checkpoints on its
// next call. Because Add replaces a port's entry in place, a checkpoint
// that is overwritten before a worker ever observes it is skipped
// entirely rather than delivered stale; the cursor is an at-least-once,
// not exactly-once, contract.
func (l *List) Since(sinceSeq int64) []Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Checkpoint
	for _, c := range l.items {
		if c.Seq > sinceSeq {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len reports how many distinct ports have a recorded checkpoint.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Reset clears the list, used when a parent ends its current global
// session (spec section 6, parent/session responsibilities).
func (l *List) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}

// EncodeGlobal serializes the current snapshot for the SEND_GLOBAL_CHECKPOINTS
// wire payload.
func (l *List) EncodeGlobal(protocolVersion int, buf []byte, off int) int {
	snap := l.Snapshot()
	wire := make([]protocol.Checkpoint, len(snap))
	for i, c := range snap {
		wire[i] = c.ToWire()
	}
	return protocol.EncodeCheckpoints(protocolVersion, buf, off, wire)
}
