package worker

import (
	"sync"

	"github.com/madpsy/warp-receiver/internal/protocol"
)

// Stats is a worker's own running counters and latched local error, the
// analogue of ReceiverThreadStats in the original. It is safe for
// concurrent read access (e.g. from an admin-status poller) while the
// worker's own goroutine mutates it.
type Stats struct {
	mu sync.Mutex

	localErrorCode protocol.ErrorCode
	headerBytes    int64
	dataBytes      int64
	effectiveBytes int64
	numBlocks      int64
	encryptionType string
}

// NewStats returns a Stats with local error OK.
func NewStats() *Stats {
	return &Stats{localErrorCode: protocol.OK}
}

func (s *Stats) SetLocalErrorCode(code protocol.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localErrorCode = code
}

func (s *Stats) LocalErrorCode() protocol.ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localErrorCode
}

func (s *Stats) AddHeaderBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerBytes += n
}

func (s *Stats) AddDataBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataBytes += n
}

func (s *Stats) AddEffectiveBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effectiveBytes += n
}

func (s *Stats) IncNumBlocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numBlocks++
}

func (s *Stats) SetEncryptionType(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptionType = t
}

// Snapshot is an immutable copy of a Stats value, suitable for handing to
// a parent's RecordThreadStats on thread exit (SPEC_FULL.md section 3,
// "perf-stat snapshotting on exit"). CheckpointIndex is not part of Stats
// itself (it is the Worker's own cursor, not a counter Stats tracks) but
// is folded in here since it is the other half of what onExit reports.
type Snapshot struct {
	LocalErrorCode  protocol.ErrorCode
	HeaderBytes     int64
	DataBytes       int64
	EffectiveBytes  int64
	NumBlocks       int64
	EncryptionType  string
	CheckpointIndex int64
}

func (s *Stats) Snapshot(checkpointIndex int64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		LocalErrorCode:  s.localErrorCode,
		HeaderBytes:     s.headerBytes,
		DataBytes:       s.dataBytes,
		EffectiveBytes:  s.effectiveBytes,
		NumBlocks:       s.numBlocks,
		EncryptionType:  s.encryptionType,
		CheckpointIndex: checkpointIndex,
	}
}
