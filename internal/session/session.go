// Package session implements the parent Receiver collaborator contract
// (spec.md section 6): the process-global aggregate a worker's state
// machine consults for the abort flag, global-session lifecycle, the
// shared checkpoint list, the file-chunks inventory, and handles to the
// transfer-log manager, throttler, and file creator. spec.md section 1
// treats this as an external collaborator ("The parent Receiver aggregate
// ... out of scope"); SPEC_FULL.md section 4 notes a minimal concrete
// implementation is needed since the worker cannot be exercised
// end-to-end without one.
package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/madpsy/warp-receiver/internal/checkpoint"
	"github.com/madpsy/warp-receiver/internal/filewriter"
	"github.com/madpsy/warp-receiver/internal/protocol"
	"github.com/madpsy/warp-receiver/internal/throttler"
	"github.com/madpsy/warp-receiver/internal/translog"
	"github.com/madpsy/warp-receiver/internal/worker"
)

// Session is the parent aggregate shared by every worker of one transfer.
type Session struct {
	transferID      string
	protocolVersion int
	destDir         string

	abortCode atomic.Value // protocol.ErrorCode

	mu                 sync.Mutex
	globalSessionID    string
	globalSessionLive  bool
	newTransferStarted bool

	checkpoints *checkpoint.List

	fileChunksMu sync.RWMutex
	fileChunks   []protocol.FileChunkInfo

	logManager translog.Manager
	throttler  throttler.Throttler

	threadStatsMu sync.Mutex
	threadStats   map[int]worker.Snapshot // keyed by port
}

// Config bundles the collaborators a Session is built from.
type Config struct {
	TransferID      string
	ProtocolVersion int
	DestDir         string
	LogManager      translog.Manager
	Throttler       throttler.Throttler
}

// New constructs a Session. If cfg.LogManager is nil, a translog.NoopManager
// is used.
func New(cfg Config) *Session {
	lm := cfg.LogManager
	if lm == nil {
		lm = translog.NoopManager{}
	}
	s := &Session{
		transferID:      cfg.TransferID,
		protocolVersion: cfg.ProtocolVersion,
		destDir:         cfg.DestDir,
		checkpoints:     &checkpoint.List{},
		logManager:      lm,
		throttler:       cfg.Throttler,
		threadStats:     make(map[int]worker.Snapshot),
	}
	s.abortCode.Store(protocol.OK)
	return s
}

// GetCurAbortCode reports the current global abort code, polled at the
// top of every worker state-loop iteration (spec.md section 5).
func (s *Session) GetCurAbortCode() protocol.ErrorCode {
	return s.abortCode.Load().(protocol.ErrorCode)
}

// SetAbortCode latches a global abort; once set to a non-OK code every
// worker observes it on its next poll.
func (s *Session) SetAbortCode(code protocol.ErrorCode) {
	s.abortCode.Store(code)
}

// StartNewGlobalSession is invoked by exactly one worker (elected via the
// controller's ExecuteAtStart) when the first connection of a new global
// session is accepted.
func (s *Session) StartNewGlobalSession(peerIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalSessionID = uuid.NewString()
	s.globalSessionLive = true
	s.newTransferStarted = true
	_ = peerIP
}

// EndCurGlobalSession is invoked once, by the last worker to leave
// (elected via the controller's ExecuteAtEnd).
func (s *Session) EndCurGlobalSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalSessionLive = false
	s.checkpoints.Reset()
	s.logManager.Close()
}

// GlobalSessionID returns the correlation id assigned by the most recent
// StartNewGlobalSession call, for attaching to logs/events.
func (s *Session) GlobalSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalSessionID
}

// HasNewTransferStarted reports whether a sibling worker has already
// begun a fresh global session, letting a still-accepting worker
// fast-forward to ACCEPT_WITH_TIMEOUT to synchronize timeouts (spec.md
// section 4.4, ACCEPT_FIRST_CONNECTION).
func (s *Session) HasNewTransferStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTransferStarted
}

// AddCheckpoint appends (or replaces, by port) a worker's checkpoint to
// the shared global list.
func (s *Session) AddCheckpoint(c checkpoint.Checkpoint) {
	s.checkpoints.Add(c)
}

// GetNewCheckpoints returns every checkpoint with a List.Add-assigned Seq
// greater than sinceIndex, so a worker that advances its own cursor to
// the highest Seq it has seen converges to an empty result once no
// sibling has recorded anything new, instead of re-observing the same
// checkpoints forever.
func (s *Session) GetNewCheckpoints(sinceIndex int64) []checkpoint.Checkpoint {
	return s.checkpoints.Since(sinceIndex)
}

// RecordThreadStats is the sink a worker's exit guard reports its final
// Stats snapshot to (spec.md section 5's resource-discipline paragraph:
// "snapshots perf stats" on every exit path), keyed by port since a
// worker's threadIndex is only unique within the process and the admin
// status endpoint reports by port.
func (s *Session) RecordThreadStats(threadIndex, port int, snap worker.Snapshot) {
	s.threadStatsMu.Lock()
	defer s.threadStatsMu.Unlock()
	s.threadStats[port] = snap
}

// ThreadStats returns the most recently recorded Snapshot for port, if
// any worker has exited and reported one.
func (s *Session) ThreadStats(port int) (worker.Snapshot, bool) {
	s.threadStatsMu.Lock()
	defer s.threadStatsMu.Unlock()
	snap, ok := s.threadStats[port]
	return snap, ok
}

// GetFileChunksInfo returns the resumption chunk inventory presented to a
// reconnecting sender via SEND_FILE_CHUNKS.
func (s *Session) GetFileChunksInfo() []protocol.FileChunkInfo {
	s.fileChunksMu.RLock()
	defer s.fileChunksMu.RUnlock()
	out := make([]protocol.FileChunkInfo, len(s.fileChunks))
	copy(out, s.fileChunks)
	return out
}

// SetFileChunksInfo replaces the chunk inventory, called once at daemon
// startup when resuming a prior transfer from transfer-log state.
func (s *Session) SetFileChunksInfo(chunks []protocol.FileChunkInfo) {
	s.fileChunksMu.Lock()
	defer s.fileChunksMu.Unlock()
	s.fileChunks = chunks
}

// GetTransferLogManager returns the transfer-log manager handle.
func (s *Session) GetTransferLogManager() translog.Manager { return s.logManager }

// GetThrottler returns the throttler handle, or nil if none is
// configured.
func (s *Session) GetThrottler() throttler.Throttler { return s.throttler }

// GetTransferID returns the transfer id every accepted sender must match.
func (s *Session) GetTransferID() string { return s.transferID }

// GetProtocolVersion returns this daemon's configured protocol version.
func (s *Session) GetProtocolVersion() int { return s.protocolVersion }

// AddTransferLogHeader records the one-shot "transfer began/resumed"
// marker, delegating to the transfer-log manager.
func (s *Session) AddTransferLogHeader(isBlockMode, senderResuming bool) error {
	return s.logManager.AddHeader(isBlockMode, senderResuming)
}

// GetFileCreator returns a FileWriter for the given relative file name and
// resume offset, rooted under the session's destination directory. A
// fileName that escapes destDir via ".." is rejected.
func (s *Session) GetFileCreator() func(fileName string, offset int64) (filewriter.FileWriter, error) {
	return func(fileName string, offset int64) (filewriter.FileWriter, error) {
		clean := filepath.Clean(fileName)
		if clean == ".." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("session: file name %q escapes destination directory", fileName)
		}
		path := filepath.Join(s.destDir, clean)
		return filewriter.NewOSFileWriter(path, offset), nil
	}
}
