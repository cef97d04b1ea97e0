package worker

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/madpsy/warp-receiver/internal/checkpoint"
	"github.com/madpsy/warp-receiver/internal/filewriter"
	"github.com/madpsy/warp-receiver/internal/protocol"
	"github.com/madpsy/warp-receiver/internal/threadctl"
	"github.com/madpsy/warp-receiver/internal/throttler"
	"github.com/madpsy/warp-receiver/internal/translog"
)

// scriptedStream replays a pre-built byte slice for Read and records
// everything written to Write, all synchronously in the calling goroutine.
// Because the whole conversation is scripted up front, EnsureAtLeast's
// habit of reading further ahead than a single command strictly needs
// can never deadlock a test the way it could a live two-goroutine pipe.
type scriptedStream struct {
	in  []byte
	pos int
	out []byte

	acceptCount int
	maxAccepts  int
	closed      bool
}

func (s *scriptedStream) Listen() error { return nil }

func (s *scriptedStream) AcceptNextConnection(timeout time.Duration, verify bool) error {
	s.acceptCount++
	if s.maxAccepts > 0 && s.acceptCount > s.maxAccepts {
		return io.ErrClosedPipe
	}
	return nil
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if s.pos >= len(s.in) {
		return 0, io.EOF
	}
	n := copy(p, s.in[s.pos:])
	s.pos += n
	return n, nil
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	s.out = append(s.out, p...)
	return len(p), nil
}

func (s *scriptedStream) CloseConnection() error { s.closed = true; return nil }
func (s *scriptedStream) CloseAll() error        { return s.CloseConnection() }
func (s *scriptedStream) Port() int              { return 9100 }
func (s *scriptedStream) PeerIP() string         { return "127.0.0.1" }
func (s *scriptedStream) NonRetryableErrCode() error { return nil }
func (s *scriptedStream) EncryptionType() string     { return "none" }

type fakeFileWriter struct {
	written []byte
	openErr error
}

func (f *fakeFileWriter) Open() error { return f.openErr }
func (f *fakeFileWriter) Write(p []byte) (int, error) {
	f.written = append(f.written, p...)
	return len(p), nil
}
func (f *fakeFileWriter) TotalWritten() int64 { return int64(len(f.written)) }
func (f *fakeFileWriter) Close() error        { return nil }

type fakeParent struct {
	transferID      string
	protocolVersion int
	fw              *fakeFileWriter

	abortCode       protocol.ErrorCode
	newCheckpoints  []checkpoint.Checkpoint
	fileChunksInfo  []protocol.FileChunkInfo
	addedCheckpoint *checkpoint.Checkpoint
	recordedStats   *Snapshot
}

func (p *fakeParent) GetCurAbortCode() protocol.ErrorCode { return p.abortCode }
func (p *fakeParent) StartNewGlobalSession(peerIP string) {}
func (p *fakeParent) EndCurGlobalSession()                {}
func (p *fakeParent) HasNewTransferStarted() bool         { return false }
func (p *fakeParent) AddCheckpoint(c checkpoint.Checkpoint) {
	cp := c
	p.addedCheckpoint = &cp
}
func (p *fakeParent) GetNewCheckpoints(sinceIndex int64) []checkpoint.Checkpoint {
	var out []checkpoint.Checkpoint
	for _, c := range p.newCheckpoints {
		if c.Seq > sinceIndex {
			out = append(out, c)
		}
	}
	return out
}
func (p *fakeParent) GetFileChunksInfo() []protocol.FileChunkInfo { return p.fileChunksInfo }
func (p *fakeParent) GetTransferLogManager() translog.Manager     { return translog.NoopManager{} }
func (p *fakeParent) GetFileCreator() func(string, int64) (filewriter.FileWriter, error) {
	return func(name string, offset int64) (filewriter.FileWriter, error) {
		return p.fw, nil
	}
}
func (p *fakeParent) GetThrottler() throttler.Throttler                          { return throttler.NewRateThrottler(0, 0) }
func (p *fakeParent) GetTransferID() string                                      { return p.transferID }
func (p *fakeParent) GetProtocolVersion() int                                    { return p.protocolVersion }
func (p *fakeParent) AddTransferLogHeader(isBlockMode, senderResuming bool) error { return nil }
func (p *fakeParent) RecordThreadStats(threadIndex, port int, snap Snapshot) {
	p.recordedStats = &snap
}

func testOptions() Options {
	return Options{
		ThreadIndex:      0,
		BufferSize:       4096,
		ListenMaxRetries: 1,
		ListenRetryDelay: time.Millisecond,
		AcceptMaxRetries: 1,
		AcceptWindowMs:   1000,
	}
}

func encodeSettingsFrame(t *testing.T, version int, s protocol.Settings) []byte {
	t.Helper()
	buf := make([]byte, protocol.MaxVersion+protocol.MaxSettings)
	n := protocol.EncodeVersion(buf, 0, version)
	n = protocol.EncodeSettings(version, buf, n, s)
	return append([]byte{byte(protocol.SettingsCmd)}, buf[:n]...)
}

func encodeFileFrame(t *testing.T, version int, header protocol.BlockDetails, payload []byte, withChecksum bool) []byte {
	t.Helper()
	headerBuf := make([]byte, protocol.MaxHeader)
	hn := protocol.EncodeHeader(version, headerBuf, 0, header)

	lenPrefix := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenPrefix, uint16(hn))

	frame := []byte{byte(protocol.FileCmd), 0}
	frame = append(frame, lenPrefix...)
	frame = append(frame, headerBuf[:hn]...)
	frame = append(frame, payload...)

	if withChecksum {
		crc := crc32.Checksum(payload, crcTable)
		footer := make([]byte, protocol.MaxFooter)
		fn := protocol.EncodeFooter(footer, 0, crc)
		frame = append(frame, byte(protocol.FooterCmd))
		frame = append(frame, footer[:fn]...)
	}
	return frame
}

func encodeDoneFrame(t *testing.T, version int, d protocol.Done) []byte {
	t.Helper()
	buf := make([]byte, protocol.MaxDone)
	n := protocol.EncodeDone(version, buf, 0, d)
	return append([]byte{byte(protocol.DoneCmd)}, buf[:n]...)
}

// TestWorkerHappyPathSingleFileAndDone drives one worker through
// LISTEN -> ... -> END across a SETTINGS/FILE/DONE conversation with no
// sibling workers and no reconnects, the scenario spec.md section 8
// calls S1.
func TestWorkerHappyPathSingleFileAndDone(t *testing.T) {
	const version = 3
	payload := []byte("the quick brown fox jumps over the lazy dog")

	var in []byte
	in = append(in, encodeSettingsFrame(t, version, protocol.Settings{
		TransferID:         "transfer-1",
		ReadTimeoutMillis:  2000,
		WriteTimeoutMillis: 2000,
	})...)
	in = append(in, encodeFileFrame(t, version, protocol.BlockDetails{
		SeqID:     1,
		FileName:  "greeting.txt",
		FileSize:  int64(len(payload)),
		Offset:    0,
		DataSize:  int64(len(payload)),
		PrevSeqID: -1,
	}, payload, false)...)
	in = append(in, encodeDoneFrame(t, version, protocol.Done{NumBlocksSend: 1, TotalSenderBytes: int64(len(payload))})...)
	in = append(in, byte(protocol.DoneCmd)) // sender's ack of the worker's DONE_CMD

	stream := &scriptedStream{in: in, maxAccepts: 1}
	controller := threadctl.New()
	parent := &fakeParent{transferID: "transfer-1", protocolVersion: version, fw: &fakeFileWriter{}}
	logger := zap.NewNop().Sugar()

	w := New(testOptions(), stream, controller, parent, logger, nil)
	final := w.Run()

	if final != StateEnd {
		t.Fatalf("final state = %v, want %v", final, StateEnd)
	}
	if string(parent.fw.written) != string(payload) {
		t.Fatalf("file writer got %q, want %q", parent.fw.written, payload)
	}
	if !stream.closed {
		t.Fatal("expected connection to be closed on END")
	}
	if len(stream.out) == 0 || protocol.CmdTag(stream.out[0]) != protocol.DoneCmd {
		t.Fatalf("expected worker's first outbound byte to be DONE_CMD, got %v", stream.out)
	}
	if parent.recordedStats == nil || parent.recordedStats.NumBlocks != 1 {
		t.Fatalf("expected onExit to record a Stats snapshot with NumBlocks=1, got %+v", parent.recordedStats)
	}
}

// TestWorkerChecksumMismatchTriggersReconnect covers spec.md section 8's
// S2: a FILE block whose FOOTER checksum does not match its payload must
// latch CHECKSUM_MISMATCH and fall back to ACCEPT_WITH_TIMEOUT, not crash
// or silently accept corrupt data.
func TestWorkerChecksumMismatchTriggersReconnect(t *testing.T) {
	const version = 3
	payload := []byte("corrupt me")

	var in []byte
	in = append(in, encodeSettingsFrame(t, version, protocol.Settings{
		TransferID:     "transfer-2",
		EnableChecksum: true,
	})...)
	frame := encodeFileFrame(t, version, protocol.BlockDetails{
		SeqID:     1,
		FileName:  "data.bin",
		FileSize:  int64(len(payload)),
		DataSize:  int64(len(payload)),
		PrevSeqID: -1,
	}, payload, true)
	// flip a byte in the footer's CRC so it no longer matches the payload.
	frame[len(frame)-1] ^= 0xFF
	in = append(in, frame...)

	stream := &scriptedStream{in: in, maxAccepts: 1}
	controller := threadctl.New()
	parent := &fakeParent{transferID: "transfer-2", protocolVersion: version, fw: &fakeFileWriter{}}
	logger := zap.NewNop().Sugar()

	w := New(testOptions(), stream, controller, parent, logger, nil)
	final := w.Run()

	// With no second connection scripted, ACCEPT_WITH_TIMEOUT's retry
	// fails and the worker ends via FINISH_WITH_ERROR; what this test
	// guards is that the bad footer is detected at all instead of being
	// silently accepted (which would instead drive the state straight to
	// READ_NEXT_CMD and eventually END).
	if final != StateEnd {
		t.Fatalf("final state = %v, want %v", final, StateEnd)
	}
	if len(parent.fw.written) != len(payload) {
		t.Fatalf("expected the full (corrupt) payload to still have been written before detection, got %d bytes", len(parent.fw.written))
	}
	if parent.recordedStats == nil || parent.recordedStats.NumBlocks != 0 {
		t.Fatalf("expected the corrupt block not to be counted as received, got %+v", parent.recordedStats)
	}
}

// TestWorkerVersionIncompatibleAborts covers spec.md section 8's S3: a
// sender speaking a protocol version this worker cannot negotiate any
// common version with must be sent SEND_ABORT_CMD with
// VERSION_INCOMPATIBLE, not silently proceed.
func TestWorkerVersionIncompatibleAborts(t *testing.T) {
	// A sender version below MinProtocolVersion cannot be negotiated to
	// any common version (NegotiateProtocol returns 0 outright).
	const senderVersion = 0
	settingsFrame := encodeSettingsFrame(t, senderVersion, protocol.Settings{TransferID: "transfer-3"})

	stream := &scriptedStream{in: settingsFrame, maxAccepts: 1}
	controller := threadctl.New()
	parent := &fakeParent{transferID: "transfer-3", protocolVersion: protocol.MaxProtocolVersion, fw: &fakeFileWriter{}}
	logger := zap.NewNop().Sugar()

	w := New(testOptions(), stream, controller, parent, logger, nil)
	final := w.Run()

	if final != StateEnd {
		t.Fatalf("final state = %v, want %v", final, StateEnd)
	}
	if len(stream.out) == 0 || protocol.CmdTag(stream.out[0]) != protocol.AbortCmd {
		t.Fatalf("expected worker's first outbound byte to be ABORT_CMD, got %v", stream.out)
	}
}
