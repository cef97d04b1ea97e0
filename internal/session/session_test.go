package session

import (
	"testing"

	"github.com/madpsy/warp-receiver/internal/checkpoint"
	"github.com/madpsy/warp-receiver/internal/protocol"
	"github.com/madpsy/warp-receiver/internal/worker"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New(Config{
		TransferID:      "t1",
		ProtocolVersion: protocol.CheckpointOffsetVersion,
		DestDir:         t.TempDir(),
	})
}

func TestAbortCodeDefaultsToOK(t *testing.T) {
	s := newTestSession(t)
	if s.GetCurAbortCode() != protocol.OK {
		t.Fatalf("got %v, want OK", s.GetCurAbortCode())
	}
	s.SetAbortCode(protocol.AbortError)
	if s.GetCurAbortCode() != protocol.AbortError {
		t.Fatalf("got %v, want Abort", s.GetCurAbortCode())
	}
}

func TestStartAndEndGlobalSession(t *testing.T) {
	s := newTestSession(t)
	if s.HasNewTransferStarted() {
		t.Fatal("expected no new transfer before StartNewGlobalSession")
	}
	s.StartNewGlobalSession("10.0.0.1")
	if !s.HasNewTransferStarted() {
		t.Fatal("expected new transfer flag set")
	}
	if s.GlobalSessionID() == "" {
		t.Fatal("expected a non-empty session id")
	}
	s.AddCheckpoint(checkpoint.Checkpoint{Port: 1, NumBlocks: 2})
	s.EndCurGlobalSession()
	if len(s.GetNewCheckpoints(0)) != 0 {
		t.Fatal("expected checkpoints reset after EndCurGlobalSession")
	}
}

func TestGetNewCheckpointsConverges(t *testing.T) {
	s := newTestSession(t)
	s.AddCheckpoint(checkpoint.Checkpoint{Port: 1, NumBlocks: 1})
	s.AddCheckpoint(checkpoint.Checkpoint{Port: 2, NumBlocks: 1})

	first := s.GetNewCheckpoints(0)
	if len(first) != 2 {
		t.Fatalf("got %d checkpoints since 0, want 2", len(first))
	}

	cursor := first[len(first)-1].Seq
	if len(s.GetNewCheckpoints(cursor)) != 0 {
		t.Fatal("expected no new checkpoints once cursor reaches the highest observed Seq")
	}

	s.AddCheckpoint(checkpoint.Checkpoint{Port: 1, NumBlocks: 2})
	again := s.GetNewCheckpoints(cursor)
	if len(again) != 1 || again[0].Port != 1 {
		t.Fatalf("got %+v, want only the refreshed port-1 checkpoint", again)
	}
}

func TestRecordThreadStatsRoundTrips(t *testing.T) {
	s := newTestSession(t)
	if _, ok := s.ThreadStats(9000); ok {
		t.Fatal("expected no recorded stats before RecordThreadStats")
	}
	s.RecordThreadStats(0, 9000, worker.Snapshot{NumBlocks: 3, DataBytes: 1024})
	snap, ok := s.ThreadStats(9000)
	if !ok || snap.NumBlocks != 3 || snap.DataBytes != 1024 {
		t.Fatalf("got %+v, ok=%v, want NumBlocks=3 DataBytes=1024", snap, ok)
	}
}

func TestGetFileCreatorRejectsPathEscape(t *testing.T) {
	s := newTestSession(t)
	creator := s.GetFileCreator()
	if _, err := creator("../../etc/passwd", 0); err == nil {
		t.Fatal("expected error for path-escaping file name")
	}
	if _, err := creator("subdir/file.bin", 0); err != nil {
		t.Fatalf("unexpected error for legitimate relative path: %v", err)
	}
}
