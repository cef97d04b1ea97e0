package checkpoint

import (
	"testing"

	"github.com/madpsy/warp-receiver/internal/protocol"
)

func TestListAddReplacesSamePort(t *testing.T) {
	var l List
	l.Add(Checkpoint{Port: 8080, NumBlocks: 3})
	l.Add(Checkpoint{Port: 8081, NumBlocks: 1})
	l.Add(Checkpoint{Port: 8080, NumBlocks: 5})

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap))
	}
	for _, c := range snap {
		if c.Port == 8080 && c.NumBlocks != 5 {
			t.Fatalf("port 8080 not replaced, got NumBlocks=%d", c.NumBlocks)
		}
	}
}

func TestDoneSendFailedSentinel(t *testing.T) {
	c := Checkpoint{Port: 1, NumBlocks: -1}
	if !c.DoneSendFailed() {
		t.Fatal("expected DoneSendFailed to be true for NumBlocks == -1")
	}
	c.NumBlocks = 0
	if c.DoneSendFailed() {
		t.Fatal("expected DoneSendFailed to be false for NumBlocks == 0")
	}
}

func TestResetClearsList(t *testing.T) {
	var l List
	l.Add(Checkpoint{Port: 1})
	l.Reset()
	if l.Len() != 0 {
		t.Fatalf("got Len %d after Reset, want 0", l.Len())
	}
}

func TestWireRoundTrip(t *testing.T) {
	c := Checkpoint{
		Port:                   9001,
		NumBlocks:              4,
		HasLastBlock:           true,
		LastBlockSeqID:         7,
		LastBlockOffset:        128,
		LastBlockReceivedBytes: 64,
	}
	got := FromWire(c.ToWire())
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestSinceReturnsOnlyStrictlyNewerEntries(t *testing.T) {
	var l List
	l.Add(Checkpoint{Port: 1, NumBlocks: 1}) // Seq 1
	l.Add(Checkpoint{Port: 2, NumBlocks: 1}) // Seq 2

	all := l.Since(0)
	if len(all) != 2 {
		t.Fatalf("got %d entries since 0, want 2", len(all))
	}

	none := l.Since(all[len(all)-1].Seq)
	if len(none) != 0 {
		t.Fatalf("got %d entries after consuming every Seq, want 0", len(none))
	}

	l.Add(Checkpoint{Port: 1, NumBlocks: 2}) // replaces port 1, stamped Seq 3
	fresh := l.Since(all[len(all)-1].Seq)
	if len(fresh) != 1 || fresh[0].Port != 1 || fresh[0].NumBlocks != 2 {
		t.Fatalf("got %+v, want single refreshed port-1 entry", fresh)
	}
}

func TestEncodeGlobalProducesDecodableFrame(t *testing.T) {
	var l List
	l.Add(Checkpoint{Port: 1, NumBlocks: 2})
	l.Add(Checkpoint{Port: 2, NumBlocks: -1})

	buf := make([]byte, 256)
	n := l.EncodeGlobal(protocol.CheckpointOffsetVersion, buf, 0)

	decoded, _, ok := protocol.DecodeCheckpoints(protocol.CheckpointOffsetVersion, buf, 0, n)
	if !ok {
		t.Fatal("expected successful decode")
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d checkpoints, want 2", len(decoded))
	}
}
