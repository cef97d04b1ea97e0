package worker

import (
	"encoding/binary"

	"github.com/madpsy/warp-receiver/internal/protocol"
)

// doSendLocalCheckpoint implements SEND_LOCAL_CHECKPOINT (spec.md section
// 4.4). If a prior SEND_DONE_CMD attempt failed, the sentinel
// numBlocks=-1 is sent instead of the worker's real progress (spec.md
// section 4.3).
func (w *Worker) doSendLocalCheckpoint() State {
	cp := w.checkpoint
	cp.Port = int32(w.stream.Port())
	if w.doneSendFailure {
		cp.NumBlocks = -1
	}

	buf := make([]byte, protocol.MaxHeader)
	n := protocol.EncodeCheckpoints(w.threadProtocolVersion, buf, 0, []protocol.Checkpoint{cp.ToWire()})

	written, err := w.stream.Write(buf[:n])
	if err != nil || written != n {
		w.stats.SetLocalErrorCode(protocol.SocketWriteError)
		return StateAcceptWithTimeout
	}
	w.stats.AddHeaderBytes(int64(n))

	if w.doneSendFailure {
		return StateSendDoneCmd
	}
	return StateReadNextCmd
}

// doSendGlobalCheckpoints implements SEND_GLOBAL_CHECKPOINTS: forwards
// checkpoints accumulated by sibling workers so the sender's connection
// to this worker can also resume them, framed as
// ERR_CMD | int16_LE length | encoded checkpoint list.
func (w *Worker) doSendGlobalCheckpoints() State {
	newCheckpoints := w.parent.GetNewCheckpoints(w.pendingCheckpointIndex)
	if len(newCheckpoints) == 0 {
		return StateReadNextCmd
	}

	wire := make([]protocol.Checkpoint, len(newCheckpoints))
	for i, c := range newCheckpoints {
		wire[i] = c.ToWire()
	}

	body := make([]byte, protocol.MaxHeader*len(wire)+8)
	bodyLen := protocol.EncodeCheckpoints(w.threadProtocolVersion, body, 0, wire)

	frame := make([]byte, 1+2+bodyLen)
	frame[0] = byte(protocol.ErrCmd)
	binary.LittleEndian.PutUint16(frame[1:3], uint16(bodyLen))
	copy(frame[3:], body[:bodyLen])

	written, err := w.stream.Write(frame)
	if err != nil || written != len(frame) {
		w.stats.SetLocalErrorCode(protocol.SocketWriteError)
		return StateAcceptWithTimeout
	}
	w.stats.AddHeaderBytes(int64(len(frame)))
	// Since returns ascending by Seq, so the last entry carries the
	// highest Seq observed; advancing the cursor to it (not by count)
	// keeps it aligned with List.Add's monotonic stamp.
	w.pendingCheckpointIndex = newCheckpoints[len(newCheckpoints)-1].Seq
	return StateReadNextCmd
}
