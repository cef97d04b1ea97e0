package worker

import (
	"github.com/madpsy/warp-receiver/internal/protocol"
	"github.com/madpsy/warp-receiver/internal/threadctl"
)

// doProcessDoneCmd implements PROCESS_DONE_CMD: the sender has no more
// files queued for this connection; decode and consume its DONE frame and
// move to waiting for either a fresh checkpoint from a sibling or overall
// finish. The sender's block and byte counters are not recorded in Stats.
func (w *Worker) doProcessDoneCmd() State {
	var done protocol.Done
	var n int
	if err := w.ensureFrame(2, protocol.MaxDone, func() bool {
		data := w.buf.Bytes()
		d, dn, ok := protocol.DecodeDone(w.threadProtocolVersion, data, 0, len(data))
		done, n = d, dn
		return ok
	}); err != nil {
		if err == protocol.ErrShortBuffer {
			w.stats.SetLocalErrorCode(protocol.ProtocolError)
			return StateFinishWithError
		}
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}
	w.buf.Advance(n)
	w.stats.AddHeaderBytes(int64(n))
	_ = done

	w.checkpointIndex = w.pendingCheckpointIndex
	return StateWaitForFinishOrNewCheckpoint
}

// doSendDoneCmd implements SEND_DONE_CMD: acknowledge completion and wait
// for the sender to close its end. Any deviation is treated as a failed
// done-send, which SEND_LOCAL_CHECKPOINT reports with the -1 sentinel on
// the next connection.
func (w *Worker) doSendDoneCmd() State {
	if written, err := w.stream.Write([]byte{byte(protocol.DoneCmd)}); err != nil || written != 1 {
		w.doneSendFailure = true
		w.stats.SetLocalErrorCode(protocol.SocketWriteError)
		return StateAcceptWithTimeout
	}

	// Both reads go through the framing buffer, not a raw stream.Read:
	// EnsureAtLeast reads opportunistically and may already have pulled
	// these bytes (or more) into w.buf on an earlier call.
	if _, err := w.buf.EnsureAtLeast(w.stream, 1); err != nil && w.buf.Len() == 0 {
		w.doneSendFailure = true
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}
	ackByte, _ := w.buf.TakeByte()
	if protocol.CmdTag(ackByte) != protocol.DoneCmd {
		w.doneSendFailure = true
		w.stats.SetLocalErrorCode(protocol.ProtocolError)
		return StateAcceptWithTimeout
	}

	if _, err := w.buf.EnsureAtLeast(w.stream, 1); err == nil || w.buf.Len() > 0 {
		w.doneSendFailure = true
		w.stats.SetLocalErrorCode(protocol.ProtocolError)
		return StateAcceptWithTimeout
	}

	w.doneSendFailure = false
	w.stream.CloseConnection()
	return StateEnd
}

// doWaitForFinishOrNewCheckpoint implements WAIT_FOR_FINISH_OR_NEW_CHECKPOINT:
// block on the shared condition variable until either a sibling records a
// new checkpoint this worker must forward, or every sibling has finished.
func (w *Worker) doWaitForFinishOrNewCheckpoint() State {
	cond := w.controller.GetCondition(conditionWaitForFinish)
	cond.Mu.Lock()
	defer cond.Mu.Unlock()

	for {
		if len(w.parent.GetNewCheckpoints(w.checkpointIndex)) > 0 {
			w.controller.MarkState(w.opts.ThreadIndex, threadctl.Running)
			return StateSendGlobalCheckpoints
		}
		if !w.controller.HasThreads(w.opts.ThreadIndex, threadctl.Running) {
			w.controller.MarkState(w.opts.ThreadIndex, threadctl.Finished)
			return StateSendDoneCmd
		}

		w.controller.MarkState(w.opts.ThreadIndex, threadctl.Waiting)
		cond.Wait(w.readTimeout() / protocol.WaitTimeoutFactor)

		if len(w.parent.GetNewCheckpoints(w.checkpointIndex)) > 0 {
			continue
		}
		if !w.controller.HasThreads(w.opts.ThreadIndex, threadctl.Running) {
			continue
		}

		if written, err := w.stream.Write([]byte{byte(protocol.WaitCmd)}); err != nil || written != 1 {
			w.controller.MarkState(w.opts.ThreadIndex, threadctl.Running)
			w.stats.SetLocalErrorCode(protocol.SocketWriteError)
			return StateAcceptWithTimeout
		}
	}
}
