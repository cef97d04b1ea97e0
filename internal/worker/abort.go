package worker

import (
	"github.com/madpsy/warp-receiver/internal/protocol"
	"github.com/madpsy/warp-receiver/internal/threadctl"
)

// doSendAbortCmd implements SEND_ABORT_CMD: tell the sender why this
// worker is giving up on the current connection. A version mismatch is
// recoverable on the next connection attempt; every other local error
// ends the session.
func (w *Worker) doSendAbortCmd() State {
	errCode := w.stats.LocalErrorCode()

	buf := make([]byte, 1+5+1+4)
	buf[0] = byte(protocol.AbortCmd)
	n := protocol.EncodeAbort(buf, 1, protocol.Abort{
		ProtocolVersion: w.threadProtocolVersion,
		ErrorCode:       errCode,
		NumFiles:        0,
	})
	w.stream.Write(buf[:n])
	w.stream.CloseConnection()

	if errCode == protocol.VersionMismatch {
		return StateAcceptWithTimeout
	}
	return StateFinishWithError
}

// doFinishWithError implements FINISH_WITH_ERROR: record this worker's
// last checkpoint for the parent, wake any sibling waiting on the shared
// condition variable, and terminate.
func (w *Worker) doFinishWithError() State {
	w.stream.CloseConnection()

	cond := w.controller.GetCondition(conditionWaitForFinish)
	cond.Mu.Lock()
	w.parent.AddCheckpoint(w.checkpoint)
	w.controller.MarkState(w.opts.ThreadIndex, threadctl.Finished)
	cond.Broadcast()
	cond.Mu.Unlock()

	return StateEnd
}
