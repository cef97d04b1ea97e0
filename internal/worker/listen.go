package worker

import (
	"time"

	"github.com/madpsy/warp-receiver/internal/checkpoint"
	"github.com/madpsy/warp-receiver/internal/protocol"
)

// doListen implements the LISTEN state (spec.md section 4.4). The retry
// loop runs maxRetries-1 times with a sleep, then makes one final
// unconditional attempt with no sleep; this off-by-one shape is
// preserved intentionally rather than "fixed" (SPEC_FULL.md section 3,
// original's LISTEN retry-count semantics; spec.md's Open Questions flags
// it as worth confirming rather than silently changing).
func (w *Worker) doListen() State {
	retries := w.opts.ListenMaxRetries
	if retries <= 0 {
		retries = 1
	}
	for i := 0; i < retries-1; i++ {
		if err := w.stream.Listen(); err == nil {
			return StateAcceptFirstConnection
		}
		if w.stream.NonRetryableErrCode() != nil {
			w.stats.SetLocalErrorCode(protocol.ConnError)
			return StateFailed
		}
		time.Sleep(w.opts.ListenRetryDelay)
	}
	if err := w.stream.Listen(); err != nil {
		w.stats.SetLocalErrorCode(protocol.ConnError)
		return StateFailed
	}
	return StateAcceptFirstConnection
}

// resetSessionState clears per-global-session latches, run once on entry
// to ACCEPT_FIRST_CONNECTION.
func (w *Worker) resetSessionState() {
	w.buf.Reset()
	w.doneSendFailure = false
	w.curConnectionVerified = false
	w.enableChecksum = false
	w.isBlockMode = true
	w.senderReadTimeoutMs = 0
	w.senderWriteTimeoutMs = 0
	w.hasReceivedAnyBlock = false
	w.pendingLastBlock = nil
	w.checkpoint = checkpoint.Checkpoint{}
	w.checkpointIndex = 0
	w.pendingCheckpointIndex = 0
}

// doAcceptFirstConnection implements ACCEPT_FIRST_CONNECTION.
func (w *Worker) doAcceptFirstConnection() State {
	w.resetSessionState()
	w.stream.CloseConnection()

	timeout := time.Duration(w.opts.AcceptWindowMs) * time.Millisecond
	attempts := w.opts.AcceptMaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if w.parent.HasNewTransferStarted() {
			// A sibling worker already started a new global session; fast
			// forward to ACCEPT_WITH_TIMEOUT so our accept timeout matches
			// whatever settings the sender has already negotiated elsewhere.
			return StateAcceptWithTimeout
		}
		if err := w.stream.AcceptNextConnection(timeout, w.curConnectionVerified); err == nil {
			w.controller.ExecuteAtStart(func() {
				w.parent.StartNewGlobalSession(w.stream.PeerIP())
			})
			return StateReadNextCmd
		}
	}
	w.stats.SetLocalErrorCode(protocol.ConnError)
	return StateFailed
}

// doAcceptWithTimeout implements ACCEPT_WITH_TIMEOUT, the reconnect path
// taken after every recoverable transport error.
func (w *Worker) doAcceptWithTimeout() State {
	if w.stream.NonRetryableErrCode() != nil {
		return StateEnd
	}

	timeout := w.acceptTimeout()
	if err := w.stream.AcceptNextConnection(timeout, w.curConnectionVerified); err != nil {
		if w.doneSendFailure {
			return StateEnd
		}
		w.stats.SetLocalErrorCode(protocol.ConnError)
		return StateFinishWithError
	}

	if w.doneSendFailure {
		return StateSendLocalCheckpoint
	}

	hadLatchedError := w.stats.LocalErrorCode() != protocol.OK
	w.buf.Reset()
	w.pendingCheckpointIndex = w.checkpointIndex
	w.stats.SetLocalErrorCode(protocol.OK)
	if hadLatchedError {
		return StateSendLocalCheckpoint
	}
	return StateReadNextCmd
}
