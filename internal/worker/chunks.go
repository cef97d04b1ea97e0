package worker

import (
	"encoding/binary"

	"github.com/madpsy/warp-receiver/internal/protocol"
	"github.com/madpsy/warp-receiver/internal/threadctl"
)

// doSendFileChunks implements SEND_FILE_CHUNKS: exactly one worker in the
// global session is elected, via the shared funnel, to transmit the
// parent's file-chunks inventory to a resuming sender; the rest wait on
// the same funnel and ack once it resolves.
func (w *Worker) doSendFileChunks() State {
	funnel := w.controller.GetFunnel(funnelSendFileChunks)

	switch funnel.Observe() {
	case threadctl.FunnelEnd:
		if written, err := w.stream.Write([]byte{byte(protocol.AckCmd)}); err != nil || written != 1 {
			w.stats.SetLocalErrorCode(protocol.SocketWriteError)
			return StateAcceptWithTimeout
		}
		return StateReadNextCmd

	case threadctl.FunnelProgress:
		if written, err := w.stream.Write([]byte{byte(protocol.WaitCmd)}); err != nil || written != 1 {
			w.stats.SetLocalErrorCode(protocol.SocketWriteError)
			return StateAcceptWithTimeout
		}
		funnel.Wait(w.readTimeout() / protocol.WaitTimeoutFactor)
		return StateSendFileChunks

	default: // threadctl.FunnelStart: this worker is elected.
		if err := w.sendFileChunksInventory(); err != nil {
			funnel.NotifyFail()
			return StateAcceptWithTimeout
		}
		if err := w.parent.AddTransferLogHeader(w.isBlockMode, true); err != nil {
			w.logger.Warnw("transfer log resume header write failed", "error", err)
		}
		funnel.NotifySuccess()
		return StateReadNextCmd
	}
}

func (w *Worker) sendFileChunksInventory() error {
	list := w.parent.GetFileChunksInfo()

	countBuf := make([]byte, protocol.MaxSize)
	n := protocol.EncodeChunksCmd(countBuf, 0, len(list))
	header := append([]byte{byte(protocol.ChunksCmd)}, countBuf[:n]...)
	if written, err := w.stream.Write(header); err != nil || written != len(header) {
		w.stats.SetLocalErrorCode(protocol.SocketWriteError)
		return protocol.ErrShortBuffer
	}
	w.stats.AddHeaderBytes(int64(len(header)))

	entryBuf := make([]byte, w.opts.BufferSize)
	remaining := list
	for len(remaining) > 0 {
		bodyLen, numFit := protocol.EncodeFileChunksInfoList(entryBuf, remaining)
		if numFit == 0 {
			// the head entry alone exceeds one buffer's worth; drop it and
			// keep going rather than fragment a single entry across frames.
			remaining = remaining[1:]
			continue
		}
		lenPrefix := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenPrefix, uint32(bodyLen))
		frame := append(lenPrefix, entryBuf[:bodyLen]...)
		if written, err := w.stream.Write(frame); err != nil || written != len(frame) {
			w.stats.SetLocalErrorCode(protocol.SocketWriteError)
			return protocol.ErrShortBuffer
		}
		w.stats.AddHeaderBytes(int64(len(frame)))
		remaining = remaining[numFit:]
	}

	if _, err := w.buf.EnsureAtLeast(w.stream, 1); err != nil && w.buf.Len() == 0 {
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return protocol.ErrShortBuffer
	}
	ackByte, _ := w.buf.TakeByte()
	if protocol.CmdTag(ackByte) != protocol.AckCmd {
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return protocol.ErrShortBuffer
	}
	return nil
}
