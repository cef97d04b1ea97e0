package worker

import (
	"github.com/madpsy/warp-receiver/internal/protocol"
)

// doReadNextCmd implements READ_NEXT_CMD: ensure the command tag is
// buffered, consume it, and dispatch on it.
func (w *Worker) doReadNextCmd() State {
	if _, err := w.buf.EnsureAtLeast(w.stream, protocol.MinBufLength); err != nil || w.buf.Len() < protocol.MinBufLength {
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}

	tagByte, _ := w.buf.TakeByte()
	switch protocol.CmdTag(tagByte) {
	case protocol.FileCmd:
		return StateProcessFileCmd
	case protocol.SettingsCmd:
		return StateProcessSettingsCmd
	case protocol.DoneCmd:
		return StateProcessDoneCmd
	case protocol.SizeCmd:
		return StateProcessSizeCmd
	default:
		w.stats.SetLocalErrorCode(protocol.ProtocolError)
		return StateFinishWithError
	}
}

// doProcessSettingsCmd implements PROCESS_SETTINGS_CMD: negotiate the
// protocol version, decode and latch Settings, verify the transfer id,
// and either enter SEND_FILE_CHUNKS or go back to READ_NEXT_CMD.
func (w *Worker) doProcessSettingsCmd() State {
	var senderVersion, vn int
	if err := w.ensureFrame(1, protocol.MaxVersion, func() bool {
		data := w.buf.Bytes()
		v, n, ok := protocol.DecodeVersion(data, 0, len(data))
		senderVersion, vn = v, n
		return ok
	}); err != nil {
		if err == protocol.ErrShortBuffer {
			w.stats.SetLocalErrorCode(protocol.ProtocolError)
			return StateFinishWithError
		}
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}
	w.buf.Advance(vn)

	if senderVersion != w.threadProtocolVersion {
		negotiated := protocol.NegotiateProtocol(senderVersion, w.threadProtocolVersion)
		if negotiated == 0 {
			w.stats.SetLocalErrorCode(protocol.VersionIncompatible)
			return StateSendAbortCmd
		}
		w.threadProtocolVersion = negotiated
		if negotiated != senderVersion {
			w.stats.SetLocalErrorCode(protocol.VersionMismatch)
			return StateSendAbortCmd
		}
	}

	var settings protocol.Settings
	var sn int
	if err := w.ensureFrame(4, protocol.MaxSettings, func() bool {
		data := w.buf.Bytes()
		s, n, ok := protocol.DecodeSettings(w.threadProtocolVersion, data, 0, len(data))
		settings, sn = s, n
		return ok
	}); err != nil {
		if err == protocol.ErrShortBuffer {
			w.stats.SetLocalErrorCode(protocol.ProtocolError)
			return StateFinishWithError
		}
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}
	w.buf.Advance(sn)

	if settings.TransferID != w.parent.GetTransferID() {
		w.stats.SetLocalErrorCode(protocol.IDMismatch)
		return StateSendAbortCmd
	}

	w.senderReadTimeoutMs = settings.ReadTimeoutMillis
	w.senderWriteTimeoutMs = settings.WriteTimeoutMillis
	w.enableChecksum = settings.EnableChecksum
	w.isBlockMode = !settings.BlockModeDisabled
	w.curConnectionVerified = true

	if settings.SendFileChunks {
		w.buf.Reset()
		return StateSendFileChunks
	}
	return StateReadNextCmd
}

// doProcessSizeCmd implements PROCESS_SIZE_CMD.
func (w *Worker) doProcessSizeCmd() State {
	var n int
	if err := w.ensureFrame(1, protocol.MaxSize, func() bool {
		data := w.buf.Bytes()
		_, dn, ok := protocol.DecodeSize(data, 0, len(data))
		n = dn
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
	return StateReadNextCmd
}
