package worker

import (
	"context"
	"encoding/binary"
	"hash/crc32"

	"github.com/madpsy/warp-receiver/internal/checkpoint"
	"github.com/madpsy/warp-receiver/internal/framebuf"
	"github.com/madpsy/warp-receiver/internal/protocol"
	"github.com/madpsy/warp-receiver/internal/threadctl"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// doProcessFileCmd implements PROCESS_FILE_CMD (spec.md section 4.4), the
// worker's most involved state: decode a block header, open its
// destination, stream the payload through the throttler while
// accumulating a checksum, and verify an optional trailing FOOTER frame.
// A short write leaves w.pendingLastBlock set so the caller's next
// SEND_LOCAL_CHECKPOINT reports the partial progress instead of silently
// losing it.
func (w *Worker) doProcessFileCmd() State {
	if !w.hasReceivedAnyBlock {
		// Contend for the same funnel SEND_FILE_CHUNKS uses: exactly one
		// worker across the global session writes the one-shot header,
		// whichever of them (this one, or a sibling via SEND_FILE_CHUNKS)
		// observes FunnelStart first.
		funnel := w.controller.GetFunnel(funnelSendFileChunks)
		if funnel.Observe() == threadctl.FunnelStart {
			if err := w.parent.AddTransferLogHeader(w.isBlockMode, false); err != nil {
				w.logger.Warnw("transfer log header write failed", "error", err)
			}
			funnel.NotifySuccess()
		}
	}

	if _, err := w.buf.EnsureAtLeast(w.stream, 1); err != nil {
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}
	w.buf.TakeByte() // sender status byte, unused by this worker

	if _, err := w.buf.EnsureAtLeast(w.stream, 2); err != nil {
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}
	headerLen := int(binary.LittleEndian.Uint16(w.buf.Bytes()[:2]))
	w.buf.Advance(2)

	if _, err := w.buf.EnsureAtLeast(w.stream, headerLen); err != nil {
		w.stats.SetLocalErrorCode(protocol.SocketReadError)
		return StateAcceptWithTimeout
	}
	data := w.buf.Bytes()
	header, hn, ok := protocol.DecodeHeader(w.threadProtocolVersion, data, 0, min(len(data), headerLen))
	if !ok || hn != headerLen {
		w.stats.SetLocalErrorCode(protocol.ProtocolError)
		return StateFinishWithError
	}
	w.buf.Advance(hn)
	w.stats.AddHeaderBytes(int64(1 + 2 + hn))

	w.checkpointIndex = w.pendingCheckpointIndex

	fw, err := w.parent.GetFileCreator()(header.FileName, header.Offset)
	if err != nil {
		w.stats.SetLocalErrorCode(protocol.FileWriteError)
		return StateSendAbortCmd
	}
	if err := fw.Open(); err != nil {
		w.stats.SetLocalErrorCode(protocol.FileWriteError)
		return StateSendAbortCmd
	}
	defer fw.Close()

	var crc uint32
	var written int64

	if w.buf.Len() > 0 {
		leftover := w.buf.Bytes()
		take := len(leftover)
		if int64(take) > header.DataSize {
			take = int(header.DataSize)
		}
		if take > 0 {
			if _, werr := fw.Write(leftover[:take]); werr != nil {
				w.stats.SetLocalErrorCode(protocol.FileWriteError)
				return StateSendAbortCmd
			}
			if w.enableChecksum {
				crc = crc32.Update(crc, crcTable, leftover[:take])
			}
			written += int64(take)
			w.stats.AddDataBytes(int64(take))
			w.buf.Advance(take)
		}
	}

	ctx := context.Background()
	scratch := make([]byte, w.opts.BufferSize)
	var readErr error
	for written < header.DataSize {
		if w.parent.GetCurAbortCode() != protocol.OK {
			w.stats.SetLocalErrorCode(protocol.AbortError)
			return StateFailed
		}
		remaining := header.DataSize - written
		want := int64(len(scratch))
		if remaining < want {
			want = remaining
		}
		n, rerr := framebuf.ReadAtMost(w.stream, scratch, int(want))
		if n > 0 {
			if lerr := w.parent.GetThrottler().Limit(ctx, int64(n)); lerr != nil {
				w.stats.SetLocalErrorCode(protocol.SocketReadError)
				readErr = lerr
				break
			}
			if _, werr := fw.Write(scratch[:n]); werr != nil {
				w.stats.SetLocalErrorCode(protocol.FileWriteError)
				return StateSendAbortCmd
			}
			if w.enableChecksum {
				crc = crc32.Update(crc, crcTable, scratch[:n])
			}
			written += int64(n)
			w.stats.AddDataBytes(int64(n))
		}
		if rerr != nil {
			readErr = rerr
			break
		}
	}

	if written < header.DataSize {
		w.pendingLastBlock = &checkpoint.Checkpoint{
			Port:                   int32(w.stream.Port()),
			NumBlocks:              w.checkpoint.NumBlocks,
			HasLastBlock:           true,
			LastBlockSeqID:         header.SeqID,
			LastBlockOffset:        header.Offset,
			LastBlockReceivedBytes: written,
		}
		w.checkpoint = *w.pendingLastBlock
		if readErr == nil || w.stats.LocalErrorCode() == protocol.OK {
			w.stats.SetLocalErrorCode(protocol.SocketReadError)
		}
		return StateAcceptWithTimeout
	}
	w.pendingLastBlock = nil

	if w.enableChecksum {
		if _, err := w.buf.EnsureAtLeast(w.stream, 1+protocol.MaxFooter); err != nil && w.buf.Len() < 1+protocol.MaxFooter {
			w.stats.SetLocalErrorCode(protocol.SocketReadError)
			return StateAcceptWithTimeout
		}
		tagByte, _ := w.buf.TakeByte()
		if protocol.CmdTag(tagByte) != protocol.FooterCmd {
			w.stats.SetLocalErrorCode(protocol.ProtocolError)
			return StateFinishWithError
		}
		data = w.buf.Bytes()
		wantCRC, fn, ok := protocol.DecodeFooter(data, 0, min(len(data), protocol.MaxFooter))
		if !ok {
			w.stats.SetLocalErrorCode(protocol.ProtocolError)
			return StateFinishWithError
		}
		w.buf.Advance(fn)
		if wantCRC != crc {
			w.stats.SetLocalErrorCode(protocol.ChecksumMismatch)
			return StateAcceptWithTimeout
		}
	}

	if err := w.parent.GetTransferLogManager().AddBlock(header.SeqID, header.Offset, header.DataSize); err != nil {
		w.logger.Warnw("transfer log block write failed", "error", err)
	}

	w.checkpoint = checkpoint.Checkpoint{
		Port:                   int32(w.stream.Port()),
		NumBlocks:              w.checkpoint.NumBlocks + 1,
		HasLastBlock:           true,
		LastBlockSeqID:         header.SeqID,
		LastBlockOffset:        header.Offset,
		LastBlockReceivedBytes: header.DataSize,
	}
	w.stats.IncNumBlocks()
	w.stats.AddEffectiveBytes(header.DataSize)
	w.hasReceivedAnyBlock = true

	return StateReadNextCmd
}
