package protocol

import (
	"encoding/binary"
)

// putUvarint/getUvarint wrap encoding/binary's LEB128 varint so every
// variable-length integer on the wire goes through one code path.
func putUvarint(buf []byte, off int, v uint64) int {
	n := binary.PutUvarint(buf[off:], v)
	return off + n
}

func getUvarint(buf []byte, off, end int) (uint64, int, bool) {
	if off >= end {
		return 0, off, false
	}
	v, n := binary.Uvarint(buf[off:end])
	if n <= 0 {
		return 0, off, false
	}
	return v, off + n, true
}

func putString(buf []byte, off int, s string) int {
	off = putUvarint(buf, off, uint64(len(s)))
	off += copy(buf[off:], s)
	return off
}

func getString(buf []byte, off, end int) (string, int, bool) {
	l, next, ok := getUvarint(buf, off, end)
	if !ok {
		return "", off, false
	}
	if next+int(l) > end {
		return "", off, false
	}
	s := string(buf[next : next+int(l)])
	return s, next + int(l), true
}

func putUint16LE(buf []byte, off int, v uint16) int {
	binary.LittleEndian.PutUint16(buf[off:], v)
	return off + 2
}

func getUint16LE(buf []byte, off, end int) (uint16, int, bool) {
	if off+2 > end {
		return 0, off, false
	}
	return binary.LittleEndian.Uint16(buf[off:]), off + 2, true
}

func putUint32LE(buf []byte, off int, v uint32) int {
	binary.LittleEndian.PutUint32(buf[off:], v)
	return off + 4
}

func getUint32LE(buf []byte, off, end int) (uint32, int, bool) {
	if off+4 > end {
		return 0, off, false
	}
	return binary.LittleEndian.Uint32(buf[off:]), off + 4, true
}

// EncodeVersion writes the sender/worker protocol version as a varint,
// returning the new offset.
func EncodeVersion(buf []byte, off int, version int) int {
	return putUvarint(buf, off, uint64(version))
}

// DecodeVersion reads a varint protocol version from buf[off:end].
func DecodeVersion(buf []byte, off, end int) (version int, newOff int, ok bool) {
	v, next, ok := getUvarint(buf, off, end)
	if !ok {
		return 0, off, false
	}
	return int(v), next, true
}

// Settings is the session-scoped configuration the sender latches once per
// accepted connection (spec section 3, "Settings (from sender)").
type Settings struct {
	TransferID        string
	ReadTimeoutMillis  int
	WriteTimeoutMillis int
	EnableChecksum     bool
	BlockModeDisabled  bool
	SendFileChunks     bool
}

const (
	settingsFlagChecksum = 1 << 0
	settingsFlagNoBlock  = 1 << 1
	settingsFlagChunks   = 1 << 2
)

// EncodeSettings appends a Settings value starting at off, returning the
// new offset. protocolVersion is accepted for forward compatibility with
// future wire revisions; the current encoding does not vary by version.
func EncodeSettings(protocolVersion int, buf []byte, off int, s Settings) int {
	off = putString(buf, off, s.TransferID)
	off = putUvarint(buf, off, uint64(s.ReadTimeoutMillis))
	off = putUvarint(buf, off, uint64(s.WriteTimeoutMillis))
	var flags byte
	if s.EnableChecksum {
		flags |= settingsFlagChecksum
	}
	if s.BlockModeDisabled {
		flags |= settingsFlagNoBlock
	}
	if s.SendFileChunks {
		flags |= settingsFlagChunks
	}
	buf[off] = flags
	off++
	return off
}

// DecodeSettings reads a Settings value from buf[off:end].
func DecodeSettings(protocolVersion int, buf []byte, off, end int) (Settings, int, bool) {
	var s Settings
	var ok bool
	s.TransferID, off, ok = getString(buf, off, end)
	if !ok {
		return s, off, false
	}
	var rt, wt uint64
	rt, off, ok = getUvarint(buf, off, end)
	if !ok {
		return s, off, false
	}
	wt, off, ok = getUvarint(buf, off, end)
	if !ok {
		return s, off, false
	}
	s.ReadTimeoutMillis = int(rt)
	s.WriteTimeoutMillis = int(wt)
	if off >= end {
		return s, off, false
	}
	flags := buf[off]
	off++
	s.EnableChecksum = flags&settingsFlagChecksum != 0
	s.BlockModeDisabled = flags&settingsFlagNoBlock != 0
	s.SendFileChunks = flags&settingsFlagChunks != 0
	return s, off, true
}

// BlockDetails describes one FILE command's header (spec section 3).
// PrevSeqID is -1 when the block has no prior-block chain.
type BlockDetails struct {
	SeqID     int64
	FileName  string
	FileSize  int64
	Offset    int64
	DataSize  int64
	Allocated bool
	PrevSeqID int64
}

// EncodeHeader appends a BlockDetails header starting at off.
func EncodeHeader(protocolVersion int, buf []byte, off int, b BlockDetails) int {
	off = putUvarint(buf, off, uint64(b.SeqID))
	off = putString(buf, off, b.FileName)
	off = putUvarint(buf, off, uint64(b.FileSize))
	off = putUvarint(buf, off, uint64(b.Offset))
	off = putUvarint(buf, off, uint64(b.DataSize))
	var flags byte
	if b.Allocated {
		flags = 1
	}
	buf[off] = flags
	off++
	prev := b.PrevSeqID
	if prev < 0 {
		off = putUvarint(buf, off, 0)
	} else {
		off = putUvarint(buf, off, uint64(prev)+1)
	}
	return off
}

// DecodeHeader reads a BlockDetails header from buf[off:end].
func DecodeHeader(protocolVersion int, buf []byte, off, end int) (BlockDetails, int, bool) {
	var b BlockDetails
	var ok bool
	var v uint64
	v, off, ok = getUvarint(buf, off, end)
	if !ok {
		return b, off, false
	}
	b.SeqID = int64(v)
	b.FileName, off, ok = getString(buf, off, end)
	if !ok {
		return b, off, false
	}
	v, off, ok = getUvarint(buf, off, end)
	if !ok {
		return b, off, false
	}
	b.FileSize = int64(v)
	v, off, ok = getUvarint(buf, off, end)
	if !ok {
		return b, off, false
	}
	b.Offset = int64(v)
	v, off, ok = getUvarint(buf, off, end)
	if !ok {
		return b, off, false
	}
	b.DataSize = int64(v)
	if off >= end {
		return b, off, false
	}
	b.Allocated = buf[off] != 0
	off++
	v, off, ok = getUvarint(buf, off, end)
	if !ok {
		return b, off, false
	}
	if v == 0 {
		b.PrevSeqID = -1
	} else {
		b.PrevSeqID = int64(v) - 1
	}
	return b, off, true
}

// Done is the DONE command payload (spec section 3/6).
type Done struct {
	NumBlocksSend    int64
	TotalSenderBytes int64
}

func EncodeDone(protocolVersion int, buf []byte, off int, d Done) int {
	off = putUvarint(buf, off, uint64(d.NumBlocksSend))
	off = putUvarint(buf, off, uint64(d.TotalSenderBytes))
	return off
}

func DecodeDone(protocolVersion int, buf []byte, off, end int) (Done, int, bool) {
	var d Done
	var v uint64
	var ok bool
	v, off, ok = getUvarint(buf, off, end)
	if !ok {
		return d, off, false
	}
	d.NumBlocksSend = int64(v)
	v, off, ok = getUvarint(buf, off, end)
	if !ok {
		return d, off, false
	}
	d.TotalSenderBytes = int64(v)
	return d, off, true
}

// Size is the SIZE command payload.
type Size struct {
	TotalSenderBytes int64
}

func EncodeSize(buf []byte, off int, s Size) int {
	return putUvarint(buf, off, uint64(s.TotalSenderBytes))
}

func DecodeSize(buf []byte, off, end int) (Size, int, bool) {
	var s Size
	v, off, ok := getUvarint(buf, off, end)
	if !ok {
		return s, off, false
	}
	s.TotalSenderBytes = int64(v)
	return s, off, true
}

// EncodeFooter writes a 4-byte little-endian CRC-32C checksum.
func EncodeFooter(buf []byte, off int, checksum uint32) int {
	return putUint32LE(buf, off, checksum)
}

func DecodeFooter(buf []byte, off, end int) (uint32, int, bool) {
	return getUint32LE(buf, off, end)
}

// Checkpoint is a worker's resumption marker (spec section 3). NumBlocks
// is -1 when a prior sendDone failed (spec section 4.3).
type Checkpoint struct {
	Port      int32
	NumBlocks int32

	HasLastBlock           bool
	LastBlockSeqID         int64
	LastBlockOffset        int64
	LastBlockReceivedBytes int64
}

// EncodeCheckpoints serializes a Checkpoint list with no outer framing,
// matching the SEND_LOCAL_CHECKPOINT wire shape.
func EncodeCheckpoints(protocolVersion int, buf []byte, off int, list []Checkpoint) int {
	off = putUvarint(buf, off, uint64(len(list)))
	for _, c := range list {
		off = putUint32LE(buf, off, uint32(c.Port))
		off = putUint32LE(buf, off, uint32(c.NumBlocks))
		if protocolVersion < CheckpointOffsetVersion || !c.HasLastBlock {
			buf[off] = 0
			off++
			continue
		}
		buf[off] = 1
		off++
		off = putUvarint(buf, off, uint64(c.LastBlockSeqID))
		off = putUvarint(buf, off, uint64(c.LastBlockOffset))
		off = putUvarint(buf, off, uint64(c.LastBlockReceivedBytes))
	}
	return off
}

// DecodeCheckpoints is the inverse of EncodeCheckpoints.
func DecodeCheckpoints(protocolVersion int, buf []byte, off, end int) ([]Checkpoint, int, bool) {
	n, off, ok := getUvarint(buf, off, end)
	if !ok {
		return nil, off, false
	}
	list := make([]Checkpoint, 0, n)
	for i := uint64(0); i < n; i++ {
		var c Checkpoint
		var v uint32
		v, off, ok = getUint32LE(buf, off, end)
		if !ok {
			return nil, off, false
		}
		c.Port = int32(v)
		v, off, ok = getUint32LE(buf, off, end)
		if !ok {
			return nil, off, false
		}
		c.NumBlocks = int32(v)
		if off >= end {
			return nil, off, false
		}
		has := buf[off] != 0
		off++
		if has {
			c.HasLastBlock = true
			var u uint64
			u, off, ok = getUvarint(buf, off, end)
			if !ok {
				return nil, off, false
			}
			c.LastBlockSeqID = int64(u)
			u, off, ok = getUvarint(buf, off, end)
			if !ok {
				return nil, off, false
			}
			c.LastBlockOffset = int64(u)
			u, off, ok = getUvarint(buf, off, end)
			if !ok {
				return nil, off, false
			}
			c.LastBlockReceivedBytes = int64(u)
		}
		list = append(list, c)
	}
	return list, off, true
}

// Abort is the ABORT command payload.
type Abort struct {
	ProtocolVersion int
	ErrorCode       ErrorCode
	NumFiles        int32
}

func EncodeAbort(buf []byte, off int, a Abort) int {
	off = putUvarint(buf, off, uint64(a.ProtocolVersion))
	buf[off] = byte(a.ErrorCode)
	off++
	off = putUint32LE(buf, off, uint32(a.NumFiles))
	return off
}

func DecodeAbort(buf []byte, off, end int) (Abort, int, bool) {
	var a Abort
	v, off, ok := getUvarint(buf, off, end)
	if !ok {
		return a, off, false
	}
	a.ProtocolVersion = int(v)
	if off >= end {
		return a, off, false
	}
	a.ErrorCode = ErrorCode(buf[off])
	off++
	u, off, ok := getUint32LE(buf, off, end)
	if !ok {
		return a, off, false
	}
	a.NumFiles = int32(u)
	return a, off, true
}

// FileChunkInfo is one entry of the parent's file-chunks inventory, sent
// to a resuming sender via the CHUNKS command.
type FileChunkInfo struct {
	FileName    string
	SeqID       int64
	FileSize    int64
	PriorSeqIDs []int64
}

// EncodeChunksCmd writes the total entry count preceding the CHUNKS_CMD
// frame stream.
func EncodeChunksCmd(buf []byte, off int, totalCount int) int {
	return putUvarint(buf, off, uint64(totalCount))
}

func DecodeChunksCmd(buf []byte, off, end int) (totalCount int, newOff int, ok bool) {
	v, off, ok := getUvarint(buf, off, end)
	if !ok {
		return 0, off, false
	}
	return int(v), off, true
}

func encodedFileChunkInfoSize(c FileChunkInfo) int {
	// string length varint (worst case 5) + bytes + 3 varints (worst case 10
	// bytes each) + prior id count + prior ids.
	size := 5 + len(c.FileName) + 10*3 + 5 + 10*len(c.PriorSeqIDs)
	return size
}

// EncodeFileChunksInfoList packs leading entries from list into buf while
// they fit within len(buf) bytes, returning the encoded body length and
// the number of entries packed. When the first entry alone does not fit,
// numFit is 0 and nothing is packed, so the caller can drop that entry
// rather than fragment it (spec section 4.4's SEND_FILE_CHUNKS note).
func EncodeFileChunksInfoList(buf []byte, list []FileChunkInfo) (n int, numFit int) {
	off := 0
	for _, c := range list {
		need := encodedFileChunkInfoSize(c)
		if off+need > len(buf) {
			if numFit == 0 && len(buf) > 0 {
				// the very first candidate doesn't fit: report 0 fit so the
				// caller knows to skip this entry and try the next buffer.
			}
			break
		}
		start := off
		off = putString(buf, off, c.FileName)
		off = putUvarint(buf, off, uint64(c.SeqID))
		off = putUvarint(buf, off, uint64(c.FileSize))
		off = putUvarint(buf, off, uint64(len(c.PriorSeqIDs)))
		for _, p := range c.PriorSeqIDs {
			off = putUvarint(buf, off, uint64(p))
		}
		_ = start
		numFit++
	}
	return off, numFit
}

// DecodeFileChunksInfoList is the inverse of EncodeFileChunksInfoList; it
// decodes every entry present in buf[:n].
func DecodeFileChunksInfoList(buf []byte, n int) ([]FileChunkInfo, bool) {
	off := 0
	var out []FileChunkInfo
	for off < n {
		var c FileChunkInfo
		var ok bool
		c.FileName, off, ok = getString(buf, off, n)
		if !ok {
			return nil, false
		}
		var v uint64
		v, off, ok = getUvarint(buf, off, n)
		if !ok {
			return nil, false
		}
		c.SeqID = int64(v)
		v, off, ok = getUvarint(buf, off, n)
		if !ok {
			return nil, false
		}
		c.FileSize = int64(v)
		var cnt uint64
		cnt, off, ok = getUvarint(buf, off, n)
		if !ok {
			return nil, false
		}
		for i := uint64(0); i < cnt; i++ {
			v, off, ok = getUvarint(buf, off, n)
			if !ok {
				return nil, false
			}
			c.PriorSeqIDs = append(c.PriorSeqIDs, int64(v))
		}
		out = append(out, c)
	}
	return out, true
}
