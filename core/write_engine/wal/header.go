package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
)

// --- Log Constants and Types ---

type LSN = pagemanager.LSN

const (
	// MaxMsgHeaderLen is the fixed size of a message header:
	// kind(1) | pid(8) | lsn(8) | len(8) | crc32(4).
	MaxMsgHeaderLen = 29
	// SegHeaderLen is the fixed size of a segment header:
	// crc32(4) | segment lsn(8) | max stable lsn at activation(8).
	SegHeaderLen = 20
	// MinimumItemsPerSegment bounds how small a segment may be relative to
	// the largest inline payload it has to hold.
	MinimumItemsPerSegment = 4
	// MaxSpaceAmplification is the ratio of bytes on disk to logical bytes
	// above which a store is considered to leak space.
	MaxSpaceAmplification = 30

	crcCoveredHeaderLen = MaxMsgHeaderLen - 4
)

var (
	ErrCorruptHeader  = errors.New("corrupt log header")
	ErrChecksum       = errors.New("log record checksum mismatch")
	ErrLSNMismatch    = errors.New("log record lsn does not match its position")
	ErrLogClosed      = errors.New("log is closed")
	ErrRecordTooLarge = errors.New("log record does not fit in a segment")
)

// MessageKind defines the type of a log message.
type MessageKind byte

const (
	// KindCorrupted is the zero byte: unwritten or zeroed space.
	KindCorrupted MessageKind = iota
	KindCanceled
	KindCap
	KindInlineReplace
	KindInlineAppend
	KindBlobReplace
	KindBlobAppend
	KindInlineMeta
	KindBlobMeta
	KindCounter
	KindFree
	KindBatchManifest
)

func (k MessageKind) String() string {
	switch k {
	case KindCorrupted:
		return "corrupted"
	case KindCanceled:
		return "canceled"
	case KindCap:
		return "cap"
	case KindInlineReplace:
		return "inline_replace"
	case KindInlineAppend:
		return "inline_append"
	case KindBlobReplace:
		return "blob_replace"
	case KindBlobAppend:
		return "blob_append"
	case KindInlineMeta:
		return "inline_meta"
	case KindBlobMeta:
		return "blob_meta"
	case KindCounter:
		return "counter"
	case KindFree:
		return "free"
	case KindBatchManifest:
		return "batch_manifest"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// IsBlob reports whether the payload of a message of this kind lives in a
// blob file and the log only holds the blob id.
func (k MessageKind) IsBlob() bool {
	return k == KindBlobReplace || k == KindBlobAppend || k == KindBlobMeta
}

// IsReplace reports whether a message of this kind resets the page chain.
func (k MessageKind) IsReplace() bool {
	switch k {
	case KindInlineReplace, KindBlobReplace, KindInlineMeta, KindBlobMeta, KindCounter, KindFree:
		return true
	}
	return false
}

// toBlob maps an inline kind onto its blob counterpart.
func (k MessageKind) toBlob() (MessageKind, bool) {
	switch k {
	case KindInlineReplace:
		return KindBlobReplace, true
	case KindInlineAppend:
		return KindBlobAppend, true
	case KindInlineMeta:
		return KindBlobMeta, true
	}
	return k, false
}

func (k MessageKind) valid() bool {
	return k > KindCorrupted && k <= KindBatchManifest
}

// MessageHeader precedes every record in a segment.
type MessageHeader struct {
	Kind MessageKind
	PID  pagemanager.PageID
	LSN  LSN
	Len  uint64
	CRC  uint32
}

// encodeInto writes the header into buf[:MaxMsgHeaderLen], computing the
// checksum over the first 25 header bytes and payload.
func (h *MessageHeader) encodeInto(buf []byte, payload []byte) {
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(h.PID))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(h.LSN))
	binary.LittleEndian.PutUint64(buf[17:25], h.Len)
	h.CRC = messageCRC(buf[:crcCoveredHeaderLen], payload)
	binary.LittleEndian.PutUint32(buf[25:29], h.CRC)
}

func decodeMessageHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < MaxMsgHeaderLen {
		return MessageHeader{}, fmt.Errorf("%w: short message header (%d bytes)", ErrCorruptHeader, len(buf))
	}
	return MessageHeader{
		Kind: MessageKind(buf[0]),
		PID:  pagemanager.PageID(binary.LittleEndian.Uint64(buf[1:9])),
		LSN:  LSN(binary.LittleEndian.Uint64(buf[9:17])),
		Len:  binary.LittleEndian.Uint64(buf[17:25]),
		CRC:  binary.LittleEndian.Uint32(buf[25:29]),
	}, nil
}

func messageCRC(header, payload []byte) uint32 {
	crc := crc32.ChecksumIEEE(header)
	return crc32.Update(crc, crc32.IEEETable, payload)
}

// verify checks the stored checksum against the raw header bytes and payload.
func (h MessageHeader) verify(raw []byte, payload []byte) error {
	if got := messageCRC(raw[:crcCoveredHeaderLen], payload); got != h.CRC {
		return fmt.Errorf("%w: lsn %d pid %d stored %08x computed %08x", ErrChecksum, h.LSN, h.PID, h.CRC, got)
	}
	return nil
}

// SegmentHeader opens every segment.
type SegmentHeader struct {
	LSN          LSN
	MaxStableLSN LSN
	CRC          uint32
}

func (h *SegmentHeader) encodeInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.LSN))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.MaxStableLSN))
	h.CRC = crc32.ChecksumIEEE(buf[4:SegHeaderLen])
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC)
}

func decodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	if len(buf) < SegHeaderLen {
		return SegmentHeader{}, fmt.Errorf("%w: short segment header (%d bytes)", ErrCorruptHeader, len(buf))
	}
	h := SegmentHeader{
		CRC:          binary.LittleEndian.Uint32(buf[0:4]),
		LSN:          LSN(binary.LittleEndian.Uint64(buf[4:12])),
		MaxStableLSN: LSN(binary.LittleEndian.Uint64(buf[12:20])),
	}
	if crc32.ChecksumIEEE(buf[4:SegHeaderLen]) != h.CRC {
		return h, fmt.Errorf("%w: segment header checksum mismatch", ErrCorruptHeader)
	}
	if h.LSN < 0 {
		return h, fmt.Errorf("%w: negative segment lsn %d", ErrCorruptHeader, h.LSN)
	}
	return h, nil
}
