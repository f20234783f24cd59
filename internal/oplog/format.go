// Package oplog implements the append-only operation log that backs each
// session: framed, checksummed records in size-bounded segment files.
//
// Features:
//   - Fixed segment header with magic and format version
//   - CRC32-protected frames, written with a single append each
//   - Segment rollover at a size threshold
//   - Replay that stops at the first torn or corrupt frame
//   - Crash recovery by truncating to the last valid record
//   - Compaction of closed segments into equivalent merged segments
package oplog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
)

const (
	// Magic identifies a basin operation log segment.
	Magic = "BASINLOG"

	// FormatVersion is the current segment format version.
	FormatVersion uint16 = 1

	// SegmentHeaderSize is the fixed size of the segment file header:
	// 8-byte magic, uint16 version, uint16 reserved.
	SegmentHeaderSize = 12

	// frameFixedSize covers the fields between the length prefix and the
	// payload: type, record version, flags, timestamp, agent id,
	// session id.
	frameFixedSize = 1 + 1 + 2 + 8 + 16 + 16

	// frameOverhead is the per-record cost beyond the payload: length
	// prefix, fixed fields, trailing CRC.
	frameOverhead = 4 + frameFixedSize + 4

	// minFrameSize is the smallest possible frame (empty payload).
	minFrameSize = frameOverhead

	// MaxPayloadSize bounds a single record payload. Length fields beyond
	// this are treated as torn writes during replay rather than honored.
	MaxPayloadSize = 16 << 20
)

// RecordType identifies the kind of operation a record carries.
type RecordType uint8

const (
	// RecordFileWrite captures a path now pointing at new blob content.
	RecordFileWrite RecordType = iota + 1
	// RecordFileDelete captures a path removal.
	RecordFileDelete
	// RecordIntent captures a statement of what the writer set out to do.
	RecordIntent
	// RecordDecision captures a decision made during the session.
	RecordDecision
	// RecordConversationEntry captures one exchange of the session
	// transcript.
	RecordConversationEntry
	// RecordStateChange captures a session lifecycle transition.
	RecordStateChange
	// RecordCheckpoint captures a named tree snapshot within the session.
	RecordCheckpoint
)

// String returns the record type name used in listings and search indexes.
func (t RecordType) String() string {
	switch t {
	case RecordFileWrite:
		return "file-write"
	case RecordFileDelete:
		return "file-delete"
	case RecordIntent:
		return "intent"
	case RecordDecision:
		return "decision"
	case RecordConversationEntry:
		return "conversation-entry"
	case RecordStateChange:
		return "state-change"
	case RecordCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// ParseRecordType maps a type name back to its RecordType.
func ParseRecordType(s string) (RecordType, bool) {
	for t := RecordFileWrite; t <= RecordCheckpoint; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Record is one framed unit of a session's log.
//
// Seq is assigned by the writer and recomputed during replay from frame
// position; it is not part of the wire format. Sequence numbers within a
// session are strictly monotonic and gapless, starting at 1.
type Record struct {
	Seq       uint64
	Type      RecordType
	Version   uint8
	Flags     uint16
	Timestamp int64
	AgentID   uuid.UUID
	SessionID uuid.UUID
	Payload   []byte
}

// frameSize returns the full on-disk size of the record's frame.
func (r *Record) frameSize() int {
	return frameOverhead + len(r.Payload)
}

// encodeSegmentHeader writes the fixed segment file header.
func encodeSegmentHeader() []byte {
	buf := make([]byte, SegmentHeaderSize)
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint16(buf[8:10], FormatVersion)
	binary.LittleEndian.PutUint16(buf[10:12], 0)
	return buf
}

// validateSegmentHeader checks magic and version. A bad magic means the
// file is not an operation log at all; a version beyond FormatVersion
// cannot be interpreted and is fatal.
func validateSegmentHeader(buf []byte) error {
	if len(buf) < SegmentHeaderSize {
		return ErrTruncatedFrame
	}
	if string(buf[0:8]) != Magic {
		return ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint16(buf[8:10]); v > FormatVersion {
		return ErrUnsupportedVersion
	}
	return nil
}

// serializeFrame encodes a record into its frame, little-endian:
// uint32 length, uint8 type, uint8 record version, uint16 flags,
// uint64 timestamp, 16-byte agent id, 16-byte session id, payload,
// uint32 CRC. The length counts the bytes between itself and the CRC;
// the CRC covers everything before it, length included.
func serializeFrame(r *Record) []byte {
	buf := make([]byte, r.frameSize())

	binary.LittleEndian.PutUint32(buf[0:4], uint32(frameFixedSize+len(r.Payload)))
	buf[4] = byte(r.Type)
	buf[5] = r.Version
	binary.LittleEndian.PutUint16(buf[6:8], r.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Timestamp))
	copy(buf[16:32], r.AgentID[:])
	copy(buf[32:48], r.SessionID[:])
	copy(buf[48:], r.Payload)

	crcOffset := len(buf) - 4
	crc := crc32.ChecksumIEEE(buf[:crcOffset])
	binary.LittleEndian.PutUint32(buf[crcOffset:], crc)

	return buf
}

// deserializeFrame decodes one frame from the start of data. It returns
// the record, the number of bytes consumed, and an error classifying
// anything short of a fully valid frame: ErrTruncatedFrame when data ends
// mid-frame, ErrChecksumMismatch when the CRC disagrees.
func deserializeFrame(data []byte) (*Record, int, error) {
	if len(data) < 4 {
		return nil, 0, ErrTruncatedFrame
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	if length < frameFixedSize || length > frameFixedSize+MaxPayloadSize {
		// A nonsense length is indistinguishable from a torn write.
		return nil, 0, ErrTruncatedFrame
	}

	total := 4 + int(length) + 4
	if len(data) < total {
		return nil, 0, ErrTruncatedFrame
	}

	crcOffset := total - 4
	stored := binary.LittleEndian.Uint32(data[crcOffset:total])
	if crc32.ChecksumIEEE(data[:crcOffset]) != stored {
		return nil, 0, ErrChecksumMismatch
	}

	r := &Record{
		Type:      RecordType(data[4]),
		Version:   data[5],
		Flags:     binary.LittleEndian.Uint16(data[6:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(data[8:16])),
	}
	copy(r.AgentID[:], data[16:32])
	copy(r.SessionID[:], data[32:48])

	payloadLen := int(length) - frameFixedSize
	if payloadLen > 0 {
		r.Payload = make([]byte, payloadLen)
		copy(r.Payload, data[48:48+payloadLen])
	}

	return r, total, nil
}
