package pcesfs

import (
	"encoding/binary"
	"hash/crc32"
)

// Event is one preconsensus event as handed to the durability layer. The
// payload is opaque: hashing, signature checks and deduplication all happen
// upstream, before an event reaches this package.
type Event struct {
	// SequenceNumber is the event's position in the total order of the
	// stream, assigned by the sequencer before the event is persisted.
	SequenceNumber int64

	// Generation is the consensus ordering height assigned upstream. It
	// windows segments for retention and filters events during replay.
	Generation int64

	Payload []byte
}

/* File layout:
┌──────────────────────────────────────────────────────────────┐
│ 0..15   file header: magic, format version, reserved         │
│ then records, each:                                          │
│ 0..3    CRC32C(header[4:24] || payload)                      │
│ 4..7    u32 payload length                                   │
│ 8..15   u64 sequence number                                  │
│ 16..23  u64 generation                                       │
│ 24..    payload                                              │
│ then    trailer 0xDEADBEEFFEEDFACE                           │
│ ...     zero padding to the next 8-byte boundary             │
└──────────────────────────────────────────────────────────────┘
*/

const (
	// "PCES" in ASCII.
	segmentMagic         uint32 = 0x50434553
	segmentFormatVersion uint32 = 1

	fileHeaderSize = 16

	// layout: 4 (checksum) + 4 (length) + 8 (sequence) + 8 (generation)
	recordHeaderSize = 24

	// marker written after every record to detect torn writes; a record
	// without an intact trailer was not fully persisted and recovery stops
	// there.
	recordTrailerSize = 8

	// records are aligned so headers and trailers are less likely to
	// straddle a page boundary during a crash.
	alignSize int64 = 8
	alignMask int64 = alignSize - 1

	fileModePerm = 0644
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	trailerMarker = []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xFE, 0xED, 0xFA, 0xCE}
)

const trailerWord uint64 = 0xCEFAEDFEEFBEADDE

// alignUp returns the next multiple of alignSize greater than or equal to n.
func alignUp(n int64) int64 {
	return (n + alignMask) & ^alignMask
}

// recordSize returns the aligned on-disk size of a record with the given
// payload length.
func recordSize(payloadLen int) int64 {
	return alignUp(int64(recordHeaderSize) + int64(payloadLen) + int64(recordTrailerSize))
}

func putFileHeader(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:8], segmentFormatVersion)
	for i := 8; i < fileHeaderSize; i++ {
		buf[i] = 0
	}
}

func validFileHeader(buf []byte) bool {
	if len(buf) < fileHeaderSize {
		return false
	}
	return binary.LittleEndian.Uint32(buf[0:4]) == segmentMagic &&
		binary.LittleEndian.Uint32(buf[4:8]) == segmentFormatVersion
}

// putRecord encodes ev into buf starting at offset. The caller guarantees
// the aligned record fits.
func putRecord(buf []byte, offset int64, ev Event) int64 {
	payloadLen := int64(len(ev.Payload))
	rawSize := int64(recordHeaderSize) + payloadLen + int64(recordTrailerSize)
	entrySize := alignUp(rawSize)

	header := buf[offset : offset+recordHeaderSize]
	binary.LittleEndian.PutUint32(header[4:8], uint32(payloadLen))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ev.SequenceNumber))
	binary.LittleEndian.PutUint64(header[16:24], uint64(ev.Generation))
	binary.LittleEndian.PutUint32(header[0:4], recordChecksum(header[4:recordHeaderSize], ev.Payload))

	copy(buf[offset+recordHeaderSize:], ev.Payload)
	copy(buf[offset+recordHeaderSize+payloadLen:], trailerMarker)

	for i := offset + rawSize; i < offset+entrySize; i++ {
		buf[i] = 0
	}

	return offset + entrySize
}

// parseRecord decodes the record at offset, bounded by limit. ok is false
// when the bytes at offset do not form a complete, intact record; per the
// truncated-tail rule that is the end of valid data, never an error.
func parseRecord(buf []byte, offset, limit int64) (ev Event, next int64, ok bool) {
	if offset+recordHeaderSize > limit {
		return Event{}, 0, false
	}

	header := buf[offset : offset+recordHeaderSize]
	payloadLen := int64(binary.LittleEndian.Uint32(header[4:8]))
	entrySize := alignUp(int64(recordHeaderSize) + payloadLen + int64(recordTrailerSize))
	if offset+entrySize > limit {
		return Event{}, 0, false
	}

	trailerOffset := offset + recordHeaderSize + payloadLen
	if binary.LittleEndian.Uint64(buf[trailerOffset:trailerOffset+recordTrailerSize]) != trailerWord {
		return Event{}, 0, false
	}

	payload := buf[offset+recordHeaderSize : trailerOffset]
	savedSum := binary.LittleEndian.Uint32(header[0:4])
	if savedSum == 0 || savedSum != recordChecksum(header[4:recordHeaderSize], payload) {
		return Event{}, 0, false
	}

	ev = Event{
		SequenceNumber: int64(binary.LittleEndian.Uint64(header[8:16])),
		Generation:     int64(binary.LittleEndian.Uint64(header[16:24])),
		Payload:        payload,
	}
	return ev, offset + entrySize, true
}

func recordChecksum(header []byte, payload []byte) uint32 {
	sum := crc32.Checksum(header, crcTable)
	return crc32.Update(sum, crcTable, payload)
}
