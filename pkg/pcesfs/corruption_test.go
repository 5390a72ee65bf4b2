package pcesfs

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Key scenarios tested:
// 1. Single-bit errors in a payload stop the scan at the damaged record
// 2. Single-bit errors in the stored CRC are detected
// 3. A destroyed trailer marker looks like a torn write
// 4. Zero-fill corruption (like a failed disk sector) ends the valid data
// 5. Records before the damage always survive intact

// sealWithPayloads writes count random-payload events and seals the segment,
// returning the payloads written.
func sealWithPayloads(t *testing.T, desc SegmentDescriptor, count int) [][]byte {
	t.Helper()
	seg, err := NewMutableSegment(desc)
	require.NoError(t, err)

	payloads := make([][]byte, count)
	for i := range payloads {
		payloads[i] = make([]byte, 64)
		_, err := rand.Read(payloads[i])
		require.NoError(t, err)
		require.NoError(t, seg.Append(Event{SequenceNumber: int64(i), Generation: 1, Payload: payloads[i]}))
	}
	_, err = seg.Seal()
	require.NoError(t, err)
	return payloads
}

// corruptAt flips the given bits of the sealed segment file in place.
func corruptAt(t *testing.T, path string, offset int64, mask byte) {
	t.Helper()
	fd, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer fd.Close()

	b := make([]byte, 1)
	_, err = fd.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= mask
	_, err = fd.WriteAt(b, offset)
	require.NoError(t, err)
}

// recordOffset returns the file offset of record i, assuming every record
// carries a 64 byte payload.
func recordOffset(i int) int64 {
	return fileHeaderSize + int64(i)*recordSize(64)
}

func TestCorruptionBitFlipInPayload(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	payloads := sealWithPayloads(t, desc, 5)

	// flip one bit in the third record's payload
	corruptAt(t, desc.Path(), recordOffset(2)+recordHeaderSize, 0x01)

	got := readAll(t, desc)
	require.Len(t, got, 2, "scan must stop at the damaged record")
	assert.Equal(t, payloads[0], got[0].Payload)
	assert.Equal(t, payloads[1], got[1].Payload)
}

func TestCorruptionBitFlipInStoredCRC(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	sealWithPayloads(t, desc, 3)

	corruptAt(t, desc.Path(), recordOffset(1), 0x01)

	got := readAll(t, desc)
	assert.Len(t, got, 1)
}

func TestCorruptionBitFlipInSequenceNumber(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	sealWithPayloads(t, desc, 3)

	// the sequence number lives at header bytes 8..15 and is covered by
	// the checksum
	corruptAt(t, desc.Path(), recordOffset(1)+8, 0x80)

	got := readAll(t, desc)
	assert.Len(t, got, 1)
}

func TestCorruptionDestroyedTrailer(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	sealWithPayloads(t, desc, 3)

	// zero the whole trailer of the second record; this is what a torn
	// write looks like
	fd, err := os.OpenFile(desc.Path(), os.O_RDWR, 0o644)
	require.NoError(t, err)
	zero := make([]byte, recordTrailerSize)
	_, err = fd.WriteAt(zero, recordOffset(1)+recordHeaderSize+64)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	got := readAll(t, desc)
	assert.Len(t, got, 1)
}

func TestCorruptionZeroFilledTail(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	payloads := sealWithPayloads(t, desc, 8)

	// zero everything from record 4 on, like a lost sector
	info, err := os.Stat(desc.Path())
	require.NoError(t, err)
	fd, err := os.OpenFile(desc.Path(), os.O_RDWR, 0o644)
	require.NoError(t, err)
	start := recordOffset(4)
	zeros := make([]byte, info.Size()-start)
	_, err = fd.WriteAt(zeros, start)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	got := readAll(t, desc)
	require.Len(t, got, 4)
	for i, ev := range got {
		assert.Equal(t, int64(i), ev.SequenceNumber)
		assert.Equal(t, payloads[i], ev.Payload)
	}
}

func TestCorruptionLengthFieldInflated(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	sealWithPayloads(t, desc, 3)

	// rewrite the second record's length field to point past the end of
	// the file
	fd, err := os.OpenFile(desc.Path(), os.O_RDWR, 0o644)
	require.NoError(t, err)
	huge := make([]byte, 4)
	binary.LittleEndian.PutUint32(huge, 1<<30)
	_, err = fd.WriteAt(huge, recordOffset(1)+4)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	got := readAll(t, desc)
	assert.Len(t, got, 1, "an impossible length must not read out of bounds")
}
