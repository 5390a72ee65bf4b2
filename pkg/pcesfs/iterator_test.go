package pcesfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sealSegmentWith writes the given events into a fresh segment and seals it.
func sealSegmentWith(t *testing.T, desc SegmentDescriptor, events ...Event) {
	t.Helper()
	seg, err := NewMutableSegment(desc)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, seg.Append(ev))
	}
	_, err = seg.Seal()
	require.NoError(t, err)
}

func TestIteratorGenerationFilter(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 100, 0)
	sealSegmentWith(t, desc,
		Event{SequenceNumber: 0, Generation: 5, Payload: []byte("old")},
		Event{SequenceNumber: 1, Generation: 7, Payload: []byte("keep-1")},
		Event{SequenceNumber: 2, Generation: 6, Payload: []byte("old-again")},
		Event{SequenceNumber: 3, Generation: 9, Payload: []byte("keep-2")},
	)

	it, err := NewSegmentIterator(desc, 7)
	require.NoError(t, err)
	defer it.Close()

	ev, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.SequenceNumber)

	ev, err = it.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.SequenceNumber)

	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIteratorTruncatedTailIsEndOfData(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 100, 0)
	sealSegmentWith(t, desc,
		Event{SequenceNumber: 0, Generation: 1, Payload: []byte("first")},
		Event{SequenceNumber: 1, Generation: 2, Payload: []byte("second")},
	)

	// chop bytes off the last record, simulating a crash mid-append
	info, err := os.Stat(desc.Path())
	require.NoError(t, err)
	require.NoError(t, os.Truncate(desc.Path(), info.Size()-5))

	got := readAll(t, desc)
	require.Len(t, got, 1, "the torn record is the end of valid data, not an error")
	assert.Equal(t, int64(0), got[0].SequenceNumber)
}

func TestIteratorFileShorterThanHeader(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(desc.Path()), 0o755))
	require.NoError(t, os.WriteFile(desc.Path(), []byte{0x50, 0x43}, 0o644))

	it, err := NewSegmentIterator(desc, 0)
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIteratorInvalidHeaderIsEmptySegment(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 100, 0)
	sealSegmentWith(t, desc, Event{SequenceNumber: 0, Generation: 1, Payload: []byte("payload")})

	// stomp the magic number
	fd, err := os.OpenFile(desc.Path(), os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fd.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	assert.Empty(t, readAll(t, desc))
}

func TestIteratorPayloadSurvivesClose(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	sealSegmentWith(t, desc, Event{SequenceNumber: 0, Generation: 1, Payload: []byte("survivor")})

	it, err := NewSegmentIterator(desc, 0)
	require.NoError(t, err)

	ev, err := it.Next()
	require.NoError(t, err)
	require.NoError(t, it.Close())

	// the mapping is gone; the payload must not alias it
	assert.Equal(t, []byte("survivor"), ev.Payload)

	_, err = it.Next()
	assert.ErrorIs(t, err, ErrIteratorClosed)
}

func TestIteratorMissingFile(t *testing.T) {
	desc := newTestDescriptor(t, t.TempDir(), 0, 0, 10, 0)
	_, err := NewSegmentIterator(desc, 0)
	assert.Error(t, err)
}
