package pcesfs

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFileNameRoundTrip(t *testing.T) {
	tests := []struct {
		sequenceNumber    int64
		minimumGeneration int64
		maximumGeneration int64
		origin            int64
	}{
		{0, 0, 0, 0},
		{1, 5, 10, 3},
		{42, 100, 612, 7},
		{9999, 1 << 40, 1<<40 + 512, 1 << 30},
	}

	root := t.TempDir()
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

	for _, tc := range tests {
		desc, err := NewSegmentDescriptor(ts, tc.sequenceNumber, tc.minimumGeneration, tc.maximumGeneration, tc.origin, root)
		require.NoError(t, err)

		parsed, err := ParseSegmentPath(desc.Path())
		require.NoError(t, err, "own file name must parse: %s", desc.FileName())

		assert.Equal(t, tc.sequenceNumber, parsed.SequenceNumber())
		assert.Equal(t, tc.minimumGeneration, parsed.MinimumGeneration())
		assert.Equal(t, tc.maximumGeneration, parsed.MaximumGeneration())
		assert.Equal(t, tc.origin, parsed.Origin())
		assert.True(t, parsed.Timestamp().Equal(ts), "timestamp must survive the round trip")
		assert.Equal(t, desc.Path(), parsed.Path())
	}
}

func TestSanitizedTimestampRoundTrip(t *testing.T) {
	tests := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 27, 23, 59, 59, 999999999, time.UTC),
		time.Date(2026, 8, 27, 12, 30, 0, 1000, time.FixedZone("somewhere", 5*3600)),
	}

	for _, ts := range tests {
		sanitized := sanitizeTimestamp(ts)
		assert.NotContains(t, sanitized, ":", "sanitized timestamp must be a legal file name on every platform")

		parsed, err := parseSanitizedTimestamp(sanitized)
		require.NoError(t, err)
		assert.True(t, parsed.Equal(ts))
	}
}

func TestDescriptorValidation(t *testing.T) {
	root := t.TempDir()
	ts := time.Now()

	tests := []struct {
		name                        string
		seq, minGen, maxGen, origin int64
	}{
		{"negative sequence number", -1, 0, 0, 0},
		{"negative minimum generation", 0, -1, 0, 0},
		{"negative maximum generation", 0, 0, -1, 0},
		{"negative origin", 0, 0, 0, -1},
		{"inverted generation window", 0, 10, 9, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSegmentDescriptor(ts, tc.seq, tc.minGen, tc.maxGen, tc.origin, root)
			assert.ErrorIs(t, err, ErrDescriptorInvalid)
		})
	}
}

func TestParseSegmentPathRejectsMalformedNames(t *testing.T) {
	valid, err := NewSegmentDescriptor(time.Now(), 3, 10, 20, 1, t.TempDir())
	require.NoError(t, err)
	base := valid.FileName()

	tests := []struct {
		name string
		path string
	}{
		{"wrong extension", base[:len(base)-len(SegmentFileExtension)] + ".wal"},
		{"no extension", base[:len(base)-len(SegmentFileExtension)]},
		{"missing field", "2026-08-27T12+00+00Z_seq3_ming10_maxg20" + SegmentFileExtension},
		{"extra field", "2026-08-27T12+00+00Z_seq3_ming10_maxg20_orgn1_x9" + SegmentFileExtension},
		{"wrong prefix", "2026-08-27T12+00+00Z_sq3_ming10_maxg20_orgn1" + SegmentFileExtension},
		{"non-numeric field", "2026-08-27T12+00+00Z_seqX_ming10_maxg20_orgn1" + SegmentFileExtension},
		{"signed field", "2026-08-27T12+00+00Z_seq-3_ming10_maxg20_orgn1" + SegmentFileExtension},
		{"plus-signed field", "2026-08-27T12+00+00Z_seq+3_ming10_maxg20_orgn1" + SegmentFileExtension},
		{"unparseable timestamp", "not-a-time_seq3_ming10_maxg20_orgn1" + SegmentFileExtension},
		{"inverted window", "2026-08-27T12+00+00Z_seq3_ming20_maxg10_orgn1" + SegmentFileExtension},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSegmentPath(tc.path)
			assert.ErrorIs(t, err, ErrMalformedName)
		})
	}
}

func TestCanContainBoundaries(t *testing.T) {
	desc, err := NewSegmentDescriptor(time.Now(), 0, 10, 20, 0, t.TempDir())
	require.NoError(t, err)

	assert.False(t, desc.CanContain(9))
	assert.True(t, desc.CanContain(10), "minimum generation is inclusive")
	assert.True(t, desc.CanContain(15))
	assert.True(t, desc.CanContain(20), "maximum generation is inclusive")
	assert.False(t, desc.CanContain(21))
}

func TestWithCompactedSpan(t *testing.T) {
	desc, err := NewSegmentDescriptor(time.Now(), 5, 10, 110, 2, t.TempDir())
	require.NoError(t, err)

	compacted, err := desc.WithCompactedSpan(30)
	require.NoError(t, err)

	assert.Equal(t, int64(10), compacted.MinimumGeneration())
	assert.Equal(t, int64(30), compacted.MaximumGeneration())
	assert.Equal(t, desc.SequenceNumber(), compacted.SequenceNumber())
	assert.Equal(t, desc.Origin(), compacted.Origin())
	assert.Equal(t, filepath.Dir(desc.Path()), filepath.Dir(compacted.Path()),
		"compaction must not move the file out of its date directory")
	assert.Contains(t, compacted.FileName(), "ming10_maxg30")

	t.Run("below minimum", func(t *testing.T) {
		_, err := desc.WithCompactedSpan(9)
		assert.ErrorIs(t, err, ErrDescriptorInvalid)
	})

	t.Run("above maximum", func(t *testing.T) {
		_, err := desc.WithCompactedSpan(111)
		assert.ErrorIs(t, err, ErrDescriptorInvalid)
	})

	t.Run("unchanged span", func(t *testing.T) {
		same, err := desc.WithCompactedSpan(110)
		require.NoError(t, err)
		assert.Equal(t, desc.Path(), same.Path())
	})
}

func TestDescriptorOrderingBySequenceNumberOnly(t *testing.T) {
	root := t.TempDir()
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// deliberately give the lower sequence number the later timestamp and
	// the wider window; neither may influence the order
	a, err := NewSegmentDescriptor(later, 1, 0, 1000, 9, root)
	require.NoError(t, err)
	b, err := NewSegmentDescriptor(earlier, 2, 50, 60, 0, root)
	require.NoError(t, err)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}

func TestParentDirectoryByDate(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	desc, err := NewSegmentDescriptor(ts, 0, 0, 10, 0, root)
	require.NoError(t, err)

	local := ts.Local()
	want := filepath.Join(root,
		fmt.Sprintf("%04d", local.Year()),
		fmt.Sprintf("%02d", int(local.Month())),
		fmt.Sprintf("%02d", local.Day()))
	assert.Equal(t, want, filepath.Dir(desc.Path()))
}
