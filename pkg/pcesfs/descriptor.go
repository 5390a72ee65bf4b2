package pcesfs

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// SegmentFileExtension is the extension of every event segment file.
	// Stands for "PreConsensus Event Stream".
	SegmentFileExtension = ".pces"

	// fieldSeparator separates the fields encoded in a segment file name.
	fieldSeparator = "_"

	// Human readable prefixes written before each numeric field.
	sequenceNumberPrefix    = "seq"
	minimumGenerationPrefix = "ming"
	maximumGenerationPrefix = "maxg"
	originPrefix            = "orgn"
)

var (
	ErrDescriptorInvalid = errors.New("invalid segment descriptor")
	ErrMalformedName     = errors.New("malformed segment file name")
)

// SegmentDescriptor identifies one on-disk event segment. All fields,
// including the file path, are derived at construction time and never
// change; span compaction produces a new descriptor rather than mutating
// an existing one.
//
// Segment files are named
//
//	[sanitized timestamp]_seq[sequence number]_ming[minimum generation]_maxg[maximum generation]_orgn[origin round].pces
//
// and stored under [root]/[4 digit year]/[2 digit month]/[2 digit day],
// keyed by the timestamp in the local time zone. Deviation from this format
// is not tolerated: a SegmentManager refuses files it cannot parse.
type SegmentDescriptor struct {
	timestamp         time.Time
	sequenceNumber    int64
	minimumGeneration int64
	maximumGeneration int64
	origin            int64
	path              string
}

func newSegmentDescriptor(
	timestamp time.Time,
	sequenceNumber int64,
	minimumGeneration int64,
	maximumGeneration int64,
	origin int64,
	path string,
) (SegmentDescriptor, error) {

	if sequenceNumber < 0 {
		return SegmentDescriptor{}, fmt.Errorf("%w: sequence number %d is negative", ErrDescriptorInvalid, sequenceNumber)
	}
	if minimumGeneration < 0 {
		return SegmentDescriptor{}, fmt.Errorf("%w: minimum generation %d is negative", ErrDescriptorInvalid, minimumGeneration)
	}
	if maximumGeneration < 0 {
		return SegmentDescriptor{}, fmt.Errorf("%w: maximum generation %d is negative", ErrDescriptorInvalid, maximumGeneration)
	}
	if origin < 0 {
		return SegmentDescriptor{}, fmt.Errorf("%w: origin %d is negative", ErrDescriptorInvalid, origin)
	}
	if maximumGeneration < minimumGeneration {
		return SegmentDescriptor{}, fmt.Errorf("%w: maximum generation %d is less than minimum generation %d",
			ErrDescriptorInvalid, maximumGeneration, minimumGeneration)
	}

	return SegmentDescriptor{
		timestamp:         timestamp,
		sequenceNumber:    sequenceNumber,
		minimumGeneration: minimumGeneration,
		maximumGeneration: maximumGeneration,
		origin:            origin,
		path:              path,
	}, nil
}

// NewSegmentDescriptor builds the descriptor for a new segment file rooted
// at rootDirectory. The file itself is not created.
func NewSegmentDescriptor(
	timestamp time.Time,
	sequenceNumber int64,
	minimumGeneration int64,
	maximumGeneration int64,
	origin int64,
	rootDirectory string,
) (SegmentDescriptor, error) {

	name := buildSegmentFileName(timestamp, sequenceNumber, minimumGeneration, maximumGeneration, origin)
	path := filepath.Join(buildParentDirectory(rootDirectory, timestamp), name)

	return newSegmentDescriptor(timestamp, sequenceNumber, minimumGeneration, maximumGeneration, origin, path)
}

// ParseSegmentPath reconstructs a descriptor from an existing file path.
// It is the exact inverse of the name derivation: the extension, the field
// count, and every field prefix must match, or ErrMalformedName is returned.
func ParseSegmentPath(path string) (SegmentDescriptor, error) {
	if !strings.HasSuffix(path, SegmentFileExtension) {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q has the wrong extension", ErrMalformedName, path)
	}

	stem := strings.TrimSuffix(filepath.Base(path), SegmentFileExtension)
	fields := strings.Split(stem, fieldSeparator)
	if len(fields) != 5 {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q has %d fields, want 5", ErrMalformedName, path, len(fields))
	}

	timestamp, err := parseSanitizedTimestamp(fields[0])
	if err != nil {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, path, err)
	}

	sequenceNumber, err := parsePrefixedField(fields[1], sequenceNumberPrefix)
	if err != nil {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, path, err)
	}
	minimumGeneration, err := parsePrefixedField(fields[2], minimumGenerationPrefix)
	if err != nil {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, path, err)
	}
	maximumGeneration, err := parsePrefixedField(fields[3], maximumGenerationPrefix)
	if err != nil {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, path, err)
	}
	origin, err := parsePrefixedField(fields[4], originPrefix)
	if err != nil {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, path, err)
	}

	desc, err := newSegmentDescriptor(timestamp, sequenceNumber, minimumGeneration, maximumGeneration, origin, path)
	if err != nil {
		return SegmentDescriptor{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, path, err)
	}
	return desc, nil
}

func parsePrefixedField(field, prefix string) (int64, error) {
	value, ok := strings.CutPrefix(field, prefix)
	if !ok {
		return 0, fmt.Errorf("field %q is missing the %q prefix", field, prefix)
	}
	// ParseUint rejects signs, so negative or "+"-prefixed values fail here.
	n, err := strconv.ParseUint(value, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("field %q is not a non-negative integer", field)
	}
	return int64(n), nil
}

// WithCompactedSpan returns a descriptor identical to this one except that
// the maximum generation is lowered to the highest generation actually
// written to the file. The new path shares this descriptor's parent
// directory; the caller is responsible for renaming the file on disk.
func (d SegmentDescriptor) WithCompactedSpan(actualMaximumGeneration int64) (SegmentDescriptor, error) {
	if actualMaximumGeneration < d.minimumGeneration {
		return SegmentDescriptor{}, fmt.Errorf("%w: compacted maximum %d is less than minimum generation %d",
			ErrDescriptorInvalid, actualMaximumGeneration, d.minimumGeneration)
	}
	if actualMaximumGeneration > d.maximumGeneration {
		return SegmentDescriptor{}, fmt.Errorf("%w: compacted maximum %d is greater than maximum generation %d",
			ErrDescriptorInvalid, actualMaximumGeneration, d.maximumGeneration)
	}

	name := buildSegmentFileName(d.timestamp, d.sequenceNumber, d.minimumGeneration, actualMaximumGeneration, d.origin)
	path := filepath.Join(filepath.Dir(d.path), name)

	return newSegmentDescriptor(d.timestamp, d.sequenceNumber, d.minimumGeneration, actualMaximumGeneration, d.origin, path)
}

// CanContain reports whether an event with the given generation is legal
// for the file described by this descriptor. Bounds are inclusive.
func (d SegmentDescriptor) CanContain(generation int64) bool {
	return generation >= d.minimumGeneration && generation <= d.maximumGeneration
}

// Compare orders descriptors by sequence number. Two descriptors with the
// same sequence number describe the same segment; a consistent segment set
// never holds two of them.
func (d SegmentDescriptor) Compare(other SegmentDescriptor) int {
	switch {
	case d.sequenceNumber < other.sequenceNumber:
		return -1
	case d.sequenceNumber > other.sequenceNumber:
		return 1
	default:
		return 0
	}
}

// Equal reports descriptor identity, which is sequence number identity.
func (d SegmentDescriptor) Equal(other SegmentDescriptor) bool {
	return d.sequenceNumber == other.sequenceNumber
}

func (d SegmentDescriptor) Timestamp() time.Time     { return d.timestamp }
func (d SegmentDescriptor) SequenceNumber() int64    { return d.sequenceNumber }
func (d SegmentDescriptor) MinimumGeneration() int64 { return d.minimumGeneration }
func (d SegmentDescriptor) MaximumGeneration() int64 { return d.maximumGeneration }
func (d SegmentDescriptor) Origin() int64            { return d.origin }
func (d SegmentDescriptor) Path() string             { return d.path }
func (d SegmentDescriptor) FileName() string         { return filepath.Base(d.path) }
func (d SegmentDescriptor) String() string           { return d.FileName() }

func buildParentDirectory(rootDirectory string, timestamp time.Time) string {
	local := timestamp.Local()
	return filepath.Join(
		rootDirectory,
		fmt.Sprintf("%04d", local.Year()),
		fmt.Sprintf("%02d", int(local.Month())),
		fmt.Sprintf("%02d", local.Day()),
	)
}

func buildSegmentFileName(
	timestamp time.Time,
	sequenceNumber int64,
	minimumGeneration int64,
	maximumGeneration int64,
	origin int64,
) string {
	var b strings.Builder
	b.Grow(128)
	b.WriteString(sanitizeTimestamp(timestamp))
	b.WriteString(fieldSeparator)
	b.WriteString(sequenceNumberPrefix)
	b.WriteString(strconv.FormatInt(sequenceNumber, 10))
	b.WriteString(fieldSeparator)
	b.WriteString(minimumGenerationPrefix)
	b.WriteString(strconv.FormatInt(minimumGeneration, 10))
	b.WriteString(fieldSeparator)
	b.WriteString(maximumGenerationPrefix)
	b.WriteString(strconv.FormatInt(maximumGeneration, 10))
	b.WriteString(fieldSeparator)
	b.WriteString(originPrefix)
	b.WriteString(strconv.FormatInt(origin, 10))
	b.WriteString(SegmentFileExtension)
	return b.String()
}
