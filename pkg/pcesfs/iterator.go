package pcesfs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
)

var ErrIteratorClosed = errors.New("segment iterator is closed")

// SegmentIterator is a lazy, forward-only, single-pass reader over the
// events in one segment file. Events below the iterator's minimum
// generation are skipped. There is no rewind: construct a new iterator to
// rescan.
//
// A malformed tail (the partial record left by a crash mid-append) is the
// end of valid data, not an error: Next returns io.EOF there. The same
// applies to a file whose header never reached disk, since no record in
// such a file can have been durable.
type SegmentIterator struct {
	descriptor        SegmentDescriptor
	minimumGeneration int64

	fd   *os.File
	data mmap.MMap
	// end of readable bytes; the file's real size, not the mmap capacity
	limit  int64
	offset int64
	closed bool
}

// NewSegmentIterator opens the file described by desc for sequential
// reading, returning only events with generation >= minimumGeneration.
func NewSegmentIterator(desc SegmentDescriptor, minimumGeneration int64) (*SegmentIterator, error) {
	fd, err := os.Open(desc.Path())
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat segment file: %w", err)
	}

	it := &SegmentIterator{
		descriptor:        desc,
		minimumGeneration: minimumGeneration,
		fd:                fd,
		limit:             info.Size(),
		offset:            fileHeaderSize,
	}

	if info.Size() < fileHeaderSize {
		// crashed before the header reached disk; nothing durable here
		it.offset = info.Size()
		it.limit = info.Size()
		return it, nil
	}

	data, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap segment file: %w", err)
	}
	it.data = data

	if !validFileHeader(data) {
		slog.Warn("[pces]",
			slog.String("message", "segment file header is invalid, treating as empty"),
			slog.String("path", desc.Path()))
		it.offset = it.limit
	}

	return it, nil
}

// Next returns the next event with generation >= the iterator's minimum,
// advancing past it. It returns io.EOF at the end of valid data. The
// returned payload is a copy and safe to retain.
func (it *SegmentIterator) Next() (Event, error) {
	if it.closed {
		return Event{}, ErrIteratorClosed
	}

	for {
		ev, next, ok := parseRecord(it.data, it.offset, it.limit)
		if !ok {
			return Event{}, io.EOF
		}
		it.offset = next

		if ev.Generation < it.minimumGeneration {
			continue
		}

		// the record payload aliases the mapping, which dies with Close
		payload := make([]byte, len(ev.Payload))
		copy(payload, ev.Payload)
		ev.Payload = payload
		return ev, nil
	}
}

// Descriptor returns the descriptor of the segment being iterated.
func (it *SegmentIterator) Descriptor() SegmentDescriptor {
	return it.descriptor
}

// Close releases the mapping and file handle.
func (it *SegmentIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true

	var cErr error
	if it.data != nil {
		if err := it.data.Unmap(); err != nil {
			cErr = errors.Join(cErr, err)
		}
	}
	if err := it.fd.Close(); err != nil {
		cErr = errors.Join(cErr, err)
	}
	return cErr
}
