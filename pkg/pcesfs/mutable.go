package pcesfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
)

var (
	ErrSegmentClosed         = errors.New("segment is closed")
	ErrSegmentSealed         = errors.New("cannot append to sealed segment")
	ErrSegmentExists         = errors.New("segment file already exists")
	ErrSegmentFull           = errors.New("segment is full, cannot append more events")
	ErrEventTooLarge         = errors.New("event exceeds segment capacity")
	ErrGenerationOutOfBounds = errors.New("event generation is outside the segment's generation window")
	ErrFlush                 = errors.New("flush to stable storage failed")
)

// 4 GiB.
const maxSegmentCapacity = 4 * 1024 * 1024 * 1024

// defaultSegmentCapacity is the preallocated size of a new segment file.
const defaultSegmentCapacity = 16 * 1024 * 1024

// MutableSegment is the single writable handle on the currently open
// segment. It appends events to a memory-mapped, preallocated file and
// tracks the highest generation actually written so that the descriptor's
// placeholder window can be compacted at seal time.
//
// Only one MutableSegment may exist for a descriptor: opening a path that
// already has a file on disk fails with ErrSegmentExists.
//
// MutableSegment is not safe for concurrent use; the writer orchestrator
// owns the append path.
type MutableSegment struct {
	descriptor SegmentDescriptor
	fd         *os.File
	data       mmap.MMap
	capacity   int64

	writeOffset        int64
	highestGeneration  int64
	lastSequenceNumber int64
	eventCount         int64

	syncEveryAppend bool
	dirSyncer       DirectorySyncer

	mu     sync.Mutex
	sealed bool
	closed bool
}

// MutableSegmentOption configures a MutableSegment.
type MutableSegmentOption func(*MutableSegment)

// WithSegmentCapacity sets the preallocated byte capacity of the segment file.
func WithSegmentCapacity(capacity int64) MutableSegmentOption {
	return func(s *MutableSegment) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithSyncEveryAppend flushes to stable storage after every append. Slow,
// but every acknowledged event is durable immediately.
func WithSyncEveryAppend(enabled bool) MutableSegmentOption {
	return func(s *MutableSegment) {
		s.syncEveryAppend = enabled
	}
}

// WithMutableDirectorySyncer overrides the syncer used for the parent
// directory after the file is created.
func WithMutableDirectorySyncer(syncer DirectorySyncer) MutableSegmentOption {
	return func(s *MutableSegment) {
		if syncer != nil {
			s.dirSyncer = syncer
		}
	}
}

// NewMutableSegment creates the file described by desc and returns the
// writable handle for it.
func NewMutableSegment(desc SegmentDescriptor, opts ...MutableSegmentOption) (*MutableSegment, error) {
	s := &MutableSegment{
		descriptor:         desc,
		capacity:           defaultSegmentCapacity,
		highestGeneration:  desc.MinimumGeneration(),
		lastSequenceNumber: -1,
		dirSyncer:          DirectorySyncFunc(syncDir),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.capacity > maxSegmentCapacity {
		return nil, fmt.Errorf("segment capacity exceeds 4 GiB limit: %d bytes", s.capacity)
	}

	parent := filepath.Dir(desc.Path())
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}

	fd, err := os.OpenFile(desc.Path(), os.O_CREATE|os.O_EXCL|os.O_RDWR, fileModePerm)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentExists, desc.Path())
		}
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	if err := fd.Truncate(s.capacity); err != nil {
		fd.Close()
		return nil, fmt.Errorf("preallocate segment file: %w", err)
	}

	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap segment file: %w", err)
	}

	s.fd = fd
	s.data = data
	putFileHeader(data)
	s.writeOffset = fileHeaderSize

	if err := s.dirSyncer.SyncDir(parent); err != nil {
		_ = data.Unmap()
		_ = fd.Close()
		return nil, fmt.Errorf("fsync segment directory: %w", err)
	}

	return s, nil
}

// Append writes one event to the segment. The event's generation must lie
// within the descriptor's window; callers rotate to a new segment when it
// does not.
func (s *MutableSegment) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return ErrSegmentSealed
	}
	if s.closed {
		return ErrSegmentClosed
	}
	if !s.descriptor.CanContain(ev.Generation) {
		return fmt.Errorf("%w: generation %d, window [%d, %d]",
			ErrGenerationOutOfBounds, ev.Generation, s.descriptor.MinimumGeneration(), s.descriptor.MaximumGeneration())
	}

	entrySize := recordSize(len(ev.Payload))
	if entrySize > s.capacity-fileHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(ev.Payload))
	}
	if s.writeOffset+entrySize > s.capacity {
		return ErrSegmentFull
	}

	s.writeOffset = putRecord(s.data, s.writeOffset, ev)
	if ev.Generation > s.highestGeneration {
		s.highestGeneration = ev.Generation
	}
	s.lastSequenceNumber = ev.SequenceNumber
	s.eventCount++

	if s.syncEveryAppend {
		return s.flushLocked()
	}
	return nil
}

// WillExceed reports whether appending a payload of the given length would
// overflow the segment's preallocated capacity.
func (s *MutableSegment) WillExceed(payloadLen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeOffset+recordSize(payloadLen) > s.capacity
}

// Flush forces all appended events to stable storage. A failure here is
// fatal to the stream: the caller must not acknowledge durability for any
// event appended since the last successful flush.
func (s *MutableSegment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	return s.flushLocked()
}

func (s *MutableSegment) flushLocked() error {
	if err := s.data.Flush(); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrFlush, err)
	}
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrFlush, err)
	}
	return nil
}

// Seal flushes, unmaps, and truncates the file to the true data length,
// making the segment immutable. It returns the highest generation actually
// written, which the manager uses to compact the descriptor's span. An
// empty segment reports the descriptor's minimum generation.
func (s *MutableSegment) Seal() (highestGeneration int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}
	if s.sealed {
		return s.highestGeneration, nil
	}

	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	if err := s.data.Unmap(); err != nil {
		_ = s.fd.Close()
		s.closed = true
		return 0, fmt.Errorf("unmap segment: %w", err)
	}
	if err := s.fd.Truncate(s.writeOffset); err != nil {
		_ = s.fd.Close()
		s.closed = true
		return 0, fmt.Errorf("truncate sealed segment: %w", err)
	}
	if err := s.fd.Sync(); err != nil {
		_ = s.fd.Close()
		s.closed = true
		return 0, fmt.Errorf("%w: fsync after truncate: %v", ErrFlush, err)
	}
	if err := s.fd.Close(); err != nil {
		s.closed = true
		return 0, fmt.Errorf("close sealed segment: %w", err)
	}

	s.sealed = true
	s.closed = true
	return s.highestGeneration, nil
}

// Close releases the mapping and file handle without sealing. Used on abort
// paths; the next startup's recovery scan finds the end of valid data.
func (s *MutableSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var cErr error
	if err := s.data.Unmap(); err != nil {
		cErr = errors.Join(cErr, err)
	}
	if err := s.fd.Close(); err != nil {
		cErr = errors.Join(cErr, err)
	}
	return cErr
}

// Descriptor returns the descriptor this segment was opened with. Note that
// after sealing, the manager replaces it with a span-compacted descriptor.
func (s *MutableSegment) Descriptor() SegmentDescriptor {
	return s.descriptor
}

// HighestGeneration returns the highest generation appended so far, or the
// descriptor's minimum generation if nothing was appended.
func (s *MutableSegment) HighestGeneration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestGeneration
}

// LastSequenceNumber returns the sequence number of the most recently
// appended event, or -1 if the segment is empty.
func (s *MutableSegment) LastSequenceNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequenceNumber
}

// EventCount returns the number of events appended to this segment.
func (s *MutableSegment) EventCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCount
}

// UtilizedBytes returns the number of bytes of valid data in the segment,
// including the file header.
func (s *MutableSegment) UtilizedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeOffset
}
