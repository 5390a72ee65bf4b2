package pcesfs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSequenceGap means the discovered segment set has a hole in its
	// sequence numbers. Data is provably missing and there is no way to
	// know what was lost, so this is fatal and requires operator
	// intervention.
	ErrSequenceGap = errors.New("gap in segment sequence numbers")

	ErrNoOpenSegment = errors.New("no segment is currently open")
	ErrSegmentOpen   = errors.New("a segment is already open")
)

// defaultGenerationSpan is the width of the generation window given to a
// freshly allocated segment before compaction shrinks it.
const defaultGenerationSpan = 512

// ScanEntry is the result of attempting to parse one file found under the
// stream's root directory. Exactly one of Descriptor or Err is meaningful.
type ScanEntry struct {
	Path       string
	Descriptor SegmentDescriptor
	Err        error
}

// ScanSegmentTree walks the tree under root and attempts to parse every
// regular file as a segment descriptor, returning one entry per file.
// Deciding what to do with failures is the caller's business: the manager
// logs and skips them, the CLI prints them.
func ScanSegmentTree(root string) ([]ScanEntry, error) {
	var entries []ScanEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		desc, parseErr := ParseSegmentPath(path)
		entries = append(entries, ScanEntry{Path: path, Descriptor: desc, Err: parseErr})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk segment tree: %w", err)
	}
	return entries, nil
}

// Discontinuity marks a boundary between two logically disjoint streams:
// the segment at FirstSequenceNumber has a different origin than its
// predecessor, so events across the boundary must never be treated as
// causally continuous.
type Discontinuity struct {
	PreviousOrigin      int64
	NewOrigin           int64
	FirstSequenceNumber int64
}

// SegmentManager owns the segment set for one stream directory: it
// discovers existing segments at startup, allocates new descriptors,
// compacts and seals the open segment, and prunes segments that fall below
// the retention floor.
//
// The manager holds no lock shared with the append path. Writers serialize
// through the orchestrator; pruning takes only the manager's own mutex and
// touches only sealed segments.
type SegmentManager struct {
	root           string
	generationSpan int64
	disposer       Disposer
	dirSyncer      DirectorySyncer
	clock          func() time.Time

	mu sync.Mutex
	// sealed segments, ascending by sequence number
	sealed []SegmentDescriptor
	open   *SegmentDescriptor
	// the next sequence number to allocate; owned exclusively by this
	// manager, initialized from discovery
	nextSequenceNumber int64
	discontinuities    []Discontinuity
}

// SegmentManagerOption configures a SegmentManager.
type SegmentManagerOption func(*SegmentManager)

// WithGenerationSpan sets the width of the generation window placeholder
// for newly allocated segments.
func WithGenerationSpan(span int64) SegmentManagerOption {
	return func(m *SegmentManager) {
		if span > 0 {
			m.generationSpan = span
		}
	}
}

// WithDisposer selects how pruned segment files are disposed of: hard
// delete (the default) or a recycle directory.
func WithDisposer(d Disposer) SegmentManagerOption {
	return func(m *SegmentManager) {
		if d != nil {
			m.disposer = d
		}
	}
}

// WithManagerDirectorySyncer overrides the directory syncer used after
// renames and deletions.
func WithManagerDirectorySyncer(syncer DirectorySyncer) SegmentManagerOption {
	return func(m *SegmentManager) {
		if syncer != nil {
			m.dirSyncer = syncer
		}
	}
}

// WithClock overrides the wall clock used to timestamp new segments.
func WithClock(clock func() time.Time) SegmentManagerOption {
	return func(m *SegmentManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewSegmentManager discovers the segments under root and verifies the
// contiguity invariant. A sequence gap is fatal.
func NewSegmentManager(root string, opts ...SegmentManagerOption) (*SegmentManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create stream root directory: %w", err)
	}

	m := &SegmentManager{
		root:           root,
		generationSpan: defaultGenerationSpan,
		disposer:       DeleteDisposer{},
		dirSyncer:      DirectorySyncFunc(syncDir),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.discover(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SegmentManager) discover() error {
	entries, err := ScanSegmentTree(m.root)
	if err != nil {
		return err
	}

	var segments []SegmentDescriptor
	for _, entry := range entries {
		if entry.Err != nil {
			// stray or foreign file; skip it, but say so
			slog.Warn("[pces]",
				slog.String("message", "skipping file that is not a valid segment"),
				slog.String("path", entry.Path),
				slog.Any("error", entry.Err))
			continue
		}
		segments = append(segments, entry.Descriptor)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].SequenceNumber() < segments[j].SequenceNumber()
	})

	for i := 1; i < len(segments); i++ {
		prev, cur := segments[i-1], segments[i]
		if cur.SequenceNumber() != prev.SequenceNumber()+1 {
			return fmt.Errorf("%w: segment %s is followed by %s", ErrSequenceGap, prev, cur)
		}
		if cur.Origin() != prev.Origin() {
			m.discontinuities = append(m.discontinuities, Discontinuity{
				PreviousOrigin:      prev.Origin(),
				NewOrigin:           cur.Origin(),
				FirstSequenceNumber: cur.SequenceNumber(),
			})
		}
	}

	m.sealed = segments
	if len(segments) > 0 {
		m.nextSequenceNumber = segments[len(segments)-1].SequenceNumber() + 1
	}

	slog.Info("[pces]",
		slog.String("message", "segment discovery complete"),
		slog.String("root", m.root),
		slog.Int("segments", len(segments)),
		slog.Int("discontinuities", len(m.discontinuities)),
		slog.Int64("next_sequence_number", m.nextSequenceNumber))

	return nil
}

// Segments returns a copy of the sealed segment set in ascending sequence
// order. The open segment, if any, is not included.
func (m *SegmentManager) Segments() []SegmentDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SegmentDescriptor, len(m.sealed))
	copy(out, m.sealed)
	return out
}

// Discontinuities returns the discontinuity boundaries found at discovery
// time, in ascending sequence order.
func (m *SegmentManager) Discontinuities() []Discontinuity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Discontinuity, len(m.discontinuities))
	copy(out, m.discontinuities)
	return out
}

// NextSequenceNumber returns the sequence number the next allocated segment
// will receive.
func (m *SegmentManager) NextSequenceNumber() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSequenceNumber
}

// LastOrigin returns the origin of the most recent segment and true, or
// zero and false if no segments exist.
func (m *SegmentManager) LastOrigin() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open != nil {
		return m.open.Origin(), true
	}
	if len(m.sealed) == 0 {
		return 0, false
	}
	return m.sealed[len(m.sealed)-1].Origin(), true
}

// Allocate constructs the descriptor for the next segment in the stream.
// The generation window starts at the platform's current lower retention
// bound and extends by the configured span, widened if needed so that
// firstGeneration fits. At most one segment may be open at a time.
func (m *SegmentManager) Allocate(lowerBound, firstGeneration, origin int64) (SegmentDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open != nil {
		return SegmentDescriptor{}, ErrSegmentOpen
	}

	maximumGeneration := lowerBound + m.generationSpan
	if firstGeneration > maximumGeneration {
		maximumGeneration = firstGeneration
	}

	desc, err := NewSegmentDescriptor(m.clock(), m.nextSequenceNumber, lowerBound, maximumGeneration, origin, m.root)
	if err != nil {
		return SegmentDescriptor{}, err
	}

	m.open = &desc
	m.nextSequenceNumber++
	return desc, nil
}

// Seal finalizes the open segment: the writer flushes and closes, the
// descriptor's span is compacted to the highest generation actually
// written, and the file is renamed to its compacted path. Compaction
// happens exactly once per segment, here.
func (m *SegmentManager) Seal(seg *MutableSegment) (SegmentDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open == nil || !m.open.Equal(seg.Descriptor()) {
		return SegmentDescriptor{}, fmt.Errorf("%w: cannot seal segment %s", ErrNoOpenSegment, seg.Descriptor())
	}

	highest, err := seg.Seal()
	if err != nil {
		return SegmentDescriptor{}, err
	}

	compacted, err := seg.Descriptor().WithCompactedSpan(highest)
	if err != nil {
		return SegmentDescriptor{}, err
	}

	if compacted.Path() != seg.Descriptor().Path() {
		if err := os.Rename(seg.Descriptor().Path(), compacted.Path()); err != nil {
			return SegmentDescriptor{}, fmt.Errorf("rename compacted segment: %w", err)
		}
		if err := m.dirSyncer.SyncDir(filepath.Dir(compacted.Path())); err != nil {
			return SegmentDescriptor{}, fmt.Errorf("fsync segment directory: %w", err)
		}
	}

	m.sealed = append(m.sealed, compacted)
	m.open = nil

	slog.Debug("[pces]",
		slog.String("message", "sealed segment"),
		slog.String("segment", compacted.FileName()),
		slog.Int64("events", seg.EventCount()))

	return compacted, nil
}

// Abandon releases the open-segment slot without sealing, used when a
// writer fails mid-stream or was never created. Any half-written file is
// left for the next startup's recovery scan.
func (m *SegmentManager) Abandon(desc SegmentDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open != nil && m.open.Equal(desc) {
		m.open = nil
	}
}

// Prune disposes of every sealed segment whose maximum generation is
// strictly below floorGeneration. Sealed segments are pruned as a
// contiguous prefix, in ascending sequence order, stopping at the first
// segment that must be kept. Disposal failures are logged and the pass
// stops; the next pass retries.
func (m *SegmentManager) Prune(floorGeneration int64) error {
	// Snapshot the prunable prefix, then do the disk work without the
	// manager's lock so a long disposal pass cannot stall a rotation.
	m.mu.Lock()
	var candidates []SegmentDescriptor
	for _, desc := range m.sealed {
		if desc.MaximumGeneration() >= floorGeneration {
			break
		}
		candidates = append(candidates, desc)
	}
	m.mu.Unlock()

	lastDisposed := int64(-1)
	for _, desc := range candidates {
		if err := m.disposer.Dispose(desc.Path()); err != nil {
			slog.Warn("[pces]",
				slog.String("message", "failed to dispose pruned segment, will retry on the next pass"),
				slog.String("path", desc.Path()),
				slog.Any("error", err))
			break
		}
		m.removeEmptyParents(desc.Path())
		slog.Debug("[pces]",
			slog.String("message", "pruned segment"),
			slog.String("segment", desc.FileName()))
		lastDisposed = desc.SequenceNumber()
	}

	if lastDisposed >= 0 {
		m.mu.Lock()
		// Trim by sequence number rather than by count: a concurrent Prune
		// may already have dropped some of the same descriptors, and disposal
		// is idempotent, so counting would over-trim live segments.
		keep := 0
		for keep < len(m.sealed) && m.sealed[keep].SequenceNumber() <= lastDisposed {
			keep++
		}
		m.sealed = append([]SegmentDescriptor(nil), m.sealed[keep:]...)
		m.mu.Unlock()
	}
	return nil
}

// removeEmptyParents deletes now-empty date directories above path, walking
// up to but never including the stream root.
func (m *SegmentManager) removeEmptyParents(path string) {
	root := filepath.Clean(m.root)
	dir := filepath.Dir(path)
	for filepath.Clean(dir) != root {
		// Remove refuses non-empty directories, so this cannot walk past a
		// directory that still holds segments.
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Root returns the stream's root directory.
func (m *SegmentManager) Root() string {
	return m.root
}

// GenerationSpan returns the configured placeholder window width.
func (m *SegmentManager) GenerationSpan() int64 {
	return m.generationSpan
}
