package pcesstream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashstream/pces/pkg/pcesfs"
)

// State is the writer orchestrator's lifecycle state.
type State int32

const (
	// StateEmpty means no segment is open; the next append allocates one.
	StateEmpty State = iota
	// StateWriting means events are being appended to an open segment.
	StateWriting
	// StateRotating is the transient state while the open segment is
	// sealed and its successor allocated.
	StateRotating
	// StateClosed is terminal: the orchestrator was shut down, or a flush
	// failed and durability can no longer be guaranteed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateWriting:
		return "WRITING"
	case StateRotating:
		return "ROTATING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrClosed is returned by operations on a closed orchestrator.
var ErrClosed = errors.New("writer orchestrator is closed")

// Orchestrator consumes sequenced events and drives the on-disk layer:
// it appends to the open segment, rotates when the segment's byte capacity
// or generation window is exhausted, and publishes durability progress to
// the nexus after each flush.
//
// Exactly one goroutine may call Append; the sequencer upstream is where
// concurrent producers are funneled into one order. Pruning runs on the
// orchestrator's own background goroutine and shares no lock with the
// append path.
type Orchestrator struct {
	manager *pcesfs.SegmentManager
	nexus   *DurabilityNexus

	segmentCapacity int64
	syncEveryAppend bool

	mu           sync.Mutex
	state        State
	current      *pcesfs.MutableSegment
	origin       int64
	lowerBound   int64
	lastAppended int64

	pruneFloor atomic.Int64
	pruneKick  chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSegmentCapacity sets the preallocated byte capacity of each segment
// the orchestrator opens.
func WithSegmentCapacity(capacity int64) OrchestratorOption {
	return func(o *Orchestrator) {
		if capacity > 0 {
			o.segmentCapacity = capacity
		}
	}
}

// WithSyncEveryAppend makes every append durable before it returns.
func WithSyncEveryAppend(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.syncEveryAppend = enabled
	}
}

// WithRetentionFloor sets the initial lower retention bound used as the
// minimum generation of newly allocated segments.
func WithRetentionFloor(floor int64) OrchestratorOption {
	return func(o *Orchestrator) {
		if floor > 0 {
			o.lowerBound = floor
		}
	}
}

// NewOrchestrator returns an orchestrator in the EMPTY state. origin is the
// round after which the stream being written is known unbroken; it changes
// only through RegisterDiscontinuity. Replay must have finished before the
// first Append, since replay and fresh writes share one sequence space.
func NewOrchestrator(manager *pcesfs.SegmentManager, nexus *DurabilityNexus, origin int64, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		manager:      manager,
		nexus:        nexus,
		origin:       origin,
		lastAppended: NothingDurable,
		pruneKick:    make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pruneFloor.Store(-1)

	o.wg.Add(1)
	go o.pruneLoop()
	return o
}

// Append persists one sequenced event. Events whose generation is already
// below the retention floor are acknowledged without being written; nothing
// will ever read them back.
func (o *Orchestrator) Append(ev pcesfs.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateClosed {
		return ErrClosed
	}

	if ev.Generation < o.lowerBound {
		o.lastAppended = ev.SequenceNumber
		if o.syncEveryAppend {
			o.nexus.Advance(o.lastAppended)
		}
		return nil
	}

	if o.current == nil {
		if err := o.rotateLocked(ev.Generation); err != nil {
			return err
		}
	} else if o.current.WillExceed(len(ev.Payload)) || !o.current.Descriptor().CanContain(ev.Generation) {
		if err := o.rotateLocked(ev.Generation); err != nil {
			return err
		}
	}

	if err := o.current.Append(ev); err != nil {
		return fmt.Errorf("append event %d: %w", ev.SequenceNumber, err)
	}
	o.lastAppended = ev.SequenceNumber

	if o.syncEveryAppend {
		// the segment already synced this append; just publish progress
		o.nexus.Advance(o.lastAppended)
	}
	return nil
}

// rotateLocked seals the open segment (if any) and opens its successor
// with a generation window that can hold firstGeneration.
func (o *Orchestrator) rotateLocked(firstGeneration int64) error {
	o.state = StateRotating

	if o.current != nil {
		if err := o.sealCurrentLocked(); err != nil {
			return err
		}
	}

	desc, err := o.manager.Allocate(o.lowerBound, firstGeneration, o.origin)
	if err != nil {
		o.state = StateClosed
		return fmt.Errorf("allocate segment: %w", err)
	}

	var segOpts []pcesfs.MutableSegmentOption
	if o.segmentCapacity > 0 {
		segOpts = append(segOpts, pcesfs.WithSegmentCapacity(o.segmentCapacity))
	}
	if o.syncEveryAppend {
		segOpts = append(segOpts, pcesfs.WithSyncEveryAppend(true))
	}

	seg, err := pcesfs.NewMutableSegment(desc, segOpts...)
	if err != nil {
		o.manager.Abandon(desc)
		o.state = StateClosed
		return fmt.Errorf("open segment: %w", err)
	}

	o.current = seg
	o.state = StateWriting
	return nil
}

// sealCurrentLocked seals the open segment and publishes durability for
// everything written to it. A failure is a failed flush, which is fatal.
func (o *Orchestrator) sealCurrentLocked() error {
	sealed, err := o.manager.Seal(o.current)
	if err != nil {
		o.state = StateClosed
		o.current = nil
		return fmt.Errorf("seal segment: %w", err)
	}
	o.current = nil
	o.nexus.Advance(o.lastAppended)

	slog.Debug("[pces]",
		slog.String("message", "rotated segment"),
		slog.String("segment", sealed.FileName()))
	return nil
}

// Flush forces everything appended so far onto stable storage and advances
// the durability watermark. A flush failure closes the orchestrator: the
// process must stop rather than claim durability it cannot guarantee.
func (o *Orchestrator) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateClosed {
		return ErrClosed
	}
	return o.flushLocked()
}

func (o *Orchestrator) flushLocked() error {
	if o.current != nil {
		if err := o.current.Flush(); err != nil {
			o.state = StateClosed
			return err
		}
	}
	o.nexus.Advance(o.lastAppended)
	return nil
}

// RegisterDiscontinuity seals the open segment and starts a new logical
// stream with the given origin round. The next append opens a segment
// whose origin differs from its predecessor's, which is exactly how a
// discontinuity is recorded on disk.
func (o *Orchestrator) RegisterDiscontinuity(newOrigin int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateClosed {
		return ErrClosed
	}

	if o.current != nil {
		if err := o.sealCurrentLocked(); err != nil {
			return err
		}
	}

	o.origin = newOrigin
	o.state = StateEmpty

	slog.Info("[pces]",
		slog.String("message", "registered stream discontinuity"),
		slog.Int64("origin", newOrigin))
	return nil
}

// UpdateRetentionFloor raises the lower retention bound. Future segments
// are allocated at or above the floor, and the background pruner disposes
// of sealed segments that fall entirely below it. Never blocks the caller.
func (o *Orchestrator) UpdateRetentionFloor(floor int64) {
	o.mu.Lock()
	if floor > o.lowerBound {
		o.lowerBound = floor
	}
	o.mu.Unlock()

	for {
		cur := o.pruneFloor.Load()
		if floor <= cur {
			return
		}
		if o.pruneFloor.CompareAndSwap(cur, floor) {
			break
		}
	}
	select {
	case o.pruneKick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) pruneLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case <-o.pruneKick:
			floor := o.pruneFloor.Load()
			if err := o.manager.Prune(floor); err != nil {
				slog.Warn("[pces]",
					slog.String("message", "pruning pass failed"),
					slog.Int64("floor", floor),
					slog.Any("error", err))
			}
		}
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastAppendedSequenceNumber returns the sequence number of the most
// recently accepted event, or NothingDurable if none.
func (o *Orchestrator) LastAppendedSequenceNumber() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastAppended
}

// Close seals the open segment, publishes final durability progress, and
// stops the background pruner. Close is terminal; subsequent appends fail
// with ErrClosed.
func (o *Orchestrator) Close() error {
	var sealErr error

	o.mu.Lock()
	if o.state != StateClosed {
		if o.current != nil {
			sealErr = o.sealCurrentLocked()
		}
		o.state = StateClosed
	}
	o.mu.Unlock()

	o.closeOnce.Do(func() {
		close(o.done)
	})
	o.wg.Wait()
	return sealErr
}
