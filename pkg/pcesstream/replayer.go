package pcesstream

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashstream/pces/pkg/pcesfs"
)

// Intake receives replayed events in sequence order. It is the entry point
// of the external event-intake pipeline; an error from it aborts replay.
type Intake func(ev pcesfs.Event) error

// DiscontinuityHandler is invoked when replay crosses a stream boundary.
// Events delivered after the call belong to a new logical session and must
// not be treated as causally continuous with what preceded them.
type DiscontinuityHandler func(d pcesfs.Discontinuity)

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	// EventsReplayed is the number of events handed to the intake.
	EventsReplayed int
	// LastSequenceNumber is the highest sequence number found on disk,
	// counting events the generation and sequence filters withheld from
	// the intake, or NothingDurable if the stream is empty. The sequencer
	// resumes at LastSequenceNumber + 1; skipping filtered events here
	// would hand out sequence numbers that already exist in the log.
	LastSequenceNumber int64
	// Discontinuities crossed during the pass.
	Discontinuities []pcesfs.Discontinuity
}

// Replayer re-feeds persisted events into the intake pipeline at startup.
// Replay is strictly sequential and single-threaded, and must run to
// completion before the writer orchestrator accepts new events: replay and
// fresh writes may not interleave on the same sequence space.
type Replayer struct {
	manager *pcesfs.SegmentManager

	minimumGeneration     int64
	minimumSequenceNumber int64
}

// NewReplayer returns a replayer that delivers events with generation >=
// minimumGeneration and sequence number >= minimumSequenceNumber.
func NewReplayer(manager *pcesfs.SegmentManager, minimumGeneration, minimumSequenceNumber int64) *Replayer {
	return &Replayer{
		manager:               manager,
		minimumGeneration:     minimumGeneration,
		minimumSequenceNumber: minimumSequenceNumber,
	}
}

// Replay iterates the discovered segment set in ascending sequence order,
// feeding every qualifying event to intake. Each origin change is surfaced
// through onDiscontinuity before any event of the new session is delivered.
func (r *Replayer) Replay(intake Intake, onDiscontinuity DiscontinuityHandler) (ReplayResult, error) {
	result := ReplayResult{LastSequenceNumber: NothingDurable}

	segments := r.manager.Segments()
	if len(segments) == 0 {
		return result, nil
	}

	previousOrigin := segments[0].Origin()
	for _, desc := range segments {
		if desc.Origin() != previousOrigin {
			d := pcesfs.Discontinuity{
				PreviousOrigin:      previousOrigin,
				NewOrigin:           desc.Origin(),
				FirstSequenceNumber: desc.SequenceNumber(),
			}
			result.Discontinuities = append(result.Discontinuities, d)
			if onDiscontinuity != nil {
				onDiscontinuity(d)
			}
			previousOrigin = desc.Origin()
		}

		if err := r.replaySegment(desc, intake, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (r *Replayer) replaySegment(desc pcesfs.SegmentDescriptor, intake Intake, result *ReplayResult) error {
	// Scan every intact record, not just the ones the filters let through:
	// the resume point must cover sequence numbers whose events fell below
	// the generation filter, or the sequencer would reissue them.
	it, err := pcesfs.NewSegmentIterator(desc, 0)
	if err != nil {
		return fmt.Errorf("replay segment %s: %w", desc, err)
	}
	defer it.Close()

	for {
		ev, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay segment %s: %w", desc, err)
		}

		if ev.SequenceNumber > result.LastSequenceNumber {
			result.LastSequenceNumber = ev.SequenceNumber
		}
		if ev.Generation < r.minimumGeneration || ev.SequenceNumber < r.minimumSequenceNumber {
			continue
		}

		if err := intake(ev); err != nil {
			return fmt.Errorf("intake rejected event %d: %w", ev.SequenceNumber, err)
		}
		result.EventsReplayed++
	}
}
