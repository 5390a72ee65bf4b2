package pcesstream

import (
	"sync"

	"github.com/hashstream/pces/pkg/pcesfs"
)

// Sequencer is the single serialization point of the stream: it stamps each
// validated event with the next sequence number, in arrival order, with no
// gaps and no duplicates. Contiguous numbering is what deterministic replay
// depends on, so assignment happens under an exclusive critical section
// rather than an optimistic retry loop.
type Sequencer struct {
	mu   sync.Mutex
	next int64
}

// NewSequencer returns a Sequencer whose first assigned sequence number is
// start. After replay, start is the last replayed sequence number plus one.
func NewSequencer(start int64) *Sequencer {
	return &Sequencer{next: start}
}

// Assign stamps ev with the next sequence number and returns it.
func (s *Sequencer) Assign(ev *pcesfs.Event) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.SequenceNumber = s.next
	s.next++
	return ev.SequenceNumber
}

// Next returns the sequence number the next event will receive.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
