package pcesstream

import (
	"sync"
	"sync/atomic"
)

// NothingDurable is the watermark value before any flush has completed.
const NothingDurable int64 = -1

// DurabilityNexus tracks the highest sequence number guaranteed flushed to
// stable storage and notifies subscribers when the events they care about
// become durable.
//
// Advance never blocks: the caller (the writer orchestrator's flush path)
// records the new watermark and kicks a dispatcher goroutine, which closes
// waiter channels on its own schedule. Slow durability consumers therefore
// cannot apply backpressure to the log writer.
type DurabilityNexus struct {
	// highest sequence number handed to Advance; the dispatcher folds it
	// into the published watermark
	pending   atomic.Int64
	watermark atomic.Int64

	mu      sync.Mutex
	waiters map[int64][]chan struct{}

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDurabilityNexus returns a running nexus. Call Close to stop its
// dispatcher.
func NewDurabilityNexus() *DurabilityNexus {
	n := &DurabilityNexus{
		waiters: make(map[int64][]chan struct{}),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	n.pending.Store(NothingDurable)
	n.watermark.Store(NothingDurable)

	n.wg.Add(1)
	go n.dispatch()
	return n
}

// Watermark returns the highest sequence number known durable. It never
// decreases.
func (n *DurabilityNexus) Watermark() int64 {
	return n.watermark.Load()
}

// Advance records that every event up to and including sequence is on
// stable storage. Safe to call from the flush path; notification is
// asynchronous.
func (n *DurabilityNexus) Advance(sequence int64) {
	for {
		cur := n.pending.Load()
		if sequence <= cur {
			return
		}
		if n.pending.CompareAndSwap(cur, sequence) {
			break
		}
	}
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// WaitFor returns a channel that is closed once the event with the given
// sequence number is durable. Registrations are one-shot; if the event is
// already durable the channel is closed on return.
func (n *DurabilityNexus) WaitFor(sequence int64) <-chan struct{} {
	ch := make(chan struct{})
	if n.watermark.Load() >= sequence {
		close(ch)
		return ch
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	// re-check under the lock so a concurrent dispatch can't strand us
	if n.watermark.Load() >= sequence {
		close(ch)
		return ch
	}
	n.waiters[sequence] = append(n.waiters[sequence], ch)
	return ch
}

func (n *DurabilityNexus) dispatch() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			// flush anything recorded before shutdown
			n.publish()
			return
		case <-n.kick:
			n.publish()
		}
	}
}

func (n *DurabilityNexus) publish() {
	p := n.pending.Load()
	if p <= n.watermark.Load() {
		return
	}

	n.mu.Lock()
	n.watermark.Store(p)
	for seq, chans := range n.waiters {
		if seq <= p {
			for _, ch := range chans {
				close(ch)
			}
			delete(n.waiters, seq)
		}
	}
	n.mu.Unlock()
}

// Close stops the dispatcher. Waiters registered for sequence numbers that
// never became durable are left open.
func (n *DurabilityNexus) Close() {
	n.once.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
}
