package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/metrics"
)

// DefaultCapacity is the ring size of a bus when the configuration does not
// override it.
const DefaultCapacity = 10000

// Bus is a position-addressed, multi-subscriber ring buffer fed by a single
// source. Subscribers read by cursor and commit monotonically; eviction is
// strict FIFO.
type Bus struct {
	id        string
	sourceID  string
	capacity  int
	transient bool
	logger    zerolog.Logger

	mu     sync.Mutex
	buf    []*event.Event // ring, ordered by Index
	subs   map[string]*subscriber
	notify chan struct{} // closed-and-replaced on publish
	space  chan struct{} // closed-and-replaced when commits free room
	closed bool
	done   chan struct{}
}

type subscriber struct {
	id            string
	cursor        int64 // index of the last committed event; 0 = from start
	fieldsMapping []string
	positionLost  bool
}

// New creates a bus for the given source. transient declares that the source
// loses events when not drained, which selects eviction + position-loss over
// blocking the producer.
func New(id, sourceID string, capacity int, transient bool) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		id:        id,
		sourceID:  sourceID,
		capacity:  capacity,
		transient: transient,
		subs:      make(map[string]*subscriber),
		notify:    make(chan struct{}),
		space:     make(chan struct{}),
		done:      make(chan struct{}),
		logger:    log.WithComponent("bus").With().Str("bus", id).Logger(),
	}
}

// ID returns the bus identifier.
func (b *Bus) ID() string { return b.id }

// SourceID returns the id of the source feeding this bus.
func (b *Bus) SourceID() string { return b.sourceID }

// Done is closed when the last subscriber releases the bus.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Publish appends an event to the ring. Overflow policy follows the source
// kind: for a persistent source the producer blocks until commits free room;
// for a transient source the oldest entry is evicted (FIFO) and any
// subscriber whose cursor still needed it is flagged position-lost.
// Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev *event.Event) {
	b.mu.Lock()
	for !b.transient && len(b.buf) >= b.capacity && !b.closed {
		space := b.space
		b.mu.Unlock()
		select {
		case <-space:
		case <-b.done:
			return
		}
		b.mu.Lock()
	}
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buf) >= b.capacity {
		evicted := b.buf[0]
		b.buf = b.buf[1:]
		for _, sub := range b.subs {
			if sub.cursor < evicted.Index {
				if !sub.positionLost {
					b.logger.Warn().
						Str("subscriber", sub.id).
						Int64("cursor", sub.cursor).
						Int64("evicted_index", evicted.Index).
						Msg("Subscriber lost position on buffer overflow")
				}
				sub.positionLost = true
			}
		}
	}
	b.buf = append(b.buf, ev)
	metrics.BusDepth.WithLabelValues(b.id).Set(float64(len(b.buf)))

	// Wake waiting readers.
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// Subscribe registers (or re-registers) a subscriber wanting events after
// requiredPosition. Returns whether the requested position is no longer
// retained, in which case the subscriber starts from the oldest available
// event and should trigger a supplemental snapshot.
func (b *Bus) Subscribe(subscriberID string, requiredPosition int64, fieldsMapping []string) (positionLost bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lost := false
	if requiredPosition > 0 && len(b.buf) > 0 && b.buf[0].Index > requiredPosition+1 {
		lost = true
	}
	// An empty bus cannot prove it retained the requested position unless
	// the subscriber starts from scratch.
	if requiredPosition > 0 && len(b.buf) == 0 {
		lost = true
	}

	b.subs[subscriberID] = &subscriber{
		id:            subscriberID,
		cursor:        requiredPosition,
		fieldsMapping: fieldsMapping,
		positionLost:  lost,
	}
	return lost
}

// Release removes a subscriber. When the last subscriber is released the bus
// closes and its Done channel fires so the owner can stop the producer.
func (b *Bus) Release(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subscriberID)
	if len(b.subs) == 0 && !b.closed {
		b.closed = true
		close(b.done)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// GetEventsFor returns up to maxCount events after the subscriber's cursor,
// waiting up to timeout when none are buffered. A nil slice means the wait
// timed out.
func (b *Bus) GetEventsFor(subscriberID string, maxCount int, timeout time.Duration) []*event.Event {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		sub, ok := b.subs[subscriberID]
		if !ok || b.closed {
			b.mu.Unlock()
			return nil
		}
		events := b.eventsAfter(sub.cursor, maxCount)
		notify := b.notify
		b.mu.Unlock()

		if len(events) > 0 {
			return events
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil
		case <-b.done:
			timer.Stop()
			return nil
		}
	}
}

// eventsAfter collects buffered events with Index > cursor. Caller holds
// b.mu.
func (b *Bus) eventsAfter(cursor int64, maxCount int) []*event.Event {
	var out []*event.Event
	for _, ev := range b.buf {
		if ev.Index <= cursor {
			continue
		}
		out = append(out, ev)
		if len(out) >= maxCount {
			break
		}
	}
	return out
}

// Commit advances the subscriber's cursor to lastIndex. Cursors only move
// forward.
func (b *Bus) Commit(subscriberID string, count int, lastIndex int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	if lastIndex > sub.cursor {
		sub.cursor = lastIndex
	}
	b.trimCommitted()
	metrics.BusDepth.WithLabelValues(b.id).Set(float64(len(b.buf)))
}

// trimCommitted drops entries every subscriber has committed past. Caller
// holds b.mu.
func (b *Bus) trimCommitted() {
	if len(b.subs) == 0 || len(b.buf) == 0 {
		return
	}
	minCursor := int64(-1)
	for _, sub := range b.subs {
		if minCursor < 0 || sub.cursor < minCursor {
			minCursor = sub.cursor
		}
	}
	cut := 0
	for cut < len(b.buf) && b.buf[cut].Index <= minCursor {
		cut++
	}
	if cut > 0 {
		b.buf = b.buf[cut:]
		// Wake a producer blocked on a full persistent bus.
		close(b.space)
		b.space = make(chan struct{})
	}
}

// lag returns how many buffered events the subscriber has not consumed.
// Caller holds b.mu.
func (b *Bus) lag(sub *subscriber) int {
	n := 0
	for _, ev := range b.buf {
		if ev.Index > sub.cursor {
			n++
		}
	}
	return n
}
