package event

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultQueueSize bounds how many emitted events may be buffered waiting
// for the dispatch goroutine before Emit blocks its caller.
const defaultQueueSize = 256

// Subscription is a single observer's view of the bus: only events whose
// Kind is in mask are delivered to it (spec §4.J).
type Subscription struct {
	mask Kind
	ch   chan Event
}

// Events returns the channel to range over for delivered events. It is
// closed when the subscription is removed via Bus.Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Bus is an in-process typed event bus (spec §4.J). Events are emitted
// into a single bounded queue drained by one dedicated goroutine, which
// fans each event out to every matching subscriber; a full subscriber
// queue blocks that goroutine rather than dropping the event, so a slow
// observer cannot silently miss build state transitions it depends on.
type Bus struct {
	log *logrus.Logger

	queue chan Event
	done  chan struct{}

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus starts a Bus with its dispatch goroutine running. Call Close to
// stop it.
func NewBus(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bus{
		log:   log,
		queue: make(chan Event, defaultQueueSize),
		done:  make(chan struct{}),
		subs:  make(map[*Subscription]struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.done:
			return
		}
	}
}

// dispatch holds the read lock for the entire fan-out, not just while
// collecting matching subscribers. Unsubscribe takes the write lock before
// closing a subscriber's channel, so the two can never race: either
// dispatch finishes sending to a subscription entirely before Unsubscribe
// removes and closes it, or Unsubscribe completes first and dispatch never
// sees that subscription in the map at all.
func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.mask&ev.Kind == 0 {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.WithField("kind", ev.Kind.String()).Warn("event subscriber queue full, blocking")
			sub.ch <- ev
		}
	}
}

// Subscribe registers a new Subscription matching mask, with its own
// bufferSize-deep delivery queue.
func (b *Bus) Subscribe(mask Kind, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	sub := &Subscription{mask: mask, ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call at most
// once per subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.ch)
}

// Emit publishes ev, filling in Timestamp if it is zero. Blocks (with a
// warning) if the bus's internal queue is full rather than dropping the
// event (spec §4.J "bounded non-dropping queue").
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.queue <- ev:
	default:
		b.log.Warn("event bus queue full, blocking producer")
		b.queue <- ev
	}
}

// Close stops the dispatch goroutine. It does not close subscriber
// channels; callers that want a clean shutdown should Unsubscribe first.
func (b *Bus) Close() {
	close(b.done)
}
