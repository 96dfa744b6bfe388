// Package bus fans run and step lifecycle events out to subscribers,
// SSE streams, in-process observers, anything that wants a live feed of
// what the executor and worker are doing. It is grounded on the same
// per-channel subscription/broadcast shape as an SSE hub, generalized
// from string channels to typed Event filters.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/durably/durably/internal/dlog"
)

// Kind identifies the category of an Event.
type Kind string

const (
	KindRunTrigger  Kind = "run:trigger"
	KindRunStart    Kind = "run:start"
	KindRunProgress Kind = "run:progress"
	KindRunComplete Kind = "run:complete"
	KindRunFail     Kind = "run:fail"
	KindRunCancel   Kind = "run:cancel"
	KindRunRetry    Kind = "run:retry"
	KindStepStart   Kind = "step:start"
	KindStepComplete Kind = "step:complete"
	KindStepFail    Kind = "step:fail"
	KindLogWrite    Kind = "log:write"
	KindWorkerError Kind = "worker:error"
)

// Event is one entry on the bus. Seq is a monotonic per-process counter
// assigned at Publish time; subscribers that need ordering across a
// reconnect can use it to detect gaps, though the bus itself keeps no
// history and cannot replay past events.
type Event struct {
	Seq       uint64
	Kind      Kind
	RunID     string
	JobName   string
	StepName  string
	Data      any
	Timestamp time.Time
}

// Filter narrows a Subscribe call. A zero-value Filter matches everything.
type Filter struct {
	RunID   string
	JobName string
	Kinds   []Kind
}

func (f Filter) matches(e Event) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.JobName != "" && f.JobName != e.JobName {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscription is a live feed of events matching a Filter. Callers must
// call Close when done to free the subscriber slot.
type Subscription struct {
	id     uint64
	C      <-chan Event
	bus    *Bus
	filter Filter
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is an in-process pub/sub fan-out for durably events. It never
// blocks a publisher: a subscriber whose buffer is full has its oldest
// pending event dropped and onError (if set) is invoked once per drop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextSubID   uint64
	seq         atomic.Uint64
	onError     func(err error)
	closed      bool
	log         *dlog.Logger
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Option configures New.
type Option func(*Bus)

// WithErrorHook registers a callback invoked when a subscriber's buffer
// overflows and an event had to be dropped for it.
func WithErrorHook(fn func(err error)) Option {
	return func(b *Bus) { b.onError = fn }
}

// WithLogger attaches a logger used for drop warnings.
func WithLogger(l *dlog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[uint64]*subscriber),
		log:         dlog.Noop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// bufferSize is the per-subscriber backpressure buffer. A slow SSE
// client can fall behind by this many events before the bus starts
// dropping its oldest undelivered event rather than blocking Publish.
const bufferSize = 256

// Subscribe registers a new subscription matching filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	sub := &subscriber{filter: filter, ch: make(chan Event, bufferSize)}
	b.subscribers[id] = sub

	return &Subscription{id: id, C: sub.ch, bus: b, filter: filter}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish assigns the event a sequence number and timestamp, then
// fans it out to every matching, non-closed subscriber.
func (b *Bus) Publish(e Event) {
	e.Seq = b.seq.Add(1)
	e.Timestamp = time.Now().UTC()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Buffer full: drop the oldest pending event to make room
			// rather than block the publisher or the whole bus.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
			if b.onError != nil {
				b.onError(&BackpressureError{RunID: e.RunID, Kind: e.Kind})
			}
			b.log.Warn("dropping event for slow subscriber", "kind", e.Kind, "run_id", e.RunID)
		}
	}
}

// Close shuts the bus down, closing every subscriber channel. Close is
// idempotent; calling it more than once is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// BackpressureError is passed to the onError hook when a subscriber's
// buffer overflowed and an event was dropped for it.
type BackpressureError struct {
	RunID string
	Kind  Kind
}

func (e *BackpressureError) Error() string {
	return "bus: dropped event " + string(e.Kind) + " for run " + e.RunID + ": subscriber backpressure"
}

// NewEventID returns a ULID suitable for correlating an event with a log line.
func NewEventID() string {
	return ulid.Make().String()
}
