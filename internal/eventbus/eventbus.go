// Package eventbus provides an in-process publish/subscribe registry with
// bounded event history, used to fan out device, account, run, and queue
// lifecycle events to administrative observers (SSE replay, logging, metrics).
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-benchfabric/master/internal/logging"
)

// Kind identifies an event category.
type Kind string

const (
	KindSUTOnline          Kind = "sut_online"
	KindSUTOffline         Kind = "sut_offline"
	KindSUTPaired          Kind = "sut_paired"
	KindSUTUnpaired        Kind = "sut_unpaired"
	KindAccountAcquired    Kind = "account_acquired"
	KindAccountReleased    Kind = "account_released"
	KindRunStarted         Kind = "run_started"
	KindRunEnded           Kind = "run_ended"
	KindIterationStarted   Kind = "iteration_started"
	KindIterationEnded     Kind = "iteration_ended"
	KindStepStarted        Kind = "step_started"
	KindStepEnded          Kind = "step_ended"
	KindServiceCallStarted Kind = "service_call_started"
	KindServiceCallDone    Kind = "service_call_completed"
	KindServiceCallFailed  Kind = "service_call_failed"
	KindCampaignStatus     Kind = "campaign_status"
	KindQueueJob           Kind = "queue_job"
)

// Event is one bounded-history entry.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   interface{}
}

// Handler receives emitted events. A panic inside a handler is recovered and
// logged; it never reaches the emitter or other subscribers.
type Handler func(Event)

const defaultRingSize = 1000

// Bus is a typed pub/sub registry with a bounded replay ring.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Kind][]*subscription
	ring        []Event
	ringHead    int
	ringLen     int
	ringSize    int
	logger      *logging.Logger
	nextID      uint64
}

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// New creates a Bus with the default ring size (1000).
func New(logger *logging.Logger) *Bus {
	return NewWithRingSize(logger, defaultRingSize)
}

// NewWithRingSize creates a Bus with a custom ring size (minimum 1000 per
// the replay-endpoint contract; smaller values are clamped up).
func NewWithRingSize(logger *logging.Logger, ringSize int) *Bus {
	if ringSize < defaultRingSize {
		ringSize = defaultRingSize
	}
	return &Bus{
		subscribers: make(map[Kind][]*subscription),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
		logger:      logger,
	}
}

// Subscribe registers handler for kind and returns an unsubscribe func.
func (b *Bus) Subscribe(kind Kind, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, kind: kind, handler: handler}
	b.subscribers[kind] = append(b.subscribers[kind], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[kind]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit appends the event to the ring and invokes every handler registered
// for kind. The lock is held only to snapshot subscribers and the ring;
// handlers run unlocked so a slow or panicking handler cannot stall the
// emitter or other subscribers.
func (b *Bus) Emit(kind Kind, payload interface{}) {
	event := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	b.ring[(b.ringHead+b.ringLen)%b.ringSize] = event
	if b.ringLen < b.ringSize {
		b.ringLen++
	} else {
		b.ringHead = (b.ringHead + 1) % b.ringSize
	}
	handlers := make([]Handler, 0, len(b.subscribers[kind]))
	for _, sub := range b.subscribers[kind] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, event)
	}
}

func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error(context.Background(), "event bus handler panicked", nil, map[string]interface{}{
				"kind":  string(event.Kind),
				"panic": r,
			})
		}
	}()
	h(event)
}

// Recent returns up to n most-recently-emitted events across all kinds, in
// emission order (oldest of the returned slice first).
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.ringLen {
		n = b.ringLen
	}
	out := make([]Event, n)
	start := b.ringLen - n
	for i := 0; i < n; i++ {
		out[i] = b.ring[(b.ringHead+start+i)%b.ringSize]
	}
	return out
}
