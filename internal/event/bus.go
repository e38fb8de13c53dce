package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultCapacity is the per-subscriber in-flight event bound.
const DefaultCapacity = 4096

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("event bus: subscriber closed")

// LaggedError tells a subscriber how many events were dropped because it
// could not keep pace. The subscriber must recover from the database (for
// gateway sessions: close with a reconnect hint) rather than expect replay.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("event bus: subscriber lagged, %d events dropped", e.Missed)
}

// Bus is the in-process publish/subscribe layer. Publish never blocks:
// each subscriber owns a bounded ring and slow subscribers lose their oldest
// entries, surfaced on their next Recv as a LaggedError.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	capacity int
	log      zerolog.Logger
}

// NewBus creates a bus. capacity <= 0 selects DefaultCapacity.
func NewBus(capacity int, log zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscriber]struct{}),
		capacity: capacity,
		log:      log,
	}
}

// Publish delivers ev to every current subscriber. With no subscribers the
// event is discarded. Events from one publisher arrive at each subscriber in
// publish order; no order is promised across publishers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	for sub := range b.subs {
		sub.push(ev)
	}
	b.mu.RUnlock()
}

// Subscribe registers a new independent subscriber whose stream starts now.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		bus:      b,
		capacity: b.capacity,
		wake:     make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscriber is one receiver's view of the bus. A subscriber that is dropped
// without Close leaks nothing beyond its ring until garbage collection, but
// well-behaved callers Close so the bus stops pushing to it.
type Subscriber struct {
	bus *Bus

	// capacity bounds the ring; the backing array grows on demand so an
	// idle subscriber costs almost nothing.
	capacity int

	mu      sync.Mutex
	ring    []Event
	dropped uint64
	closed  bool

	// wake has capacity one; push sends non-blocking so a publisher can
	// never stall on a sleeping receiver.
	wake chan struct{}
}

func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ring) >= s.capacity {
		// Overwrite-on-slow: discard the oldest entry and account for it.
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
		s.dropped++
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv blocks until an event is available, the subscriber lagged, the
// subscriber is closed, or ctx is done. After a LaggedError the retained
// backlog remains receivable.
func (s *Subscriber) Recv(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		if s.dropped > 0 {
			missed := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return Event{}, &LaggedError{Missed: missed}
		}
		if len(s.ring) > 0 {
			ev := s.ring[0]
			copy(s.ring, s.ring[1:])
			s.ring = s.ring[:len(s.ring)-1]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// TryRecv returns the next buffered event without blocking. ok is false when
// the ring is empty. Lag is still reported ahead of buffered events.
func (s *Subscriber) TryRecv() (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, false, ErrClosed
	}
	if s.dropped > 0 {
		missed := s.dropped
		s.dropped = 0
		return Event{}, false, &LaggedError{Missed: missed}
	}
	if len(s.ring) == 0 {
		return Event{}, false, nil
	}
	ev := s.ring[0]
	copy(s.ring, s.ring[1:])
	s.ring = s.ring[:len(s.ring)-1]
	return ev, true, nil
}

// Close detaches the subscriber from the bus and wakes any blocked Recv.
// Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ring = nil
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
