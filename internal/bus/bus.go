// Package bus provides the process-wide broadcast channel that carries
// supervisor transitions, discovery events, and periodic telemetry to every
// live subscriber.
//
// The bus is a bounded ring of 256 entries. Publishing never blocks: each
// subscriber holds an independent cursor into the ring, and a subscriber that
// falls more than a ring behind receives ErrLagged on its next read and is
// fast-forwarded to the oldest retained entry. Closing the bus ends every
// subscriber with ErrClosed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const ringSize = 256

// ErrClosed is returned by Recv after the bus has been closed and the
// subscriber has drained all retained events.
var ErrClosed = errors.New("bus closed")

// LagError reports that the subscriber fell behind and Skipped events were
// dropped. The subscriber should continue reading.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events skipped", e.Skipped)
}

// Bus is a multi-producer broadcast ring.
type Bus struct {
	mu     sync.Mutex
	ring   [ringSize]Event
	next   uint64 // sequence number of the next write
	closed bool
	subs   map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish appends an event to the ring and wakes every subscriber. It never
// blocks; the oldest entry is overwritten once the ring is full.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring[b.next%ringSize] = e
	b.next++
	for sub := range b.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscriber positioned after the newest event.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		bus:    b,
		cursor: b.next,
		notify: make(chan struct{}, 1),
	}
	if !b.closed {
		b.subs[sub] = struct{}{}
	}
	return sub
}

// Close terminates the bus. Subscribers drain what the ring still holds and
// then receive ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for sub := range b.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscription is one reader's cursor into the ring.
type Subscription struct {
	bus    *Bus
	cursor uint64
	notify chan struct{}
}

// Recv returns the next event in publication order. It returns *LagError when
// the subscriber has been overtaken (the cursor is fast-forwarded so the next
// call resumes at the oldest retained event), and ErrClosed once the bus is
// closed and drained. Recv blocks until an event is available or ctx ends.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		s.bus.mu.Lock()
		oldest := uint64(0)
		if s.bus.next > ringSize {
			oldest = s.bus.next - ringSize
		}
		switch {
		case s.cursor < oldest:
			skipped := oldest - s.cursor
			s.cursor = oldest
			s.bus.mu.Unlock()
			return nil, &LagError{Skipped: skipped}
		case s.cursor < s.bus.next:
			e := s.bus.ring[s.cursor%ringSize]
			s.cursor++
			s.bus.mu.Unlock()
			return e, nil
		case s.bus.closed:
			s.bus.mu.Unlock()
			return nil, ErrClosed
		}
		s.bus.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close drops the subscription, freeing its slot on the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}
