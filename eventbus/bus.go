// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import "sync"

// DefaultCapacity is the per-subscriber channel depth used by Topic
// when none is given. A subscriber that falls more than this many
// events behind the publisher is considered lagged.
const DefaultCapacity = 256

// Topic is a single in-process broadcast stream of values of type T.
// Publish fans out to every current subscriber without blocking the
// publisher: a subscriber whose channel is full has its missed events
// collapsed into a single lagged envelope, sent ahead of the next value
// published once the channel has room, rather than having the publisher
// wait or the loss go unsignaled.
//
// Grounded on the non-blocking select/default fan-out used for tail
// subscribers, generalized from an implicit sequence-gap contract to
// an explicit lagged signal.
type Topic[T any] struct {
	mu          sync.RWMutex
	capacity    int
	subscribers map[*subscription[T]]struct{}
}

// NewTopic creates a Topic with the given per-subscriber buffer
// capacity. A capacity of 0 uses DefaultCapacity.
func NewTopic[T any](capacity int) *Topic[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Topic[T]{
		capacity:    capacity,
		subscribers: make(map[*subscription[T]]struct{}),
	}
}

// subscription is one subscriber's delivery state. lagMu serializes the
// lag bookkeeping against concurrent Publish calls; it is distinct from
// the Topic's mutex, which only guards the subscriber set.
type subscription[T any] struct {
	events chan Envelope[T]

	lagMu     sync.Mutex
	lagged    bool
	lostCount int
}

// Subscription is the subscriber-facing handle returned by Subscribe.
type Subscription[T any] struct {
	topic *Topic[T]
	sub   *subscription[T]
}

// Subscribe registers a new subscriber and returns a handle for
// receiving events. The caller must call Unsubscribe when done to stop
// leaking the subscriber's channel.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	sub := &subscription[T]{events: make(chan Envelope[T], t.capacity)}

	t.mu.Lock()
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()

	return &Subscription[T]{topic: t, sub: sub}
}

// Events returns the channel on which this subscriber receives
// envelopes. Closed when the subscription is unsubscribed.
func (s *Subscription[T]) Events() <-chan Envelope[T] {
	return s.sub.events
}

// Unsubscribe removes the subscription from its topic and closes its
// channel. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.topic.mu.Lock()
	if _, ok := s.topic.subscribers[s.sub]; ok {
		delete(s.topic.subscribers, s.sub)
		close(s.sub.events)
	}
	s.topic.mu.Unlock()
}

// Publish fans value out to every current subscriber. Delivery is
// non-blocking: a subscriber whose channel is full never stalls the
// publisher. Instead, the subscriber accumulates a lost-event count and
// receives a single lagged envelope carrying that count, ahead of value,
// on the first Publish that finds channel space free. The lag signal is
// not sent while no new value is published.
func (t *Topic[T]) Publish(value T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for sub := range t.subscribers {
		sub.deliver(value)
	}
}

// deliver attempts to hand value to the subscriber, first flushing any
// pending lagged signal. Holds lagMu across both send attempts so a
// concurrent Publish on the same subscriber can't interleave and lose
// track of the lost count.
func (s *subscription[T]) deliver(value T) {
	s.lagMu.Lock()
	defer s.lagMu.Unlock()

	if s.lagged {
		select {
		case s.events <- Envelope[T]{Lagged: true, LostCount: s.lostCount}:
			s.lagged = false
			s.lostCount = 0
		default:
			// Still no room even for the lag signal; keep accumulating.
			s.lostCount++
			return
		}
	}

	select {
	case s.events <- Envelope[T]{Value: value}:
	default:
		s.lagged = true
		s.lostCount++
	}
}

// SubscriberCount reports the number of currently registered
// subscribers. Intended for diagnostics and tests.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}
