// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"testing"
	"time"

	"github.com/zeroclaw/cp/lib/testutil"
)

func TestTopic_DeliversInOrder(t *testing.T) {
	topic := NewTopic[int](DefaultCapacity)
	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		topic.Publish(i)
	}

	for want := 0; want < 5; want++ {
		envelope := testutil.RequireReceive(t, sub.Events(), time.Second, "event %d", want)
		if envelope.Lagged {
			t.Fatalf("unexpected lag signal before any overflow")
		}
		if envelope.Value != want {
			t.Fatalf("event %d: got %d, want %d", want, envelope.Value, want)
		}
	}
}

// TestTopic_LagLaw proves the bus's central invariant: a subscriber
// that falls behind by more than the topic's capacity receives exactly
// one lagged signal, carrying the number of events it missed, before
// normal delivery resumes.
func TestTopic_LagLaw(t *testing.T) {
	const capacity = 8
	topic := NewTopic[int](capacity)
	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	// Publish enough events to fill the subscriber's channel and push
	// it well past capacity without ever draining it.
	const overflow = 5
	total := capacity + overflow
	for i := 0; i < total; i++ {
		topic.Publish(i)
	}

	// The channel holds `capacity` real events; nothing has been
	// delivered yet, so draining it must reproduce events 0..capacity-1
	// exactly, followed by a single lagged signal reporting the
	// overflow count, followed by normal delivery resuming.
	for want := 0; want < capacity; want++ {
		envelope := testutil.RequireReceive(t, sub.Events(), time.Second, "buffered event %d", want)
		if envelope.Lagged {
			t.Fatalf("event %d: unexpected lag signal, channel should not have overflowed yet", want)
		}
		if envelope.Value != want {
			t.Fatalf("buffered event %d: got %d, want %d", want, envelope.Value, want)
		}
	}

	// The pending lag signal is flushed by the next Publish, ahead of
	// that event. Normal delivery then resumes: the event arrives as a
	// plain, non-lagged envelope, and no second lag signal is sent.
	topic.Publish(total)

	lagEnvelope := testutil.RequireReceive(t, sub.Events(), time.Second, "lagged signal")
	if !lagEnvelope.Lagged {
		t.Fatal("expected a lagged signal after overflow")
	}
	if lagEnvelope.LostCount != overflow {
		t.Fatalf("LostCount = %d, want %d", lagEnvelope.LostCount, overflow)
	}

	resumed := testutil.RequireReceive(t, sub.Events(), time.Second, "resumed delivery")
	if resumed.Lagged {
		t.Fatal("expected normal delivery to resume after exactly one lagged signal")
	}
	if resumed.Value != total {
		t.Fatalf("resumed event: got %d, want %d", resumed.Value, total)
	}
}

func TestTopic_UnsubscribeClosesChannel(t *testing.T) {
	topic := NewTopic[int](DefaultCapacity)
	sub := topic.Subscribe()

	if topic.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", topic.SubscriberCount())
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if topic.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount after unsubscribe = %d, want 0", topic.SubscriberCount())
	}

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}

	// Publishing after every subscriber has gone must not panic.
	topic.Publish(1)
}

func TestTopic_MultipleSubscribersIndependentLag(t *testing.T) {
	topic := NewTopic[int](2)
	fast := topic.Subscribe()
	slow := topic.Subscribe()
	defer fast.Unsubscribe()
	defer slow.Unsubscribe()

	// fast drains after every publish and so never overflows; slow is
	// never drained and overflows once its 2-slot buffer fills.
	for i := 1; i <= 4; i++ {
		topic.Publish(i)
		envelope := testutil.RequireReceive(t, fast.Events(), time.Second, "fast event %d", i)
		if envelope.Lagged || envelope.Value != i {
			t.Fatalf("fast subscriber unexpectedly lagged or wrong value: %+v", envelope)
		}
	}

	slowFirst := testutil.RequireReceive(t, slow.Events(), time.Second, "slow event 1")
	if slowFirst.Lagged || slowFirst.Value != 1 {
		t.Fatalf("slow subscriber first event: got %+v, want value 1", slowFirst)
	}
	slowSecond := testutil.RequireReceive(t, slow.Events(), time.Second, "slow event 2")
	if slowSecond.Lagged || slowSecond.Value != 2 {
		t.Fatalf("slow subscriber second event: got %+v, want value 2", slowSecond)
	}

	// The lagged signal itself is only enqueued on the next delivery
	// attempt, once draining has freed buffer space for it.
	topic.Publish(5)
	slowLag := testutil.RequireReceive(t, slow.Events(), time.Second, "slow lagged signal")
	if !slowLag.Lagged || slowLag.LostCount != 2 {
		t.Fatalf("slow subscriber lag: got %+v, want Lagged=true LostCount=2", slowLag)
	}
}
