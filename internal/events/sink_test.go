package events

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSinkDeliversInOrderToEverySubscriber(t *testing.T) {
	sink := NewSink(0, newLogger())
	defer sink.Close()
	a := sink.Subscribe()
	b := sink.Subscribe()

	for i := 0; i < 100; i++ {
		sink.Publish(Event{SessionID: "s1", Seq: uint64(i + 1), Kind: KindPartial, Text: fmt.Sprint(i)})
	}
	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 100; i++ {
			ev := receive(t, sub)
			if ev.Seq != uint64(i+1) {
				t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
			}
			if ev.Time.IsZero() {
				t.Fatal("expected publish to stamp the event")
			}
		}
	}
}

func TestSinkNoReplay(t *testing.T) {
	sink := NewSink(0, newLogger())
	defer sink.Close()
	sink.Publish(Event{Kind: KindStarted})
	sub := sink.Subscribe()
	sink.Publish(Event{Kind: KindFinal, Text: "done"})
	if ev := receive(t, sub); ev.Kind != KindFinal {
		t.Fatalf("expected only events after subscription, got %v", ev.Kind)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	sink := NewSink(0, newLogger())
	defer sink.Close()
	sub := sink.Subscribe()
	sink.Publish(Event{Kind: KindStarted})
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Events():
		if ok {
			// a single in-flight event may still be handed over
			if _, ok := <-sub.Events(); ok {
				t.Fatal("expected channel to close after unsubscribe")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
	if sink.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", sink.Subscribers())
	}
	sink.Publish(Event{Kind: KindFinal})
}

func TestQueueLimitDropsOverflow(t *testing.T) {
	sink := NewSink(2, newLogger())
	defer sink.Close()
	sub := sink.Subscribe()
	// The pump holds at most one event outside the queue while blocked on
	// the unread channel.
	for i := 0; i < 10; i++ {
		sink.Publish(Event{Seq: uint64(i + 1), Kind: KindPartial})
	}
	if sub.Dropped() < 7 {
		t.Fatalf("expected overflow to be dropped, dropped=%d", sub.Dropped())
	}
	first := receive(t, sub)
	if first.Seq != 1 {
		t.Fatalf("expected oldest event first, got seq %d", first.Seq)
	}
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	sink := NewSink(0, newLogger())
	sub := sink.Subscribe()
	sink.Publish(Event{Kind: KindStarted})
	sink.Publish(Event{Kind: KindFinal})
	sink.Close()

	var kinds []Kind
	for ev := range sub.Events() {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != KindStarted || kinds[1] != KindFinal {
		t.Fatalf("unexpected drained events %v", kinds)
	}

	late := sink.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatal("subscription on a closed sink must be closed")
	}
}
