package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	Publish(b, "dispatch.sent", 42)
	select {
	case e := <-ch:
		if e.Type != "dispatch.sent" || e.Data != 42 {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Family() != "dispatch" {
			t.Fatalf("Family = %q", e.Family())
		}
		if e.Time.IsZero() {
			t.Fatal("time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	if len(ch) != 1 {
		t.Fatalf("buffer len = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesAndPublishIsSafe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
	Publish(nil, "nil-bus", nil)
}
