package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})

	select {
	case e := <-ch:
		if e.Source != SourceAgent || e.Kind != KindTurnStart {
			t.Errorf("event = %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPublishNilBusNoop(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceDispatch, Kind: KindToolCall})
	if b.SubscriberCount() != 0 {
		t.Error("nil bus reports subscribers")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Source: SourceAgent, Kind: KindModelCall})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // no-op, must not panic

	if b.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d, want 0", b.SubscriberCount())
	}
}
