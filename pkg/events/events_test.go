package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	if b.SubscriberCount() != 2 {
		t.Fatalf("subscriber count %d", b.SubscriberCount())
	}

	b.Warn(EventServiceFailed, "web exited", map[string]string{"service": "web"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			if ev.Type != EventServiceFailed {
				t.Fatalf("got type %s", ev.Type)
			}
			if ev.Severity != SeverityWarning {
				t.Fatalf("got severity %s", ev.Severity)
			}
			if ev.Timestamp.IsZero() {
				t.Fatal("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("event never delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// Broker not started: eventCh fills up and further publishes drop.
	for i := 0; i < 500; i++ {
		b.Publish(&Event{Type: EventPromptAssigned})
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained
	fast := b.Subscribe()

	// Overflow the slow subscriber's buffer.
	for i := 0; i < cap(slow)+20; i++ {
		b.Publish(&Event{Type: EventPromptCompleted, Message: "done"})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < cap(slow) {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, ok := <-sub; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count %d", b.SubscriberCount())
	}
}

func TestPublishDefaultsSeverity(t *testing.T) {
	b := NewBroker()
	ev := &Event{Type: EventNodeDown}
	b.Publish(ev)
	if ev.Severity != SeverityInfo {
		t.Fatalf("got %s", ev.Severity)
	}
}
