package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishAfterCloseFails(t *testing.T) {
	b := New()
	b.Close()

	if ok := b.PublishEvent(context.Background(), Event{Type: EventInboundReceived}); ok {
		t.Fatal("expected publish to fail after close")
	}
}

func TestPublishOnCanceledContextFails(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := b.PublishEvent(ctx, Event{Type: EventInboundReceived}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}
}

func TestPublishStampsTime(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	events, unsubscribe := b.SubscribeEvents(context.Background(), 1)
	defer unsubscribe()

	b.PublishEvent(context.Background(), Event{Type: EventReplyDelivered, AccountID: "default"})

	select {
	case got := <-events:
		if got.At.IsZero() {
			t.Fatal("expected event time to be set")
		}
		if got.AccountID != "default" {
			t.Fatalf("account = %q, want %q", got.AccountID, "default")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event")
	}
}

func TestEnvelopeIsGroup(t *testing.T) {
	if (Envelope{ChatType: ChatDirect}).IsGroup() {
		t.Fatal("direct envelope reported as group")
	}
	if !(Envelope{ChatType: ChatGroup}).IsGroup() {
		t.Fatal("group envelope not reported as group")
	}
}

func TestEventFanout(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx := context.Background()
	eventsA, unsubA := b.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := b.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventInboundReceived, MessageID: "1"}
	if ok := b.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case got := <-eventsA:
		if got.Type != EventInboundReceived {
			t.Fatalf("event type = %q, want %q", got.Type, EventInboundReceived)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscriber A did not receive event")
	}

	select {
	case got := <-eventsB:
		if got.Type != EventInboundReceived {
			t.Fatalf("event type = %q, want %q", got.Type, EventInboundReceived)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscriber B did not receive event")
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx := context.Background()
	events, unsubscribe := b.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := b.PublishEvent(ctx, Event{Type: EventInboundReceived}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := b.PublishEvent(ctx, Event{Type: EventReplyDelivered}); !ok {
		t.Fatal("expected second event publish to succeed")
	}

	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx := context.Background()
	events, unsubscribe := b.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := b.PublishEvent(ctx, Event{Type: EventInboundReceived}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	b := New()

	ctx := context.Background()
	events, _ := b.SubscribeEvents(ctx, 1)
	b.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}
