package console

import (
	"testing"
	"time"

	"github.com/syncular/syncular/internal/storage"
)

func TestLiveBroadcasterDeliversToSubscribers(t *testing.T) {
	b := NewLiveBroadcaster()
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	b.PublishEvent(storage.RequestEvent{EventID: "evt-1"})

	select {
	case frame := <-ch:
		if frame.Event != "event" {
			t.Fatalf("expected event frame, got %q", frame.Event)
		}
		ev, ok := frame.Data.(storage.RequestEvent)
		if !ok || ev.EventID != "evt-1" {
			t.Fatalf("unexpected frame data: %#v", frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published frame")
	}
}

func TestLiveBroadcasterNilReceiverIsSafe(t *testing.T) {
	var b *LiveBroadcaster
	b.PublishEvent(storage.RequestEvent{EventID: "evt-1"})
	b.PublishOperation(storage.OperationAuditEvent{OperationID: "op-1"})
}

func TestLiveBroadcasterDropsOnFullSubscriberWithoutBlocking(t *testing.T) {
	b := NewLiveBroadcaster()
	ch := b.subscribe()
	defer b.unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.PublishOperation(storage.OperationAuditEvent{OperationID: "op"})
	}
}

func TestLiveBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLiveBroadcaster()
	ch := b.subscribe()
	b.unsubscribe(ch)

	b.PublishEvent(storage.RequestEvent{EventID: "evt-1"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
