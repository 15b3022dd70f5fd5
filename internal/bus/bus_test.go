package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NamespaceQueue, 10)
	defer unsub()

	b.Publish(Event{Kind: ItemQueued, Timestamp: time.Now(), Payload: "q-1"})

	select {
	case evt := <-ch:
		if evt.Kind != ItemQueued {
			t.Errorf("got kind %q, want %s", evt.Kind, ItemQueued)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NamespaceSync, 10)
	defer unsub()

	b.Publish(Event{Kind: ItemSent})
	b.Publish(Event{Kind: SyncStarted})

	select {
	case evt := <-ch:
		if evt.Kind != SyncStarted {
			t.Errorf("got kind %q, want %s", evt.Kind, SyncStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The queue event must not leak into the sync subscription.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyNamespaceReceivesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Emit(ConnectivityChanged, true)
	b.Emit(MessageConfirmed, nil)

	for _, want := range []string{ConnectivityChanged, MessageConfirmed} {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("got %q, want %q", evt.Kind, want)
			}
			if evt.Timestamp.IsZero() {
				t.Error("Emit did not stamp the event")
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NamespaceQueue, 10)
	unsub()
	unsub() // second call is a no-op

	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after unsubscribe, want 0", n)
	}

	b.Publish(Event{Kind: ItemFailed})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Dropped, the buffer holds one event.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: ItemSent})
	b.Emit(ItemSent, nil)
}
