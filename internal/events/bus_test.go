package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSubscribe_ReceivesPublishedEvents(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(4)
	defer cancel()

	bus.PublishNamed(Syncing, nil)
	bus.PublishNamed(NoteSynced, map[string]string{"noteId": "n1"})

	ev := <-sub
	if ev.Name != Syncing {
		t.Errorf("first event = %q, want %q", ev.Name, Syncing)
	}
	if ev.At.IsZero() {
		t.Error("event timestamp should be set")
	}

	ev = <-sub
	if ev.Name != NoteSynced {
		t.Errorf("second event = %q, want %q", ev.Name, NoteSynced)
	}
	var detail map[string]string
	if err := json.Unmarshal(ev.Detail, &detail); err != nil {
		t.Fatalf("detail unmarshal error = %v", err)
	}
	if detail["noteId"] != "n1" {
		t.Errorf("detail noteId = %q, want n1", detail["noteId"])
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(1)
	defer cancelA()
	b, cancelB := bus.Subscribe(1)
	defer cancelB()

	bus.PublishNamed(Synced, nil)

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Name != Synced {
				t.Errorf("subscriber %s got %q, want %q", name, ev.Name, Synced)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s never received the event", name)
		}
	}
}

func TestPublish_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(1)
	defer cancel()

	// Fill the buffer, then publish more. The extra publishes must return
	// immediately and drop for this subscriber.
	bus.PublishNamed(Syncing, nil)
	done := make(chan struct{})
	go func() {
		bus.PublishNamed(Synced, nil)
		bus.PublishNamed(SyncError, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	ev := <-sub
	if ev.Name != Syncing {
		t.Errorf("buffered event = %q, want %q", ev.Name, Syncing)
	}
}

func TestCancel_RemovesSubscription(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)

	if got := bus.Subscribers(); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1", got)
	}

	cancel()
	cancel() // Safe to call twice

	if got := bus.Subscribers(); got != 0 {
		t.Errorf("Subscribers() after cancel = %d, want 0", got)
	}
}

func TestClose_ClosesChannelsAndToleratesLateCancel(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(1)

	bus.Close()

	if _, ok := <-sub; ok {
		t.Error("subscriber channel should be closed after bus Close")
	}
	cancel() // Must not panic on the already-closed channel

	// Publish after Close is a no-op.
	bus.PublishNamed(Syncing, nil)
	if got := bus.Subscribers(); got != 0 {
		t.Errorf("Subscribers() after close = %d, want 0", got)
	}
}
