package events

import (
	"fmt"
	"testing"
	"time"
)

func TestBrokerReplayBufferBounded(t *testing.T) {
	b := NewBroker(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeClaimed, TaskID: fmt.Sprintf("t-%d", i)})
	}
	_, cancel, recent := b.Subscribe()
	defer cancel()
	if len(recent) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(recent))
	}
	if recent[0].TaskID != "t-2" || recent[2].TaskID != "t-4" {
		t.Fatalf("unexpected buffer order: %+v", recent)
	}
	if recent[0].Level != "info" || recent[0].Timestamp.IsZero() {
		t.Fatalf("expected defaults to be filled: %+v", recent[0])
	}
}

func TestBrokerSubscribe(t *testing.T) {
	b := NewBroker(10)
	b.Publish(Event{Type: TypeClaimed, TaskID: "before"})

	ch, cancel, snapshot := b.Subscribe()
	defer cancel()
	if len(snapshot) != 1 || snapshot[0].TaskID != "before" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	b.Publish(Event{Type: TypeCompleted, TaskID: "after"})
	select {
	case ev := <-ch:
		if ev.TaskID != "after" || ev.Type != TypeCompleted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	cancel()
	b.Publish(Event{Type: TypeFailed, TaskID: "ignored"})
	select {
	case ev := <-ch:
		t.Fatalf("cancelled subscriber received %+v", ev)
	default:
	}
}

func TestBrokerNilSafe(t *testing.T) {
	var b *Broker
	b.Publish(Event{Type: TypeClaimed})
	ch, cancel, snapshot := b.Subscribe()
	cancel()
	if ch != nil || snapshot != nil {
		t.Fatal("expected nil broker to be inert")
	}
}
