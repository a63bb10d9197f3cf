package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSessionSubscribers(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("exec_1")
	other := pub.Subscribe("exec_2")

	pub.Publish(Event{Type: EventTaskStatus, SessionID: "exec_1", TaskID: "t1", Status: "in_progress"})

	select {
	case ev := <-ch:
		if ev.TaskID != "t1" || ev.Status != "in_progress" {
			t.Errorf("wrong event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case ev := <-other:
		t.Errorf("unrelated subscriber received event: %+v", ev)
	default:
	}
}

func TestGlobalSubscriberReceivesAll(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	global := pub.Subscribe(GlobalSessionID)
	pub.Publish(Event{Type: EventSessionStatus, SessionID: "exec_1", Status: "executing"})
	pub.Publish(Event{Type: EventSessionStatus, SessionID: "exec_2", Status: "complete"})

	for i := 0; i < 2; i++ {
		select {
		case <-global:
		case <-time.After(time.Second):
			t.Fatalf("global subscriber missed event %d", i)
		}
	}
}

func TestPublishNonBlockingWhenBufferFull(t *testing.T) {
	pub := NewMemoryPublisher(WithBufferSize(1))
	defer pub.Close()

	pub.Subscribe("exec_1")
	// Two publishes against a buffer of one must not block.
	done := make(chan struct{})
	go func() {
		pub.Publish(Event{SessionID: "exec_1"})
		pub.Publish(Event{SessionID: "exec_1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("exec_1")
	pub.Unsubscribe("exec_1", ch)

	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	if n := pub.SubscriberCount("exec_1"); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestCloseClosesAllChannels(t *testing.T) {
	pub := NewMemoryPublisher()
	a := pub.Subscribe("exec_1")
	b := pub.Subscribe(GlobalSessionID)
	pub.Close()

	if _, ok := <-a; ok {
		t.Error("session channel not closed")
	}
	if _, ok := <-b; ok {
		t.Error("global channel not closed")
	}

	// Publish after close is a no-op.
	pub.Publish(Event{SessionID: "exec_1"})
}
