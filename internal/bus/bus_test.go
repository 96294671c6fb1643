package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("session")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionTurnStarted, SessionEvent{SessionID: "s1", TurnCount: 1})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicSessionTurnStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSessionTurnStarted)
		}
		payload, ok := event.Payload.(SessionEvent)
		if !ok {
			t.Fatalf("payload type = %T, want SessionEvent", event.Payload)
		}
		if payload.SessionID != "s1" {
			t.Fatalf("session id = %q, want s1", payload.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	runSub := b.Subscribe("workflow.")
	defer b.Unsubscribe(runSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicRunStarted, RunEvent{RunID: "r1"})
	b.Publish(TopicSessionOutput, SessionEvent{SessionID: "s1"})

	select {
	case event := <-runSub.Ch():
		if event.Topic != TopicRunStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicRunStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run event")
	}

	// runSub must not see session events.
	select {
	case event := <-runSub.Ch():
		t.Fatalf("unexpected event on runSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all-topics event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlockingDrop(t *testing.T) {
	b := New()
	sub := b.Subscribe("approval")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicApprovalRequested, ApprovalEvent{ApprovalID: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}
