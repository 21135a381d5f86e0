package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingTopic(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx, TopicAppStatus)
	defer sub.Close()

	b.Publish(Event{Topic: TopicAppStatus, Payload: "app-1"})
	b.Publish(Event{Topic: TopicHostPower, Payload: "host-1"})

	select {
	case ev := <-sub.Events:
		if ev.Topic != TopicAppStatus {
			t.Fatalf("got topic %q want %q", ev.Topic, TopicAppStatus)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx, TopicDNSInvalidate)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(Event{Topic: TopicDNSInvalidate, Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber channel")
	}
	if sub.Dropped() == 0 {
		t.Fatalf("expected some events to be dropped once the buffer filled")
	}
}

func TestSubscriptionClosesOnContextCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, TopicCertIssued)
	cancel()

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatalf("expected channel to be closed, got an event")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscription to close")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", got)
	}
}
