package snapshot

import (
	"sync"
	"testing"
	"time"
)

func TestUnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(1)
	updates, unsub := n.Subscribe()

	unsub()

	select {
	case _, ok := <-updates:
		if ok {
			t.Error("Expected channel to be closed after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for channel close")
	}
	if n.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers, got %d", n.Subscribers())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	n := NewNotifier(1)
	_, unsub := n.Subscribe()
	unsub()
	unsub()
}

func TestPublishNonBlocking(t *testing.T) {
	n := NewNotifier(1)
	_, unsub := n.Subscribe()
	defer unsub()

	n.Publish(Event{Kind: EventFlagUpdated, Key: "a"})

	done := make(chan struct{})
	go func() {
		n.Publish(Event{Kind: EventFlagUpdated, Key: "b"})
		n.Publish(Event{Kind: EventFlagUpdated, Key: "c"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Publish blocked on slow subscriber")
	}
}

func TestMultipleSubscribersReceiveEvents(t *testing.T) {
	n := NewNotifier(4)
	const numSubscribers = 5
	var chans []<-chan Event
	for i := 0; i < numSubscribers; i++ {
		ch, unsub := n.Subscribe()
		defer unsub()
		chans = append(chans, ch)
	}

	want := Event{Kind: EventFlagUpdated, Env: "prod", Key: "checkout", Version: 7, ETag: `W/"1"`}
	n.Publish(want)

	for i, ch := range chans {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("subscriber %d: got %+v, want %+v", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestSubscriberReceivesOnlyAfterSubscription(t *testing.T) {
	n := NewNotifier(4)
	n.Publish(Event{Key: "before"})

	updates, unsub := n.Subscribe()
	defer unsub()
	n.Publish(Event{Key: "after"})

	select {
	case ev := <-updates:
		if ev.Key != "after" {
			t.Errorf("expected the post-subscription event, got %q", ev.Key)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	select {
	case ev := <-updates:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	n := NewNotifier(1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			updates, unsub := n.Subscribe()
			time.Sleep(time.Millisecond)
			unsub()
			for range updates {
			}
		}()
		go func() {
			defer wg.Done()
			n.Publish(Event{Kind: EventSegmentUpdated})
		}()
	}
	wg.Wait()
	if n.Subscribers() != 0 {
		t.Errorf("leaked subscribers: %d", n.Subscribers())
	}
}
