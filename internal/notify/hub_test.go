package notify

import (
	"sync"
	"testing"
	"time"

	"docengine/api/internal/store"
)

func doc(id string) store.Doc {
	return store.Doc{store.FieldID: id, store.FieldType: "post"}
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, event)
		case <-timeout:
			t.Fatalf("received %d of %d events before timeout", len(out), n)
		}
	}
	return out
}

func TestEverySubscriberGetsEveryEventInOrder(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	a := hub.Subscribe("a")
	b := hub.Subscribe("b")

	hub.Publish(doc("1"), doc("2"))
	hub.Publish(doc("3"))

	for _, sub := range []*Subscription{a, b} {
		events := collect(t, sub.C(), 3)
		for i, want := range []string{"1", "2", "3"} {
			if events[i].Doc.ID() != want || events[i].Seq != uint64(i+1) {
				t.Fatalf("%s event %d = %+v, want id %s seq %d", sub.Name(), i, events[i], want, i+1)
			}
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublisherOrPeers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	release := make(chan struct{})
	hub.On("slow", func(Event) { <-release })
	fast := hub.Subscribe("fast")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(doc("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked behind slow subscriber")
	}
	collect(t, fast.C(), 100)
	close(release)
}

func TestCancelFromInsideHandler(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	var (
		mu   sync.Mutex
		seen []string
		self *Subscription
	)
	ready := make(chan struct{})
	self = hub.On("once", func(event Event) {
		<-ready
		mu.Lock()
		seen = append(seen, event.Doc.ID())
		mu.Unlock()
		self.Cancel()
		self.Cancel()
	})
	close(ready)
	other := hub.Subscribe("other")

	hub.Publish(doc("1"), doc("2"))
	hub.Publish(doc("3"))

	events := collect(t, other.C(), 3)
	if events[2].Doc.ID() != "3" {
		t.Fatalf("other subscriber missed events: %+v", events)
	}

	select {
	case <-self.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription was not cancelled")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "1" {
		t.Fatalf("cancelled handler saw %v, want only [1]", seen)
	}
	if hub.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", hub.Len())
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	got := make(chan string, 2)
	hub.On("flaky", func(event Event) {
		if event.Doc.ID() == "1" {
			panic("boom")
		}
		got <- event.Doc.ID()
	})
	hub.Publish(doc("1"), doc("2"))

	select {
	case id := <-got:
		if id != "2" {
			t.Fatalf("got %s, want 2", id)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery stopped after panic")
	}
}

func TestCloseClosesChannels(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("a")
	hub.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("received event after close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	if events := hub.Publish(doc("1")); events != nil {
		t.Fatalf("Publish() after Close = %v, want nil", events)
	}
	late := hub.Subscribe("late")
	if _, ok := <-late.C(); ok {
		t.Fatal("late subscription channel open on closed hub")
	}
}

func TestIsChange(t *testing.T) {
	if (Event{Doc: doc("x")}).IsChange() {
		t.Fatal("post reported as change")
	}
	if !(Event{Doc: store.Doc{store.FieldType: "change"}}).IsChange() {
		t.Fatal("change record not reported as change")
	}
}
