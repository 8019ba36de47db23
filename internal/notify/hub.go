// Package notify fans change events out to independent subscribers. Every
// subscriber owns an unbounded FIFO queue drained by its own goroutine, so a
// slow or cancelled subscriber never holds up the writer or its peers.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"docengine/api/internal/store"
)

// Event is one emitted record. Seq is assigned by the hub and increases
// across all publishes. Doc is shared by every subscriber and must be
// treated as read-only.
type Event struct {
	Seq uint64
	Doc store.Doc
}

// IsChange reports whether the event carries a Change record rather than the
// written document.
func (e Event) IsChange() bool {
	return e.Doc.Type() == store.DocTypeChange
}

type Handler func(Event)

type Hub struct {
	logger *zap.Logger

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
	wg     sync.WaitGroup
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, subs: make(map[uint64]*Subscription)}
}

// On registers handler and starts delivering every subsequent event to it.
func (h *Hub) On(name string, handler Handler) *Subscription {
	return h.add(name, handler, nil)
}

// Subscribe returns a subscription whose events arrive on C(). The channel is
// closed once the subscription is cancelled.
func (h *Hub) Subscribe(name string) *Subscription {
	return h.add(name, nil, make(chan Event))
}

func (h *Hub) add(name string, handler Handler, out chan Event) *Subscription {
	sub := &Subscription{
		hub:     h,
		name:    name,
		handler: handler,
		out:     out,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
		if out != nil {
			close(out)
		}
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	go sub.run()
	return sub
}

// Publish enqueues events to every current subscriber as one batch: no other
// publish interleaves with them. Events carry copies of docs. It returns the
// assigned events.
func (h *Hub) Publish(docs ...store.Doc) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(docs) == 0 {
		return nil
	}
	events := make([]Event, len(docs))
	for i, doc := range docs {
		h.seq++
		events[i] = Event{Seq: h.seq, Doc: doc.Clone()}
	}
	for _, sub := range h.subs {
		sub.enqueue(events)
	}
	return events
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close cancels every subscription and waits for delivery goroutines to
// return. It must not be called from inside a handler.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	h.wg.Wait()
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

type Subscription struct {
	hub     *Hub
	id      uint64
	name    string
	handler Handler
	out     chan Event

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Name() string {
	return s.name
}

// C is nil for handler subscriptions.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops delivery. It is idempotent and safe to call from the
// subscription's own handler; the event being handled completes.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s.id)
	})
}

func (s *Subscription) enqueue(events []Event) {
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) take() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *Subscription) run() {
	defer s.hub.wg.Done()
	if s.out != nil {
		defer close(s.out)
	}
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for _, event := range s.take() {
			if !s.deliver(event) {
				return
			}
		}
	}
}

func (s *Subscription) deliver(event Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	if s.out != nil {
		select {
		case s.out <- event:
			return true
		case <-s.done:
			return false
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.hub.logger.Error("notify handler panicked",
				zap.String("subscriber", s.name),
				zap.Uint64("seq", event.Seq),
				zap.Any("panic", r))
		}
	}()
	s.handler(event)
	return true
}
