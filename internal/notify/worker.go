package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"docengine/api/internal/metrics"
)

// HandleFunc processes one event for a downstream consumer.
type HandleFunc func(ctx context.Context, event Event) error

// Worker drains its own subscription in the background. A failing event is
// logged and counted; it never reaches the writer.
type Worker struct {
	name    string
	hub     *Hub
	handle  HandleFunc
	log     *zap.Logger
	timeout time.Duration
	sub     *Subscription
	wg      sync.WaitGroup
}

func NewWorker(hub *Hub, name string, handle HandleFunc, logger *zap.Logger, timeout time.Duration) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Worker{
		name:    name,
		hub:     hub,
		handle:  handle,
		log:     logger.With(zap.String("consumer", name)),
		timeout: timeout,
	}
}

// Start subscribes and begins the delivery loop. Events published before
// Start are not seen.
func (w *Worker) Start() {
	w.sub = w.hub.Subscribe(w.name)
	w.wg.Add(1)
	go w.run()
	w.log.Info("consumer started")
}

// Stop cancels the subscription and waits for the in-flight event.
func (w *Worker) Stop() {
	if w.sub == nil {
		return
	}
	w.sub.Cancel()
	w.wg.Wait()
	w.log.Info("consumer stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()
	for event := range w.sub.C() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.handle(ctx, event)
		cancel()
		if err != nil {
			metrics.ConsumerErrorsTotal.WithLabelValues(w.name).Inc()
			w.log.Error("consumer failed to handle event",
				zap.Uint64("seq", event.Seq),
				zap.String("id", event.Doc.ID()),
				zap.Error(err))
		}
	}
}
