package dlq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wisbric/taskowl/pkg/messaging"
)

const (
	fetchBatch   = 10
	fetchWait    = 5 * time.Second
	idleSleep    = 1 * time.Second
	errorBackoff = 5 * time.Second
)

// Fetcher pulls message batches from the DLQ consumer.
// *nats.Subscription satisfies it.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Worker drains the DLQ stream, persisting each message as a durable record
// and raising critical alerts for failed escalations.
type Worker struct {
	sub      Fetcher
	store    Store
	notifier *messaging.AlertNotifier
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewWorker creates a DLQ worker.
func NewWorker(sub Fetcher, store Store, notifier *messaging.AlertNotifier, logger *slog.Logger) *Worker {
	return &Worker{
		sub:      sub,
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Start launches the drain loop. It runs until Stop is called or the context
// is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop signals the drain loop to exit and waits for it.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	done := w.done
	w.mu.Unlock()

	<-done
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("DLQ worker started")

	for w.isRunning() && ctx.Err() == nil {
		msgs, err := w.sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				sleep(ctx, idleSleep)
				continue
			}
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("DLQ fetch failed, backing off", "error", err)
			sleep(ctx, errorBackoff)
			continue
		}

		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}

	w.logger.Info("DLQ worker stopped")
}

// handle persists one dead-lettered message and acks it.
func (w *Worker) handle(ctx context.Context, msg *nats.Msg) {
	originalSubject := msg.Header.Get("original_subject")
	if originalSubject == "" {
		originalSubject = strings.TrimPrefix(msg.Subject, messaging.DLQPrefix)
	}

	attempts := 1
	if meta, err := msg.Metadata(); err == nil {
		attempts = int(meta.NumDelivered)
	}

	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}

	id, err := w.store.Insert(ctx, originalSubject, msg.Data, headers, attempts)
	if err != nil {
		// Leave unacked so the message is redelivered.
		w.logger.Error("persisting dlq message", "error", err, "subject", msg.Subject)
		return
	}

	if err := msg.Ack(); err != nil {
		w.logger.Warn("acking dlq message", "error", err, "id", id)
	}

	w.logger.Info("dead-lettered message persisted",
		"id", id, "original_subject", originalSubject, "attempts", attempts)

	if strings.Contains(originalSubject, "escalation") {
		w.notifier.Critical(ctx, "dlq-worker", originalSubject, msg.Data)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
