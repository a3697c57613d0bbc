package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event represents a single audit log entry to be written. Events are
// append-only: nothing in the system mutates a row once flushed.
type Event struct {
	PrincipalID  string
	Role         string
	Action       string // dotted name, e.g. "budget.commit"
	ResourceType string
	ResourceID   string
	Details      map[string]any
}

// Writer is an async, buffered audit log writer.
// Events are sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Event
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing events.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Event, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit events to the database
// and returns immediately. The goroutine exits, after flushing pending events,
// when the context is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending events to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit event for async writing. It never blocks the caller;
// if the buffer is full the event is dropped and a warning is logged.
func (w *Writer) Log(event Event) {
	select {
	case w.entries <- event:
	default:
		w.logger.Warn("audit log buffer full, dropping event",
			"action", event.Action, "resource_type", event.ResourceType)
	}
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-w.entries:
			if !ok {
				// Channel closed — flush remaining and exit.
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain any remaining events.
			for {
				select {
				case event, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of events to the database.
func (w *Writer) flush(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			w.logger.Error("marshalling audit details", "error", err, "action", e.Action)
			details = []byte("{}")
		}

		if _, err := w.pool.Exec(ctx,
			`INSERT INTO audit_log (user_id, role, action, resource_type, resource_id, details)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.PrincipalID, e.Role, e.Action, e.ResourceType, e.ResourceID, details,
		); err != nil {
			w.logger.Error("writing audit log event", "error", err,
				"action", e.Action, "resource_type", e.ResourceType)
		}
	}
}
