package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamPublisher is the durable (JetStream) publish surface.
// nats.JetStreamContext satisfies it.
type StreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// CorePublisher is the non-durable publish surface used for DLQ routing, so a
// broken stream cannot recursively fail its own dead-lettering.
// *nats.Conn satisfies it.
type CorePublisher interface {
	PublishMsg(m *nats.Msg) error
}

// SafePublisher publishes to the stream and routes failures to the DLQ
// before re-raising them to the caller.
type SafePublisher struct {
	js      StreamPublisher
	core    CorePublisher
	timeout time.Duration
	logger  *slog.Logger
}

// NewSafePublisher creates a SafePublisher with the given per-publish timeout.
func NewSafePublisher(js StreamPublisher, core CorePublisher, timeout time.Duration, logger *slog.Logger) *SafePublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SafePublisher{js: js, core: core, timeout: timeout, logger: logger}
}

// Publish attempts a durable publish. On timeout or failure the payload is
// forwarded to dlq.{subject} over the core connection with the failure
// recorded in headers, and the original error is returned.
func (p *SafePublisher) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.js.PublishMsg(msg, nats.Context(pubCtx))
	if err == nil {
		return nil
	}

	p.logger.Warn("stream publish failed, routing to DLQ",
		"subject", subject, "error", err)

	dlqMsg := nats.NewMsg(DLQPrefix + subject)
	dlqMsg.Data = payload
	for k, v := range headers {
		dlqMsg.Header.Set(k, v)
	}
	dlqMsg.Header.Set("original_subject", subject)
	dlqMsg.Header.Set("error", err.Error())
	dlqMsg.Header.Set("dlq_timestamp", time.Now().UTC().Format(time.RFC3339))

	if dlqErr := p.core.PublishMsg(dlqMsg); dlqErr != nil {
		p.logger.Error("DLQ routing failed, message lost",
			"subject", subject, "error", dlqErr)
	}

	return err
}
