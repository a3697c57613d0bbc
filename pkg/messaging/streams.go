// Package messaging owns the JetStream topology and the safe-publish path
// that routes failed publishes to the dead-letter queue.
package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Stream and subject layout.
const (
	TasksStream       = "TASKS"
	EscalationsStream = "ESCALATIONS"
	DLQStream         = "DLQ"

	TasksSubjects       = "tasks.>"
	EscalationsSubjects = "escalations.>"
	DLQSubjects         = "dlq.>"

	// DLQPrefix is prepended to the original subject when routing a failed
	// message to the dead-letter queue.
	DLQPrefix = "dlq."

	// AlertsCriticalSubject receives critical alerts raised by the DLQ worker.
	AlertsCriticalSubject = "alerts.critical"
)

// Consumer defaults shared by primary consumers.
const (
	ConsumerAckWait    = 30 * time.Second
	ConsumerMaxDeliver = 5
)

// EnsureStreams creates the streams the control plane relies on. Existing
// streams are left untouched.
func EnsureStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:       TasksStream,
			Subjects:   []string{TasksSubjects},
			Retention:  nats.LimitsPolicy,
			MaxAge:     24 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:       EscalationsStream,
			Subjects:   []string{EscalationsSubjects},
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:      DLQStream,
			Subjects:  []string{DLQSubjects},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
		},
	}

	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil {
			if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				continue
			}
			return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
		}
	}

	return nil
}

// NewDLQPullSubscription creates the durable pull consumer the DLQ worker
// drains. Explicit ack with a 30s ack-wait; a message delivered
// ConsumerMaxDeliver times without an ack is not delivered again and stays
// in the stream until an operator intervenes.
func NewDLQPullSubscription(js nats.JetStreamContext) (*nats.Subscription, error) {
	sub, err := js.PullSubscribe(DLQSubjects, "dlq-worker",
		nats.BindStream(DLQStream),
		nats.AckExplicit(),
		nats.AckWait(ConsumerAckWait),
		nats.MaxDeliver(ConsumerMaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("creating DLQ pull subscription: %w", err)
	}
	return sub, nil
}
