// Package dlq persists dead-lettered messages and exposes the operator
// endpoints for inspecting and resolving them.
package dlq

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no DLQ message matches the given id.
var ErrNotFound = errors.New("dlq message not found")

// ErrAlreadyResolved is returned when resolving a message twice.
var ErrAlreadyResolved = errors.New("dlq message already resolved")

// Message is a durable dead-letter record. Created by the worker; only the
// resolve operation mutates it.
type Message struct {
	ID              int64             `json:"id"`
	OriginalSubject string            `json:"original_subject"`
	Data            []byte            `json:"data"`
	Headers         map[string]string `json:"headers"`
	ErrorCount      int               `json:"error_count"`
	CreatedAt       time.Time         `json:"created_at"`
	Resolved        bool              `json:"resolved"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes *string           `json:"resolution_notes,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Resolved *bool
	Limit    int
	Offset   int
}

// Store is the persistence surface for DLQ messages. PGStore is the
// production implementation; tests substitute fakes.
type Store interface {
	Insert(ctx context.Context, originalSubject string, data []byte, headers map[string]string, errorCount int) (int64, error)
	List(ctx context.Context, f ListFilter) ([]Message, error)
	Get(ctx context.Context, id int64) (*Message, error)
	Resolve(ctx context.Context, id int64, notes string) (*Message, error)
}
