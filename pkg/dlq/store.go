package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore reads and writes dlq_messages rows.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a DLQ store backed by the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const messageColumns = `id, original_subject, data, headers, error_count, created_at, resolved, resolved_at, resolution_notes`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var headers []byte
	if err := row.Scan(&m.ID, &m.OriginalSubject, &m.Data, &headers, &m.ErrorCount,
		&m.CreatedAt, &m.Resolved, &m.ResolvedAt, &m.ResolutionNotes); err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers: %w", err)
		}
	}
	return &m, nil
}

// Insert persists a dead-lettered message and returns its id.
func (s *PGStore) Insert(ctx context.Context, originalSubject string, data []byte, headers map[string]string, errorCount int) (int64, error) {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return 0, fmt.Errorf("encoding headers: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO dlq_messages (original_subject, data, headers, error_count)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		originalSubject, data, headerJSON, errorCount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting dlq message: %w", err)
	}
	return id, nil
}

// List returns messages matching the filter, newest first.
func (s *PGStore) List(ctx context.Context, f ListFilter) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM dlq_messages"
	args := []any{}
	if f.Resolved != nil {
		query += " WHERE resolved = $1"
		args = append(args, *f.Resolved)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing dlq messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, f.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dlq message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// Get returns a single message by id.
func (s *PGStore) Get(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		"SELECT "+messageColumns+" FROM dlq_messages WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting dlq message %d: %w", id, err)
	}
	return m, nil
}

// Resolve marks a message resolved with the given notes. Resolving an
// already-resolved message returns ErrAlreadyResolved.
func (s *PGStore) Resolve(ctx context.Context, id int64, notes string) (*Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE dlq_messages
		 SET resolved = TRUE, resolved_at = NOW(), resolution_notes = $2
		 WHERE id = $1 AND resolved = FALSE
		 RETURNING `+messageColumns,
		id, notes))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or already resolved; look it up to tell them apart.
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Resolved {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving dlq message %d: %w", id, err)
	}
	return m, nil
}
