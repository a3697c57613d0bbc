package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUserNotFound is returned when no active user matches a username.
var ErrUserNotFound = errors.New("user not found")

// User is a credential record from the users table.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// UserStore looks up credential records. The pgx implementation is the only
// production one; tests substitute fakes.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*User, error)
}

// PGUserStore reads users from Postgres.
type PGUserStore struct {
	pool *pgxpool.Pool
}

// NewPGUserStore creates a user store backed by the given pool.
func NewPGUserStore(pool *pgxpool.Pool) *PGUserStore {
	return &PGUserStore{pool: pool}
}

// GetUser returns the active user with the given (already normalised) username.
func (s *PGUserStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		"SELECT username, password_hash, role FROM users WHERE username = $1 AND is_active = true",
		username,
	).Scan(&u.Username, &u.PasswordHash, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", username, err)
	}
	return &u, nil
}
