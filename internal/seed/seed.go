// Package seed provisions the default local-development users.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/taskowl/internal/auth"
)

// bcryptCost matches the work factor used for production credentials.
const bcryptCost = 12

var defaultUsers = []struct {
	Username string
	Password string
	Role     string
}{
	{"admin", "admin123", auth.RoleAdmin},
	{"operator", "operator123", auth.RoleOperator},
	{"developer", "developer123", auth.RoleDeveloper},
	{"observer", "observer123", auth.RoleObserver},
}

// Run inserts the default users, leaving existing rows untouched.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	for _, u := range defaultUsers {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcryptCost)
		if err != nil {
			return fmt.Errorf("hashing password for %s: %w", u.Username, err)
		}

		tag, err := pool.Exec(ctx,
			`INSERT INTO users (username, password_hash, role, is_active)
			 VALUES ($1, $2, $3, true)
			 ON CONFLICT (username) DO NOTHING`,
			u.Username, string(hash), u.Role,
		)
		if err != nil {
			return fmt.Errorf("seeding user %s: %w", u.Username, err)
		}

		if tag.RowsAffected() > 0 {
			logger.Info("seeded user", "username", u.Username, "role", u.Role)
		} else {
			logger.Debug("user already exists, skipping", "username", u.Username)
		}
	}

	return nil
}
