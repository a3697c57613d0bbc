package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lockout tracks failed login attempts per principal+IP using Redis INCR with
// a TTL set only on the first increment, so repeated attempts cannot extend
// the window.
type Lockout struct {
	redis       *redis.Client
	maxAttempts int
	window      time.Duration
}

// NewLockout creates a lockout tracker. maxAttempts is the number of attempts
// allowed per principal+IP within the window before verification is refused.
func NewLockout(rdb *redis.Client, maxAttempts int, window time.Duration) *Lockout {
	return &Lockout{
		redis:       rdb,
		maxAttempts: maxAttempts,
		window:      window,
	}
}

func (l *Lockout) key(principal, clientIP string) string {
	return fmt.Sprintf("login:attempts:%s:%s", principal, clientIP)
}

// Hit atomically records an attempt and reports whether the caller is now
// locked out, along with the time until the window resets.
func (l *Lockout) Hit(ctx context.Context, principal, clientIP string) (locked bool, retryAfter time.Duration, err error) {
	key := l.key(principal, clientIP)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incrementing lockout counter: %w", err)
	}

	// Only set the expiry on the first increment.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("setting lockout TTL: %w", err)
		}
	}

	if count > int64(l.maxAttempts) {
		ttl, err := l.redis.TTL(ctx, key).Result()
		if err != nil {
			return true, l.window, fmt.Errorf("getting lockout TTL: %w", err)
		}
		if ttl < 0 {
			ttl = l.window
		}
		return true, ttl, nil
	}

	return false, 0, nil
}

// Clear removes the counter after a successful verification.
func (l *Lockout) Clear(ctx context.Context, principal, clientIP string) error {
	return l.redis.Del(ctx, l.key(principal, clientIP)).Err()
}
