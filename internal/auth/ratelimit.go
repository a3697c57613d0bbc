package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/taskowl/internal/httpserver"
)

// roleRequestsPerMinute is the per-role request budget enforced at the boundary.
var roleRequestsPerMinute = map[string]int{
	RoleAdmin:     100,
	RoleOperator:  50,
	RoleDeveloper: 30,
	RoleObserver:  20,
}

// anonymousRequestsPerMinute applies to requests with no authenticated principal.
const anonymousRequestsPerMinute = 5

// RoleRateLimit returns middleware enforcing per-minute request budgets keyed
// by principal (or client address when anonymous), using a Redis fixed window.
// Requests are allowed through when the counter cannot be read.
func RoleRateLimit(rdb *redis.Client, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := "anon:" + clientIP(r)
			limit := anonymousRequestsPerMinute

			if p := FromContext(r.Context()); p != nil {
				subject = p.ID
				if l, ok := roleRequestsPerMinute[p.Role]; ok {
					limit = l
				}
			}

			window := time.Now().Unix() / 60
			key := fmt.Sprintf("ratelimit:%s:%d", subject, window)

			count, err := rdb.Incr(r.Context(), key).Result()
			if err != nil {
				logger.Warn("rate limit check failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				rdb.Expire(r.Context(), key, 2*time.Minute)
			}

			if count > int64(limit) {
				httpserver.RespondError(w, r, http.StatusTooManyRequests,
					fmt.Sprintf("rate limit of %d requests per minute exceeded", limit))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
