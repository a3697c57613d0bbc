package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRoleRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RoleRateLimit(rdb, slog.Default())(next)

	do := func(p *Principal) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "9.9.9.9:1234"
		if p != nil {
			r = r.WithContext(NewContext(r.Context(), p))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec.Code
	}

	t.Run("anonymous capped at 5", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			if code := do(nil); code != http.StatusOK {
				t.Fatalf("request %d: status = %d, want 200", i+1, code)
			}
		}
		if code := do(nil); code != http.StatusTooManyRequests {
			t.Fatalf("6th anonymous request: status = %d, want 429", code)
		}
	})

	t.Run("observer capped at 20", func(t *testing.T) {
		p := NewPrincipal("watcher", RoleObserver)
		for i := 0; i < 20; i++ {
			if code := do(p); code != http.StatusOK {
				t.Fatalf("request %d: status = %d, want 200", i+1, code)
			}
		}
		if code := do(p); code != http.StatusTooManyRequests {
			t.Fatalf("21st observer request: status = %d, want 429", code)
		}
	})

	t.Run("principals are limited independently", func(t *testing.T) {
		if code := do(NewPrincipal("fresh", RoleDeveloper)); code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
	})
}
