package auth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/taskowl/internal/audit"
)

// fakeUserStore serves a fixed set of users.
type fakeUserStore struct {
	users map[string]*User
	calls int
}

func (f *fakeUserStore) GetUser(_ context.Context, username string) (*User, error) {
	f.calls++
	u, ok := f.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// fakeAuditor records events in memory.
type fakeAuditor struct {
	events []audit.Event
}

func (f *fakeAuditor) Log(e audit.Event) { f.events = append(f.events, e) }

func (f *fakeAuditor) last(t *testing.T) audit.Event {
	t.Helper()
	if len(f.events) == 0 {
		t.Fatal("expected at least one audit event")
	}
	return f.events[len(f.events)-1]
}

type loginFixture struct {
	service *Service
	store   *fakeUserStore
	auditor *fakeAuditor
	redis   *miniredis.Miniredis
}

func newLoginFixture(t *testing.T, maxAttempts int) *loginFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing test password: %v", err)
	}

	store := &fakeUserStore{users: map[string]*User{
		"admin": {Username: "admin", PasswordHash: string(hash), Role: RoleAdmin},
	}}
	auditor := &fakeAuditor{}

	sessions, err := NewSessionManager(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	lockout := NewLockout(rdb, maxAttempts, 15*time.Minute)
	service := NewService(store, lockout, sessions, auditor, slog.Default())

	return &loginFixture{service: service, store: store, auditor: auditor, redis: mr}
}

func TestLoginSuccess(t *testing.T) {
	f := newLoginFixture(t, 5)
	ctx := context.Background()

	token, p, err := f.service.Login(ctx, "admin", "admin123", "1.2.3.4")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}
	if p.Role != RoleAdmin {
		t.Errorf("Role = %q, want admin", p.Role)
	}

	e := f.auditor.last(t)
	if e.Action != "auth.login.success" {
		t.Errorf("audit action = %q, want auth.login.success", e.Action)
	}

	// The lockout counter is cleared on success.
	if f.redis.Exists("login:attempts:admin:1.2.3.4") {
		t.Error("lockout counter should be cleared after a successful login")
	}
}

func TestLoginNormalisesUsername(t *testing.T) {
	f := newLoginFixture(t, 5)

	_, p, err := f.service.Login(context.Background(), "  Admin  ", "admin123", "1.2.3.4")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if p.ID != "admin" {
		t.Errorf("principal ID = %q, want admin", p.ID)
	}
}

func TestLoginInvalidPassword(t *testing.T) {
	f := newLoginFixture(t, 5)

	_, _, err := f.service.Login(context.Background(), "admin", "wrong", "1.2.3.4")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}

	e := f.auditor.last(t)
	if e.Action != "auth.login.fail" {
		t.Errorf("audit action = %q, want auth.login.fail", e.Action)
	}
	if e.Details["reason"] != "invalid_password" {
		t.Errorf("audit reason = %v, want invalid_password", e.Details["reason"])
	}
}

func TestLoginUnknownUser(t *testing.T) {
	f := newLoginFixture(t, 5)

	_, _, err := f.service.Login(context.Background(), "ghost", "whatever", "1.2.3.4")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}

	e := f.auditor.last(t)
	if e.Details["reason"] != "user_not_found" {
		t.Errorf("audit reason = %v, want user_not_found", e.Details["reason"])
	}

	// The counter must not be cleared for unknown users.
	if !f.redis.Exists("login:attempts:ghost:1.2.3.4") {
		t.Error("lockout counter should persist after a failed attempt")
	}
}

func TestLoginLockout(t *testing.T) {
	f := newLoginFixture(t, 5)
	ctx := context.Background()

	// The first five failures report invalid credentials.
	for i := 0; i < 5; i++ {
		_, _, err := f.service.Login(ctx, "admin", "wrong", "1.2.3.4")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: error = %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// The sixth is absorbed by the lockout: no verification runs.
	callsBefore := f.store.calls
	_, _, err := f.service.Login(ctx, "admin", "admin123", "1.2.3.4")
	var locked *LockedOutError
	if !errors.As(err, &locked) {
		t.Fatalf("error = %v, want LockedOutError", err)
	}
	if locked.Minutes() != 15 {
		t.Errorf("Minutes = %d, want 15", locked.Minutes())
	}
	if f.store.calls != callsBefore {
		t.Error("locked-out attempt must not reach the user store")
	}

	// A different IP is unaffected.
	if _, _, err := f.service.Login(ctx, "admin", "admin123", "5.6.7.8"); err != nil {
		t.Fatalf("login from different IP: %v", err)
	}

	// After the window expires, the correct password succeeds.
	f.redis.FastForward(16 * time.Minute)
	if _, _, err := f.service.Login(ctx, "admin", "admin123", "1.2.3.4"); err != nil {
		t.Fatalf("login after lockout expiry: %v", err)
	}
}

func TestLockoutTTLNotExtended(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	lockout := NewLockout(rdb, 3, 10*time.Minute)
	ctx := context.Background()

	if _, _, err := lockout.Hit(ctx, "admin", "1.1.1.1"); err != nil {
		t.Fatalf("Hit: %v", err)
	}
	ttl1 := mr.TTL("login:attempts:admin:1.1.1.1")

	mr.FastForward(5 * time.Minute)
	if _, _, err := lockout.Hit(ctx, "admin", "1.1.1.1"); err != nil {
		t.Fatalf("Hit: %v", err)
	}
	ttl2 := mr.TTL("login:attempts:admin:1.1.1.1")

	if ttl2 > ttl1 {
		t.Fatalf("TTL extended on repeat attempt: %v -> %v", ttl1, ttl2)
	}
}
