package budget

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeLedger implements LedgerStore in memory with the same conditional
// semantics as the Postgres store.
type fakeLedger struct {
	mu           sync.Mutex
	limits       map[string]*Limit
	transactions []Transaction
	defaultLimit int64

	failReserve  error // forced error on Reserve
	failCommit   error // forced error on Commit
	staleReturns []Transaction
}

func scopeKey(tenant, project string) string { return tenant + "/" + project }

func newFakeLedger(defaultLimit int64) *fakeLedger {
	return &fakeLedger{limits: make(map[string]*Limit), defaultLimit: defaultLimit}
}

func (f *fakeLedger) GetOrCreateLimit(_ context.Context, tenant, project string) (*Limit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limits[scopeKey(tenant, project)]
	if !ok {
		l = &Limit{TenantID: tenant, ProjectID: project, TotalLimit: f.defaultLimit}
		f.limits[scopeKey(tenant, project)] = l
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLedger) Reserve(_ context.Context, tx Transaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReserve != nil {
		return false, f.failReserve
	}
	l, ok := f.limits[scopeKey(tx.TenantID, tx.ProjectID)]
	if !ok || l.TotalLimit-l.CurrentUsage-l.Reserved < tx.Amount {
		return false, nil
	}
	l.Reserved += tx.Amount
	f.transactions = append(f.transactions, tx)
	return true, nil
}

func (f *fakeLedger) Commit(_ context.Context, tx Transaction, reservedAmount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommit != nil {
		return f.failCommit
	}
	l := f.limits[scopeKey(tx.TenantID, tx.ProjectID)]
	if l.CurrentUsage+tx.Amount > l.TotalLimit {
		return ErrBudgetOverflow
	}
	l.CurrentUsage += tx.Amount
	l.Reserved -= reservedAmount
	if l.Reserved < 0 {
		l.Reserved = 0
	}
	f.transactions = append(f.transactions, tx)
	return nil
}

func (f *fakeLedger) Release(_ context.Context, tx Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limits[scopeKey(tx.TenantID, tx.ProjectID)]
	if ok {
		l.Reserved -= tx.Amount
		if l.Reserved < 0 {
			l.Reserved = 0
		}
	}
	f.transactions = append(f.transactions, tx)
	return nil
}

func (f *fakeLedger) StaleReserves(_ context.Context, _ time.Duration) ([]Transaction, error) {
	return f.staleReturns, nil
}

func (f *fakeLedger) count(txType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tx := range f.transactions {
		if tx.Type == txType {
			n++
		}
	}
	return n
}

type fixture struct {
	service *Service
	ledger  *fakeLedger
	cache   *Cache
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T, defaultLimit int64) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ledger := newFakeLedger(defaultLimit)
	cache := NewCache(rdb)
	return &fixture{
		service: NewService(ledger, cache, slog.Default()),
		ledger:  ledger,
		cache:   cache,
		redis:   mr,
	}
}

func TestRequestApproved(t *testing.T) {
	f := newFixture(t, 100000)

	d, err := f.service.Request(context.Background(), Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 10000,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !d.Approved {
		t.Fatalf("decision = %+v, want approved", d)
	}
	if d.Allocated != 10000 {
		t.Errorf("Allocated = %d, want 10000", d.Allocated)
	}
	if d.ReservationID == "" {
		t.Error("expected a reservation id")
	}
	if f.ledger.count(TxReserve) != 1 {
		t.Errorf("reserve rows = %d, want 1", f.ledger.count(TxReserve))
	}

	state, err := f.service.State(context.Background(), "T", "P")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	want := State{Total: 100000, Used: 0, Reserved: 10000, Available: 90000}
	if *state != want {
		t.Fatalf("state = %+v, want %+v", *state, want)
	}
}

func TestRequestIdempotentReplay(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	req := Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1",
		EstimatedTokens: 10000, RequestID: "req-1",
	}

	d1, err := f.service.Request(ctx, req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	d2, err := f.service.Request(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	// The replay returns the cached decision verbatim.
	b1, _ := json.Marshal(d1)
	b2, _ := json.Marshal(d2)
	if string(b1) != string(b2) {
		t.Fatalf("decisions differ:\n%s\n%s", b1, b2)
	}
	if d2.ReservationID != d1.ReservationID {
		t.Fatal("replay must return the same reservation id")
	}

	// Exactly one reserve row.
	if f.ledger.count(TxReserve) != 1 {
		t.Fatalf("reserve rows = %d, want 1", f.ledger.count(TxReserve))
	}
}

func TestRequestDuplicateInProgress(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	// Claim the envelope as a still-running first request would.
	won, err := f.cache.ClaimEnvelope(ctx, "T", "K1", "req-1")
	if err != nil || !won {
		t.Fatalf("ClaimEnvelope: won=%v err=%v", won, err)
	}

	d, err := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1",
		EstimatedTokens: 10000, RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if d.Approved {
		t.Fatal("duplicate must not be approved")
	}
	if d.Reason != ReasonDuplicateInFlight {
		t.Fatalf("Reason = %q, want %q", d.Reason, ReasonDuplicateInFlight)
	}
	if f.ledger.count(TxReserve) != 0 {
		t.Fatal("duplicate must have no side effects")
	}
}

func TestRequestInsufficientBudget(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	// Hold 50 of the 100.
	if _, err := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 50,
	}); err != nil {
		t.Fatalf("setup request: %v", err)
	}

	d, err := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K2", EstimatedTokens: 60,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if d.Approved {
		t.Fatal("expected rejection")
	}
	if d.Reason != ReasonInsufficientBudget {
		t.Fatalf("Reason = %q, want %q", d.Reason, ReasonInsufficientBudget)
	}
	if d.Available != 50 {
		t.Fatalf("Available = %d, want 50", d.Available)
	}
	if got := availableMessage(d.Available, 60); got != "Available 50, Requested 60" {
		t.Fatalf("message = %q", got)
	}
}

func TestRequestConcurrentDepletion(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	// Warm the state cache so the headroom check passes, then drain the
	// ledger behind its back.
	if _, err := f.service.State(ctx, "T", "P"); err != nil {
		t.Fatalf("State: %v", err)
	}
	f.ledger.mu.Lock()
	f.ledger.limits["T/P"].Reserved = 100
	f.ledger.mu.Unlock()

	d, err := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 50,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if d.Approved || d.Reason != ReasonReservationFailed {
		t.Fatalf("decision = %+v, want reservation_failed", d)
	}
}

func TestRequestEnvelopeReleasedOnError(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	f.ledger.failReserve = errors.New("ledger down")
	req := Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1",
		EstimatedTokens: 10, RequestID: "req-1",
	}

	if _, err := f.service.Request(ctx, req); err == nil {
		t.Fatal("expected error from failing ledger")
	}

	// The envelope is gone, so a retry can win the race and succeed.
	f.ledger.failReserve = nil
	d, err := f.service.Request(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !d.Approved {
		t.Fatalf("retry decision = %+v, want approved", d)
	}
}

func TestCommitConservation(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	d, err := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 10000,
	})
	if err != nil || !d.Approved {
		t.Fatalf("setup: %+v, %v", d, err)
	}

	result, err := f.service.Commit(ctx, "T", "P", d.ReservationID, 8000)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Tokens != 8000 {
		t.Errorf("Tokens = %d, want 8000", result.Tokens)
	}
	if result.Overshoot {
		t.Error("8000 against a 10000 hold is not an overshoot")
	}

	state, err := f.service.State(ctx, "T", "P")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	want := State{Total: 100000, Used: 8000, Reserved: 0, Available: 92000}
	if *state != want {
		t.Fatalf("state = %+v, want %+v", *state, want)
	}
	if f.ledger.count(TxCommit) != 1 {
		t.Errorf("commit rows = %d, want 1", f.ledger.count(TxCommit))
	}
}

func TestCommitOvershoot(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	d, _ := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 1000,
	})

	result, err := f.service.Commit(ctx, "T", "P", d.ReservationID, 1500)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !result.Overshoot {
		t.Fatal("expected overshoot flag")
	}

	state, _ := f.service.State(ctx, "T", "P")
	if state.Used != 1500 || state.Reserved != 0 {
		t.Fatalf("state = %+v", *state)
	}
}

func TestCommitExpiredReservation(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	d, _ := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 1000,
	})

	// The KV entry expires before the commit arrives.
	f.redis.FastForward(2 * time.Hour)

	_, err := f.service.Commit(ctx, "T", "P", d.ReservationID, 800)
	if !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("err = %v, want ErrReservationNotFound", err)
	}
}

func TestCommitOverflowKeepsReservation(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	d, _ := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 500,
	})

	_, err := f.service.Commit(ctx, "T", "P", d.ReservationID, 5000)
	if !errors.Is(err, ErrBudgetOverflow) {
		t.Fatalf("err = %v, want ErrBudgetOverflow", err)
	}

	// The reservation stays held for triage.
	_, _, ok, err := f.cache.GetReservation(ctx, "T", "P", d.ReservationID)
	if err != nil || !ok {
		t.Fatalf("reservation entry gone after failed commit: ok=%v err=%v", ok, err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	d, _ := f.service.Request(ctx, Request{
		TenantID: "T", ProjectID: "P", TaskID: "K1", EstimatedTokens: 1000,
	})

	if err := f.service.Release(ctx, "T", "P", d.ReservationID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	state, _ := f.service.State(ctx, "T", "P")
	if state.Reserved != 0 || state.Available != 100000 {
		t.Fatalf("state = %+v", *state)
	}

	// Releasing again, or releasing a reservation that never existed, is Ok.
	if err := f.service.Release(ctx, "T", "P", d.ReservationID); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if err := f.service.Release(ctx, "T", "P", "00000000-0000-0000-0000-000000000000"); err != nil {
		t.Fatalf("unknown release: %v", err)
	}

	if f.ledger.count(TxRelease) != 1 {
		t.Fatalf("release rows = %d, want 1", f.ledger.count(TxRelease))
	}
}

func TestSweeperReclaimsStaleReserves(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	f.ledger.limits["T/P"] = &Limit{TenantID: "T", ProjectID: "P", TotalLimit: 100000, Reserved: 700}
	f.ledger.staleReturns = []Transaction{
		{TenantID: "T", ProjectID: "P", TaskID: "K1", ReservationID: "res-1", Amount: 700, Type: TxReserve},
	}

	sweeper := NewSweeper(f.ledger, f.cache, time.Minute, slog.Default())
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}

	f.ledger.mu.Lock()
	reserved := f.ledger.limits["T/P"].Reserved
	f.ledger.mu.Unlock()
	if reserved != 0 {
		t.Fatalf("reserved = %d, want 0 after sweep", reserved)
	}

	// The synthetic release is tagged so operators can tell it apart.
	f.ledger.mu.Lock()
	defer f.ledger.mu.Unlock()
	last := f.ledger.transactions[len(f.ledger.transactions)-1]
	if last.Type != TxRelease || last.Purpose != "expired_sweep" {
		t.Fatalf("sweep transaction = %+v", last)
	}
}
