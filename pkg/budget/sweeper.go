package budget

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper reconciles reservations whose KV entries expired before a commit or
// release arrived: their reserve rows still hold ledger headroom, so it
// issues synthetic releases. Without it, reserved drifts upward over time.
type Sweeper struct {
	store    LedgerStore
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store LedgerStore, cache *Cache, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: store, cache: cache, interval: interval, logger: logger}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("budget sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("budget sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("budget sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("budget sweep reclaimed stale reservations", "count", n)
			}
		}
	}
}

// Sweep releases every stale reserve once and returns how many were reclaimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.StaleReserves(ctx, ReservationTTL)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, r := range stale {
		err := s.store.Release(ctx, Transaction{
			TenantID:      r.TenantID,
			ProjectID:     r.ProjectID,
			TaskID:        r.TaskID,
			ReservationID: r.ReservationID,
			Amount:        r.Amount,
			Type:          TxRelease,
			Purpose:       "expired_sweep",
		})
		if err != nil {
			s.logger.Error("releasing stale reservation", "error", err,
				"reservation_id", r.ReservationID)
			continue
		}

		if err := s.cache.DeleteReservation(ctx, r.TenantID, r.ProjectID, r.ReservationID); err != nil {
			s.logger.Warn("deleting stale reservation entry", "error", err)
		}
		if err := s.cache.InvalidateState(ctx, r.TenantID, r.ProjectID); err != nil {
			s.logger.Warn("invalidating state cache", "error", err)
		}
		released++
	}

	return released, nil
}
