package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/taskowl/internal/telemetry"
)

// Request parameters for a budget reservation.
type Request struct {
	TenantID        string
	ProjectID       string
	TaskID          string
	Purpose         string
	Model           string
	EstimatedTokens int64
	RequestID       string // optional; a fresh UUID is assigned when empty
}

// CommitResult reports a successful commit.
type CommitResult struct {
	Tokens    int64
	Reserved  int64
	Overshoot bool
}

// Service is the budget reservation engine: an idempotency envelope in Redis
// serialises retries of a logical request, the ledger's conditional UPDATE
// serialises allocation within a scope.
type Service struct {
	store  LedgerStore
	cache  *Cache
	logger *slog.Logger
}

// NewService creates the budget service.
func NewService(store LedgerStore, cache *Cache, logger *slog.Logger) *Service {
	return &Service{store: store, cache: cache, logger: logger}
}

// Request reserves estimated tokens for a task. Replays with the same
// request-id return the cached decision; concurrent duplicates that arrive
// before the first decision completes get a non-approved
// duplicate_request_in_progress decision with no side effects.
func (s *Service) Request(ctx context.Context, req Request) (*Decision, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	won, err := s.cache.ClaimEnvelope(ctx, req.TenantID, req.TaskID, req.RequestID)
	if err != nil {
		return nil, err
	}

	if !won {
		cached, err := s.cache.CachedDecision(ctx, req.TenantID, req.TaskID, req.RequestID)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
		telemetry.BudgetRequestsTotal.WithLabelValues("duplicate").Inc()
		return &Decision{
			Approved:  false,
			Reason:    ReasonDuplicateInFlight,
			RequestID: req.RequestID,
		}, nil
	}

	decision, err := s.allocate(ctx, req)
	if err != nil {
		// Drop the envelope so the caller may retry.
		if relErr := s.cache.ReleaseEnvelope(ctx, req.TenantID, req.TaskID, req.RequestID); relErr != nil {
			s.logger.Error("releasing idempotency envelope", "error", relErr,
				"tenant", req.TenantID, "task", req.TaskID)
		}
		return nil, err
	}

	if err := s.cache.StoreDecision(ctx, req.TenantID, req.TaskID, req.RequestID, decision); err != nil {
		s.logger.Error("caching budget decision", "error", err,
			"tenant", req.TenantID, "request_id", req.RequestID)
	}

	return decision, nil
}

// allocate runs the allocation algorithm after the envelope race is won.
func (s *Service) allocate(ctx context.Context, req Request) (*Decision, error) {
	limit, err := s.loadLimit(ctx, req.TenantID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	if limit.Available() < req.EstimatedTokens {
		telemetry.BudgetRequestsTotal.WithLabelValues("insufficient").Inc()
		return &Decision{
			Approved:  false,
			Reason:    ReasonInsufficientBudget,
			Available: limit.Available(),
			RequestID: req.RequestID,
		}, nil
	}

	reservationID := uuid.New().String()
	ok, err := s.store.Reserve(ctx, Transaction{
		TenantID:      req.TenantID,
		ProjectID:     req.ProjectID,
		TaskID:        req.TaskID,
		RequestID:     req.RequestID,
		ReservationID: reservationID,
		Amount:        req.EstimatedTokens,
		Type:          TxReserve,
		Purpose:       req.Purpose,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// The headroom check above passed, so another request depleted the
		// scope between the read and the conditional UPDATE.
		telemetry.BudgetRequestsTotal.WithLabelValues("failed").Inc()
		return &Decision{
			Approved:  false,
			Reason:    ReasonReservationFailed,
			RequestID: req.RequestID,
		}, nil
	}

	if err := s.cache.InvalidateState(ctx, req.TenantID, req.ProjectID); err != nil {
		s.logger.Warn("invalidating state cache", "error", err)
	}

	if err := s.cache.PutReservation(ctx, req.TenantID, req.ProjectID, reservationID, req.TaskID, req.EstimatedTokens); err != nil {
		return nil, err
	}

	telemetry.BudgetRequestsTotal.WithLabelValues("approved").Inc()
	s.logger.Info("budget reserved",
		"tenant", req.TenantID, "project", req.ProjectID, "task", req.TaskID,
		"reservation_id", reservationID, "amount", req.EstimatedTokens)

	return &Decision{
		Approved:      true,
		ReservationID: reservationID,
		Allocated:     req.EstimatedTokens,
		RequestID:     req.RequestID,
	}, nil
}

// loadLimit reads the scope's ledger values through the 10s state cache.
func (s *Service) loadLimit(ctx context.Context, tenant, project string) (*Limit, error) {
	total, used, ok, err := s.cache.GetState(ctx, tenant, project)
	if err != nil {
		s.logger.Warn("reading state cache", "error", err)
	}

	var limit *Limit
	if ok {
		reserved, err := s.cache.ReservedTotal(ctx, tenant, project)
		if err != nil {
			return nil, err
		}
		limit = &Limit{TenantID: tenant, ProjectID: project, TotalLimit: total, CurrentUsage: used, Reserved: reserved}
		return limit, nil
	}

	limit, err = s.store.GetOrCreateLimit(ctx, tenant, project)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetState(ctx, tenant, project, limit.TotalLimit, limit.CurrentUsage); err != nil {
		s.logger.Warn("writing state cache", "error", err)
	}
	return limit, nil
}

// Commit finalises a held reservation with the actual token spend. The
// reservation's held amount returns to availability; usage grows by the
// actual amount even when it overshoots the hold, flagged in the result.
func (s *Service) Commit(ctx context.Context, tenant, project, reservationID string, actualTokens int64) (*CommitResult, error) {
	reserved, taskID, ok, err := s.cache.GetReservation(ctx, tenant, project, reservationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReservationNotFound
	}

	err = s.store.Commit(ctx, Transaction{
		TenantID:      tenant,
		ProjectID:     project,
		TaskID:        taskID,
		ReservationID: reservationID,
		Amount:        actualTokens,
		Type:          TxCommit,
	}, reserved)
	if err != nil {
		// On overflow the reservation stays held for operator triage.
		return nil, err
	}

	if err := s.cache.DeleteReservation(ctx, tenant, project, reservationID); err != nil {
		s.logger.Warn("deleting reservation entry", "error", err, "reservation_id", reservationID)
	}
	if err := s.cache.InvalidateState(ctx, tenant, project); err != nil {
		s.logger.Warn("invalidating state cache", "error", err)
	}

	telemetry.BudgetCommitsTotal.Inc()
	s.logger.Info("budget committed",
		"tenant", tenant, "project", project,
		"reservation_id", reservationID, "actual", actualTokens, "reserved", reserved)

	return &CommitResult{
		Tokens:    actualTokens,
		Reserved:  reserved,
		Overshoot: actualTokens > reserved,
	}, nil
}

// Release returns a held reservation to availability. Releasing an unknown
// reservation is a no-op.
func (s *Service) Release(ctx context.Context, tenant, project, reservationID string) error {
	reserved, taskID, ok, err := s.cache.GetReservation(ctx, tenant, project, reservationID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	err = s.store.Release(ctx, Transaction{
		TenantID:      tenant,
		ProjectID:     project,
		TaskID:        taskID,
		ReservationID: reservationID,
		Amount:        reserved,
		Type:          TxRelease,
	})
	if err != nil {
		return err
	}

	if err := s.cache.DeleteReservation(ctx, tenant, project, reservationID); err != nil {
		s.logger.Warn("deleting reservation entry", "error", err, "reservation_id", reservationID)
	}
	if err := s.cache.InvalidateState(ctx, tenant, project); err != nil {
		s.logger.Warn("invalidating state cache", "error", err)
	}

	telemetry.BudgetReleasesTotal.Inc()
	return nil
}

// State reads the scope's budget view: total and usage from the (cached)
// ledger, reserved from the per-scope reservation set.
func (s *Service) State(ctx context.Context, tenant, project string) (*State, error) {
	total, used, ok, err := s.cache.GetState(ctx, tenant, project)
	if err != nil {
		s.logger.Warn("reading state cache", "error", err)
	}
	if !ok {
		limit, err := s.store.GetOrCreateLimit(ctx, tenant, project)
		if err != nil {
			return nil, err
		}
		total, used = limit.TotalLimit, limit.CurrentUsage
		if err := s.cache.SetState(ctx, tenant, project, total, used); err != nil {
			s.logger.Warn("writing state cache", "error", err)
		}
	}

	reserved, err := s.cache.ReservedTotal(ctx, tenant, project)
	if err != nil {
		return nil, err
	}

	return &State{
		Total:     total,
		Used:      used,
		Reserved:  reserved,
		Available: total - used - reserved,
	}, nil
}

// availableMessage formats the insufficient-budget detail message.
func availableMessage(available, requested int64) string {
	return fmt.Sprintf("Available %d, Requested %d", available, requested)
}
