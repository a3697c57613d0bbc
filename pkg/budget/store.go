package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerStore is the durable side of the engine. The conditional UPDATE in
// Reserve is the serialisation primitive for a scope; no application locks
// guard the ledger. PGLedgerStore is the production implementation; tests
// substitute fakes.
type LedgerStore interface {
	GetOrCreateLimit(ctx context.Context, tenant, project string) (*Limit, error)
	Reserve(ctx context.Context, tx Transaction) (ok bool, err error)
	Commit(ctx context.Context, tx Transaction, reservedAmount int64) error
	Release(ctx context.Context, tx Transaction) error
	StaleReserves(ctx context.Context, olderThan time.Duration) ([]Transaction, error)
}

// PGLedgerStore implements LedgerStore on Postgres.
type PGLedgerStore struct {
	pool         *pgxpool.Pool
	defaultLimit int64
}

// NewPGLedgerStore creates a ledger store. defaultLimit seeds the row for a
// scope seen for the first time.
func NewPGLedgerStore(pool *pgxpool.Pool, defaultLimit int64) *PGLedgerStore {
	return &PGLedgerStore{pool: pool, defaultLimit: defaultLimit}
}

// GetOrCreateLimit loads the scope's ledger row, inserting a default row if
// the scope is new.
func (s *PGLedgerStore) GetOrCreateLimit(ctx context.Context, tenant, project string) (*Limit, error) {
	var l Limit
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT tenant_id, project_id, total_limit, current_usage, reserved
			 FROM budget_limits WHERE tenant_id = $1 AND project_id = $2 FOR UPDATE`,
			tenant, project,
		).Scan(&l.TenantID, &l.ProjectID, &l.TotalLimit, &l.CurrentUsage, &l.Reserved)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("selecting budget limit: %w", err)
		}

		l = Limit{TenantID: tenant, ProjectID: project, TotalLimit: s.defaultLimit}
		if _, err := tx.Exec(ctx,
			`INSERT INTO budget_limits (tenant_id, project_id, total_limit, current_usage, reserved)
			 VALUES ($1, $2, $3, 0, 0)
			 ON CONFLICT (tenant_id, project_id) DO NOTHING`,
			tenant, project, s.defaultLimit,
		); err != nil {
			return fmt.Errorf("inserting default budget limit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Reserve atomically claims tx.Amount against the scope's headroom and
// records the reserve transaction. ok=false means the scope was concurrently
// depleted.
func (s *PGLedgerStore) Reserve(ctx context.Context, tx Transaction) (bool, error) {
	ok := false
	err := pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx,
			`UPDATE budget_limits SET reserved = reserved + $3, updated_at = NOW()
			 WHERE tenant_id = $1 AND project_id = $2
			   AND total_limit - current_usage - reserved >= $3`,
			tx.TenantID, tx.ProjectID, tx.Amount,
		)
		if err != nil {
			return fmt.Errorf("reserving budget: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if err := insertTransaction(ctx, dbtx, tx); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// Commit moves a held reservation into usage: current_usage grows by the
// actual amount while reserved shrinks by the originally held amount. A
// commit that would push usage past the limit fails with ErrBudgetOverflow
// and leaves the ledger untouched.
func (s *PGLedgerStore) Commit(ctx context.Context, tx Transaction, reservedAmount int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx,
			`UPDATE budget_limits
			 SET current_usage = current_usage + $3,
			     reserved = GREATEST(reserved - $4, 0),
			     updated_at = NOW()
			 WHERE tenant_id = $1 AND project_id = $2
			   AND current_usage + $3 <= total_limit`,
			tx.TenantID, tx.ProjectID, tx.Amount, reservedAmount,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23514" {
				// Check constraint: the overshoot would break the ledger
				// safety invariant.
				return ErrBudgetOverflow
			}
			return fmt.Errorf("committing reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrBudgetOverflow
		}

		return insertTransaction(ctx, dbtx, tx)
	})
}

// Release returns a held amount to availability and records the release row.
func (s *PGLedgerStore) Release(ctx context.Context, tx Transaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		if _, err := dbtx.Exec(ctx,
			`UPDATE budget_limits
			 SET reserved = GREATEST(reserved - $3, 0), updated_at = NOW()
			 WHERE tenant_id = $1 AND project_id = $2`,
			tx.TenantID, tx.ProjectID, tx.Amount,
		); err != nil {
			return fmt.Errorf("releasing reservation: %w", err)
		}

		return insertTransaction(ctx, dbtx, tx)
	})
}

// StaleReserves returns reserve transactions older than the given age that
// have no matching commit or release, so the sweeper can issue synthetic
// releases for reservations whose KV entries expired unclaimed.
func (s *PGLedgerStore) StaleReserves(ctx context.Context, olderThan time.Duration) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.tenant_id, r.project_id, r.task_id, r.request_id, r.reservation_id, r.amount
		 FROM budget_transactions r
		 WHERE r.type = 'reserve'
		   AND r.ts < NOW() - $1::interval
		   AND NOT EXISTS (
		     SELECT 1 FROM budget_transactions t
		     WHERE t.reservation_id = r.reservation_id
		       AND t.type IN ('commit', 'release')
		   )`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale reserves: %w", err)
	}
	defer rows.Close()

	var stale []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.TenantID, &t.ProjectID, &t.TaskID, &t.RequestID, &t.ReservationID, &t.Amount); err != nil {
			return nil, fmt.Errorf("scanning stale reserve: %w", err)
		}
		t.Type = TxReserve
		stale = append(stale, t)
	}
	return stale, rows.Err()
}

func insertTransaction(ctx context.Context, dbtx pgx.Tx, t Transaction) error {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := dbtx.Exec(ctx,
		`INSERT INTO budget_transactions (id, tenant_id, project_id, task_id, request_id, reservation_id, amount, type, purpose)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, t.TenantID, t.ProjectID, t.TaskID, t.RequestID, t.ReservationID, t.Amount, t.Type, t.Purpose,
	); err != nil {
		return fmt.Errorf("inserting %s transaction: %w", t.Type, err)
	}
	return nil
}
