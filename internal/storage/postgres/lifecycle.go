package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/lifecycle"
)

const (
	activateSQL = `UPDATE discounts SET is_active = TRUE, updated_at = now()
		WHERE NOT is_active
		  AND starts_at IS NOT NULL AND starts_at <= $1
		  AND (ends_at IS NULL OR ends_at > $1)
		RETURNING id, store_id, kind, title`

	deactivateSQL = `UPDATE discounts SET is_active = FALSE, updated_at = now()
		WHERE is_active
		  AND ends_at IS NOT NULL AND ends_at <= $1
		RETURNING id, store_id, kind, title`
)

var _ lifecycle.Store = (*LifecycleRepository)(nil)

// LifecycleRepository flips active flags with conditional updates.
type LifecycleRepository struct {
	pool *pgxpool.Pool
}

// NewLifecycleRepository returns a LifecycleRepository that uses the given pool.
func NewLifecycleRepository(pool *pgxpool.Pool) *LifecycleRepository {
	return &LifecycleRepository{pool: pool}
}

func (r *LifecycleRepository) Activate(ctx context.Context, now time.Time) ([]lifecycle.Flip, error) {
	return r.flip(ctx, activateSQL, now)
}

func (r *LifecycleRepository) Deactivate(ctx context.Context, now time.Time) ([]lifecycle.Flip, error) {
	return r.flip(ctx, deactivateSQL, now)
}

func (r *LifecycleRepository) flip(ctx context.Context, sql string, now time.Time) ([]lifecycle.Flip, error) {
	rows, err := r.pool.Query(ctx, sql, now)
	if err != nil {
		return nil, fmt.Errorf("flipping discounts: %w", err)
	}
	flips, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lifecycle.Flip, error) {
		var (
			f    lifecycle.Flip
			kind string
		)
		err := row.Scan(&f.ID, &f.StoreID, &kind, &f.Title)
		f.Kind = discount.Kind(kind)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("flipping discounts: %w", err)
	}
	slices.SortFunc(flips, func(a, b lifecycle.Flip) int { return cmp.Compare(a.ID, b.ID) })
	return flips, nil
}
