package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

const (
	// redeemSQL is the single compare-and-increment. Zero rows means the code
	// is exhausted or does not exist.
	redeemSQL = `UPDATE discounts SET usage_count = usage_count + 1, updated_at = now()
		WHERE id = $1 AND store_id = $2 AND kind = 'code'
		  AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING usage_count`

	codeExistsSQL = `SELECT EXISTS (SELECT 1 FROM discounts WHERE id = $1 AND store_id = $2 AND kind = 'code')`

	insertUsageSQL = `INSERT INTO discount_usages (id, store_id, discount_id, customer_id, savings, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	reverseUsageSQL = `UPDATE discount_usages SET reversed_at = $3
		WHERE id = $1 AND store_id = $2 AND reversed_at IS NULL
		RETURNING discount_id, customer_id, savings, redeemed_at`

	usageExistsSQL = `SELECT EXISTS (SELECT 1 FROM discount_usages WHERE id = $1 AND store_id = $2)`

	releaseUsageSQL = `UPDATE discounts SET usage_count = usage_count - 1, updated_at = now()
		WHERE id = $1 AND usage_count > 0
		RETURNING usage_count`
)

var _ discount.Ledger = (*LedgerRepository)(nil)

// LedgerRepository implements discount.Ledger backed by PostgreSQL.
type LedgerRepository struct {
	pool *pgxpool.Pool

	// now stamps redemptions. Tests may replace it.
	now func() time.Time
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool, now: time.Now}
}

// Redeem increments usage and records the redemption in one transaction.
// The usage record is written under a savepoint: if it fails, the increment
// still commits and the failure is only logged.
func (r *LedgerRepository) Redeem(ctx context.Context, red discount.Redemption) (_ *discount.Redemption, rerr error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin redeem: %w", err)
	}
	defer func() {
		if rerr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var count int32
	err = tx.QueryRow(ctx, redeemSQL, red.DiscountID, red.StoreID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, codeExistsSQL, red.DiscountID, red.StoreID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking discount %d: %w", red.DiscountID, err)
		}
		if !exists {
			return nil, discount.ErrNotFound
		}
		return nil, discount.ErrUsageLimitExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("incrementing usage of discount %d: %w", red.DiscountID, err)
	}

	out := red
	out.ID = uuid.New()
	out.RedeemedAt = r.now().UTC()
	out.UsageCount = int(count)
	out.ReversedAt = nil

	if err := r.recordUsage(ctx, tx, out); err != nil {
		zctx.From(ctx).Warn("Failed to record discount usage",
			zap.Int64("store_id", out.StoreID),
			zap.Int64("discount_id", out.DiscountID),
			zap.Stringer("redemption_id", out.ID),
			zap.Error(err),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit redeem of discount %d: %w", red.DiscountID, err)
	}
	return &out, nil
}

func (r *LedgerRepository) recordUsage(ctx context.Context, tx pgx.Tx, red discount.Redemption) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "savepoint")
	}
	if _, err := sp.Exec(ctx, insertUsageSQL,
		red.ID, red.StoreID, red.DiscountID, red.CustomerID, red.Savings, red.RedeemedAt,
	); err != nil {
		_ = sp.Rollback(ctx)
		return errors.Wrap(err, "insert usage")
	}
	return sp.Commit(ctx)
}

// Reverse marks a redemption reversed and returns its use to the code.
func (r *LedgerRepository) Reverse(ctx context.Context, storeID int64, redemptionID uuid.UUID) (_ *discount.Redemption, rerr error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reverse: %w", err)
	}
	defer func() {
		if rerr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	at := r.now().UTC()
	out := discount.Redemption{ID: redemptionID, StoreID: storeID, ReversedAt: &at}
	err = tx.QueryRow(ctx, reverseUsageSQL, redemptionID, storeID, at).
		Scan(&out.DiscountID, &out.CustomerID, &out.Savings, &out.RedeemedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, usageExistsSQL, redemptionID, storeID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking redemption %s: %w", redemptionID, err)
		}
		if !exists {
			return nil, discount.ErrNotFound
		}
		return nil, discount.ErrAlreadyReversed
	}
	if err != nil {
		return nil, fmt.Errorf("reversing redemption %s: %w", redemptionID, err)
	}

	var count int32
	err = tx.QueryRow(ctx, releaseUsageSQL, out.DiscountID).Scan(&count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("releasing usage of discount %d: %w", out.DiscountID, err)
	}
	out.UsageCount = int(count)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reverse of %s: %w", redemptionID, err)
	}
	return &out, nil
}

// Usages returns the recorded redemptions of a discount, oldest first.
func (r *LedgerRepository) Usages(ctx context.Context, storeID, discountID int64) ([]discount.Redemption, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, store_id, discount_id, customer_id, savings, redeemed_at, reversed_at
		FROM discount_usages WHERE store_id = $1 AND discount_id = $2 ORDER BY redeemed_at, id`, storeID, discountID)
	if err != nil {
		return nil, fmt.Errorf("listing usages of discount %d: %w", discountID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (discount.Redemption, error) {
		var (
			red     discount.Redemption
			savings decimal.Decimal
		)
		err := row.Scan(&red.ID, &red.StoreID, &red.DiscountID, &red.CustomerID, &savings, &red.RedeemedAt, &red.ReversedAt)
		red.Savings = savings
		return red, err
	})
}
