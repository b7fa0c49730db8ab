//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/lifecycle"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

// testMain uses DISCOUNTS_TEST_DATABASE_URL when set and starts a throwaway
// Postgres container otherwise.
func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dsn := os.Getenv("DISCOUNTS_TEST_DATABASE_URL")
	if dsn == "" {
		ctr, err := tcpostgres.Run(ctx, "postgres:17-alpine",
			tcpostgres.WithDatabase("discounts"),
			tcpostgres.WithUsername("discounts"),
			tcpostgres.WithPassword("discounts"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			log.Fatalf("start postgres: %v", err)
		}
		defer func() {
			if err := testcontainers.TerminateContainer(ctr); err != nil {
				log.Printf("terminate postgres: %v", err)
			}
		}()

		dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			log.Fatalf("connection string: %v", err)
		}
	}

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	testPool = pool

	return m.Run()
}

var nextStore atomic.Int64

// newStore creates an isolated tenant for a test.
func newStore(t *testing.T, tz string) int64 {
	t.Helper()
	id := 1000 + nextStore.Add(1)
	require.NoError(t, NewStoreRepository(testPool, nil).Save(context.Background(), Store{
		ID: id, Name: t.Name(), Timezone: tz,
	}))
	return id
}

func ptr[T any](v T) *T { return &v }

func TestDiscountRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "Europe/Berlin")
	repo := NewDiscountRepository(testPool)

	starts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := &discount.Definition{
		StoreID:    storeID,
		Kind:       discount.KindCode,
		Title:      "Weekend shoes",
		Code:       " weekend20 ",
		UsageLimit: ptr(100),
		Value:      discount.Percentage(decimal.RequireFromString("0.20")),
		AppliesTo:  discount.Scope{Kind: discount.ScopeTags, IDs: []string{"shoes"}},
		Eligibility: discount.Eligibility{
			MinimumOrderAmount: ptr(decimal.RequireFromString("50.00")),
			ThresholdScope:     discount.ThresholdCart,
			CustomerSegment:    discount.SegmentReturning,
			StartsAt:           &starts,
			DaysOfWeek:         []time.Weekday{time.Saturday, time.Sunday},
			HourStart:          ptr(22),
			HourEnd:            ptr(2),
		},
		Combination: discount.Combination{
			CanCombineWithAutomatic: true,
			MaxCombinedDiscounts:    ptr(2),
			Priority:                3,
		},
		IsActive: true,
	}
	id, err := repo.Create(ctx, in)
	require.NoError(t, err)

	got, err := repo.FindCode(ctx, storeID, "Weekend20")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "WEEKEND20", got.Code)
	assert.Equal(t, 100, *got.UsageLimit)
	assert.True(t, decimal.RequireFromString("0.20").Equal(got.Value.Rate))
	assert.Equal(t, []string{"shoes"}, got.AppliesTo.IDs)
	assert.True(t, decimal.RequireFromString("50").Equal(*got.Eligibility.MinimumOrderAmount))
	assert.Nil(t, got.Eligibility.MaximumOrderAmount)
	assert.Equal(t, discount.ThresholdCart, got.Eligibility.ThresholdScope)
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, got.Eligibility.DaysOfWeek)
	assert.Equal(t, 22, *got.Eligibility.HourStart)
	assert.True(t, starts.Equal(*got.Eligibility.StartsAt))
	assert.Equal(t, 2, *got.Combination.MaxCombinedDiscounts)
	assert.Equal(t, 3, got.Combination.Priority)
	require.NoError(t, got.Validate())

	_, err = repo.FindCode(ctx, storeID+1, "WEEKEND20")
	require.ErrorIs(t, err, discount.ErrNotFound)
}

func TestDiscountRepository_ListAutomaticIgnoresActiveFlag(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "UTC")
	repo := NewDiscountRepository(testPool)

	for _, active := range []bool{true, false} {
		_, err := repo.Create(ctx, &discount.Definition{
			StoreID:     storeID,
			Kind:        discount.KindAutomatic,
			Title:       "free shipping",
			Value:       discount.FreeShipping(),
			AppliesTo:   discount.Scope{Kind: discount.ScopeAll},
			Combination: discount.Combination{CanCombineWithAutomatic: true},
			IsActive:    active,
		})
		require.NoError(t, err)
	}

	list, err := repo.ListAutomatic(ctx, storeID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDiscountRepository_BulkCodes(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "UTC")
	repo := NewDiscountRepository(testPool)

	template := discount.Definition{
		StoreID:   storeID,
		Kind:      discount.KindCode,
		Title:     "Influencer",
		Code:      "TEMPLATE",
		Value:     discount.FixedAmount(decimal.NewFromInt(5)),
		AppliesTo: discount.Scope{Kind: discount.ScopeAll},
	}

	n, err := repo.CopyCodes(ctx, template, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	inserted, err := repo.CreateCodeIfAbsent(ctx, template, "ALPHA")
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = repo.CreateCodeIfAbsent(ctx, template, "gamma")
	require.NoError(t, err)
	assert.True(t, inserted)

	codes, err := repo.ListCodes(ctx, storeID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ALPHA", "BETA", "GAMMA"}, codes)
}

func TestLedgerRepository_ConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "UTC")
	repo := NewDiscountRepository(testPool)
	ledger := NewLedgerRepository(testPool)

	id, err := repo.Create(ctx, &discount.Definition{
		StoreID:    storeID,
		Kind:       discount.KindCode,
		Title:      "Single use",
		Code:       "ONCE",
		UsageLimit: ptr(1),
		Value:      discount.FixedAmount(decimal.NewFromInt(10)),
		AppliesTo:  discount.Scope{Kind: discount.ScopeAll},
	})
	require.NoError(t, err)

	const workers = 20
	var (
		wg                  sync.WaitGroup
		succeeded, rejected atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Redeem(ctx, discount.Redemption{
				StoreID:    storeID,
				DiscountID: id,
				CustomerID: "cus",
				Savings:    decimal.NewFromInt(10),
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, discount.ErrUsageLimitExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(workers-1), rejected.Load())

	def, err := repo.Get(ctx, storeID, id)
	require.NoError(t, err)
	assert.Equal(t, 1, def.UsageCount)

	usages, err := ledger.Usages(ctx, storeID, id)
	require.NoError(t, err)
	assert.Len(t, usages, 1)
}

func TestLedgerRepository_RedeemUnknown(t *testing.T) {
	storeID := newStore(t, "UTC")
	_, err := NewLedgerRepository(testPool).Redeem(context.Background(), discount.Redemption{
		StoreID: storeID, DiscountID: 999999,
	})
	require.ErrorIs(t, err, discount.ErrNotFound)
}

func TestLedgerRepository_Reverse(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "UTC")
	repo := NewDiscountRepository(testPool)
	ledger := NewLedgerRepository(testPool)

	id, err := repo.Create(ctx, &discount.Definition{
		StoreID:    storeID,
		Kind:       discount.KindCode,
		Title:      "Two uses",
		Code:       "TWICE",
		UsageLimit: ptr(2),
		Value:      discount.FreeShipping(),
		AppliesTo:  discount.Scope{Kind: discount.ScopeAll},
	})
	require.NoError(t, err)

	red, err := ledger.Redeem(ctx, discount.Redemption{StoreID: storeID, DiscountID: id, CustomerID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, red.UsageCount)

	rev, err := ledger.Reverse(ctx, storeID, red.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rev.UsageCount)
	assert.Equal(t, "c1", rev.CustomerID)
	require.NotNil(t, rev.ReversedAt)

	_, err = ledger.Reverse(ctx, storeID, red.ID)
	require.ErrorIs(t, err, discount.ErrAlreadyReversed)

	_, err = ledger.Reverse(ctx, storeID+1, red.ID)
	require.ErrorIs(t, err, discount.ErrNotFound)
}

func TestLifecycleRepository(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "UTC")
	repo := NewDiscountRepository(testPool)
	lc := NewLifecycleRepository(testPool)
	now := time.Now().UTC().Truncate(time.Second)

	due, err := repo.Create(ctx, &discount.Definition{
		StoreID:     storeID,
		Kind:        discount.KindAutomatic,
		Title:       "due",
		Value:       discount.FreeShipping(),
		AppliesTo:   discount.Scope{Kind: discount.ScopeAll},
		Eligibility: discount.Eligibility{StartsAt: ptr(now.Add(-time.Hour))},
		IsActive:    false,
	})
	require.NoError(t, err)
	over, err := repo.Create(ctx, &discount.Definition{
		StoreID:   storeID,
		Kind:      discount.KindCode,
		Title:     "over",
		Code:      "OVER",
		Value:     discount.FreeShipping(),
		AppliesTo: discount.Scope{Kind: discount.ScopeAll},
		Eligibility: discount.Eligibility{
			StartsAt: ptr(now.Add(-2 * time.Hour)),
			EndsAt:   ptr(now),
		},
		IsActive: true,
	})
	require.NoError(t, err)

	activated, err := lc.Activate(ctx, now)
	require.NoError(t, err)
	assert.Contains(t, flipIDs(activated), due)

	deactivated, err := lc.Deactivate(ctx, now)
	require.NoError(t, err)
	assert.Contains(t, flipIDs(deactivated), over)

	again, err := lc.Activate(ctx, now)
	require.NoError(t, err)
	assert.NotContains(t, flipIDs(again), due)
}

func TestStoreRepository_Location(t *testing.T) {
	ctx := context.Background()
	withZone := newStore(t, "Asia/Tokyo")
	withoutZone := newStore(t, "")

	loc, err := NewStoreRepository(testPool, nil).Location(ctx, withZone)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())

	_, err = NewStoreRepository(testPool, nil).Location(ctx, withoutZone)
	require.ErrorIs(t, err, discount.ErrTimezoneRequired)

	loc, err = NewStoreRepository(testPool, time.UTC).Location(ctx, withoutZone)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = NewStoreRepository(testPool, nil).Location(ctx, 424242)
	require.ErrorIs(t, err, discount.ErrNotFound)
}

func flipIDs(flips []lifecycle.Flip) []int64 {
	out := make([]int64, len(flips))
	for i, f := range flips {
		out[i] = f.ID
	}
	return out
}

func TestDiscountRepository_ValueParams(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "UTC")
	repo := NewDiscountRepository(testPool)
	dec := decimal.RequireFromString

	bogo := &discount.Definition{
		StoreID:   storeID,
		Kind:      discount.KindAutomatic,
		Title:     "Socks 3 for 2",
		Value:     discount.Value{Type: discount.ValueBuyXGetY, Buy: 2, Get: 1, Amount: dec("4.50")},
		AppliesTo: discount.Scope{Kind: discount.ScopeAll},
	}
	volume := &discount.Definition{
		StoreID: storeID,
		Kind:    discount.KindAutomatic,
		Title:   "Bulk",
		Value: discount.Volume(
			discount.Tier{MinQuantity: 4, Rate: dec("0.05")},
			discount.Tier{MinQuantity: 10, Amount: dec("25.00")},
		),
		AppliesTo: discount.Scope{Kind: discount.ScopeAll},
	}
	bundle := &discount.Definition{
		StoreID:   storeID,
		Kind:      discount.KindAutomatic,
		Title:     "Outfit",
		Value:     discount.Bundle(3, dec("0.15")),
		AppliesTo: discount.Scope{Kind: discount.ScopeAll},
	}
	fixedPrice := &discount.Definition{
		StoreID:   storeID,
		Kind:      discount.KindAutomatic,
		Title:     "3 for 20",
		Value:     discount.FixedPrice(3, dec("20.00")),
		AppliesTo: discount.Scope{Kind: discount.ScopeAll},
	}
	spend := &discount.Definition{
		StoreID:   storeID,
		Kind:      discount.KindAutomatic,
		Title:     "Spend 100 pay 0",
		Value:     discount.SpendXPayY(dec("100.00"), decimal.Zero),
		AppliesTo: discount.Scope{Kind: discount.ScopeAll},
	}
	for _, def := range []*discount.Definition{bogo, volume, bundle, fixedPrice, spend} {
		_, err := repo.Create(ctx, def)
		require.NoError(t, err)
	}

	got, err := repo.ListAutomatic(ctx, storeID)
	require.NoError(t, err)
	require.Len(t, got, 5)

	b := got[0].Value
	assert.Equal(t, discount.ValueBuyXGetY, b.Type)
	assert.Equal(t, 2, b.Buy)
	assert.Equal(t, 1, b.Get)
	assert.False(t, b.SameProduct)
	assert.True(t, b.Rate.IsZero())
	assert.True(t, dec("4.50").Equal(b.Amount))

	v := got[1].Value
	require.Len(t, v.Tiers, 2)
	assert.Equal(t, 4, v.Tiers[0].MinQuantity)
	assert.True(t, dec("0.05").Equal(v.Tiers[0].Rate))
	assert.True(t, dec("25").Equal(v.Tiers[1].Amount))
	assert.Equal(t, 3, got[2].Value.MinProducts)
	assert.True(t, dec("0.15").Equal(got[2].Value.Rate))
	assert.Equal(t, 3, got[3].Value.Quantity)
	assert.True(t, dec("20").Equal(got[3].Value.Amount))
	assert.True(t, dec("100").Equal(got[4].Value.Spend))
	assert.True(t, got[4].Value.Pay.IsZero())
	for _, d := range got {
		require.NoError(t, d.Validate())
	}
}

func TestSchema_RejectsEmptyHourWindow(t *testing.T) {
	ctx := context.Background()
	storeID := newStore(t, "UTC")
	repo := NewDiscountRepository(testPool)

	id, err := repo.Create(ctx, &discount.Definition{
		StoreID:     storeID,
		Kind:        discount.KindAutomatic,
		Title:       "Happy hour",
		Value:       discount.Percentage(decimal.RequireFromString("0.10")),
		AppliesTo:   discount.Scope{Kind: discount.ScopeAll},
		Eligibility: discount.Eligibility{HourStart: ptr(17), HourEnd: ptr(19)},
	})
	require.NoError(t, err)

	_, err = testPool.Exec(ctx, `UPDATE discounts SET hour_end = hour_start WHERE id = $1`, id)
	require.Error(t, err)
	_, err = testPool.Exec(ctx, `UPDATE discounts SET hour_end = NULL WHERE id = $1`, id)
	require.Error(t, err)
}
