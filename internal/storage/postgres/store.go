package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

const (
	getStoreTimezoneSQL = `SELECT timezone FROM stores WHERE id = $1`

	upsertStoreSQL = `INSERT INTO stores (id, name, timezone) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, timezone = EXCLUDED.timezone`

	// Keeps BIGSERIAL ahead of explicitly seeded ids.
	syncStoreSeqSQL = `SELECT setval(pg_get_serial_sequence('stores', 'id'), GREATEST((SELECT MAX(id) FROM stores), 1))`
)

// Store is a merchant tenant.
type Store struct {
	ID       int64
	Name     string
	Timezone string
}

var _ discount.Locations = (*StoreRepository)(nil)

// StoreRepository resolves store timezones. A store without a timezone
// uses the fallback when one is configured.
type StoreRepository struct {
	pool     *pgxpool.Pool
	fallback *time.Location

	// Loaded locations are immutable, cache by zone name.
	zones sync.Map
}

// NewStoreRepository returns a StoreRepository. fallback may be nil.
func NewStoreRepository(pool *pgxpool.Pool, fallback *time.Location) *StoreRepository {
	return &StoreRepository{pool: pool, fallback: fallback}
}

// Location returns the store's timezone. It returns
// discount.ErrTimezoneRequired when neither the store nor the fallback
// provides one.
func (r *StoreRepository) Location(ctx context.Context, storeID int64) (*time.Location, error) {
	var name string
	err := r.pool.QueryRow(ctx, getStoreTimezoneSQL, storeID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(discount.ErrNotFound, "store %d", storeID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting timezone of store %d: %w", storeID, err)
	}
	if name == "" {
		if r.fallback == nil {
			return nil, errors.Wrapf(discount.ErrTimezoneRequired, "store %d", storeID)
		}
		return r.fallback, nil
	}
	return r.load(name)
}

func (r *StoreRepository) load(name string) (*time.Location, error) {
	if loc, ok := r.zones.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", name, err)
	}
	r.zones.Store(name, loc)
	return loc, nil
}

// Save inserts or updates a store.
func (r *StoreRepository) Save(ctx context.Context, s Store) error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("store %d: invalid timezone %q: %w", s.ID, s.Timezone, err)
		}
	}
	if _, err := r.pool.Exec(ctx, upsertStoreSQL, s.ID, s.Name, s.Timezone); err != nil {
		return fmt.Errorf("saving store %d: %w", s.ID, err)
	}
	if _, err := r.pool.Exec(ctx, syncStoreSeqSQL); err != nil {
		return fmt.Errorf("syncing store sequence: %w", err)
	}
	return nil
}
