// Package cache puts a Redis read-through cache in front of the discount
// catalog.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/lifecycle"
)

// Client is the part of *redis.Client the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var (
	_ discount.Catalog      = (*Catalog)(nil)
	_ lifecycle.Invalidator = (*Catalog)(nil)
)

// Catalog caches each store's automatic discounts. Code lookups go straight
// to the underlying catalog. Redis failures degrade to uncached reads.
type Catalog struct {
	next   discount.Catalog
	client Client
	ttl    time.Duration
	loads  singleflight.Group
}

// NewCatalog wraps next with a cache whose entries live for ttl.
func NewCatalog(next discount.Catalog, client Client, ttl time.Duration) *Catalog {
	return &Catalog{next: next, client: client, ttl: ttl}
}

func automaticKey(storeID int64) string {
	return "discounts:store:" + strconv.FormatInt(storeID, 10) + ":automatic"
}

func (c *Catalog) ListAutomatic(ctx context.Context, storeID int64) ([]discount.Definition, error) {
	key := automaticKey(storeID)
	lg := zctx.From(ctx).With(zap.Int64("store_id", storeID))

	defs, err := c.get(ctx, key)
	switch {
	case err == nil:
		return defs, nil
	case !errors.Is(err, redis.Nil):
		lg.Warn("Discount cache read failed", zap.Error(err))
	}

	v, err, _ := c.loads.Do(key, func() (any, error) {
		defs, err := c.next.ListAutomatic(ctx, storeID)
		if err != nil {
			return nil, err
		}
		if err := c.set(ctx, key, defs); err != nil {
			lg.Warn("Discount cache write failed", zap.Error(err))
		}
		return defs, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]discount.Definition)), nil
}

func (c *Catalog) FindCode(ctx context.Context, storeID int64, code string) (*discount.Definition, error) {
	return c.next.FindCode(ctx, storeID, code)
}

// Invalidate drops the store's cached automatics.
func (c *Catalog) Invalidate(ctx context.Context, storeID int64) error {
	if err := c.client.Del(ctx, automaticKey(storeID)).Err(); err != nil {
		return fmt.Errorf("invalidating store %d: %w", storeID, err)
	}
	return nil
}

func (c *Catalog) get(ctx context.Context, key string) ([]discount.Definition, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var defs []discount.Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, errors.Wrap(err, "decode cached discounts")
	}
	return defs, nil
}

func (c *Catalog) set(ctx context.Context, key string, defs []discount.Definition) error {
	payload, err := json.Marshal(defs)
	if err != nil {
		return errors.Wrap(err, "encode discounts")
	}
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}
