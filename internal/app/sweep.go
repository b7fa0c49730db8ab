package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/cache"
	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/lifecycle"
	"github.com/xenking/discount-engine/internal/storage/postgres"
)

// SweepOnce runs a single lifecycle sweep and logs what changed.
func SweepOnce(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	opts := []lifecycle.Option{lifecycle.WithMeterProvider(m.MeterProvider())}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		opts = append(opts, lifecycle.WithInvalidator(
			cache.NewCatalog(postgres.NewDiscountRepository(pool), rdb, cfg.Redis.TTL),
		))
	}

	summary, err := lifecycle.NewSweeper(postgres.NewLifecycleRepository(pool), opts...).Sweep(ctx)
	if err != nil {
		return errors.Wrap(err, "sweep")
	}
	for _, kind := range []discount.Kind{discount.KindAutomatic, discount.KindCode} {
		activated, deactivated := summary.Count(kind)
		lg.Info("Swept discounts",
			zap.String("kind", string(kind)),
			zap.Int("activated", activated),
			zap.Int("deactivated", deactivated),
		)
	}
	lg.Info("Sweep complete", zap.Int64s("stores", summary.Stores()))
	return nil
}
