package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/cache"
	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/lifecycle"
	"github.com/xenking/discount-engine/internal/domain/pricing"
	"github.com/xenking/discount-engine/internal/handler"
	"github.com/xenking/discount-engine/internal/storage/postgres"
	"github.com/xenking/discount-engine/pkg/health"
	"github.com/xenking/discount-engine/pkg/httpmiddleware"
)

// Run wires dependencies, serves HTTP and shuts down gracefully when ctx is
// done.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	if cfg.DefaultTimezone == "" {
		lg.Warn("No default timezone: stores without one cannot use day or hour windows")
	}
	var catalog discount.Catalog = postgres.NewDiscountRepository(pool)
	stores := postgres.NewStoreRepository(pool, cfg.Location())
	ledger := postgres.NewLedgerRepository(pool)

	sweeperOpts := []lifecycle.Option{lifecycle.WithMeterProvider(m.MeterProvider())}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		cached := cache.NewCatalog(catalog, rdb, cfg.Redis.TTL)
		catalog = cached
		sweeperOpts = append(sweeperOpts, lifecycle.WithInvalidator(cached))
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		lg.Info("Catalog cache enabled", zap.String("redis", cfg.Redis.Addr), zap.Duration("ttl", cfg.Redis.TTL))
	}

	svc, err := pricing.NewService(catalog, ledger, stores, pricing.Config{
		MaxRedeemAttempts: cfg.Pricing.MaxRedeemAttempts,
		TracerProvider:    m.TracerProvider(),
		MeterProvider:     m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create pricing service")
	}

	if cfg.Sweeper.Enabled {
		sweeper := lifecycle.NewSweeper(postgres.NewLifecycleRepository(pool), sweeperOpts...)
		go sweeper.Run(zctx.Base(ctx, lg.Named("sweeper")), cfg.Sweeper.Interval)

		last := func() time.Time {
			at, _ := sweeper.LastSuccess()
			return at
		}
		healthSvc.AddReadinessCheck("sweeper", time.Second, health.StalenessCheck(last, 3*cfg.Sweeper.Interval, nil))
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	router := chi.NewRouter()
	router.Use(
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.LogRequests(),
	)
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	handler.NewHandler(svc).Mount(router, httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
		Key:    httpmiddleware.StoreClient,
	}))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("discount-api", m.TracerProvider(), m.MeterProvider()),
		),
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
