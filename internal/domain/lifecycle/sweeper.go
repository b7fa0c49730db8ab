// Package lifecycle keeps the cached active flag of discounts in line with
// their temporal windows.
//
// The flag is only used for listings. Pricing always re-derives the window,
// so a sweep that runs late or fails never changes which discounts apply.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

// Flip is a discount whose active flag was changed by a sweep.
type Flip struct {
	ID      int64
	StoreID int64
	Kind    discount.Kind
	Title   string
}

// Store flips active flags with conditional updates. Both methods must only
// touch rows whose flag disagrees with the window at now, which makes
// repeated calls no-ops.
type Store interface {
	// Activate sets is_active for discounts with starts_at <= now < ends_at.
	Activate(ctx context.Context, now time.Time) ([]Flip, error)
	// Deactivate clears is_active for discounts with ends_at <= now.
	Deactivate(ctx context.Context, now time.Time) ([]Flip, error)
}

// Invalidator drops cached definitions of a store.
type Invalidator interface {
	Invalidate(ctx context.Context, storeID int64) error
}

// Summary reports what a sweep changed.
type Summary struct {
	At          time.Time
	Activated   []Flip
	Deactivated []Flip
}

// Count returns the number of flips of the given kind.
func (s Summary) Count(kind discount.Kind) (activated, deactivated int) {
	for _, f := range s.Activated {
		if f.Kind == kind {
			activated++
		}
	}
	for _, f := range s.Deactivated {
		if f.Kind == kind {
			deactivated++
		}
	}
	return activated, deactivated
}

// Stores returns the distinct stores touched by the sweep.
func (s Summary) Stores() []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, group := range [][]Flip{s.Activated, s.Deactivated} {
		for _, f := range group {
			if _, ok := seen[f.StoreID]; ok {
				continue
			}
			seen[f.StoreID] = struct{}{}
			out = append(out, f.StoreID)
		}
	}
	return out
}

// Sweeper periodically reconciles active flags.
type Sweeper struct {
	store       Store
	invalidator Invalidator
	flipped     metric.Int64Counter

	// now is the clock used for sweeps. Tests may replace it.
	now func() time.Time

	lastSuccess atomic.Pointer[time.Time]
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInvalidator drops cached definitions of every store touched by a sweep.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Sweeper) { s.invalidator = inv }
}

// WithMeterProvider records flip counts as discount.sweep.flipped.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Sweeper) {
		c, err := mp.Meter("discount-engine/lifecycle").Int64Counter("discount.sweep.flipped",
			metric.WithDescription("Discounts whose active flag was flipped by the sweeper"),
		)
		if err == nil {
			s.flipped = c
		}
	}
}

// WithClock overrides the sweep clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper over store.
func NewSweeper(store Store, opts ...Option) *Sweeper {
	s := &Sweeper{store: store, now: time.Now}
	s.flipped, _ = noop.NewMeterProvider().Meter("").Int64Counter("")
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sweep runs activation and deactivation once. They select disjoint rows and
// run concurrently.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	sum := Summary{At: s.now()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		flips, err := s.store.Activate(gctx, sum.At)
		if err != nil {
			return errors.Wrap(err, "activate")
		}
		sum.Activated = flips
		return nil
	})
	g.Go(func() error {
		flips, err := s.store.Deactivate(gctx, sum.At)
		if err != nil {
			return errors.Wrap(err, "deactivate")
		}
		sum.Deactivated = flips
		return nil
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	s.record(ctx, "activate", sum.Activated)
	s.record(ctx, "deactivate", sum.Deactivated)

	if s.invalidator != nil {
		for _, storeID := range sum.Stores() {
			if err := s.invalidator.Invalidate(ctx, storeID); err != nil {
				zctx.From(ctx).Warn("Failed to invalidate discount cache",
					zap.Int64("store_id", storeID),
					zap.Error(err),
				)
			}
		}
	}

	at := sum.At
	s.lastSuccess.Store(&at)
	return sum, nil
}

func (s *Sweeper) record(ctx context.Context, action string, flips []Flip) {
	lg := zctx.From(ctx)
	for _, f := range flips {
		lg.Info("Discount flag flipped",
			zap.String("action", action),
			zap.Int64("discount_id", f.ID),
			zap.Int64("store_id", f.StoreID),
			zap.String("kind", string(f.Kind)),
			zap.String("title", f.Title),
		)
		s.flipped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("kind", string(f.Kind)),
		))
	}
}

// LastSuccess returns the time of the last successful sweep.
func (s *Sweeper) LastSuccess() (time.Time, bool) {
	if p := s.lastSuccess.Load(); p != nil {
		return *p, true
	}
	return time.Time{}, false
}

// Run sweeps immediately and then every interval until ctx is done. Failures
// are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sum, err := s.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			lg.Error("Discount sweep failed", zap.Error(err))
		case err == nil:
			lg.Debug("Discount sweep done",
				zap.Int("activated", len(sum.Activated)),
				zap.Int("deactivated", len(sum.Deactivated)),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
