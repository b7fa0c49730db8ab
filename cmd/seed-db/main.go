package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/storage/postgres"
)

type seedFile struct {
	Stores    []storeJSON    `json:"stores"`
	Discounts []discountJSON `json:"discounts"`
}

type storeJSON struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

type discountJSON struct {
	StoreID    int64  `json:"store_id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Code       string `json:"code"`
	UsageLimit *int   `json:"usage_limit"`
	Value      struct {
		Type        string          `json:"type"`
		Rate        decimal.Decimal `json:"rate"`
		Amount      decimal.Decimal `json:"amount"`
		Buy         int             `json:"buy"`
		Get         int             `json:"get"`
		SameProduct bool            `json:"same_product"`
		Tiers       []struct {
			MinQuantity int             `json:"min_quantity"`
			Rate        decimal.Decimal `json:"rate"`
			Amount      decimal.Decimal `json:"amount"`
		} `json:"tiers"`
		MinProducts int             `json:"min_products"`
		Quantity    int             `json:"quantity"`
		Spend       decimal.Decimal `json:"spend"`
		Pay         decimal.Decimal `json:"pay"`
	} `json:"value"`
	AppliesTo struct {
		Kind string   `json:"kind"`
		IDs  []string `json:"ids"`
	} `json:"applies_to"`
	Eligibility struct {
		MinimumOrderAmount   *decimal.Decimal `json:"minimum_order_amount"`
		MaximumOrderAmount   *decimal.Decimal `json:"maximum_order_amount"`
		MinimumQuantity      *int             `json:"minimum_quantity"`
		MaximumQuantity      *int             `json:"maximum_quantity"`
		ThresholdScope       string           `json:"threshold_scope"`
		CustomerSegment      string           `json:"customer_segment"`
		MinimumOrdersCount   *int             `json:"minimum_orders_count"`
		MinimumLifetimeValue *decimal.Decimal `json:"minimum_lifetime_value"`
		StartsAt             *time.Time       `json:"starts_at"`
		EndsAt               *time.Time       `json:"ends_at"`
		DaysOfWeek           []time.Weekday   `json:"days_of_week"`
		HourStart            *int             `json:"hour_start"`
		HourEnd              *int             `json:"hour_end"`
	} `json:"eligibility"`
	Combination struct {
		CanCombineWithAutomatic  *bool `json:"can_combine_with_automatic"`
		CanCombineWithOtherCodes bool  `json:"can_combine_with_other_codes"`
		MaxCombinedDiscounts     *int  `json:"max_combined_discounts"`
		Priority                 int   `json:"priority"`
	} `json:"combination"`
	IsActive bool `json:"is_active"`
}

// definition maps the seed entry, applying the admin defaults: automatics
// combine with each other unless told otherwise and at most one discount
// applies when no limit is given.
func (d discountJSON) definition() discount.Definition {
	e := d.Eligibility
	c := d.Combination
	combineAuto := true
	if c.CanCombineWithAutomatic != nil {
		combineAuto = *c.CanCombineWithAutomatic
	}
	maxCombined := c.MaxCombinedDiscounts
	if maxCombined == nil {
		one := 1
		maxCombined = &one
	}
	var tiers []discount.Tier
	for _, t := range d.Value.Tiers {
		tiers = append(tiers, discount.Tier{MinQuantity: t.MinQuantity, Rate: t.Rate, Amount: t.Amount})
	}
	return discount.Definition{
		StoreID:    d.StoreID,
		Kind:       discount.Kind(d.Kind),
		Title:      d.Title,
		Code:       d.Code,
		UsageLimit: d.UsageLimit,
		Value: discount.Value{
			Type:        discount.ValueType(d.Value.Type),
			Rate:        d.Value.Rate,
			Amount:      d.Value.Amount,
			Buy:         d.Value.Buy,
			Get:         d.Value.Get,
			SameProduct: d.Value.SameProduct,
			Tiers:       tiers,
			MinProducts: d.Value.MinProducts,
			Quantity:    d.Value.Quantity,
			Spend:       d.Value.Spend,
			Pay:         d.Value.Pay,
		},
		AppliesTo: discount.Scope{Kind: discount.ScopeKind(d.AppliesTo.Kind), IDs: d.AppliesTo.IDs},
		Eligibility: discount.Eligibility{
			MinimumOrderAmount:   e.MinimumOrderAmount,
			MaximumOrderAmount:   e.MaximumOrderAmount,
			MinimumQuantity:      e.MinimumQuantity,
			MaximumQuantity:      e.MaximumQuantity,
			ThresholdScope:       discount.ThresholdScope(e.ThresholdScope),
			CustomerSegment:      discount.Segment(e.CustomerSegment),
			MinimumOrdersCount:   e.MinimumOrdersCount,
			MinimumLifetimeValue: e.MinimumLifetimeValue,
			StartsAt:             e.StartsAt,
			EndsAt:               e.EndsAt,
			DaysOfWeek:           e.DaysOfWeek,
			HourStart:            e.HourStart,
			HourEnd:              e.HourEnd,
		},
		Combination: discount.Combination{
			CanCombineWithAutomatic:  combineAuto,
			CanCombineWithOtherCodes: c.CanCombineWithOtherCodes,
			MaxCombinedDiscounts:     maxCombined,
			Priority:                 c.Priority,
		},
		IsActive: d.IsActive,
	}
}

func main() {
	var (
		databaseURL string
		seedPath    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "seed-file", "db/seed/discounts.json", "path to stores and discounts JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedPath); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed successfully")
}

func readSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read seed file")
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, errors.Wrap(err, "parse seed JSON")
	}
	for i, d := range seed.Discounts {
		def := d.definition()
		if err := def.Validate(); err != nil {
			return nil, errors.Wrapf(err, "discount %d (%s)", i, d.Title)
		}
	}
	return &seed, nil
}

func run(ctx context.Context, databaseURL, seedPath string) error {
	seed, err := readSeed(seedPath)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	stores := postgres.NewStoreRepository(pool, nil)
	for _, s := range seed.Stores {
		if err := stores.Save(ctx, postgres.Store{ID: s.ID, Name: s.Name, Timezone: s.Timezone}); err != nil {
			return errors.Wrapf(err, "save store %d", s.ID)
		}
		slog.Info("saved store", slog.Int64("id", s.ID), slog.String("timezone", s.Timezone))
	}

	return seedDiscounts(ctx, postgres.NewDiscountRepository(pool), seed.Discounts)
}

type discountWriter interface {
	ListAutomatic(ctx context.Context, storeID int64) ([]discount.Definition, error)
	Create(ctx context.Context, d *discount.Definition) (int64, error)
	CreateCodeIfAbsent(ctx context.Context, template discount.Definition, code string) (bool, error)
}

// seedDiscounts creates the seed discounts that do not exist yet, so the
// command can be rerun. Codes match by code, automatics by store and title.
func seedDiscounts(ctx context.Context, w discountWriter, entries []discountJSON) error {
	titles := make(map[int64]map[string]bool)
	for _, d := range entries {
		def := d.definition()
		lg := slog.With(
			slog.Int64("store_id", def.StoreID),
			slog.String("kind", string(def.Kind)),
			slog.String("title", def.Title),
		)

		if def.Kind == discount.KindCode {
			created, err := w.CreateCodeIfAbsent(ctx, def, def.Code)
			if err != nil {
				return errors.Wrapf(err, "create code %q", def.Code)
			}
			if !created {
				lg.Info("code exists, skipped")
				continue
			}
			lg.Info("created discount")
			continue
		}

		seen, ok := titles[def.StoreID]
		if !ok {
			existing, err := w.ListAutomatic(ctx, def.StoreID)
			if err != nil {
				return errors.Wrapf(err, "list automatic discounts of store %d", def.StoreID)
			}
			seen = make(map[string]bool, len(existing))
			for _, e := range existing {
				seen[e.Title] = true
			}
			titles[def.StoreID] = seen
		}
		if seen[def.Title] {
			lg.Info("automatic discount exists, skipped")
			continue
		}
		id, err := w.Create(ctx, &def)
		if err != nil {
			return errors.Wrapf(err, "create discount %q", def.Title)
		}
		seen[def.Title] = true
		lg.Info("created discount", slog.Int64("id", id))
	}
	return nil
}
