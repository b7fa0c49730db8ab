package discount

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvariantError reports a request or definition that violates a structural
// rule of the engine: a discount evaluated against another store, or a
// malformed definition. It is a programming or data error and aborts the
// request instead of rejecting the discount.
type InvariantError struct {
	DiscountID int64
	Msg        string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("discount %d: invariant violated: %s", e.DiscountID, e.Msg)
}

func invariant(d *Definition, format string, args ...any) error {
	return &InvariantError{DiscountID: d.ID, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the structural rules of a definition.
func (d *Definition) Validate() error {
	switch d.Kind {
	case KindCode:
		if d.Code == "" {
			return invariant(d, "code discount without code")
		}
		if d.UsageLimit != nil && *d.UsageLimit < 0 {
			return invariant(d, "negative usage limit %d", *d.UsageLimit)
		}
		if d.UsageLimit != nil && d.UsageCount > *d.UsageLimit {
			return invariant(d, "usage count %d exceeds limit %d", d.UsageCount, *d.UsageLimit)
		}
	case KindAutomatic:
		if d.Code != "" {
			return invariant(d, "automatic discount with code %q", d.Code)
		}
		if d.UsageLimit != nil {
			return invariant(d, "automatic discount with usage limit")
		}
	default:
		return invariant(d, "unknown kind %q", d.Kind)
	}
	if d.UsageCount < 0 {
		return invariant(d, "negative usage count %d", d.UsageCount)
	}

	switch d.Value.Type {
	case ValuePercentage:
		if !d.Value.Rate.IsPositive() || d.Value.Rate.GreaterThan(one) {
			return invariant(d, "percentage rate %s outside (0, 1]", d.Value.Rate)
		}
	case ValueFixedAmount:
		if !d.Value.Amount.IsPositive() {
			return invariant(d, "fixed amount %s must be positive", d.Value.Amount)
		}
	case ValueFreeShipping:
	case ValueBuyXGetY:
		if d.Value.Buy < 1 || d.Value.Get < 1 {
			return invariant(d, "buy %d get %d must both be at least 1", d.Value.Buy, d.Value.Get)
		}
		if err := checkReward(d, d.Value.Rate, d.Value.Amount); err != nil {
			return err
		}
	case ValueVolume:
		if len(d.Value.Tiers) == 0 {
			return invariant(d, "volume discount without tiers")
		}
		prev := 0
		for _, t := range d.Value.Tiers {
			if t.MinQuantity <= prev {
				return invariant(d, "volume tier quantities must ascend from 1, got %d after %d", t.MinQuantity, prev)
			}
			prev = t.MinQuantity
			if err := checkReward(d, t.Rate, t.Amount); err != nil {
				return err
			}
		}
	case ValueBundle:
		if d.Value.MinProducts < 2 {
			return invariant(d, "bundle needs at least 2 products, got %d", d.Value.MinProducts)
		}
		if err := checkReward(d, d.Value.Rate, d.Value.Amount); err != nil {
			return err
		}
	case ValueFixedPrice:
		if d.Value.Quantity < 1 || !d.Value.Amount.IsPositive() {
			return invariant(d, "fixed price %s for %d units", d.Value.Amount, d.Value.Quantity)
		}
	case ValueSpendXPayY:
		if d.Value.Pay.IsNegative() || !d.Value.Pay.LessThan(d.Value.Spend) {
			return invariant(d, "spend %s pay %s needs 0 <= pay < spend", d.Value.Spend, d.Value.Pay)
		}
	default:
		return invariant(d, "unknown value type %q", d.Value.Type)
	}

	switch d.AppliesTo.Kind {
	case ScopeAll, "":
	case ScopeProducts, ScopeCollections, ScopeTags:
		if len(d.AppliesTo.IDs) == 0 {
			return invariant(d, "%s scope without ids", d.AppliesTo.Kind)
		}
	default:
		return invariant(d, "unknown scope %q", d.AppliesTo.Kind)
	}

	e := d.Eligibility
	if e.StartsAt != nil && e.EndsAt != nil && !e.StartsAt.Before(*e.EndsAt) {
		return invariant(d, "starts_at %s not before ends_at %s", e.StartsAt, e.EndsAt)
	}
	if (e.HourStart == nil) != (e.HourEnd == nil) {
		return invariant(d, "hour window needs both start and end")
	}
	if e.HourStart != nil {
		if !validHour(*e.HourStart) || !validHour(*e.HourEnd) {
			return invariant(d, "hour window %d-%d outside 0-23", *e.HourStart, *e.HourEnd)
		}
		if *e.HourStart == *e.HourEnd {
			return invariant(d, "empty hour window %d-%d", *e.HourStart, *e.HourEnd)
		}
	}
	for _, wd := range e.DaysOfWeek {
		if wd < time.Sunday || wd > time.Saturday {
			return invariant(d, "invalid weekday %d", wd)
		}
	}
	if e.MinimumOrderAmount != nil && e.MaximumOrderAmount != nil && e.MinimumOrderAmount.GreaterThan(*e.MaximumOrderAmount) {
		return invariant(d, "minimum amount above maximum")
	}
	if e.MinimumQuantity != nil && e.MaximumQuantity != nil && *e.MinimumQuantity > *e.MaximumQuantity {
		return invariant(d, "minimum quantity above maximum")
	}
	switch e.ThresholdScope {
	case "", ThresholdAppliesTo, ThresholdCart:
	default:
		return invariant(d, "unknown threshold scope %q", e.ThresholdScope)
	}

	if m := d.Combination.MaxCombinedDiscounts; m != nil && *m < 1 {
		return invariant(d, "max combined discounts %d below 1", *m)
	}
	return nil
}

// checkReward requires exactly one of a rate in (0, 1] and a positive amount.
func checkReward(d *Definition, rate, amount decimal.Decimal) error {
	switch {
	case rate.IsZero() == amount.IsZero():
		return invariant(d, "reward needs exactly one of rate %s and amount %s", rate, amount)
	case !rate.IsZero() && (rate.IsNegative() || rate.GreaterThan(one)):
		return invariant(d, "reward rate %s outside (0, 1]", rate)
	case amount.IsNegative():
		return invariant(d, "reward amount %s must be positive", amount)
	}
	return nil
}

func validHour(h int) bool { return h >= 0 && h <= 23 }
