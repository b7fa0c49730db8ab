package discount

import (
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Verdict is the outcome of evaluating a single discount.
type Verdict struct {
	Eligible bool
	Reason   Reason
}

func eligible() Verdict       { return Verdict{Eligible: true} }
func reject(r Reason) Verdict { return Verdict{Reason: r} }

// Evaluate decides whether d is eligible for req. Checks run in a fixed order
// and the first failing check determines the reason. Errors are reserved for
// invariant violations and must abort the request.
//
// Evaluate is pure: the active flag is ignored and the temporal window is
// re-derived from StartsAt and EndsAt against req.At.
func Evaluate(d *Definition, req *Request) (Verdict, error) {
	if d.StoreID != req.StoreID {
		return Verdict{}, invariant(d, "store %d evaluated for store %d", d.StoreID, req.StoreID)
	}
	if err := d.Validate(); err != nil {
		return Verdict{}, err
	}

	e := d.Eligibility
	if e.StartsAt != nil && req.At.Before(*e.StartsAt) {
		return reject(ReasonNotStarted), nil
	}
	if e.EndsAt != nil && !req.At.Before(*e.EndsAt) {
		return reject(ReasonExpired), nil
	}

	if len(e.DaysOfWeek) > 0 || e.HourStart != nil {
		if req.Location == nil {
			return Verdict{}, errors.Wrapf(ErrTimezoneRequired, "discount %d", d.ID)
		}
		if !inTimeWindow(e, req.At.In(req.Location)) {
			return reject(ReasonOutsideTimeWindow), nil
		}
	}

	if d.Kind == KindCode && d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit {
		// Advisory only. The ledger re-checks atomically on redemption.
		return reject(ReasonUsageLimitReached), nil
	}

	amount, quantity, matched := thresholdBasis(d, req.Cart)
	if !matched {
		return reject(ReasonNoApplicableItems), nil
	}
	if e.MinimumOrderAmount != nil && amount.LessThan(*e.MinimumOrderAmount) {
		return reject(ReasonBelowMinimumAmount), nil
	}
	if e.MaximumOrderAmount != nil && amount.GreaterThan(*e.MaximumOrderAmount) {
		return reject(ReasonAboveMaximumAmount), nil
	}
	if e.MinimumQuantity != nil && quantity < *e.MinimumQuantity {
		return reject(ReasonBelowMinimumQuantity), nil
	}
	if e.MaximumQuantity != nil && quantity > *e.MaximumQuantity {
		return reject(ReasonAboveMaximumQuantity), nil
	}

	c := req.Customer
	if e.CustomerSegment != SegmentAny && c.Segment != e.CustomerSegment {
		return reject(ReasonSegmentMismatch), nil
	}
	if e.MinimumOrdersCount != nil && c.OrdersCount < *e.MinimumOrdersCount {
		return reject(ReasonBelowMinimumOrders), nil
	}
	if e.MinimumLifetimeValue != nil && c.LifetimeValue.LessThan(*e.MinimumLifetimeValue) {
		return reject(ReasonBelowMinimumLifetimeValue), nil
	}

	if !d.Value.reached(d.AppliesTo, req.Cart.Lines) {
		return reject(ReasonBelowMinimumQuantity), nil
	}
	return eligible(), nil
}

func inTimeWindow(e Eligibility, local time.Time) bool {
	if len(e.DaysOfWeek) > 0 && !slices.Contains(e.DaysOfWeek, local.Weekday()) {
		return false
	}
	if e.HourStart == nil {
		return true
	}
	h, start, end := local.Hour(), *e.HourStart, *e.HourEnd
	if start < end {
		return h >= start && h < end
	}
	// Window crosses midnight, e.g. 22-2.
	return h >= start || h < end
}

// thresholdBasis returns the amount and quantity used for bounds checks and
// whether any line falls in the discount scope.
func thresholdBasis(d *Definition, cart Cart) (decimal.Decimal, int, bool) {
	amount, quantity, matched := decimal.Zero, 0, false
	for _, l := range cart.Lines {
		if d.AppliesTo.Matches(l) {
			matched = true
		} else if d.Eligibility.ThresholdScope != ThresholdCart {
			continue
		}
		amount = amount.Add(l.Total())
		quantity += l.Quantity
	}
	return amount, quantity, matched
}
