package discount

// Reason explains why a discount was not applied. Reasons are returned to the
// caller, never raised as errors.
type Reason string

const (
	ReasonNotFound                  Reason = "not_found"
	ReasonNotStarted                Reason = "not_started"
	ReasonExpired                   Reason = "expired"
	ReasonOutsideTimeWindow         Reason = "outside_time_window"
	ReasonUsageLimitReached         Reason = "usage_limit_reached"
	ReasonNoApplicableItems         Reason = "no_applicable_items"
	ReasonBelowMinimumAmount        Reason = "below_minimum_amount"
	ReasonAboveMaximumAmount        Reason = "above_maximum_amount"
	ReasonBelowMinimumQuantity      Reason = "below_minimum_quantity"
	ReasonAboveMaximumQuantity      Reason = "above_maximum_quantity"
	ReasonSegmentMismatch           Reason = "segment_mismatch"
	ReasonBelowMinimumOrders        Reason = "below_minimum_orders"
	ReasonBelowMinimumLifetimeValue Reason = "below_minimum_lifetime_value"
	ReasonCombinationNotAllowed     Reason = "combination_not_allowed"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:                  "Discount code not found",
	ReasonNotStarted:                "This discount is not active yet",
	ReasonExpired:                   "This discount has expired",
	ReasonOutsideTimeWindow:         "This discount is not available at this time",
	ReasonUsageLimitReached:         "This discount code has reached its usage limit",
	ReasonNoApplicableItems:         "No items in your cart qualify for this discount",
	ReasonBelowMinimumAmount:        "Order total is below the minimum for this discount",
	ReasonAboveMaximumAmount:        "Order total exceeds the maximum for this discount",
	ReasonBelowMinimumQuantity:      "Add more items to use this discount",
	ReasonAboveMaximumQuantity:      "Too many items in your cart for this discount",
	ReasonSegmentMismatch:           "This discount is not available for your account",
	ReasonBelowMinimumOrders:        "This discount requires more previous orders",
	ReasonBelowMinimumLifetimeValue: "This discount requires a higher lifetime spend",
	ReasonCombinationNotAllowed:     "This discount cannot be combined with other discounts",
}

// Message returns a human-readable explanation suitable for shoppers.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return "This discount cannot be applied"
}
