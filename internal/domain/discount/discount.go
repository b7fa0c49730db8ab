package discount

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind distinguishes automatic discounts from code-based ones.
type Kind string

const (
	// KindAutomatic applies without the customer entering anything.
	KindAutomatic Kind = "automatic"
	// KindCode requires the customer to enter a matching code and carries a usage cap.
	KindCode Kind = "code"
)

// ValueType enumerates the supported discount strategies.
type ValueType string

const (
	// ValuePercentage takes a rate of the in-scope subtotal.
	ValuePercentage ValueType = "percentage"
	// ValueFixedAmount subtracts a fixed amount from the in-scope lines.
	ValueFixedAmount ValueType = "fixed_amount"
	// ValueFreeShipping zeroes the shipping component.
	ValueFreeShipping ValueType = "free_shipping"
	// ValueBuyXGetY rewards Get units out of every Buy+Get in-scope units.
	ValueBuyXGetY ValueType = "bogo"
	// ValueVolume applies the highest quantity tier the in-scope lines reach.
	ValueVolume ValueType = "volume"
	// ValueBundle takes Rate or Amount off once MinProducts distinct in-scope
	// lines are in the cart.
	ValueBundle ValueType = "bundle"
	// ValueFixedPrice sells every Quantity in-scope units for Amount.
	ValueFixedPrice ValueType = "fixed_price"
	// ValueSpendXPayY charges Pay for Spend worth of in-scope items.
	ValueSpendXPayY ValueType = "spend_x_pay_y"
)

// Value is the tagged discount payload. Rate is set for percentages (a
// fraction, 0.10 means 10%), Amount for fixed amounts.
//
// A buy-X-get-Y value rewards each qualifying unit with Rate off its price
// (1 means free) or, when Amount is set, with Amount off. SameProduct counts
// bundles within a single line; otherwise units are pooled across lines and
// the cheapest ones are rewarded.
type Value struct {
	Type   ValueType
	Rate   decimal.Decimal
	Amount decimal.Decimal

	Buy         int
	Get         int
	SameProduct bool

	// Tiers are ordered by ascending MinQuantity.
	Tiers []Tier

	MinProducts int
	Quantity    int
	Spend       decimal.Decimal
	Pay         decimal.Decimal
}

// Tier is one step of a volume discount. Exactly one of Rate and Amount is
// set.
type Tier struct {
	MinQuantity int
	Rate        decimal.Decimal
	Amount      decimal.Decimal
}

// Percentage returns a percentage value. rate is a fraction in (0, 1].
func Percentage(rate decimal.Decimal) Value {
	return Value{Type: ValuePercentage, Rate: rate}
}

// FixedAmount returns a fixed monetary value.
func FixedAmount(amount decimal.Decimal) Value {
	return Value{Type: ValueFixedAmount, Amount: amount}
}

// FreeShipping returns a free shipping value.
func FreeShipping() Value {
	return Value{Type: ValueFreeShipping}
}

// BuyXGetY returns a buy-X-get-Y value where every rewarded unit gets rate
// off. Use decimal 1 for "get one free".
func BuyXGetY(buy, get int, rate decimal.Decimal, sameProduct bool) Value {
	return Value{Type: ValueBuyXGetY, Buy: buy, Get: get, Rate: rate, SameProduct: sameProduct}
}

// Volume returns a tiered quantity value.
func Volume(tiers ...Tier) Value {
	return Value{Type: ValueVolume, Tiers: tiers}
}

// Bundle returns a value that takes rate off once minProducts distinct
// in-scope lines are present.
func Bundle(minProducts int, rate decimal.Decimal) Value {
	return Value{Type: ValueBundle, MinProducts: minProducts, Rate: rate}
}

// FixedPrice returns a value that sells every quantity units for price.
func FixedPrice(quantity int, price decimal.Decimal) Value {
	return Value{Type: ValueFixedPrice, Quantity: quantity, Amount: price}
}

// SpendXPayY returns a value that charges pay once spend is reached.
func SpendXPayY(spend, pay decimal.Decimal) Value {
	return Value{Type: ValueSpendXPayY, Spend: spend, Pay: pay}
}

// tier returns the highest tier reached by qty.
func (v Value) tier(qty int) (Tier, bool) {
	for i := len(v.Tiers) - 1; i >= 0; i-- {
		if qty >= v.Tiers[i].MinQuantity {
			return v.Tiers[i], true
		}
	}
	return Tier{}, false
}

// reached reports whether the in-scope lines earn a quantity or spend based
// reward. Other value types always do.
func (v Value) reached(scope Scope, lines []Line) bool {
	switch v.Type {
	case ValueVolume:
		_, ok := v.tier(scopedQuantity(scope, lines))
		return ok
	case ValueBuyXGetY:
		group := v.Buy + v.Get
		if !v.SameProduct {
			return scopedQuantity(scope, lines) >= group
		}
		for _, l := range lines {
			if scope.Matches(l) && l.Quantity >= group {
				return true
			}
		}
		return false
	case ValueBundle:
		n := 0
		for _, l := range lines {
			if scope.Matches(l) && l.Quantity > 0 {
				n++
			}
		}
		return n >= v.MinProducts
	case ValueFixedPrice:
		return scopedQuantity(scope, lines) >= v.Quantity
	case ValueSpendXPayY:
		total := decimal.Zero
		for _, l := range lines {
			if scope.Matches(l) {
				total = total.Add(l.Total())
			}
		}
		return total.GreaterThanOrEqual(v.Spend)
	}
	return true
}

// ScopeKind selects which cart lines a discount applies to.
type ScopeKind string

const (
	ScopeAll         ScopeKind = "all"
	ScopeProducts    ScopeKind = "products"
	ScopeCollections ScopeKind = "collections"
	ScopeTags        ScopeKind = "tags"
)

// Scope is the applies_to selector. IDs holds product ids, collection ids or
// tag names depending on Kind and is ignored for ScopeAll.
type Scope struct {
	Kind ScopeKind
	IDs  []string
}

// Matches reports whether the line falls inside the scope.
func (s Scope) Matches(l Line) bool {
	switch s.Kind {
	case ScopeAll, "":
		return true
	case ScopeProducts:
		return slices.Contains(s.IDs, l.ProductID)
	case ScopeCollections:
		return containsAny(s.IDs, l.CollectionIDs)
	case ScopeTags:
		return containsAny(s.IDs, l.Tags)
	default:
		return false
	}
}

func containsAny(set, values []string) bool {
	for _, v := range values {
		if slices.Contains(set, v) {
			return true
		}
	}
	return false
}

// ThresholdScope decides which lines count toward amount and quantity bounds.
type ThresholdScope string

const (
	// ThresholdAppliesTo counts only lines matching the discount scope.
	ThresholdAppliesTo ThresholdScope = "applies_to"
	// ThresholdCart counts the whole cart regardless of scope.
	ThresholdCart ThresholdScope = "cart"
)

// Segment is a customer segment. The empty segment matches every customer.
type Segment string

const (
	SegmentAny       Segment = ""
	SegmentNew       Segment = "new"
	SegmentReturning Segment = "returning"
	SegmentVIP       Segment = "vip"
)

// Eligibility is the predicate bag of a discount. Nil pointers and empty
// slices mean the predicate is not set.
type Eligibility struct {
	MinimumOrderAmount *decimal.Decimal
	MaximumOrderAmount *decimal.Decimal
	MinimumQuantity    *int
	MaximumQuantity    *int
	ThresholdScope     ThresholdScope

	CustomerSegment      Segment
	MinimumOrdersCount   *int
	MinimumLifetimeValue *decimal.Decimal

	// StartsAt is inclusive, EndsAt exclusive.
	StartsAt *time.Time
	EndsAt   *time.Time
	// DaysOfWeek and the hour window are evaluated in the store's timezone.
	DaysOfWeek []time.Weekday
	// HourStart > HourEnd denotes a window crossing midnight.
	HourStart *int
	HourEnd   *int
}

// Combination holds the stacking attributes of a discount.
//
// Priority orders evaluation and application: lower values go first, ties
// are broken by ascending ID.
type Combination struct {
	CanCombineWithAutomatic  bool
	CanCombineWithOtherCodes bool
	MaxCombinedDiscounts     *int
	Priority                 int
}

// Definition is a discount as configured by a store administrator. It is
// read-only to the engine apart from UsageCount, which the ledger owns.
type Definition struct {
	ID      int64
	StoreID int64
	Kind    Kind
	Title   string

	// Code, UsageLimit and UsageCount are only meaningful for KindCode.
	Code       string
	UsageLimit *int
	UsageCount int

	Value       Value
	AppliesTo   Scope
	Eligibility Eligibility
	Combination Combination

	// IsActive is a cache maintained by the lifecycle sweeper. The evaluator
	// never reads it.
	IsActive bool
}

// NormalizeCode upper-cases and trims a discount code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Line is a cart line item.
type Line struct {
	ID            string
	ProductID     string
	CollectionIDs []string
	Tags          []string
	UnitPrice     decimal.Decimal
	Quantity      int
}

// Total returns unit price times quantity.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is an immutable cart snapshot. Shipping is the externally computed
// shipping charge.
type Cart struct {
	Lines    []Line
	Shipping decimal.Decimal
}

// Subtotal returns the sum of all line totals.
func (c Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range c.Lines {
		sum = sum.Add(l.Total())
	}
	return sum
}

// Quantity returns the sum of all line quantities.
func (c Cart) Quantity() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// Customer is the pre-aggregated customer profile.
type Customer struct {
	ID            string
	Segment       Segment
	OrdersCount   int
	LifetimeValue decimal.Decimal
}

// Request is a single pricing evaluation. Location is the store's configured
// timezone and must be set whenever a candidate uses a day or hour window.
type Request struct {
	StoreID  int64
	Cart     Cart
	Customer Customer
	At       time.Time
	Location *time.Location
	Code     string
}

// Redemption is a committed use of a code-based discount.
type Redemption struct {
	ID         uuid.UUID
	StoreID    int64
	DiscountID int64
	CustomerID string
	Savings    decimal.Decimal
	RedeemedAt time.Time
	// UsageCount is the discount's usage count after this redemption.
	UsageCount int
	ReversedAt *time.Time
}

var (
	// ErrNotFound is returned when a discount, code or redemption does not exist
	// for the given store.
	ErrNotFound = errors.New("discount not found")
	// ErrUsageLimitExceeded is returned by the ledger when a code has no uses left.
	ErrUsageLimitExceeded = errors.New("discount usage limit exceeded")
	// ErrAlreadyReversed is returned when reversing a redemption twice.
	ErrAlreadyReversed = errors.New("redemption already reversed")
	// ErrTimezoneRequired is returned when a time window must be evaluated
	// without a store timezone.
	ErrTimezoneRequired = errors.New("store timezone required")
)

// Catalog is the read-only view over a store's discounts.
type Catalog interface {
	// ListAutomatic returns every automatic discount of the store, active or not.
	ListAutomatic(ctx context.Context, storeID int64) ([]Definition, error)
	// FindCode returns the code discount matching the normalized code or ErrNotFound.
	FindCode(ctx context.Context, storeID int64, code string) (*Definition, error)
}

// Ledger records code usage. Redeem must increment the usage count with a
// single atomic compare-and-increment and return ErrUsageLimitExceeded when
// the cap is already reached.
type Ledger interface {
	Redeem(ctx context.Context, r Redemption) (*Redemption, error)
	Reverse(ctx context.Context, storeID int64, redemptionID uuid.UUID) (*Redemption, error)
}

// Locations resolves a store's configured timezone.
type Locations interface {
	Location(ctx context.Context, storeID int64) (*time.Location, error)
}
