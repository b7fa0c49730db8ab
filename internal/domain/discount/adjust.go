package discount

import (
	"slices"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// LineAdjustment is the share of a discount attributed to one cart line.
type LineAdjustment struct {
	LineID string
	Amount decimal.Decimal
}

// Adjustment is the monetary effect of one applied discount.
type Adjustment struct {
	Discount *Definition
	// Amount is the total reduction, items plus shipping.
	Amount   decimal.Decimal
	Lines    []LineAdjustment
	Shipping decimal.Decimal
}

// PricedLine is a cart line after all discounts.
type PricedLine struct {
	LineID   string
	Total    decimal.Decimal
	Discount decimal.Decimal
	Final    decimal.Decimal
}

// Totals summarizes a priced cart.
type Totals struct {
	Subtotal         decimal.Decimal
	ItemsDiscount    decimal.Decimal
	Shipping         decimal.Decimal
	ShippingDiscount decimal.Decimal
	Total            decimal.Decimal
	Lines            []PricedLine
}

// Discount returns the combined reduction across items and shipping.
func (t Totals) Discount() decimal.Decimal {
	return t.ItemsDiscount.Add(t.ShippingDiscount)
}

// Apply computes the adjustments of ordered discounts against cart. Each
// discount sees the amounts left by the ones before it. Line amounts are
// rounded half-up to cents and never go below zero.
func Apply(ordered []*Definition, cart Cart) ([]Adjustment, Totals) {
	remaining := make([]decimal.Decimal, len(cart.Lines))
	for i, l := range cart.Lines {
		remaining[i] = l.Total()
	}
	shipping := cart.Shipping

	adjustments := make([]Adjustment, 0, len(ordered))
	for _, d := range ordered {
		adj := Adjustment{Discount: d, Amount: decimal.Zero, Shipping: decimal.Zero}
		switch d.Value.Type {
		case ValuePercentage:
			adj.Lines = applyPercentage(d.AppliesTo, d.Value.Rate, cart.Lines, remaining)
		case ValueFixedAmount:
			adj.Lines = applyFixed(d.AppliesTo, d.Value.Amount, cart.Lines, remaining)
		case ValueBuyXGetY:
			adj.Lines = applyBuyXGetY(d, cart.Lines, remaining)
		case ValueVolume:
			if t, ok := d.Value.tier(scopedQuantity(d.AppliesTo, cart.Lines)); ok {
				adj.Lines = applyReward(d.AppliesTo, t.Rate, t.Amount, cart.Lines, remaining)
			}
		case ValueBundle:
			if d.Value.reached(d.AppliesTo, cart.Lines) {
				adj.Lines = applyReward(d.AppliesTo, d.Value.Rate, d.Value.Amount, cart.Lines, remaining)
			}
		case ValueFixedPrice:
			adj.Lines = applyFixedPrice(d, cart.Lines, remaining)
		case ValueSpendXPayY:
			if scopedRemaining(d.AppliesTo, cart.Lines, remaining).GreaterThanOrEqual(d.Value.Spend) {
				adj.Lines = applyFixed(d.AppliesTo, d.Value.Spend.Sub(d.Value.Pay), cart.Lines, remaining)
			}
		case ValueFreeShipping:
			adj.Shipping = floorAtZero(shipping)
			shipping = decimal.Zero
		}
		for _, la := range adj.Lines {
			adj.Amount = adj.Amount.Add(la.Amount)
		}
		adj.Amount = adj.Amount.Add(adj.Shipping)
		adjustments = append(adjustments, adj)
	}

	t := Totals{
		Subtotal:      cart.Subtotal(),
		ItemsDiscount: decimal.Zero,
		Shipping:      cart.Shipping,
		Lines:         make([]PricedLine, len(cart.Lines)),
	}
	itemsLeft := decimal.Zero
	for i, l := range cart.Lines {
		total := l.Total()
		t.Lines[i] = PricedLine{
			LineID:   l.ID,
			Total:    total,
			Discount: total.Sub(remaining[i]),
			Final:    remaining[i],
		}
		t.ItemsDiscount = t.ItemsDiscount.Add(t.Lines[i].Discount)
		itemsLeft = itemsLeft.Add(remaining[i])
	}
	t.ShippingDiscount = cart.Shipping.Sub(floorAtZero(shipping))
	t.Total = floorAtZero(itemsLeft.Add(floorAtZero(shipping)))
	return adjustments, t
}

func applyPercentage(scope Scope, rate decimal.Decimal, lines []Line, remaining []decimal.Decimal) []LineAdjustment {
	var out []LineAdjustment
	for i, l := range lines {
		if !scope.Matches(l) || !remaining[i].IsPositive() {
			continue
		}
		cut := decimal.Min(remaining[i].Mul(rate).Round(2), remaining[i])
		remaining[i] = remaining[i].Sub(cut)
		out = append(out, LineAdjustment{LineID: l.ID, Amount: cut})
	}
	return out
}

// applyFixed spreads min(value, scoped total) over the scoped lines in
// proportion to their remaining amounts. The last scoped line absorbs the
// rounding remainder.
func applyFixed(scope Scope, value decimal.Decimal, lines []Line, remaining []decimal.Decimal) []LineAdjustment {
	var (
		scoped []int
		base   = decimal.Zero
	)
	for i, l := range lines {
		if scope.Matches(l) && remaining[i].IsPositive() {
			scoped = append(scoped, i)
			base = base.Add(remaining[i])
		}
	}
	if len(scoped) == 0 {
		return nil
	}

	amount := decimal.Min(value, base)
	left := amount
	out := make([]LineAdjustment, 0, len(scoped))
	for n, i := range scoped {
		var cut decimal.Decimal
		if n == len(scoped)-1 {
			cut = left
		} else {
			cut = amount.Mul(remaining[i]).Div(base).Round(2)
		}
		cut = decimal.Min(floorAtZero(cut), remaining[i], left)
		remaining[i] = remaining[i].Sub(cut)
		left = left.Sub(cut)
		out = append(out, LineAdjustment{LineID: lines[i].ID, Amount: cut})
	}
	return out
}

// applyReward takes rate off, or amount when it is set.
func applyReward(scope Scope, rate, amount decimal.Decimal, lines []Line, remaining []decimal.Decimal) []LineAdjustment {
	if amount.IsPositive() {
		return applyFixed(scope, amount, lines, remaining)
	}
	return applyPercentage(scope, rate, lines, remaining)
}

// scopedUnits returns the remaining unit price of every in-scope line, the
// indexes of those lines and their pooled quantity.
func scopedUnits(scope Scope, lines []Line, remaining []decimal.Decimal) ([]decimal.Decimal, []int, int) {
	unit := make([]decimal.Decimal, len(lines))
	var scoped []int
	pooled := 0
	for i, l := range lines {
		if !scope.Matches(l) || !remaining[i].IsPositive() || l.Quantity <= 0 {
			continue
		}
		unit[i] = remaining[i].Div(decimal.NewFromInt(int64(l.Quantity)))
		scoped = append(scoped, i)
		pooled += l.Quantity
	}
	return unit, scoped, pooled
}

// cheapestFirst assigns up to n units to lines, cheapest unit price first.
func cheapestFirst(n int, scoped []int, unit []decimal.Decimal, lines []Line) []int {
	order := slices.Clone(scoped)
	slices.SortStableFunc(order, func(a, b int) int { return unit[a].Cmp(unit[b]) })
	counts := make([]int, len(lines))
	for _, i := range order {
		if n == 0 {
			break
		}
		counts[i] = min(n, lines[i].Quantity)
		n -= counts[i]
	}
	return counts
}

// applyBuyXGetY prices every rewarded unit at its remaining unit price.
func applyBuyXGetY(d *Definition, lines []Line, remaining []decimal.Decimal) []LineAdjustment {
	v := d.Value
	group := v.Buy + v.Get
	unit, scoped, pooled := scopedUnits(d.AppliesTo, lines, remaining)

	var rewarded []int
	if v.SameProduct {
		rewarded = make([]int, len(lines))
		for _, i := range scoped {
			rewarded[i] = lines[i].Quantity / group * v.Get
		}
	} else {
		rewarded = cheapestFirst(pooled/group*v.Get, scoped, unit, lines)
	}

	var out []LineAdjustment
	for i, n := range rewarded {
		if n == 0 {
			continue
		}
		per := unit[i].Mul(v.Rate)
		if v.Amount.IsPositive() {
			per = decimal.Min(v.Amount, unit[i])
		}
		cut := decimal.Min(per.Mul(decimal.NewFromInt(int64(n))).Round(2), remaining[i])
		remaining[i] = remaining[i].Sub(cut)
		out = append(out, LineAdjustment{LineID: lines[i].ID, Amount: cut})
	}
	return out
}

// applyFixedPrice fills as many groups of Quantity units as the cart allows
// with the cheapest units and charges Amount per group. The saving is spread
// over the grouped units by price, the last one absorbing the remainder.
func applyFixedPrice(d *Definition, lines []Line, remaining []decimal.Decimal) []LineAdjustment {
	v := d.Value
	unit, scoped, pooled := scopedUnits(d.AppliesTo, lines, remaining)
	groups := pooled / v.Quantity
	if groups == 0 {
		return nil
	}
	counts := cheapestFirst(groups*v.Quantity, scoped, unit, lines)

	var grouped []int
	regular := decimal.Zero
	for i, n := range counts {
		if n > 0 {
			grouped = append(grouped, i)
			regular = regular.Add(unit[i].Mul(decimal.NewFromInt(int64(n))))
		}
	}
	saving := regular.Sub(v.Amount.Mul(decimal.NewFromInt(int64(groups)))).Round(2)
	if !saving.IsPositive() {
		return nil
	}

	left := saving
	out := make([]LineAdjustment, 0, len(grouped))
	for n, i := range grouped {
		cut := left
		if n < len(grouped)-1 {
			share := unit[i].Mul(decimal.NewFromInt(int64(counts[i])))
			cut = saving.Mul(share).Div(regular).Round(2)
		}
		cut = decimal.Min(floorAtZero(cut), remaining[i], left)
		remaining[i] = remaining[i].Sub(cut)
		left = left.Sub(cut)
		out = append(out, LineAdjustment{LineID: lines[i].ID, Amount: cut})
	}
	return out
}

func scopedRemaining(scope Scope, lines []Line, remaining []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for i, l := range lines {
		if scope.Matches(l) {
			total = total.Add(remaining[i])
		}
	}
	return total
}

func scopedQuantity(scope Scope, lines []Line) int {
	n := 0
	for _, l := range lines {
		if scope.Matches(l) {
			n += l.Quantity
		}
	}
	return n
}

func floorAtZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
