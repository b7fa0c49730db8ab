package discount

import (
	"cmp"
	"slices"
)

// Rejection is a discount that was not applied. Discount is nil when an
// entered code did not match any definition.
type Rejection struct {
	Discount *Definition
	Code     string
	Reason   Reason
}

// Resolver picks the mutually compatible subset of eligible discounts.
type Resolver struct {
	// MaxCodes bounds how many code discounts may be admitted together.
	MaxCodes int
}

// NewResolver returns a resolver admitting a single code per request.
func NewResolver() Resolver {
	return Resolver{MaxCodes: 1}
}

// SortByPriority orders discounts by ascending priority, then ascending ID.
func SortByPriority(ds []*Definition) {
	slices.SortStableFunc(ds, func(a, b *Definition) int {
		if c := cmp.Compare(a.Combination.Priority, b.Combination.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Resolve admits eligible discounts greedily in priority order. A candidate
// is admitted only if it is pairwise compatible with every admitted discount
// and the admitted set would not exceed the smallest MaxCombinedDiscounts of
// its members. The returned slice is in application order.
func (r Resolver) Resolve(candidates []*Definition) ([]*Definition, []Rejection) {
	ordered := slices.Clone(candidates)
	SortByPriority(ordered)

	var (
		admitted []*Definition
		rejected []Rejection
		codes    int
		limit    = -1
	)
	for _, c := range ordered {
		if !r.admissible(admitted, codes, limit, c) {
			rejected = append(rejected, Rejection{Discount: c, Code: c.Code, Reason: ReasonCombinationNotAllowed})
			continue
		}
		admitted = append(admitted, c)
		if c.Kind == KindCode {
			codes++
		}
		limit = bindingLimit(limit, c)
	}
	return admitted, rejected
}

func (r Resolver) admissible(admitted []*Definition, codes, limit int, c *Definition) bool {
	if c.Kind == KindCode && codes >= max(r.MaxCodes, 1) {
		return false
	}
	if l := bindingLimit(limit, c); l >= 0 && len(admitted)+1 > l {
		return false
	}
	for _, a := range admitted {
		if !compatible(a, c) {
			return false
		}
	}
	return true
}

// bindingLimit folds c's MaxCombinedDiscounts into the current limit. -1
// stands for unlimited.
func bindingLimit(limit int, c *Definition) int {
	m := c.Combination.MaxCombinedDiscounts
	if m == nil {
		return limit
	}
	if limit < 0 || *m < limit {
		return *m
	}
	return limit
}

func compatible(a, b *Definition) bool {
	switch {
	case a.Kind == KindCode && b.Kind == KindCode:
		return a.Combination.CanCombineWithOtherCodes && b.Combination.CanCombineWithOtherCodes
	case a.Kind == KindCode:
		return a.Combination.CanCombineWithAutomatic
	case b.Kind == KindCode:
		return b.Combination.CanCombineWithAutomatic
	default:
		return a.Combination.CanCombineWithAutomatic && b.Combination.CanCombineWithAutomatic
	}
}
