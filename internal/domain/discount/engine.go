package discount

import (
	"slices"
)

// Result is the outcome of pricing a cart.
type Result struct {
	// Applied is in application order.
	Applied  []Adjustment
	Rejected []Rejection
	Totals   Totals
}

// Adjustment returns the adjustment of the given discount, if applied.
func (r *Result) Adjustment(id int64) (Adjustment, bool) {
	for _, a := range r.Applied {
		if a.Discount.ID == id {
			return a, true
		}
	}
	return Adjustment{}, false
}

// Rejection returns the rejection of the given discount, if rejected.
func (r *Result) Rejection(id int64) (Rejection, bool) {
	for _, rj := range r.Rejected {
		if rj.Discount != nil && rj.Discount.ID == id {
			return rj, true
		}
	}
	return Rejection{}, false
}

// Price evaluates candidates against req, resolves the eligible ones and
// applies them. It has no side effects: identical inputs produce identical
// results. Ineligible candidates are reported as rejections in priority
// order, followed by the ones dropped during combination.
func Price(candidates []*Definition, req *Request, resolver Resolver) (*Result, error) {
	ordered := slices.Clone(candidates)
	SortByPriority(ordered)

	var (
		eligibleSet []*Definition
		res         Result
	)
	for _, d := range ordered {
		v, err := Evaluate(d, req)
		if err != nil {
			return nil, err
		}
		if !v.Eligible {
			res.Rejected = append(res.Rejected, Rejection{Discount: d, Code: d.Code, Reason: v.Reason})
			continue
		}
		eligibleSet = append(eligibleSet, d)
	}

	admitted, dropped := resolver.Resolve(eligibleSet)
	res.Rejected = append(res.Rejected, dropped...)
	res.Applied, res.Totals = Apply(admitted, req.Cart)
	return &res, nil
}
