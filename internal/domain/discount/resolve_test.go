package discount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ids(ds []*Definition) []int64 {
	out := make([]int64, len(ds))
	for i, x := range ds {
		out[i] = x.ID
	}
	return out
}

func rejectedIDs(rs []Rejection) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.Discount.ID
	}
	return out
}

func TestResolve_PriorityOrder(t *testing.T) {
	a := automatic(3, FreeShipping())
	b := automatic(1, Percentage(d("0.05")))
	c := automatic(2, Percentage(d("0.05")))
	a.Combination.Priority = 1
	b.Combination.Priority = 5
	c.Combination.Priority = 5

	admitted, rejected := NewResolver().Resolve([]*Definition{b, c, a})

	assert.Equal(t, []int64{3, 1, 2}, ids(admitted))
	assert.Empty(t, rejected)
}

func TestResolve_CodeWithAutomatic(t *testing.T) {
	tests := []struct {
		name         string
		codeCombines bool
		wantApplied  []int64
		wantRejected []int64
	}{
		{"code allows automatic", true, []int64{1, 2}, []int64{}},
		{"code refuses automatic", false, []int64{1}, []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auto := automatic(1, FreeShipping())
			auto.Combination.Priority = 5
			c := code(2, "SAVE10", Percentage(d("0.10")))
			c.Combination.Priority = 10
			c.Combination.CanCombineWithAutomatic = tt.codeCombines

			admitted, rejected := NewResolver().Resolve([]*Definition{c, auto})

			assert.Equal(t, tt.wantApplied, ids(admitted))
			assert.Equal(t, tt.wantRejected, rejectedIDs(rejected))
			for _, r := range rejected {
				assert.Equal(t, ReasonCombinationNotAllowed, r.Reason)
			}
		})
	}
}

func TestResolve_CodeFirstBlocksAutomatic(t *testing.T) {
	c := code(1, "VIP", Percentage(d("0.20")))
	c.Combination.CanCombineWithAutomatic = false
	auto := automatic(2, FreeShipping())
	auto.Combination.Priority = 1

	admitted, rejected := NewResolver().Resolve([]*Definition{auto, c})

	assert.Equal(t, []int64{1}, ids(admitted))
	assert.Equal(t, []int64{2}, rejectedIDs(rejected))
}

func TestResolve_AutomaticPairs(t *testing.T) {
	a := automatic(1, FreeShipping())
	b := automatic(2, Percentage(d("0.05")))
	b.Combination.CanCombineWithAutomatic = false

	admitted, rejected := NewResolver().Resolve([]*Definition{a, b})

	assert.Equal(t, []int64{1}, ids(admitted))
	assert.Equal(t, []int64{2}, rejectedIDs(rejected))
}

func TestResolve_SingleCode(t *testing.T) {
	a := code(1, "A", Percentage(d("0.10")))
	b := code(2, "B", Percentage(d("0.10")))
	a.Combination.CanCombineWithOtherCodes = true
	b.Combination.CanCombineWithOtherCodes = true

	admitted, rejected := NewResolver().Resolve([]*Definition{a, b})
	assert.Equal(t, []int64{1}, ids(admitted))
	assert.Equal(t, []int64{2}, rejectedIDs(rejected))
}

func TestResolve_CodePairsWhenAllowed(t *testing.T) {
	tests := []struct {
		name   string
		aFlag  bool
		bFlag  bool
		wantIn []int64
	}{
		{"both allow", true, true, []int64{1, 2}},
		{"first refuses", false, true, []int64{1}},
		{"second refuses", true, false, []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := code(1, "A", Percentage(d("0.10")))
			b := code(2, "B", Percentage(d("0.10")))
			a.Combination.CanCombineWithOtherCodes = tt.aFlag
			b.Combination.CanCombineWithOtherCodes = tt.bFlag

			admitted, _ := Resolver{MaxCodes: 2}.Resolve([]*Definition{a, b})
			assert.Equal(t, tt.wantIn, ids(admitted))
		})
	}
}

func TestResolve_MaxCombined(t *testing.T) {
	tests := []struct {
		name        string
		caps        []int // 0 means unlimited
		wantApplied []int64
	}{
		{"unlimited", []int{0, 0, 0}, []int64{1, 2, 3}},
		{"first caps at one", []int{1, 0, 0}, []int64{1}},
		{"first caps at two", []int{2, 0, 0}, []int64{1, 2}},
		{"later member tightens", []int{0, 0, 2}, []int64{1, 2}},
		{"candidate cap binds the set", []int{0, 0, 3}, []int64{1, 2, 3}},
		{"minimum across set", []int{3, 2, 0}, []int64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ds []*Definition
			for i, c := range tt.caps {
				x := automatic(int64(i+1), Percentage(d("0.01")))
				if c > 0 {
					x.Combination.MaxCombinedDiscounts = ptr(c)
				}
				ds = append(ds, x)
			}

			admitted, rejected := NewResolver().Resolve(ds)

			assert.Equal(t, tt.wantApplied, ids(admitted))
			assert.Len(t, rejected, len(ds)-len(admitted))
		})
	}
}

func TestResolve_NeverAdmitsTwoCodes(t *testing.T) {
	// Exhaustive over flag combinations for a mixed candidate set.
	for mask := 0; mask < 1<<6; mask++ {
		a := code(1, "A", FreeShipping())
		b := code(2, "B", FreeShipping())
		c := automatic(3, FreeShipping())
		a.Combination.CanCombineWithOtherCodes = mask&1 != 0
		b.Combination.CanCombineWithOtherCodes = mask&2 != 0
		a.Combination.CanCombineWithAutomatic = mask&4 != 0
		b.Combination.CanCombineWithAutomatic = mask&8 != 0
		c.Combination.CanCombineWithAutomatic = mask&16 != 0
		if mask&32 != 0 {
			c.Combination.Priority = -1
		}

		admitted, rejected := NewResolver().Resolve([]*Definition{a, b, c})

		codes := 0
		for _, x := range admitted {
			if x.Kind == KindCode {
				codes++
			}
		}
		assert.LessOrEqual(t, codes, 1, "mask %b", mask)
		assert.Len(t, rejected, 3-len(admitted), "mask %b", mask)
		assert.NotEmpty(t, admitted, "first candidate is always admitted")
	}
}

func TestResolve_Empty(t *testing.T) {
	admitted, rejected := NewResolver().Resolve(nil)
	assert.Empty(t, admitted)
	assert.Empty(t, rejected)
}
