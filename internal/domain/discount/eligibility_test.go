package discount

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition, *Request)
		want   Reason
	}{
		{"no predicates", func(*Definition, *Request) {}, ""},
		{"not started", func(x *Definition, _ *Request) {
			x.Eligibility.StartsAt = ptr(noon.Add(time.Minute))
		}, ReasonNotStarted},
		{"starts inclusive", func(x *Definition, _ *Request) {
			x.Eligibility.StartsAt = ptr(noon)
		}, ""},
		{"ends exclusive", func(x *Definition, _ *Request) {
			x.Eligibility.EndsAt = ptr(noon)
		}, ReasonExpired},
		{"stale active flag ignored", func(x *Definition, _ *Request) {
			x.IsActive = true
			x.Eligibility.EndsAt = ptr(noon.Add(-time.Hour))
		}, ReasonExpired},
		{"inactive flag ignored", func(x *Definition, _ *Request) {
			x.IsActive = false
		}, ""},
		{"wrong weekday", func(x *Definition, _ *Request) {
			x.Eligibility.DaysOfWeek = []time.Weekday{time.Saturday, time.Sunday}
		}, ReasonOutsideTimeWindow},
		{"matching weekday", func(x *Definition, _ *Request) {
			x.Eligibility.DaysOfWeek = []time.Weekday{time.Wednesday}
		}, ""},
		{"inside hours", func(x *Definition, _ *Request) {
			x.Eligibility.HourStart, x.Eligibility.HourEnd = ptr(9), ptr(17)
		}, ""},
		{"hour end exclusive", func(x *Definition, _ *Request) {
			x.Eligibility.HourStart, x.Eligibility.HourEnd = ptr(9), ptr(12)
		}, ReasonOutsideTimeWindow},
		{"usage exhausted", func(x *Definition, _ *Request) {
			x.UsageLimit, x.UsageCount = ptr(5), 5
		}, ReasonUsageLimitReached},
		{"zero usage limit", func(x *Definition, _ *Request) {
			x.UsageLimit = ptr(0)
		}, ReasonUsageLimitReached},
		{"uses left", func(x *Definition, _ *Request) {
			x.UsageLimit, x.UsageCount = ptr(5), 4
		}, ""},
		{"minimum amount inclusive", func(x *Definition, _ *Request) {
			x.Eligibility.MinimumOrderAmount = ptr(d("100.00"))
		}, ""},
		{"below minimum amount", func(x *Definition, _ *Request) {
			x.Eligibility.MinimumOrderAmount = ptr(d("100.01"))
		}, ReasonBelowMinimumAmount},
		{"maximum amount inclusive", func(x *Definition, _ *Request) {
			x.Eligibility.MaximumOrderAmount = ptr(d("100.00"))
		}, ""},
		{"above maximum amount", func(x *Definition, _ *Request) {
			x.Eligibility.MaximumOrderAmount = ptr(d("99.99"))
		}, ReasonAboveMaximumAmount},
		{"below minimum quantity", func(x *Definition, _ *Request) {
			x.Eligibility.MinimumQuantity = ptr(4)
		}, ReasonBelowMinimumQuantity},
		{"above maximum quantity", func(x *Definition, _ *Request) {
			x.Eligibility.MaximumQuantity = ptr(2)
		}, ReasonAboveMaximumQuantity},
		{"quantity bounds inclusive", func(x *Definition, _ *Request) {
			x.Eligibility.MinimumQuantity, x.Eligibility.MaximumQuantity = ptr(3), ptr(3)
		}, ""},
		{"segment mismatch", func(x *Definition, r *Request) {
			x.Eligibility.CustomerSegment = SegmentVIP
			r.Customer.Segment = SegmentNew
		}, ReasonSegmentMismatch},
		{"segment match", func(x *Definition, r *Request) {
			x.Eligibility.CustomerSegment = SegmentVIP
			r.Customer.Segment = SegmentVIP
		}, ""},
		{"too few orders", func(x *Definition, r *Request) {
			x.Eligibility.MinimumOrdersCount = ptr(3)
			r.Customer.OrdersCount = 2
		}, ReasonBelowMinimumOrders},
		{"lifetime value too low", func(x *Definition, r *Request) {
			x.Eligibility.MinimumLifetimeValue = ptr(d("500"))
			r.Customer.LifetimeValue = d("499.99")
		}, ReasonBelowMinimumLifetimeValue},
		{"no line in scope", func(x *Definition, _ *Request) {
			x.AppliesTo = Scope{Kind: ScopeProducts, IDs: []string{"elsewhere"}}
		}, ReasonNoApplicableItems},
		{"bogo pooled bundle", func(x *Definition, _ *Request) {
			x.Value = BuyXGetY(2, 1, d("1"), false)
		}, ""},
		{"bogo same product short", func(x *Definition, _ *Request) {
			x.Value = BuyXGetY(2, 1, d("1"), true)
		}, ReasonBelowMinimumQuantity},
		{"volume tier reached", func(x *Definition, _ *Request) {
			x.Value = Volume(Tier{MinQuantity: 3, Rate: d("0.10")})
		}, ""},
		{"volume below first tier", func(x *Definition, _ *Request) {
			x.Value = Volume(Tier{MinQuantity: 5, Rate: d("0.10")})
		}, ReasonBelowMinimumQuantity},
		{"bundle complete", func(x *Definition, _ *Request) {
			x.Value = Bundle(2, d("0.10"))
		}, ""},
		{"bundle short", func(x *Definition, _ *Request) {
			x.Value = Bundle(3, d("0.10"))
		}, ReasonBelowMinimumQuantity},
		{"fixed price group filled", func(x *Definition, _ *Request) {
			x.Value = FixedPrice(3, d("50"))
		}, ""},
		{"fixed price group short", func(x *Definition, _ *Request) {
			x.Value = FixedPrice(4, d("50"))
		}, ReasonBelowMinimumQuantity},
		{"spend reached", func(x *Definition, _ *Request) {
			x.Value = SpendXPayY(d("100"), d("80"))
		}, ""},
		{"spend short", func(x *Definition, _ *Request) {
			x.Value = SpendXPayY(d("150"), d("120"))
		}, ReasonBelowMinimumQuantity},
		{"first failing check wins", func(x *Definition, r *Request) {
			x.Eligibility.EndsAt = ptr(noon.Add(-time.Hour))
			x.Eligibility.MinimumOrderAmount = ptr(d("1000"))
			x.Eligibility.CustomerSegment = SegmentVIP
		}, ReasonExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := code(1, "SAVE", Percentage(d("0.10")))
			// 3 items totalling 100.00
			req := request(line("a", "40.00", 2), line("b", "20.00", 1))
			tt.mutate(def, req)

			v, err := Evaluate(def, req)
			require.NoError(t, err)
			assert.Equal(t, tt.want == "", v.Eligible)
			assert.Equal(t, tt.want, v.Reason)
		})
	}
}

func TestEvaluate_OvernightHours(t *testing.T) {
	def := automatic(1, FreeShipping())
	def.Eligibility.HourStart, def.Eligibility.HourEnd = ptr(22), ptr(2)

	tests := []struct {
		hour int
		want bool
	}{
		{21, false}, {22, true}, {23, true}, {0, true}, {1, true}, {2, false}, {12, false},
	}
	for _, tt := range tests {
		req := request(line("a", "10.00", 1))
		req.At = time.Date(2026, time.March, 4, tt.hour, 30, 0, 0, time.UTC)
		v, err := Evaluate(def, req)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v.Eligible, "hour %d", tt.hour)
	}
}

func TestEvaluate_StoreTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	def := automatic(1, FreeShipping())
	def.Eligibility.DaysOfWeek = []time.Weekday{time.Thursday}
	def.Eligibility.HourStart, def.Eligibility.HourEnd = ptr(0), ptr(6)

	// 2026-03-04 20:00 UTC is Thursday 05:00 in Tokyo.
	req := request(line("a", "10.00", 1))
	req.At = time.Date(2026, time.March, 4, 20, 0, 0, 0, time.UTC)
	req.Location = tokyo

	v, err := Evaluate(def, req)
	require.NoError(t, err)
	assert.True(t, v.Eligible)

	req.Location = time.UTC
	v, err = Evaluate(def, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonOutsideTimeWindow, v.Reason)
}

func TestEvaluate_TimezoneRequired(t *testing.T) {
	def := automatic(1, FreeShipping())
	def.Eligibility.DaysOfWeek = []time.Weekday{time.Monday}
	req := request(line("a", "10.00", 1))
	req.Location = nil

	_, err := Evaluate(def, req)
	require.ErrorIs(t, err, ErrTimezoneRequired)

	// No window, no timezone needed.
	def.Eligibility.DaysOfWeek = nil
	v, err := Evaluate(def, req)
	require.NoError(t, err)
	assert.True(t, v.Eligible)
}

func TestEvaluate_TenantMismatch(t *testing.T) {
	def := code(1, "SAVE", Percentage(d("0.10")))
	def.StoreID = 99

	_, err := Evaluate(def, request(line("a", "10.00", 1)))
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.Contains(t, invErr.Error(), "store 99")
}

func TestEvaluate_ThresholdScope(t *testing.T) {
	def := code(1, "SHOES", Percentage(d("0.20")))
	def.AppliesTo = Scope{Kind: ScopeTags, IDs: []string{"shoes"}}
	def.Eligibility.MinimumOrderAmount = ptr(d("50.00"))

	shoes := line("a", "30.00", 1)
	shoes.Tags = []string{"shoes"}
	req := request(shoes, line("b", "40.00", 1))

	v, err := Evaluate(def, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonBelowMinimumAmount, v.Reason, "only scoped lines count by default")

	def.Eligibility.ThresholdScope = ThresholdCart
	v, err = Evaluate(def, req)
	require.NoError(t, err)
	assert.True(t, v.Eligible, "whole cart counts with cart threshold scope")
}
