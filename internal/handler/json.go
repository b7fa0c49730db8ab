package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/pricing"
)

// Money travels as a decimal string with two places. Numbers are accepted on
// input for convenience.

func writeJSON(w http.ResponseWriter, status int, body func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	body(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("money: unexpected %s", d.Next())
	}
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		out = append(out, s)
		return err
	})
	return out, err
}

// optional reports false and consumes the token when the value is null.
func optional(d *jx.Decoder) (bool, error) {
	if d.Next() != jx.Null {
		return true, nil
	}
	return false, d.Null()
}

// fieldErr wraps err with the field name and keeps nil as nil.
func fieldErr(err error, field string) error {
	if err != nil {
		return errors.Wrap(err, field)
	}
	return nil
}

func decodePricingRequest(data []byte) (pricing.Request, error) {
	var req pricing.Request
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if ok, err := optional(d); !ok || err != nil {
			return err
		}
		switch key {
		case "code":
			v, err := d.Str()
			req.Code = v
			return err
		case "at":
			v, err := d.Str()
			if err != nil {
				return err
			}
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return errors.Wrap(err, "at")
			}
			req.At = at
			return nil
		case "customer":
			return decodeCustomer(d, &req.Customer)
		case "cart":
			return decodeCart(d, &req.Cart)
		default:
			return d.Skip()
		}
	})
	return req, err
}

func decodeCustomer(d *jx.Decoder, c *discount.Customer) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			c.ID, err = d.Str()
		case "segment":
			var s string
			s, err = d.Str()
			c.Segment = discount.Segment(s)
		case "orders_count":
			c.OrdersCount, err = d.Int()
		case "lifetime_value":
			c.LifetimeValue, err = decodeMoney(d)
		default:
			err = d.Skip()
		}
		return fieldErr(err, key)
	})
}

func decodeCart(d *jx.Decoder, c *discount.Cart) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "shipping":
			v, err := decodeMoney(d)
			c.Shipping = v
			return fieldErr(err, "shipping")
		case "lines":
			return d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				c.Lines = append(c.Lines, l)
				return err
			})
		default:
			return d.Skip()
		}
	})
}

func decodeLine(d *jx.Decoder) (discount.Line, error) {
	var l discount.Line
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			l.ID, err = d.Str()
		case "product_id":
			l.ProductID, err = d.Str()
		case "collection_ids":
			l.CollectionIDs, err = decodeStrings(d)
		case "tags":
			l.Tags, err = decodeStrings(d)
		case "unit_price":
			l.UnitPrice, err = decodeMoney(d)
		case "quantity":
			l.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return fieldErr(err, key)
	})
	return l, err
}

func decodeRedemption(data []byte) (discount.Redemption, error) {
	var red discount.Redemption
	if len(data) == 0 {
		return red, nil
	}
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "customer_id":
			red.CustomerID, err = d.Str()
		case "savings":
			red.Savings, err = decodeMoney(d)
		default:
			err = d.Skip()
		}
		return fieldErr(err, key)
	})
	return red, err
}

func money(e *jx.Encoder, name string, v decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v.StringFixed(2)) })
}

func timestamp(e *jx.Encoder, name string, t time.Time) {
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func encodeQuote(q *pricing.Quote) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		t := q.Totals
		e.Obj(func(e *jx.Encoder) {
			if q.Code != "" {
				e.Field("code", func(e *jx.Encoder) { e.Str(q.Code) })
			}
			timestamp(e, "at", q.At)
			money(e, "subtotal", t.Subtotal)
			money(e, "items_discount", t.ItemsDiscount)
			money(e, "shipping", t.Shipping)
			money(e, "shipping_discount", t.ShippingDiscount)
			money(e, "discount", t.Discount())
			money(e, "total", t.Total)
			e.Field("applied", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, a := range q.Applied {
						encodeAdjustment(e, a)
					}
				})
			})
			e.Field("rejected", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, rj := range q.Rejected {
						encodeRejection(e, rj)
					}
				})
			})
			e.Field("lines", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, l := range t.Lines {
						e.Obj(func(e *jx.Encoder) {
							e.Field("line_id", func(e *jx.Encoder) { e.Str(l.LineID) })
							money(e, "total", l.Total)
							money(e, "discount", l.Discount)
							money(e, "final", l.Final)
						})
					}
				})
			})
		})
	}
}

func encodeAdjustment(e *jx.Encoder, a discount.Adjustment) {
	d := a.Discount
	e.Obj(func(e *jx.Encoder) {
		e.Field("discount_id", func(e *jx.Encoder) { e.Int64(d.ID) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(d.Kind)) })
		e.Field("title", func(e *jx.Encoder) { e.Str(d.Title) })
		if d.Code != "" {
			e.Field("code", func(e *jx.Encoder) { e.Str(d.Code) })
		}
		e.Field("value_type", func(e *jx.Encoder) { e.Str(string(d.Value.Type)) })
		money(e, "amount", a.Amount)
		money(e, "shipping", a.Shipping)
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range a.Lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("line_id", func(e *jx.Encoder) { e.Str(l.LineID) })
						money(e, "amount", l.Amount)
					})
				}
			})
		})
	})
}

func encodeRejection(e *jx.Encoder, rj discount.Rejection) {
	e.Obj(func(e *jx.Encoder) {
		if rj.Discount != nil {
			e.Field("discount_id", func(e *jx.Encoder) { e.Int64(rj.Discount.ID) })
			e.Field("title", func(e *jx.Encoder) { e.Str(rj.Discount.Title) })
		}
		if rj.Code != "" {
			e.Field("code", func(e *jx.Encoder) { e.Str(rj.Code) })
		}
		e.Field("reason", func(e *jx.Encoder) { e.Str(string(rj.Reason)) })
		e.Field("message", func(e *jx.Encoder) { e.Str(rj.Reason.Message()) })
	})
}

func encodeValidation(v *pricing.Validation) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Str(v.Code) })
			e.Field("valid", func(e *jx.Encoder) { e.Bool(v.Valid) })
			if v.Discount != nil {
				e.Field("discount_id", func(e *jx.Encoder) { e.Int64(v.Discount.ID) })
				e.Field("title", func(e *jx.Encoder) { e.Str(v.Discount.Title) })
			}
			if v.Valid {
				money(e, "amount", v.Adjustment.Amount)
			} else {
				e.Field("reason", func(e *jx.Encoder) { e.Str(string(v.Reason)) })
				e.Field("message", func(e *jx.Encoder) { e.Str(v.Reason.Message()) })
			}
			e.Field("quote", encodeQuote(v.Quote))
		})
	}
}

func encodeCheckout(c *pricing.Checkout) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("attempts", func(e *jx.Encoder) { e.Int(c.Attempts) })
			e.Field("quote", encodeQuote(c.Quote))
			e.Field("redemptions", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range c.Redemptions {
						encodeRedemption(&c.Redemptions[i])(e)
					}
				})
			})
		})
	}
}

func encodeRedemption(r *discount.Redemption) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(r.ID.String()) })
			e.Field("store_id", func(e *jx.Encoder) { e.Int64(r.StoreID) })
			e.Field("discount_id", func(e *jx.Encoder) { e.Int64(r.DiscountID) })
			e.Field("customer_id", func(e *jx.Encoder) { e.Str(r.CustomerID) })
			money(e, "savings", r.Savings)
			timestamp(e, "redeemed_at", r.RedeemedAt)
			e.Field("usage_count", func(e *jx.Encoder) { e.Int(r.UsageCount) })
			if r.ReversedAt != nil {
				timestamp(e, "reversed_at", *r.ReversedAt)
			}
		})
	}
}
