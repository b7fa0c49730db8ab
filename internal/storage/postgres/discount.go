package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

const discountColumns = `id, store_id, kind, title, code, usage_limit, usage_count,
	value_type, value, value_params, applies_to, applies_to_ids,
	threshold_scope, minimum_order_amount, maximum_order_amount, minimum_quantity, maximum_quantity,
	customer_segment, minimum_orders_count, minimum_lifetime_value,
	starts_at, ends_at, days_of_week, hour_start, hour_end,
	can_combine_with_automatic, can_combine_with_other_codes, max_combined_discounts, priority,
	is_active`

const (
	listAutomaticSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE store_id = $1 AND kind = 'automatic' ORDER BY id`

	findCodeSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE store_id = $1 AND kind = 'code' AND code = $2`

	getDiscountSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE store_id = $1 AND id = $2`

	listCodesSQL = `SELECT code FROM discounts WHERE store_id = $1 AND kind = 'code'`

	insertDiscountSQL = `INSERT INTO discounts (store_id, kind, title, code, usage_limit, usage_count,
		value_type, value, value_params, applies_to, applies_to_ids,
		threshold_scope, minimum_order_amount, maximum_order_amount, minimum_quantity, maximum_quantity,
		customer_segment, minimum_orders_count, minimum_lifetime_value,
		starts_at, ends_at, days_of_week, hour_start, hour_end,
		can_combine_with_automatic, can_combine_with_other_codes, max_combined_discounts, priority,
		is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
		RETURNING id`

	insertCodeIfAbsentSQL = `INSERT INTO discounts (store_id, kind, title, code, usage_limit, usage_count,
		value_type, value, value_params, applies_to, applies_to_ids,
		threshold_scope, minimum_order_amount, maximum_order_amount, minimum_quantity, maximum_quantity,
		customer_segment, minimum_orders_count, minimum_lifetime_value,
		starts_at, ends_at, days_of_week, hour_start, hour_end,
		can_combine_with_automatic, can_combine_with_other_codes, max_combined_discounts, priority,
		is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
		ON CONFLICT (store_id, code) WHERE code IS NOT NULL DO NOTHING`
)

// copyColumns matches the order of definitionArgs.
var copyColumns = []string{
	"store_id", "kind", "title", "code", "usage_limit", "usage_count",
	"value_type", "value", "value_params", "applies_to", "applies_to_ids",
	"threshold_scope", "minimum_order_amount", "maximum_order_amount", "minimum_quantity", "maximum_quantity",
	"customer_segment", "minimum_orders_count", "minimum_lifetime_value",
	"starts_at", "ends_at", "days_of_week", "hour_start", "hour_end",
	"can_combine_with_automatic", "can_combine_with_other_codes", "max_combined_discounts", "priority",
	"is_active",
}

// valueParams is the value_params payload of the quantity and spend based
// value types.
type valueParams struct {
	Buy         int              `json:"buy,omitempty"`
	Get         int              `json:"get,omitempty"`
	SameProduct bool             `json:"same_product,omitempty"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Tiers       []tierParams     `json:"tiers,omitempty"`
	MinProducts int              `json:"min_products,omitempty"`
	Quantity    int              `json:"quantity,omitempty"`
	Spend       *decimal.Decimal `json:"spend,omitempty"`
	Pay         *decimal.Decimal `json:"pay,omitempty"`
}

type tierParams struct {
	MinQuantity int              `json:"min_quantity"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

func nonZero(v decimal.Decimal) *decimal.Decimal {
	if v.IsZero() {
		return nil
	}
	return &v
}

func orZero(v *decimal.Decimal) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return *v
}

func paramsOf(v discount.Value) *valueParams {
	switch v.Type {
	case discount.ValueBuyXGetY:
		return &valueParams{
			Buy:         v.Buy,
			Get:         v.Get,
			SameProduct: v.SameProduct,
			Rate:        nonZero(v.Rate),
			Amount:      nonZero(v.Amount),
		}
	case discount.ValueVolume:
		p := &valueParams{Tiers: make([]tierParams, 0, len(v.Tiers))}
		for _, t := range v.Tiers {
			p.Tiers = append(p.Tiers, tierParams{MinQuantity: t.MinQuantity, Rate: nonZero(t.Rate), Amount: nonZero(t.Amount)})
		}
		return p
	case discount.ValueBundle:
		return &valueParams{MinProducts: v.MinProducts, Rate: nonZero(v.Rate), Amount: nonZero(v.Amount)}
	case discount.ValueFixedPrice:
		return &valueParams{Quantity: v.Quantity, Amount: nonZero(v.Amount)}
	case discount.ValueSpendXPayY:
		pay := v.Pay
		return &valueParams{Spend: nonZero(v.Spend), Pay: &pay}
	default:
		return nil
	}
}

func (p *valueParams) apply(v *discount.Value) {
	if p == nil {
		return
	}
	switch v.Type {
	case discount.ValueBuyXGetY:
		v.Buy, v.Get, v.SameProduct = p.Buy, p.Get, p.SameProduct
		v.Rate, v.Amount = orZero(p.Rate), orZero(p.Amount)
	case discount.ValueVolume:
		for _, t := range p.Tiers {
			v.Tiers = append(v.Tiers, discount.Tier{MinQuantity: t.MinQuantity, Rate: orZero(t.Rate), Amount: orZero(t.Amount)})
		}
	case discount.ValueBundle:
		v.MinProducts = p.MinProducts
		v.Rate, v.Amount = orZero(p.Rate), orZero(p.Amount)
	case discount.ValueFixedPrice:
		v.Quantity, v.Amount = p.Quantity, orZero(p.Amount)
	case discount.ValueSpendXPayY:
		v.Spend, v.Pay = orZero(p.Spend), orZero(p.Pay)
	}
}

var _ discount.Catalog = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Catalog backed by PostgreSQL and
// offers the writes used by seeding and bulk code ingestion.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// ListAutomatic returns every automatic discount of the store. The active
// flag is not filtered on; eligibility re-derives the window.
func (r *DiscountRepository) ListAutomatic(ctx context.Context, storeID int64) ([]discount.Definition, error) {
	rows, err := r.pool.Query(ctx, listAutomaticSQL, storeID)
	if err != nil {
		return nil, fmt.Errorf("listing automatic discounts of store %d: %w", storeID, err)
	}
	defs, err := pgx.CollectRows(rows, scanDefinition)
	if err != nil {
		return nil, fmt.Errorf("listing automatic discounts of store %d: %w", storeID, err)
	}
	return defs, nil
}

// FindCode looks up a code discount. Codes are stored normalized, so the
// lookup is an exact match on the normalized input.
func (r *DiscountRepository) FindCode(ctx context.Context, storeID int64, code string) (*discount.Definition, error) {
	code = discount.NormalizeCode(code)
	return r.one(ctx, findCodeSQL, storeID, code)
}

// Get returns a discount by ID.
func (r *DiscountRepository) Get(ctx context.Context, storeID, id int64) (*discount.Definition, error) {
	return r.one(ctx, getDiscountSQL, storeID, id)
}

func (r *DiscountRepository) one(ctx context.Context, sql string, args ...any) (*discount.Definition, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("finding discount %v: %w", args, err)
	}
	def, err := pgx.CollectExactlyOneRow(rows, scanDefinition)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding discount %v: %w", args, err)
	}
	return &def, nil
}

// ListCodes returns all codes of a store.
func (r *DiscountRepository) ListCodes(ctx context.Context, storeID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, listCodesSQL, storeID)
	if err != nil {
		return nil, fmt.Errorf("listing codes of store %d: %w", storeID, err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing codes of store %d: %w", storeID, err)
	}
	return codes, nil
}

// Create inserts a discount after validating it and returns its ID.
func (r *DiscountRepository) Create(ctx context.Context, d *discount.Definition) (int64, error) {
	if d.Kind == discount.KindCode {
		d.Code = discount.NormalizeCode(d.Code)
	}
	if err := d.Validate(); err != nil {
		return 0, err
	}
	var id int64
	if err := r.pool.QueryRow(ctx, insertDiscountSQL, definitionArgs(d)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("creating discount %q: %w", d.Title, err)
	}
	d.ID = id
	return id, nil
}

// CreateCodeIfAbsent inserts a copy of template under code unless the store
// already has that code. It reports whether a row was inserted.
func (r *DiscountRepository) CreateCodeIfAbsent(ctx context.Context, template discount.Definition, code string) (bool, error) {
	d := codeFromTemplate(template, code)
	tag, err := r.pool.Exec(ctx, insertCodeIfAbsentSQL, definitionArgs(&d)...)
	if err != nil {
		return false, fmt.Errorf("creating code %q: %w", d.Code, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CopyCodes bulk-inserts copies of template under codes with COPY. The
// caller must know that none of the codes exist yet.
func (r *DiscountRepository) CopyCodes(ctx context.Context, template discount.Definition, codes []string) (int64, error) {
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"discounts"}, copyColumns,
		pgx.CopyFromSlice(len(codes), func(i int) ([]any, error) {
			d := codeFromTemplate(template, codes[i])
			return definitionArgs(&d), nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copying %d codes: %w", len(codes), err)
	}
	return n, nil
}

func codeFromTemplate(template discount.Definition, code string) discount.Definition {
	d := template
	d.ID = 0
	d.Kind = discount.KindCode
	d.Code = discount.NormalizeCode(code)
	d.UsageCount = 0
	return d
}

func definitionArgs(d *discount.Definition) []any {
	var (
		code  *string
		value decimal.Decimal
		e     = d.Eligibility
	)
	if d.Kind == discount.KindCode {
		code = &d.Code
	}
	switch d.Value.Type {
	case discount.ValuePercentage:
		value = d.Value.Rate
	case discount.ValueFixedAmount:
		value = d.Value.Amount
	}
	threshold := e.ThresholdScope
	if threshold == "" {
		threshold = discount.ThresholdAppliesTo
	}
	scope := d.AppliesTo.Kind
	if scope == "" {
		scope = discount.ScopeAll
	}
	ids := d.AppliesTo.IDs
	if ids == nil {
		ids = []string{}
	}
	var days []int16
	for _, wd := range e.DaysOfWeek {
		days = append(days, int16(wd))
	}

	return []any{
		d.StoreID, string(d.Kind), d.Title, code, d.UsageLimit, d.UsageCount,
		string(d.Value.Type), value, paramsOf(d.Value), string(scope), ids,
		string(threshold), nullDecimal(e.MinimumOrderAmount), nullDecimal(e.MaximumOrderAmount), e.MinimumQuantity, e.MaximumQuantity,
		string(e.CustomerSegment), e.MinimumOrdersCount, nullDecimal(e.MinimumLifetimeValue),
		e.StartsAt, e.EndsAt, days, e.HourStart, e.HourEnd,
		d.Combination.CanCombineWithAutomatic, d.Combination.CanCombineWithOtherCodes, d.Combination.MaxCombinedDiscounts, d.Combination.Priority,
		d.IsActive,
	}
}

func scanDefinition(row pgx.CollectableRow) (discount.Definition, error) {
	var (
		d                             discount.Definition
		kind, valueType, scope        string
		threshold, segment            string
		code                          *string
		usageLimit                    *int32
		usageCount, priority          int32
		value                         decimal.Decimal
		params                        *valueParams
		ids                           []string
		minAmount, maxAmount, minLTV  decimal.NullDecimal
		minQty, maxQty, minOrders     *int32
		hourStart, hourEnd, maxCombos *int32
		days                          []int16
		startsAt, endsAt              *time.Time
	)
	err := row.Scan(
		&d.ID, &d.StoreID, &kind, &d.Title, &code, &usageLimit, &usageCount,
		&valueType, &value, &params, &scope, &ids,
		&threshold, &minAmount, &maxAmount, &minQty, &maxQty,
		&segment, &minOrders, &minLTV,
		&startsAt, &endsAt, &days, &hourStart, &hourEnd,
		&d.Combination.CanCombineWithAutomatic, &d.Combination.CanCombineWithOtherCodes, &maxCombos, &priority,
		&d.IsActive,
	)
	if err != nil {
		return d, err
	}

	d.Kind = discount.Kind(kind)
	if code != nil {
		d.Code = *code
	}
	d.UsageLimit = intPtr(usageLimit)
	d.UsageCount = int(usageCount)

	d.Value.Type = discount.ValueType(valueType)
	switch d.Value.Type {
	case discount.ValuePercentage:
		d.Value.Rate = value
	case discount.ValueFixedAmount:
		d.Value.Amount = value
	}
	params.apply(&d.Value)
	d.AppliesTo = discount.Scope{Kind: discount.ScopeKind(scope), IDs: ids}

	d.Eligibility = discount.Eligibility{
		MinimumOrderAmount:   decimalPtr(minAmount),
		MaximumOrderAmount:   decimalPtr(maxAmount),
		MinimumQuantity:      intPtr(minQty),
		MaximumQuantity:      intPtr(maxQty),
		ThresholdScope:       discount.ThresholdScope(threshold),
		CustomerSegment:      discount.Segment(segment),
		MinimumOrdersCount:   intPtr(minOrders),
		MinimumLifetimeValue: decimalPtr(minLTV),
		StartsAt:             startsAt,
		EndsAt:               endsAt,
		HourStart:            intPtr(hourStart),
		HourEnd:              intPtr(hourEnd),
	}
	for _, wd := range days {
		d.Eligibility.DaysOfWeek = append(d.Eligibility.DaysOfWeek, time.Weekday(wd))
	}

	d.Combination.MaxCombinedDiscounts = intPtr(maxCombos)
	d.Combination.Priority = int(priority)
	return d, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func decimalPtr(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	return &v.Decimal
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}
