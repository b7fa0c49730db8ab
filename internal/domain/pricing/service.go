// Package pricing orchestrates discount evaluation against a store's
// catalog and commits code usage through the ledger.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

// Sentinel errors for request validation.
var (
	ErrCodeRequired   = errors.New("discount code required")
	ErrInvalidStore   = errors.New("store id must be positive")
	ErrAttemptsFailed = errors.New("checkout did not settle within the attempt limit")
)

// InvalidLineError indicates a cart line with a non-positive quantity or a
// negative price.
type InvalidLineError struct {
	LineID string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("invalid cart line %q: quantity must be positive and price non-negative", e.LineID)
}

// RetryableError wraps a ledger failure after which the caller may retry.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Request is a pricing request for one store.
type Request struct {
	StoreID  int64
	Cart     discount.Cart
	Customer discount.Customer
	Code     string
	// At overrides the evaluation instant. Zero means now.
	At time.Time
}

// Quote is a priced cart without side effects.
type Quote struct {
	*discount.Result
	At   time.Time
	Code string
}

// Validation is the outcome of checking a single code.
type Validation struct {
	Code       string
	Valid      bool
	Reason     discount.Reason
	Discount   *discount.Definition
	Adjustment *discount.Adjustment
	Quote      *Quote
}

// Checkout is a quote whose code discounts have been redeemed.
type Checkout struct {
	Quote       *Quote
	Redemptions []discount.Redemption
	Attempts    int
}

// Config tunes the Service.
type Config struct {
	// MaxRedeemAttempts bounds re-resolution when a code is exhausted
	// between quoting and redeeming.
	MaxRedeemAttempts int
	TracerProvider    trace.TracerProvider
	MeterProvider     metric.MeterProvider
}

// Service prices carts and redeems discount codes.
type Service struct {
	catalog   discount.Catalog
	ledger    discount.Ledger
	locations discount.Locations
	resolver  discount.Resolver

	maxAttempts int
	tracer      trace.Tracer
	resolutions metric.Int64Counter
	redemptions metric.Int64Counter

	// now is the pricing clock. Tests may replace it.
	now func() time.Time
}

// NewService creates a pricing Service.
func NewService(
	catalog discount.Catalog,
	ledger discount.Ledger,
	locations discount.Locations,
	cfg Config,
) (*Service, error) {
	if cfg.MaxRedeemAttempts <= 0 {
		cfg.MaxRedeemAttempts = 3
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = tracenoop.NewTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = metricnoop.NewMeterProvider()
	}

	meter := cfg.MeterProvider.Meter("discount-engine/pricing")
	resolutions, err := meter.Int64Counter("discount.resolutions",
		metric.WithDescription("Carts priced by the discount engine"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "resolutions counter")
	}
	redemptions, err := meter.Int64Counter("discount.redemptions",
		metric.WithDescription("Code redemption attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}

	return &Service{
		catalog:     catalog,
		ledger:      ledger,
		locations:   locations,
		resolver:    discount.NewResolver(),
		maxAttempts: cfg.MaxRedeemAttempts,
		tracer:      cfg.TracerProvider.Tracer("discount-engine/pricing"),
		resolutions: resolutions,
		redemptions: redemptions,
		now:         time.Now,
	}, nil
}

// Resolve prices the cart with every eligible automatic discount and the
// entered code, if any. It never writes.
func (s *Service) Resolve(ctx context.Context, req Request) (*Quote, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Resolve", trace.WithAttributes(
		attribute.Int64("store.id", req.StoreID),
	))
	defer span.End()

	q, err := s.quote(ctx, req, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}
	return q, nil
}

// Validate reports whether the entered code would apply to the cart together
// with the automatic discounts, and previews its amount.
func (s *Service) Validate(ctx context.Context, req Request) (*Validation, error) {
	req.Code = discount.NormalizeCode(req.Code)
	if req.Code == "" {
		return nil, ErrCodeRequired
	}

	ctx, span := s.tracer.Start(ctx, "pricing.Validate", trace.WithAttributes(
		attribute.Int64("store.id", req.StoreID),
	))
	defer span.End()

	q, err := s.quote(ctx, req, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validate failed")
		return nil, err
	}

	v := &Validation{Code: req.Code, Quote: q}
	for _, a := range q.Applied {
		if a.Discount.Kind == discount.KindCode {
			v.Valid = true
			v.Discount = a.Discount
			v.Adjustment = &a
			return v, nil
		}
	}
	for _, rj := range q.Rejected {
		if rj.Code == req.Code {
			v.Reason = rj.Reason
			v.Discount = rj.Discount
			return v, nil
		}
	}
	v.Reason = discount.ReasonNotFound
	return v, nil
}

// Redeem commits one use of a code discount.
func (s *Service) Redeem(ctx context.Context, r discount.Redemption) (*discount.Redemption, error) {
	if r.StoreID <= 0 {
		return nil, ErrInvalidStore
	}
	ctx, span := s.tracer.Start(ctx, "pricing.Redeem", trace.WithAttributes(
		attribute.Int64("store.id", r.StoreID),
		attribute.Int64("discount.id", r.DiscountID),
	))
	defer span.End()

	out, err := s.ledger.Redeem(ctx, r)
	s.countRedemption(ctx, err)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, discount.ErrUsageLimitExceeded) || errors.Is(err, discount.ErrNotFound) {
			return nil, err
		}
		span.SetStatus(codes.Error, "redeem failed")
		return nil, &RetryableError{Op: "redeem", Err: err}
	}
	return out, nil
}

// Reverse undoes a redemption, returning one use to its code.
func (s *Service) Reverse(ctx context.Context, storeID int64, redemptionID uuid.UUID) (*discount.Redemption, error) {
	if storeID <= 0 {
		return nil, ErrInvalidStore
	}
	ctx, span := s.tracer.Start(ctx, "pricing.Reverse", trace.WithAttributes(
		attribute.Int64("store.id", storeID),
		attribute.String("redemption.id", redemptionID.String()),
	))
	defer span.End()

	out, err := s.ledger.Reverse(ctx, storeID, redemptionID)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "reverse")
	}
	zctx.From(ctx).Info("Redemption reversed",
		zap.Int64("store_id", storeID),
		zap.Int64("discount_id", out.DiscountID),
		zap.Stringer("redemption_id", redemptionID),
	)
	return out, nil
}

// Checkout prices the cart and redeems every applied code. When a code runs
// out between pricing and redemption it is excluded and the cart is priced
// again, up to MaxRedeemAttempts times.
func (s *Service) Checkout(ctx context.Context, req Request) (*Checkout, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Checkout", trace.WithAttributes(
		attribute.Int64("store.id", req.StoreID),
	))
	defer span.End()

	lg := zctx.From(ctx)
	exhausted := make(map[int64]struct{})
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		q, err := s.quote(ctx, req, exhausted)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkout failed")
			return nil, err
		}

		redeemed, err := s.redeemApplied(ctx, req, q)
		switch {
		case err == nil:
			span.SetAttributes(attribute.Int("checkout.attempts", attempt))
			return &Checkout{Quote: q, Redemptions: redeemed, Attempts: attempt}, nil
		case errors.Is(err, discount.ErrUsageLimitExceeded):
			var ex *exhaustedError
			if errors.As(err, &ex) {
				exhausted[ex.discountID] = struct{}{}
			}
			lg.Info("Code exhausted during checkout, re-resolving",
				zap.Int64("store_id", req.StoreID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkout failed")
			return nil, err
		}
	}
	return nil, ErrAttemptsFailed
}

type exhaustedError struct {
	discountID int64
	err        error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("discount %d: %s", e.discountID, e.err)
}

func (e *exhaustedError) Unwrap() error { return e.err }

// redeemApplied redeems the applied code discounts of q. If one is
// exhausted, the ones already redeemed in this pass are reversed.
func (s *Service) redeemApplied(ctx context.Context, req Request, q *Quote) ([]discount.Redemption, error) {
	var out []discount.Redemption
	for _, a := range q.Applied {
		if a.Discount.Kind != discount.KindCode {
			continue
		}
		r, err := s.Redeem(ctx, discount.Redemption{
			StoreID:    req.StoreID,
			DiscountID: a.Discount.ID,
			CustomerID: req.Customer.ID,
			Savings:    a.Amount,
		})
		if err != nil {
			s.rollback(ctx, out)
			if errors.Is(err, discount.ErrUsageLimitExceeded) {
				return nil, &exhaustedError{discountID: a.Discount.ID, err: err}
			}
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *Service) rollback(ctx context.Context, redeemed []discount.Redemption) {
	for _, r := range redeemed {
		if _, err := s.ledger.Reverse(ctx, r.StoreID, r.ID); err != nil {
			zctx.From(ctx).Error("Failed to reverse redemption after partial checkout",
				zap.Stringer("redemption_id", r.ID),
				zap.Int64("discount_id", r.DiscountID),
				zap.Error(err),
			)
		}
	}
}

// quote loads candidates and prices the cart. Discounts in exclude are
// rejected as exhausted without evaluation.
func (s *Service) quote(ctx context.Context, req Request, exclude map[int64]struct{}) (*Quote, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	code := discount.NormalizeCode(req.Code)
	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	// A store without a timezone can still be priced as long as no candidate
	// uses a day or hour window.
	loc, err := s.locations.Location(ctx, req.StoreID)
	if err != nil && !errors.Is(err, discount.ErrTimezoneRequired) {
		return nil, errors.Wrap(err, "store location")
	}

	autos, err := s.catalog.ListAutomatic(ctx, req.StoreID)
	if err != nil {
		return nil, errors.Wrap(err, "list automatic discounts")
	}
	candidates := make([]*discount.Definition, 0, len(autos)+1)
	for i := range autos {
		candidates = append(candidates, &autos[i])
	}

	var preRejected []discount.Rejection
	if code != "" {
		def, err := s.catalog.FindCode(ctx, req.StoreID, code)
		switch {
		case errors.Is(err, discount.ErrNotFound):
			preRejected = append(preRejected, discount.Rejection{Code: code, Reason: discount.ReasonNotFound})
		case err != nil:
			return nil, errors.Wrap(err, "find code")
		default:
			candidates = append(candidates, def)
		}
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if _, ok := exclude[c.ID]; ok {
			preRejected = append(preRejected, discount.Rejection{Discount: c, Code: c.Code, Reason: discount.ReasonUsageLimitReached})
			continue
		}
		kept = append(kept, c)
	}

	res, err := discount.Price(kept, &discount.Request{
		StoreID:  req.StoreID,
		Cart:     req.Cart,
		Customer: req.Customer,
		At:       at,
		Location: loc,
		Code:     code,
	}, s.resolver)
	if err != nil {
		var invErr *discount.InvariantError
		if errors.As(err, &invErr) {
			zctx.From(ctx).Error("Discount invariant violated",
				zap.Int64("store_id", req.StoreID),
				zap.Int64("discount_id", invErr.DiscountID),
				zap.Error(err),
			)
		}
		return nil, errors.Wrap(err, "price cart")
	}
	res.Rejected = append(preRejected, res.Rejected...)

	s.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("applied", len(res.Applied)),
		attribute.Bool("code", code != ""),
	))
	return &Quote{Result: res, At: at, Code: code}, nil
}

func (s *Service) countRedemption(ctx context.Context, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, discount.ErrUsageLimitExceeded):
		outcome = "exhausted"
	case errors.Is(err, discount.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	s.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func validateRequest(req Request) error {
	if req.StoreID <= 0 {
		return ErrInvalidStore
	}
	for _, l := range req.Cart.Lines {
		if l.Quantity <= 0 || l.UnitPrice.IsNegative() {
			return &InvalidLineError{LineID: l.ID}
		}
	}
	if req.Cart.Shipping.IsNegative() {
		return &InvalidLineError{LineID: "shipping"}
	}
	return nil
}

// Savings returns the total reduction of a quote.
func (q *Quote) Savings() decimal.Decimal {
	return q.Totals.Discount()
}
