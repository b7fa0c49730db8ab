// Package handler exposes the pricing service over HTTP.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/pricing"
	"github.com/xenking/discount-engine/pkg/httpmiddleware"
)

// Pricing is the service behind the handler.
type Pricing interface {
	Resolve(ctx context.Context, req pricing.Request) (*pricing.Quote, error)
	Validate(ctx context.Context, req pricing.Request) (*pricing.Validation, error)
	Redeem(ctx context.Context, r discount.Redemption) (*discount.Redemption, error)
	Reverse(ctx context.Context, storeID int64, redemptionID uuid.UUID) (*discount.Redemption, error)
	Checkout(ctx context.Context, req pricing.Request) (*pricing.Checkout, error)
}

var _ Pricing = (*pricing.Service)(nil)

// Handler serves the store-scoped discount API.
type Handler struct {
	pricing Pricing
}

// NewHandler returns a Handler backed by p.
func NewHandler(p Pricing) *Handler {
	return &Handler{pricing: p}
}

// Mount registers the API below r. mws run after the store id is routed.
func (h *Handler) Mount(r chi.Router, mws ...func(http.Handler) http.Handler) {
	r.Route("/api/stores/{storeID}", func(r chi.Router) {
		r.Use(mws...)
		r.Post("/discounts/validate", h.Validate)
		r.Post("/discounts/resolve", h.Resolve)
		r.Post("/discounts/{discountID}/redeem", h.Redeem)
		r.Post("/checkout", h.Checkout)
		r.Post("/redemptions/{redemptionID}/reverse", h.Reverse)
	})
}

// badRequestError marks malformed input.
type badRequestError struct {
	msg string
	err error
}

func (e *badRequestError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &badRequestError{msg: msg, err: err}
}

func int64Param(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, badRequest("invalid "+name, nil)
	}
	return v, nil
}

// fail maps an error to a status code and writes it.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		tooLarge  *http.MaxBytesError
		badReq    *badRequestError
		lineErr   *pricing.InvalidLineError
		retryErr  *pricing.RetryableError
		invariant *discount.InvariantError
	)
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.As(err, &tooLarge):
		status, msg = http.StatusRequestEntityTooLarge, "request body too large"
	case errors.As(err, &badReq):
		status, msg = http.StatusBadRequest, badReq.Error()
	case errors.As(err, &lineErr):
		status, msg = http.StatusBadRequest, lineErr.Error()
	case errors.Is(err, pricing.ErrCodeRequired), errors.Is(err, pricing.ErrInvalidStore):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, discount.ErrNotFound):
		status, msg = http.StatusNotFound, discount.ErrNotFound.Error()
	case errors.Is(err, discount.ErrUsageLimitExceeded):
		status, msg = http.StatusConflict, discount.ErrUsageLimitExceeded.Error()
	case errors.Is(err, discount.ErrAlreadyReversed):
		status, msg = http.StatusConflict, discount.ErrAlreadyReversed.Error()
	case errors.Is(err, pricing.ErrAttemptsFailed):
		status, msg = http.StatusConflict, pricing.ErrAttemptsFailed.Error()
	case errors.As(err, &retryErr):
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable, retry"
	case errors.As(err, &invariant):
		msg = "discount configuration error"
	case errors.Is(err, discount.ErrTimezoneRequired):
		msg = "store timezone is not configured"
	}

	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Int("status", status), zap.Error(err))
	}
	httpmiddleware.WriteError(w, status, msg)
}
