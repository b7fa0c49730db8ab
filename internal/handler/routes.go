package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xenking/discount-engine/internal/domain/pricing"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// readBody reads at most maxBody bytes. A larger body fails with
// *http.MaxBytesError.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, badRequest("read body", err)
	}
	return body, nil
}

func readRequest(w http.ResponseWriter, r *http.Request) (pricing.Request, error) {
	storeID, err := int64Param(r, "storeID")
	if err != nil {
		return pricing.Request{}, err
	}
	body, err := readBody(w, r)
	if err != nil {
		return pricing.Request{}, err
	}
	req, err := decodePricingRequest(body)
	if err != nil {
		return pricing.Request{}, badRequest("invalid body", err)
	}
	req.StoreID = storeID
	return req, nil
}

// Resolve prices a cart without side effects.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	q, err := h.pricing.Resolve(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeQuote(q))
}

// Validate checks the entered code against the cart.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	v, err := h.pricing.Validate(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeValidation(v))
}

// Checkout prices the cart and redeems its codes.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	c, err := h.pricing.Checkout(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeCheckout(c))
}

// Redeem commits one use of a code discount.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	storeID, err := int64Param(r, "storeID")
	if err != nil {
		fail(w, r, err)
		return
	}
	discountID, err := int64Param(r, "discountID")
	if err != nil {
		fail(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	red, err := decodeRedemption(body)
	if err != nil {
		fail(w, r, badRequest("invalid body", err))
		return
	}
	red.StoreID, red.DiscountID = storeID, discountID

	out, err := h.pricing.Redeem(r.Context(), red)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, encodeRedemption(out))
}

// Reverse undoes a redemption.
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	storeID, err := int64Param(r, "storeID")
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "redemptionID"))
	if err != nil {
		fail(w, r, badRequest("invalid redemptionID", err))
		return
	}
	out, err := h.pricing.Reverse(r.Context(), storeID, id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeRedemption(out))
}
