package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/platform/auth"
	"github.com/reloop-market/api/internal/platform/httpx"
	"github.com/reloop-market/api/internal/services"
)

const maxCheckoutBodySize = 32 * 1024

// CheckoutHandlers exposes the fiat checkout endpoints.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs handlers for intent creation and verification.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/intent", h.createIntent)
	r.Post("/verify", h.verifyPayment)
}

type shippingPayload struct {
	FullName     string `json:"fullName"`
	Address      string `json:"address"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postalCode"`
	Phone        string `json:"phone"`
	Country      string `json:"country"`
	Email        string `json:"email,omitempty"`
}

type createIntentRequest struct {
	Shipping shippingPayload `json:"shipping"`
}

type createIntentResponse struct {
	PaymentID    string              `json:"paymentId"`
	IntentID     string              `json:"intentId"`
	ClientSecret string              `json:"clientSecret"`
	Amount       int64               `json:"amount"`
	Currency     string              `json:"currency"`
	Estimate     cartEstimatePayload `json:"estimate"`
}

type verifyPaymentRequest struct {
	IntentID string `json:"intentId"`
}

type paymentRecordPayload struct {
	ID              string  `json:"id"`
	Rail            string  `json:"rail"`
	Status          string  `json:"status"`
	Amount          int64   `json:"amount"`
	Currency        string  `json:"currency"`
	IntentID        string  `json:"intentId,omitempty"`
	TransactionHash string  `json:"transactionHash,omitempty"`
	EscrowID        string  `json:"escrowId,omitempty"`
	CO2SavedKg      float64 `json:"co2SavedKg"`
	FailureReason   string  `json:"failureReason,omitempty"`
	CreatedAt       string  `json:"createdAt,omitempty"`
	UpdatedAt       string  `json:"updatedAt,omitempty"`
}

func (h *CheckoutHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createIntentRequest
	if err := decodeJSONBody(r, maxCheckoutBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	intent, err := h.checkout.CreateIntent(ctx, services.CreateIntentCommand{
		UserID:         identity.UID,
		Shipping:       shippingFromPayload(req.Shipping),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createIntentResponse{
		PaymentID:    intent.PaymentID,
		IntentID:     intent.IntentID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Estimate: cartEstimatePayload{
			Subtotal: intent.Estimate.Subtotal,
			Shipping: intent.Estimate.Shipping,
			Total:    intent.Estimate.Total,
		},
	})
}

func (h *CheckoutHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req verifyPaymentRequest
	if err := decodeJSONBody(r, maxCheckoutBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	record, err := h.checkout.VerifyPayment(ctx, services.VerifyPaymentCommand{
		UserID:   identity.UID,
		IntentID: req.IntentID,
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	if record.Status == domain.PaymentFailed {
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", record.FailureReason, http.StatusPaymentRequired).
			WithDetails(map[string]any{"payment": buildPaymentPayload(record)}))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment": buildPaymentPayload(record)})
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var shippingErr *services.ShippingValidationError
	var tooLow *services.AmountTooLowError
	switch {
	case errors.As(err, &shippingErr):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_shipping", shippingErr.Message, http.StatusBadRequest).
			WithDetails(map[string]any{"field": shippingErr.Field}))
	case errors.As(err, &tooLow):
		details := map[string]any{"minimum": tooLow.Minimum}
		if tooLow.ListingID != "" {
			details["listingId"] = tooLow.ListingID
		}
		httpx.WriteError(ctx, w, httpx.NewError(tooLow.Code, tooLow.Message, http.StatusBadRequest).
			WithDetails(details))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "the cart has no items", http.StatusBadRequest))
	case errors.Is(err, services.ErrFiatNotAccepted):
		httpx.WriteError(ctx, w, httpx.NewError("fiat_not_accepted", "a seller in the cart does not accept card payments", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment does not exist", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "payment belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "order state changed concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout dependencies are unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func shippingFromPayload(p shippingPayload) domain.ShippingInfo {
	return domain.ShippingInfo{
		FullName:     p.FullName,
		Address:      p.Address,
		AddressLine2: p.AddressLine2,
		City:         p.City,
		State:        p.State,
		PostalCode:   p.PostalCode,
		Phone:        p.Phone,
		Country:      p.Country,
		Email:        p.Email,
	}
}

func buildPaymentPayload(record domain.PaymentRecord) paymentRecordPayload {
	return paymentRecordPayload{
		ID:              record.ID,
		Rail:            string(record.Rail),
		Status:          string(record.Status),
		Amount:          record.Amount,
		Currency:        record.Currency,
		IntentID:        record.IntentID,
		TransactionHash: record.TransactionHash,
		EscrowID:        record.EscrowID,
		CO2SavedKg:      record.CO2SavedKg,
		FailureReason:   record.FailureReason,
		CreatedAt:       formatTime(record.CreatedAt),
		UpdatedAt:       formatTime(record.UpdatedAt),
	}
}
