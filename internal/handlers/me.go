package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/reloop-market/api/internal/platform/auth"
	"github.com/reloop-market/api/internal/platform/httpx"
	"github.com/reloop-market/api/internal/repositories"
	"github.com/reloop-market/api/internal/services"
)

// MeHandlers exposes user-scoped read endpoints: the CO2 impact total and
// the payment history.
type MeHandlers struct {
	authn    *auth.Authenticator
	impact   services.ImpactService
	payments repositories.PaymentRepository
}

// NewMeHandlers constructs handlers for the /me endpoints.
func NewMeHandlers(authn *auth.Authenticator, impact services.ImpactService, payments repositories.PaymentRepository) *MeHandlers {
	return &MeHandlers{
		authn:    authn,
		impact:   impact,
		payments: payments,
	}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/impact", h.getImpact)
	r.Get("/payments", h.listPayments)
}

type impactResponse struct {
	UserID    string  `json:"userId"`
	TotalKg   float64 `json:"totalKg"`
	Purchases int     `json:"purchases"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

func (h *MeHandlers) getImpact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.impact == nil {
		httpx.WriteError(ctx, w, httpx.NewError("impact_service_unavailable", "impact service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	total, err := h.impact.GetUserImpact(ctx, identity.UID)
	if err != nil {
		h.writeMeError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, impactResponse{
		UserID:    total.UserID,
		TotalKg:   total.TotalKg,
		Purchases: total.Purchases,
		UpdatedAt: formatTime(total.UpdatedAt),
	})
}

func (h *MeHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment storage is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	records, err := h.payments.ListByUser(ctx, identity.UID, limit)
	if err != nil {
		h.writeMeError(ctx, w, err)
		return
	}
	payloads := make([]paymentRecordPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, buildPaymentPayload(record))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payments": payloads})
}

func (h *MeHandlers) writeMeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrImpactInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrImpactUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("impact_unavailable", "impact storage is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}
