package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/platform/httpx"
	"github.com/reloop-market/api/internal/repositories"
	"github.com/reloop-market/api/internal/services"
)

const maxListingBodySize = 8 * 1024

// ListingHandlers exposes public listing endpoints used by checkout surfaces.
type ListingHandlers struct {
	listings repositories.ListingRepository
}

// NewListingHandlers constructs handlers over the listing repository.
func NewListingHandlers(listings repositories.ListingRepository) *ListingHandlers {
	return &ListingHandlers{listings: listings}
}

// Routes wires the /listings endpoints onto the provided router.
func (h *ListingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{listingID}/payment-options", h.paymentOptions)
	r.Post("/payment-options", h.batchPaymentOptions)
}

type paymentOptionsResponse struct {
	FiatAvailable   bool   `json:"fiatAvailable"`
	CryptoAvailable bool   `json:"cryptoAvailable"`
	Preferred       string `json:"preferred,omitempty"`
}

type batchPaymentOptionsRequest struct {
	ListingIDs []string `json:"listingIds"`
}

func (h *ListingHandlers) paymentOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.listings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("listings_unavailable", "listing storage is unavailable", http.StatusServiceUnavailable))
		return
	}
	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))
	if listingID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "listing id is required", http.StatusBadRequest))
		return
	}

	listing, err := h.listings.FindByID(ctx, listingID)
	if err != nil {
		h.writeListingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOptionsPayload(services.ResolvePaymentOptions([]domain.Listing{listing})))
}

func (h *ListingHandlers) batchPaymentOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.listings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("listings_unavailable", "listing storage is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req batchPaymentOptionsRequest
	if err := decodeJSONBody(r, maxListingBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	ids := make([]string, 0, len(req.ListingIDs))
	for _, id := range req.ListingIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one listing id is required", http.StatusBadRequest))
		return
	}

	listings, err := h.listings.FindByIDs(ctx, ids)
	if err != nil {
		h.writeListingError(ctx, w, err)
		return
	}
	if len(listings) != len(ids) {
		httpx.WriteError(ctx, w, httpx.NewError("listing_not_found", "one or more listings do not exist", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOptionsPayload(services.ResolvePaymentOptions(listings)))
}

func (h *ListingHandlers) writeListingError(ctx context.Context, w http.ResponseWriter, err error) {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		httpx.WriteError(ctx, w, httpx.NewError("listing_not_found", "listing does not exist", http.StatusNotFound))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("listings_unavailable", "listing storage is unavailable", http.StatusServiceUnavailable))
}

func buildOptionsPayload(options services.PaymentOptions) paymentOptionsResponse {
	return paymentOptionsResponse{
		FiatAvailable:   options.FiatAvailable,
		CryptoAvailable: options.CryptoAvailable,
		Preferred:       string(options.Preferred),
	}
}
