package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/platform/auth"
	"github.com/reloop-market/api/internal/platform/httpx"
	"github.com/reloop-market/api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Patch("/items/{listingID}", h.updateItem)
	r.Delete("/items/{listingID}", h.removeItem)
}

type cartItemPayload struct {
	ID           string `json:"id,omitempty"`
	ListingID    string `json:"listingId"`
	SellerID     string `json:"sellerId,omitempty"`
	Title        string `json:"title,omitempty"`
	MaterialType string `json:"materialType,omitempty"`
	Quantity     int    `json:"quantity"`
	MaxQuantity  int    `json:"maxQuantity,omitempty"`
	UnitPrice    int64  `json:"unitPrice"`
	Currency     string `json:"currency,omitempty"`
	AddedAt      string `json:"addedAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

type cartEstimatePayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Total    int64 `json:"total"`
}

type cartPayload struct {
	UserID    string              `json:"userId"`
	Currency  string              `json:"currency"`
	Items     []cartItemPayload   `json:"items"`
	Estimate  cartEstimatePayload `json:"estimate"`
	UpdatedAt string              `json:"updatedAt,omitempty"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type addItemRequest struct {
	ListingID         string `json:"listingId"`
	Quantity          int    `json:"quantity"`
	ExpectedUpdatedAt string `json:"expectedUpdatedAt,omitempty"`
}

type updateItemRequest struct {
	Quantity          int    `json:"quantity"`
	ExpectedUpdatedAt string `json:"expectedUpdatedAt,omitempty"`
}

// cartOwnerID derives the cart key for an identity. Guest sessions get a
// prefixed key so a later sign-in under the same uid starts a fresh cart.
func cartOwnerID(identity *auth.Identity) string {
	if identity.HasRole(auth.RoleGuest) && !strings.HasPrefix(identity.UID, "guest-") {
		return "guest-" + identity.UID
	}
	return identity.UID
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, cartOwnerID(identity))
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req addItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	expected, err := parseTimePointer(req.ExpectedUpdatedAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cart, err := h.carts.AddItem(ctx, services.AddItemCommand{
		UserID:            cartOwnerID(identity),
		ListingID:         req.ListingID,
		Quantity:          req.Quantity,
		ExpectedUpdatedAt: expected,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))

	var req updateItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	expected, err := parseTimePointer(req.ExpectedUpdatedAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cart, err := h.carts.UpdateQuantity(ctx, services.UpdateQuantityCommand{
		UserID:            cartOwnerID(identity),
		ListingID:         listingID,
		Quantity:          req.Quantity,
		ExpectedUpdatedAt: expected,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))

	cart, err := h.carts.RemoveItem(ctx, services.RemoveItemCommand{
		UserID:    cartOwnerID(identity),
		ListingID: listingID,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, cartOwnerID(identity)); err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrListingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("listing_not_found", "listing does not exist", http.StatusNotFound))
	case errors.Is(err, services.ErrListingOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", "listing is out of stock", http.StatusConflict))
	case errors.Is(err, services.ErrListingUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("listing_unavailable", "listing is not purchasable", http.StatusConflict))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart does not exist", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", "cart was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart storage is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func buildCartPayload(cart domain.Cart) cartPayload {
	payload := cartPayload{
		UserID:    cart.UserID,
		Currency:  cart.Currency,
		Items:     make([]cartItemPayload, 0, len(cart.Items)),
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		entry := cartItemPayload{
			ID:           item.ID,
			ListingID:    item.ListingID,
			SellerID:     item.SellerID,
			Title:        item.Title,
			MaterialType: string(item.MaterialType),
			Quantity:     item.Quantity,
			MaxQuantity:  item.MaxQuantity,
			UnitPrice:    item.UnitPrice,
			Currency:     item.Currency,
			AddedAt:      formatTime(item.AddedAt),
		}
		if item.UpdatedAt != nil {
			entry.UpdatedAt = formatTime(*item.UpdatedAt)
		}
		payload.Items = append(payload.Items, entry)
	}
	if cart.Estimate != nil {
		payload.Estimate = cartEstimatePayload{
			Subtotal: cart.Estimate.Subtotal,
			Shipping: cart.Estimate.Shipping,
			Total:    cart.Estimate.Total,
		}
	}
	return payload
}
