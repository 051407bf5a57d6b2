package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/platform/auth"
	"github.com/reloop-market/api/internal/services"
)

type stubCartService struct {
	getFunc    func(ctx context.Context, userID string) (domain.Cart, error)
	addFunc    func(ctx context.Context, cmd services.AddItemCommand) (domain.Cart, error)
	updateFunc func(ctx context.Context, cmd services.UpdateQuantityCommand) (domain.Cart, error)
	removeFunc func(ctx context.Context, cmd services.RemoveItemCommand) (domain.Cart, error)
	clearFunc  func(ctx context.Context, userID string) error
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	return s.getFunc(ctx, userID)
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddItemCommand) (domain.Cart, error) {
	return s.addFunc(ctx, cmd)
}

func (s *stubCartService) UpdateQuantity(ctx context.Context, cmd services.UpdateQuantityCommand) (domain.Cart, error) {
	return s.updateFunc(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveItemCommand) (domain.Cart, error) {
	return s.removeFunc(ctx, cmd)
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	return s.clearFunc(ctx, userID)
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		UID:    "user-7",
		Wallet: "0x1111111111111111111111111111111111111111",
		Roles:  []string{auth.RoleUser},
	}))
}

func TestCartHandlersGuestIdentityPrefixed(t *testing.T) {
	service := &stubCartService{
		getFunc: func(_ context.Context, userID string) (domain.Cart, error) {
			if userID != "guest-session-9" {
				t.Fatalf("unexpected cart owner %q", userID)
			}
			return domain.Cart{ID: userID, UserID: userID, Currency: "INR"}, nil
		},
	}
	handlers := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handlers.Routes)

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		UID:   "session-9",
		Roles: []string{auth.RoleGuest},
	}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCartHandlersGetCart(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	service := &stubCartService{
		getFunc: func(_ context.Context, userID string) (domain.Cart, error) {
			if userID != "user-7" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return domain.Cart{
				ID:       "user-7",
				UserID:   "user-7",
				Currency: "INR",
				Items: []domain.CartItem{
					{
						ID:           "item-1",
						ListingID:    "listing-1",
						Title:        "Reclaimed teak",
						MaterialType: domain.MaterialWood,
						Quantity:     2,
						UnitPrice:    300,
						Currency:     "INR",
						AddedAt:      now,
					},
				},
				Estimate:  &domain.CartEstimate{Subtotal: 600, Shipping: 100, Total: 700},
				UpdatedAt: now,
			}, nil
		},
	}
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Cart.Estimate.Total != 700 {
		t.Fatalf("total = %d, want 700", resp.Cart.Estimate.Total)
	}
	if len(resp.Cart.Items) != 1 || resp.Cart.Items[0].ListingID != "listing-1" {
		t.Fatalf("unexpected items: %+v", resp.Cart.Items)
	}
}

func TestCartHandlersGetCartUnauthenticated(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cart", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersAddItem(t *testing.T) {
	service := &stubCartService{
		addFunc: func(_ context.Context, cmd services.AddItemCommand) (domain.Cart, error) {
			if cmd.ListingID != "listing-1" || cmd.Quantity != 3 {
				t.Fatalf("unexpected command: %+v", cmd)
			}
			return domain.Cart{UserID: cmd.UserID, Currency: "INR", Estimate: &domain.CartEstimate{}}, nil
		},
	}
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", `{"listingId":"listing-1","quantity":3}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCartHandlersAddItemOutOfStock(t *testing.T) {
	service := &stubCartService{
		addFunc: func(_ context.Context, _ services.AddItemCommand) (domain.Cart, error) {
			return domain.Cart{}, services.ErrListingOutOfStock
		},
	}
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", `{"listingId":"listing-1","quantity":1}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "out_of_stock") {
		t.Fatalf("expected out_of_stock code, got %s", rr.Body.String())
	}
}

func TestCartHandlersAddItemInvalidBody(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", "{not json"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersUpdateItem(t *testing.T) {
	service := &stubCartService{
		updateFunc: func(_ context.Context, cmd services.UpdateQuantityCommand) (domain.Cart, error) {
			if cmd.ListingID != "listing-9" || cmd.Quantity != 4 {
				t.Fatalf("unexpected command: %+v", cmd)
			}
			if cmd.ExpectedUpdatedAt == nil {
				t.Fatal("expected optimistic-lock timestamp to be parsed")
			}
			return domain.Cart{UserID: cmd.UserID, Estimate: &domain.CartEstimate{}}, nil
		},
	}
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	body := `{"quantity":4,"expectedUpdatedAt":"2026-03-01T10:00:00Z"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPatch, "/cart/items/listing-9", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCartHandlersRemoveItem(t *testing.T) {
	service := &stubCartService{
		removeFunc: func(_ context.Context, cmd services.RemoveItemCommand) (domain.Cart, error) {
			if cmd.ListingID != "listing-9" {
				t.Fatalf("unexpected listing id %q", cmd.ListingID)
			}
			return domain.Cart{UserID: cmd.UserID, Estimate: &domain.CartEstimate{}}, nil
		},
	}
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart/items/listing-9", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestCartHandlersClearCart(t *testing.T) {
	cleared := false
	service := &stubCartService{
		clearFunc: func(_ context.Context, userID string) error {
			cleared = userID == "user-7"
			return nil
		},
	}
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart", ""))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !cleared {
		t.Fatal("expected ClearCart to be called for user-7")
	}
}

func TestCartHandlersConflict(t *testing.T) {
	service := &stubCartService{
		updateFunc: func(_ context.Context, _ services.UpdateQuantityCommand) (domain.Cart, error) {
			return domain.Cart{}, services.ErrCartConflict
		},
	}
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPatch, "/cart/items/listing-1", `{"quantity":1}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
