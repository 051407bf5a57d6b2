package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/services"
)

type stubCheckoutService struct {
	createFunc func(ctx context.Context, cmd services.CreateIntentCommand) (services.CheckoutIntent, error)
	verifyFunc func(ctx context.Context, cmd services.VerifyPaymentCommand) (domain.PaymentRecord, error)
}

func (s *stubCheckoutService) CreateIntent(ctx context.Context, cmd services.CreateIntentCommand) (services.CheckoutIntent, error) {
	return s.createFunc(ctx, cmd)
}

func (s *stubCheckoutService) VerifyPayment(ctx context.Context, cmd services.VerifyPaymentCommand) (domain.PaymentRecord, error) {
	return s.verifyFunc(ctx, cmd)
}

const shippingJSON = `{"shipping":{"fullName":"Asha Verma","address":"14 MG Road","city":"Bengaluru","state":"Karnataka","postalCode":"560001","phone":"9876543210","country":"IN"}}`

func TestCheckoutHandlersCreateIntent(t *testing.T) {
	service := &stubCheckoutService{
		createFunc: func(_ context.Context, cmd services.CreateIntentCommand) (services.CheckoutIntent, error) {
			if cmd.UserID != "user-7" {
				t.Fatalf("unexpected user id %q", cmd.UserID)
			}
			if cmd.Shipping.City != "Bengaluru" {
				t.Fatalf("shipping not decoded: %+v", cmd.Shipping)
			}
			if cmd.IdempotencyKey != "key-1" {
				t.Fatalf("idempotency key = %q, want key-1", cmd.IdempotencyKey)
			}
			return services.CheckoutIntent{
				PaymentID:    "pay-1",
				IntentID:     "pi_1",
				ClientSecret: "pi_1_secret",
				Amount:       1200,
				Currency:     "INR",
				Estimate:     domain.CartEstimate{Subtotal: 1200, Total: 1200},
			}, nil
		},
	}
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)

	req := authedRequest(http.MethodPost, "/checkout/intent", shippingJSON)
	req.Header.Set("Idempotency-Key", "key-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp createIntentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.ClientSecret != "pi_1_secret" || resp.Amount != 1200 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCheckoutHandlersShippingError(t *testing.T) {
	service := &stubCheckoutService{
		createFunc: func(_ context.Context, _ services.CreateIntentCommand) (services.CheckoutIntent, error) {
			return services.CheckoutIntent{}, &services.ShippingValidationError{Field: "phone", Message: "phone must be a 10-digit number"}
		},
	}
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/intent", shippingJSON))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "invalid_shipping") || !strings.Contains(body, "phone") {
		t.Fatalf("expected field detail in error, got %s", body)
	}
}

func TestCheckoutHandlersAmountTooLow(t *testing.T) {
	service := &stubCheckoutService{
		createFunc: func(_ context.Context, _ services.CreateIntentCommand) (services.CheckoutIntent, error) {
			return services.CheckoutIntent{}, &services.AmountTooLowError{
				Code:    "AMOUNT_TOO_LOW",
				Minimum: 100,
				Message: "Minimum order amount is " + services.FormatAmount("INR", 100),
			}
		},
	}
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/intent", shippingJSON))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "AMOUNT_TOO_LOW") || !strings.Contains(body, "100.00") {
		t.Fatalf("expected formatted minimum in error, got %s", body)
	}
}

func TestCheckoutHandlersVerify(t *testing.T) {
	service := &stubCheckoutService{
		verifyFunc: func(_ context.Context, cmd services.VerifyPaymentCommand) (domain.PaymentRecord, error) {
			if cmd.IntentID != "pi_1" {
				t.Fatalf("unexpected intent id %q", cmd.IntentID)
			}
			return domain.PaymentRecord{
				ID:       "pay-1",
				UserID:   cmd.UserID,
				Rail:     domain.RailFiat,
				Status:   domain.PaymentSucceeded,
				Amount:   1200,
				Currency: "INR",
				IntentID: "pi_1",
			}, nil
		},
	}
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/verify", `{"intentId":"pi_1"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"status":"succeeded"`) {
		t.Fatalf("expected succeeded payment, got %s", rr.Body.String())
	}
}

func TestCheckoutHandlersVerifyFailedPayment(t *testing.T) {
	service := &stubCheckoutService{
		verifyFunc: func(_ context.Context, cmd services.VerifyPaymentCommand) (domain.PaymentRecord, error) {
			return domain.PaymentRecord{
				ID:            "pay-1",
				UserID:        cmd.UserID,
				Rail:          domain.RailFiat,
				Status:        domain.PaymentFailed,
				FailureReason: "provider reports status processing",
				IntentID:      cmd.IntentID,
			}, nil
		},
	}
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/verify", `{"intentId":"pi_1"}`))

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "provider reports status processing") {
		t.Fatalf("expected the failure reason in the body, got %s", rr.Body.String())
	}
}

func TestCheckoutHandlersVerifyForbidden(t *testing.T) {
	service := &stubCheckoutService{
		verifyFunc: func(_ context.Context, _ services.VerifyPaymentCommand) (domain.PaymentRecord, error) {
			return domain.PaymentRecord{}, services.ErrPaymentForbidden
		},
	}
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/checkout/verify", `{"intentId":"pi_1"}`))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}
