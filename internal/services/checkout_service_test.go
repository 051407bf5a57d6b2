package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/payments"
	"github.com/reloop-market/api/internal/repositories/memory"
)

type stubPSP struct {
	createErr    error
	lookupStatus payments.Status
	lookupAmount int64
	lookupErr    error
	lastRequest  payments.IntentRequest
}

func (s *stubPSP) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	s.lastRequest = req
	if s.createErr != nil {
		return payments.Intent{}, s.createErr
	}
	return payments.Intent{
		ID:           "pi_test_123",
		ClientSecret: "pi_test_123_secret",
		Status:       payments.StatusPending,
		Amount:       req.Amount,
		Currency:     req.Currency,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *stubPSP) LookupPayment(_ context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if s.lookupErr != nil {
		return payments.PaymentDetails{}, s.lookupErr
	}
	amount := s.lookupAmount
	if amount == 0 {
		amount = s.lastRequest.Amount
	}
	return payments.PaymentDetails{IntentID: req.IntentID, Status: s.lookupStatus, Amount: amount}, nil
}

func (s *stubPSP) Refund(_ context.Context, _ payments.RefundRequest) (payments.PaymentDetails, error) {
	return payments.PaymentDetails{}, errors.New("not implemented")
}

type captureLedger struct {
	messages []PaymentRecordedMessage
}

func (c *captureLedger) PublishPaymentRecorded(_ context.Context, message PaymentRecordedMessage) (string, error) {
	c.messages = append(c.messages, message)
	return "msg-1", nil
}

type checkoutFixture struct {
	service  CheckoutService
	carts    *memory.CartRepository
	listings *memory.ListingRepository
	payments *memory.PaymentRepository
	impact   *memory.ImpactRepository
	psp      *stubPSP
	ledger   *captureLedger
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		carts:    memory.NewCartRepository(),
		listings: memory.NewListingRepository(),
		payments: memory.NewPaymentRepository(),
		impact:   memory.NewImpactRepository(),
		psp:      &stubPSP{lookupStatus: payments.StatusSucceeded},
		ledger:   &captureLedger{},
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": f.psp})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:    f.carts,
		Listings: f.listings,
		Payments: f.payments,
		Impact:   f.impact,
		Manager:  manager,
		Pricing:  testPricingEngine(),
		Ledger:   f.ledger,
		Clock:    time.Now,
	})
	if err != nil {
		t.Fatalf("NewCheckoutService returned error: %v", err)
	}
	f.service = svc
	return f
}

func validShipping() domain.ShippingInfo {
	return domain.ShippingInfo{
		FullName:   "Asha Verma",
		Address:    "14 MG Road",
		City:       "Bengaluru",
		State:      "Karnataka",
		PostalCode: "560001",
		Phone:      "9876543210",
		Country:    "IN",
	}
}

func (f *checkoutFixture) addToCart(t *testing.T, userID, listingID string, quantity int) {
	t.Helper()
	cartSvc, err := NewCartService(CartServiceDeps{
		Carts:    f.carts,
		Listings: f.listings,
		Pricing:  testPricingEngine(),
		Clock:    time.Now,
	})
	if err != nil {
		t.Fatalf("NewCartService returned error: %v", err)
	}
	if _, err := cartSvc.AddItem(context.Background(), AddItemCommand{UserID: userID, ListingID: listingID, Quantity: quantity}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
}

func TestCreateIntentHappyPath(t *testing.T) {
	f := newCheckoutFixture(t)
	seedListing(f.listings, "listing-1", 600, 5)
	f.addToCart(t, "user-1", "listing-1", 2)

	intent, err := f.service.CreateIntent(context.Background(), CreateIntentCommand{
		UserID:   "user-1",
		Shipping: validShipping(),
	})
	if err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}
	if intent.IntentID != "pi_test_123" || intent.ClientSecret == "" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	// 1200 subtotal crosses the free-shipping threshold.
	if intent.Amount != 1200 {
		t.Fatalf("amount = %d, want 1200", intent.Amount)
	}
	if intent.Currency != "INR" {
		t.Fatalf("currency = %q, want INR", intent.Currency)
	}

	record, err := f.payments.FindByIntentID(context.Background(), "pi_test_123")
	if err != nil {
		t.Fatalf("payment record not booked: %v", err)
	}
	if record.Status != domain.PaymentPending || record.Rail != domain.RailFiat {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Shipping == nil || record.Shipping.City != "Bengaluru" {
		t.Fatalf("shipping not stored: %+v", record.Shipping)
	}
	if record.CO2SavedKg != 3.6 {
		t.Fatalf("co2 = %v, want 3.6 for wood x2", record.CO2SavedKg)
	}
}

func TestCreateIntentShippingValidatedInOrder(t *testing.T) {
	f := newCheckoutFixture(t)
	seedListing(f.listings, "listing-1", 600, 5)
	f.addToCart(t, "user-1", "listing-1", 1)

	shipping := domain.ShippingInfo{FullName: "Asha Verma"}
	_, err := f.service.CreateIntent(context.Background(), CreateIntentCommand{UserID: "user-1", Shipping: shipping})

	var fieldErr *ShippingValidationError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected ShippingValidationError, got %v", err)
	}
	if fieldErr.Field != "address" {
		t.Fatalf("first failing field = %q, want address", fieldErr.Field)
	}
}

func TestCreateIntentEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t)

	_, err := f.service.CreateIntent(context.Background(), CreateIntentCommand{UserID: "user-1", Shipping: validShipping()})
	if !errors.Is(err, ErrCheckoutEmptyCart) {
		t.Fatalf("expected ErrCheckoutEmptyCart, got %v", err)
	}
}

func TestCreateIntentFiatNotAccepted(t *testing.T) {
	f := newCheckoutFixture(t)
	noFiat := false
	f.listings.Seed(domain.Listing{
		ID:           "listing-1",
		SellerID:     "seller-1",
		Title:        "Crypto only lot",
		MaterialType: domain.MaterialMetal,
		UnitPrice:    600,
		Currency:     "INR",
		Quantity:     5,
		Payment: domain.PaymentPreferences{
			AcceptsFiat:   &noFiat,
			AcceptsCrypto: true,
			CryptoAddress: "0x2222222222222222222222222222222222222222",
		},
	})
	f.addToCart(t, "user-1", "listing-1", 1)

	_, err := f.service.CreateIntent(context.Background(), CreateIntentCommand{UserID: "user-1", Shipping: validShipping()})
	if !errors.Is(err, ErrFiatNotAccepted) {
		t.Fatalf("expected ErrFiatNotAccepted, got %v", err)
	}
}

func TestCreateIntentAmountTooLowFromProvider(t *testing.T) {
	f := newCheckoutFixture(t)
	f.psp.createErr = payments.ErrAmountTooLow
	seedListing(f.listings, "listing-1", 600, 5)
	f.addToCart(t, "user-1", "listing-1", 1)

	_, err := f.service.CreateIntent(context.Background(), CreateIntentCommand{UserID: "user-1", Shipping: validShipping()})

	var tooLow *AmountTooLowError
	if !errors.As(err, &tooLow) {
		t.Fatalf("expected AmountTooLowError, got %v", err)
	}
	if tooLow.Code != "AMOUNT_TOO_LOW" {
		t.Fatalf("code = %q, want AMOUNT_TOO_LOW", tooLow.Code)
	}
	if !strings.Contains(tooLow.Message, "100.00") {
		t.Fatalf("message %q should carry the formatted minimum", tooLow.Message)
	}
}

func TestCreateIntentLineBelowMinimumNamesListing(t *testing.T) {
	f := newCheckoutFixture(t)
	seedListing(f.listings, "listing-cheap", 60, 5)
	seedListing(f.listings, "listing-big", 2000, 5)
	f.addToCart(t, "user-1", "listing-cheap", 1)
	f.addToCart(t, "user-1", "listing-big", 1)

	_, err := f.service.CreateIntent(context.Background(), CreateIntentCommand{UserID: "user-1", Shipping: validShipping()})

	var tooLow *AmountTooLowError
	if !errors.As(err, &tooLow) {
		t.Fatalf("expected AmountTooLowError, got %v", err)
	}
	if tooLow.ListingID != "listing-cheap" {
		t.Fatalf("listing id = %q, want listing-cheap", tooLow.ListingID)
	}
	if !strings.Contains(tooLow.Message, "listing-cheap") {
		t.Fatalf("message %q should name the offending listing", tooLow.Message)
	}
	if f.psp.lastRequest.Amount != 0 {
		t.Fatalf("provider should not be called for a refused batch")
	}
}

func TestVerifyPaymentAmountMismatch(t *testing.T) {
	f := newCheckoutFixture(t)
	seedListing(f.listings, "listing-1", 600, 5)
	f.addToCart(t, "user-1", "listing-1", 2)
	ctx := context.Background()

	if _, err := f.service.CreateIntent(ctx, CreateIntentCommand{UserID: "user-1", Shipping: validShipping()}); err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}
	f.psp.lookupAmount = 500

	record, err := f.service.VerifyPayment(ctx, VerifyPaymentCommand{UserID: "user-1", IntentID: "pi_test_123"})
	if err != nil {
		t.Fatalf("VerifyPayment returned error: %v", err)
	}
	if record.Status != domain.PaymentFailed {
		t.Fatalf("status = %q, want failed", record.Status)
	}
	listing, err := f.listings.FindByID(ctx, "listing-1")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if listing.Quantity != 5 {
		t.Fatalf("stock = %d, want untouched 5", listing.Quantity)
	}
}

func TestVerifyPaymentSuccess(t *testing.T) {
	f := newCheckoutFixture(t)
	seedListing(f.listings, "listing-1", 600, 5)
	f.addToCart(t, "user-1", "listing-1", 2)
	ctx := context.Background()

	if _, err := f.service.CreateIntent(ctx, CreateIntentCommand{UserID: "user-1", Shipping: validShipping()}); err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}

	record, err := f.service.VerifyPayment(ctx, VerifyPaymentCommand{UserID: "user-1", IntentID: "pi_test_123"})
	if err != nil {
		t.Fatalf("VerifyPayment returned error: %v", err)
	}
	if record.Status != domain.PaymentSucceeded {
		t.Fatalf("status = %s, want succeeded", record.Status)
	}

	listing, err := f.listings.FindByID(ctx, "listing-1")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if listing.Quantity != 3 {
		t.Fatalf("stock = %d, want 3 after selling 2", listing.Quantity)
	}

	total, err := f.impact.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("impact Get returned error: %v", err)
	}
	if total.TotalKg != 3.6 || total.Purchases != 1 {
		t.Fatalf("impact = %+v, want 3.6kg over 1 purchase", total)
	}

	if _, err := f.carts.GetCart(ctx, "user-1"); err == nil {
		t.Fatal("cart should be deleted after a successful payment")
	}

	if len(f.ledger.messages) != 1 {
		t.Fatalf("expected 1 ledger message, got %d", len(f.ledger.messages))
	}
	msg := f.ledger.messages[0]
	if msg.Rail != "fiat" || msg.Status != "succeeded" || msg.Amount != 1200 {
		t.Fatalf("unexpected ledger message: %+v", msg)
	}

	// Verifying again is idempotent.
	again, err := f.service.VerifyPayment(ctx, VerifyPaymentCommand{UserID: "user-1", IntentID: "pi_test_123"})
	if err != nil {
		t.Fatalf("second VerifyPayment returned error: %v", err)
	}
	if again.Status != domain.PaymentSucceeded {
		t.Fatalf("status = %s, want succeeded", again.Status)
	}
	if len(f.ledger.messages) != 1 {
		t.Fatalf("idempotent verify should not republish, got %d messages", len(f.ledger.messages))
	}
}

func TestVerifyPaymentProviderDisagrees(t *testing.T) {
	f := newCheckoutFixture(t)
	f.psp.lookupStatus = payments.StatusPending
	seedListing(f.listings, "listing-1", 600, 5)
	f.addToCart(t, "user-1", "listing-1", 2)
	ctx := context.Background()

	if _, err := f.service.CreateIntent(ctx, CreateIntentCommand{UserID: "user-1", Shipping: validShipping()}); err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}

	// The client claims success but the provider still reports pending.
	record, err := f.service.VerifyPayment(ctx, VerifyPaymentCommand{UserID: "user-1", IntentID: "pi_test_123"})
	if err != nil {
		t.Fatalf("VerifyPayment returned error: %v", err)
	}
	if record.Status != domain.PaymentFailed {
		t.Fatalf("status = %s, want failed when provider disagrees", record.Status)
	}

	listing, err := f.listings.FindByID(ctx, "listing-1")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if listing.Quantity != 5 {
		t.Fatalf("stock = %d, want untouched 5", listing.Quantity)
	}
	if len(f.ledger.messages) != 0 {
		t.Fatalf("no ledger message expected, got %d", len(f.ledger.messages))
	}
}

func TestVerifyPaymentWrongUser(t *testing.T) {
	f := newCheckoutFixture(t)
	seedListing(f.listings, "listing-1", 600, 5)
	f.addToCart(t, "user-1", "listing-1", 1)
	ctx := context.Background()

	if _, err := f.service.CreateIntent(ctx, CreateIntentCommand{UserID: "user-1", Shipping: validShipping()}); err != nil {
		t.Fatalf("CreateIntent returned error: %v", err)
	}
	if _, err := f.service.VerifyPayment(ctx, VerifyPaymentCommand{UserID: "user-2", IntentID: "pi_test_123"}); !errors.Is(err, ErrPaymentForbidden) {
		t.Fatalf("expected ErrPaymentForbidden, got %v", err)
	}
}

func TestVerifyPaymentUnknownIntent(t *testing.T) {
	f := newCheckoutFixture(t)

	_, err := f.service.VerifyPayment(context.Background(), VerifyPaymentCommand{UserID: "user-1", IntentID: "pi_missing"})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}
