package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/payments"
	"github.com/reloop-market/api/internal/repositories"
)

// Checkout service errors exposed to transport layers.
var (
	ErrCheckoutInvalidInput = errors.New("checkout service: invalid input")
	ErrCheckoutEmptyCart    = errors.New("checkout service: cart is empty")
	ErrFiatNotAccepted      = errors.New("checkout service: a seller in the cart does not accept card payments")
	ErrPaymentNotFound      = errors.New("checkout service: payment not found")
	ErrPaymentForbidden     = errors.New("checkout service: payment belongs to another user")
	ErrCheckoutUnavailable  = errors.New("checkout service: dependency unavailable")
)

var (
	errCheckoutCartsRequired    = errors.New("checkout service: cart repository is required")
	errCheckoutListingsRequired = errors.New("checkout service: listing repository is required")
	errCheckoutPaymentsRequired = errors.New("checkout service: payment repository is required")
	errCheckoutImpactRequired   = errors.New("checkout service: impact repository is required")
	errCheckoutManagerRequired  = errors.New("checkout service: payment manager is required")
	errCheckoutPricingRequired  = errors.New("checkout service: pricing engine is required")
	errCheckoutClockRequired    = errors.New("checkout service: clock is required")
)

// ShippingValidationError reports the first shipping field that failed
// validation, keyed so clients can focus the offending input.
type ShippingValidationError struct {
	Field   string
	Message string
}

func (e *ShippingValidationError) Error() string {
	return "checkout service: shipping " + e.Field + ": " + e.Message
}

// AmountTooLowError rejects an order below the chargeable minimum. Message
// carries the currency-formatted floor for display. ListingID is set when a
// single cart line, rather than the order total, fails the floor.
type AmountTooLowError struct {
	Code      string
	Minimum   int64
	ListingID string
	Message   string
}

func (e *AmountTooLowError) Error() string {
	return "checkout service: " + e.Message
}

// CheckoutServiceDeps wires storage, pricing, the PSP manager and the
// optional ledger publisher.
type CheckoutServiceDeps struct {
	Carts    repositories.CartRepository
	Listings repositories.ListingRepository
	Payments repositories.PaymentRepository
	Impact   repositories.ImpactRepository
	Manager  *payments.Manager
	Pricing  *PricingEngine
	Ledger   LedgerPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts    repositories.CartRepository
	listings repositories.ListingRepository
	payments repositories.PaymentRepository
	impact   repositories.ImpactRepository
	manager  *payments.Manager
	pricing  *PricingEngine
	ledger   LedgerPublisher
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService validates dependencies and builds the fiat checkout
// service. The ledger publisher is optional.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errCheckoutCartsRequired
	}
	if deps.Listings == nil {
		return nil, errCheckoutListingsRequired
	}
	if deps.Payments == nil {
		return nil, errCheckoutPaymentsRequired
	}
	if deps.Impact == nil {
		return nil, errCheckoutImpactRequired
	}
	if deps.Manager == nil {
		return nil, errCheckoutManagerRequired
	}
	if deps.Pricing == nil {
		return nil, errCheckoutPricingRequired
	}
	if deps.Clock == nil {
		return nil, errCheckoutClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		carts:    deps.Carts,
		listings: deps.Listings,
		payments: deps.Payments,
		impact:   deps.Impact,
		manager:  deps.Manager,
		pricing:  deps.Pricing,
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		logger:   logger,
	}, nil
}

// CreateIntent validates the cart and shipping details, prices the order and
// opens a PSP payment intent. A pending payment record is booked before the
// intent is returned so verification can find it later.
func (s *checkoutService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (CheckoutIntent, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutIntent{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if fieldErr := cmd.Shipping.Validate(); fieldErr != nil {
		return CheckoutIntent{}, &ShippingValidationError{Field: fieldErr.Field, Message: fieldErr.Message}
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return CheckoutIntent{}, ErrCheckoutEmptyCart
		}
		return CheckoutIntent{}, s.translateRepoError(err)
	}
	if len(cart.Items) == 0 {
		return CheckoutIntent{}, ErrCheckoutEmptyCart
	}

	listings, err := s.refreshListings(ctx, cart.Items)
	if err != nil {
		return CheckoutIntent{}, err
	}
	if !ResolvePaymentOptions(listings).FiatAvailable {
		return CheckoutIntent{}, ErrFiatNotAccepted
	}

	estimate, err := s.pricing.Estimate(cart.Items)
	if err != nil {
		return CheckoutIntent{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	for _, item := range cart.Items {
		if !s.pricing.MeetsMinimum(item.UnitPrice * int64(item.Quantity)) {
			return CheckoutIntent{}, s.amountTooLowForListing(item.ListingID)
		}
	}
	if !s.pricing.MeetsMinimum(estimate.Total) {
		return CheckoutIntent{}, s.amountTooLow()
	}

	currencyCode := s.pricing.Currency()
	paymentID := ulid.Make().String()
	intent, err := s.manager.CreateIntent(ctx, payments.PaymentContext{Currency: currencyCode}, payments.IntentRequest{
		Amount:      estimate.Total,
		Currency:    currencyCode,
		CustomerID:  userID,
		Description: fmt.Sprintf("ReLoop order (%d items)", len(cart.Items)),
		Metadata: map[string]string{
			"paymentId": paymentID,
			"userId":    userID,
		},
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, payments.ErrAmountTooLow) {
			return CheckoutIntent{}, s.amountTooLow()
		}
		return CheckoutIntent{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	lines := paymentLinesFromCart(cart.Items)
	now := s.clock().UTC()
	shipping := cmd.Shipping
	record := domain.PaymentRecord{
		ID:         paymentID,
		UserID:     userID,
		Rail:       domain.RailFiat,
		Status:     domain.PaymentPending,
		Amount:     estimate.Total,
		Currency:   currencyCode,
		IntentID:   intent.ID,
		Lines:      lines,
		Shipping:   &shipping,
		CO2SavedKg: domain.CO2SavedForLines(lines),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.payments.Insert(ctx, record); err != nil {
		return CheckoutIntent{}, s.translateRepoError(err)
	}

	s.logger(ctx, "checkout.intent_created", map[string]any{
		"userId":    userID,
		"paymentId": paymentID,
		"intentId":  intent.ID,
		"amount":    estimate.Total,
		"currency":  currencyCode,
	})
	return CheckoutIntent{
		PaymentID:    paymentID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       estimate.Total,
		Currency:     currencyCode,
		Estimate:     estimate,
	}, nil
}

// VerifyPayment reconciles a client-reported completion against the PSP.
// The client report alone never marks the payment as succeeded: the PSP
// lookup is the source of truth. On success the order is booked, stock is
// decremented, the cart cleared and the impact total credited.
func (s *checkoutService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (domain.PaymentRecord, error) {
	userID := strings.TrimSpace(cmd.UserID)
	intentID := strings.TrimSpace(cmd.IntentID)
	if userID == "" || intentID == "" {
		return domain.PaymentRecord{}, fmt.Errorf("%w: user id and intent id are required", ErrCheckoutInvalidInput)
	}

	record, err := s.payments.FindByIntentID(ctx, intentID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.PaymentRecord{}, ErrPaymentNotFound
		}
		return domain.PaymentRecord{}, s.translateRepoError(err)
	}
	if record.UserID != userID {
		return domain.PaymentRecord{}, ErrPaymentForbidden
	}
	if record.Status == domain.PaymentSucceeded {
		return record, nil
	}

	details, err := s.manager.LookupPayment(ctx, payments.PaymentContext{Currency: record.Currency}, payments.LookupRequest{IntentID: intentID})
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	if details.Status != payments.StatusSucceeded {
		reason := fmt.Sprintf("provider reports status %s", details.Status)
		updated, uerr := s.payments.UpdateStatus(ctx, record.ID, domain.PaymentFailed, reason)
		if uerr != nil {
			return domain.PaymentRecord{}, s.translateRepoError(uerr)
		}
		s.logger(ctx, "checkout.verification_failed", map[string]any{
			"userId":    userID,
			"paymentId": record.ID,
			"status":    string(details.Status),
		})
		return updated, nil
	}
	if details.Amount != record.Amount {
		reason := fmt.Sprintf("provider amount %d does not match expected %d", details.Amount, record.Amount)
		updated, uerr := s.payments.UpdateStatus(ctx, record.ID, domain.PaymentFailed, reason)
		if uerr != nil {
			return domain.PaymentRecord{}, s.translateRepoError(uerr)
		}
		s.logger(ctx, "checkout.verification_failed", map[string]any{
			"userId":    userID,
			"paymentId": record.ID,
			"reason":    reason,
		})
		return updated, nil
	}

	return s.bookSuccess(ctx, record)
}

// bookSuccess finalises a confirmed payment: stock, status, impact, cart and
// the ledger event. Shared with the crypto rail.
func (s *checkoutService) bookSuccess(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, error) {
	for _, line := range record.Lines {
		if err := s.listings.DecrementStock(ctx, line.ListingID, line.Quantity); err != nil {
			s.logger(ctx, "checkout.stock_decrement_failed", map[string]any{
				"paymentId": record.ID,
				"listingId": line.ListingID,
				"error":     err.Error(),
			})
		}
	}

	updated, err := s.payments.UpdateStatus(ctx, record.ID, domain.PaymentSucceeded, "")
	if err != nil {
		return domain.PaymentRecord{}, s.translateRepoError(err)
	}

	if _, err := s.impact.Add(ctx, record.UserID, record.CO2SavedKg); err != nil {
		s.logger(ctx, "checkout.impact_update_failed", map[string]any{
			"paymentId": record.ID,
			"error":     err.Error(),
		})
	}
	if err := s.carts.DeleteCart(ctx, record.UserID); err != nil && !isRepoNotFound(err) {
		s.logger(ctx, "checkout.cart_clear_failed", map[string]any{
			"paymentId": record.ID,
			"error":     err.Error(),
		})
	}
	s.publishLedger(ctx, updated)

	s.logger(ctx, "checkout.payment_succeeded", map[string]any{
		"userId":    record.UserID,
		"paymentId": record.ID,
		"rail":      string(record.Rail),
		"amount":    record.Amount,
	})
	return updated, nil
}

func (s *checkoutService) publishLedger(ctx context.Context, record domain.PaymentRecord) {
	if s.ledger == nil {
		return
	}
	_, err := s.ledger.PublishPaymentRecorded(ctx, PaymentRecordedMessage{
		PaymentID:  record.ID,
		UserID:     record.UserID,
		Rail:       string(record.Rail),
		Status:     string(record.Status),
		Amount:     record.Amount,
		Currency:   record.Currency,
		CO2SavedKg: record.CO2SavedKg,
		RecordedAt: record.UpdatedAt,
	})
	if err != nil {
		s.logger(ctx, "checkout.ledger_publish_failed", map[string]any{
			"paymentId": record.ID,
			"error":     err.Error(),
		})
	}
}

func (s *checkoutService) refreshListings(ctx context.Context, items []domain.CartItem) ([]domain.Listing, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ListingID)
	}
	listings, err := s.listings.FindByIDs(ctx, ids)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	if len(listings) != len(ids) {
		return nil, fmt.Errorf("%w: a listing in the cart is no longer available", ErrCheckoutInvalidInput)
	}
	byID := make(map[string]domain.Listing, len(listings))
	for _, listing := range listings {
		byID[listing.ID] = listing
	}
	for _, item := range items {
		listing, ok := byID[item.ListingID]
		if !ok {
			return nil, fmt.Errorf("%w: listing %s is no longer available", ErrCheckoutInvalidInput, item.ListingID)
		}
		if listing.Quantity < item.Quantity {
			return nil, fmt.Errorf("%w: listing %s has only %d left", ErrCheckoutInvalidInput, item.ListingID, listing.Quantity)
		}
	}
	return listings, nil
}

func (s *checkoutService) amountTooLow() error {
	minimum := s.pricing.MinimumFor(s.pricing.Currency())
	return &AmountTooLowError{
		Code:    "AMOUNT_TOO_LOW",
		Minimum: minimum,
		Message: fmt.Sprintf("Minimum order amount is %s", FormatAmount(s.pricing.Currency(), minimum)),
	}
}

func (s *checkoutService) amountTooLowForListing(listingID string) error {
	minimum := s.pricing.MinimumFor(s.pricing.Currency())
	return &AmountTooLowError{
		Code:      "AMOUNT_TOO_LOW",
		Minimum:   minimum,
		ListingID: listingID,
		Message: fmt.Sprintf("Minimum payment amount is %s (listing %s)",
			FormatAmount(s.pricing.Currency(), minimum), listingID),
	}
}

func (s *checkoutService) translateRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
}

func paymentLinesFromCart(items []domain.CartItem) []domain.PaymentLine {
	lines := make([]domain.PaymentLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.PaymentLine{
			ListingID:    item.ListingID,
			SellerID:     item.SellerID,
			MaterialType: item.MaterialType,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
		})
	}
	return lines
}

// FormatAmount renders an amount with its currency symbol for user-facing
// messages, falling back to "CODE amount.00" for unknown codes.
func FormatAmount(code string, amount int64) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%s %d.00", strings.ToUpper(code), amount)
	}
	printer := message.NewPrinter(language.English)
	return printer.Sprintf("%v", currency.NarrowSymbol(unit.Amount(float64(amount))))
}
