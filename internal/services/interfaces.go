package services

import (
	"context"
	"time"

	domain "github.com/reloop-market/api/internal/domain"
)

// CartService owns the per-user cart lifecycle. The cart store is swappable:
// any CartRepository implementation can back it without service changes.
type CartService interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	AddItem(ctx context.Context, cmd AddItemCommand) (domain.Cart, error)
	UpdateQuantity(ctx context.Context, cmd UpdateQuantityCommand) (domain.Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveItemCommand) (domain.Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// AddItemCommand adds a listing to the cart. Re-adding a listing already in
// the cart replaces the stored quantity instead of accumulating.
type AddItemCommand struct {
	UserID            string
	ListingID         string
	Quantity          int
	ExpectedUpdatedAt *time.Time
}

// UpdateQuantityCommand sets the quantity for a cart line.
type UpdateQuantityCommand struct {
	UserID            string
	ListingID         string
	Quantity          int
	ExpectedUpdatedAt *time.Time
}

// RemoveItemCommand drops a cart line.
type RemoveItemCommand struct {
	UserID            string
	ListingID         string
	ExpectedUpdatedAt *time.Time
}

// CheckoutService drives the fiat payment flow.
type CheckoutService interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (CheckoutIntent, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (domain.PaymentRecord, error)
}

// CreateIntentCommand starts a fiat checkout for the user's cart.
type CreateIntentCommand struct {
	UserID         string
	Shipping       domain.ShippingInfo
	IdempotencyKey string
}

// CheckoutIntent is the client-facing payload for confirming a card payment.
type CheckoutIntent struct {
	PaymentID    string
	IntentID     string
	ClientSecret string
	Amount       int64
	Currency     string
	Estimate     domain.CartEstimate
}

// VerifyPaymentCommand reports a client-side payment completion. The service
// treats the report as a hint and re-verifies with the provider before the
// payment is recorded as succeeded.
type VerifyPaymentCommand struct {
	UserID   string
	IntentID string
}

// CryptoCheckoutService drives the ETH payment flow.
type CryptoCheckoutService interface {
	PreparePayment(ctx context.Context, cmd PrepareCryptoCommand) (CryptoPaymentPlan, error)
	RecordPayment(ctx context.Context, cmd RecordCryptoCommand) (domain.PaymentRecord, error)
}

// CryptoPaymentMode selects between a direct wallet transfer and escrow.
type CryptoPaymentMode string

const (
	CryptoModeDirect CryptoPaymentMode = "direct"
	CryptoModeEscrow CryptoPaymentMode = "escrow"
)

// PrepareCryptoCommand requests a signed-client payment plan for a listing.
type PrepareCryptoCommand struct {
	UserID      string
	BuyerWallet string
	ListingID   string
	Quantity    int
	Mode        CryptoPaymentMode
}

// CryptoPaymentPlan is everything the client wallet needs to build the
// transaction: destination, value, gas, and the expected chain.
type CryptoPaymentPlan struct {
	PaymentID  string
	Mode       CryptoPaymentMode
	EscrowID   string
	To         string
	ValueWei   string
	GasLimit   uint64
	ChainIDHex string
	Amount     int64
	Currency   string
	RateETH    float64
}

// RecordCryptoCommand reports a broadcast transaction for server-side
// confirmation. Success is only recorded once the chain confirms it.
type RecordCryptoCommand struct {
	UserID          string
	PaymentID       string
	TransactionHash string
}

// ImpactService reports CO2 savings.
type ImpactService interface {
	GetUserImpact(ctx context.Context, userID string) (domain.ImpactTotal, error)
	EstimateCart(items []domain.CartItem) float64
}

// PaymentRecordedMessage is the ledger event published after a payment is
// booked, for downstream accounting and impact aggregation.
type PaymentRecordedMessage struct {
	PaymentID  string    `json:"paymentId"`
	UserID     string    `json:"userId"`
	Rail       string    `json:"rail"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	CO2SavedKg float64   `json:"co2SavedKg"`
	RecordedAt time.Time `json:"recordedAt"`
}

// LedgerPublisher publishes payment ledger events.
type LedgerPublisher interface {
	PublishPaymentRecorded(ctx context.Context, message PaymentRecordedMessage) (string, error)
}
