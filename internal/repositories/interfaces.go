package repositories

import (
	"context"
	"time"

	domain "github.com/reloop-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Listings() ListingRepository
	Payments() PaymentRepository
	Impact() ImpactRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository owns cart persistence with optimistic locking guarantees.
// UpsertCart rejects the write with a conflict error when expectedUpdate is
// set and no longer matches the stored document.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	DeleteCart(ctx context.Context, userID string) error
}

// ListingRepository reads marketplace listings used by cart and checkout.
type ListingRepository interface {
	FindByID(ctx context.Context, listingID string) (domain.Listing, error)
	FindByIDs(ctx context.Context, listingIDs []string) ([]domain.Listing, error)
	DecrementStock(ctx context.Context, listingID string, quantity int) error
}

// PaymentRepository persists payment records for both rails.
type PaymentRepository interface {
	Insert(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, error)
	FindByID(ctx context.Context, paymentID string) (domain.PaymentRecord, error)
	FindByIntentID(ctx context.Context, intentID string) (domain.PaymentRecord, error)
	FindActiveEscrow(ctx context.Context, listingID string, buyerWallet string) (domain.PaymentRecord, error)
	UpdateStatus(ctx context.Context, paymentID string, status domain.PaymentStatus, failureReason string) (domain.PaymentRecord, error)
	AttachTransaction(ctx context.Context, paymentID string, txHash string) (domain.PaymentRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.PaymentRecord, error)
}

// ImpactRepository accumulates per-user CO2 savings totals.
type ImpactRepository interface {
	Get(ctx context.Context, userID string) (domain.ImpactTotal, error)
	Add(ctx context.Context, userID string, savedKg float64) (domain.ImpactTotal, error)
}

// HealthRepository verifies backend connectivity for readiness probes.
type HealthRepository interface {
	Check(ctx context.Context) error
}
