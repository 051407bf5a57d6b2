package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/repositories"
)

func TestCartUpsertOptimisticLock(t *testing.T) {
	ctx := context.Background()
	repo := NewCartRepository()

	saved, err := repo.UpsertCart(ctx, domain.Cart{UserID: "user-1", Currency: "INR"}, nil)
	if err != nil {
		t.Fatalf("UpsertCart: %v", err)
	}

	stale := saved.UpdatedAt.Add(-time.Second)
	_, err = repo.UpsertCart(ctx, domain.Cart{UserID: "user-1", Currency: "INR"}, &stale)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict error, got %v", err)
	}

	if _, err := repo.UpsertCart(ctx, domain.Cart{UserID: "user-1", Currency: "INR"}, &saved.UpdatedAt); err != nil {
		t.Fatalf("expected matching timestamp to succeed, got %v", err)
	}
}

func TestCartGetMissing(t *testing.T) {
	repo := NewCartRepository()

	_, err := repo.GetCart(context.Background(), "nobody")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestListingDecrementStock(t *testing.T) {
	ctx := context.Background()
	repo := NewListingRepository()
	repo.Seed(domain.Listing{ID: "lst-1", Quantity: 3})

	if err := repo.DecrementStock(ctx, "lst-1", 2); err != nil {
		t.Fatalf("DecrementStock: %v", err)
	}

	err := repo.DecrementStock(ctx, "lst-1", 2)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on insufficient stock, got %v", err)
	}

	listing, err := repo.FindByID(ctx, "lst-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if listing.Quantity != 1 {
		t.Fatalf("expected remaining quantity 1, got %d", listing.Quantity)
	}
}

func TestPaymentDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository()

	record := domain.PaymentRecord{ID: "pay-1", UserID: "user-1", Rail: domain.RailFiat, Status: domain.PaymentPending}
	if _, err := repo.Insert(ctx, record); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, err := repo.Insert(ctx, record)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}
}

func TestFindActiveEscrowMatchesListingAndWallet(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository()

	_, err := repo.Insert(ctx, domain.PaymentRecord{
		ID:            "pay-1",
		UserID:        "user-1",
		Rail:          domain.RailCrypto,
		Status:        domain.PaymentPending,
		WalletAddress: "0xabc",
		Lines:         []domain.PaymentLine{{ListingID: "lst-1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, err := repo.FindActiveEscrow(ctx, "lst-1", "0xABC"); err != nil {
		t.Fatalf("expected case-insensitive wallet match, got %v", err)
	}

	_, err = repo.FindActiveEscrow(ctx, "lst-2", "0xabc")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not-found for other listing, got %v", err)
	}
}

func TestImpactAddAccumulates(t *testing.T) {
	ctx := context.Background()
	repo := NewImpactRepository()

	if _, err := repo.Add(ctx, "user-1", 4.5); err != nil {
		t.Fatalf("Add: %v", err)
	}
	total, err := repo.Add(ctx, "user-1", 1.5)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if total.TotalKg != 6.0 || total.Purchases != 2 {
		t.Fatalf("unexpected total %+v", total)
	}

	fresh, err := repo.Get(ctx, "user-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.TotalKg != 0 || fresh.Purchases != 0 {
		t.Fatalf("expected zero total for new user, got %+v", fresh)
	}
}
