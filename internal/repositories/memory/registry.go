package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/repositories"
)

// Registry is an in-memory implementation of the repository registry used for
// local development and tests.
type Registry struct {
	carts    *CartRepository
	listings *ListingRepository
	payments *PaymentRepository
	impact   *ImpactRepository
}

// NewRegistry constructs an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{
		carts:    NewCartRepository(),
		listings: NewListingRepository(),
		payments: NewPaymentRepository(),
		impact:   NewImpactRepository(),
	}
}

// Close is a no-op for the in-memory backend.
func (r *Registry) Close(context.Context) error { return nil }

// Carts returns the cart repository.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Listings returns the listing repository.
func (r *Registry) Listings() repositories.ListingRepository { return r.listings }

// Payments returns the payment repository.
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }

// Impact returns the impact repository.
func (r *Registry) Impact() repositories.ImpactRepository { return r.impact }

// Health always reports ready for the in-memory backend.
func (r *Registry) Health() repositories.HealthRepository { return healthChecker{} }

type healthChecker struct{}

func (healthChecker) Check(context.Context) error { return nil }

// storeError implements repositories.RepositoryError for the memory backend.
type storeError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *storeError) Error() string       { return e.msg }
func (e *storeError) IsNotFound() bool    { return e != nil && e.notFound }
func (e *storeError) IsConflict() bool    { return e != nil && e.conflict }
func (e *storeError) IsUnavailable() bool { return e != nil && e.unavailable }

func notFound(format string, args ...any) error {
	return &storeError{msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(format string, args ...any) error {
	return &storeError{msg: fmt.Sprintf(format, args...), conflict: true}
}

// CartRepository keeps carts in a map guarded by a mutex.
type CartRepository struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
}

// NewCartRepository constructs an empty cart store.
func NewCartRepository() *CartRepository {
	return &CartRepository{carts: make(map[string]domain.Cart)}
}

// UpsertCart stores the cart, enforcing the optimistic-lock timestamp when provided.
func (r *CartRepository) UpsertCart(_ context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error) {
	uid := strings.TrimSpace(cart.UserID)
	if uid == "" {
		return domain.Cart{}, &storeError{msg: "cart repository: user id is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.carts[uid]
	if expectedUpdate != nil && !expectedUpdate.IsZero() {
		if !ok {
			return domain.Cart{}, notFound("cart %s not found", uid)
		}
		if !existing.UpdatedAt.Equal(*expectedUpdate) {
			return domain.Cart{}, conflict("cart %s was modified concurrently", uid)
		}
	}

	now := time.Now().UTC()
	cart.ID = uid
	if cart.CreatedAt.IsZero() {
		if ok {
			cart.CreatedAt = existing.CreatedAt
		} else {
			cart.CreatedAt = now
		}
	}
	cart.UpdatedAt = now
	cart.Items = cloneItems(cart.Items)
	r.carts[uid] = cart
	return cart, nil
}

// GetCart returns the stored cart or a not-found error.
func (r *CartRepository) GetCart(_ context.Context, userID string) (domain.Cart, error) {
	uid := strings.TrimSpace(userID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	cart, ok := r.carts[uid]
	if !ok {
		return domain.Cart{}, notFound("cart %s not found", uid)
	}
	cart.Items = cloneItems(cart.Items)
	return cart, nil
}

// DeleteCart removes the cart; deleting an absent cart is not an error.
func (r *CartRepository) DeleteCart(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, strings.TrimSpace(userID))
	return nil
}

func cloneItems(items []domain.CartItem) []domain.CartItem {
	out := make([]domain.CartItem, len(items))
	copy(out, items)
	return out
}

// ListingRepository keeps listings in a map guarded by a mutex.
type ListingRepository struct {
	mu       sync.RWMutex
	listings map[string]domain.Listing
}

// NewListingRepository constructs an empty listing store.
func NewListingRepository() *ListingRepository {
	return &ListingRepository{listings: make(map[string]domain.Listing)}
}

// Seed inserts or replaces a listing, primarily for tests and local fixtures.
func (r *ListingRepository) Seed(listing domain.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[listing.ID] = listing
}

// FindByID returns the listing or a not-found error.
func (r *ListingRepository) FindByID(_ context.Context, listingID string) (domain.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	listing, ok := r.listings[strings.TrimSpace(listingID)]
	if !ok {
		return domain.Listing{}, notFound("listing %s not found", listingID)
	}
	return listing, nil
}

// FindByIDs returns the listings that exist, preserving input order.
func (r *ListingRepository) FindByIDs(_ context.Context, listingIDs []string) ([]domain.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Listing, 0, len(listingIDs))
	for _, id := range listingIDs {
		if listing, ok := r.listings[strings.TrimSpace(id)]; ok {
			out = append(out, listing)
		}
	}
	return out, nil
}

// DecrementStock reduces available quantity, failing on insufficient stock.
func (r *ListingRepository) DecrementStock(_ context.Context, listingID string, quantity int) error {
	if quantity <= 0 {
		return &storeError{msg: "listing repository: quantity must be positive"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listings[strings.TrimSpace(listingID)]
	if !ok {
		return notFound("listing %s not found", listingID)
	}
	if listing.Quantity < quantity {
		return conflict("insufficient stock for listing %s: have %d want %d", listingID, listing.Quantity, quantity)
	}
	listing.Quantity -= quantity
	listing.UpdatedAt = time.Now().UTC()
	r.listings[listing.ID] = listing
	return nil
}

// PaymentRepository keeps payment records in a map guarded by a mutex.
type PaymentRepository struct {
	mu      sync.RWMutex
	records map[string]domain.PaymentRecord
	order   []string
}

// NewPaymentRepository constructs an empty payment store.
func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{records: make(map[string]domain.PaymentRecord)}
}

// Insert stores a new payment record, rejecting duplicate ids.
func (r *PaymentRepository) Insert(_ context.Context, record domain.PaymentRecord) (domain.PaymentRecord, error) {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return domain.PaymentRecord{}, &storeError{msg: "payment repository: record id is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; ok {
		return domain.PaymentRecord{}, conflict("payment %s already exists", id)
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.WalletAddress = strings.ToLower(strings.TrimSpace(record.WalletAddress))
	r.records[id] = record
	r.order = append(r.order, id)
	return record, nil
}

// FindByID returns the payment record or a not-found error.
func (r *PaymentRepository) FindByID(_ context.Context, paymentID string) (domain.PaymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[strings.TrimSpace(paymentID)]
	if !ok {
		return domain.PaymentRecord{}, notFound("payment %s not found", paymentID)
	}
	return record, nil
}

// FindByIntentID scans for a record booked against the given provider intent.
func (r *PaymentRepository) FindByIntentID(_ context.Context, intentID string) (domain.PaymentRecord, error) {
	intent := strings.TrimSpace(intentID)
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, record := range r.records {
		if record.IntentID == intent {
			return record, nil
		}
	}
	return domain.PaymentRecord{}, notFound("payment with intent %s not found", intent)
}

// FindActiveEscrow returns a pending crypto payment for the listing and wallet.
func (r *PaymentRepository) FindActiveEscrow(_ context.Context, listingID string, buyerWallet string) (domain.PaymentRecord, error) {
	wallet := strings.ToLower(strings.TrimSpace(buyerWallet))
	listing := strings.TrimSpace(listingID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, record := range r.records {
		if record.Rail != domain.RailCrypto || record.Status != domain.PaymentPending {
			continue
		}
		if record.EscrowID == "" {
			continue
		}
		if record.WalletAddress != wallet {
			continue
		}
		for _, line := range record.Lines {
			if line.ListingID == listing {
				return record, nil
			}
		}
	}
	return domain.PaymentRecord{}, notFound("no active escrow for listing %s", listing)
}

// UpdateStatus transitions the record status and returns the updated record.
func (r *PaymentRepository) UpdateStatus(_ context.Context, paymentID string, status domain.PaymentStatus, failureReason string) (domain.PaymentRecord, error) {
	id := strings.TrimSpace(paymentID)

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.PaymentRecord{}, notFound("payment %s not found", id)
	}
	record.Status = status
	record.FailureReason = strings.TrimSpace(failureReason)
	record.UpdatedAt = time.Now().UTC()
	r.records[id] = record
	return record, nil
}

// AttachTransaction stores the broadcast transaction hash on the record.
func (r *PaymentRepository) AttachTransaction(_ context.Context, paymentID string, txHash string) (domain.PaymentRecord, error) {
	id := strings.TrimSpace(paymentID)
	hash := strings.TrimSpace(txHash)
	if hash == "" {
		return domain.PaymentRecord{}, &storeError{msg: "payment repository: transaction hash is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.PaymentRecord{}, notFound("payment %s not found", id)
	}
	record.TransactionHash = hash
	record.UpdatedAt = time.Now().UTC()
	r.records[id] = record
	return record, nil
}

// ListByUser returns the user's payment records, newest first.
func (r *PaymentRepository) ListByUser(_ context.Context, userID string, limit int) ([]domain.PaymentRecord, error) {
	uid := strings.TrimSpace(userID)
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.PaymentRecord, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		record := r.records[r.order[i]]
		if record.UserID == uid {
			out = append(out, record)
		}
	}
	return out, nil
}

// ImpactRepository keeps running CO2 totals in a map guarded by a mutex.
type ImpactRepository struct {
	mu     sync.RWMutex
	totals map[string]domain.ImpactTotal
}

// NewImpactRepository constructs an empty impact store.
func NewImpactRepository() *ImpactRepository {
	return &ImpactRepository{totals: make(map[string]domain.ImpactTotal)}
}

// Get returns the running total; users without purchases read as zero.
func (r *ImpactRepository) Get(_ context.Context, userID string) (domain.ImpactTotal, error) {
	uid := strings.TrimSpace(userID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if total, ok := r.totals[uid]; ok {
		return total, nil
	}
	return domain.ImpactTotal{UserID: uid}, nil
}

// Add increments the running total and returns the new value.
func (r *ImpactRepository) Add(_ context.Context, userID string, savedKg float64) (domain.ImpactTotal, error) {
	uid := strings.TrimSpace(userID)
	if savedKg < 0 {
		return domain.ImpactTotal{}, &storeError{msg: "impact repository: saved amount must not be negative"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.totals[uid]
	total.UserID = uid
	total.TotalKg += savedKg
	total.Purchases++
	total.UpdatedAt = time.Now().UTC()
	r.totals[uid] = total
	return total, nil
}
