package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/repositories"
)

// Cart service errors exposed to transport layers.
var (
	ErrCartInvalidInput   = errors.New("cart service: invalid input")
	ErrCartNotFound       = errors.New("cart service: cart not found")
	ErrCartConflict       = errors.New("cart service: conflict")
	ErrCartUnavailable    = errors.New("cart service: dependency unavailable")
	ErrListingNotFound    = errors.New("cart service: listing not found")
	ErrListingOutOfStock  = errors.New("cart service: listing out of stock")
	ErrListingUnavailable = errors.New("cart service: listing not purchasable")
)

var (
	errCartRepositoryRequired    = errors.New("cart service: cart repository is required")
	errListingRepositoryRequired = errors.New("cart service: listing repository is required")
	errCartPricingRequired       = errors.New("cart service: pricing engine is required")
	errCartClockRequired         = errors.New("cart service: clock is required")
)

// CartServiceDeps wires the repositories and pricing dependencies.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Listings repositories.ListingRepository
	Pricing  *PricingEngine
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	listings repositories.ListingRepository
	pricing  *PricingEngine
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCartService validates dependencies and builds the cart service.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Listings == nil {
		return nil, errListingRepositoryRequired
	}
	if deps.Pricing == nil {
		return nil, errCartPricingRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartService{
		carts:    deps.Carts,
		listings: deps.Listings,
		pricing:  deps.Pricing,
		clock:    deps.Clock,
		logger:   logger,
	}, nil
}

// GetCart loads the user's cart, materialising an empty one when the store
// has no document yet. The estimate is always recomputed on read.
func (s *cartService) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(userID), nil
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	return s.withEstimate(cart)
}

// AddItem puts a listing into the cart. When the listing is already present
// the requested quantity replaces the stored one. Quantities are clamped to
// the listing's available stock and floored at one.
func (s *cartService) AddItem(ctx context.Context, cmd AddItemCommand) (domain.Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	listingID := strings.TrimSpace(cmd.ListingID)
	if userID == "" || listingID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id and listing id are required", ErrCartInvalidInput)
	}

	listing, err := s.listings.FindByID(ctx, listingID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Cart{}, ErrListingNotFound
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	if listing.Quantity <= 0 {
		return domain.Cart{}, ErrListingOutOfStock
	}
	if !listing.Purchasable() {
		return domain.Cart{}, ErrListingUnavailable
	}

	quantity := clampQuantity(cmd.Quantity, listing.Quantity)

	cart, err := s.loadOrCreate(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}

	now := s.clock().UTC()
	replaced := false
	for i := range cart.Items {
		if cart.Items[i].ListingID != listingID {
			continue
		}
		cart.Items[i].Quantity = quantity
		cart.Items[i].UpdatedAt = &now
		replaced = true
		break
	}
	if !replaced {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:           ulid.Make().String(),
			ListingID:    listing.ID,
			SellerID:     listing.SellerID,
			Title:        listing.Title,
			MaterialType: listing.MaterialType,
			Quantity:     quantity,
			MaxQuantity:  listing.Quantity,
			UnitPrice:    listing.UnitPrice,
			Currency:     s.pricing.Currency(),
			AddedAt:      now,
		})
	}

	saved, err := s.persist(ctx, cart, cmd.ExpectedUpdatedAt, now)
	if err != nil {
		return domain.Cart{}, err
	}
	s.logger(ctx, "cart.item_added", map[string]any{
		"userId":    userID,
		"listingId": listingID,
		"quantity":  quantity,
		"replaced":  replaced,
	})
	return saved, nil
}

// UpdateQuantity sets the quantity for an existing cart line, clamped to the
// listing's current stock.
func (s *cartService) UpdateQuantity(ctx context.Context, cmd UpdateQuantityCommand) (domain.Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	listingID := strings.TrimSpace(cmd.ListingID)
	if userID == "" || listingID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id and listing id are required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Cart{}, ErrCartNotFound
		}
		return domain.Cart{}, s.translateRepoError(err)
	}

	index := -1
	for i := range cart.Items {
		if cart.Items[i].ListingID == listingID {
			index = i
			break
		}
	}
	if index < 0 {
		return domain.Cart{}, fmt.Errorf("%w: listing %s is not in the cart", ErrCartInvalidInput, listingID)
	}

	listing, err := s.listings.FindByID(ctx, listingID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Cart{}, ErrListingNotFound
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	if listing.Quantity <= 0 {
		return domain.Cart{}, ErrListingOutOfStock
	}

	now := s.clock().UTC()
	cart.Items[index].Quantity = clampQuantity(cmd.Quantity, listing.Quantity)
	cart.Items[index].MaxQuantity = listing.Quantity
	cart.Items[index].UpdatedAt = &now

	return s.persist(ctx, cart, cmd.ExpectedUpdatedAt, now)
}

// RemoveItem drops a line from the cart. Removing a listing that is not in
// the cart is a no-op.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveItemCommand) (domain.Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	listingID := strings.TrimSpace(cmd.ListingID)
	if userID == "" || listingID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id and listing id are required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(userID), nil
		}
		return domain.Cart{}, s.translateRepoError(err)
	}

	filtered := cart.Items[:0]
	removed := false
	for _, item := range cart.Items {
		if item.ListingID == listingID {
			removed = true
			continue
		}
		filtered = append(filtered, item)
	}
	if !removed {
		return s.withEstimate(cart)
	}
	cart.Items = filtered

	now := s.clock().UTC()
	return s.persist(ctx, cart, cmd.ExpectedUpdatedAt, now)
}

// ClearCart deletes the cart document entirely.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.carts.DeleteCart(ctx, userID); err != nil && !isRepoNotFound(err) {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) loadOrCreate(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(userID), nil
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	return cart, nil
}

func (s *cartService) persist(ctx context.Context, cart domain.Cart, expected *time.Time, now time.Time) (domain.Cart, error) {
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	saved, err := s.carts.UpsertCart(ctx, cart, expected)
	if err != nil {
		return domain.Cart{}, s.translateRepoError(err)
	}
	return s.withEstimate(saved)
}

func (s *cartService) emptyCart(userID string) domain.Cart {
	return domain.Cart{
		ID:       userID,
		UserID:   userID,
		Currency: s.pricing.Currency(),
		Items:    []domain.CartItem{},
		Estimate: &domain.CartEstimate{},
	}
}

func (s *cartService) withEstimate(cart domain.Cart) (domain.Cart, error) {
	estimate, err := s.pricing.Estimate(cart.Items)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
	}
	cart.Estimate = &estimate
	if cart.Currency == "" {
		cart.Currency = s.pricing.Currency()
	}
	return cart, nil
}

func (s *cartService) translateRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func clampQuantity(requested, stock int) int {
	if requested < 1 {
		requested = 1
	}
	if stock > 0 && requested > stock {
		requested = stock
	}
	return requested
}
