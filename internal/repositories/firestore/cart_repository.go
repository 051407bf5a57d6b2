package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"

	domain "github.com/reloop-market/api/internal/domain"
	pfirestore "github.com/reloop-market/api/internal/platform/firestore"
	"github.com/reloop-market/api/internal/platform/observability"
)

const cartCollection = "carts"

type cartItemDocument struct {
	ID           string     `firestore:"id"`
	ListingID    string     `firestore:"listingId"`
	SellerID     string     `firestore:"sellerId"`
	Title        string     `firestore:"title"`
	MaterialType string     `firestore:"materialType"`
	Quantity     int        `firestore:"quantity"`
	MaxQuantity  int        `firestore:"maxQuantity"`
	UnitPrice    int64      `firestore:"unitPrice"`
	Currency     string     `firestore:"currency"`
	AddedAt      time.Time  `firestore:"addedAt"`
	UpdatedAt    *time.Time `firestore:"updatedAt,omitempty"`
}

type cartDocument struct {
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`

	// corrupted marks a stored document that no longer decodes. It is never
	// written back; GetCart repairs the document when it sees the flag.
	corrupted bool
}

// CartRepository persists carts within Firestore keyed by user ID.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	decode := func(_ context.Context, snap *firestore.DocumentSnapshot) (cartDocument, error) {
		var doc cartDocument
		if err := snap.DataTo(&doc); err != nil {
			// A cart that no longer decodes must not block the user out of
			// checkout; flag it so GetCart can discard the stored document.
			return cartDocument{corrupted: true}, nil
		}
		return doc, nil
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, decode)
	return &CartRepository{base: base}, nil
}

// UpsertCart writes the full cart document. When expectedUpdate is set the
// write is guarded by Firestore's last-update-time precondition so concurrent
// writers surface as conflicts.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart, expectedUpdate *time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(cart.UserID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := time.Now().UTC()
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := cartDocument{
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:     encodeCartItems(cart.Items),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}

	var result pfirestore.MutationResult
	var err error
	if expectedUpdate == nil || expectedUpdate.IsZero() {
		result, err = r.base.Set(ctx, uid, doc)
	} else {
		updates := []firestore.Update{
			{Path: "currency", Value: doc.Currency},
			{Path: "items", Value: doc.Items},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}
		result, err = r.base.Update(ctx, uid, updates, firestore.LastUpdateTime(expectedUpdate.UTC()))
	}
	if err != nil {
		return domain.Cart{}, err
	}

	saved := cart
	saved.ID = uid
	saved.Currency = doc.Currency
	saved.CreatedAt = createdAt
	saved.UpdatedAt = result.UpdateTime
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = now
	}
	return saved, nil
}

// GetCart loads the cart for the given user. A missing document surfaces as
// a not-found repository error; callers decide whether that means empty.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}
	if doc.Data.corrupted {
		return r.discardCorruptCart(ctx, uid)
	}

	cart := domain.Cart{
		ID:        doc.ID,
		UserID:    doc.ID,
		Currency:  strings.ToUpper(strings.TrimSpace(doc.Data.Currency)),
		Items:     decodeCartItems(doc.Data.Items),
		CreatedAt: doc.Data.CreatedAt,
		UpdatedAt: doc.UpdateTime,
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = doc.Data.UpdatedAt
	}
	return cart, nil
}

// discardCorruptCart deletes a stored cart document that no longer decodes
// and hands the caller a fresh empty cart. The delete is best effort; a
// failure is logged and the empty cart is still returned so the user can keep
// shopping.
func (r *CartRepository) discardCorruptCart(ctx context.Context, uid string) (domain.Cart, error) {
	logger := observability.FromContext(ctx).With(zap.String("userId", observability.SanitizeUserID(uid)))
	if ref, err := r.base.DocumentRef(ctx, uid); err != nil {
		logger.Warn("corrupt cart document could not be resolved for deletion", zap.Error(err))
	} else if _, err := ref.Delete(ctx); err != nil {
		logger.Warn("corrupt cart document could not be deleted", zap.Error(err))
	} else {
		logger.Warn("corrupt cart document deleted, cart reset to empty")
	}
	return domain.Cart{ID: uid, UserID: uid}, nil
}

// DeleteCart removes the stored cart. Deleting an absent cart is not an error.
func (r *CartRepository) DeleteCart(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}
	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.delete", err)
	}
	return nil
}

func encodeCartItems(items []domain.CartItem) []cartItemDocument {
	out := make([]cartItemDocument, 0, len(items))
	for _, item := range items {
		out = append(out, cartItemDocument{
			ID:           item.ID,
			ListingID:    item.ListingID,
			SellerID:     item.SellerID,
			Title:        item.Title,
			MaterialType: string(item.MaterialType),
			Quantity:     item.Quantity,
			MaxQuantity:  item.MaxQuantity,
			UnitPrice:    item.UnitPrice,
			Currency:     item.Currency,
			AddedAt:      item.AddedAt,
			UpdatedAt:    item.UpdatedAt,
		})
	}
	return out
}

func decodeCartItems(items []cartItemDocument) []domain.CartItem {
	out := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.ListingID) == "" || item.Quantity <= 0 {
			// Skip entries that lost required fields; the rest of the cart
			// remains usable.
			continue
		}
		out = append(out, domain.CartItem{
			ID:           item.ID,
			ListingID:    item.ListingID,
			SellerID:     item.SellerID,
			Title:        item.Title,
			MaterialType: domain.MaterialType(item.MaterialType),
			Quantity:     item.Quantity,
			MaxQuantity:  item.MaxQuantity,
			UnitPrice:    item.UnitPrice,
			Currency:     item.Currency,
			AddedAt:      item.AddedAt,
			UpdatedAt:    item.UpdatedAt,
		})
	}
	return out
}
