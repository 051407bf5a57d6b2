package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/reloop-market/api/internal/domain"
	pfirestore "github.com/reloop-market/api/internal/platform/firestore"
)

const listingCollection = "listings"

type listingDocument struct {
	SellerID     string                  `firestore:"sellerId"`
	Title        string                  `firestore:"title"`
	Description  string                  `firestore:"description,omitempty"`
	MaterialType string                  `firestore:"materialType"`
	UnitPrice    int64                   `firestore:"unitPrice"`
	Currency     string                  `firestore:"currency"`
	Quantity     int                     `firestore:"quantity"`
	Payment      listingPaymentDocument  `firestore:"payment"`
	FraudScore   float64                 `firestore:"fraudScore,omitempty"`
	CreatedAt    time.Time               `firestore:"createdAt"`
	UpdatedAt    time.Time               `firestore:"updatedAt"`
}

type listingPaymentDocument struct {
	AcceptsFiat   *bool  `firestore:"acceptsFiat,omitempty"`
	AcceptsCrypto bool   `firestore:"acceptsCrypto"`
	EscrowEnabled bool   `firestore:"escrowEnabled"`
	CryptoAddress string `firestore:"cryptoAddress,omitempty"`
}

// ListingRepository reads listing documents from Firestore.
type ListingRepository struct {
	base     *pfirestore.BaseRepository[listingDocument]
	provider *pfirestore.Provider
}

// NewListingRepository constructs a Firestore-backed listing repository.
func NewListingRepository(provider *pfirestore.Provider) (*ListingRepository, error) {
	if provider == nil {
		return nil, errors.New("listing repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[listingDocument](provider, listingCollection, nil, nil)
	return &ListingRepository{base: base, provider: provider}, nil
}

// FindByID loads a single listing.
func (r *ListingRepository) FindByID(ctx context.Context, listingID string) (domain.Listing, error) {
	if r == nil || r.base == nil {
		return domain.Listing{}, errors.New("listing repository not initialised")
	}
	id := strings.TrimSpace(listingID)
	if id == "" {
		return domain.Listing{}, errors.New("listing repository: listing id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	return decodeListing(doc.ID, doc.Data), nil
}

// FindByIDs loads the listings for the given ids, preserving input order.
// Missing listings are omitted rather than failing the whole batch.
func (r *ListingRepository) FindByIDs(ctx context.Context, listingIDs []string) ([]domain.Listing, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("listing repository not initialised")
	}

	out := make([]domain.Listing, 0, len(listingIDs))
	for _, id := range listingIDs {
		listing, err := r.FindByID(ctx, id)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, err
		}
		out = append(out, listing)
	}
	return out, nil
}

// DecrementStock reduces the available quantity inside a transaction,
// failing when the remaining stock does not cover the purchase.
func (r *ListingRepository) DecrementStock(ctx context.Context, listingID string, quantity int) error {
	if r == nil || r.provider == nil {
		return errors.New("listing repository not initialised")
	}
	id := strings.TrimSpace(listingID)
	if id == "" {
		return errors.New("listing repository: listing id is required")
	}
	if quantity <= 0 {
		return errors.New("listing repository: quantity must be positive")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}

	return r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc listingDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("listing repository: decode %s: %w", id, err)
		}
		if doc.Quantity < quantity {
			return pfirestore.WrapError("listings.decrement",
				fmt.Errorf("insufficient stock for listing %s: have %d want %d", id, doc.Quantity, quantity))
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "quantity", Value: doc.Quantity - quantity},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
}

func decodeListing(id string, doc listingDocument) domain.Listing {
	return domain.Listing{
		ID:           id,
		SellerID:     doc.SellerID,
		Title:        doc.Title,
		Description:  doc.Description,
		MaterialType: domain.MaterialType(doc.MaterialType),
		UnitPrice:    doc.UnitPrice,
		Currency:     strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Quantity:     doc.Quantity,
		Payment: domain.PaymentPreferences{
			AcceptsFiat:   doc.Payment.AcceptsFiat,
			AcceptsCrypto: doc.Payment.AcceptsCrypto,
			EscrowEnabled: doc.Payment.EscrowEnabled,
			CryptoAddress: doc.Payment.CryptoAddress,
		},
		FraudScore: doc.FraudScore,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}
