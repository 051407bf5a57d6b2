package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/reloop-market/api/internal/domain"
	pfirestore "github.com/reloop-market/api/internal/platform/firestore"
)

const impactCollection = "impact"

type impactDocument struct {
	TotalKg   float64   `firestore:"totalKg"`
	Purchases int       `firestore:"purchases"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// ImpactRepository accumulates per-user CO2 savings within Firestore.
type ImpactRepository struct {
	base     *pfirestore.BaseRepository[impactDocument]
	provider *pfirestore.Provider
}

// NewImpactRepository constructs a Firestore-backed impact repository.
func NewImpactRepository(provider *pfirestore.Provider) (*ImpactRepository, error) {
	if provider == nil {
		return nil, errors.New("impact repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[impactDocument](provider, impactCollection, nil, nil)
	return &ImpactRepository{base: base, provider: provider}, nil
}

// Get returns the running total for the user. A user without purchases yet
// reads as a zero total rather than not-found.
func (r *ImpactRepository) Get(ctx context.Context, userID string) (domain.ImpactTotal, error) {
	if r == nil || r.base == nil {
		return domain.ImpactTotal{}, errors.New("impact repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.ImpactTotal{}, errors.New("impact repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.ImpactTotal{UserID: uid}, nil
		}
		return domain.ImpactTotal{}, err
	}
	return domain.ImpactTotal{
		UserID:    uid,
		TotalKg:   doc.Data.TotalKg,
		Purchases: doc.Data.Purchases,
		UpdatedAt: doc.Data.UpdatedAt,
	}, nil
}

// Add increments the running total transactionally and returns the new total.
func (r *ImpactRepository) Add(ctx context.Context, userID string, savedKg float64) (domain.ImpactTotal, error) {
	if r == nil || r.provider == nil {
		return domain.ImpactTotal{}, errors.New("impact repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.ImpactTotal{}, errors.New("impact repository: user id is required")
	}
	if savedKg < 0 {
		return domain.ImpactTotal{}, errors.New("impact repository: saved amount must not be negative")
	}

	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return domain.ImpactTotal{}, err
	}

	var result domain.ImpactTotal
	err = r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var doc impactDocument
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if decodeErr := snap.DataTo(&doc); decodeErr != nil {
				doc = impactDocument{}
			}
		case status.Code(err) == codes.NotFound:
			doc = impactDocument{}
		default:
			return err
		}

		doc.TotalKg += savedKg
		doc.Purchases++
		doc.UpdatedAt = time.Now().UTC()
		result = domain.ImpactTotal{
			UserID:    uid,
			TotalKg:   doc.TotalKg,
			Purchases: doc.Purchases,
			UpdatedAt: doc.UpdatedAt,
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.ImpactTotal{}, err
	}
	return result, nil
}
