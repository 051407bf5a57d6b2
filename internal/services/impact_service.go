package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/repositories"
)

var (
	ErrImpactInvalidInput = errors.New("impact service: invalid input")
	ErrImpactUnavailable  = errors.New("impact service: dependency unavailable")
)

var errImpactRepositoryRequired = errors.New("impact service: impact repository is required")

// ImpactServiceDeps wires the impact repository.
type ImpactServiceDeps struct {
	Impact repositories.ImpactRepository
}

type impactService struct {
	impact repositories.ImpactRepository
}

// NewImpactService validates dependencies and builds the impact service.
func NewImpactService(deps ImpactServiceDeps) (ImpactService, error) {
	if deps.Impact == nil {
		return nil, errImpactRepositoryRequired
	}
	return &impactService{impact: deps.Impact}, nil
}

// GetUserImpact returns the user's running CO2 savings total. Users with no
// purchases yet get a zero total, not an error.
func (s *impactService) GetUserImpact(ctx context.Context, userID string) (domain.ImpactTotal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ImpactTotal{}, fmt.Errorf("%w: user id is required", ErrImpactInvalidInput)
	}
	total, err := s.impact.Get(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.ImpactTotal{UserID: userID}, nil
		}
		return domain.ImpactTotal{}, fmt.Errorf("%w: %v", ErrImpactUnavailable, err)
	}
	return total, nil
}

// EstimateCart previews the CO2 savings the cart would earn if purchased.
func (s *impactService) EstimateCart(items []domain.CartItem) float64 {
	var total float64
	for _, item := range items {
		total += domain.CO2SavedKg(item.MaterialType, item.Quantity)
	}
	return total
}
