package firestore

import (
	"context"
	"errors"

	"google.golang.org/api/iterator"

	"github.com/reloop-market/api/internal/platform/firestore"
	"github.com/reloop-market/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the shared accessor interface.
type Registry struct {
	provider *firestore.Provider

	carts    *CartRepository
	listings *ListingRepository
	payments *PaymentRepository
	impact   *ImpactRepository
}

// NewRegistry constructs all Firestore repositories from a shared provider.
func NewRegistry(provider *firestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	listings, err := NewListingRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	impact, err := NewImpactRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: provider,
		carts:    carts,
		listings: listings,
		payments: payments,
		impact:   impact,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Carts returns the cart repository.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Listings returns the listing repository.
func (r *Registry) Listings() repositories.ListingRepository { return r.listings }

// Payments returns the payment repository.
func (r *Registry) Payments() repositories.PaymentRepository { return r.payments }

// Impact returns the impact repository.
func (r *Registry) Impact() repositories.ImpactRepository { return r.impact }

// Health returns a readiness checker backed by a shallow collection read.
func (r *Registry) Health() repositories.HealthRepository { return healthChecker{provider: r.provider} }

type healthChecker struct {
	provider *firestore.Provider
}

func (h healthChecker) Check(ctx context.Context) error {
	if h.provider == nil {
		return errors.New("health check: firestore provider not configured")
	}
	client, err := h.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collections(ctx)
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return firestore.WrapError("health.check", err)
	}
	return nil
}
