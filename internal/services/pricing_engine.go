package services

import (
	"errors"
	"strings"

	domain "github.com/reloop-market/api/internal/domain"
)

var errPricingNegativeQuantity = errors.New("pricing: quantity must be positive")

// PricingEngine derives cart estimates and enforces per-currency minimums.
// Amounts are integer minor-unit-free values (whole rupees for INR).
type PricingEngine struct {
	currency                string
	freeShippingThreshold   int64
	flatShippingFee         int64
	minimumChargeByCurrency map[string]int64
}

// PricingEngineConfig carries the tunables loaded from configuration.
type PricingEngineConfig struct {
	Currency              string
	FreeShippingThreshold int64
	FlatShippingFee       int64
	MinimumCharge         map[string]int64
}

// NewPricingEngine builds an engine with the given thresholds. Minimum
// charges are keyed by upper-case currency code.
func NewPricingEngine(cfg PricingEngineConfig) *PricingEngine {
	minimums := make(map[string]int64, len(cfg.MinimumCharge))
	for code, amount := range cfg.MinimumCharge {
		minimums[strings.ToUpper(strings.TrimSpace(code))] = amount
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "INR"
	}
	return &PricingEngine{
		currency:                currency,
		freeShippingThreshold:   cfg.FreeShippingThreshold,
		flatShippingFee:         cfg.FlatShippingFee,
		minimumChargeByCurrency: minimums,
	}
}

// Currency returns the engine's settlement currency.
func (e *PricingEngine) Currency() string {
	return e.currency
}

// Estimate sums the cart and applies the shipping rule: orders at or above
// the threshold ship free, everything else pays the flat fee. An empty cart
// estimates to zero across the board.
func (e *PricingEngine) Estimate(items []domain.CartItem) (domain.CartEstimate, error) {
	var subtotal int64
	for _, item := range items {
		if item.Quantity < 0 {
			return domain.CartEstimate{}, errPricingNegativeQuantity
		}
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	if subtotal == 0 {
		return domain.CartEstimate{}, nil
	}
	shipping := e.flatShippingFee
	if subtotal >= e.freeShippingThreshold {
		shipping = 0
	}
	return domain.CartEstimate{
		Subtotal: subtotal,
		Shipping: shipping,
		Total:    subtotal + shipping,
	}, nil
}

// MinimumFor returns the minimum chargeable amount for a currency, zero when
// no minimum is configured.
func (e *PricingEngine) MinimumFor(currency string) int64 {
	return e.minimumChargeByCurrency[strings.ToUpper(strings.TrimSpace(currency))]
}

// MeetsMinimum reports whether a total clears the configured floor for the
// engine's currency.
func (e *PricingEngine) MeetsMinimum(total int64) bool {
	return total >= e.MinimumFor(e.currency)
}
