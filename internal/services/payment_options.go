package services

import (
	domain "github.com/reloop-market/api/internal/domain"
)

// PaymentOptions is the resolved rail availability for a listing or a batch
// of listings about to be purchased together.
type PaymentOptions struct {
	FiatAvailable   bool               `json:"fiatAvailable"`
	CryptoAvailable bool               `json:"cryptoAvailable"`
	Preferred       domain.PaymentRail `json:"preferred,omitempty"`
}

// ResolvePaymentOptions intersects the sellers' payment preferences. A rail
// is only offered for a batch when every listing in it accepts that rail;
// fiat wins the tie when both rails remain available. An empty batch offers
// nothing.
func ResolvePaymentOptions(listings []domain.Listing) PaymentOptions {
	if len(listings) == 0 {
		return PaymentOptions{}
	}
	options := PaymentOptions{FiatAvailable: true, CryptoAvailable: true}
	for _, listing := range listings {
		if !listing.Payment.FiatAccepted() {
			options.FiatAvailable = false
		}
		if !listing.Payment.CryptoAccepted() {
			options.CryptoAvailable = false
		}
	}
	switch {
	case options.FiatAvailable:
		options.Preferred = domain.RailFiat
	case options.CryptoAvailable:
		options.Preferred = domain.RailCrypto
	}
	return options
}
