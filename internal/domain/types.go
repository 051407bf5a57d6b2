package domain

import "time"

// MaterialType classifies the reusable material a listing offers.
type MaterialType string

const (
	MaterialWood        MaterialType = "wood"
	MaterialMetal       MaterialType = "metal"
	MaterialPlastic     MaterialType = "plastic"
	MaterialFabric      MaterialType = "fabric"
	MaterialGlass       MaterialType = "glass"
	MaterialPaper       MaterialType = "paper"
	MaterialElectronics MaterialType = "electronics"
	MaterialOther       MaterialType = "other"
)

// PaymentPreferences carries the seller-declared payment acceptance flags.
// AcceptsFiat is a tri-state: fiat is offered unless the seller explicitly
// disabled it, so an unset pointer means accepted.
type PaymentPreferences struct {
	AcceptsFiat   *bool  `firestore:"acceptsFiat,omitempty" json:"acceptsFiat,omitempty"`
	AcceptsCrypto bool   `firestore:"acceptsCrypto" json:"acceptsCrypto"`
	EscrowEnabled bool   `firestore:"escrowEnabled" json:"escrowEnabled"`
	CryptoAddress string `firestore:"cryptoAddress,omitempty" json:"cryptoAddress,omitempty"`
}

// FiatAccepted reports whether the seller takes card payments.
func (p PaymentPreferences) FiatAccepted() bool {
	return p.AcceptsFiat == nil || *p.AcceptsFiat
}

// CryptoAccepted reports whether the seller takes ETH payments. A crypto
// payment needs a destination address, so the flag alone is not enough.
func (p PaymentPreferences) CryptoAccepted() bool {
	return p.AcceptsCrypto && p.CryptoAddress != ""
}

// Listing is a marketplace listing for a batch of reusable material.
// Listings are owned by the catalog surface and read-only to checkout.
type Listing struct {
	ID           string             `firestore:"id"`
	SellerID     string             `firestore:"sellerId"`
	Title        string             `firestore:"title"`
	Description  string             `firestore:"description,omitempty"`
	MaterialType MaterialType       `firestore:"materialType"`
	UnitPrice    int64              `firestore:"unitPrice"`
	Currency     string             `firestore:"currency"`
	Quantity     int                `firestore:"quantity"`
	Payment      PaymentPreferences `firestore:"payment"`
	FraudScore   float64            `firestore:"fraudScore,omitempty"`
	CreatedAt    time.Time          `firestore:"createdAt"`
	UpdatedAt    time.Time          `firestore:"updatedAt"`
}

// Purchasable reports whether checkout may accept this listing. Listings
// flagged by fraud scoring above the cutoff are withheld from sale.
func (l Listing) Purchasable() bool {
	return l.Quantity > 0 && l.FraudScore < fraudScoreCutoff
}

const fraudScoreCutoff = 0.9

// CartItem is one cart entry. Entries are unique per listing: re-adding a
// listing the cart already holds replaces the stored quantity.
type CartItem struct {
	ID           string       `firestore:"id"`
	ListingID    string       `firestore:"listingId"`
	SellerID     string       `firestore:"sellerId"`
	Title        string       `firestore:"title"`
	MaterialType MaterialType `firestore:"materialType"`
	Quantity     int          `firestore:"quantity"`
	MaxQuantity  int          `firestore:"maxQuantity"`
	UnitPrice    int64        `firestore:"unitPrice"`
	Currency     string       `firestore:"currency"`
	AddedAt      time.Time    `firestore:"addedAt"`
	UpdatedAt    *time.Time   `firestore:"updatedAt,omitempty"`
}

// CartEstimate is the derived pricing summary attached to cart reads.
type CartEstimate struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Total    int64 `firestore:"total"`
}

// Cart is the per-user cart. The document id equals the user id; one cart
// per user.
type Cart struct {
	ID        string        `firestore:"id"`
	UserID    string        `firestore:"userId"`
	Currency  string        `firestore:"currency"`
	Items     []CartItem    `firestore:"items"`
	Estimate  *CartEstimate `firestore:"estimate,omitempty"`
	CreatedAt time.Time     `firestore:"createdAt"`
	UpdatedAt time.Time     `firestore:"updatedAt"`
}

// PaymentRail identifies which payment rail settled a purchase.
type PaymentRail string

const (
	RailFiat   PaymentRail = "fiat"
	RailCrypto PaymentRail = "crypto"
)

// PaymentStatus is the lifecycle state of a payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentLine is one purchased listing within a payment.
type PaymentLine struct {
	ListingID    string       `firestore:"listingId"`
	SellerID     string       `firestore:"sellerId"`
	MaterialType MaterialType `firestore:"materialType"`
	Quantity     int          `firestore:"quantity"`
	UnitPrice    int64        `firestore:"unitPrice"`
}

// PaymentRecord is the server-side booking for a purchase attempt, fiat or
// crypto. IntentID is set on the fiat rail; TransactionHash, EscrowID and
// WalletAddress on the crypto rail.
type PaymentRecord struct {
	ID              string        `firestore:"id"`
	UserID          string        `firestore:"userId"`
	Rail            PaymentRail   `firestore:"rail"`
	Status          PaymentStatus `firestore:"status"`
	Amount          int64         `firestore:"amount"`
	Currency        string        `firestore:"currency"`
	IntentID        string        `firestore:"intentId,omitempty"`
	TransactionHash string        `firestore:"transactionHash,omitempty"`
	EscrowID        string        `firestore:"escrowId,omitempty"`
	WalletAddress   string        `firestore:"walletAddress,omitempty"`
	Lines           []PaymentLine `firestore:"lines"`
	Shipping        *ShippingInfo `firestore:"shipping,omitempty"`
	CO2SavedKg      float64       `firestore:"co2SavedKg"`
	FailureReason   string        `firestore:"failureReason,omitempty"`
	CreatedAt       time.Time     `firestore:"createdAt"`
	UpdatedAt       time.Time     `firestore:"updatedAt"`
}

// ImpactTotal is the running CO2 savings total accrued by a user.
type ImpactTotal struct {
	UserID    string    `firestore:"userId"`
	TotalKg   float64   `firestore:"totalKg"`
	Purchases int       `firestore:"purchases"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}
