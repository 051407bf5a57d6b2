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

const paymentCollection = "payments"

type paymentLineDocument struct {
	ListingID    string `firestore:"listingId"`
	SellerID     string `firestore:"sellerId"`
	MaterialType string `firestore:"materialType"`
	Quantity     int    `firestore:"quantity"`
	UnitPrice    int64  `firestore:"unitPrice"`
}

type paymentShippingDocument struct {
	FullName     string `firestore:"fullName"`
	Address      string `firestore:"address"`
	AddressLine2 string `firestore:"addressLine2,omitempty"`
	City         string `firestore:"city"`
	State        string `firestore:"state"`
	PostalCode   string `firestore:"postalCode"`
	Phone        string `firestore:"phone"`
	Country      string `firestore:"country,omitempty"`
	Email        string `firestore:"email,omitempty"`
}

type paymentDocument struct {
	UserID          string                   `firestore:"userId"`
	Rail            string                   `firestore:"rail"`
	Status          string                   `firestore:"status"`
	Amount          int64                    `firestore:"amount"`
	Currency        string                   `firestore:"currency"`
	IntentID        string                   `firestore:"intentId,omitempty"`
	TransactionHash string                   `firestore:"transactionHash,omitempty"`
	EscrowID        string                   `firestore:"escrowId,omitempty"`
	WalletAddress   string                   `firestore:"walletAddress,omitempty"`
	Lines           []paymentLineDocument    `firestore:"lines"`
	Shipping        *paymentShippingDocument `firestore:"shipping,omitempty"`
	CO2SavedKg      float64                  `firestore:"co2SavedKg"`
	FailureReason   string                   `firestore:"failureReason,omitempty"`
	CreatedAt       time.Time                `firestore:"createdAt"`
	UpdatedAt       time.Time                `firestore:"updatedAt"`
}

// PaymentRepository stores payment records within Firestore.
type PaymentRepository struct {
	base *pfirestore.BaseRepository[paymentDocument]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[paymentDocument](provider, paymentCollection, nil, nil)
	return &PaymentRepository{base: base}, nil
}

// Insert writes a new payment record under its pre-assigned ID.
func (r *PaymentRepository) Insert(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return domain.PaymentRecord{}, errors.New("payment repository: record id is required")
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	if _, err := r.base.Set(ctx, id, encodePayment(record)); err != nil {
		return domain.PaymentRecord{}, err
	}
	return record, nil
}

// FindByID loads a payment record.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	return decodePayment(doc.ID, doc.Data), nil
}

// FindByIntentID locates the payment record booked for a provider intent.
func (r *PaymentRepository) FindByIntentID(ctx context.Context, intentID string) (domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	intent := strings.TrimSpace(intentID)
	if intent == "" {
		return domain.PaymentRecord{}, errors.New("payment repository: intent id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("intentId", "==", intent).Limit(1)
	})
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if len(docs) == 0 {
		return domain.PaymentRecord{}, pfirestore.WrapError("payments.query", status.Error(codes.NotFound, "payment record not found"))
	}
	return decodePayment(docs[0].ID, docs[0].Data), nil
}

// FindActiveEscrow returns a pending escrow payment for the listing and buyer
// wallet, if one exists. Direct-transfer records never match: only escrow
// creation is guarded against duplicates.
func (r *PaymentRepository) FindActiveEscrow(ctx context.Context, listingID string, buyerWallet string) (domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	wallet := strings.ToLower(strings.TrimSpace(buyerWallet))
	listing := strings.TrimSpace(listingID)
	if wallet == "" || listing == "" {
		return domain.PaymentRecord{}, errors.New("payment repository: listing id and wallet are required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("walletAddress", "==", wallet).
			Where("rail", "==", string(domain.RailCrypto)).
			Where("status", "==", string(domain.PaymentPending)).
			Limit(25)
	})
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	for _, doc := range docs {
		if doc.Data.EscrowID == "" {
			continue
		}
		for _, line := range doc.Data.Lines {
			if line.ListingID == listing {
				return decodePayment(doc.ID, doc.Data), nil
			}
		}
	}
	return domain.PaymentRecord{}, pfirestore.WrapError("payments.query", status.Error(codes.NotFound, "payment record not found"))
}

// UpdateStatus transitions the payment record status.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID string, status domain.PaymentStatus, failureReason string) (domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return domain.PaymentRecord{}, errors.New("payment repository: record id is required")
	}

	updates := []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if strings.TrimSpace(failureReason) == "" {
		updates = append(updates, firestore.Update{Path: "failureReason", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "failureReason", Value: strings.TrimSpace(failureReason)})
	}

	if _, err := r.base.Update(ctx, id, updates); err != nil {
		return domain.PaymentRecord{}, err
	}
	return r.FindByID(ctx, id)
}

// AttachTransaction stores the broadcast transaction hash reported by the
// client wallet.
func (r *PaymentRepository) AttachTransaction(ctx context.Context, paymentID string, txHash string) (domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(paymentID)
	hash := strings.TrimSpace(txHash)
	if id == "" || hash == "" {
		return domain.PaymentRecord{}, errors.New("payment repository: record id and transaction hash are required")
	}

	updates := []firestore.Update{
		{Path: "transactionHash", Value: hash},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if _, err := r.base.Update(ctx, id, updates); err != nil {
		return domain.PaymentRecord{}, err
	}
	return r.FindByID(ctx, id)
}

// ListByUser returns the most recent payment records for a user.
func (r *PaymentRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("payment repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("payment repository: user id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.PaymentRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodePayment(doc.ID, doc.Data))
	}
	return out, nil
}

func encodePayment(record domain.PaymentRecord) paymentDocument {
	doc := paymentDocument{
		UserID:          record.UserID,
		Rail:            string(record.Rail),
		Status:          string(record.Status),
		Amount:          record.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(record.Currency)),
		IntentID:        record.IntentID,
		TransactionHash: record.TransactionHash,
		EscrowID:        record.EscrowID,
		WalletAddress:   strings.ToLower(strings.TrimSpace(record.WalletAddress)),
		CO2SavedKg:      record.CO2SavedKg,
		FailureReason:   record.FailureReason,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
	for _, line := range record.Lines {
		doc.Lines = append(doc.Lines, paymentLineDocument{
			ListingID:    line.ListingID,
			SellerID:     line.SellerID,
			MaterialType: string(line.MaterialType),
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
		})
	}
	if record.Shipping != nil {
		doc.Shipping = &paymentShippingDocument{
			FullName:     record.Shipping.FullName,
			Address:      record.Shipping.Address,
			AddressLine2: record.Shipping.AddressLine2,
			City:         record.Shipping.City,
			State:        record.Shipping.State,
			PostalCode:   record.Shipping.PostalCode,
			Phone:        record.Shipping.Phone,
			Country:      record.Shipping.Country,
			Email:        record.Shipping.Email,
		}
	}
	return doc
}

func decodePayment(id string, doc paymentDocument) domain.PaymentRecord {
	record := domain.PaymentRecord{
		ID:              id,
		UserID:          doc.UserID,
		Rail:            domain.PaymentRail(doc.Rail),
		Status:          domain.PaymentStatus(doc.Status),
		Amount:          doc.Amount,
		Currency:        doc.Currency,
		IntentID:        doc.IntentID,
		TransactionHash: doc.TransactionHash,
		EscrowID:        doc.EscrowID,
		WalletAddress:   doc.WalletAddress,
		CO2SavedKg:      doc.CO2SavedKg,
		FailureReason:   doc.FailureReason,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	for _, line := range doc.Lines {
		record.Lines = append(record.Lines, domain.PaymentLine{
			ListingID:    line.ListingID,
			SellerID:     line.SellerID,
			MaterialType: domain.MaterialType(line.MaterialType),
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
		})
	}
	if doc.Shipping != nil {
		record.Shipping = &domain.ShippingInfo{
			FullName:     doc.Shipping.FullName,
			Address:      doc.Shipping.Address,
			AddressLine2: doc.Shipping.AddressLine2,
			City:         doc.Shipping.City,
			State:        doc.Shipping.State,
			PostalCode:   doc.Shipping.PostalCode,
			Phone:        doc.Shipping.Phone,
			Country:      doc.Shipping.Country,
			Email:        doc.Shipping.Email,
		}
	}
	return record
}
