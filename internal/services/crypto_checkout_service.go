package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/payments/wallet"
	"github.com/reloop-market/api/internal/repositories"
)

// preparePendingTTL is how long a pending escrow prepare with no broadcast
// transaction blocks a new prepare for the same listing and buyer. After
// that the stale record is retired and the buyer may try again.
const preparePendingTTL = 15 * time.Minute

// Crypto checkout errors exposed to transport layers. Wallet-precondition
// failures are reported as *wallet.Error so handlers can forward the code.
var (
	ErrCryptoInvalidInput = errors.New("crypto checkout: invalid input")
	ErrCryptoNotAccepted  = errors.New("crypto checkout: seller does not accept crypto payments")
	ErrCryptoUnavailable  = errors.New("crypto checkout: dependency unavailable")
)

var (
	errCryptoListingsRequired = errors.New("crypto checkout: listing repository is required")
	errCryptoPaymentsRequired = errors.New("crypto checkout: payment repository is required")
	errCryptoImpactRequired   = errors.New("crypto checkout: impact repository is required")
	errCryptoRatesRequired    = errors.New("crypto checkout: rate source is required")
	errCryptoPricingRequired  = errors.New("crypto checkout: pricing engine is required")
	errCryptoClockRequired    = errors.New("crypto checkout: clock is required")
)

// ChainClient is the slice of the Ethereum client the crypto rail needs.
// *wallet.Client satisfies it; tests substitute a stub.
type ChainClient interface {
	ChainIDHex() string
	GasLimit() uint64
	ContractAddress() common.Address
	GetEscrow(ctx context.Context, escrowID string) (wallet.Escrow, error)
	ConfirmTransaction(ctx context.Context, txHash string) (wallet.Confirmation, error)
}

// CryptoCheckoutServiceDeps wires storage, the chain client and the ETH rate
// source. Chain may be nil when crypto payments are disabled by config.
type CryptoCheckoutServiceDeps struct {
	Listings repositories.ListingRepository
	Payments repositories.PaymentRepository
	Impact   repositories.ImpactRepository
	Chain    ChainClient
	Rates    wallet.RateSource
	Pricing  *PricingEngine
	Ledger   LedgerPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type cryptoCheckoutService struct {
	listings repositories.ListingRepository
	payments repositories.PaymentRepository
	impact   repositories.ImpactRepository
	chain    ChainClient
	rates    wallet.RateSource
	pricing  *PricingEngine
	ledger   LedgerPublisher
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCryptoCheckoutService validates dependencies and builds the ETH
// checkout service.
func NewCryptoCheckoutService(deps CryptoCheckoutServiceDeps) (CryptoCheckoutService, error) {
	if deps.Listings == nil {
		return nil, errCryptoListingsRequired
	}
	if deps.Payments == nil {
		return nil, errCryptoPaymentsRequired
	}
	if deps.Impact == nil {
		return nil, errCryptoImpactRequired
	}
	if deps.Rates == nil {
		return nil, errCryptoRatesRequired
	}
	if deps.Pricing == nil {
		return nil, errCryptoPricingRequired
	}
	if deps.Clock == nil {
		return nil, errCryptoClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cryptoCheckoutService{
		listings: deps.Listings,
		payments: deps.Payments,
		impact:   deps.Impact,
		chain:    deps.Chain,
		rates:    deps.Rates,
		pricing:  deps.Pricing,
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		logger:   logger,
	}, nil
}

// PreparePayment runs the server-side preconditions and returns the plan a
// client wallet needs to build the transaction. The signing itself happens
// client-side; nothing here moves funds.
func (s *cryptoCheckoutService) PreparePayment(ctx context.Context, cmd PrepareCryptoCommand) (CryptoPaymentPlan, error) {
	userID := strings.TrimSpace(cmd.UserID)
	listingID := strings.TrimSpace(cmd.ListingID)
	if userID == "" || listingID == "" {
		return CryptoPaymentPlan{}, fmt.Errorf("%w: user id and listing id are required", ErrCryptoInvalidInput)
	}
	if cmd.Quantity < 1 {
		return CryptoPaymentPlan{}, fmt.Errorf("%w: quantity must be at least 1", ErrCryptoInvalidInput)
	}
	if s.chain == nil {
		return CryptoPaymentPlan{}, wallet.NewError(wallet.CodeNoProvider, "crypto payments are not enabled", nil)
	}
	buyerWallet := strings.TrimSpace(cmd.BuyerWallet)
	if buyerWallet == "" {
		return CryptoPaymentPlan{}, wallet.NewError(wallet.CodeNoProvider, "no wallet connected", nil)
	}
	if !wallet.ValidAddress(buyerWallet) {
		return CryptoPaymentPlan{}, fmt.Errorf("%w: %s is not a valid wallet address", ErrCryptoInvalidInput, buyerWallet)
	}

	listing, err := s.listings.FindByID(ctx, listingID)
	if err != nil {
		if isRepoNotFound(err) {
			return CryptoPaymentPlan{}, ErrListingNotFound
		}
		return CryptoPaymentPlan{}, s.translateRepoError(err)
	}
	if listing.Quantity < cmd.Quantity {
		return CryptoPaymentPlan{}, fmt.Errorf("%w: listing %s has only %d left", ErrCryptoInvalidInput, listingID, listing.Quantity)
	}
	if !listing.Payment.CryptoAccepted() {
		return CryptoPaymentPlan{}, ErrCryptoNotAccepted
	}
	if wallet.SameAddress(listing.Payment.CryptoAddress, buyerWallet) {
		return CryptoPaymentPlan{}, wallet.NewError(wallet.CodeSelfPurchase, "you cannot buy your own listing", nil)
	}

	now := s.clock().UTC()
	mode := cmd.Mode
	if mode == "" {
		mode = CryptoModeDirect
		if listing.Payment.EscrowEnabled {
			mode = CryptoModeEscrow
		}
	}
	if mode == CryptoModeEscrow && !listing.Payment.EscrowEnabled {
		return CryptoPaymentPlan{}, fmt.Errorf("%w: seller has not enabled escrow", ErrCryptoInvalidInput)
	}

	if mode == CryptoModeEscrow {
		if existing, err := s.payments.FindActiveEscrow(ctx, listingID, buyerWallet); err == nil {
			if existing.TransactionHash != "" || now.Sub(existing.CreatedAt) < preparePendingTTL {
				return CryptoPaymentPlan{}, wallet.NewError(wallet.CodeDuplicateEscrow,
					fmt.Sprintf("an escrow for this listing is already pending (payment %s)", existing.ID), nil)
			}
			// The buyer walked away without broadcasting; retire the stale
			// record so they can try again.
			if _, uerr := s.payments.UpdateStatus(ctx, existing.ID, domain.PaymentFailed, "superseded by a newer payment attempt"); uerr != nil {
				return CryptoPaymentPlan{}, s.translateRepoError(uerr)
			}
			s.logger(ctx, "crypto.stale_prepare_superseded", map[string]any{
				"userId":    userID,
				"paymentId": existing.ID,
				"listingId": listingID,
			})
		} else if !isRepoNotFound(err) {
			return CryptoPaymentPlan{}, s.translateRepoError(err)
		}
	}

	item := domain.CartItem{
		ListingID:    listing.ID,
		SellerID:     listing.SellerID,
		MaterialType: listing.MaterialType,
		Quantity:     cmd.Quantity,
		UnitPrice:    listing.UnitPrice,
	}
	estimate, err := s.pricing.Estimate([]domain.CartItem{item})
	if err != nil {
		return CryptoPaymentPlan{}, fmt.Errorf("%w: %v", ErrCryptoInvalidInput, err)
	}

	currencyCode := s.pricing.Currency()
	rate, err := s.rates.RateETH(ctx, currencyCode)
	if err != nil {
		return CryptoPaymentPlan{}, wallet.NewError(wallet.CodeUnavailable, "ETH rate is unavailable", err)
	}
	valueWei, err := wallet.WeiForAmount(estimate.Total, rate)
	if err != nil {
		return CryptoPaymentPlan{}, fmt.Errorf("%w: %v", ErrCryptoInvalidInput, err)
	}

	plan := CryptoPaymentPlan{
		PaymentID:  ulid.Make().String(),
		Mode:       mode,
		ValueWei:   valueWei.String(),
		GasLimit:   s.chain.GasLimit(),
		ChainIDHex: s.chain.ChainIDHex(),
		Amount:     estimate.Total,
		Currency:   currencyCode,
		RateETH:    rate,
	}
	if mode == CryptoModeEscrow {
		plan.EscrowID = wallet.EscrowID(listingID, buyerWallet, now)
		plan.To = s.chain.ContractAddress().Hex()
	} else {
		plan.To = listing.Payment.CryptoAddress
	}

	record := domain.PaymentRecord{
		ID:            plan.PaymentID,
		UserID:        userID,
		Rail:          domain.RailCrypto,
		Status:        domain.PaymentPending,
		Amount:        estimate.Total,
		Currency:      currencyCode,
		EscrowID:      plan.EscrowID,
		WalletAddress: strings.ToLower(buyerWallet),
		Lines:         paymentLinesFromCart([]domain.CartItem{item}),
		CO2SavedKg:    domain.CO2SavedKg(listing.MaterialType, cmd.Quantity),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.payments.Insert(ctx, record); err != nil {
		return CryptoPaymentPlan{}, s.translateRepoError(err)
	}

	s.logger(ctx, "crypto.payment_prepared", map[string]any{
		"userId":    userID,
		"paymentId": plan.PaymentID,
		"listingId": listingID,
		"mode":      string(mode),
		"valueWei":  plan.ValueWei,
	})
	return plan, nil
}

// RecordPayment verifies a broadcast transaction against the chain before
// booking the payment. The client's claim of success is never trusted: the
// receipt must confirm, the sender must match the buyer wallet, and for
// escrow payments the on-chain escrow must be active for this buyer.
func (s *cryptoCheckoutService) RecordPayment(ctx context.Context, cmd RecordCryptoCommand) (domain.PaymentRecord, error) {
	userID := strings.TrimSpace(cmd.UserID)
	paymentID := strings.TrimSpace(cmd.PaymentID)
	txHash := strings.TrimSpace(cmd.TransactionHash)
	if userID == "" || paymentID == "" || txHash == "" {
		return domain.PaymentRecord{}, fmt.Errorf("%w: user id, payment id and transaction hash are required", ErrCryptoInvalidInput)
	}
	if s.chain == nil {
		return domain.PaymentRecord{}, wallet.NewError(wallet.CodeNoProvider, "crypto payments are not enabled", nil)
	}

	record, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.PaymentRecord{}, ErrPaymentNotFound
		}
		return domain.PaymentRecord{}, s.translateRepoError(err)
	}
	if record.UserID != userID {
		return domain.PaymentRecord{}, ErrPaymentForbidden
	}
	if record.Rail != domain.RailCrypto {
		return domain.PaymentRecord{}, fmt.Errorf("%w: payment %s is not a crypto payment", ErrCryptoInvalidInput, paymentID)
	}
	if record.Status == domain.PaymentSucceeded {
		return record, nil
	}

	if _, err := s.payments.AttachTransaction(ctx, paymentID, txHash); err != nil {
		return domain.PaymentRecord{}, s.translateRepoError(err)
	}
	record.TransactionHash = txHash

	confirmation, err := s.chain.ConfirmTransaction(ctx, txHash)
	if err != nil {
		if wallet.CodeOf(err) == wallet.CodeRejected {
			return s.markFailed(ctx, record, "transaction reverted on chain", err)
		}
		// Leave the record pending: a slow confirmation can be retried.
		return domain.PaymentRecord{}, err
	}
	if !confirmation.Success {
		return s.markFailed(ctx, record, "transaction receipt reports failure", nil)
	}
	if !wallet.SameAddress(confirmation.From.Hex(), record.WalletAddress) {
		return s.markFailed(ctx, record, "transaction sender does not match the buyer wallet", nil)
	}

	if record.EscrowID != "" {
		if err := s.verifyEscrow(ctx, record, confirmation); err != nil {
			return s.markFailed(ctx, record, err.Error(), err)
		}
	} else if err := s.verifyDirectTransfer(ctx, record, confirmation); err != nil {
		return s.markFailed(ctx, record, err.Error(), err)
	}

	return s.bookSuccess(ctx, record)
}

// verifyEscrow checks that the transaction hit the escrow contract and that
// the contract now holds an active escrow for this buyer.
func (s *cryptoCheckoutService) verifyEscrow(ctx context.Context, record domain.PaymentRecord, confirmation wallet.Confirmation) error {
	if !wallet.SameAddress(confirmation.To.Hex(), s.chain.ContractAddress().Hex()) {
		return errors.New("transaction was not sent to the escrow contract")
	}
	escrow, err := s.chain.GetEscrow(ctx, record.EscrowID)
	if err != nil {
		return fmt.Errorf("escrow %s could not be read: %v", record.EscrowID, err)
	}
	if escrow.State != wallet.EscrowStateActive {
		return fmt.Errorf("escrow %s is not active", record.EscrowID)
	}
	if !wallet.SameAddress(escrow.Buyer.Hex(), record.WalletAddress) {
		return fmt.Errorf("escrow %s belongs to a different buyer", record.EscrowID)
	}
	return nil
}

// verifyDirectTransfer checks the funds went to the seller's wallet.
func (s *cryptoCheckoutService) verifyDirectTransfer(ctx context.Context, record domain.PaymentRecord, confirmation wallet.Confirmation) error {
	if len(record.Lines) == 0 {
		return errors.New("payment record has no purchase lines")
	}
	listing, err := s.listings.FindByID(ctx, record.Lines[0].ListingID)
	if err != nil {
		return fmt.Errorf("listing %s could not be read: %v", record.Lines[0].ListingID, err)
	}
	if !wallet.SameAddress(confirmation.To.Hex(), listing.Payment.CryptoAddress) {
		return errors.New("transaction was not sent to the seller wallet")
	}
	return nil
}

func (s *cryptoCheckoutService) bookSuccess(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, error) {
	for _, line := range record.Lines {
		if err := s.listings.DecrementStock(ctx, line.ListingID, line.Quantity); err != nil {
			s.logger(ctx, "crypto.stock_decrement_failed", map[string]any{
				"paymentId": record.ID,
				"listingId": line.ListingID,
				"error":     err.Error(),
			})
		}
	}

	updated, err := s.payments.UpdateStatus(ctx, record.ID, domain.PaymentSucceeded, "")
	if err != nil {
		return domain.PaymentRecord{}, s.translateRepoError(err)
	}

	if _, err := s.impact.Add(ctx, record.UserID, record.CO2SavedKg); err != nil {
		s.logger(ctx, "crypto.impact_update_failed", map[string]any{
			"paymentId": record.ID,
			"error":     err.Error(),
		})
	}
	if s.ledger != nil {
		if _, err := s.ledger.PublishPaymentRecorded(ctx, PaymentRecordedMessage{
			PaymentID:  updated.ID,
			UserID:     updated.UserID,
			Rail:       string(updated.Rail),
			Status:     string(updated.Status),
			Amount:     updated.Amount,
			Currency:   updated.Currency,
			CO2SavedKg: updated.CO2SavedKg,
			RecordedAt: updated.UpdatedAt,
		}); err != nil {
			s.logger(ctx, "crypto.ledger_publish_failed", map[string]any{
				"paymentId": record.ID,
				"error":     err.Error(),
			})
		}
	}

	s.logger(ctx, "crypto.payment_succeeded", map[string]any{
		"userId":    record.UserID,
		"paymentId": record.ID,
		"txHash":    record.TransactionHash,
	})
	return updated, nil
}

func (s *cryptoCheckoutService) markFailed(ctx context.Context, record domain.PaymentRecord, reason string, cause error) (domain.PaymentRecord, error) {
	updated, err := s.payments.UpdateStatus(ctx, record.ID, domain.PaymentFailed, reason)
	if err != nil {
		return domain.PaymentRecord{}, s.translateRepoError(err)
	}
	s.logger(ctx, "crypto.payment_failed", map[string]any{
		"userId":    record.UserID,
		"paymentId": record.ID,
		"reason":    reason,
	})
	var walletErr *wallet.Error
	if errors.As(cause, &walletErr) {
		return updated, wallet.NewError(walletErr.Code, reason, cause)
	}
	return updated, wallet.NewError(wallet.CodeRejected, reason, cause)
}

func (s *cryptoCheckoutService) translateRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
}
