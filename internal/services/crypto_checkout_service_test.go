package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	domain "github.com/reloop-market/api/internal/domain"
	"github.com/reloop-market/api/internal/payments/wallet"
	"github.com/reloop-market/api/internal/repositories/memory"
)

const (
	buyerWallet   = "0x1111111111111111111111111111111111111111"
	sellerWallet  = "0x2222222222222222222222222222222222222222"
	escrowAddress = "0x3333333333333333333333333333333333333333"
)

type stubChain struct {
	confirmation wallet.Confirmation
	confirmErr   error
	escrow       wallet.Escrow
	escrowErr    error
}

func (s *stubChain) ChainIDHex() string { return "0xaa36a7" }

func (s *stubChain) GasLimit() uint64 { return 300000 }

func (s *stubChain) ContractAddress() common.Address { return common.HexToAddress(escrowAddress) }

func (s *stubChain) GetEscrow(_ context.Context, _ string) (wallet.Escrow, error) {
	if s.escrowErr != nil {
		return wallet.Escrow{}, s.escrowErr
	}
	return s.escrow, nil
}

func (s *stubChain) ConfirmTransaction(_ context.Context, txHash string) (wallet.Confirmation, error) {
	if s.confirmErr != nil {
		return wallet.Confirmation{}, s.confirmErr
	}
	c := s.confirmation
	c.TxHash = common.HexToHash(txHash)
	return c, nil
}

type cryptoFixture struct {
	service  CryptoCheckoutService
	listings *memory.ListingRepository
	payments *memory.PaymentRepository
	impact   *memory.ImpactRepository
	chain    *stubChain
	ledger   *captureLedger
	now      time.Time
}

func newCryptoFixture(t *testing.T) *cryptoFixture {
	t.Helper()
	f := &cryptoFixture{
		listings: memory.NewListingRepository(),
		payments: memory.NewPaymentRepository(),
		impact:   memory.NewImpactRepository(),
		chain:    &stubChain{},
		ledger:   &captureLedger{},
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	svc, err := NewCryptoCheckoutService(CryptoCheckoutServiceDeps{
		Listings: f.listings,
		Payments: f.payments,
		Impact:   f.impact,
		Chain:    f.chain,
		Rates:    wallet.StaticRateSource{Rate: 200000},
		Pricing:  testPricingEngine(),
		Ledger:   f.ledger,
		Clock:    func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("NewCryptoCheckoutService returned error: %v", err)
	}
	f.service = svc
	return f
}

func (f *cryptoFixture) seedCryptoListing(escrowEnabled bool) {
	f.listings.Seed(domain.Listing{
		ID:           "listing-1",
		SellerID:     "seller-1",
		Title:        "Reclaimed teak beams",
		MaterialType: domain.MaterialWood,
		UnitPrice:    600,
		Currency:     "INR",
		Quantity:     5,
		Payment: domain.PaymentPreferences{
			AcceptsCrypto: true,
			EscrowEnabled: escrowEnabled,
			CryptoAddress: sellerWallet,
		},
	})
}

func TestPreparePaymentEscrowPlan(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)
	ctx := context.Background()

	plan, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    2,
	})
	if err != nil {
		t.Fatalf("PreparePayment returned error: %v", err)
	}
	if plan.Mode != CryptoModeEscrow {
		t.Fatalf("mode = %s, want escrow", plan.Mode)
	}
	if !strings.HasPrefix(plan.EscrowID, "listing-1-"+buyerWallet+"-") {
		t.Fatalf("escrow id %q should be listingId-wallet-timestamp", plan.EscrowID)
	}
	if !wallet.SameAddress(plan.To, escrowAddress) {
		t.Fatalf("to = %s, want the escrow contract", plan.To)
	}
	if plan.GasLimit != 300000 || plan.ChainIDHex != "0xaa36a7" {
		t.Fatalf("unexpected chain parameters: %+v", plan)
	}
	// 1200 INR at 200000 INR/ETH is 0.006 ETH.
	if plan.ValueWei != "6000000000000000" {
		t.Fatalf("valueWei = %s, want 6000000000000000", plan.ValueWei)
	}

	record, err := f.payments.FindByID(ctx, plan.PaymentID)
	if err != nil {
		t.Fatalf("payment record not booked: %v", err)
	}
	if record.Status != domain.PaymentPending || record.Rail != domain.RailCrypto {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.WalletAddress != buyerWallet {
		t.Fatalf("wallet = %s, want lowercased buyer wallet", record.WalletAddress)
	}
}

func TestPreparePaymentDirectWhenEscrowDisabled(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(false)

	plan, err := f.service.PreparePayment(context.Background(), PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if err != nil {
		t.Fatalf("PreparePayment returned error: %v", err)
	}
	if plan.Mode != CryptoModeDirect {
		t.Fatalf("mode = %s, want direct", plan.Mode)
	}
	if plan.EscrowID != "" {
		t.Fatalf("direct plan should carry no escrow id, got %q", plan.EscrowID)
	}
	if !wallet.SameAddress(plan.To, sellerWallet) {
		t.Fatalf("to = %s, want the seller wallet", plan.To)
	}
}

func TestPreparePaymentSelfPurchase(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)

	// Address comparison ignores case.
	_, err := f.service.PreparePayment(context.Background(), PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: "0x" + strings.ToUpper(sellerWallet[2:]),
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if wallet.CodeOf(err) != wallet.CodeSelfPurchase {
		t.Fatalf("expected self_purchase code, got %v", err)
	}
}

func TestPreparePaymentDuplicateEscrow(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)
	ctx := context.Background()

	if _, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	}); err != nil {
		t.Fatalf("first PreparePayment returned error: %v", err)
	}

	_, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: strings.ToUpper(buyerWallet[:4]) + buyerWallet[4:],
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if wallet.CodeOf(err) != wallet.CodeDuplicateEscrow {
		t.Fatalf("expected duplicate_escrow code, got %v", err)
	}
}

func TestPreparePaymentAbandonedPrepareSuperseded(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)
	ctx := context.Background()

	first, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if err != nil {
		t.Fatalf("first PreparePayment returned error: %v", err)
	}

	f.now = f.now.Add(16 * time.Minute)

	second, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if err != nil {
		t.Fatalf("retry after abandoned prepare returned error: %v", err)
	}
	if second.PaymentID == first.PaymentID {
		t.Fatalf("retry should mint a fresh payment id")
	}
	stale, err := f.payments.FindByID(ctx, first.PaymentID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if stale.Status != domain.PaymentFailed {
		t.Fatalf("stale prepare status = %q, want failed", stale.Status)
	}
}

func TestPreparePaymentDirectModeNotBlockedByPending(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(false)
	ctx := context.Background()

	if _, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	}); err != nil {
		t.Fatalf("first PreparePayment returned error: %v", err)
	}

	if _, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	}); err != nil {
		t.Fatalf("direct-mode retry returned error: %v", err)
	}
}

func TestPreparePaymentWalletMissing(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)

	_, err := f.service.PreparePayment(context.Background(), PrepareCryptoCommand{
		UserID:    "user-1",
		ListingID: "listing-1",
		Quantity:  1,
	})
	if wallet.CodeOf(err) != wallet.CodeNoProvider {
		t.Fatalf("expected no_provider code, got %v", err)
	}
}

func TestPreparePaymentCryptoNotAccepted(t *testing.T) {
	f := newCryptoFixture(t)
	f.listings.Seed(domain.Listing{
		ID:           "listing-1",
		SellerID:     "seller-1",
		MaterialType: domain.MaterialWood,
		UnitPrice:    600,
		Quantity:     5,
		Payment:      domain.PaymentPreferences{AcceptsCrypto: true}, // no address
	})

	_, err := f.service.PreparePayment(context.Background(), PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if !errors.Is(err, ErrCryptoNotAccepted) {
		t.Fatalf("expected ErrCryptoNotAccepted, got %v", err)
	}
}

func TestRecordPaymentEscrowSuccess(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)
	ctx := context.Background()

	plan, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    2,
	})
	if err != nil {
		t.Fatalf("PreparePayment returned error: %v", err)
	}

	f.chain.confirmation = wallet.Confirmation{
		From:    common.HexToAddress(buyerWallet),
		To:      common.HexToAddress(escrowAddress),
		Success: true,
	}
	f.chain.escrow = wallet.Escrow{
		ID:    plan.EscrowID,
		Buyer: common.HexToAddress(buyerWallet),
		State: wallet.EscrowStateActive,
	}

	record, err := f.service.RecordPayment(ctx, RecordCryptoCommand{
		UserID:          "user-1",
		PaymentID:       plan.PaymentID,
		TransactionHash: "0xdeadbeef",
	})
	if err != nil {
		t.Fatalf("RecordPayment returned error: %v", err)
	}
	if record.Status != domain.PaymentSucceeded {
		t.Fatalf("status = %s, want succeeded", record.Status)
	}

	listing, err := f.listings.FindByID(ctx, "listing-1")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if listing.Quantity != 3 {
		t.Fatalf("stock = %d, want 3 after selling 2", listing.Quantity)
	}
	total, err := f.impact.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("impact Get returned error: %v", err)
	}
	if total.TotalKg != 3.6 {
		t.Fatalf("impact = %v, want 3.6", total.TotalKg)
	}
	if len(f.ledger.messages) != 1 || f.ledger.messages[0].Rail != "crypto" {
		t.Fatalf("unexpected ledger messages: %+v", f.ledger.messages)
	}
}

func TestRecordPaymentSenderMismatch(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)
	ctx := context.Background()

	plan, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if err != nil {
		t.Fatalf("PreparePayment returned error: %v", err)
	}

	f.chain.confirmation = wallet.Confirmation{
		From:    common.HexToAddress(sellerWallet),
		To:      common.HexToAddress(escrowAddress),
		Success: true,
	}

	record, err := f.service.RecordPayment(ctx, RecordCryptoCommand{
		UserID:          "user-1",
		PaymentID:       plan.PaymentID,
		TransactionHash: "0xdeadbeef",
	})
	if err == nil {
		t.Fatal("expected sender mismatch rejection")
	}
	if record.Status != domain.PaymentFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}

	listing, _ := f.listings.FindByID(ctx, "listing-1")
	if listing.Quantity != 5 {
		t.Fatalf("stock = %d, want untouched 5", listing.Quantity)
	}
}

func TestRecordPaymentEscrowNotActive(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)
	ctx := context.Background()

	plan, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if err != nil {
		t.Fatalf("PreparePayment returned error: %v", err)
	}

	f.chain.confirmation = wallet.Confirmation{
		From:    common.HexToAddress(buyerWallet),
		To:      common.HexToAddress(escrowAddress),
		Success: true,
	}
	f.chain.escrow = wallet.Escrow{
		ID:    plan.EscrowID,
		Buyer: common.HexToAddress(buyerWallet),
		State: wallet.EscrowStateRefunded,
	}

	record, err := f.service.RecordPayment(ctx, RecordCryptoCommand{
		UserID:          "user-1",
		PaymentID:       plan.PaymentID,
		TransactionHash: "0xdeadbeef",
	})
	if err == nil {
		t.Fatal("expected inactive escrow rejection")
	}
	if record.Status != domain.PaymentFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
}

func TestRecordPaymentPendingWhenUnconfirmed(t *testing.T) {
	f := newCryptoFixture(t)
	f.seedCryptoListing(true)
	ctx := context.Background()

	plan, err := f.service.PreparePayment(ctx, PrepareCryptoCommand{
		UserID:      "user-1",
		BuyerWallet: buyerWallet,
		ListingID:   "listing-1",
		Quantity:    1,
	})
	if err != nil {
		t.Fatalf("PreparePayment returned error: %v", err)
	}

	f.chain.confirmErr = wallet.NewError(wallet.CodeNotFound, "transaction not mined", nil)

	_, err = f.service.RecordPayment(ctx, RecordCryptoCommand{
		UserID:          "user-1",
		PaymentID:       plan.PaymentID,
		TransactionHash: "0xdeadbeef",
	})
	if wallet.CodeOf(err) != wallet.CodeNotFound {
		t.Fatalf("expected not_found code, got %v", err)
	}

	// The record stays pending so the client can retry later.
	record, err := f.payments.FindByID(ctx, plan.PaymentID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if record.Status != domain.PaymentPending {
		t.Fatalf("status = %s, want pending", record.Status)
	}
}
