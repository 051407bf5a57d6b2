package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/reloop-market/api/internal/payments/wallet"
	"github.com/reloop-market/api/internal/platform/auth"
	"github.com/reloop-market/api/internal/platform/httpx"
	"github.com/reloop-market/api/internal/services"
)

const maxCryptoBodySize = 16 * 1024

// CryptoHandlers exposes the ETH checkout endpoints. Transactions are signed
// client-side; these endpoints prepare the plan and verify the result.
type CryptoHandlers struct {
	authn  *auth.Authenticator
	crypto services.CryptoCheckoutService
}

// NewCryptoHandlers constructs handlers for the crypto payment rail.
func NewCryptoHandlers(authn *auth.Authenticator, crypto services.CryptoCheckoutService) *CryptoHandlers {
	return &CryptoHandlers{
		authn:  authn,
		crypto: crypto,
	}
}

// Routes wires the /crypto endpoints onto the provided router.
func (h *CryptoHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/prepare", h.preparePayment)
	r.Post("/record", h.recordPayment)
}

type preparePaymentRequest struct {
	ListingID     string `json:"listingId"`
	Quantity      int    `json:"quantity"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

type preparePaymentResponse struct {
	PaymentID string  `json:"paymentId"`
	Mode      string  `json:"mode"`
	EscrowID  string  `json:"escrowId,omitempty"`
	To        string  `json:"to"`
	ValueWei  string  `json:"valueWei"`
	GasLimit  uint64  `json:"gasLimit"`
	ChainID   string  `json:"chainId"`
	Amount    int64   `json:"amount"`
	Currency  string  `json:"currency"`
	RateETH   float64 `json:"rateEth"`
}

type recordPaymentRequest struct {
	PaymentID       string `json:"paymentId"`
	TransactionHash string `json:"transactionHash"`
}

func (h *CryptoHandlers) preparePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.crypto == nil {
		httpx.WriteError(ctx, w, httpx.NewError("crypto_service_unavailable", "crypto checkout is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req preparePaymentRequest
	if err := decodeJSONBody(r, maxCryptoBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	buyerWallet := strings.TrimSpace(req.WalletAddress)
	if buyerWallet == "" {
		buyerWallet = identity.Wallet
	}

	plan, err := h.crypto.PreparePayment(ctx, services.PrepareCryptoCommand{
		UserID:      identity.UID,
		BuyerWallet: buyerWallet,
		ListingID:   req.ListingID,
		Quantity:    req.Quantity,
		Mode:        services.CryptoPaymentMode(strings.ToLower(strings.TrimSpace(req.Mode))),
	})
	if err != nil {
		h.writeCryptoError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, preparePaymentResponse{
		PaymentID: plan.PaymentID,
		Mode:      string(plan.Mode),
		EscrowID:  plan.EscrowID,
		To:        plan.To,
		ValueWei:  plan.ValueWei,
		GasLimit:  plan.GasLimit,
		ChainID:   plan.ChainIDHex,
		Amount:    plan.Amount,
		Currency:  plan.Currency,
		RateETH:   plan.RateETH,
	})
}

func (h *CryptoHandlers) recordPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.crypto == nil {
		httpx.WriteError(ctx, w, httpx.NewError("crypto_service_unavailable", "crypto checkout is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req recordPaymentRequest
	if err := decodeJSONBody(r, maxCryptoBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	record, err := h.crypto.RecordPayment(ctx, services.RecordCryptoCommand{
		UserID:          identity.UID,
		PaymentID:       req.PaymentID,
		TransactionHash: req.TransactionHash,
	})
	if err != nil {
		h.writeCryptoError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"payment": buildPaymentPayload(record)})
}

func (h *CryptoHandlers) writeCryptoError(ctx context.Context, w http.ResponseWriter, err error) {
	var walletErr *wallet.Error
	if errors.As(err, &walletErr) {
		httpx.WriteError(ctx, w, httpx.NewError(string(walletErr.Code), walletErr.Message, cryptoStatusFor(walletErr.Code)))
		return
	}
	switch {
	case errors.Is(err, services.ErrCryptoInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrListingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("listing_not_found", "listing does not exist", http.StatusNotFound))
	case errors.Is(err, services.ErrCryptoNotAccepted):
		httpx.WriteError(ctx, w, httpx.NewError("crypto_not_accepted", "seller does not accept crypto payments", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment does not exist", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "payment belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrCryptoUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("crypto_unavailable", "crypto dependencies are unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func cryptoStatusFor(code wallet.ErrorCode) int {
	switch code {
	case wallet.CodeNoProvider, wallet.CodeWrongNetwork, wallet.CodeInsufficientFunds:
		return http.StatusBadRequest
	case wallet.CodeSelfPurchase, wallet.CodeDuplicateEscrow:
		return http.StatusConflict
	case wallet.CodeNotFound:
		return http.StatusNotFound
	case wallet.CodeUnavailable:
		return http.StatusServiceUnavailable
	case wallet.CodeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
