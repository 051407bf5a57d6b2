package wallet

import (
	"errors"
	"fmt"
)

// ErrorCode classifies crypto payment failures so handlers and clients can
// react without matching message strings.
type ErrorCode string

const (
	// CodeNoProvider indicates no Ethereum RPC endpoint is configured.
	CodeNoProvider ErrorCode = "no_provider"
	// CodeWrongNetwork indicates the RPC endpoint is connected to an unexpected chain.
	CodeWrongNetwork ErrorCode = "wrong_network"
	// CodeRejected indicates the transaction was reverted or rejected on chain.
	CodeRejected ErrorCode = "rejected"
	// CodeInsufficientFunds indicates the buyer wallet cannot cover amount plus gas.
	CodeInsufficientFunds ErrorCode = "insufficient_funds"
	// CodeDuplicateEscrow indicates an active escrow already exists for the listing and buyer.
	CodeDuplicateEscrow ErrorCode = "duplicate_escrow"
	// CodeSelfPurchase indicates the buyer wallet matches the seller wallet.
	CodeSelfPurchase ErrorCode = "self_purchase"
	// CodeNotFound indicates the referenced transaction or escrow does not exist.
	CodeNotFound ErrorCode = "not_found"
	// CodeUnavailable indicates a transient RPC failure.
	CodeUnavailable ErrorCode = "unavailable"
)

// Error is the typed failure returned by the crypto payment rail.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("wallet: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("wallet: %s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError constructs a typed wallet error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code, defaulting to CodeUnavailable for
// unclassified failures.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var walletErr *Error
	if errors.As(err, &walletErr) {
		return walletErr.Code
	}
	return CodeUnavailable
}
