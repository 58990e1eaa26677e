// Package outcome defines the rejection taxonomy shared by the payment and
// wallet-authentication paths. Every rejection is an *Error carrying a Code;
// callers branch on the code with errors.Is against the exported sentinels.
package outcome

import (
	"errors"
	"fmt"
)

// Code identifies a rejection reason.
type Code string

const (
	// payment path
	UnsupportedChainOrToken Code = "unsupported_chain_or_token"
	TransactionNotFound     Code = "transaction_not_found"
	TransactionFailed       Code = "transaction_failed"
	NoMatchingTransferEvent Code = "no_matching_transfer_event"
	SenderMismatch          Code = "sender_mismatch"
	RecipientMismatch       Code = "recipient_mismatch"
	InsufficientAmount      Code = "insufficient_amount"
	UnknownWallet           Code = "unknown_wallet"
	InvalidClaim            Code = "invalid_claim"

	// auth path
	MalformedMessage     Code = "malformed_message"
	NonceMismatch        Code = "nonce_mismatch"
	NonceAlreadyConsumed Code = "nonce_already_consumed"
	InvalidSignature     Code = "invalid_signature"
	NoAccountForWallet   Code = "no_account_for_wallet"
	AccountAlreadyExists Code = "account_already_exists"
	Unauthenticated      Code = "unauthenticated"

	// ledger path
	InsufficientCredits Code = "insufficient_credits"

	TransientInfrastructureError Code = "transient_infrastructure_error"
)

// Error is a typed rejection.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns a rejection with a human readable message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Transient wraps an infrastructure failure (RPC or storage) as retryable.
func Transient(err error, msg string) *Error {
	return Wrap(TransientInfrastructureError, err, msg)
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnsupportedChainOrToken = &Error{Code: UnsupportedChainOrToken}
	ErrTransactionNotFound     = &Error{Code: TransactionNotFound}
	ErrTransactionFailed       = &Error{Code: TransactionFailed}
	ErrNoMatchingTransferEvent = &Error{Code: NoMatchingTransferEvent}
	ErrSenderMismatch          = &Error{Code: SenderMismatch}
	ErrRecipientMismatch       = &Error{Code: RecipientMismatch}
	ErrInsufficientAmount      = &Error{Code: InsufficientAmount}
	ErrUnknownWallet           = &Error{Code: UnknownWallet}
	ErrInvalidClaim            = &Error{Code: InvalidClaim}
	ErrMalformedMessage        = &Error{Code: MalformedMessage}
	ErrNonceMismatch           = &Error{Code: NonceMismatch}
	ErrNonceAlreadyConsumed    = &Error{Code: NonceAlreadyConsumed}
	ErrInvalidSignature        = &Error{Code: InvalidSignature}
	ErrNoAccountForWallet      = &Error{Code: NoAccountForWallet}
	ErrAccountAlreadyExists    = &Error{Code: AccountAlreadyExists}
	ErrUnauthenticated         = &Error{Code: Unauthenticated}
	ErrInsufficientCredits     = &Error{Code: InsufficientCredits}
	ErrTransient               = &Error{Code: TransientInfrastructureError}
)

// CodeOf extracts the rejection code, or "" when err is not a rejection.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether the caller may retry the identical request.
// Only infrastructure failures qualify; every other rejection is final for its input.
func Retryable(err error) bool {
	return CodeOf(err) == TransientInfrastructureError
}
