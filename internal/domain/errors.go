package domain

import (
	"errors"
	"fmt"
)

var (
	ErrVerificationTimeout   = errors.New("payment submitted but unverifiable")
	ErrDuplicatePayment      = errors.New("payment already credited")
	ErrInsufficientCredit    = errors.New("insufficient credit")
	ErrSignerSessionExpired  = errors.New("signer session expired")
	ErrSignerRejected        = errors.New("signer rejected transaction")
	ErrSubmissionAmbiguous   = errors.New("submission outcome unknown")
	ErrSubmissionRejected    = errors.New("network rejected transaction")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrPaymentClosed         = errors.New("payment is closed")
	ErrPaymentOwnerMismatch  = errors.New("payment belongs to another user")
	ErrPaymentMismatch       = errors.New("payment does not match expected transfer")
	ErrSponsoredTxNotFound   = errors.New("sponsored transaction not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrMessageTampered       = errors.New("signed message differs from the prepared message")
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
	ErrInvalidTransaction    = errors.New("invalid transaction")
	ErrRateLimited           = errors.New("too many sponsorship requests")
	ErrSponsorshipInFlight   = errors.New("an identical transaction is already being sponsored")
	ErrPaymentSenderMismatch = errors.New("payment was not sent from the user's wallet")
)

// InsufficientCreditError reports how far short a spend request fell.
type InsufficientCreditError struct {
	Requested uint64
	Available uint64
}

func (e *InsufficientCreditError) Shortfall() uint64 {
	if e.Available >= e.Requested {
		return 0
	}
	return e.Requested - e.Available
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: requested %d, available %d, shortfall %d", e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientCreditError) Is(target error) bool {
	return target == ErrInsufficientCredit
}

// VerificationTimeoutError is returned when the chain never produced a usable
// answer within the retry budget. The payment may still be final on chain.
type VerificationTimeoutError struct {
	Signature string
	Attempts  int
	LastErr   error
}

func (e *VerificationTimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("payment %s submitted but unverifiable after %d attempts: %v", e.Signature, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("payment %s submitted but unverifiable after %d attempts", e.Signature, e.Attempts)
}

func (e *VerificationTimeoutError) Is(target error) bool {
	return target == ErrVerificationTimeout
}

func (e *VerificationTimeoutError) Unwrap() error {
	return e.LastErr
}

// SubmissionAmbiguousError carries the signature the transaction would land
// under, so the caller can check the public ledger independently.
type SubmissionAmbiguousError struct {
	SponsoredID string
	Signature   string
	Cause       error
}

func (e *SubmissionAmbiguousError) Error() string {
	return fmt.Sprintf("submission outcome unknown for signature %s: %v", e.Signature, e.Cause)
}

func (e *SubmissionAmbiguousError) Is(target error) bool {
	return target == ErrSubmissionAmbiguous
}

func (e *SubmissionAmbiguousError) Unwrap() error {
	return e.Cause
}

// SignerRejectedError wraps a definite refusal from the remote signer.
type SignerRejectedError struct {
	StatusCode int
	Reason     string
}

func (e *SignerRejectedError) Error() string {
	return fmt.Sprintf("signer rejected transaction (status %d): %s", e.StatusCode, e.Reason)
}

func (e *SignerRejectedError) Is(target error) bool {
	return target == ErrSignerRejected
}

// RateLimitedError tells the caller how long to wait before retrying.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many sponsorship requests; retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
