/**
 * @description
 * Core domain models for the gas-sponsor-service.
 * A Payment is one inbound stablecoin transfer that may create credit. A
 * SponsoredTransaction is one transaction whose network fee was paid by the
 * server wallet using that credit.
 *
 * @notes
 * - Amounts are uint64 in the smallest unit of the asset (micro-USDC).
 *   Network fees are recorded in lamports.
 * - Statuses are lower-case strings so they can be stored and emitted as-is.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusVerified  PaymentStatus = "verified"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Terminal reports whether the payment can no longer change status.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusVerified || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// VerificationTier records how strongly a payment was tied to its transfer on chain.
type VerificationTier string

const (
	TierDirect      VerificationTier = "direct"
	TierDerived     VerificationTier = "derived"
	TierInstruction VerificationTier = "instruction"
	TierHeuristic   VerificationTier = "heuristic"
)

// Payment maps to the `credit_payments` table.
type Payment struct {
	ID                      uuid.UUID        `json:"id"`
	UserID                  string           `json:"user_id"`
	Signature               string           `json:"signature"`
	GrossAmount             uint64           `json:"gross_amount"`
	CreditRemaining         uint64           `json:"credit_remaining"`
	CreditUsed              uint64           `json:"credit_used"`
	Status                  PaymentStatus    `json:"status"`
	DestinationTokenAccount string           `json:"destination_token_account"`
	Mint                    string           `json:"mint"`
	Network                 string           `json:"network"`
	VerificationTier        VerificationTier `json:"verification_tier,omitempty"`
	FailureReason           *string          `json:"failure_reason,omitempty"`
	Sequence                int64            `json:"-"`
	CreatedAt               time.Time        `json:"created_at"`
	VerifiedAt              *time.Time       `json:"verified_at,omitempty"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// Balanced checks the per-payment credit invariant.
func (p *Payment) Balanced() bool {
	if p.Status != PaymentStatusVerified {
		return p.CreditRemaining == 0 && p.CreditUsed == 0
	}
	return p.CreditRemaining+p.CreditUsed == p.GrossAmount
}

type SponsoredStatus string

const (
	SponsoredStatusPending   SponsoredStatus = "pending"
	SponsoredStatusSubmitted SponsoredStatus = "submitted"
	SponsoredStatusConfirmed SponsoredStatus = "confirmed"
	SponsoredStatusFailed    SponsoredStatus = "failed"
)

// CanTransition encodes pending -> submitted -> confirmed, with failed reachable
// from pending and submitted. Confirmed and failed are final.
func (s SponsoredStatus) CanTransition(next SponsoredStatus) bool {
	switch s {
	case SponsoredStatusPending:
		return next == SponsoredStatusSubmitted || next == SponsoredStatusFailed
	case SponsoredStatusSubmitted:
		return next == SponsoredStatusConfirmed || next == SponsoredStatusFailed
	default:
		return false
	}
}

func (s SponsoredStatus) Terminal() bool {
	return s == SponsoredStatusConfirmed || s == SponsoredStatusFailed
}

// CreditAllocation is the slice of one payment's credit consumed by a spend.
type CreditAllocation struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Amount    uint64    `json:"amount"`
}

// SponsoredTransaction maps to the `sponsored_transactions` table.
type SponsoredTransaction struct {
	ID                   uuid.UUID          `json:"id"`
	UserID               string             `json:"user_id"`
	PaymentID            uuid.UUID          `json:"payment_id"`
	Allocations          []CreditAllocation `json:"allocations"`
	Kind                 string             `json:"kind"`
	Signature            *string            `json:"signature,omitempty"`
	CreditUsed           uint64             `json:"usdc_credit_used"`
	FeeLamports          uint64             `json:"fee_lamports"`
	Status               SponsoredStatus    `json:"status"`
	Network              string             `json:"network"`
	LastValidBlockHeight uint64             `json:"last_valid_block_height"`
	FailureReason        *string            `json:"failure_reason,omitempty"`
	Refunded             bool               `json:"refunded"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// SpendResult is returned by a successful spend.
type SpendResult struct {
	Success         bool               `json:"success"`
	ConsumedFrom    []CreditAllocation `json:"consumed_from"`
	RemainingCredit uint64             `json:"remaining_credit"`
}
