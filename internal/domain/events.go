package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the event exchange.
const (
	RoutingKeyPaymentSubmitted         = "payment.submitted"
	RoutingKeyCreditEarned             = "credit.earned"
	RoutingKeyCreditSpent              = "credit.spent"
	RoutingKeyCreditRefunded           = "credit.refunded"
	RoutingKeySponsorshipConfirmed     = "sponsorship.confirmed"
	RoutingKeySponsorshipFailed        = "sponsorship.failed"
	RoutingKeyVerificationDeadLettered = "verification.dead_lettered"
)

// PaymentSubmittedEvent is consumed from wallet-side services once a user has
// broadcast a credit purchase.
type PaymentSubmittedEvent struct {
	UserID    string `json:"user_id"`
	Signature string `json:"signature"`
	// Wallet is the user's wallet address when the publisher knows it.
	Wallet string `json:"wallet,omitempty"`
}

type CreditEarnedEvent struct {
	UserID    string           `json:"user_id"`
	PaymentID uuid.UUID        `json:"payment_id"`
	Signature string           `json:"signature"`
	Amount    uint64           `json:"amount"`
	Tier      VerificationTier `json:"tier"`
	Timestamp time.Time        `json:"timestamp"`
}

type CreditSpentEvent struct {
	UserID      string             `json:"user_id"`
	SponsoredID uuid.UUID          `json:"sponsored_id"`
	Amount      uint64             `json:"amount"`
	Allocations []CreditAllocation `json:"allocations"`
	Timestamp   time.Time          `json:"timestamp"`
}

type SponsorshipSettledEvent struct {
	UserID      string          `json:"user_id"`
	SponsoredID uuid.UUID       `json:"sponsored_id"`
	Signature   *string         `json:"signature,omitempty"`
	Status      SponsoredStatus `json:"status"`
	CreditUsed  uint64          `json:"usdc_credit_used"`
	FeeLamports uint64          `json:"fee_lamports"`
	Reason      *string         `json:"reason,omitempty"`
	Refunded    bool            `json:"refunded"`
	Timestamp   time.Time       `json:"timestamp"`
}

type VerificationDeadLetteredEvent struct {
	UserID    string    `json:"user_id"`
	Signature string    `json:"signature"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Timestamp time.Time `json:"timestamp"`
}
