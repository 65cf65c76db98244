package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/gas-sponsor-service/internal/domain"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicateSignature = errors.New("payment signature already recorded")
	// ErrDuplicateSponsorship means a sponsored transaction with the same
	// precomputed signature already exists.
	ErrDuplicateSponsorship = errors.New("sponsored transaction signature already recorded")
)

// OutboxMessage is one pending event claimed for publication.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// VerificationJob is a durable retry entry for a payment the chain could not
// confirm inside the request that submitted it.
type VerificationJob struct {
	ID        int64
	PaymentID uuid.UUID
	UserID    string
	Signature string
	// Sender is the claimant's wallet, empty when unknown.
	Sender    string
	Attempts  int
	LastError *string
}

// LedgerTx is the serialized view of a single user's ledger. Every method runs
// inside the unit of work opened by Repository.WithinUserLedger.
type LedgerTx interface {
	PaymentBySignature(ctx context.Context, signature string) (*domain.Payment, error)
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	UpdatePayment(ctx context.Context, payment *domain.Payment) error
	// LockSpendablePayments returns the user's verified payments with credit
	// remaining, oldest first.
	LockSpendablePayments(ctx context.Context) ([]*domain.Payment, error)
	LockPaymentsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Payment, error)

	InsertSponsoredTransaction(ctx context.Context, sponsored *domain.SponsoredTransaction) error
	SponsoredTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.SponsoredTransaction, error)
	UpdateSponsoredTransaction(ctx context.Context, sponsored *domain.SponsoredTransaction) error

	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Repository defines the persistence surface of the gas-sponsor-service.
type Repository interface {
	// Ledger unit of work. fn runs with the user's ledger serialized against
	// every other unit of work for the same user; returning an error rolls
	// back everything fn wrote.
	WithinUserLedger(ctx context.Context, userID string, fn func(LedgerTx) error) error

	// Payment reads
	GetPaymentBySignature(ctx context.Context, signature string) (*domain.Payment, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]*domain.Payment, error)
	TotalCredit(ctx context.Context, userID string) (uint64, error)

	// Sponsored transaction reads
	GetSponsoredTransaction(ctx context.Context, id uuid.UUID) (*domain.SponsoredTransaction, error)
	ListSponsoredTransactions(ctx context.Context, userID string, limit int) ([]*domain.SponsoredTransaction, error)
	ListUnsettledSponsoredTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SponsoredTransaction, error)

	// Event outbox
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error

	// Verification retry queue
	EnqueueVerificationJob(ctx context.Context, paymentID uuid.UUID, userID, signature, sender string) error
	ClaimVerificationJobs(ctx context.Context, limit int, staleAfterSeconds int) ([]VerificationJob, error)
	CompleteVerificationJob(ctx context.Context, id int64) error
	RescheduleVerificationJob(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	DeadLetterVerificationJob(ctx context.Context, id int64, reason string) error
}

func truncateReason(reason string) string {
	if len(reason) > 2000 {
		return reason[:2000]
	}
	return reason
}
