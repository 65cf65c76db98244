/**
 * @description
 * The credit ledger. It is the only writer of Payment and SponsoredTransaction
 * rows. Every mutation runs inside store.Repository.WithinUserLedger, so the
 * check-then-deduct sequence of a spend is serialized per user and either
 * fully applied or not applied at all.
 *
 * @notes
 * - Credit is consumed oldest payment first (created_at, then sequence).
 * - Sponsorship uses reserve-then-settle: credit is deducted when the
 *   sponsored row is created, restored only on a confirmed failure, and final
 *   only on a confirmed success.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/store"
)

type Ledger struct {
	repo     store.Repository
	exchange string
	now      func() time.Time
}

func New(repo store.Repository, exchange string) *Ledger {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "transfa.events"
	}
	return &Ledger{repo: repo, exchange: exchange, now: time.Now}
}

// PendingParams describes a credit purchase that has been broadcast but not yet verified.
type PendingParams struct {
	UserID      string
	Signature   string
	Destination string
	Mint        string
	Network     string
}

// RecordPending creates the PENDING row for a submitted payment. Calling it
// again for the same user and signature returns the existing row. A claim
// another user withdrew for a sender mismatch passes to the new claimant.
func (l *Ledger) RecordPending(ctx context.Context, params PendingParams) (*domain.Payment, error) {
	if strings.TrimSpace(params.Signature) == "" {
		return nil, fmt.Errorf("%w: missing signature", domain.ErrInvalidTransaction)
	}

	var result *domain.Payment
	err := l.repo.WithinUserLedger(ctx, params.UserID, func(tx store.LedgerTx) error {
		existing, err := tx.PaymentBySignature(ctx, params.Signature)
		switch {
		case err == nil:
			if existing.UserID == params.UserID {
				result = existing
				return nil
			}
			if !withdrawn(existing) {
				return domain.ErrPaymentOwnerMismatch
			}
			log.Printf("level=info component=ledger msg=\"withdrawn claim reassigned\" signature=%s from_user=%s to_user=%s", existing.Signature, existing.UserID, params.UserID)
			existing.UserID = params.UserID
			existing.Status = domain.PaymentStatusPending
			existing.FailureReason = nil
			if err := tx.UpdatePayment(ctx, existing); err != nil {
				return err
			}
			result = existing
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		payment := &domain.Payment{
			Signature:               params.Signature,
			Status:                  domain.PaymentStatusPending,
			DestinationTokenAccount: params.Destination,
			Mint:                    params.Mint,
			Network:                 params.Network,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return mapStoreError(err)
		}
		result = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EarnParams describes a verified inbound transfer.
type EarnParams struct {
	UserID      string
	Signature   string
	GrossAmount uint64
	Destination string
	Mint        string
	Network     string
	Tier        domain.VerificationTier
}

// Earn grants credit for a verified payment. A signature can be credited at
// most once; a second call returns domain.ErrDuplicatePayment and leaves the
// ledger unchanged.
func (l *Ledger) Earn(ctx context.Context, params EarnParams) (*domain.Payment, error) {
	if params.GrossAmount == 0 {
		return nil, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(params.Signature) == "" {
		return nil, fmt.Errorf("%w: missing signature", domain.ErrInvalidTransaction)
	}

	var result *domain.Payment
	err := l.repo.WithinUserLedger(ctx, params.UserID, func(tx store.LedgerTx) error {
		now := l.now().UTC()
		payment, err := tx.PaymentBySignature(ctx, params.Signature)
		switch {
		case errors.Is(err, store.ErrNotFound):
			payment = &domain.Payment{
				Signature: params.Signature,
				Mint:      params.Mint,
				Network:   params.Network,
			}
		case err != nil:
			return err
		case payment.UserID != params.UserID:
			return domain.ErrPaymentOwnerMismatch
		case payment.Status == domain.PaymentStatusVerified:
			return domain.ErrDuplicatePayment
		case payment.Status != domain.PaymentStatusPending:
			return fmt.Errorf("%w: status %s", domain.ErrPaymentClosed, payment.Status)
		}

		payment.Status = domain.PaymentStatusVerified
		payment.GrossAmount = params.GrossAmount
		payment.CreditRemaining = params.GrossAmount
		payment.CreditUsed = 0
		payment.VerificationTier = params.Tier
		payment.VerifiedAt = &now
		payment.FailureReason = nil
		if params.Destination != "" {
			payment.DestinationTokenAccount = params.Destination
		}

		if payment.ID == uuid.Nil {
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return mapStoreError(err)
			}
		} else if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		result = payment
		return tx.EnqueueEvent(ctx, l.exchange, domain.RoutingKeyCreditEarned, domain.CreditEarnedEvent{
			UserID:    params.UserID,
			PaymentID: payment.ID,
			Signature: payment.Signature,
			Amount:    payment.GrossAmount,
			Tier:      payment.VerificationTier,
			Timestamp: now,
		})
	})
	if err != nil {
		err = mapStoreError(err)
		if errors.Is(err, domain.ErrDuplicatePayment) {
			log.Printf("level=info component=ledger msg=\"duplicate earn ignored\" user_id=%s signature=%s", params.UserID, params.Signature)
			existing, lookupErr := l.repo.GetPaymentBySignature(ctx, params.Signature)
			if lookupErr != nil {
				return nil, err
			}
			return existing, err
		}
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"credit earned\" user_id=%s signature=%s amount=%d tier=%s", params.UserID, params.Signature, params.GrossAmount, params.Tier)
	return result, nil
}

// FailParams closes a pending payment that will never be credited.
type FailParams struct {
	UserID    string
	Signature string
	Reason    string
	// Attempts is set when the payment is failed by the verification queue.
	Attempts int
}

// FailPending moves a PENDING payment to FAILED. A payment that is already
// failed is left as is; a verified payment is never failed.
func (l *Ledger) FailPending(ctx context.Context, params FailParams) error {
	return l.repo.WithinUserLedger(ctx, params.UserID, func(tx store.LedgerTx) error {
		payment, err := tx.PaymentBySignature(ctx, params.Signature)
		if err != nil {
			return mapStoreError(err)
		}
		if payment.UserID != params.UserID {
			return domain.ErrPaymentOwnerMismatch
		}
		switch payment.Status {
		case domain.PaymentStatusFailed:
			return nil
		case domain.PaymentStatusPending:
		default:
			return fmt.Errorf("%w: payment %s is %s", domain.ErrInvalidTransition, payment.Signature, payment.Status)
		}

		reason := params.Reason
		payment.Status = domain.PaymentStatusFailed
		payment.FailureReason = &reason
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		if params.Attempts == 0 {
			return nil
		}
		return tx.EnqueueEvent(ctx, l.exchange, domain.RoutingKeyVerificationDeadLettered, domain.VerificationDeadLetteredEvent{
			UserID:    params.UserID,
			Signature: params.Signature,
			Attempts:  params.Attempts,
			LastError: reason,
			Timestamp: l.now().UTC(),
		})
	})
}

// SenderMismatchReason marks a claim withdrawn because the payment came from
// a wallet other than the claimant's.
const SenderMismatchReason = "sender mismatch"

// WithdrawClaim cancels a PENDING payment whose verified transfer was not
// funded by the claimant, leaving the signature free for its real sender.
func (l *Ledger) WithdrawClaim(ctx context.Context, userID, signature string) error {
	return l.repo.WithinUserLedger(ctx, userID, func(tx store.LedgerTx) error {
		payment, err := tx.PaymentBySignature(ctx, signature)
		if err != nil {
			return mapStoreError(err)
		}
		if payment.UserID != userID {
			return domain.ErrPaymentOwnerMismatch
		}
		if payment.Status != domain.PaymentStatusPending {
			return fmt.Errorf("%w: payment %s is %s", domain.ErrInvalidTransition, payment.Signature, payment.Status)
		}
		reason := SenderMismatchReason
		payment.Status = domain.PaymentStatusCancelled
		payment.FailureReason = &reason
		return tx.UpdatePayment(ctx, payment)
	})
}

func withdrawn(p *domain.Payment) bool {
	return p.Status == domain.PaymentStatusCancelled &&
		p.GrossAmount == 0 &&
		p.FailureReason != nil && *p.FailureReason == SenderMismatchReason
}

func (l *Ledger) TotalCredit(ctx context.Context, userID string) (uint64, error) {
	return l.repo.TotalCredit(ctx, userID)
}

func (l *Ledger) PaymentHistory(ctx context.Context, userID string, limit int) ([]*domain.Payment, error) {
	return l.repo.ListPayments(ctx, userID, limit)
}

// Spend atomically deducts amount from the user's credit, oldest payment first.
// When credit is short it returns *domain.InsufficientCreditError and mutates nothing.
func (l *Ledger) Spend(ctx context.Context, userID string, amount uint64) (*domain.SpendResult, error) {
	if amount == 0 {
		return nil, domain.ErrInvalidAmount
	}

	var result *domain.SpendResult
	err := l.repo.WithinUserLedger(ctx, userID, func(tx store.LedgerTx) error {
		spent, err := l.deduct(ctx, tx, amount)
		if err != nil {
			return err
		}
		result = spent
		return tx.EnqueueEvent(ctx, l.exchange, domain.RoutingKeyCreditSpent, domain.CreditSpentEvent{
			UserID:      userID,
			Amount:      amount,
			Allocations: spent.ConsumedFrom,
			Timestamp:   l.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Ledger) deduct(ctx context.Context, tx store.LedgerTx, amount uint64) (*domain.SpendResult, error) {
	payments, err := tx.LockSpendablePayments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to lock spendable payments: %w", err)
	}

	plan, remaining, err := allocateFIFO(payments, amount)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*domain.Payment, len(payments))
	for _, p := range payments {
		byID[p.ID] = p
	}
	for _, allocation := range plan {
		p := byID[allocation.PaymentID]
		p.CreditRemaining -= allocation.Amount
		p.CreditUsed += allocation.Amount
		if !p.Balanced() {
			return nil, fmt.Errorf("payment %s would become unbalanced", p.ID)
		}
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return nil, err
		}
	}

	return &domain.SpendResult{
		Success:         true,
		ConsumedFrom:    plan,
		RemainingCredit: remaining,
	}, nil
}

// ReserveParams describes a sponsorship about to be attempted.
type ReserveParams struct {
	UserID               string
	Amount               uint64
	Kind                 string
	Network              string
	Signature            string
	LastValidBlockHeight uint64
}

// Reserve deducts credit and records the PENDING SponsoredTransaction in the
// same unit of work, so credit used by sponsorships always matches credit used
// on payments.
func (l *Ledger) Reserve(ctx context.Context, params ReserveParams) (*domain.SponsoredTransaction, *domain.SpendResult, error) {
	if params.Amount == 0 {
		return nil, nil, domain.ErrInvalidAmount
	}

	var (
		sponsored *domain.SponsoredTransaction
		spent     *domain.SpendResult
	)
	err := l.repo.WithinUserLedger(ctx, params.UserID, func(tx store.LedgerTx) error {
		result, err := l.deduct(ctx, tx, params.Amount)
		if err != nil {
			return err
		}
		spent = result

		var signature *string
		if params.Signature != "" {
			value := params.Signature
			signature = &value
		}
		sponsored = &domain.SponsoredTransaction{
			PaymentID:            result.ConsumedFrom[0].PaymentID,
			Allocations:          result.ConsumedFrom,
			Kind:                 params.Kind,
			Signature:            signature,
			CreditUsed:           params.Amount,
			Status:               domain.SponsoredStatusPending,
			Network:              params.Network,
			LastValidBlockHeight: params.LastValidBlockHeight,
		}
		if err := tx.InsertSponsoredTransaction(ctx, sponsored); err != nil {
			return err
		}
		return tx.EnqueueEvent(ctx, l.exchange, domain.RoutingKeyCreditSpent, domain.CreditSpentEvent{
			UserID:      params.UserID,
			SponsoredID: sponsored.ID,
			Amount:      params.Amount,
			Allocations: result.ConsumedFrom,
			Timestamp:   l.now().UTC(),
		})
	})
	if err != nil {
		return nil, nil, mapStoreError(err)
	}

	log.Printf("level=info component=ledger msg=\"credit reserved\" user_id=%s sponsored_id=%s amount=%d remaining=%d", params.UserID, sponsored.ID, params.Amount, spent.RemainingCredit)
	return sponsored, spent, nil
}

// MarkSubmitted records that the fully signed transaction was handed to the network.
func (l *Ledger) MarkSubmitted(ctx context.Context, userID string, id uuid.UUID) (*domain.SponsoredTransaction, error) {
	return l.transition(ctx, userID, id, domain.SponsoredStatusSubmitted, func(tx store.LedgerTx, s *domain.SponsoredTransaction) error {
		return nil
	})
}

// Confirm finalizes a sponsorship that landed on chain.
func (l *Ledger) Confirm(ctx context.Context, userID string, id uuid.UUID, feeLamports uint64) (*domain.SponsoredTransaction, error) {
	return l.transition(ctx, userID, id, domain.SponsoredStatusConfirmed, func(tx store.LedgerTx, s *domain.SponsoredTransaction) error {
		s.FeeLamports = feeLamports
		return tx.EnqueueEvent(ctx, l.exchange, domain.RoutingKeySponsorshipConfirmed, settledEvent(s, l.now()))
	})
}

// FailAndRefund marks a sponsorship failed and returns every allocation to the
// payment it was drawn from.
func (l *Ledger) FailAndRefund(ctx context.Context, userID string, id uuid.UUID, reason string) (*domain.SponsoredTransaction, error) {
	return l.transition(ctx, userID, id, domain.SponsoredStatusFailed, func(tx store.LedgerTx, s *domain.SponsoredTransaction) error {
		s.FailureReason = &reason
		if !s.Refunded {
			if err := l.refund(ctx, tx, s); err != nil {
				return err
			}
			s.Refunded = true
		}
		if err := tx.EnqueueEvent(ctx, l.exchange, domain.RoutingKeyCreditRefunded, domain.CreditSpentEvent{
			UserID:      userID,
			SponsoredID: s.ID,
			Amount:      s.CreditUsed,
			Allocations: s.Allocations,
			Timestamp:   l.now().UTC(),
		}); err != nil {
			return err
		}
		return tx.EnqueueEvent(ctx, l.exchange, domain.RoutingKeySponsorshipFailed, settledEvent(s, l.now()))
	})
}

func (l *Ledger) refund(ctx context.Context, tx store.LedgerTx, s *domain.SponsoredTransaction) error {
	ids := make([]uuid.UUID, 0, len(s.Allocations))
	for _, allocation := range s.Allocations {
		ids = append(ids, allocation.PaymentID)
	}
	payments, err := tx.LockPaymentsByID(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to lock payments for refund: %w", err)
	}
	for _, allocation := range s.Allocations {
		p, ok := payments[allocation.PaymentID]
		if !ok {
			return fmt.Errorf("refund of %s references missing payment %s: %w", s.ID, allocation.PaymentID, domain.ErrPaymentNotFound)
		}
		if p.CreditUsed < allocation.Amount {
			return fmt.Errorf("refund of %s exceeds credit used on payment %s", s.ID, p.ID)
		}
		p.CreditUsed -= allocation.Amount
		p.CreditRemaining += allocation.Amount
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// transition applies a guarded status change. Replaying the current status is
// a no-op that returns the row unchanged.
func (l *Ledger) transition(
	ctx context.Context,
	userID string,
	id uuid.UUID,
	next domain.SponsoredStatus,
	apply func(tx store.LedgerTx, s *domain.SponsoredTransaction) error,
) (*domain.SponsoredTransaction, error) {
	var result *domain.SponsoredTransaction
	err := l.repo.WithinUserLedger(ctx, userID, func(tx store.LedgerTx) error {
		s, err := tx.SponsoredTransactionForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.ErrSponsoredTxNotFound
			}
			return err
		}
		if s.Status == next {
			result = s
			return nil
		}
		if !s.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, s.Status, next)
		}

		previous := s.Status
		s.Status = next
		if err := apply(tx, s); err != nil {
			return err
		}
		if err := tx.UpdateSponsoredTransaction(ctx, s); err != nil {
			return err
		}
		log.Printf("level=info component=ledger msg=\"sponsored transaction transitioned\" sponsored_id=%s from=%s to=%s", s.ID, previous, next)
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func settledEvent(s *domain.SponsoredTransaction, now time.Time) domain.SponsorshipSettledEvent {
	return domain.SponsorshipSettledEvent{
		UserID:      s.UserID,
		SponsoredID: s.ID,
		Signature:   s.Signature,
		Status:      s.Status,
		CreditUsed:  s.CreditUsed,
		FeeLamports: s.FeeLamports,
		Reason:      s.FailureReason,
		Refunded:    s.Refunded,
		Timestamp:   now.UTC(),
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrDuplicateSignature):
		return domain.ErrDuplicatePayment
	case errors.Is(err, store.ErrDuplicateSponsorship):
		return domain.ErrSponsorshipInFlight
	case errors.Is(err, store.ErrNotFound):
		return domain.ErrPaymentNotFound
	default:
		return err
	}
}
