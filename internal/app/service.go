/**
 * @description
 * Core business logic for the gas-sponsor-service. CreditService turns
 * verified stablecoin payments into credit and spends that credit on
 * sponsored transactions, coordinating the ledger, the chain verifier and
 * the sponsor.
 *
 * Key features:
 * - Payments are recorded PENDING before the chain is consulted, so a
 *   verification that outlives the request is picked up by the durable
 *   verification queue instead of being lost.
 * - Sponsorship requests are rate limited per user through Redis.
 * - When the caller's wallet is known, a payment only counts if that wallet
 *   funded it.
 *
 * @dependencies
 * - internal/ledger, internal/verify, internal/sponsor: domain operations.
 * - internal/store: persistence and the verification queue.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/ledger"
	"github.com/transfa/gas-sponsor-service/internal/sponsor"
	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/internal/verify"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// PaymentVerifier checks a payment signature against the chain.
type PaymentVerifier interface {
	Verify(ctx context.Context, signature string, destination, mint solana.PublicKey, minimum uint64) verify.Result
	VerifyWithRetry(ctx context.Context, signature string, destination, mint solana.PublicKey, minimum uint64) (verify.Result, error)
}

// Sponsorer pays network fees for user transactions.
type Sponsorer interface {
	SpendAndSponsor(ctx context.Context, req sponsor.Request) (*sponsor.Outcome, error)
}

// SponsorLimiter enforces the per-user sponsorship quota. Over quota it
// returns a *domain.RateLimitedError.
type SponsorLimiter interface {
	AllowSponsorship(ctx context.Context, userID string) error
}

// TreasuryConfig identifies where credit purchases must be paid.
type TreasuryConfig struct {
	TokenAccount     solana.PublicKey
	Mint             solana.PublicKey
	Network          string
	MinPaymentAmount uint64
}

// CreditService provides the credit and sponsorship use cases.
type CreditService struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	verifier PaymentVerifier
	sponsor  Sponsorer
	limiter  SponsorLimiter
	treasury TreasuryConfig
}

// NewCreditService creates a new credit service instance. limiter may be nil.
func NewCreditService(
	repo store.Repository,
	l *ledger.Ledger,
	verifier PaymentVerifier,
	s Sponsorer,
	limiter SponsorLimiter,
	treasury TreasuryConfig,
) *CreditService {
	return &CreditService{
		repo:     repo,
		ledger:   l,
		verifier: verifier,
		sponsor:  s,
		limiter:  limiter,
		treasury: treasury,
	}
}

// EarnCreditFromPayment verifies a payment the user says they made to the
// treasury and credits what arrived. When the chain cannot answer in time the
// payment stays PENDING, a verification job is queued, and a
// *domain.VerificationTimeoutError is returned with the pending payment.
//
// wallet is the user's own wallet, or empty when unknown. When set, a payment
// that wallet did not fund is withdrawn with domain.ErrPaymentSenderMismatch.
func (s *CreditService) EarnCreditFromPayment(ctx context.Context, userID, signature, wallet string) (*domain.Payment, error) {
	signature = strings.TrimSpace(signature)
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return nil, fmt.Errorf("%w: malformed signature", domain.ErrInvalidTransaction)
	}
	wallet = strings.TrimSpace(wallet)
	if wallet != "" {
		if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
			return nil, fmt.Errorf("%w: malformed wallet", domain.ErrInvalidTransaction)
		}
	}

	payment, err := s.ledger.RecordPending(ctx, ledger.PendingParams{
		UserID:      userID,
		Signature:   signature,
		Destination: s.treasury.TokenAccount.String(),
		Mint:        s.treasury.Mint.String(),
		Network:     s.treasury.Network,
	})
	if err != nil {
		return nil, err
	}
	switch payment.Status {
	case domain.PaymentStatusVerified:
		return payment, domain.ErrDuplicatePayment
	case domain.PaymentStatusFailed, domain.PaymentStatusCancelled:
		return payment, fmt.Errorf("%w: status %s", domain.ErrPaymentClosed, payment.Status)
	}

	result, err := s.verifier.VerifyWithRetry(ctx, signature, s.treasury.TokenAccount, s.treasury.Mint, s.treasury.MinPaymentAmount)
	if err != nil {
		if !errors.Is(err, domain.ErrVerificationTimeout) {
			return nil, err
		}
		if qErr := s.repo.EnqueueVerificationJob(context.WithoutCancel(ctx), payment.ID, userID, signature, wallet); qErr != nil {
			log.Printf("level=error component=credit_service msg=\"failed to queue verification\" user_id=%s signature=%s err=%v", userID, signature, qErr)
			return nil, fmt.Errorf("queue verification: %w", qErr)
		}
		log.Printf("level=warn component=credit_service msg=\"payment unverifiable; queued for retry\" user_id=%s signature=%s", userID, signature)
		return payment, err
	}
	return s.applyVerification(ctx, userID, signature, wallet, result)
}

// applyVerification records a definitive verification answer. Verified
// payments earn credit; mismatches close the payment.
func (s *CreditService) applyVerification(ctx context.Context, userID, signature, wallet string, result verify.Result) (*domain.Payment, error) {
	if !result.Verified {
		reason := "verification failed"
		if result.Err != nil {
			reason = result.Err.Error()
		}
		if err := s.ledger.FailPending(ctx, ledger.FailParams{UserID: userID, Signature: signature, Reason: reason}); err != nil {
			return nil, err
		}
		log.Printf("level=info component=credit_service msg=\"payment rejected\" user_id=%s signature=%s received=%d reason=%q", userID, signature, result.AmountReceived, reason)
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, domain.ErrPaymentMismatch
	}

	if wallet != "" {
		// Validated on entry; a bad value here came from a stored job.
		walletKey, err := solana.PublicKeyFromBase58(wallet)
		if err != nil || !result.SentBy(walletKey) {
			if wErr := s.ledger.WithdrawClaim(ctx, userID, signature); wErr != nil {
				return nil, wErr
			}
			log.Printf("level=warn component=credit_service msg=\"payment claim withdrawn; sender mismatch\" user_id=%s signature=%s wallet=%s senders=%v", userID, signature, wallet, result.Senders)
			return nil, domain.ErrPaymentSenderMismatch
		}
	}

	return s.ledger.Earn(ctx, ledger.EarnParams{
		UserID:      userID,
		Signature:   signature,
		GrossAmount: result.AmountReceived,
		Destination: s.treasury.TokenAccount.String(),
		Mint:        s.treasury.Mint.String(),
		Network:     s.treasury.Network,
		Tier:        result.Tier,
	})
}

func (s *CreditService) GetCreditBalance(ctx context.Context, userID string) (uint64, error) {
	return s.ledger.TotalCredit(ctx, userID)
}

func (s *CreditService) GetPaymentHistory(ctx context.Context, userID string, limit int) ([]*domain.Payment, error) {
	return s.ledger.PaymentHistory(ctx, userID, clampLimit(limit))
}

func (s *CreditService) ListSponsoredTransactions(ctx context.Context, userID string, limit int) ([]*domain.SponsoredTransaction, error) {
	return s.repo.ListSponsoredTransactions(ctx, userID, clampLimit(limit))
}

// SpendAndSponsor applies the per-user quota and hands the request to the
// sponsor. The quota fails open.
func (s *CreditService) SpendAndSponsor(ctx context.Context, req sponsor.Request) (*sponsor.Outcome, error) {
	if s.limiter != nil {
		err := s.limiter.AllowSponsorship(ctx, req.UserID)
		switch {
		case errors.Is(err, domain.ErrRateLimited):
			return nil, err
		case err != nil:
			log.Printf("level=warn component=credit_service msg=\"sponsor quota unavailable; allowing request\" user_id=%s err=%v", req.UserID, err)
		}
	}
	return s.sponsor.SpendAndSponsor(ctx, req)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
