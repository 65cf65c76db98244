/**
 * @description
 * Payment verification against confirmed Solana transactions.
 * A transaction is fetched once per attempt and run through an ordered list
 * of strategies; the first match wins and its confidence tier is reported
 * with the result.
 *
 * @notes
 * - Verification is a pure read. Granting credit at most once is enforced by
 *   the ledger's unique signature, not here.
 * - The heuristic tier is off unless explicitly enabled and is always logged
 *   when it is the reason a payment verified.
 */

package verify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

// ErrTransactionUnavailable marks attempts where the chain gave no usable
// answer yet. Only these are retried.
var ErrTransactionUnavailable = errors.New("transaction not available yet")

// ChainReader is the chain read the verifier depends on.
type ChainReader interface {
	GetConfirmedTransaction(ctx context.Context, signature string) (*solanaclient.ConfirmedTransaction, error)
}

// Result is the outcome of verifying one payment signature.
type Result struct {
	Verified       bool
	AmountReceived uint64
	Tier           domain.VerificationTier
	Strategy       string
	Senders        []solana.PublicKey // wallets that funded a verified payment
	Err            error
}

// SentBy reports whether wallet funded the payment.
func (r Result) SentBy(wallet solana.PublicKey) bool {
	for _, sender := range r.Senders {
		if sender.Equals(wallet) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds how long the verifier waits for a transaction to land.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	RetryDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		RetryDelay:   time.Second,
	}
}

type Verifier struct {
	chain      ChainReader
	strategies []Strategy
	policy     RetryPolicy
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Verifier)

func WithStrategies(strategies ...Strategy) Option {
	return func(v *Verifier) { v.strategies = strategies }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(v *Verifier) { v.policy = policy }
}

// WithSleep replaces the delay between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(v *Verifier) { v.sleep = sleep }
}

func NewVerifier(chain ChainReader, opts ...Option) *Verifier {
	v := &Verifier{
		chain:      chain,
		strategies: DefaultStrategies(false),
		policy:     DefaultRetryPolicy(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.policy.MaxAttempts < 1 {
		v.policy.MaxAttempts = 1
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Verify makes a single attempt. A Result whose Err wraps
// ErrTransactionUnavailable is not definitive.
func (v *Verifier) Verify(ctx context.Context, signature string, destination, mint solana.PublicKey, minimum uint64) Result {
	tx, err := v.chain.GetConfirmedTransaction(ctx, signature)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrTransactionUnavailable, err)}
	}
	return v.Evaluate(tx, Expectation{Destination: destination, Mint: mint, MinAmount: minimum})
}

// Evaluate runs the strategies against an already fetched transaction.
func (v *Verifier) Evaluate(tx *solanaclient.ConfirmedTransaction, exp Expectation) Result {
	if !tx.Succeeded() {
		return Result{Err: fmt.Errorf("%w: transaction failed on chain: %s", domain.ErrPaymentMismatch, tx.ErrDetail)}
	}

	var observed uint64
	for _, strategy := range v.strategies {
		obs := strategy.Evaluate(tx, exp)
		if obs.Matched {
			if strategy.Tier() == domain.TierHeuristic {
				log.Printf("level=warn component=verifier msg=\"payment verified heuristically\" signature=%s amount=%d strategy=%s", tx.Signature, obs.Amount, strategy.Name())
			}
			return Result{
				Verified:       true,
				AmountReceived: obs.Amount,
				Tier:           strategy.Tier(),
				Strategy:       strategy.Name(),
				Senders:        payers(tx, exp),
			}
		}
		// A heuristic reading says nothing about the destination.
		if strategy.Tier() != domain.TierHeuristic && obs.Amount > observed {
			observed = obs.Amount
		}
	}

	return Result{
		AmountReceived: observed,
		Err: fmt.Errorf("%w: destination %s received %d, expected at least %d",
			domain.ErrPaymentMismatch, exp.Destination, observed, exp.MinAmount),
	}
}

// VerifyWithRetry waits for the transaction to land and verifies it, making
// at most policy.MaxAttempts attempts. The first wait is InitialDelay, later
// ones RetryDelay. A definitive answer, positive or negative, is returned
// with a nil error. When every attempt found nothing usable it returns a
// *domain.VerificationTimeoutError.
func (v *Verifier) VerifyWithRetry(ctx context.Context, signature string, destination, mint solana.PublicKey, minimum uint64) (Result, error) {
	var last Result
	for attempt := 1; attempt <= v.policy.MaxAttempts; attempt++ {
		delay := v.policy.RetryDelay
		if attempt == 1 {
			delay = v.policy.InitialDelay
		}
		if err := v.sleep(ctx, delay); err != nil {
			return Result{Err: err}, err
		}

		last = v.Verify(ctx, signature, destination, mint, minimum)
		if last.Err == nil || !errors.Is(last.Err, ErrTransactionUnavailable) {
			return last, nil
		}
		log.Printf("level=info component=verifier msg=\"transaction not available\" signature=%s attempt=%d max_attempts=%d err=%v", signature, attempt, v.policy.MaxAttempts, last.Err)
	}

	timeout := &domain.VerificationTimeoutError{
		Signature: signature,
		Attempts:  v.policy.MaxAttempts,
		LastErr:   last.Err,
	}
	return Result{Err: timeout}, timeout
}
