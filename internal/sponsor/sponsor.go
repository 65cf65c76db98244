/**
 * @description
 * Spend-and-sponsor flow. Credit is reserved before the user's signer is
 * asked to authorize anything, and every definite failure after that point
 * refunds the reservation. Outcomes the service cannot know (a signer that
 * timed out, a submission whose response was lost) leave the reservation
 * in place for the reconciler, keyed by the precomputed transaction id.
 *
 * @notes
 * - The transaction is submitted once. It is never re-signed or rebuilt with
 *   a fresh blockhash, so it can land at most once.
 * - Compensating writes run on a context detached from the caller's so a
 *   disconnected client cannot strand a reservation.
 */

package sponsor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/ledger"
	"github.com/transfa/gas-sponsor-service/pkg/signerclient"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

// lamportsPerSignature is the base network fee, used when the landed
// transaction cannot be read back for its exact fee.
const lamportsPerSignature = 5000

// Chain is the slice of the RPC client the sponsor needs.
type Chain interface {
	LatestBlockhash(ctx context.Context) (*solanaclient.Blockhash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, signature solana.Signature) (*solanaclient.SignatureStatus, error)
	GetConfirmedTransaction(ctx context.Context, signature string) (*solanaclient.ConfirmedTransaction, error)
}

// Signer is the user's custodial signer.
type Signer interface {
	Prepare(ctx context.Context, accountID string, unsignedTx []byte, fee signerclient.FeeConfig) (*signerclient.PreparedTransaction, error)
	Sign(ctx context.Context, session signerclient.Session, prepared *signerclient.PreparedTransaction) ([]byte, error)
}

// Ledger is the credit ledger surface used for reservation and settlement.
type Ledger interface {
	Reserve(ctx context.Context, params ledger.ReserveParams) (*domain.SponsoredTransaction, *domain.SpendResult, error)
	MarkSubmitted(ctx context.Context, userID string, id uuid.UUID) (*domain.SponsoredTransaction, error)
	Confirm(ctx context.Context, userID string, id uuid.UUID, feeLamports uint64) (*domain.SponsoredTransaction, error)
	FailAndRefund(ctx context.Context, userID string, id uuid.UUID, reason string) (*domain.SponsoredTransaction, error)
}

type Config struct {
	FeePayer       solana.PrivateKey
	CreditCost     uint64
	Network        string
	SignerTimeout  time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Sponsor struct {
	chain  Chain
	signer Signer
	ledger Ledger
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(chain Chain, signer Signer, l Ledger, cfg Config) *Sponsor {
	if cfg.SignerTimeout <= 0 {
		cfg.SignerTimeout = 20 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Sponsor{chain: chain, signer: signer, ledger: l, cfg: cfg, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Request is a user's ask to have a transaction's network fee paid.
type Request struct {
	UserID     string
	AccountID  string
	Session    signerclient.Session
	UnsignedTx []byte
	Kind       string
}

// Outcome describes where a sponsorship ended up. Status is SUBMITTED when
// the transaction was accepted by the network but not yet seen confirmed.
type Outcome struct {
	Sponsored *domain.SponsoredTransaction
	Spend     *domain.SpendResult
	Signature string
	Status    domain.SponsoredStatus
}

func (s *Sponsor) FeePayer() solana.PublicKey {
	return s.cfg.FeePayer.PublicKey()
}

// SpendAndSponsor reserves credit, collects the user's signature over a
// server-paid message, co-signs, submits once and waits briefly for
// confirmation.
func (s *Sponsor) SpendAndSponsor(ctx context.Context, req Request) (*Outcome, error) {
	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	draft, err := NewDraft(req.UnsignedTx, s.FeePayer(), *blockhash)
	if err != nil {
		return nil, err
	}
	expected, err := draft.ExpectedSignature(s.cfg.FeePayer)
	if err != nil {
		return nil, err
	}

	sponsored, spent, err := s.ledger.Reserve(ctx, ledger.ReserveParams{
		UserID:               req.UserID,
		Amount:               s.cfg.CreditCost,
		Kind:                 req.Kind,
		Network:              s.cfg.Network,
		Signature:            expected.String(),
		LastValidBlockHeight: draft.LastValidBlockHeight(),
	})
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Sponsored: sponsored, Spend: spent, Signature: expected.String(), Status: sponsored.Status}
	ambiguous := func(cause error) error {
		log.Printf("level=warn component=sponsor msg=\"sponsorship outcome unknown; left for reconciler\" user_id=%s sponsored_id=%s signature=%s err=%v", req.UserID, sponsored.ID, expected, cause)
		return &domain.SubmissionAmbiguousError{SponsoredID: sponsored.ID.String(), Signature: expected.String(), Cause: cause}
	}

	signedTx, err := s.collectSignature(ctx, req, draft)
	if err != nil {
		if signerclient.IsRejection(err) {
			s.refund(ctx, req.UserID, sponsored.ID, err.Error())
			return nil, mapSignerError(err)
		}
		if errors.Is(err, errPrepareFailed) {
			s.refund(ctx, req.UserID, sponsored.ID, err.Error())
			return nil, err
		}
		return nil, ambiguous(err)
	}

	authorized, err := draft.Authorize(signedTx)
	if err != nil {
		s.refund(ctx, req.UserID, sponsored.ID, err.Error())
		return nil, err
	}
	ready, err := authorized.CoSign(s.cfg.FeePayer)
	if err != nil {
		s.refund(ctx, req.UserID, sponsored.ID, err.Error())
		return nil, err
	}

	sig, err := s.chain.SendTransaction(ctx, ready.Transaction())
	if err != nil {
		if solanaclient.IsDefiniteRejection(err) {
			s.refund(ctx, req.UserID, sponsored.ID, "rejected: "+err.Error())
			return nil, fmt.Errorf("%w: %v", domain.ErrSubmissionRejected, err)
		}
		return nil, ambiguous(err)
	}
	if sig != ready.Signature() {
		log.Printf("level=warn component=sponsor msg=\"node returned unexpected signature\" expected=%s got=%s", ready.Signature(), sig)
	}

	settleCtx := context.WithoutCancel(ctx)
	submitted, err := s.ledger.MarkSubmitted(settleCtx, req.UserID, sponsored.ID)
	if err != nil {
		return nil, ambiguous(fmt.Errorf("record submission: %w", err))
	}
	outcome.Sponsored = submitted
	outcome.Status = submitted.Status
	log.Printf("level=info component=sponsor msg=\"sponsored transaction submitted\" user_id=%s sponsored_id=%s signature=%s", req.UserID, sponsored.ID, expected)

	status, err := s.awaitConfirmation(ctx, ready.Signature())
	if err != nil || status == nil || (!status.Confirmed && !status.Failed) {
		// Still in flight; the reconciler settles it.
		return outcome, nil
	}
	if status.Failed {
		failed, refundErr := s.ledger.FailAndRefund(settleCtx, req.UserID, sponsored.ID, "on-chain error: "+status.ErrDetail)
		if refundErr != nil {
			log.Printf("level=error component=sponsor msg=\"refund after on-chain failure failed\" sponsored_id=%s err=%v", sponsored.ID, refundErr)
		} else {
			outcome.Sponsored = failed
			outcome.Status = failed.Status
		}
		return outcome, fmt.Errorf("%w: transaction failed on chain: %s", domain.ErrSubmissionRejected, status.ErrDetail)
	}

	confirmed, err := s.ledger.Confirm(settleCtx, req.UserID, sponsored.ID, s.feeFor(settleCtx, ready))
	if err != nil {
		log.Printf("level=error component=sponsor msg=\"failed to record confirmation\" sponsored_id=%s err=%v", sponsored.ID, err)
		return outcome, nil
	}
	outcome.Sponsored = confirmed
	outcome.Status = confirmed.Status
	return outcome, nil
}

var errPrepareFailed = errors.New("signer prepare failed")

// collectSignature runs prepare and sign under the signer timeout. Nothing can
// have been signed before prepare succeeds, so any prepare failure is
// definite.
func (s *Sponsor) collectSignature(ctx context.Context, req Request, draft *FeePayerFixed) ([]byte, error) {
	signerCtx, cancel := context.WithTimeout(ctx, s.cfg.SignerTimeout)
	defer cancel()

	unsigned, err := draft.UnsignedTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPrepareFailed, err)
	}
	prepared, err := s.signer.Prepare(signerCtx, req.AccountID, unsigned, signerclient.FeeConfig{
		FeePayer:  draft.FeePayer().String(),
		Sponsored: true,
	})
	if err != nil {
		if signerclient.IsRejection(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errPrepareFailed, err)
	}
	return s.signer.Sign(signerCtx, req.Session, prepared)
}

func mapSignerError(err error) error {
	if errors.Is(err, signerclient.ErrSessionExpired) {
		return domain.ErrSignerSessionExpired
	}
	var errResp *signerclient.ErrorResponse
	if errors.As(err, &errResp) {
		return &domain.SignerRejectedError{StatusCode: errResp.StatusCode, Reason: errResp.Message}
	}
	return err
}

func (s *Sponsor) refund(ctx context.Context, userID string, id uuid.UUID, reason string) {
	if _, err := s.ledger.FailAndRefund(context.WithoutCancel(ctx), userID, id, reason); err != nil {
		log.Printf("level=error component=sponsor msg=\"failed to refund reservation\" user_id=%s sponsored_id=%s err=%v", userID, id, err)
		return
	}
	log.Printf("level=info component=sponsor msg=\"reservation refunded\" user_id=%s sponsored_id=%s reason=%q", userID, id, reason)
}

// awaitConfirmation polls the signature until it is confirmed, failed, or
// the confirm timeout passes. A nil status with a nil error means unknown.
func (s *Sponsor) awaitConfirmation(ctx context.Context, sig solana.Signature) (*solanaclient.SignatureStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	for {
		status, err := s.chain.SignatureStatus(pollCtx, sig)
		if err != nil {
			log.Printf("level=warn component=sponsor msg=\"signature status lookup failed\" signature=%s err=%v", sig, err)
		} else if status.Found && (status.Confirmed || status.Failed) {
			return status, nil
		}
		if err := s.sleep(pollCtx, s.cfg.PollInterval); err != nil {
			return nil, nil
		}
	}
}

func (s *Sponsor) feeFor(ctx context.Context, ready *ReadyTransaction) uint64 {
	tx, err := s.chain.GetConfirmedTransaction(ctx, ready.Signature().String())
	if err == nil && tx.Fee > 0 {
		return tx.Fee
	}
	return uint64(len(ready.Transaction().Signatures)) * lamportsPerSignature
}
