package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/internal/sponsor"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

const (
	defaultReconcileLimit  = 100
	defaultReconcileMinAge = time.Minute
	baseFeeLamports        = 5000
	// Blockhashes live about 150 blocks. Rows without a recorded last valid
	// height are treated as expired once they are far older than that.
	defaultUnboundedMaxAge = 15 * time.Minute
)

// ReconcileChain is the chain read surface the reconciler needs.
type ReconcileChain interface {
	SignatureStatus(ctx context.Context, signature solana.Signature) (*solanaclient.SignatureStatus, error)
	BlockHeight(ctx context.Context) (uint64, error)
	GetConfirmedTransaction(ctx context.Context, signature string) (*solanaclient.ConfirmedTransaction, error)
}

// ReconcileSummary counts what one reconciliation pass did.
type ReconcileSummary struct {
	Scanned   int
	Confirmed int
	Refunded  int
	Pending   int
}

// SponsorshipReconciler settles sponsorships whose outcome was unknown when
// the request returned. A transaction is only ever refunded once the chain
// has either rejected it or moved past the last block height at which it
// could land.
type SponsorshipReconciler struct {
	repo   store.Repository
	ledger sponsor.Ledger
	chain  ReconcileChain
	minAge time.Duration
	maxAge time.Duration
	limit  int
	now    func() time.Time
}

func NewSponsorshipReconciler(repo store.Repository, l sponsor.Ledger, chain ReconcileChain, minAge time.Duration) *SponsorshipReconciler {
	if minAge <= 0 {
		minAge = defaultReconcileMinAge
	}
	return &SponsorshipReconciler{
		repo:   repo,
		ledger: l,
		chain:  chain,
		minAge: minAge,
		maxAge: defaultUnboundedMaxAge,
		limit:  defaultReconcileLimit,
		now:    time.Now,
	}
}

// Run is the cron entry point.
func (r *SponsorshipReconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	summary, err := r.RunOnce(ctx)
	if err != nil {
		log.Printf("level=error component=reconciler msg=\"run failed\" err=%v", err)
		return
	}
	if summary.Scanned > 0 {
		log.Printf("level=info component=reconciler msg=\"run complete\" scanned=%d confirmed=%d refunded=%d pending=%d", summary.Scanned, summary.Confirmed, summary.Refunded, summary.Pending)
	}
}

func (r *SponsorshipReconciler) RunOnce(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	rows, err := r.repo.ListUnsettledSponsoredTransactions(ctx, r.now().Add(-r.minAge), r.limit)
	if err != nil {
		return summary, fmt.Errorf("list unsettled sponsorships: %w", err)
	}

	var height uint64
	heightLoaded := false
	for _, row := range rows {
		summary.Scanned++
		outcome, err := r.reconcile(ctx, row, func() (uint64, error) {
			if heightLoaded {
				return height, nil
			}
			h, err := r.chain.BlockHeight(ctx)
			if err != nil {
				return 0, err
			}
			height, heightLoaded = h, true
			return height, nil
		})
		if err != nil {
			log.Printf("level=warn component=reconciler msg=\"reconcile failed\" sponsored_id=%s err=%v", row.ID, err)
			summary.Pending++
			continue
		}
		switch outcome {
		case domain.SponsoredStatusConfirmed:
			summary.Confirmed++
		case domain.SponsoredStatusFailed:
			summary.Refunded++
		default:
			summary.Pending++
		}
	}
	return summary, nil
}

func (r *SponsorshipReconciler) reconcile(ctx context.Context, row *domain.SponsoredTransaction, blockHeight func() (uint64, error)) (domain.SponsoredStatus, error) {
	if row.Signature == nil || *row.Signature == "" {
		_, err := r.ledger.FailAndRefund(ctx, row.UserID, row.ID, "never signed")
		return domain.SponsoredStatusFailed, err
	}
	sig, err := solana.SignatureFromBase58(*row.Signature)
	if err != nil {
		_, err := r.ledger.FailAndRefund(ctx, row.UserID, row.ID, "invalid signature")
		return domain.SponsoredStatusFailed, err
	}

	status, err := r.chain.SignatureStatus(ctx, sig)
	if err != nil {
		return row.Status, err
	}

	switch {
	case status.Found && status.Failed:
		if _, err := r.ledger.FailAndRefund(ctx, row.UserID, row.ID, "on-chain error: "+status.ErrDetail); err != nil {
			return row.Status, err
		}
		log.Printf("level=info component=reconciler msg=\"sponsorship failed on chain; refunded\" sponsored_id=%s signature=%s", row.ID, sig)
		return domain.SponsoredStatusFailed, nil
	case status.Found && status.Confirmed:
		if row.Status == domain.SponsoredStatusPending {
			if _, err := r.ledger.MarkSubmitted(ctx, row.UserID, row.ID); err != nil {
				return row.Status, err
			}
		}
		if _, err := r.ledger.Confirm(ctx, row.UserID, row.ID, r.feeFor(ctx, sig)); err != nil {
			return row.Status, err
		}
		log.Printf("level=info component=reconciler msg=\"sponsorship confirmed\" sponsored_id=%s signature=%s", row.ID, sig)
		return domain.SponsoredStatusConfirmed, nil
	case status.Found:
		// Processed but not yet confirmed.
		return row.Status, nil
	}

	if row.LastValidBlockHeight == 0 {
		age := r.now().Sub(row.CreatedAt)
		if age <= r.maxAge {
			return row.Status, nil
		}
		if _, err := r.ledger.FailAndRefund(ctx, row.UserID, row.ID, "expired"); err != nil {
			return row.Status, err
		}
		log.Printf("level=info component=reconciler msg=\"sponsorship without block height aged out; refunded\" sponsored_id=%s signature=%s age=%s", row.ID, sig, age.Round(time.Second))
		return domain.SponsoredStatusFailed, nil
	}

	height, err := blockHeight()
	if err != nil {
		return row.Status, err
	}
	if height <= row.LastValidBlockHeight {
		return row.Status, nil
	}
	if _, err := r.ledger.FailAndRefund(ctx, row.UserID, row.ID, "expired"); err != nil {
		return row.Status, err
	}
	log.Printf("level=info component=reconciler msg=\"sponsorship expired; refunded\" sponsored_id=%s signature=%s block_height=%d last_valid=%d", row.ID, sig, height, row.LastValidBlockHeight)
	return domain.SponsoredStatusFailed, nil
}

func (r *SponsorshipReconciler) feeFor(ctx context.Context, sig solana.Signature) uint64 {
	tx, err := r.chain.GetConfirmedTransaction(ctx, sig.String())
	if err != nil || tx.Fee == 0 {
		return baseFeeLamports
	}
	return tx.Fee
}
