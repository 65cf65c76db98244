package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/ledger"
	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

type fakeReconcileChain struct {
	status      *solanaclient.SignatureStatus
	statusErr   error
	height      uint64
	fee         uint64
	heightCalls int
}

func (f *fakeReconcileChain) SignatureStatus(ctx context.Context, signature solana.Signature) (*solanaclient.SignatureStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeReconcileChain) BlockHeight(ctx context.Context) (uint64, error) {
	f.heightCalls++
	return f.height, nil
}

func (f *fakeReconcileChain) GetConfirmedTransaction(ctx context.Context, signature string) (*solanaclient.ConfirmedTransaction, error) {
	if f.fee == 0 {
		return nil, solanaclient.ErrTransactionNotFound
	}
	return &solanaclient.ConfirmedTransaction{Signature: signature, Fee: f.fee}, nil
}

// reservedSponsorship funds a user and leaves one sponsorship reserved ten
// minutes ago with the given last valid block height.
func reservedSponsorship(t *testing.T, lastValid uint64) (*store.MemoryRepository, *ledger.Ledger, *domain.SponsoredTransaction) {
	t.Helper()
	repo := store.NewMemoryRepository()
	past := time.Now().Add(-10 * time.Minute)
	repo.SetClock(func() time.Time { return past })
	l := ledger.New(repo, "transfa.events")
	ctx := context.Background()

	if _, err := l.Earn(ctx, ledger.EarnParams{UserID: "user-1", Signature: "funding", GrossAmount: 50_000, Tier: domain.TierDirect}); err != nil {
		t.Fatalf("earn: %v", err)
	}
	sponsored, _, err := l.Reserve(ctx, ledger.ReserveParams{
		UserID:               "user-1",
		Amount:               10_000,
		Kind:                 "transfer",
		Network:              "solana-devnet",
		Signature:            newSignature(t),
		LastValidBlockHeight: lastValid,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return repo, l, sponsored
}

func sponsoredStatus(t *testing.T, repo *store.MemoryRepository, id uuid.UUID) *domain.SponsoredTransaction {
	t.Helper()
	row, err := repo.GetSponsoredTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("get sponsored: %v", err)
	}
	return row
}

func TestReconcilerConfirmsLandedTransaction(t *testing.T) {
	repo, l, sponsored := reservedSponsorship(t, 1_000)
	chain := &fakeReconcileChain{status: &solanaclient.SignatureStatus{Found: true, Confirmed: true}, fee: 10_000}

	summary, err := NewSponsorshipReconciler(repo, l, chain, time.Minute).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Scanned != 1 || summary.Confirmed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	row := sponsoredStatus(t, repo, sponsored.ID)
	if row.Status != domain.SponsoredStatusConfirmed || row.FeeLamports != 10_000 {
		t.Fatalf("expected confirmed with fee, got %s fee=%d", row.Status, row.FeeLamports)
	}
	balance, _ := l.TotalCredit(context.Background(), "user-1")
	if balance != 40_000 {
		t.Fatalf("expected credit to stay spent, got %d", balance)
	}
}

func TestReconcilerRefundsExpiredTransaction(t *testing.T) {
	repo, l, sponsored := reservedSponsorship(t, 1_000)
	chain := &fakeReconcileChain{status: &solanaclient.SignatureStatus{}, height: 1_151}

	summary, err := NewSponsorshipReconciler(repo, l, chain, time.Minute).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Refunded != 1 {
		t.Fatalf("expected one refund, got %+v", summary)
	}

	row := sponsoredStatus(t, repo, sponsored.ID)
	if row.Status != domain.SponsoredStatusFailed || !row.Refunded {
		t.Fatalf("expected refunded failure, got %s refunded=%v", row.Status, row.Refunded)
	}
	balance, _ := l.TotalCredit(context.Background(), "user-1")
	if balance != 50_000 {
		t.Fatalf("expected full refund, got %d", balance)
	}
}

func TestReconcilerWaitsWhileBlockhashValid(t *testing.T) {
	repo, l, sponsored := reservedSponsorship(t, 1_000)
	chain := &fakeReconcileChain{status: &solanaclient.SignatureStatus{}, height: 990}

	summary, err := NewSponsorshipReconciler(repo, l, chain, time.Minute).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Pending != 1 {
		t.Fatalf("expected pending, got %+v", summary)
	}
	if row := sponsoredStatus(t, repo, sponsored.ID); row.Status != domain.SponsoredStatusPending {
		t.Fatalf("expected row untouched, got %s", row.Status)
	}
	balance, _ := l.TotalCredit(context.Background(), "user-1")
	if balance != 40_000 {
		t.Fatalf("expected reservation kept, got %d", balance)
	}
}

func TestReconcilerAgesOutRowsWithoutBlockHeight(t *testing.T) {
	tests := []struct {
		name        string
		maxAge      time.Duration
		wantStatus  domain.SponsoredStatus
		wantBalance uint64
	}{
		{name: "older than max age", maxAge: 5 * time.Minute, wantStatus: domain.SponsoredStatusFailed, wantBalance: 50_000},
		{name: "within default max age", wantStatus: domain.SponsoredStatusPending, wantBalance: 40_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, l, sponsored := reservedSponsorship(t, 0)
			chain := &fakeReconcileChain{status: &solanaclient.SignatureStatus{}, height: 1_000_000}
			reconciler := NewSponsorshipReconciler(repo, l, chain, time.Minute)
			if tt.maxAge > 0 {
				reconciler.maxAge = tt.maxAge
			}

			if _, err := reconciler.RunOnce(context.Background()); err != nil {
				t.Fatalf("run: %v", err)
			}
			row := sponsoredStatus(t, repo, sponsored.ID)
			if row.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, row.Status)
			}
			balance, _ := l.TotalCredit(context.Background(), "user-1")
			if balance != tt.wantBalance {
				t.Fatalf("expected balance %d, got %d", tt.wantBalance, balance)
			}
			if chain.heightCalls != 0 {
				t.Fatalf("expected no block height lookups, got %d", chain.heightCalls)
			}
		})
	}
}

func TestReconcilerRefundsOnChainFailure(t *testing.T) {
	repo, l, sponsored := reservedSponsorship(t, 1_000)
	chain := &fakeReconcileChain{status: &solanaclient.SignatureStatus{Found: true, Failed: true, ErrDetail: "InstructionError"}}

	if _, err := NewSponsorshipReconciler(repo, l, chain, time.Minute).RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	row := sponsoredStatus(t, repo, sponsored.ID)
	if row.Status != domain.SponsoredStatusFailed {
		t.Fatalf("expected failed, got %s", row.Status)
	}
	if chain.heightCalls != 0 {
		t.Fatalf("block height should not be needed, got %d calls", chain.heightCalls)
	}
}

func TestReconcilerLeavesRowsOnRPCError(t *testing.T) {
	repo, l, sponsored := reservedSponsorship(t, 1_000)
	chain := &fakeReconcileChain{statusErr: errors.New("429 too many requests")}

	summary, err := NewSponsorshipReconciler(repo, l, chain, time.Minute).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Pending != 1 || summary.Refunded != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if row := sponsoredStatus(t, repo, sponsored.ID); row.Status != domain.SponsoredStatusPending {
		t.Fatalf("expected row untouched, got %s", row.Status)
	}
}

func TestReconcilerSkipsRecentRows(t *testing.T) {
	repo, l, _ := reservedSponsorship(t, 1_000)
	chain := &fakeReconcileChain{status: &solanaclient.SignatureStatus{}, height: 5_000}

	summary, err := NewSponsorshipReconciler(repo, l, chain, time.Hour).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Scanned != 0 {
		t.Fatalf("expected nothing old enough, got %+v", summary)
	}
}
