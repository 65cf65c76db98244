package sponsor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/ledger"
	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/pkg/signerclient"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

const creditCost = 10_000

func newPrivateKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

// clientTransaction builds what a wallet would send: a memo the user must
// sign, paid for by the user, signed over the user-paid message.
func clientTransaction(t *testing.T, user solana.PrivateKey) ([]byte, *solana.Transaction) {
	t.Helper()
	tx, err := solana.NewTransactionBuilder().
		AddInstruction(solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
			solana.Meta(user.PublicKey()).SIGNER().WRITE(),
		}, []byte("pay rent"))).
		SetRecentBlockHash(solana.Hash{9}).
		SetFeePayer(user.PublicKey()).
		Build()
	require.NoError(t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(user.PublicKey()) {
			return &user
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw, tx
}

func signAs(t *testing.T, user solana.PrivateKey, unsigned []byte, tamper func(*solana.Transaction)) []byte {
	t.Helper()
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(unsigned))
	require.NoError(t, err)
	if tamper != nil {
		tamper(tx)
	}
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	sig, err := user.Sign(msg)
	require.NoError(t, err)
	idx, err := tx.GetAccountIndex(user.PublicKey())
	require.NoError(t, err)
	tx.Signatures[idx] = sig
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

var testBlockhash = solanaclient.Blockhash{Hash: solana.Hash{7, 7, 7}, LastValidBlockHeight: 1_000}

func TestDraftMakesServerFeePayer(t *testing.T) {
	user, payer := newPrivateKey(t), newPrivateKey(t)
	raw, _ := clientTransaction(t, user)

	draft, err := NewDraft(raw, payer.PublicKey(), testBlockhash)
	require.NoError(t, err)

	signers := draft.RequiredSigners()
	require.Len(t, signers, 2)
	assert.Equal(t, payer.PublicKey(), signers[0])
	assert.Equal(t, user.PublicKey(), signers[1])
	assert.Equal(t, uint64(1_000), draft.LastValidBlockHeight())

	unsigned, err := draft.UnsignedTransaction()
	require.NoError(t, err)
	decoded, err := solana.TransactionFromDecoder(bin.NewBinDecoder(unsigned))
	require.NoError(t, err)
	assert.Equal(t, testBlockhash.Hash, decoded.Message.RecentBlockhash)
	require.Len(t, decoded.Signatures, 2)
	assert.Equal(t, solana.Signature{}, decoded.Signatures[0])
}

func TestFeePayerSubstitutionInvalidatesEarlierSignatures(t *testing.T) {
	user, payer := newPrivateKey(t), newPrivateKey(t)
	raw, original := clientTransaction(t, user)

	draft, err := NewDraft(raw, payer.PublicKey(), testBlockhash)
	require.NoError(t, err)

	// The signature the user made over their own fee-paying message does not
	// cover the server-paid message.
	assert.False(t, original.Signatures[0].Verify(user.PublicKey(), draft.MessageBytes()))

	// Nor does a signature over one server-paid draft cover another fee payer.
	unsigned, err := draft.UnsignedTransaction()
	require.NoError(t, err)
	signed := signAs(t, user, unsigned, nil)

	other, err := NewDraft(raw, newPrivateKey(t).PublicKey(), testBlockhash)
	require.NoError(t, err)
	_, err = other.Authorize(signed)
	assert.True(t, errors.Is(err, domain.ErrMessageTampered))
}

func TestAuthorizeAndCoSign(t *testing.T) {
	user, payer := newPrivateKey(t), newPrivateKey(t)
	raw, _ := clientTransaction(t, user)
	draft, err := NewDraft(raw, payer.PublicKey(), testBlockhash)
	require.NoError(t, err)

	expected, err := draft.ExpectedSignature(payer)
	require.NoError(t, err)

	unsigned, err := draft.UnsignedTransaction()
	require.NoError(t, err)
	authorized, err := draft.Authorize(signAs(t, user, unsigned, nil))
	require.NoError(t, err)

	ready, err := authorized.CoSign(payer)
	require.NoError(t, err)
	assert.Equal(t, expected, ready.Signature())
	require.NoError(t, ready.Transaction().VerifySignatures())

	_, err = authorized.CoSign(newPrivateKey(t))
	assert.Error(t, err, "only the fixed fee payer may co-sign")
}

func TestAuthorizeRejectsTamperedMessage(t *testing.T) {
	user, payer := newPrivateKey(t), newPrivateKey(t)
	raw, _ := clientTransaction(t, user)
	draft, err := NewDraft(raw, payer.PublicKey(), testBlockhash)
	require.NoError(t, err)
	unsigned, err := draft.UnsignedTransaction()
	require.NoError(t, err)

	signed := signAs(t, user, unsigned, func(tx *solana.Transaction) {
		tx.Message.Instructions[0].Data = solana.Base58("drain")
	})
	_, err = draft.Authorize(signed)
	assert.True(t, errors.Is(err, domain.ErrMessageTampered))
}

func TestAuthorizeRequiresUserSignature(t *testing.T) {
	user, payer := newPrivateKey(t), newPrivateKey(t)
	raw, _ := clientTransaction(t, user)
	draft, err := NewDraft(raw, payer.PublicKey(), testBlockhash)
	require.NoError(t, err)
	unsigned, err := draft.UnsignedTransaction()
	require.NoError(t, err)

	_, err = draft.Authorize(unsigned)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransaction))
}

func TestDraftRejectsInstructionSpendingFeePayer(t *testing.T) {
	user, payer := newPrivateKey(t), newPrivateKey(t)
	tx, err := solana.NewTransactionBuilder().
		AddInstruction(solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
			solana.Meta(payer.PublicKey()).SIGNER().WRITE(),
			solana.Meta(user.PublicKey()).WRITE(),
		}, []byte{2, 0, 0, 0, 0, 202, 154, 59, 0, 0, 0, 0})).
		SetRecentBlockHash(solana.Hash{1}).
		SetFeePayer(user.PublicKey()).
		Build()
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	_, err = NewDraft(raw, payer.PublicKey(), testBlockhash)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransaction))
}

func TestDraftRejectsAnyFeePayerReference(t *testing.T) {
	user, payer, attacker := newPrivateKey(t), newPrivateKey(t), newPrivateKey(t)
	transfer := []byte{2, 0, 0, 0, 0, 202, 154, 59, 0, 0, 0, 0}

	tests := []struct {
		name         string
		payerKey     solana.PublicKey
		instructions []solana.Instruction
	}{
		{
			name:     "read-only fee payer as transfer source",
			payerKey: user.PublicKey(),
			instructions: []solana.Instruction{
				solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
					solana.Meta(user.PublicKey()).SIGNER(),
				}, []byte("cover")),
				solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
					solana.Meta(payer.PublicKey()),
					solana.Meta(attacker.PublicKey()).WRITE(),
				}, transfer),
			},
		},
		{
			name:     "only the server would sign",
			payerKey: user.PublicKey(),
			instructions: []solana.Instruction{
				solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
					solana.Meta(attacker.PublicKey()),
				}, []byte("no signer")),
			},
		},
		{
			name:     "client already names server as payer",
			payerKey: payer.PublicKey(),
			instructions: []solana.Instruction{
				solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
					solana.Meta(user.PublicKey()).SIGNER(),
				}, []byte("memo")),
			},
		},
		{
			name:     "original payer dropped from signers",
			payerKey: attacker.PublicKey(),
			instructions: []solana.Instruction{
				solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
					solana.Meta(user.PublicKey()).SIGNER(),
				}, []byte("memo")),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := solana.NewTransactionBuilder()
			for _, ix := range tt.instructions {
				builder.AddInstruction(ix)
			}
			tx, err := builder.
				SetRecentBlockHash(solana.Hash{1}).
				SetFeePayer(tt.payerKey).
				Build()
			require.NoError(t, err)
			raw, err := tx.MarshalBinary()
			require.NoError(t, err)

			_, err = NewDraft(raw, payer.PublicKey(), testBlockhash)
			assert.True(t, errors.Is(err, domain.ErrInvalidTransaction), "got %v", err)
		})
	}
}

func TestDraftRequiresUserSignerBesidesFeePayer(t *testing.T) {
	user, payer := newPrivateKey(t), newPrivateKey(t)
	raw, _ := clientTransaction(t, user)
	draft, err := NewDraft(raw, payer.PublicKey(), testBlockhash)
	require.NoError(t, err)

	signers := draft.RequiredSigners()
	require.Len(t, signers, 2)
	assert.True(t, signers[0].Equals(payer.PublicKey()))
	assert.True(t, signers[1].Equals(user.PublicKey()))
}

func TestDraftRejectsGarbage(t *testing.T) {
	_, err := NewDraft([]byte{1, 2, 3}, newPrivateKey(t).PublicKey(), testBlockhash)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransaction))
}

type fakeSigner struct {
	t           *testing.T
	user        solana.PrivateKey
	prepareErr  error
	signErr     error
	tamper      func(*solana.Transaction)
	unsigned    []byte
	signCalls   int
	lastFeeConf signerclient.FeeConfig
}

func (f *fakeSigner) Prepare(_ context.Context, accountID string, unsignedTx []byte, fee signerclient.FeeConfig) (*signerclient.PreparedTransaction, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.unsigned = unsignedTx
	f.lastFeeConf = fee
	return &signerclient.PreparedTransaction{ID: "prep-1", AccountID: accountID}, nil
}

func (f *fakeSigner) Sign(_ context.Context, _ signerclient.Session, _ *signerclient.PreparedTransaction) ([]byte, error) {
	f.signCalls++
	if f.signErr != nil {
		return nil, f.signErr
	}
	return signAs(f.t, f.user, f.unsigned, f.tamper), nil
}

type fakeChain struct {
	sendErr   error
	status    *solanaclient.SignatureStatus
	sendCalls int
	sent      *solana.Transaction
}

func (f *fakeChain) LatestBlockhash(context.Context) (*solanaclient.Blockhash, error) {
	bh := testBlockhash
	return &bh, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = tx
	return tx.Signatures[0], nil
}

func (f *fakeChain) SignatureStatus(context.Context, solana.Signature) (*solanaclient.SignatureStatus, error) {
	if f.status == nil {
		return &solanaclient.SignatureStatus{}, nil
	}
	return f.status, nil
}

func (f *fakeChain) GetConfirmedTransaction(_ context.Context, signature string) (*solanaclient.ConfirmedTransaction, error) {
	return &solanaclient.ConfirmedTransaction{Signature: signature, Fee: 10_000}, nil
}

type harness struct {
	sponsor *Sponsor
	ledger  *ledger.Ledger
	repo    *store.MemoryRepository
	chain   *fakeChain
	signer  *fakeSigner
	user    solana.PrivateKey
	raw     []byte
}

func newHarness(t *testing.T, credit uint64) *harness {
	t.Helper()
	repo := store.NewMemoryRepository()
	l := ledger.New(repo, "transfa.events")
	if credit > 0 {
		_, err := l.Earn(context.Background(), ledger.EarnParams{
			UserID: "user-1", Signature: "payment-1", GrossAmount: credit,
			Destination: "treasury", Mint: "usdc", Network: "solana-devnet", Tier: domain.TierDirect,
		})
		require.NoError(t, err)
	}

	user := newPrivateKey(t)
	raw, _ := clientTransaction(t, user)
	chain := &fakeChain{status: &solanaclient.SignatureStatus{Found: true, Confirmed: true}}
	signer := &fakeSigner{t: t, user: user}
	s := New(chain, signer, l, Config{
		FeePayer:   newPrivateKey(t),
		CreditCost: creditCost,
		Network:    "solana-devnet",
	})
	s.sleep = func(context.Context, time.Duration) error { return errors.New("stop polling") }
	return &harness{sponsor: s, ledger: l, repo: repo, chain: chain, signer: signer, user: user, raw: raw}
}

func (h *harness) request() Request {
	return Request{UserID: "user-1", AccountID: "acct-1", Session: signerclient.Session{Token: "s"}, UnsignedTx: h.raw, Kind: "transfer"}
}

func (h *harness) balance(t *testing.T) uint64 {
	t.Helper()
	total, err := h.ledger.TotalCredit(context.Background(), "user-1")
	require.NoError(t, err)
	return total
}

func (h *harness) onlySponsored(t *testing.T) *domain.SponsoredTransaction {
	t.Helper()
	rows, err := h.repo.ListSponsoredTransactions(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestSpendAndSponsorConfirms(t *testing.T) {
	h := newHarness(t, 50_000)

	outcome, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, domain.SponsoredStatusConfirmed, outcome.Status)
	assert.Equal(t, uint64(40_000), h.balance(t))

	require.NotNil(t, h.chain.sent)
	assert.Equal(t, h.sponsor.FeePayer(), h.chain.sent.Message.AccountKeys[0])
	assert.Equal(t, h.chain.sent.Signatures[0].String(), outcome.Signature)
	assert.True(t, h.signer.lastFeeConf.Sponsored)

	row := h.onlySponsored(t)
	assert.Equal(t, domain.SponsoredStatusConfirmed, row.Status)
	assert.Equal(t, uint64(10_000), row.FeeLamports)
	require.NotNil(t, row.Signature)
	assert.Equal(t, outcome.Signature, *row.Signature)
}

func TestSpendAndSponsorInsufficientCreditNeverAsksSigner(t *testing.T) {
	h := newHarness(t, 5_000)

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	var insufficient *domain.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, uint64(5_000), insufficient.Shortfall())
	assert.Nil(t, h.signer.unsigned)
	assert.Equal(t, uint64(5_000), h.balance(t))
}

func TestSpendAndSponsorRefundsExpiredSession(t *testing.T) {
	h := newHarness(t, 50_000)
	h.signer.signErr = signerclient.ErrSessionExpired

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	assert.True(t, errors.Is(err, domain.ErrSignerSessionExpired))
	assert.Equal(t, uint64(50_000), h.balance(t))

	row := h.onlySponsored(t)
	assert.Equal(t, domain.SponsoredStatusFailed, row.Status)
	assert.True(t, row.Refunded)
	assert.Equal(t, 0, h.chain.sendCalls)
}

func TestSpendAndSponsorRefundsWhenSignerRefusesServiceKey(t *testing.T) {
	h := newHarness(t, 50_000)
	h.signer.prepareErr = signerclient.ErrClientUnauthorized

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	assert.True(t, errors.Is(err, signerclient.ErrClientUnauthorized))
	assert.False(t, errors.Is(err, domain.ErrSignerSessionExpired))
	assert.Equal(t, uint64(50_000), h.balance(t))
	assert.True(t, h.onlySponsored(t).Refunded)
}

func TestSpendAndSponsorRefundsSignerRejection(t *testing.T) {
	h := newHarness(t, 50_000)
	h.signer.signErr = &signerclient.ErrorResponse{StatusCode: 403, Code: "policy_denied", Message: "limit"}

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	var rejected *domain.SignerRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 403, rejected.StatusCode)
	assert.Equal(t, uint64(50_000), h.balance(t))
}

func TestSpendAndSponsorRejectsTamperedSignature(t *testing.T) {
	h := newHarness(t, 50_000)
	h.signer.tamper = func(tx *solana.Transaction) {
		tx.Message.Instructions[0].Data = solana.Base58("something else")
	}

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	assert.True(t, errors.Is(err, domain.ErrMessageTampered))
	assert.Equal(t, 0, h.chain.sendCalls)
	assert.Equal(t, uint64(50_000), h.balance(t))
	assert.True(t, h.onlySponsored(t).Refunded)
}

func TestSpendAndSponsorSignerTimeoutIsAmbiguous(t *testing.T) {
	h := newHarness(t, 50_000)
	h.signer.signErr = fmt.Errorf("failed to execute sign request: %w", context.DeadlineExceeded)

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	var ambiguous *domain.SubmissionAmbiguousError
	require.True(t, errors.As(err, &ambiguous))
	assert.True(t, errors.Is(err, domain.ErrSubmissionAmbiguous))

	row := h.onlySponsored(t)
	assert.Equal(t, domain.SponsoredStatusPending, row.Status)
	require.NotNil(t, row.Signature)
	assert.Equal(t, *row.Signature, ambiguous.Signature)
	assert.Equal(t, uint64(40_000), h.balance(t), "reservation is held until the reconciler settles it")
}

func TestSpendAndSponsorRefundsDefiniteRPCRejection(t *testing.T) {
	h := newHarness(t, 50_000)
	h.chain.sendErr = &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed"}

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	assert.True(t, errors.Is(err, domain.ErrSubmissionRejected))
	assert.Equal(t, uint64(50_000), h.balance(t))
	assert.Equal(t, domain.SponsoredStatusFailed, h.onlySponsored(t).Status)
}

func TestSpendAndSponsorTransportErrorIsAmbiguous(t *testing.T) {
	h := newHarness(t, 50_000)
	h.chain.sendErr = errors.New("connection reset by peer")

	_, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	assert.True(t, errors.Is(err, domain.ErrSubmissionAmbiguous))
	assert.Equal(t, 1, h.chain.sendCalls)
	assert.Equal(t, domain.SponsoredStatusPending, h.onlySponsored(t).Status)
	assert.Equal(t, uint64(40_000), h.balance(t))
}

func TestSpendAndSponsorLeavesUnconfirmedSubmitted(t *testing.T) {
	h := newHarness(t, 50_000)
	h.chain.status = nil

	outcome, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	require.NoError(t, err)
	assert.Equal(t, domain.SponsoredStatusSubmitted, outcome.Status)
	assert.Equal(t, domain.SponsoredStatusSubmitted, h.onlySponsored(t).Status)
}

func TestSpendAndSponsorRefundsOnChainFailure(t *testing.T) {
	h := newHarness(t, 50_000)
	h.chain.status = &solanaclient.SignatureStatus{Found: true, Failed: true, ErrDetail: "InstructionError"}

	outcome, err := h.sponsor.SpendAndSponsor(context.Background(), h.request())
	assert.True(t, errors.Is(err, domain.ErrSubmissionRejected))
	require.NotNil(t, outcome)
	assert.Equal(t, domain.SponsoredStatusFailed, outcome.Status)
	assert.Equal(t, uint64(50_000), h.balance(t))
}
