package verify

import (
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

// SPL token instruction discriminators.
const (
	tokenInstructionTransfer        = 3
	tokenInstructionTransferChecked = 12
)

// Expectation is what a payment must show on chain to earn credit.
type Expectation struct {
	Destination solana.PublicKey
	Mint        solana.PublicKey
	MinAmount   uint64
}

// Observation is one strategy's reading of a transaction. Amount is what the
// strategy saw arrive for the expectation, whether or not it was enough.
type Observation struct {
	Matched bool
	Amount  uint64
}

// Strategy is one way of tying a transaction to an expected transfer.
type Strategy interface {
	Name() string
	Tier() domain.VerificationTier
	Evaluate(tx *solanaclient.ConfirmedTransaction, exp Expectation) Observation
}

// DefaultStrategies returns the strategies in priority order. The any-increase
// heuristic is only included when allowHeuristic is set.
func DefaultStrategies(allowHeuristic bool) []Strategy {
	strategies := []Strategy{
		DestinationBalanceDelta{},
		OwnerDerivedAccount{},
		TransferInstruction{},
	}
	if allowHeuristic {
		strategies = append(strategies, AnyIncreaseHeuristic{})
	}
	return strategies
}

type balanceKey struct {
	account solana.PublicKey
	mint    solana.PublicKey
}

type balanceChange struct {
	owner     solana.PublicKey
	programID solana.PublicKey
	increase  uint64
}

// balanceChanges pairs pre and post token balances by account and mint. An
// account missing from the pre snapshot was created by the transaction and
// starts at zero.
func balanceChanges(tx *solanaclient.ConfirmedTransaction) map[balanceKey]balanceChange {
	pre := make(map[balanceKey]uint64, len(tx.PreTokenBalances))
	for _, b := range tx.PreTokenBalances {
		pre[balanceKey{account: b.Account, mint: b.Mint}] = b.Amount
	}

	changes := make(map[balanceKey]balanceChange, len(tx.PostTokenBalances))
	for _, b := range tx.PostTokenBalances {
		key := balanceKey{account: b.Account, mint: b.Mint}
		before := pre[key]
		change := balanceChange{owner: b.Owner, programID: b.ProgramID}
		if b.Amount > before {
			change.increase = b.Amount - before
		}
		changes[key] = change
	}
	return changes
}

// DestinationBalanceDelta reads the destination account's own balance change.
type DestinationBalanceDelta struct{}

func (DestinationBalanceDelta) Name() string                  { return "destination_balance_delta" }
func (DestinationBalanceDelta) Tier() domain.VerificationTier { return domain.TierDirect }

func (DestinationBalanceDelta) Evaluate(tx *solanaclient.ConfirmedTransaction, exp Expectation) Observation {
	change, ok := balanceChanges(tx)[balanceKey{account: exp.Destination, mint: exp.Mint}]
	if !ok {
		return Observation{}
	}
	return Observation{Matched: change.increase > 0 && change.increase >= exp.MinAmount, Amount: change.increase}
}

// OwnerDerivedAccount handles transfers whose credited account is listed
// under a different address: it derives the canonical associated token
// account for the credited owner and accepts the transfer when that is the
// expected destination.
type OwnerDerivedAccount struct{}

func (OwnerDerivedAccount) Name() string                  { return "owner_derived_account" }
func (OwnerDerivedAccount) Tier() domain.VerificationTier { return domain.TierDerived }

func (OwnerDerivedAccount) Evaluate(tx *solanaclient.ConfirmedTransaction, exp Expectation) Observation {
	var best Observation
	for key, change := range balanceChanges(tx) {
		if key.mint != exp.Mint || change.increase == 0 || change.owner.IsZero() {
			continue
		}
		derived, err := associatedTokenAddress(change.owner, exp.Mint, change.programID)
		if err != nil || derived != exp.Destination {
			continue
		}
		if change.increase > best.Amount {
			best.Amount = change.increase
		}
	}
	best.Matched = best.Amount > 0 && best.Amount >= exp.MinAmount
	return best
}

func associatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	if tokenProgram.IsZero() || tokenProgram.Equals(solana.TokenProgramID) {
		addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		return addr, err
	}
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// TransferInstruction decodes SPL Transfer and TransferChecked instructions,
// top-level and inner, and sums what they move into the destination.
type TransferInstruction struct{}

func (TransferInstruction) Name() string                  { return "transfer_instruction" }
func (TransferInstruction) Tier() domain.VerificationTier { return domain.TierInstruction }

func (TransferInstruction) Evaluate(tx *solanaclient.ConfirmedTransaction, exp Expectation) Observation {
	var total uint64
	for _, ix := range tx.AllInstructions() {
		if !isTokenProgram(ix.ProgramID) {
			continue
		}
		amount, ok := transferInto(ix, exp)
		if ok {
			total += amount
		}
	}
	return Observation{Matched: total > 0 && total >= exp.MinAmount, Amount: total}
}

func isTokenProgram(program solana.PublicKey) bool {
	return program.Equals(solana.TokenProgramID) || program.Equals(solana.Token2022ProgramID)
}

func transferInto(ix solanaclient.Instruction, exp Expectation) (uint64, bool) {
	if ix.Parsed != nil {
		info := ix.Parsed.Info
		switch ix.Parsed.Type {
		case "transfer", "transferChecked":
		default:
			return 0, false
		}
		if info.Destination != exp.Destination.String() {
			return 0, false
		}
		if info.Mint != "" && info.Mint != exp.Mint.String() {
			return 0, false
		}
		return info.Amount, info.Amount > 0
	}

	if len(ix.Data) == 0 {
		return 0, false
	}
	decoder := bin.NewBinDecoder(ix.Data[1:])
	switch ix.Data[0] {
	case tokenInstructionTransfer:
		// accounts: source, destination, authority
		if len(ix.Accounts) < 2 || ix.Accounts[1] != exp.Destination {
			return 0, false
		}
		amount, err := decoder.ReadUint64(bin.LE)
		if err != nil {
			return 0, false
		}
		return amount, amount > 0
	case tokenInstructionTransferChecked:
		// accounts: source, mint, destination, authority
		if len(ix.Accounts) < 3 || ix.Accounts[1] != exp.Mint || ix.Accounts[2] != exp.Destination {
			return 0, false
		}
		amount, err := decoder.ReadUint64(bin.LE)
		if err != nil {
			return 0, false
		}
		if _, err := decoder.ReadUint8(); err != nil {
			return 0, false
		}
		return amount, amount > 0
	default:
		return 0, false
	}
}

// AnyIncreaseHeuristic accepts a successful transaction in which any account
// of the expected mint grew by at least the expected amount. It cannot tell
// who was paid and is reported at the heuristic tier.
type AnyIncreaseHeuristic struct{}

func (AnyIncreaseHeuristic) Name() string                  { return "any_increase_heuristic" }
func (AnyIncreaseHeuristic) Tier() domain.VerificationTier { return domain.TierHeuristic }

func (AnyIncreaseHeuristic) Evaluate(tx *solanaclient.ConfirmedTransaction, exp Expectation) Observation {
	if !tx.Succeeded() {
		return Observation{}
	}
	var best uint64
	for key, change := range balanceChanges(tx) {
		if key.mint == exp.Mint && change.increase > best {
			best = change.increase
		}
	}
	return Observation{Matched: best > 0 && best >= exp.MinAmount, Amount: best}
}
