package verify

import (
	"github.com/gagliardetto/solana-go"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

// payers lists the wallets that funded a payment: owners of accounts whose
// balance of the expected mint fell, then the authorities of token transfers
// into the destination.
func payers(tx *solanaclient.ConfirmedTransaction, exp Expectation) []solana.PublicKey {
	seen := make(map[solana.PublicKey]bool)
	var out []solana.PublicKey
	add := func(key solana.PublicKey) {
		if key.IsZero() || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, key)
	}

	post := make(map[balanceKey]uint64, len(tx.PostTokenBalances))
	for _, b := range tx.PostTokenBalances {
		post[balanceKey{account: b.Account, mint: b.Mint}] = b.Amount
	}
	for _, b := range tx.PreTokenBalances {
		if !b.Mint.Equals(exp.Mint) {
			continue
		}
		// A closed account has no post balance and counts as emptied.
		if post[balanceKey{account: b.Account, mint: b.Mint}] < b.Amount {
			add(b.Owner)
		}
	}

	for _, ix := range tx.AllInstructions() {
		if !isTokenProgram(ix.ProgramID) {
			continue
		}
		if _, ok := transferInto(ix, exp); ok {
			add(transferAuthority(ix))
		}
	}
	return out
}

func transferAuthority(ix solanaclient.Instruction) solana.PublicKey {
	if ix.Parsed != nil {
		key, err := solana.PublicKeyFromBase58(ix.Parsed.Info.Authority)
		if err != nil {
			return solana.PublicKey{}
		}
		return key
	}
	if len(ix.Data) == 0 {
		return solana.PublicKey{}
	}
	switch ix.Data[0] {
	case tokenInstructionTransfer:
		if len(ix.Accounts) >= 3 {
			return ix.Accounts[2]
		}
	case tokenInstructionTransferChecked:
		if len(ix.Accounts) >= 4 {
			return ix.Accounts[3]
		}
	}
	return solana.PublicKey{}
}
