package solanaclient

import (
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

// TokenBalance is one entry of a transaction's pre or post token balances.
type TokenBalance struct {
	AccountIndex int
	Account      solana.PublicKey
	Mint         solana.PublicKey
	Owner        solana.PublicKey
	ProgramID    solana.PublicKey
	Amount       uint64
	Decimals     uint8
}

// TransferInfo is the decoded body of an SPL token transfer, as reported by a
// jsonParsed RPC response.
type TransferInfo struct {
	Source      string
	Destination string
	Mint        string
	Authority   string
	Amount      uint64
}

type ParsedInstruction struct {
	Type string
	Info TransferInfo
}

// Instruction is a top-level or inner instruction with its accounts resolved
// to public keys. Parsed is set when the RPC node decoded it; Data is set when
// it did not.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
	Parsed    *ParsedInstruction
	// Outer is the index of the top-level instruction that invoked an inner one.
	Outer int
}

// ConfirmedTransaction is the chain view the payment verifier works from.
type ConfirmedTransaction struct {
	Signature         string
	Slot              uint64
	BlockTime         *time.Time
	Failed            bool
	ErrDetail         string
	Fee               uint64
	AccountKeys       []solana.PublicKey
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	Instructions      []Instruction
	InnerInstructions []Instruction
	LogMessages       []string
	// Encoding records which RPC representation the transaction was decoded from.
	Encoding string
}

func (t *ConfirmedTransaction) Succeeded() bool {
	return !t.Failed
}

// AllInstructions returns top-level instructions followed by inner ones.
func (t *ConfirmedTransaction) AllInstructions() []Instruction {
	all := make([]Instruction, 0, len(t.Instructions)+len(t.InnerInstructions))
	all = append(all, t.Instructions...)
	all = append(all, t.InnerInstructions...)
	return all
}

// SignatureStatus summarizes getSignatureStatuses for one signature.
type SignatureStatus struct {
	Found     bool
	Slot      uint64
	Confirmed bool
	Finalized bool
	Failed    bool
	ErrDetail string
}

// Blockhash is a recent blockhash with the last block height at which a
// transaction referencing it can still land.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}
