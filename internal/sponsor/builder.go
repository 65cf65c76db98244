/**
 * @description
 * Two-phase construction of a sponsored transaction. The fee payer and the
 * blockhash are fixed before anyone signs, and every later step works on the
 * exact message bytes fixed here:
 *
 *   client bytes -> FeePayerFixed -> UserAuthorized -> ReadyTransaction
 *
 * Each phase can only be produced from the one before it, so a fee payer can
 * never be changed after a signature exists.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: message compilation and ed25519 signatures.
 * - github.com/gagliardetto/binary: wire decoding of client transactions.
 */

package sponsor

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/pkg/solanaclient"
)

// FeePayerFixed is a transaction whose message, with the server as fee payer
// and a fresh blockhash, is final. Nothing has signed it yet.
type FeePayerFixed struct {
	tx                   *solana.Transaction
	message              []byte
	feePayer             solana.PublicKey
	lastValidBlockHeight uint64
}

// NewDraft decodes a client-built transaction and recompiles its instructions
// with feePayer as account 0 and the given blockhash. Client signatures and
// the client's own fee payer choice are discarded.
func NewDraft(clientTx []byte, feePayer solana.PublicKey, blockhash solanaclient.Blockhash) (*FeePayerFixed, error) {
	decoded, err := solana.TransactionFromDecoder(bin.NewBinDecoder(clientTx))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrInvalidTransaction, err)
	}
	msg := decoded.Message
	if len(msg.AddressTableLookups) > 0 {
		return nil, fmt.Errorf("%w: address table lookups are not supported", domain.ErrInvalidTransaction)
	}
	if len(msg.Instructions) == 0 {
		return nil, fmt.Errorf("%w: no instructions", domain.ErrInvalidTransaction)
	}
	if len(msg.AccountKeys) == 0 {
		return nil, fmt.Errorf("%w: no account keys", domain.ErrInvalidTransaction)
	}
	clientPayer := msg.AccountKeys[0]
	if clientPayer.Equals(feePayer) {
		return nil, fmt.Errorf("%w: transaction is already paid by the server", domain.ErrInvalidTransaction)
	}

	instructions := make([]solana.Instruction, 0, len(msg.Instructions))
	for i, compiled := range msg.Instructions {
		ix, err := decompile(msg, compiled, feePayer)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d: %v", domain.ErrInvalidTransaction, i, err)
		}
		instructions = append(instructions, ix)
	}

	builder := solana.NewTransactionBuilder()
	for _, ix := range instructions {
		builder.AddInstruction(ix)
	}
	tx, err := builder.
		SetRecentBlockHash(blockhash.Hash).
		SetFeePayer(feePayer).
		Build()
	if err != nil {
		return nil, fmt.Errorf("%w: rebuild: %v", domain.ErrInvalidTransaction, err)
	}

	if err := checkSigners(tx.Message, feePayer, clientPayer); err != nil {
		return nil, err
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return &FeePayerFixed{
		tx:                   tx,
		message:              message,
		feePayer:             feePayer,
		lastValidBlockHeight: blockhash.LastValidBlockHeight,
	}, nil
}

// decompile turns a compiled instruction back into one carrying explicit
// account metas, taking the signer and writable flags from the message
// header. Privileges are per message, so once the fee payer is account 0 it
// signs for every instruction that names it. No instruction may name it.
func decompile(msg solana.Message, compiled solana.CompiledInstruction, feePayer solana.PublicKey) (solana.Instruction, error) {
	keys := msg.AccountKeys
	if int(compiled.ProgramIDIndex) >= len(keys) {
		return nil, fmt.Errorf("program index %d out of range", compiled.ProgramIDIndex)
	}
	program := keys[compiled.ProgramIDIndex]
	if program.Equals(feePayer) {
		return nil, fmt.Errorf("fee payer used as program")
	}

	metas := make(solana.AccountMetaSlice, 0, len(compiled.Accounts))
	for _, idx := range compiled.Accounts {
		if int(idx) >= len(keys) {
			return nil, fmt.Errorf("account index %d out of range", idx)
		}
		key := keys[idx]
		if key.Equals(feePayer) {
			return nil, fmt.Errorf("instruction references fee payer %s", feePayer)
		}
		signer, writable := headerFlags(msg.Header, int(idx), len(keys))
		metas = append(metas, &solana.AccountMeta{PublicKey: key, IsSigner: signer, IsWritable: writable})
	}
	return solana.NewInstruction(program, metas, []byte(compiled.Data)), nil
}

// checkSigners requires the rebuilt message to need at least one signature
// besides the fee payer's, and the client's original payer to be one of them.
func checkSigners(msg solana.Message, feePayer, clientPayer solana.PublicKey) error {
	n := int(msg.Header.NumRequiredSignatures)
	if n < 2 || len(msg.AccountKeys) < n || !msg.AccountKeys[0].Equals(feePayer) {
		return fmt.Errorf("%w: no user signature required", domain.ErrInvalidTransaction)
	}
	for _, key := range msg.AccountKeys[1:n] {
		if key.Equals(clientPayer) {
			return nil
		}
	}
	return fmt.Errorf("%w: original payer %s no longer signs", domain.ErrInvalidTransaction, clientPayer)
}

func headerFlags(h solana.MessageHeader, idx, total int) (signer, writable bool) {
	required := int(h.NumRequiredSignatures)
	if idx < required {
		return true, idx < required-int(h.NumReadonlySignedAccounts)
	}
	return false, idx < total-int(h.NumReadonlyUnsignedAccounts)
}

// MessageBytes returns a copy of the fixed message bytes that every party signs.
func (f *FeePayerFixed) MessageBytes() []byte {
	return bytes.Clone(f.message)
}

func (f *FeePayerFixed) FeePayer() solana.PublicKey { return f.feePayer }

func (f *FeePayerFixed) LastValidBlockHeight() uint64 { return f.lastValidBlockHeight }

// RequiredSigners lists the accounts whose signatures the message needs, fee
// payer first.
func (f *FeePayerFixed) RequiredSigners() []solana.PublicKey {
	n := int(f.tx.Message.Header.NumRequiredSignatures)
	out := make([]solana.PublicKey, n)
	copy(out, f.tx.Message.AccountKeys[:n])
	return out
}

// ExpectedSignature computes the fee payer signature, which is also the
// transaction id, before any other party has signed.
func (f *FeePayerFixed) ExpectedSignature(serverKey solana.PrivateKey) (solana.Signature, error) {
	if !serverKey.PublicKey().Equals(f.feePayer) {
		return solana.Signature{}, fmt.Errorf("server key %s is not the fee payer %s", serverKey.PublicKey(), f.feePayer)
	}
	return serverKey.Sign(f.message)
}

// UnsignedTransaction encodes the fixed message with empty signature slots,
// ready to hand to the user's signer.
func (f *FeePayerFixed) UnsignedTransaction() ([]byte, error) {
	unsigned := solana.Transaction{
		Signatures: make([]solana.Signature, f.tx.Message.Header.NumRequiredSignatures),
		Message:    f.tx.Message,
	}
	return unsigned.MarshalBinary()
}

// Authorize accepts the transaction returned by the user's signer. Its
// message must be byte-identical to the fixed one and carry a valid signature
// from every required signer other than the fee payer.
func (f *FeePayerFixed) Authorize(signedTx []byte) (*UserAuthorized, error) {
	signed, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signedTx))
	if err != nil {
		return nil, fmt.Errorf("%w: decode signed transaction: %v", domain.ErrInvalidTransaction, err)
	}
	message, err := signed.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal signed message: %v", domain.ErrInvalidTransaction, err)
	}
	if !bytes.Equal(message, f.message) {
		return nil, domain.ErrMessageTampered
	}

	signers := f.RequiredSigners()
	if len(signed.Signatures) != len(signers) {
		return nil, fmt.Errorf("%w: expected %d signatures, got %d", domain.ErrInvalidTransaction, len(signers), len(signed.Signatures))
	}
	signatures := make([]solana.Signature, len(signers))
	for i := 1; i < len(signers); i++ {
		if !signed.Signatures[i].Verify(signers[i], f.message) {
			return nil, fmt.Errorf("%w: missing or invalid signature for %s", domain.ErrInvalidTransaction, signers[i])
		}
		signatures[i] = signed.Signatures[i]
	}
	return &UserAuthorized{fixed: f, signatures: signatures}, nil
}

// UserAuthorized holds the user's signatures over the fixed message. Only
// the fee payer slot is still empty.
type UserAuthorized struct {
	fixed      *FeePayerFixed
	signatures []solana.Signature
}

// CoSign adds the fee payer signature and checks the complete transaction.
func (u *UserAuthorized) CoSign(serverKey solana.PrivateKey) (*ReadyTransaction, error) {
	sig, err := u.fixed.ExpectedSignature(serverKey)
	if err != nil {
		return nil, err
	}
	signatures := make([]solana.Signature, len(u.signatures))
	copy(signatures, u.signatures)
	signatures[0] = sig

	tx := &solana.Transaction{Signatures: signatures, Message: u.fixed.tx.Message}
	if err := tx.VerifySignatures(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return &ReadyTransaction{tx: tx, raw: raw}, nil
}

// ReadyTransaction is fully signed and can be submitted as is.
type ReadyTransaction struct {
	tx  *solana.Transaction
	raw []byte
}

// Signature is the transaction id.
func (r *ReadyTransaction) Signature() solana.Signature { return r.tx.Signatures[0] }

func (r *ReadyTransaction) Bytes() []byte { return bytes.Clone(r.raw) }

func (r *ReadyTransaction) Transaction() *solana.Transaction { return r.tx }
