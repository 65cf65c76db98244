package solanaclient

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type rpcTransactionResponse struct {
	Slot        uint64          `json:"slot"`
	BlockTime   *int64          `json:"blockTime"`
	Meta        *rpcMeta        `json:"meta"`
	Transaction json.RawMessage `json:"transaction"`
}

type rpcMeta struct {
	Err               json.RawMessage          `json:"err"`
	Fee               uint64                   `json:"fee"`
	PreTokenBalances  []rpcTokenBalance        `json:"preTokenBalances"`
	PostTokenBalances []rpcTokenBalance        `json:"postTokenBalances"`
	InnerInstructions []rpcInnerInstructionSet `json:"innerInstructions"`
	LogMessages       []string                 `json:"logMessages"`
	LoadedAddresses   *rpcLoadedAddresses      `json:"loadedAddresses"`
}

type rpcLoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

type rpcTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	ProgramID     string `json:"programId"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

type rpcInnerInstructionSet struct {
	Index        int              `json:"index"`
	Instructions []rpcInstruction `json:"instructions"`
}

// rpcInstruction covers the parsed, partially decoded and compiled shapes an
// RPC node may return for an instruction.
type rpcInstruction struct {
	ProgramID      string          `json:"programId"`
	ProgramIDIndex *int            `json:"programIdIndex"`
	Accounts       json.RawMessage `json:"accounts"`
	Data           solana.Base58   `json:"data"`
	Parsed         json.RawMessage `json:"parsed"`
}

type rpcParsedTransaction struct {
	Signatures []string `json:"signatures"`
	Message    struct {
		AccountKeys  []rpcAccountKey  `json:"accountKeys"`
		Instructions []rpcInstruction `json:"instructions"`
	} `json:"message"`
}

type rpcAccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type rpcParsedBody struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Mint        string `json:"mint"`
		Authority   string `json:"authority"`
		Amount      string `json:"amount"`
		TokenAmount *struct {
			Amount string `json:"amount"`
		} `json:"tokenAmount"`
	} `json:"info"`
}

// decodeParsed converts a jsonParsed getTransaction result.
func decodeParsed(signature string, resp *rpcTransactionResponse) (*ConfirmedTransaction, error) {
	var parsed rpcParsedTransaction
	if err := json.Unmarshal(resp.Transaction, &parsed); err != nil {
		return nil, fmt.Errorf("decode parsed transaction: %w", err)
	}

	keys := make([]solana.PublicKey, 0, len(parsed.Message.AccountKeys))
	for _, key := range parsed.Message.AccountKeys {
		pk, err := solana.PublicKeyFromBase58(key.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("decode account key %q: %w", key.Pubkey, err)
		}
		keys = append(keys, pk)
	}

	out := newConfirmed(signature, resp, keys, "jsonParsed")
	for _, ix := range parsed.Message.Instructions {
		decoded, err := decodeInstruction(ix, keys)
		if err != nil {
			return nil, err
		}
		decoded.Outer = -1
		out.Instructions = append(out.Instructions, decoded)
	}
	if err := fillMeta(out, resp.Meta, keys); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeRaw converts a base64 getTransaction result by decoding the wire
// transaction itself.
func decodeRaw(signature string, resp *rpcTransactionResponse) (*ConfirmedTransaction, error) {
	var envelope []string
	if err := json.Unmarshal(resp.Transaction, &envelope); err != nil || len(envelope) == 0 {
		return nil, fmt.Errorf("decode raw transaction envelope: unexpected shape")
	}
	raw, err := base64.StdEncoding.DecodeString(envelope[0])
	if err != nil {
		return nil, fmt.Errorf("decode raw transaction base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode raw transaction: %w", err)
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if resp.Meta != nil && resp.Meta.LoadedAddresses != nil {
		for _, group := range [][]string{resp.Meta.LoadedAddresses.Writable, resp.Meta.LoadedAddresses.Readonly} {
			for _, addr := range group {
				pk, err := solana.PublicKeyFromBase58(addr)
				if err != nil {
					return nil, fmt.Errorf("decode loaded address %q: %w", addr, err)
				}
				keys = append(keys, pk)
			}
		}
	}

	out := newConfirmed(signature, resp, keys, "base64")
	for _, ix := range tx.Message.Instructions {
		accounts, err := resolveIndexes(ix.Accounts, keys)
		if err != nil {
			return nil, err
		}
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("program index %d out of range", ix.ProgramIDIndex)
		}
		out.Instructions = append(out.Instructions, Instruction{
			ProgramID: keys[ix.ProgramIDIndex],
			Accounts:  accounts,
			Data:      []byte(ix.Data),
			Outer:     -1,
		})
	}
	if err := fillMeta(out, resp.Meta, keys); err != nil {
		return nil, err
	}
	return out, nil
}

func newConfirmed(signature string, resp *rpcTransactionResponse, keys []solana.PublicKey, encoding string) *ConfirmedTransaction {
	out := &ConfirmedTransaction{
		Signature:   signature,
		Slot:        resp.Slot,
		AccountKeys: keys,
		Encoding:    encoding,
	}
	if resp.BlockTime != nil {
		ts := time.Unix(*resp.BlockTime, 0).UTC()
		out.BlockTime = &ts
	}
	return out
}

func fillMeta(out *ConfirmedTransaction, meta *rpcMeta, keys []solana.PublicKey) error {
	if meta == nil {
		return nil
	}
	trimmed := bytes.TrimSpace(meta.Err)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		out.Failed = true
		out.ErrDetail = string(trimmed)
	}
	out.Fee = meta.Fee
	out.LogMessages = meta.LogMessages

	var err error
	if out.PreTokenBalances, err = convertBalances(meta.PreTokenBalances, keys); err != nil {
		return err
	}
	if out.PostTokenBalances, err = convertBalances(meta.PostTokenBalances, keys); err != nil {
		return err
	}

	for _, set := range meta.InnerInstructions {
		for _, ix := range set.Instructions {
			decoded, err := decodeInstruction(ix, keys)
			if err != nil {
				return err
			}
			decoded.Outer = set.Index
			out.InnerInstructions = append(out.InnerInstructions, decoded)
		}
	}
	return nil
}

func convertBalances(in []rpcTokenBalance, keys []solana.PublicKey) ([]TokenBalance, error) {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		if b.AccountIndex < 0 || b.AccountIndex >= len(keys) {
			return nil, fmt.Errorf("token balance account index %d out of range", b.AccountIndex)
		}
		amount, err := strconv.ParseUint(b.UITokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token balance amount %q: %w", b.UITokenAmount.Amount, err)
		}
		balance := TokenBalance{
			AccountIndex: b.AccountIndex,
			Account:      keys[b.AccountIndex],
			Amount:       amount,
			Decimals:     b.UITokenAmount.Decimals,
		}
		if balance.Mint, err = solana.PublicKeyFromBase58(b.Mint); err != nil {
			return nil, fmt.Errorf("token balance mint: %w", err)
		}
		if b.Owner != "" {
			if balance.Owner, err = solana.PublicKeyFromBase58(b.Owner); err != nil {
				return nil, fmt.Errorf("token balance owner: %w", err)
			}
		}
		if b.ProgramID != "" {
			if balance.ProgramID, err = solana.PublicKeyFromBase58(b.ProgramID); err != nil {
				return nil, fmt.Errorf("token balance program: %w", err)
			}
		}
		out = append(out, balance)
	}
	return out, nil
}

func decodeInstruction(ix rpcInstruction, keys []solana.PublicKey) (Instruction, error) {
	var out Instruction

	switch {
	case ix.ProgramID != "":
		pk, err := solana.PublicKeyFromBase58(ix.ProgramID)
		if err != nil {
			return out, fmt.Errorf("decode program id: %w", err)
		}
		out.ProgramID = pk
	case ix.ProgramIDIndex != nil:
		if *ix.ProgramIDIndex < 0 || *ix.ProgramIDIndex >= len(keys) {
			return out, fmt.Errorf("program index %d out of range", *ix.ProgramIDIndex)
		}
		out.ProgramID = keys[*ix.ProgramIDIndex]
	default:
		return out, fmt.Errorf("instruction has no program")
	}

	if len(ix.Accounts) > 0 {
		var named []string
		if err := json.Unmarshal(ix.Accounts, &named); err == nil {
			for _, addr := range named {
				pk, err := solana.PublicKeyFromBase58(addr)
				if err != nil {
					return out, fmt.Errorf("decode instruction account: %w", err)
				}
				out.Accounts = append(out.Accounts, pk)
			}
		} else {
			var indexes []uint16
			if err := json.Unmarshal(ix.Accounts, &indexes); err != nil {
				return out, fmt.Errorf("decode instruction accounts: %w", err)
			}
			accounts, err := resolveIndexes(indexes, keys)
			if err != nil {
				return out, err
			}
			out.Accounts = accounts
		}
	}
	out.Data = []byte(ix.Data)

	// Memo and other programs report "parsed" as a plain string; only objects
	// carry a transfer body.
	if len(ix.Parsed) > 0 && ix.Parsed[0] == '{' {
		var body rpcParsedBody
		if err := json.Unmarshal(ix.Parsed, &body); err != nil {
			return out, fmt.Errorf("decode parsed instruction: %w", err)
		}
		info := TransferInfo{
			Source:      body.Info.Source,
			Destination: body.Info.Destination,
			Mint:        body.Info.Mint,
			Authority:   body.Info.Authority,
		}
		rawAmount := body.Info.Amount
		if body.Info.TokenAmount != nil {
			rawAmount = body.Info.TokenAmount.Amount
		}
		if rawAmount != "" {
			if amount, err := strconv.ParseUint(rawAmount, 10, 64); err == nil {
				info.Amount = amount
			}
		}
		out.Parsed = &ParsedInstruction{Type: body.Type, Info: info}
	}
	return out, nil
}

func resolveIndexes(indexes []uint16, keys []solana.PublicKey) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(indexes))
	for _, idx := range indexes {
		if int(idx) >= len(keys) {
			return nil, fmt.Errorf("account index %d out of range", idx)
		}
		out = append(out, keys[idx])
	}
	return out, nil
}
