/**
 * @description
 * Thin adapter over the solana-go RPC client exposing exactly what the credit
 * system needs from the chain: confirmed transaction lookup, fresh blockhashes,
 * single-shot submission, signature status and block height.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: RPC client and transaction types.
 * - github.com/gagliardetto/binary: wire decoding for the raw fallback.
 */

package solanaclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

func New(endpoint string) *Client {
	return &Client{
		rpc:        rpc.New(strings.TrimSpace(endpoint)),
		commitment: rpc.CommitmentConfirmed,
	}
}

// GetConfirmedTransaction fetches a confirmed transaction, preferring the
// jsonParsed encoding and falling back to raw base64 when the node cannot
// serve or the service cannot decode the parsed form.
func (c *Client) GetConfirmedTransaction(ctx context.Context, signature string) (*ConfirmedTransaction, error) {
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	resp, err := c.getTransaction(ctx, signature, "jsonParsed")
	if err == nil && resp == nil {
		return nil, ErrTransactionNotFound
	}
	if err == nil {
		tx, decodeErr := decodeParsed(signature, resp)
		if decodeErr == nil {
			return tx, nil
		}
		log.Printf("level=warn component=solana_client msg=\"parsed transaction decode failed; using raw\" signature=%s err=%v", signature, decodeErr)
	} else {
		var rpcErr *jsonrpc.RPCError
		if !errors.As(err, &rpcErr) {
			return nil, err
		}
		log.Printf("level=warn component=solana_client msg=\"jsonParsed rejected; using raw\" signature=%s code=%d err=%s", signature, rpcErr.Code, rpcErr.Message)
	}

	resp, err = c.getTransaction(ctx, signature, "base64")
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrTransactionNotFound
	}
	return decodeRaw(signature, resp)
}

func (c *Client) getTransaction(ctx context.Context, signature, encoding string) (*rpcTransactionResponse, error) {
	var out *rpcTransactionResponse
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       encoding,
			"commitment":                     string(c.commitment),
			"maxSupportedTransactionVersion": 0,
		},
	}
	if err := c.rpc.RPCCallForInto(ctx, &out, "getTransaction", params); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestBlockhash returns a finalized blockhash for building a new transaction.
func (c *Client) LatestBlockhash(ctx context.Context) (*Blockhash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("failed to get latest blockhash: empty response")
	}
	return &Blockhash{
		Hash:                 out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction submits a fully signed transaction once, with preflight.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
}

// SignatureStatus looks a signature up, including transaction history.
func (c *Client) SignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
	if err != nil {
		return nil, err
	}
	status := &SignatureStatus{}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return status, nil
	}

	value := out.Value[0]
	status.Found = true
	status.Slot = value.Slot
	switch string(value.ConfirmationStatus) {
	case "finalized":
		status.Finalized = true
		status.Confirmed = true
	case "confirmed":
		status.Confirmed = true
	}
	if value.Err != nil {
		status.Failed = true
		status.ErrDetail = fmt.Sprintf("%v", value.Err)
	}
	return status, nil
}

func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	return c.rpc.GetBlockHeight(ctx, c.commitment)
}

// IsDefiniteRejection reports whether a submission error came back from the
// node as a JSON-RPC error, meaning the transaction was refused rather than
// possibly forwarded.
func IsDefiniteRejection(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}
