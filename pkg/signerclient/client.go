/**
 * @description
 * Client for the custodial signer API that holds users' wallet keys.
 * The service prepares a transaction for an account, then signs it with the
 * user's session credentials. The signer never sees the fee payer's key.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package signerclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrSessionExpired is returned when the signer refuses the user's session.
	ErrSessionExpired = errors.New("signer session expired")
	// ErrClientUnauthorized is returned when the signer refuses this service's
	// API key. Users cannot fix it by re-authenticating.
	ErrClientUnauthorized = errors.New("signer rejected service credentials")
)

// apiKeyErrorCodes are the 401 error codes that blame the API key rather than
// the session.
var apiKeyErrorCodes = map[string]bool{
	"invalid_api_key":     true,
	"api_key_invalid":     true,
	"api_key_missing":     true,
	"api_key_revoked":     true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

// statusSessionExpired is the non-standard status some signer deployments
// return for an expired session.
const statusSessionExpired = 419

// Client is a client for the custodial signer API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new signer API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Session carries the user's signer credentials, forwarded verbatim.
type Session struct {
	Token string
}

// FeeConfig tells the signer who pays the network fee, so it does not try to
// fund the transaction from the user's wallet.
type FeeConfig struct {
	FeePayer  string `json:"fee_payer"`
	Sponsored bool   `json:"sponsored"`
}

type prepareRequest struct {
	AccountID   string    `json:"account_id"`
	Transaction string    `json:"transaction"`
	FeeConfig   FeeConfig `json:"fee_config"`
}

// PreparedTransaction is the signer's handle on a transaction awaiting the
// user's signature.
type PreparedTransaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Transaction string    `json:"transaction"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type signRequest struct {
	PreparedID string `json:"prepared_id"`
}

type signResponse struct {
	SignedTransaction string `json:"signed_transaction"`
}

// ErrorResponse is a definite refusal from the signer API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("signer api error (status %d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("signer api error (status %d): %s", e.StatusCode, e.Message)
}

// Prepare registers an unsigned transaction with the signer for accountID.
func (c *Client) Prepare(ctx context.Context, accountID string, unsignedTx []byte, fee FeeConfig) (*PreparedTransaction, error) {
	payload := prepareRequest{
		AccountID:   accountID,
		Transaction: base64.StdEncoding.EncodeToString(unsignedTx),
		FeeConfig:   fee,
	}

	var prepared PreparedTransaction
	if err := c.do(ctx, "prepare", "/v1/transactions/prepare", "", payload, &prepared); err != nil {
		return nil, err
	}
	if prepared.ID == "" {
		return nil, fmt.Errorf("signer prepare response missing id")
	}
	return &prepared, nil
}

// Sign asks the signer to sign a prepared transaction with the user's key and
// returns the wire bytes of the signed transaction.
func (c *Client) Sign(ctx context.Context, session Session, prepared *PreparedTransaction) ([]byte, error) {
	if session.Token == "" {
		return nil, ErrSessionExpired
	}

	var resp signResponse
	if err := c.do(ctx, "sign", "/v1/transactions/sign", session.Token, signRequest{PreparedID: prepared.ID}, &resp); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SignedTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, op, path, sessionToken string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	switch {
	case resp.StatusCode == statusSessionExpired:
		log.Printf("level=warn component=signer_client op=%s status=%d msg=\"session rejected\"", op, resp.StatusCode)
		return ErrSessionExpired
	case resp.StatusCode == http.StatusUnauthorized:
		return unauthorized(op, sessionToken, bodyBytes)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil || errResp.Message == "" {
			errResp.Message = strings.TrimSpace(string(bodyBytes))
		}
		log.Printf("level=warn component=signer_client op=%s status=%d code=%q msg=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return errResp
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		log.Printf("level=warn component=signer_client op=%s status=%d msg=\"non-2xx response\"", op, resp.StatusCode)
		return fmt.Errorf("signer %s failed with status %d", op, resp.StatusCode)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// unauthorized decides who a 401 blames. A request without a session can only
// have failed on the API key; otherwise the body's error code decides.
func unauthorized(op, sessionToken string, body []byte) error {
	var errResp ErrorResponse
	_ = json.Unmarshal(body, &errResp)
	code := strings.ToLower(strings.TrimSpace(errResp.Code))
	if sessionToken == "" || apiKeyErrorCodes[code] {
		log.Printf("level=error component=signer_client op=%s code=%q msg=\"service credentials rejected; check SIGNER_API_KEY\"", op, errResp.Code)
		return ErrClientUnauthorized
	}
	log.Printf("level=warn component=signer_client op=%s code=%q msg=\"session rejected\"", op, errResp.Code)
	return ErrSessionExpired
}

// IsRejection reports whether err is a definite answer from the signer, as
// opposed to a transport failure or server error whose outcome is unknown.
func IsRejection(err error) bool {
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrClientUnauthorized) {
		return true
	}
	var errResp *ErrorResponse
	return errors.As(err, &errResp)
}
