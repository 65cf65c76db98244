/**
 * @description
 * HTTP handlers for credit purchases and sponsored transactions. Domain
 * errors are mapped to status codes in one place, writeDomainError, so every
 * route reports the same failure the same way.
 */

package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/sponsor"
	"github.com/transfa/gas-sponsor-service/pkg/signerclient"
)

// SignerSessionHeader carries the user's custodial signer session.
const SignerSessionHeader = "X-Signer-Session"

// CreditService is the application surface the handlers drive.
type CreditService interface {
	EarnCreditFromPayment(ctx context.Context, userID, signature, wallet string) (*domain.Payment, error)
	GetCreditBalance(ctx context.Context, userID string) (uint64, error)
	GetPaymentHistory(ctx context.Context, userID string, limit int) ([]*domain.Payment, error)
	ListSponsoredTransactions(ctx context.Context, userID string, limit int) ([]*domain.SponsoredTransaction, error)
	SpendAndSponsor(ctx context.Context, req sponsor.Request) (*sponsor.Outcome, error)
}

type Handlers struct {
	service CreditService
}

func NewHandlers(service CreditService) *Handlers {
	return &Handlers{service: service}
}

type earnCreditRequest struct {
	Signature string `json:"signature"`
}

type earnCreditResponse struct {
	Payment *domain.Payment `json:"payment"`
	Message string          `json:"message,omitempty"`
}

// EarnCreditHandler handles POST /credits/payments.
func (h *Handlers) EarnCreditHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}

	var req earnCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", nil)
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "signature is required", nil)
		return
	}

	payment, err := h.service.EarnCreditFromPayment(r.Context(), userID, req.Signature, walletFromContext(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, earnCreditResponse{Payment: payment})
	case errors.Is(err, domain.ErrDuplicatePayment) && payment != nil:
		writeJSON(w, http.StatusOK, earnCreditResponse{Payment: payment, Message: "payment already credited"})
	case errors.Is(err, domain.ErrVerificationTimeout) && payment != nil:
		writeJSON(w, http.StatusAccepted, earnCreditResponse{Payment: payment, Message: "payment submitted but not yet verifiable; it will be credited once it lands"})
	default:
		writeDomainError(w, userID, err)
	}
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance uint64 `json:"balance"`
}

// GetBalanceHandler handles GET /credits/balance.
func (h *Handlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}
	balance, err := h.service.GetCreditBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// ListPaymentsHandler handles GET /credits/payments.
func (h *Handlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}
	payments, err := h.service.GetPaymentHistory(r.Context(), userID, parseLimit(r))
	if err != nil {
		writeDomainError(w, userID, err)
		return
	}
	if payments == nil {
		payments = []*domain.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

type sponsorRequest struct {
	Transaction string `json:"transaction"`
	Kind        string `json:"kind"`
	AccountID   string `json:"account_id"`
}

type sponsorResponse struct {
	SponsoredID     string                    `json:"sponsored_id,omitempty"`
	Signature       string                    `json:"signature"`
	Status          domain.SponsoredStatus    `json:"status"`
	CreditUsed      uint64                    `json:"credit_used,omitempty"`
	RemainingCredit uint64                    `json:"remaining_credit"`
	ConsumedFrom    []domain.CreditAllocation `json:"consumed_from,omitempty"`
}

// SponsorHandler handles POST /sponsor.
func (h *Handlers) SponsorHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}

	var req sponsorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", nil)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Transaction))
	if err != nil || len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_transaction", "transaction must be base64 wire bytes", nil)
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required", nil)
		return
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = "transfer"
	}

	outcome, err := h.service.SpendAndSponsor(r.Context(), sponsor.Request{
		UserID:     userID,
		AccountID:  strings.TrimSpace(req.AccountID),
		Session:    signerclient.Session{Token: strings.TrimSpace(r.Header.Get(SignerSessionHeader))},
		UnsignedTx: raw,
		Kind:       kind,
	})
	if err != nil {
		writeDomainError(w, userID, err)
		return
	}

	status := http.StatusOK
	if outcome.Status != domain.SponsoredStatusConfirmed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, buildSponsorResponse(outcome))
}

func buildSponsorResponse(outcome *sponsor.Outcome) sponsorResponse {
	resp := sponsorResponse{Signature: outcome.Signature, Status: outcome.Status}
	if outcome.Sponsored != nil {
		resp.SponsoredID = outcome.Sponsored.ID.String()
		resp.CreditUsed = outcome.Sponsored.CreditUsed
	}
	if outcome.Spend != nil {
		resp.RemainingCredit = outcome.Spend.RemainingCredit
		resp.ConsumedFrom = outcome.Spend.ConsumedFrom
	}
	return resp
}

// ListSponsoredHandler handles GET /sponsor/transactions.
func (h *Handlers) ListSponsoredHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}
	items, err := h.service.ListSponsoredTransactions(r.Context(), userID, parseLimit(r))
	if err != nil {
		writeDomainError(w, userID, err)
		return
	}
	if items == nil {
		items = []*domain.SponsoredTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": items})
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil {
		return 0
	}
	return limit
}

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeDomainError(w http.ResponseWriter, userID string, err error) {
	var (
		insufficient *domain.InsufficientCreditError
		ambiguous    *domain.SubmissionAmbiguousError
		rejected     *domain.SignerRejectedError
		limited      *domain.RateLimitedError
		timeout      *domain.VerificationTimeoutError
	)
	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusPaymentRequired, "insufficient_credit", "Not enough credit", map[string]uint64{
			"requested": insufficient.Requested,
			"available": insufficient.Available,
			"shortfall": insufficient.Shortfall(),
		})
	case errors.As(err, &ambiguous):
		writeError(w, http.StatusAccepted, "submission_ambiguous", "Submission outcome unknown; check the signature before retrying", map[string]string{
			"sponsored_id": ambiguous.SponsoredID,
			"signature":    ambiguous.Signature,
		})
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many sponsorship requests", map[string]int{"retry_after_seconds": limited.RetryAfterSeconds})
	case errors.As(err, &timeout):
		writeError(w, http.StatusAccepted, "verification_pending", "Payment submitted but not yet verifiable", map[string]string{"signature": timeout.Signature})
	case errors.Is(err, domain.ErrSignerSessionExpired):
		writeError(w, http.StatusUnauthorized, "signer_session_expired", "Signer session expired; re-authenticate and retry", nil)
	case errors.As(err, &rejected):
		writeError(w, http.StatusForbidden, "signer_rejected", rejected.Reason, nil)
	case errors.Is(err, domain.ErrMessageTampered):
		writeError(w, http.StatusBadRequest, "message_tampered", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_transaction", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicatePayment):
		writeError(w, http.StatusOK, "duplicate_payment", err.Error(), nil)
	case errors.Is(err, domain.ErrPaymentMismatch):
		writeError(w, http.StatusUnprocessableEntity, "payment_mismatch", err.Error(), nil)
	case errors.Is(err, domain.ErrPaymentClosed):
		writeError(w, http.StatusConflict, "payment_closed", err.Error(), nil)
	case errors.Is(err, domain.ErrSponsorshipInFlight):
		writeError(w, http.StatusConflict, "sponsorship_in_flight", "An identical transaction is already being sponsored; wait for it to settle", nil)
	case errors.Is(err, domain.ErrPaymentOwnerMismatch):
		writeError(w, http.StatusConflict, "payment_owner_mismatch", "Payment was submitted by another user", nil)
	case errors.Is(err, domain.ErrPaymentSenderMismatch):
		writeError(w, http.StatusConflict, "payment_sender_mismatch", "Payment was not sent from your wallet", nil)
	case errors.Is(err, domain.ErrSubmissionRejected):
		writeError(w, http.StatusUnprocessableEntity, "submission_rejected", err.Error(), nil)
	case errors.Is(err, domain.ErrPaymentNotFound), errors.Is(err, domain.ErrSponsoredTxNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		log.Printf("level=error component=api msg=\"request failed\" user_id=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorResponse{Code: code, Message: message, Details: details})
}
