package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/gas-sponsor-service/internal/domain"
)

type pgLedgerTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgLedgerTx) PaymentBySignature(ctx context.Context, signature string) (*domain.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM credit_payments
		WHERE signature = $1
		FOR UPDATE
	`, signature))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (t *pgLedgerTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	payment.UserID = t.userID

	var tier *string
	if payment.VerificationTier != "" {
		value := string(payment.VerificationTier)
		tier = &value
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO credit_payments (
			id, user_id, signature, gross_amount, credit_remaining, credit_used, status,
			destination_token_account, mint, network, verification_tier, failure_reason, verified_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq, created_at, updated_at
	`,
		payment.ID,
		payment.UserID,
		payment.Signature,
		int64(payment.GrossAmount),
		int64(payment.CreditRemaining),
		int64(payment.CreditUsed),
		string(payment.Status),
		payment.DestinationTokenAccount,
		payment.Mint,
		payment.Network,
		tier,
		payment.FailureReason,
		payment.VerifiedAt,
	).Scan(&payment.Sequence, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) UpdatePayment(ctx context.Context, payment *domain.Payment) error {
	var tier *string
	if payment.VerificationTier != "" {
		value := string(payment.VerificationTier)
		tier = &value
	}

	err := t.tx.QueryRow(ctx, `
		UPDATE credit_payments
		SET gross_amount = $2,
			credit_remaining = $3,
			credit_used = $4,
			status = $5,
			destination_token_account = $6,
			verification_tier = $7,
			failure_reason = $8,
			verified_at = $9,
			user_id = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		payment.ID,
		int64(payment.GrossAmount),
		int64(payment.CreditRemaining),
		int64(payment.CreditUsed),
		string(payment.Status),
		payment.DestinationTokenAccount,
		tier,
		payment.FailureReason,
		payment.VerifiedAt,
		payment.UserID,
	).Scan(&payment.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update payment %s: %w", payment.ID, err)
	}
	return nil
}

func (t *pgLedgerTx) LockSpendablePayments(ctx context.Context) ([]*domain.Payment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM credit_payments
		WHERE user_id = $1
		  AND status = 'verified'
		  AND credit_remaining > 0
		ORDER BY created_at ASC, seq ASC
		FOR UPDATE
	`, t.userID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (t *pgLedgerTx) LockPaymentsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Payment, error) {
	result := make(map[uuid.UUID]*domain.Payment, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}

	rows, err := t.tx.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM credit_payments
		WHERE user_id = $1
		  AND id = ANY($2::uuid[])
		ORDER BY created_at ASC, seq ASC
		FOR UPDATE
	`, t.userID, raw)
	if err != nil {
		return nil, err
	}
	payments, err := collectPayments(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		result[p.ID] = p
	}
	return result, nil
}

func (t *pgLedgerTx) InsertSponsoredTransaction(ctx context.Context, sponsored *domain.SponsoredTransaction) error {
	if sponsored.ID == uuid.Nil {
		sponsored.ID = uuid.New()
	}
	sponsored.UserID = t.userID

	err := t.tx.QueryRow(ctx, `
		INSERT INTO sponsored_transactions (
			id, user_id, payment_id, kind, signature, usdc_credit_used, fee_lamports, status,
			network, last_valid_block_height, failure_reason, refunded
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`,
		sponsored.ID,
		sponsored.UserID,
		sponsored.PaymentID,
		sponsored.Kind,
		sponsored.Signature,
		int64(sponsored.CreditUsed),
		int64(sponsored.FeeLamports),
		string(sponsored.Status),
		sponsored.Network,
		int64(sponsored.LastValidBlockHeight),
		sponsored.FailureReason,
		sponsored.Refunded,
	).Scan(&sponsored.CreatedAt, &sponsored.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSponsorship
		}
		return fmt.Errorf("failed to insert sponsored transaction: %w", err)
	}

	for i, allocation := range sponsored.Allocations {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO sponsored_credit_allocations (sponsored_transaction_id, payment_id, amount, position)
			VALUES ($1, $2, $3, $4)
		`, sponsored.ID, allocation.PaymentID, int64(allocation.Amount), i); err != nil {
			return fmt.Errorf("failed to insert credit allocation: %w", err)
		}
	}
	return nil
}

func (t *pgLedgerTx) SponsoredTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.SponsoredTransaction, error) {
	s, err := scanSponsored(t.tx.QueryRow(ctx, `
		SELECT `+sponsoredColumns+`
		FROM sponsored_transactions
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`, id, t.userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := loadAllocations(ctx, t.tx, []*domain.SponsoredTransaction{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *pgLedgerTx) UpdateSponsoredTransaction(ctx context.Context, sponsored *domain.SponsoredTransaction) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE sponsored_transactions
		SET signature = $2,
			fee_lamports = $3,
			status = $4,
			failure_reason = $5,
			refunded = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		sponsored.ID,
		sponsored.Signature,
		int64(sponsored.FeeLamports),
		string(sponsored.Status),
		sponsored.FailureReason,
		sponsored.Refunded,
	).Scan(&sponsored.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update sponsored transaction %s: %w", sponsored.ID, err)
	}
	return nil
}

func (t *pgLedgerTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	return enqueueEventTx(ctx, t.tx, exchange, routingKey, payload)
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
