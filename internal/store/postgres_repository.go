/**
 * @description
 * PostgreSQL implementation of the `Repository` interface.
 * Ledger mutations run inside WithinUserLedger, which holds a transaction-scoped
 * advisory lock keyed by user id and row locks on every payment it touches, so
 * a user's earn/spend/refund sequence is linearizable.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/domain: ledger entities.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/gas-sponsor-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the service tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) WithinUserLedger(ctx context.Context, userID string, fn func(LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return fmt.Errorf("failed to acquire ledger lock: %w", err)
	}

	if err := fn(&pgLedgerTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const paymentColumns = `id, seq, user_id, signature, gross_amount, credit_remaining, credit_used, status,
	destination_token_account, mint, network, verification_tier, failure_reason, created_at, verified_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p                      domain.Payment
		gross, remaining, used int64
		status                 string
		tier                   *string
	)
	err := row.Scan(
		&p.ID,
		&p.Sequence,
		&p.UserID,
		&p.Signature,
		&gross,
		&remaining,
		&used,
		&status,
		&p.DestinationTokenAccount,
		&p.Mint,
		&p.Network,
		&tier,
		&p.FailureReason,
		&p.CreatedAt,
		&p.VerifiedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.GrossAmount = uint64(gross)
	p.CreditRemaining = uint64(remaining)
	p.CreditUsed = uint64(used)
	p.Status = domain.PaymentStatus(status)
	if tier != nil {
		p.VerificationTier = domain.VerificationTier(*tier)
	}
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]*domain.Payment, error) {
	defer rows.Close()
	payments := make([]*domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) GetPaymentBySignature(ctx context.Context, signature string) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM credit_payments WHERE signature = $1`, signature))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) ListPayments(ctx context.Context, userID string, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM credit_payments
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *PostgresRepository) TotalCredit(ctx context.Context, userID string) (uint64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(credit_remaining), 0)::BIGINT
		FROM credit_payments
		WHERE user_id = $1 AND status = 'verified'
	`, userID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return uint64(total), nil
}

const sponsoredColumns = `id, user_id, payment_id, kind, signature, usdc_credit_used, fee_lamports, status,
	network, last_valid_block_height, failure_reason, refunded, created_at, updated_at`

func scanSponsored(row pgx.Row) (*domain.SponsoredTransaction, error) {
	var (
		s               domain.SponsoredTransaction
		creditUsed, fee int64
		lastValid       int64
		status          string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PaymentID,
		&s.Kind,
		&s.Signature,
		&creditUsed,
		&fee,
		&status,
		&s.Network,
		&lastValid,
		&s.FailureReason,
		&s.Refunded,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.CreditUsed = uint64(creditUsed)
	s.FeeLamports = uint64(fee)
	s.LastValidBlockHeight = uint64(lastValid)
	s.Status = domain.SponsoredStatus(status)
	return &s, nil
}

func collectSponsored(ctx context.Context, q querier, rows pgx.Rows) ([]*domain.SponsoredTransaction, error) {
	items := make([]*domain.SponsoredTransaction, 0)
	for rows.Next() {
		s, err := scanSponsored(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadAllocations(ctx, q, items); err != nil {
		return nil, err
	}
	return items, nil
}

func loadAllocations(ctx context.Context, q querier, items []*domain.SponsoredTransaction) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	byID := make(map[uuid.UUID]*domain.SponsoredTransaction, len(items))
	for _, item := range items {
		ids = append(ids, item.ID.String())
		byID[item.ID] = item
		item.Allocations = nil
	}

	rows, err := q.Query(ctx, `
		SELECT sponsored_transaction_id, payment_id, amount
		FROM sponsored_credit_allocations
		WHERE sponsored_transaction_id = ANY($1::uuid[])
		ORDER BY sponsored_transaction_id, position
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sponsoredID uuid.UUID
			allocation  domain.CreditAllocation
			amount      int64
		)
		if err := rows.Scan(&sponsoredID, &allocation.PaymentID, &amount); err != nil {
			return err
		}
		allocation.Amount = uint64(amount)
		if item, ok := byID[sponsoredID]; ok {
			item.Allocations = append(item.Allocations, allocation)
		}
	}
	return rows.Err()
}

func (r *PostgresRepository) GetSponsoredTransaction(ctx context.Context, id uuid.UUID) (*domain.SponsoredTransaction, error) {
	s, err := scanSponsored(r.db.QueryRow(ctx, `SELECT `+sponsoredColumns+` FROM sponsored_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := loadAllocations(ctx, r.db, []*domain.SponsoredTransaction{s}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) ListSponsoredTransactions(ctx context.Context, userID string, limit int) ([]*domain.SponsoredTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sponsoredColumns+`
		FROM sponsored_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectSponsored(ctx, r.db, rows)
}

func (r *PostgresRepository) ListUnsettledSponsoredTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SponsoredTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sponsoredColumns+`
		FROM sponsored_transactions
		WHERE status IN ('pending', 'submitted')
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectSponsored(ctx, r.db, rows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
