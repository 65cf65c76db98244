package store

import (
	"context"

	"github.com/google/uuid"
)

func (r *PostgresRepository) ClaimOutboxMessages(
	ctx context.Context,
	limit int,
	staleAfterSeconds int,
) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(
	ctx context.Context,
	id int64,
	retryAfterSeconds int,
	reason string,
) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

// EnqueueVerificationJob is idempotent per signature; re-enqueueing a live job
// keeps its attempt count. A finished job is reopened when a different user
// now holds the claim.
func (r *PostgresRepository) EnqueueVerificationJob(ctx context.Context, paymentID uuid.UUID, userID, signature, sender string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_verification_jobs (payment_id, user_id, signature, expected_sender)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (signature) DO UPDATE
		SET user_id = EXCLUDED.user_id,
			expected_sender = EXCLUDED.expected_sender,
			status = 'pending',
			attempts = 0,
			next_attempt_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL,
			updated_at = NOW()
		WHERE payment_verification_jobs.status IN ('completed', 'dead_lettered')
		  AND payment_verification_jobs.user_id <> EXCLUDED.user_id
	`, paymentID, userID, signature, sender)
	return err
}

func (r *PostgresRepository) ClaimVerificationJobs(ctx context.Context, limit int, staleAfterSeconds int) ([]VerificationJob, error) {
	if limit <= 0 {
		limit = 25
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 300
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM payment_verification_jobs
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE payment_verification_jobs AS j
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = j.attempts + 1,
			updated_at = NOW()
		FROM candidates
		WHERE j.id = candidates.id
		RETURNING j.id, j.payment_id, j.user_id, j.signature, j.expected_sender, j.attempts, j.last_error
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]VerificationJob, 0, limit)
	for rows.Next() {
		var job VerificationJob
		if err := rows.Scan(&job.ID, &job.PaymentID, &job.UserID, &job.Signature, &job.Sender, &job.Attempts, &job.LastError); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepository) CompleteVerificationJob(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_verification_jobs
		SET status = 'completed',
			processing_started_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) RescheduleVerificationJob(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE payment_verification_jobs
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3,
			updated_at = NOW()
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

func (r *PostgresRepository) DeadLetterVerificationJob(ctx context.Context, id int64, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_verification_jobs
		SET status = 'dead_lettered',
			processing_started_at = NULL,
			last_error = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, truncateReason(reason))
	return err
}
