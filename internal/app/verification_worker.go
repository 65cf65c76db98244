package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/transfa/gas-sponsor-service/internal/domain"
	"github.com/transfa/gas-sponsor-service/internal/ledger"
	"github.com/transfa/gas-sponsor-service/internal/store"
	"github.com/transfa/gas-sponsor-service/internal/verify"
)

const (
	defaultJobBatchSize     = 25
	defaultJobStaleAfter    = 5 * time.Minute
	defaultJobMaxAttempts   = 10
	unverifiableFailReason  = "unverifiable"
	verificationJobDeadline = 30 * time.Second
)

// VerificationJobWorker drains the durable verification queue. Each job gets
// one chain lookup per run; jobs whose transaction still cannot be found are
// rescheduled with exponential backoff and dead-lettered after maxAttempts.
type VerificationJobWorker struct {
	repo        store.Repository
	service     *CreditService
	maxAttempts int
	batchSize   int
	staleAfter  time.Duration
}

func NewVerificationJobWorker(repo store.Repository, service *CreditService, maxAttempts int) *VerificationJobWorker {
	if maxAttempts <= 0 {
		maxAttempts = defaultJobMaxAttempts
	}
	return &VerificationJobWorker{
		repo:        repo,
		service:     service,
		maxAttempts: maxAttempts,
		batchSize:   defaultJobBatchSize,
		staleAfter:  defaultJobStaleAfter,
	}
}

// Run is the cron entry point.
func (w *VerificationJobWorker) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := w.RunOnce(ctx); err != nil {
		log.Printf("level=error component=verification_worker msg=\"run failed\" err=%v", err)
	}
}

// RunOnce processes one batch of due jobs and returns how many were claimed.
func (w *VerificationJobWorker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.repo.ClaimVerificationJobs(ctx, w.batchSize, int(w.staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("claim verification jobs: %w", err)
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *VerificationJobWorker) process(ctx context.Context, job store.VerificationJob) {
	jobCtx, cancel := context.WithTimeout(ctx, verificationJobDeadline)
	defer cancel()

	treasury := w.service.treasury
	result := w.service.verifier.Verify(jobCtx, job.Signature, treasury.TokenAccount, treasury.Mint, treasury.MinPaymentAmount)
	if errors.Is(result.Err, verify.ErrTransactionUnavailable) {
		w.retryOrDeadLetter(ctx, job, result.Err)
		return
	}

	_, err := w.service.applyVerification(jobCtx, job.UserID, job.Signature, job.Sender, result)
	switch {
	case err == nil,
		errors.Is(err, domain.ErrDuplicatePayment),
		errors.Is(err, domain.ErrPaymentMismatch),
		errors.Is(err, domain.ErrPaymentSenderMismatch),
		errors.Is(err, domain.ErrPaymentClosed),
		errors.Is(err, domain.ErrInvalidTransition):
		if cErr := w.repo.CompleteVerificationJob(ctx, job.ID); cErr != nil {
			log.Printf("level=error component=verification_worker msg=\"failed to complete job\" job_id=%d err=%v", job.ID, cErr)
		}
		log.Printf("level=info component=verification_worker msg=\"verification job settled\" job_id=%d signature=%s verified=%t attempts=%d", job.ID, job.Signature, result.Verified, job.Attempts)
	default:
		w.retryOrDeadLetter(ctx, job, err)
	}
}

func (w *VerificationJobWorker) retryOrDeadLetter(ctx context.Context, job store.VerificationJob, cause error) {
	if job.Attempts < w.maxAttempts {
		delay := retryDelaySeconds(job.Attempts)
		if err := w.repo.RescheduleVerificationJob(ctx, job.ID, delay, cause.Error()); err != nil {
			log.Printf("level=error component=verification_worker msg=\"failed to reschedule job\" job_id=%d err=%v", job.ID, err)
		}
		return
	}

	if err := w.service.ledger.FailPending(ctx, ledger.FailParams{
		UserID:    job.UserID,
		Signature: job.Signature,
		Reason:    unverifiableFailReason,
		Attempts:  job.Attempts,
	}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		log.Printf("level=error component=verification_worker msg=\"failed to close unverifiable payment\" job_id=%d err=%v", job.ID, err)
		if rErr := w.repo.RescheduleVerificationJob(ctx, job.ID, retryDelaySeconds(job.Attempts), err.Error()); rErr != nil {
			log.Printf("level=error component=verification_worker msg=\"failed to reschedule job\" job_id=%d err=%v", job.ID, rErr)
		}
		return
	}
	if err := w.repo.DeadLetterVerificationJob(ctx, job.ID, cause.Error()); err != nil {
		log.Printf("level=error component=verification_worker msg=\"failed to dead-letter job\" job_id=%d err=%v", job.ID, err)
		return
	}
	log.Printf("level=warn component=verification_worker msg=\"verification dead-lettered\" job_id=%d user_id=%s signature=%s attempts=%d", job.ID, job.UserID, job.Signature, job.Attempts)
}

// retryDelaySeconds backs off exponentially, capped at five minutes.
func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 9)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
