package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/gas-sponsor-service/internal/domain"
)

// MemoryRepository is a process-local Repository.
//
// Features:
//   - One mutex per user serializes ledger units of work, matching the
//     advisory lock taken by the PostgreSQL implementation
//   - Writes made inside a unit of work are staged and only applied on commit
//   - Outbox and verification job semantics mirror the SQL claim/retry flow
//
// It is intended for tests and single-instance local runs.
type MemoryRepository struct {
	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	payments  map[uuid.UUID]*domain.Payment
	bySig     map[string]uuid.UUID
	sponsored map[uuid.UUID]*domain.SponsoredTransaction
	outbox    []*memoryOutboxEntry
	jobs      []*memoryJobEntry
	seq       int64
	now       func() time.Time
}

type memoryOutboxEntry struct {
	message         OutboxMessage
	status          string
	nextAttemptAt   time.Time
	processingSince time.Time
	lastError       string
}

type memoryJobEntry struct {
	job             VerificationJob
	status          string
	nextAttemptAt   time.Time
	processingSince time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		userLocks: make(map[string]*sync.Mutex),
		payments:  make(map[uuid.UUID]*domain.Payment),
		bySig:     make(map[string]uuid.UUID),
		sponsored: make(map[uuid.UUID]*domain.SponsoredTransaction),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for timestamps and retry schedules.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.userLocks[userID] = lock
	}
	return lock
}

func (r *MemoryRepository) WithinUserLedger(ctx context.Context, userID string, fn func(LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx := &memoryLedgerTx{
		repo:      r,
		userID:    userID,
		payments:  make(map[uuid.UUID]*domain.Payment),
		sponsored: make(map[uuid.UUID]*domain.SponsoredTransaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func copyPayment(p *domain.Payment) *domain.Payment {
	clone := *p
	return &clone
}

func copySponsored(s *domain.SponsoredTransaction) *domain.SponsoredTransaction {
	clone := *s
	clone.Allocations = append([]domain.CreditAllocation(nil), s.Allocations...)
	return &clone
}

func (r *MemoryRepository) GetPaymentBySignature(ctx context.Context, signature string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySig[signature]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(r.payments[id]), nil
}

func (r *MemoryRepository) ListPayments(ctx context.Context, userID string, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]*domain.Payment, 0)
	for _, p := range r.payments {
		if p.UserID == userID {
			items = append(items, copyPayment(p))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Sequence > items[j].Sequence
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryRepository) TotalCredit(ctx context.Context, userID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, p := range r.payments {
		if p.UserID == userID && p.Status == domain.PaymentStatusVerified {
			total += p.CreditRemaining
		}
	}
	return total, nil
}

func (r *MemoryRepository) GetSponsoredTransaction(ctx context.Context, id uuid.UUID) (*domain.SponsoredTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sponsored[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySponsored(s), nil
}

func (r *MemoryRepository) ListSponsoredTransactions(ctx context.Context, userID string, limit int) ([]*domain.SponsoredTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]*domain.SponsoredTransaction, 0)
	for _, s := range r.sponsored {
		if s.UserID == userID {
			items = append(items, copySponsored(s))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryRepository) ListUnsettledSponsoredTransactions(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SponsoredTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]*domain.SponsoredTransaction, 0)
	for _, s := range r.sponsored {
		if s.Status.Terminal() || !s.CreatedAt.Before(olderThan) {
			continue
		}
		items = append(items, copySponsored(s))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stale := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	claimed := make([]OutboxMessage, 0)
	for _, entry := range r.outbox {
		if len(claimed) >= limit {
			break
		}
		due := entry.status == "pending" && !entry.nextAttemptAt.After(now)
		reclaim := entry.status == "processing" && entry.processingSince.Before(stale)
		if !due && !reclaim {
			continue
		}
		entry.status = "processing"
		entry.processingSince = now
		entry.message.Attempts++
		claimed = append(claimed, entry.message)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.outbox {
		if entry.message.ID == id {
			entry.status = "published"
			entry.lastError = ""
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.outbox {
		if entry.message.ID == id {
			entry.status = "pending"
			entry.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			entry.lastError = truncateReason(reason)
			return nil
		}
	}
	return ErrNotFound
}

// OutboxMessages returns every event ever enqueued, in insertion order.
func (r *MemoryRepository) OutboxMessages() []OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutboxMessage, 0, len(r.outbox))
	for _, entry := range r.outbox {
		out = append(out, entry.message)
	}
	return out
}

func (r *MemoryRepository) EnqueueVerificationJob(ctx context.Context, paymentID uuid.UUID, userID, signature, sender string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.jobs {
		if entry.job.Signature != signature {
			continue
		}
		finished := entry.status == "completed" || entry.status == "dead_lettered"
		if finished && entry.job.UserID != userID {
			entry.job.UserID = userID
			entry.job.Sender = sender
			entry.job.Attempts = 0
			entry.job.LastError = nil
			entry.status = "pending"
			entry.nextAttemptAt = r.now()
		}
		return nil
	}
	r.jobs = append(r.jobs, &memoryJobEntry{
		job: VerificationJob{
			ID:        int64(len(r.jobs) + 1),
			PaymentID: paymentID,
			UserID:    userID,
			Signature: signature,
			Sender:    sender,
		},
		status:        "pending",
		nextAttemptAt: r.now(),
	})
	return nil
}

func (r *MemoryRepository) ClaimVerificationJobs(ctx context.Context, limit int, staleAfterSeconds int) ([]VerificationJob, error) {
	if limit <= 0 {
		limit = 25
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 300
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stale := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	claimed := make([]VerificationJob, 0)
	for _, entry := range r.jobs {
		if len(claimed) >= limit {
			break
		}
		due := entry.status == "pending" && !entry.nextAttemptAt.After(now)
		reclaim := entry.status == "processing" && entry.processingSince.Before(stale)
		if !due && !reclaim {
			continue
		}
		entry.status = "processing"
		entry.processingSince = now
		entry.job.Attempts++
		claimed = append(claimed, entry.job)
	}
	return claimed, nil
}

func (r *MemoryRepository) findJobLocked(id int64) *memoryJobEntry {
	for _, entry := range r.jobs {
		if entry.job.ID == id {
			return entry
		}
	}
	return nil
}

func (r *MemoryRepository) CompleteVerificationJob(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.findJobLocked(id)
	if entry == nil {
		return ErrNotFound
	}
	entry.status = "completed"
	return nil
}

func (r *MemoryRepository) RescheduleVerificationJob(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.findJobLocked(id)
	if entry == nil {
		return ErrNotFound
	}
	reason = truncateReason(reason)
	entry.status = "pending"
	entry.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	entry.job.LastError = &reason
	return nil
}

func (r *MemoryRepository) DeadLetterVerificationJob(ctx context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.findJobLocked(id)
	if entry == nil {
		return ErrNotFound
	}
	reason = truncateReason(reason)
	entry.status = "dead_lettered"
	entry.job.LastError = &reason
	return nil
}

// VerificationJobStatus reports the queue status of the job for a signature.
func (r *MemoryRepository) VerificationJobStatus(signature string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.jobs {
		if entry.job.Signature == signature {
			return entry.status, true
		}
	}
	return "", false
}

type memoryLedgerTx struct {
	repo         *MemoryRepository
	userID       string
	payments     map[uuid.UUID]*domain.Payment
	newPayments  []uuid.UUID
	sponsored    map[uuid.UUID]*domain.SponsoredTransaction
	newSponsored []uuid.UUID
	events       []OutboxMessage
}

func (t *memoryLedgerTx) PaymentBySignature(ctx context.Context, signature string) (*domain.Payment, error) {
	for _, p := range t.payments {
		if p.Signature == signature {
			return copyPayment(p), nil
		}
	}
	return t.repo.GetPaymentBySignature(ctx, signature)
}

func (t *memoryLedgerTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	for _, p := range t.payments {
		if p.Signature == payment.Signature {
			return ErrDuplicateSignature
		}
	}

	t.repo.mu.Lock()
	if _, exists := t.repo.bySig[payment.Signature]; exists {
		t.repo.mu.Unlock()
		return ErrDuplicateSignature
	}
	t.repo.seq++
	seq := t.repo.seq
	now := t.repo.now()
	t.repo.mu.Unlock()

	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	payment.UserID = t.userID
	payment.Sequence = seq
	payment.CreatedAt = now
	payment.UpdatedAt = now
	t.payments[payment.ID] = copyPayment(payment)
	t.newPayments = append(t.newPayments, payment.ID)
	return nil
}

func (t *memoryLedgerTx) UpdatePayment(ctx context.Context, payment *domain.Payment) error {
	if _, staged := t.payments[payment.ID]; !staged {
		t.repo.mu.Lock()
		_, exists := t.repo.payments[payment.ID]
		t.repo.mu.Unlock()
		if !exists {
			return ErrNotFound
		}
	}
	t.repo.mu.Lock()
	payment.UpdatedAt = t.repo.now()
	t.repo.mu.Unlock()
	t.payments[payment.ID] = copyPayment(payment)
	return nil
}

// currentPayments overlays staged rows on committed rows for this user.
func (t *memoryLedgerTx) currentPayments() []*domain.Payment {
	merged := make(map[uuid.UUID]*domain.Payment)
	t.repo.mu.Lock()
	for id, p := range t.repo.payments {
		if p.UserID == t.userID {
			merged[id] = copyPayment(p)
		}
	}
	t.repo.mu.Unlock()
	for id, p := range t.payments {
		if p.UserID == t.userID {
			merged[id] = copyPayment(p)
		}
	}

	items := make([]*domain.Payment, 0, len(merged))
	for _, p := range merged {
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Sequence < items[j].Sequence
	})
	return items
}

func (t *memoryLedgerTx) LockSpendablePayments(ctx context.Context) ([]*domain.Payment, error) {
	spendable := make([]*domain.Payment, 0)
	for _, p := range t.currentPayments() {
		if p.Status == domain.PaymentStatusVerified && p.CreditRemaining > 0 {
			spendable = append(spendable, p)
		}
	}
	return spendable, nil
}

func (t *memoryLedgerTx) LockPaymentsByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Payment, error) {
	wanted := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	result := make(map[uuid.UUID]*domain.Payment, len(ids))
	for _, p := range t.currentPayments() {
		if _, ok := wanted[p.ID]; ok {
			result[p.ID] = p
		}
	}
	return result, nil
}

func (t *memoryLedgerTx) InsertSponsoredTransaction(ctx context.Context, sponsored *domain.SponsoredTransaction) error {
	if sponsored.ID == uuid.Nil {
		sponsored.ID = uuid.New()
	}
	for _, s := range t.sponsored {
		if s.Signature == sponsored.Signature {
			return ErrDuplicateSponsorship
		}
	}
	t.repo.mu.Lock()
	if t.repo.sponsoredSignatureTaken(sponsored.Signature) {
		t.repo.mu.Unlock()
		return ErrDuplicateSponsorship
	}
	now := t.repo.now()
	t.repo.mu.Unlock()
	sponsored.UserID = t.userID
	sponsored.CreatedAt = now
	sponsored.UpdatedAt = now
	t.sponsored[sponsored.ID] = copySponsored(sponsored)
	t.newSponsored = append(t.newSponsored, sponsored.ID)
	return nil
}

func (t *memoryLedgerTx) SponsoredTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.SponsoredTransaction, error) {
	if s, ok := t.sponsored[id]; ok {
		return copySponsored(s), nil
	}
	s, err := t.repo.GetSponsoredTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != t.userID {
		return nil, ErrNotFound
	}
	return s, nil
}

func (t *memoryLedgerTx) UpdateSponsoredTransaction(ctx context.Context, sponsored *domain.SponsoredTransaction) error {
	if _, staged := t.sponsored[sponsored.ID]; !staged {
		if _, err := t.repo.GetSponsoredTransaction(ctx, sponsored.ID); err != nil {
			return err
		}
	}
	t.repo.mu.Lock()
	sponsored.UpdatedAt = t.repo.now()
	t.repo.mu.Unlock()
	t.sponsored[sponsored.ID] = copySponsored(sponsored)
	return nil
}

func (t *memoryLedgerTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.events = append(t.events, OutboxMessage{
		Exchange:   strings.TrimSpace(exchange),
		RoutingKey: strings.TrimSpace(routingKey),
		Payload:    blob,
	})
	return nil
}

func (t *memoryLedgerTx) commit() error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range t.newPayments {
		if _, exists := r.bySig[t.payments[id].Signature]; exists {
			return ErrDuplicateSignature
		}
	}

	for _, id := range t.newSponsored {
		if r.sponsoredSignatureTaken(t.sponsored[id].Signature) {
			return ErrDuplicateSponsorship
		}
	}

	for id, p := range t.payments {
		r.payments[id] = copyPayment(p)
		r.bySig[p.Signature] = id
	}
	for id, s := range t.sponsored {
		r.sponsored[id] = copySponsored(s)
	}
	now := r.now()
	for _, event := range t.events {
		event.ID = int64(len(r.outbox) + 1)
		r.outbox = append(r.outbox, &memoryOutboxEntry{
			message:       event,
			status:        "pending",
			nextAttemptAt: now,
		})
	}
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)

// sponsoredSignatureTaken must be called with r.mu held.
func (r *MemoryRepository) sponsoredSignatureTaken(signature *string) bool {
	if signature == nil {
		return false
	}
	for _, s := range r.sponsored {
		if s.Signature != nil && *s.Signature == *signature {
			return true
		}
	}
	return false
}
