package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
)

// InMemoryLedger реализация журнала идемпотентности в памяти
type InMemoryLedger struct {
	records map[string]domain.WebhookEventRecord
	mutex   sync.RWMutex
	log     *logger.Logger
}

// NewInMemoryLedger создает новый журнал в памяти
func NewInMemoryLedger(log *logger.Logger) *InMemoryLedger {
	return &InMemoryLedger{
		records: make(map[string]domain.WebhookEventRecord),
		log:     log,
	}
}

func (l *InMemoryLedger) RecordIfNew(ctx context.Context, rec domain.WebhookEventRecord) (domain.WebhookEventRecord, bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if existing, ok := l.records[rec.EventID]; ok {
		return clone(existing), false, nil
	}
	if rec.Status == "" {
		rec.Status = domain.EventStatusPending
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.UpdatedAt = rec.ReceivedAt
	l.records[rec.EventID] = rec
	return clone(rec), true, nil
}

func (l *InMemoryLedger) Get(ctx context.Context, eventID string) (domain.WebhookEventRecord, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	rec, ok := l.records[eventID]
	if !ok {
		return domain.WebhookEventRecord{}, domain.NewNotFoundError("webhook event", eventID)
	}
	return clone(rec), nil
}

func (l *InMemoryLedger) Claim(ctx context.Context, eventID string, now time.Time, lease time.Duration) (domain.WebhookEventRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rec, ok := l.records[eventID]
	if !ok {
		return domain.WebhookEventRecord{}, domain.NewNotFoundError("webhook event", eventID)
	}
	if !rec.IsDue(now) {
		return domain.WebhookEventRecord{}, domain.ErrNotClaimable
	}
	grantLease(&rec, now, lease)
	l.records[eventID] = rec
	return clone(rec), nil
}

func (l *InMemoryLedger) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	due := make([]domain.WebhookEventRecord, 0)
	for _, rec := range l.records {
		if rec.IsDue(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return dueAt(due[i]).Before(dueAt(due[j]))
	})
	ids := make([]string, 0, len(due))
	for i, rec := range due {
		if limit > 0 && i >= limit {
			break
		}
		ids = append(ids, rec.EventID)
	}
	return ids, nil
}

func (l *InMemoryLedger) StealExpired(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookEventRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var stolen []domain.WebhookEventRecord
	for id, rec := range l.records {
		if limit > 0 && len(stolen) >= limit {
			break
		}
		if rec.Status != domain.EventStatusProcessing || rec.LeaseExpiresAt == nil || rec.LeaseExpiresAt.After(now) {
			continue
		}
		grantLease(&rec, now, lease)
		l.records[id] = rec
		stolen = append(stolen, clone(rec))
	}
	return stolen, nil
}

func (l *InMemoryLedger) MarkSucceeded(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error {
	return l.finish(eventID, token, domain.EventStatusSucceeded, note, now)
}

func (l *InMemoryLedger) MarkSkipped(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error {
	return l.finish(eventID, token, domain.EventStatusSkipped, note, now)
}

func (l *InMemoryLedger) finish(eventID string, token uuid.UUID, status domain.EventStatus, note string, now time.Time) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rec, err := l.owned(eventID, token)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.Note = note
	rec.LastError = ""
	rec.NextRetryAt = nil
	rec.ProcessedAt = &now
	releaseLease(&rec)
	rec.UpdatedAt = now
	l.records[eventID] = rec
	return nil
}

func (l *InMemoryLedger) MarkFailed(ctx context.Context, eventID string, token uuid.UUID, upd domain.FailureUpdate, now time.Time) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rec, err := l.owned(eventID, token)
	if err != nil {
		return err
	}
	next := upd.NextRetryAt
	rec.Status = domain.EventStatusFailed
	rec.RetryCount = upd.RetryCount
	rec.NextRetryAt = &next
	rec.LastError = upd.Error
	releaseLease(&rec)
	rec.UpdatedAt = now
	l.records[eventID] = rec
	return nil
}

func (l *InMemoryLedger) DeadLetter(ctx context.Context, eventID string, token uuid.UUID, upd domain.DeadLetterUpdate, now time.Time) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rec, ok := l.records[eventID]
	if !ok {
		return false, domain.NewNotFoundError("webhook event", eventID)
	}
	if rec.DeadLetteredAt != nil {
		return false, nil
	}
	if rec.LeaseToken == nil || *rec.LeaseToken != token {
		return false, domain.ErrLeaseLost
	}
	rec.Status = domain.EventStatusFailed
	rec.RetryCount = upd.RetryCount
	rec.LastError = upd.Error
	rec.PermanentFailure = upd.Permanent
	rec.NextRetryAt = nil
	rec.DeadLetteredAt = &now
	releaseLease(&rec)
	rec.UpdatedAt = now
	l.records[eventID] = rec
	return true, nil
}

func (l *InMemoryLedger) Requeue(ctx context.Context, eventID string, now time.Time) (domain.WebhookEventRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	rec, ok := l.records[eventID]
	if !ok {
		return domain.WebhookEventRecord{}, domain.NewNotFoundError("webhook event", eventID)
	}
	if rec.Status == domain.EventStatusProcessing && rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.After(now) {
		return domain.WebhookEventRecord{}, domain.ErrNotClaimable
	}
	rec.Status = domain.EventStatusPending
	rec.RetryCount = 0
	rec.NextRetryAt = nil
	rec.PermanentFailure = false
	rec.DeadLetteredAt = nil
	rec.Note = ""
	releaseLease(&rec)
	rec.UpdatedAt = now
	l.records[eventID] = rec
	return clone(rec), nil
}

// DeadLetters записи, исключенные из повторов, от новых к старым
func (l *InMemoryLedger) DeadLetters(ctx context.Context, limit, offset int) ([]domain.WebhookEventRecord, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var out []domain.WebhookEventRecord
	for _, rec := range l.records {
		if rec.DeadLetteredAt != nil {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt.After(*out[j].DeadLetteredAt) })
	return page(out, limit, offset), nil
}

// EventCounts количество записей по статусам
func (l *InMemoryLedger) EventCounts(ctx context.Context) (map[domain.EventStatus]int, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	counts := make(map[domain.EventStatus]int)
	for _, rec := range l.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (l *InMemoryLedger) owned(eventID string, token uuid.UUID) (domain.WebhookEventRecord, error) {
	rec, ok := l.records[eventID]
	if !ok {
		return domain.WebhookEventRecord{}, domain.NewNotFoundError("webhook event", eventID)
	}
	if rec.Status != domain.EventStatusProcessing || rec.LeaseToken == nil || *rec.LeaseToken != token {
		return domain.WebhookEventRecord{}, domain.ErrLeaseLost
	}
	return rec, nil
}

func grantLease(rec *domain.WebhookEventRecord, now time.Time, lease time.Duration) {
	token := uuid.New()
	expires := now.Add(lease)
	rec.Status = domain.EventStatusProcessing
	rec.LeaseToken = &token
	rec.LeaseExpiresAt = &expires
	rec.UpdatedAt = now
}

func releaseLease(rec *domain.WebhookEventRecord) {
	rec.LeaseToken = nil
	rec.LeaseExpiresAt = nil
}

func dueAt(rec domain.WebhookEventRecord) time.Time {
	if rec.NextRetryAt != nil {
		return *rec.NextRetryAt
	}
	return rec.ReceivedAt
}

func clone(rec domain.WebhookEventRecord) domain.WebhookEventRecord {
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
