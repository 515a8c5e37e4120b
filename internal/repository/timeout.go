package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/google/uuid"
)

// bounded выполняет fn с таймаутом d. Истечение собственного таймаута
// превращается во временную ошибку ErrTimeoutExceeded.
func bounded(ctx context.Context, d time.Duration, op string, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err == nil || ctx.Err() != nil || !errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, domain.ErrTimeoutExceeded) {
		return err
	}
	return domain.Transient(op, errors.Join(domain.ErrTimeoutExceeded, err))
}

// TimeoutLedger ограничивает время каждого обращения к журналу
type TimeoutLedger struct {
	next    Ledger
	timeout time.Duration
}

// NewTimeoutLedger оборачивает журнал; timeout <= 0 отключает ограничение
func NewTimeoutLedger(next Ledger, timeout time.Duration) Ledger {
	return &TimeoutLedger{next: next, timeout: timeout}
}

func (l *TimeoutLedger) RecordIfNew(ctx context.Context, rec domain.WebhookEventRecord) (stored domain.WebhookEventRecord, isNew bool, err error) {
	err = bounded(ctx, l.timeout, "record event", func(ctx context.Context) error {
		var err error
		stored, isNew, err = l.next.RecordIfNew(ctx, rec)
		return err
	})
	return stored, isNew, err
}

func (l *TimeoutLedger) Get(ctx context.Context, eventID string) (rec domain.WebhookEventRecord, err error) {
	err = bounded(ctx, l.timeout, "get event", func(ctx context.Context) error {
		var err error
		rec, err = l.next.Get(ctx, eventID)
		return err
	})
	return rec, err
}

func (l *TimeoutLedger) Claim(ctx context.Context, eventID string, now time.Time, lease time.Duration) (rec domain.WebhookEventRecord, err error) {
	err = bounded(ctx, l.timeout, "claim event", func(ctx context.Context) error {
		var err error
		rec, err = l.next.Claim(ctx, eventID, now, lease)
		return err
	})
	return rec, err
}

func (l *TimeoutLedger) ListDue(ctx context.Context, now time.Time, limit int) (ids []string, err error) {
	err = bounded(ctx, l.timeout, "list due events", func(ctx context.Context) error {
		var err error
		ids, err = l.next.ListDue(ctx, now, limit)
		return err
	})
	return ids, err
}

func (l *TimeoutLedger) StealExpired(ctx context.Context, now time.Time, lease time.Duration, limit int) (recs []domain.WebhookEventRecord, err error) {
	err = bounded(ctx, l.timeout, "steal expired leases", func(ctx context.Context) error {
		var err error
		recs, err = l.next.StealExpired(ctx, now, lease, limit)
		return err
	})
	return recs, err
}

func (l *TimeoutLedger) MarkSucceeded(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error {
	return bounded(ctx, l.timeout, "mark succeeded", func(ctx context.Context) error {
		return l.next.MarkSucceeded(ctx, eventID, token, note, now)
	})
}

func (l *TimeoutLedger) MarkSkipped(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error {
	return bounded(ctx, l.timeout, "mark skipped", func(ctx context.Context) error {
		return l.next.MarkSkipped(ctx, eventID, token, note, now)
	})
}

func (l *TimeoutLedger) MarkFailed(ctx context.Context, eventID string, token uuid.UUID, upd domain.FailureUpdate, now time.Time) error {
	return bounded(ctx, l.timeout, "mark failed", func(ctx context.Context) error {
		return l.next.MarkFailed(ctx, eventID, token, upd, now)
	})
}

func (l *TimeoutLedger) DeadLetter(ctx context.Context, eventID string, token uuid.UUID, upd domain.DeadLetterUpdate, now time.Time) (first bool, err error) {
	err = bounded(ctx, l.timeout, "dead-letter event", func(ctx context.Context) error {
		var err error
		first, err = l.next.DeadLetter(ctx, eventID, token, upd, now)
		return err
	})
	return first, err
}

func (l *TimeoutLedger) Requeue(ctx context.Context, eventID string, now time.Time) (rec domain.WebhookEventRecord, err error) {
	err = bounded(ctx, l.timeout, "requeue event", func(ctx context.Context) error {
		var err error
		rec, err = l.next.Requeue(ctx, eventID, now)
		return err
	})
	return rec, err
}

// TimeoutStore ограничивает время каждой транзакции и каждого чтения хранилища
type TimeoutStore struct {
	next    Store
	timeout time.Duration
}

// NewTimeoutStore оборачивает хранилище; timeout <= 0 отключает ограничение
func NewTimeoutStore(next Store, timeout time.Duration) Store {
	return &TimeoutStore{next: next, timeout: timeout}
}

func (s *TimeoutStore) InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error {
	return bounded(ctx, s.timeout, "tx "+lockKey, func(ctx context.Context) error {
		return s.next.InTx(ctx, lockKey, fn)
	})
}

func (s *TimeoutStore) ActiveSubscription(ctx context.Context, localUserID string) (sub *domain.Subscription, err error) {
	err = bounded(ctx, s.timeout, "active subscription", func(ctx context.Context) error {
		var err error
		sub, err = s.next.ActiveSubscription(ctx, localUserID)
		return err
	})
	return sub, err
}

func (s *TimeoutStore) SubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (sub *domain.Subscription, err error) {
	err = bounded(ctx, s.timeout, "subscription by remote id", func(ctx context.Context) error {
		var err error
		sub, err = s.next.SubscriptionByRemoteID(ctx, remoteSubscriptionID)
		return err
	})
	return sub, err
}

func (s *TimeoutStore) SubscriptionByID(ctx context.Context, id uuid.UUID) (sub *domain.Subscription, err error) {
	err = bounded(ctx, s.timeout, "subscription by id", func(ctx context.Context) error {
		var err error
		sub, err = s.next.SubscriptionByID(ctx, id)
		return err
	})
	return sub, err
}

func (s *TimeoutStore) MappingByUser(ctx context.Context, localUserID string) (m *domain.CustomerMapping, err error) {
	err = bounded(ctx, s.timeout, "mapping by user", func(ctx context.Context) error {
		var err error
		m, err = s.next.MappingByUser(ctx, localUserID)
		return err
	})
	return m, err
}

func (s *TimeoutStore) AuditEntries(ctx context.Context, subscriptionID uuid.UUID) (entries []domain.AuditEntry, err error) {
	err = bounded(ctx, s.timeout, "audit entries", func(ctx context.Context) error {
		var err error
		entries, err = s.next.AuditEntries(ctx, subscriptionID)
		return err
	})
	return entries, err
}

func (s *TimeoutStore) SampleForAudit(ctx context.Context, limit int) (subs []domain.Subscription, err error) {
	err = bounded(ctx, s.timeout, "sample for audit", func(ctx context.Context) error {
		var err error
		subs, err = s.next.SampleForAudit(ctx, limit)
		return err
	})
	return subs, err
}

func (s *TimeoutStore) MarkAudited(ctx context.Context, remoteSubscriptionIDs []string, at time.Time) error {
	return bounded(ctx, s.timeout, "mark audited", func(ctx context.Context) error {
		return s.next.MarkAudited(ctx, remoteSubscriptionIDs, at)
	})
}

func (s *TimeoutStore) SaveReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error {
	return bounded(ctx, s.timeout, "save reconciliation", func(ctx context.Context) error {
		return s.next.SaveReconciliation(ctx, rec)
	})
}

func (s *TimeoutStore) PendingOutbox(ctx context.Context, limit int) (msgs []domain.OutboxMessage, err error) {
	err = bounded(ctx, s.timeout, "pending outbox", func(ctx context.Context) error {
		var err error
		msgs, err = s.next.PendingOutbox(ctx, limit)
		return err
	})
	return msgs, err
}

func (s *TimeoutStore) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return bounded(ctx, s.timeout, "mark outbox published", func(ctx context.Context) error {
		return s.next.MarkOutboxPublished(ctx, id, at)
	})
}

func (s *TimeoutStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return bounded(ctx, s.timeout, "mark outbox failed", func(ctx context.Context) error {
		return s.next.MarkOutboxFailed(ctx, id, errMsg)
	})
}

func (s *TimeoutStore) Ping(ctx context.Context) error {
	return bounded(ctx, s.timeout, "ping", s.next.Ping)
}

// TimeoutAdminReader ограничивает время административных выборок
type TimeoutAdminReader struct {
	next    AdminReader
	timeout time.Duration
}

// NewTimeoutAdminReader оборачивает выборки; timeout <= 0 отключает ограничение
func NewTimeoutAdminReader(next AdminReader, timeout time.Duration) AdminReader {
	return &TimeoutAdminReader{next: next, timeout: timeout}
}

func (r *TimeoutAdminReader) DeadLetters(ctx context.Context, limit, offset int) (recs []domain.WebhookEventRecord, err error) {
	err = bounded(ctx, r.timeout, "dead letters", func(ctx context.Context) error {
		var err error
		recs, err = r.next.DeadLetters(ctx, limit, offset)
		return err
	})
	return recs, err
}

func (r *TimeoutAdminReader) Reconciliations(ctx context.Context, limit int) (recs []domain.ReconciliationRecord, err error) {
	err = bounded(ctx, r.timeout, "reconciliations", func(ctx context.Context) error {
		var err error
		recs, err = r.next.Reconciliations(ctx, limit)
		return err
	})
	return recs, err
}

func (r *TimeoutAdminReader) EventCounts(ctx context.Context) (counts map[domain.EventStatus]int, err error) {
	err = bounded(ctx, r.timeout, "event counts", func(ctx context.Context) error {
		var err error
		counts, err = r.next.EventCounts(ctx)
		return err
	})
	return counts, err
}
