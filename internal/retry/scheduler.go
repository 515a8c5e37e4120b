package retry

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// Виды dead-letter для метрик и алертов
const (
	DeadLetterExhausted = "exhausted"
	DeadLetterPermanent = "permanent"
)

// Alerter получает уведомление ровно один раз на событие, переведенное в dead-letter
type Alerter interface {
	DeadLettered(ctx context.Context, rec domain.WebhookEventRecord, kind string, cause error)
}

// Scheduler переводит неудачную обработку в failed с новым сроком или в dead-letter.
// Запись должна принадлежать вызывающему (LeaseToken из Claim).
type Scheduler struct {
	ledger  repository.Ledger
	policy  Policy
	alerter Alerter
	metrics metrics.SyncMetrics
	now     func() time.Time
	log     *logger.Logger
}

// NewScheduler создает планировщик повторов
func NewScheduler(ledger repository.Ledger, policy Policy, alerter Alerter, m metrics.SyncMetrics, log *logger.Logger) *Scheduler {
	return &Scheduler{
		ledger:  ledger,
		policy:  policy,
		alerter: alerter,
		metrics: m,
		now:     time.Now,
		log:     log,
	}
}

// Policy текущая политика повторов
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Schedule планирует попытку attempt после временной ошибки.
// После исчерпания лимита запись уходит в dead-letter с retry_count=max.
func (s *Scheduler) Schedule(ctx context.Context, rec domain.WebhookEventRecord, attempt int, cause error) error {
	if rec.LeaseToken == nil {
		return domain.ErrLeaseLost
	}
	if s.policy.Exhausted(attempt) {
		return s.deadLetter(ctx, rec, domain.DeadLetterUpdate{
			Error:      errorText(cause),
			RetryCount: s.policy.MaxRetries,
		}, DeadLetterExhausted, cause)
	}

	now := s.now()
	next := s.policy.NextRetryAt(attempt, now)
	err := s.ledger.MarkFailed(ctx, rec.EventID, *rec.LeaseToken, domain.FailureUpdate{
		Error:       errorText(cause),
		RetryCount:  attempt,
		NextRetryAt: next,
	}, now)
	if err != nil {
		s.log.Errorw("Failed to schedule retry", "error", err, "eventID", rec.EventID, "attempt", attempt)
		return err
	}

	s.metrics.IncRetryScheduled()
	s.log.Warnw("Event processing failed, retry scheduled",
		"eventID", rec.EventID, "attempt", attempt, "nextRetryAt", next, "cause", errorText(cause))
	return nil
}

// SchedulePermanent сразу переводит запись в dead-letter
func (s *Scheduler) SchedulePermanent(ctx context.Context, rec domain.WebhookEventRecord, cause error) error {
	if rec.LeaseToken == nil {
		return domain.ErrLeaseLost
	}
	return s.deadLetter(ctx, rec, domain.DeadLetterUpdate{
		Error:      errorText(cause),
		RetryCount: rec.RetryCount,
		Permanent:  true,
	}, DeadLetterPermanent, cause)
}

func (s *Scheduler) deadLetter(ctx context.Context, rec domain.WebhookEventRecord, upd domain.DeadLetterUpdate, kind string, cause error) error {
	now := s.now()
	first, err := s.ledger.DeadLetter(ctx, rec.EventID, *rec.LeaseToken, upd, now)
	if err != nil {
		s.log.Errorw("Failed to dead-letter event", "error", err, "eventID", rec.EventID)
		return err
	}
	if !first {
		s.log.Debugw("Event already dead-lettered", "eventID", rec.EventID)
		return nil
	}

	rec.Status = domain.EventStatusFailed
	rec.RetryCount = upd.RetryCount
	rec.LastError = upd.Error
	rec.PermanentFailure = upd.Permanent
	rec.DeadLetteredAt = &now
	rec.NextRetryAt = nil
	rec.LeaseToken = nil
	rec.LeaseExpiresAt = nil

	s.metrics.IncDeadLetter(kind)
	s.log.Errorw("Event dead-lettered", "eventID", rec.EventID, "eventType", rec.EventType,
		"kind", kind, "retryCount", upd.RetryCount, "cause", upd.Error)
	if s.alerter != nil {
		s.alerter.DeadLettered(ctx, rec, kind, cause)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, domain.ErrLeaseExpired) {
		return domain.ErrLeaseExpired.Error()
	}
	return err.Error()
}
