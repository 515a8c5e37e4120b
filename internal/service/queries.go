package service

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// StatusPending статус для пользователя, у которого нет локальной подписки
const StatusPending = "pending"

// AccountView подписка пользователя для чтения из UI
type AccountView struct {
	UserID       string               `json:"user_id"`
	Status       string               `json:"status"`
	HasAccess    bool                 `json:"has_access"`
	FreePlan     bool                 `json:"free_plan"`
	Subscription *domain.Subscription `json:"subscription,omitempty"`
}

// Queries операции чтения и ручного управления журналом
type Queries struct {
	subscriptions repository.SubscriptionReader
	ledger        repository.Ledger
	admin         repository.AdminReader
	processor     *Processor
	now           func() time.Time
	log           *logger.Logger
}

// NewQueries создает сервис чтения
func NewQueries(subscriptions repository.SubscriptionReader, ledger repository.Ledger, admin repository.AdminReader,
	processor *Processor, log *logger.Logger) *Queries {
	return &Queries{
		subscriptions: subscriptions,
		ledger:        ledger,
		admin:         admin,
		processor:     processor,
		now:           func() time.Time { return time.Now().UTC() },
		log:           log,
	}
}

// AccountSubscription никогда не возвращает ошибку: отсутствующая или
// недоступная запись показывается как pending.
func (q *Queries) AccountSubscription(ctx context.Context, userID string) AccountView {
	view := AccountView{UserID: userID, Status: StatusPending}

	sub, err := q.subscriptions.ActiveSubscription(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			q.log.Warnw("Failed to read subscription, rendering pending", "error", err, "userID", userID)
		}
		return view
	}

	view.Status = string(sub.Status)
	view.HasAccess = sub.Status.GrantsAccess()
	view.FreePlan = sub.IsFreePlan()
	view.Subscription = sub
	return view
}

// Event запись журнала по event_id
func (q *Queries) Event(ctx context.Context, eventID string) (domain.WebhookEventRecord, error) {
	return q.ledger.Get(ctx, eventID)
}

func (q *Queries) DeadLetters(ctx context.Context, limit, offset int) ([]domain.WebhookEventRecord, error) {
	return q.admin.DeadLetters(ctx, limit, offset)
}

func (q *Queries) Reconciliations(ctx context.Context, limit int) ([]domain.ReconciliationRecord, error) {
	return q.admin.Reconciliations(ctx, limit)
}

// Replay возвращает событие в pending и сразу обрабатывает его.
// Ошибка обработки уже отражена в записи журнала, поэтому возвращается запись.
func (q *Queries) Replay(ctx context.Context, eventID string) (domain.WebhookEventRecord, error) {
	if _, err := q.ledger.Requeue(ctx, eventID, q.now()); err != nil {
		return domain.WebhookEventRecord{}, err
	}
	q.log.Infow("Event requeued for replay", "eventID", eventID)

	if err := q.processor.Process(ctx, eventID); err != nil {
		q.log.Warnw("Replay processing returned error", "error", err, "eventID", eventID)
	}
	return q.ledger.Get(ctx, eventID)
}
