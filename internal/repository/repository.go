package repository

import (
	"context"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/google/uuid"
)

// Ledger журнал идемпотентности уведомлений.
//
// Все отметки о завершении выполняются только владельцем аренды:
// если токен не совпадает, возвращается domain.ErrLeaseLost.
type Ledger interface {
	// RecordIfNew атомарно сохраняет запись; isNew=false для уже известного event_id.
	RecordIfNew(ctx context.Context, rec domain.WebhookEventRecord) (stored domain.WebhookEventRecord, isNew bool, err error)

	// Get возвращает запись по event_id.
	Get(ctx context.Context, eventID string) (domain.WebhookEventRecord, error)

	// Claim переводит готовую к обработке запись в processing и выдает новую аренду.
	// Возвращает domain.ErrNotClaimable, если запись занята, завершена или еще не готова.
	Claim(ctx context.Context, eventID string, now time.Time, lease time.Duration) (domain.WebhookEventRecord, error)

	// ListDue возвращает event_id записей, готовых к обработке.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// StealExpired перехватывает просроченные аренды и возвращает записи с новым токеном.
	StealExpired(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookEventRecord, error)

	MarkSucceeded(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error
	MarkSkipped(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error
	MarkFailed(ctx context.Context, eventID string, token uuid.UUID, upd domain.FailureUpdate, now time.Time) error

	// DeadLetter исключает запись из повторов. first=true только для вызова,
	// который выполнил переход.
	DeadLetter(ctx context.Context, eventID string, token uuid.UUID, upd domain.DeadLetterUpdate, now time.Time) (first bool, err error)

	// Requeue возвращает запись в pending для ручного повтора.
	Requeue(ctx context.Context, eventID string, now time.Time) (domain.WebhookEventRecord, error)
}

// Tx операции внутри транзакции применения изменений.
// Чтения подписок блокируют строку до конца транзакции.
type Tx interface {
	// Lock сериализует транзакцию еще и по key. Ключи берутся в порядке
	// подписка, клиент, пользователь.
	Lock(ctx context.Context, key string) error

	SubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error)
	FreePlanByUser(ctx context.Context, localUserID string) (*domain.Subscription, error)
	SaveSubscription(ctx context.Context, sub domain.Subscription) error

	MappingByUser(ctx context.Context, localUserID string) (*domain.CustomerMapping, error)
	MappingByCustomer(ctx context.Context, remoteCustomerID string) (*domain.CustomerMapping, error)
	InsertMapping(ctx context.Context, m domain.CustomerMapping) error
	UpdateMappingEmail(ctx context.Context, remoteCustomerID, email string, now time.Time) error

	Price(ctx context.Context, remotePriceID string) (*domain.Price, error)
	// UpsertPrice применяет цену, если ее версия новее сохраненной
	UpsertPrice(ctx context.Context, p domain.Price) (applied bool, err error)
	// UpsertInvoice применяет счет, если его версия новее сохраненной
	UpsertInvoice(ctx context.Context, inv domain.Invoice) (applied bool, err error)

	// InsertAudit пишет строку аудита; inserted=false, если событие уже записано для подписки.
	InsertAudit(ctx context.Context, e domain.AuditEntry) (inserted bool, err error)
	InsertOutbox(ctx context.Context, m domain.OutboxMessage) error
}

// SubscriptionReader чтение подписок для пользовательских запросов
type SubscriptionReader interface {
	// ActiveSubscription возвращает текущую подписку пользователя или ErrNotFound.
	ActiveSubscription(ctx context.Context, localUserID string) (*domain.Subscription, error)
}

// Store хранилище синхронизируемых сущностей.
type Store interface {
	SubscriptionReader

	// InTx выполняет fn в транзакции, сериализованной по lockKey.
	InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error

	SubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error)
	SubscriptionByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	MappingByUser(ctx context.Context, localUserID string) (*domain.CustomerMapping, error)
	AuditEntries(ctx context.Context, subscriptionID uuid.UUID) ([]domain.AuditEntry, error)

	// SampleForAudit возвращает удаленные подписки, которые дольше всех не проверялись.
	SampleForAudit(ctx context.Context, limit int) ([]domain.Subscription, error)
	MarkAudited(ctx context.Context, remoteSubscriptionIDs []string, at time.Time) error
	SaveReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error

	PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	Ping(ctx context.Context) error
}

// AdminReader выборки для административных эндпоинтов
type AdminReader interface {
	DeadLetters(ctx context.Context, limit, offset int) ([]domain.WebhookEventRecord, error)
	Reconciliations(ctx context.Context, limit int) ([]domain.ReconciliationRecord, error)
	EventCounts(ctx context.Context) (map[domain.EventStatus]int, error)
}

// SubscriptionCache кеш текущей подписки пользователя
type SubscriptionCache interface {
	GetActiveSubscription(ctx context.Context, localUserID string) (*domain.Subscription, error)
	CacheActiveSubscription(ctx context.Context, sub *domain.Subscription) error
	InvalidateUser(ctx context.Context, localUserID string) error
}
