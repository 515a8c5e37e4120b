package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditSource источник изменения подписки
type AuditSource string

const (
	AuditSourceWebhook      AuditSource = "webhook"
	AuditSourceDrift        AuditSource = "drift"
	AuditSourceProvisioning AuditSource = "provisioning"
)

// AuditAction тип записи аудита
type AuditAction string

const (
	AuditActionCreated AuditAction = "created"
	AuditActionApplied AuditAction = "applied"
)

// AuditEntry строка аудита с состоянием до и после изменения
type AuditEntry struct {
	ID             int64         `json:"id"`
	SubscriptionID uuid.UUID     `json:"subscription_id"`
	EventID        string        `json:"event_id,omitempty"`
	Source         AuditSource   `json:"source"`
	Action         AuditAction   `json:"action"`
	ChangedFields  []string      `json:"changed_fields"`
	Before         *Subscription `json:"before,omitempty"`
	After          Subscription  `json:"after"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ReconciliationRecord результат проверки одной подписки аудитором расхождений
type ReconciliationRecord struct {
	ID                   int64                 `json:"id,omitempty"`
	SubscriptionID       *uuid.UUID            `json:"subscription_id,omitempty"`
	RemoteSubscriptionID string                `json:"remote_subscription_id"`
	DetectedAt           time.Time             `json:"detected_at"`
	LocalSnapshot        *Subscription         `json:"local_snapshot,omitempty"`
	RemoteSnapshot       *SubscriptionSnapshot `json:"remote_snapshot,omitempty"`
	DivergentFields      []string              `json:"divergent_fields"`
	Repaired             bool                  `json:"repaired"`
	Error                string                `json:"error,omitempty"`
}

// Drifted true, если найдено расхождение
func (r ReconciliationRecord) Drifted() bool {
	return len(r.DivergentFields) > 0
}

// OutboxKind тип сообщения в outbox
type OutboxKind string

const (
	OutboxKindSubscriptionChanged OutboxKind = "subscription.changed"
)

// OutboxMessage сообщение, записанное в той же транзакции, что и изменение подписки
type OutboxMessage struct {
	ID          uuid.UUID  `json:"id"`
	Kind        OutboxKind `json:"kind"`
	Key         string     `json:"key"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

// SubscriptionChanged сигнал для пересчета производных метрик (MRR/ARR, проратирование)
type SubscriptionChanged struct {
	SubscriptionID       uuid.UUID          `json:"subscription_id"`
	LocalUserID          string             `json:"local_user_id"`
	RemoteSubscriptionID string             `json:"remote_subscription_id,omitempty"`
	PreviousStatus       SubscriptionStatus `json:"previous_status,omitempty"`
	Status               SubscriptionStatus `json:"status"`
	PreviousPriceID      string             `json:"previous_price_id,omitempty"`
	PriceID              string             `json:"price_id"`
	PreviousQuantity     int64              `json:"previous_quantity,omitempty"`
	Quantity             int64              `json:"quantity"`
	UnitAmount           int64              `json:"unit_amount"`
	Currency             string             `json:"currency,omitempty"`
	Interval             string             `json:"interval,omitempty"`
	ChangedFields        []string           `json:"changed_fields"`
	Source               AuditSource        `json:"source"`
	EventID              string             `json:"event_id,omitempty"`
	Version              time.Time          `json:"version"`
	OccurredAt           time.Time          `json:"occurred_at"`
}
