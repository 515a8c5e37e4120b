package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки (совпадает со значениями Stripe)
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
)

const (
	// FreePlanPriceID идентификатор цены бесплатного плана в каталоге
	FreePlanPriceID = "free"
	// FreePlanMarker второй компонент ключа бесплатной подписки (local_user_id, marker)
	FreePlanMarker = "free-plan-marker"
)

var knownStatuses = map[SubscriptionStatus]struct{}{
	SubscriptionStatusIncomplete:        {},
	SubscriptionStatusIncompleteExpired: {},
	SubscriptionStatusTrialing:          {},
	SubscriptionStatusActive:            {},
	SubscriptionStatusPastDue:           {},
	SubscriptionStatusCanceled:          {},
	SubscriptionStatusUnpaid:            {},
	SubscriptionStatusPaused:            {},
}

// ParseSubscriptionStatus проверяет, что статус известен.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	status := SubscriptionStatus(s)
	_, ok := knownStatuses[status]
	return status, ok
}

// IsTerminal статусы без исходящих переходов
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusIncompleteExpired
}

// GrantsAccess статусы, при которых подписка считается действующей для пользователя
func (s SubscriptionStatus) GrantsAccess() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// Subscription локальная проекция подписки.
// RemoteSubscriptionID == nil означает бесплатный план.
type Subscription struct {
	ID                   uuid.UUID          `json:"id"`
	LocalUserID          string             `json:"local_user_id"`
	RemoteSubscriptionID *string            `json:"remote_subscription_id,omitempty"`
	RemoteCustomerID     *string            `json:"remote_customer_id,omitempty"`
	RemotePriceID        string             `json:"remote_price_id"`
	Status               SubscriptionStatus `json:"status"`
	Quantity             int64              `json:"quantity"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CancelAt             *time.Time         `json:"cancel_at,omitempty"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty"`
	EndedAt              *time.Time         `json:"ended_at,omitempty"`
	TrialStart           *time.Time         `json:"trial_start,omitempty"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty"`
	RemoteVersion        time.Time          `json:"remote_version_timestamp"`
	LastAuditedAt        *time.Time         `json:"last_audited_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// IsFreePlan true для подписки без удаленного идентификатора
func (s Subscription) IsFreePlan() bool {
	return s.RemoteSubscriptionID == nil
}

// LockKey ключ сериализации записи подписки
func (s Subscription) LockKey() string {
	if s.RemoteSubscriptionID != nil {
		return SubscriptionLockKey(*s.RemoteSubscriptionID)
	}
	return FreePlanLockKey(s.LocalUserID)
}

func SubscriptionLockKey(remoteSubscriptionID string) string {
	return "sub:" + remoteSubscriptionID
}

func FreePlanLockKey(localUserID string) string {
	return "free:" + localUserID + ":" + FreePlanMarker
}

// Validate проверяет структурные инварианты подписки.
func (s Subscription) Validate() error {
	if s.LocalUserID == "" {
		return NewConstraintError("subscriptions_local_user_id", "local user id is empty")
	}
	if s.RemoteSubscriptionID != nil && (s.RemoteCustomerID == nil || *s.RemoteCustomerID == "") {
		return NewConstraintError("subscriptions_remote_customer_chk", "remote subscription without remote customer")
	}
	if s.Quantity < 1 {
		return NewConstraintError("subscriptions_quantity_chk", "quantity must be >= 1")
	}
	if !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		return NewConstraintError("subscriptions_period_chk", "current_period_end must be after current_period_start")
	}
	if _, ok := knownStatuses[s.Status]; !ok {
		return NewConstraintError("subscriptions_status_chk", "unknown status "+string(s.Status))
	}
	return nil
}

// SubscriptionSnapshot состояние подписки на стороне Stripe на момент Version.
type SubscriptionSnapshot struct {
	RemoteSubscriptionID string             `json:"remote_subscription_id"`
	RemoteCustomerID     string             `json:"remote_customer_id"`
	CustomerEmail        string             `json:"customer_email,omitempty"`
	LocalUserID          string             `json:"local_user_id,omitempty"`
	Status               SubscriptionStatus `json:"status"`
	Price                Price              `json:"price"`
	Quantity             int64              `json:"quantity"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CancelAt             *time.Time         `json:"cancel_at,omitempty"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty"`
	EndedAt              *time.Time         `json:"ended_at,omitempty"`
	TrialStart           *time.Time         `json:"trial_start,omitempty"`
	TrialEnd             *time.Time         `json:"trial_end,omitempty"`
	Version              time.Time          `json:"version"`
}

// StringPtr возвращает указатель на строку (nil для пустой)
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue разыменовывает указатель
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
