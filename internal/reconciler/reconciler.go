// Package reconciler проецирует снимок подписки Stripe на локальную запись.
// Пакет не имеет состояния и не обращается к хранилищу.
package reconciler

import (
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/google/uuid"
)

// Outcome результат сверки
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
	OutcomeRejected  Outcome = "rejected"
)

// Applied true, если запись нужно сохранить
func (o Outcome) Applied() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeUnchanged
}

// Имена полей, которые сравниваются при сверке
const (
	FieldStatus             = "status"
	FieldPrice              = "remote_price_id"
	FieldQuantity           = "quantity"
	FieldRemoteCustomer     = "remote_customer_id"
	FieldCurrentPeriodStart = "current_period_start"
	FieldCurrentPeriodEnd   = "current_period_end"
	FieldCancelAtPeriodEnd  = "cancel_at_period_end"
	FieldCancelAt           = "cancel_at"
	FieldCanceledAt         = "canceled_at"
	FieldEndedAt            = "ended_at"
	FieldTrialStart         = "trial_start"
	FieldTrialEnd           = "trial_end"
	// FieldMissingLocal локальной записи нет вовсе
	FieldMissingLocal = "missing_local"
)

var billingFields = map[string]struct{}{
	FieldStatus:   {},
	FieldPrice:    {},
	FieldQuantity: {},
}

// Transition переход статуса
type Transition struct {
	From  domain.SubscriptionStatus
	To    domain.SubscriptionStatus
	Legal bool
}

// Decision результат Reconcile
type Decision struct {
	Outcome        Outcome
	Before         *domain.Subscription
	Record         domain.Subscription
	ChangedFields  []string
	BillingChanged bool
	Transition     Transition
}

var transitions = map[domain.SubscriptionStatus][]domain.SubscriptionStatus{
	domain.SubscriptionStatusIncomplete: {domain.SubscriptionStatusActive, domain.SubscriptionStatusIncompleteExpired},
	domain.SubscriptionStatusTrialing:   {domain.SubscriptionStatusActive, domain.SubscriptionStatusCanceled, domain.SubscriptionStatusPastDue},
	domain.SubscriptionStatusActive:     {domain.SubscriptionStatusPastDue, domain.SubscriptionStatusCanceled, domain.SubscriptionStatusPaused},
	domain.SubscriptionStatusPastDue:    {domain.SubscriptionStatusActive, domain.SubscriptionStatusCanceled, domain.SubscriptionStatusUnpaid},
	domain.SubscriptionStatusUnpaid:     {domain.SubscriptionStatusActive, domain.SubscriptionStatusCanceled},
	domain.SubscriptionStatusPaused:     {domain.SubscriptionStatusActive, domain.SubscriptionStatusCanceled},
}

// CanTransition проверяет переход по графу состояний. Переход в тот же статус допустим всегда.
func CanTransition(from, to domain.SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reconcile вычисляет новую локальную запись по снимку.
//
// Снимок с версией не новее локальной отбрасывается (OutcomeStale).
// Выход из терминального статуса отклоняется (OutcomeRejected).
// Переходы вне графа применяются, но помечаются Transition.Legal=false:
// снимок авторитетен, а промежуточные события могли потеряться.
// current == nil означает, что подписки еще нет; snap.LocalUserID тогда обязателен.
func Reconcile(current *domain.Subscription, snap domain.SubscriptionSnapshot, now time.Time) (Decision, error) {
	if snap.RemoteSubscriptionID == "" {
		return Decision{}, domain.Malformed("reconcile", fmt.Errorf("%w: snapshot without subscription id", domain.ErrMalformedEvent))
	}

	if current == nil {
		if snap.LocalUserID == "" {
			return Decision{}, domain.Transient("reconcile", domain.ErrCustomerMappingMissing)
		}
		record := project(domain.Subscription{
			ID:          uuid.New(),
			LocalUserID: snap.LocalUserID,
			CreatedAt:   now,
		}, snap, now)
		if err := record.Validate(); err != nil {
			return Decision{}, err
		}
		return Decision{
			Outcome:        OutcomeCreated,
			Record:         record,
			ChangedFields:  allFields(),
			BillingChanged: true,
			Transition:     Transition{To: snap.Status, Legal: true},
		}, nil
	}

	before := *current
	if before.RemoteSubscriptionID == nil || *before.RemoteSubscriptionID != snap.RemoteSubscriptionID {
		return Decision{}, domain.NewConstraintError("subscriptions_remote_subscription_id",
			fmt.Sprintf("snapshot %s applied to subscription %s", snap.RemoteSubscriptionID, before.ID))
	}

	if !snap.Version.After(before.RemoteVersion) {
		return Decision{Outcome: OutcomeStale, Before: &before, Record: before}, nil
	}

	if before.RemoteCustomerID != nil && *before.RemoteCustomerID != snap.RemoteCustomerID {
		return Decision{}, domain.NewConstraintError("subscriptions_remote_customer_immutable",
			fmt.Sprintf("customer %s differs from assigned %s", snap.RemoteCustomerID, *before.RemoteCustomerID))
	}

	tr := Transition{From: before.Status, To: snap.Status, Legal: CanTransition(before.Status, snap.Status)}
	if before.Status.IsTerminal() && before.Status != snap.Status {
		return Decision{Outcome: OutcomeRejected, Before: &before, Record: before, Transition: tr}, nil
	}

	record := project(before, snap, now)
	if err := record.Validate(); err != nil {
		return Decision{}, err
	}

	changed := diffFields(before, record)
	outcome := OutcomeUpdated
	if len(changed) == 0 {
		outcome = OutcomeUnchanged
	}

	return Decision{
		Outcome:        outcome,
		Before:         &before,
		Record:         record,
		ChangedFields:  changed,
		BillingChanged: touchesBilling(changed),
		Transition:     tr,
	}, nil
}

// Diff возвращает поля, в которых локальная запись расходится со снимком.
// Версия и служебные поля не сравниваются.
func Diff(local *domain.Subscription, remote domain.SubscriptionSnapshot) []string {
	if local == nil {
		return []string{FieldMissingLocal}
	}
	projected := project(*local, remote, local.UpdatedAt)
	return diffFields(*local, projected)
}

func project(base domain.Subscription, snap domain.SubscriptionSnapshot, now time.Time) domain.Subscription {
	out := base
	remoteSubID := snap.RemoteSubscriptionID
	remoteCustomerID := snap.RemoteCustomerID
	out.RemoteSubscriptionID = &remoteSubID
	out.RemoteCustomerID = &remoteCustomerID
	out.RemotePriceID = snap.Price.RemotePriceID
	out.Status = snap.Status
	out.Quantity = snap.Quantity
	out.CurrentPeriodStart = snap.CurrentPeriodStart
	out.CurrentPeriodEnd = snap.CurrentPeriodEnd
	out.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	out.CancelAt = copyTime(snap.CancelAt)
	out.CanceledAt = copyTime(snap.CanceledAt)
	out.EndedAt = copyTime(snap.EndedAt)
	out.TrialStart = copyTime(snap.TrialStart)
	out.TrialEnd = copyTime(snap.TrialEnd)
	out.RemoteVersion = snap.Version
	out.UpdatedAt = now
	return out
}

func diffFields(a, b domain.Subscription) []string {
	var changed []string
	if a.Status != b.Status {
		changed = append(changed, FieldStatus)
	}
	if a.RemotePriceID != b.RemotePriceID {
		changed = append(changed, FieldPrice)
	}
	if a.Quantity != b.Quantity {
		changed = append(changed, FieldQuantity)
	}
	if domain.StringValue(a.RemoteCustomerID) != domain.StringValue(b.RemoteCustomerID) {
		changed = append(changed, FieldRemoteCustomer)
	}
	if !a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) {
		changed = append(changed, FieldCurrentPeriodStart)
	}
	if !a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) {
		changed = append(changed, FieldCurrentPeriodEnd)
	}
	if a.CancelAtPeriodEnd != b.CancelAtPeriodEnd {
		changed = append(changed, FieldCancelAtPeriodEnd)
	}
	if !sameTime(a.CancelAt, b.CancelAt) {
		changed = append(changed, FieldCancelAt)
	}
	if !sameTime(a.CanceledAt, b.CanceledAt) {
		changed = append(changed, FieldCanceledAt)
	}
	if !sameTime(a.EndedAt, b.EndedAt) {
		changed = append(changed, FieldEndedAt)
	}
	if !sameTime(a.TrialStart, b.TrialStart) {
		changed = append(changed, FieldTrialStart)
	}
	if !sameTime(a.TrialEnd, b.TrialEnd) {
		changed = append(changed, FieldTrialEnd)
	}
	return changed
}

func allFields() []string {
	return []string{
		FieldStatus, FieldPrice, FieldQuantity, FieldRemoteCustomer,
		FieldCurrentPeriodStart, FieldCurrentPeriodEnd, FieldCancelAtPeriodEnd,
		FieldCancelAt, FieldCanceledAt, FieldEndedAt, FieldTrialStart, FieldTrialEnd,
	}
}

func touchesBilling(fields []string) bool {
	for _, f := range fields {
		if _, ok := billingFields[f]; ok {
			return true
		}
	}
	return false
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
