package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/reconciler"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
)

// freePlanTerm срок периода бесплатного плана
const freePlanTerm = 100

// ApplyInput снимок подписки и все, что известно о владельце
type ApplyInput struct {
	Snapshot domain.SubscriptionSnapshot
	Identity domain.Identity
	Source   domain.AuditSource
	EventID  string
}

// Upserter применяет удаленное состояние к локальному хранилищу.
// Каждая операция выполняется в одной транзакции, сериализованной по ключу сущности.
type Upserter struct {
	store   repository.Store
	cache   repository.SubscriptionCache
	metrics metrics.SyncMetrics
	now     func() time.Time
	log     *logger.Logger
}

// NewUpserter создает слой применения изменений. cache может быть nil.
func NewUpserter(store repository.Store, cache repository.SubscriptionCache, m metrics.SyncMetrics, log *logger.Logger) *Upserter {
	return &Upserter{
		store:   store,
		cache:   cache,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
}

// Apply сверяет снимок с локальной записью и сохраняет результат.
//
// Возвращает ErrCustomerMappingMissing (временная ошибка), если владельца подписки
// определить нельзя, и ErrConstraintViolation (постоянная) при нарушении инвариантов.
func (u *Upserter) Apply(ctx context.Context, in ApplyInput) (reconciler.Decision, error) {
	snap := in.Snapshot
	if snap.RemoteSubscriptionID == "" {
		return reconciler.Decision{}, domain.Malformed("apply", fmt.Errorf("%w: snapshot without subscription id", domain.ErrMalformedEvent))
	}
	now := u.now()

	var decision reconciler.Decision
	err := u.store.InTx(ctx, domain.SubscriptionLockKey(snap.RemoteSubscriptionID), func(tx repository.Tx) error {
		current, err := tx.SubscriptionByRemoteID(ctx, snap.RemoteSubscriptionID)
		if err != nil {
			return err
		}

		identity := in.Identity.Merge(domain.Identity{LocalUserID: snap.LocalUserID, Email: snap.CustomerEmail})
		if current != nil {
			identity.LocalUserID = current.LocalUserID
		}
		mapping, err := u.resolveMapping(ctx, tx, snap.RemoteCustomerID, identity, now)
		if err != nil {
			return err
		}
		if current != nil && current.LocalUserID != mapping.LocalUserID {
			return domain.NewConstraintError("subscriptions_local_user_id",
				fmt.Sprintf("customer %s belongs to %s, subscription to %s", mapping.RemoteCustomerID, mapping.LocalUserID, current.LocalUserID))
		}
		snap.LocalUserID = mapping.LocalUserID

		price, err := u.guardPrice(ctx, tx, snap.Price)
		if err != nil {
			return err
		}

		decision, err = reconciler.Reconcile(current, snap, now)
		if err != nil {
			return err
		}
		if !decision.Outcome.Applied() {
			return nil
		}

		// Unchanged тоже сохраняется: поднимается версия
		if err := tx.SaveSubscription(ctx, decision.Record); err != nil {
			return err
		}
		if decision.Outcome == reconciler.OutcomeUnchanged {
			return nil
		}

		if err := u.writeAudit(ctx, tx, decision, in.Source, in.EventID, now); err != nil {
			return err
		}
		if decision.BillingChanged {
			return u.writeSignal(ctx, tx, decision, price, in.Source, in.EventID, now)
		}
		return nil
	})
	if err != nil {
		return reconciler.Decision{}, err
	}

	u.observe(decision)
	if decision.Outcome.Applied() {
		u.invalidate(ctx, decision.Record.LocalUserID)
	}
	return decision, nil
}

// resolveMapping находит связь клиента или создает ее, если данных достаточно.
// Чтения выполняются под блокировками клиента и пользователя: первое уведомление
// о новом клиенте может прийти одновременно по подписке и по checkout.
func (u *Upserter) resolveMapping(ctx context.Context, tx repository.Tx, remoteCustomerID string, identity domain.Identity, now time.Time) (*domain.CustomerMapping, error) {
	if err := tx.Lock(ctx, customerLockKey(remoteCustomerID)); err != nil {
		return nil, err
	}
	mapping, err := tx.MappingByCustomer(ctx, remoteCustomerID)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		if identity.LocalUserID != "" && identity.LocalUserID != mapping.LocalUserID {
			return nil, domain.NewConstraintError("customer_mappings_remote_customer_id_key",
				fmt.Sprintf("customer %s is mapped to %s, not %s", remoteCustomerID, mapping.LocalUserID, identity.LocalUserID))
		}
		return mapping, nil
	}

	if !identity.Complete() {
		return nil, domain.Transient("resolve mapping",
			fmt.Errorf("%w: customer %s", domain.ErrCustomerMappingMissing, remoteCustomerID))
	}

	if err := tx.Lock(ctx, userLockKey(identity.LocalUserID)); err != nil {
		return nil, err
	}
	existing, err := tx.MappingByUser(ctx, identity.LocalUserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.RemoteCustomerID == remoteCustomerID {
			return existing, nil
		}
		return nil, domain.NewConstraintError("subscriptions_remote_customer_immutable",
			fmt.Sprintf("user %s already mapped to %s, got %s", identity.LocalUserID, existing.RemoteCustomerID, remoteCustomerID))
	}

	created := domain.CustomerMapping{
		LocalUserID:      identity.LocalUserID,
		RemoteCustomerID: remoteCustomerID,
		Email:            identity.Email,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertMapping(ctx, created); err != nil {
		return nil, err
	}
	u.log.Infow("Customer mapping created", "userID", created.LocalUserID, "customerID", remoteCustomerID)
	return &created, nil
}

// guardPrice запрещает ссылку на удаленную цену и лениво добавляет неизвестную
func (u *Upserter) guardPrice(ctx context.Context, tx repository.Tx, p domain.Price) (domain.Price, error) {
	stored, err := tx.Price(ctx, p.RemotePriceID)
	if err != nil {
		return domain.Price{}, err
	}
	if stored == nil {
		if _, err := tx.UpsertPrice(ctx, p); err != nil {
			return domain.Price{}, err
		}
		u.log.Infow("Price added to catalog from subscription", "priceID", p.RemotePriceID)
		return p, nil
	}
	if stored.Deleted {
		return domain.Price{}, domain.NewConstraintError("subscriptions_remote_price_id_fkey",
			fmt.Sprintf("price %s is deleted", p.RemotePriceID))
	}
	return *stored, nil
}

func (u *Upserter) writeAudit(ctx context.Context, tx repository.Tx, d reconciler.Decision, source domain.AuditSource, eventID string, now time.Time) error {
	action := domain.AuditActionApplied
	if d.Outcome == reconciler.OutcomeCreated {
		action = domain.AuditActionCreated
	}
	inserted, err := tx.InsertAudit(ctx, domain.AuditEntry{
		SubscriptionID: d.Record.ID,
		EventID:        eventID,
		Source:         source,
		Action:         action,
		ChangedFields:  d.ChangedFields,
		Before:         d.Before,
		After:          d.Record,
		CreatedAt:      now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		u.log.Debugw("Audit entry already exists for event", "subscriptionID", d.Record.ID, "eventID", eventID)
	}
	return nil
}

func (u *Upserter) writeSignal(ctx context.Context, tx repository.Tx, d reconciler.Decision, price domain.Price,
	source domain.AuditSource, eventID string, now time.Time) error {
	signal := domain.SubscriptionChanged{
		SubscriptionID:       d.Record.ID,
		LocalUserID:          d.Record.LocalUserID,
		RemoteSubscriptionID: domain.StringValue(d.Record.RemoteSubscriptionID),
		Status:               d.Record.Status,
		PriceID:              d.Record.RemotePriceID,
		Quantity:             d.Record.Quantity,
		UnitAmount:           price.UnitAmount,
		Currency:             price.Currency,
		Interval:             price.Interval,
		ChangedFields:        d.ChangedFields,
		Source:               source,
		EventID:              eventID,
		Version:              d.Record.RemoteVersion,
		OccurredAt:           now,
	}
	if d.Before != nil {
		signal.PreviousStatus = d.Before.Status
		signal.PreviousPriceID = d.Before.RemotePriceID
		signal.PreviousQuantity = d.Before.Quantity
	}
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription signal: %w", err)
	}
	return tx.InsertOutbox(ctx, domain.OutboxMessage{
		ID:        uuid.New(),
		Kind:      domain.OutboxKindSubscriptionChanged,
		Key:       d.Record.ID.String(),
		Payload:   payload,
		CreatedAt: now,
	})
}

func (u *Upserter) observe(d reconciler.Decision) {
	switch d.Outcome {
	case reconciler.OutcomeStale:
		u.metrics.IncStaleEvent()
	case reconciler.OutcomeCreated, reconciler.OutcomeUpdated:
		if d.Transition.From != d.Transition.To {
			u.metrics.IncTransition(string(d.Transition.From), string(d.Transition.To), d.Transition.Legal)
		}
		if !d.Transition.Legal {
			u.log.Warnw("Subscription transition outside of state graph applied",
				"subscriptionID", d.Record.ID, "from", d.Transition.From, "to", d.Transition.To)
		}
	}
}

// invalidate сбрасывает кеш после коммита; ошибка кеша не влияет на результат
func (u *Upserter) invalidate(ctx context.Context, localUserID string) {
	if u.cache == nil {
		return
	}
	if err := u.cache.InvalidateUser(ctx, localUserID); err != nil {
		u.log.Warnw("Failed to invalidate subscription cache", "error", err, "userID", localUserID)
	}
}

// ProvisionFreePlan создает бесплатную подписку пользователя, если ее еще нет.
// created=false, если подписка уже была.
func (u *Upserter) ProvisionFreePlan(ctx context.Context, localUserID string) (domain.Subscription, bool, error) {
	if localUserID == "" {
		return domain.Subscription{}, false, domain.NewConstraintError("subscriptions_local_user_id", "local user id is empty")
	}
	now := u.now()

	var sub domain.Subscription
	created := false
	err := u.store.InTx(ctx, domain.FreePlanLockKey(localUserID), func(tx repository.Tx) error {
		existing, err := tx.FreePlanByUser(ctx, localUserID)
		if err != nil {
			return err
		}
		if existing != nil {
			sub = *existing
			return nil
		}

		price, err := u.guardPrice(ctx, tx, domain.Price{RemotePriceID: domain.FreePlanPriceID, Active: true})
		if err != nil {
			return err
		}

		sub = domain.Subscription{
			ID:                 uuid.New(),
			LocalUserID:        localUserID,
			RemotePriceID:      domain.FreePlanPriceID,
			Status:             domain.SubscriptionStatusActive,
			Quantity:           1,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.AddDate(freePlanTerm, 0, 0),
			RemoteVersion:      now,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		d := reconciler.Decision{
			Outcome:        reconciler.OutcomeCreated,
			Record:         sub,
			ChangedFields:  []string{reconciler.FieldStatus, reconciler.FieldPrice, reconciler.FieldQuantity},
			BillingChanged: true,
			Transition:     reconciler.Transition{To: sub.Status, Legal: true},
		}
		if err := u.writeAudit(ctx, tx, d, domain.AuditSourceProvisioning, "", now); err != nil {
			return err
		}
		created = true
		return u.writeSignal(ctx, tx, d, price, domain.AuditSourceProvisioning, "", now)
	})
	if err != nil {
		u.log.Errorw("Failed to provision free plan", "error", err, "userID", localUserID)
		return domain.Subscription{}, false, err
	}

	if created {
		u.invalidate(ctx, localUserID)
		u.log.Infow("Free plan provisioned", "userID", localUserID, "subscriptionID", sub.ID)
	}
	return sub, created, nil
}

// LinkCustomer сохраняет связь пользователя с клиентом Stripe.
// Повторный вызов с теми же данными обновляет только email.
func (u *Upserter) LinkCustomer(ctx context.Context, remoteCustomerID string, identity domain.Identity) (domain.CustomerMapping, error) {
	now := u.now()
	var result domain.CustomerMapping
	err := u.store.InTx(ctx, customerLockKey(remoteCustomerID), func(tx repository.Tx) error {
		mapping, err := u.resolveMapping(ctx, tx, remoteCustomerID, identity, now)
		if err != nil {
			return err
		}
		if identity.Email != "" && identity.Email != mapping.Email {
			if err := tx.UpdateMappingEmail(ctx, remoteCustomerID, identity.Email, now); err != nil {
				return err
			}
			mapping.Email = identity.Email
			mapping.UpdatedAt = now
		}
		result = *mapping
		return nil
	})
	return result, err
}

// ApplyInvoice сохраняет счет, если его версия новее
func (u *Upserter) ApplyInvoice(ctx context.Context, inv domain.Invoice) (bool, error) {
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = u.now()
	}
	var applied bool
	err := u.store.InTx(ctx, "invoice:"+inv.RemoteInvoiceID, func(tx repository.Tx) error {
		var err error
		applied, err = tx.UpsertInvoice(ctx, inv)
		return err
	})
	return applied, err
}

// ApplyPrice сохраняет цену, если ее версия новее
func (u *Upserter) ApplyPrice(ctx context.Context, p domain.Price) (bool, error) {
	var applied bool
	err := u.store.InTx(ctx, "price:"+p.RemotePriceID, func(tx repository.Tx) error {
		var err error
		applied, err = tx.UpsertPrice(ctx, p)
		return err
	})
	return applied, err
}

// ApplyCustomer обновляет email связи или лениво создает связь по метаданным клиента.
// Версией связи служит ее updated_at. Удаление клиента связь не удаляет.
func (u *Upserter) ApplyCustomer(ctx context.Context, c domain.CustomerSnapshot) (bool, error) {
	if c.Deleted {
		u.log.Infow("Remote customer deleted, mapping kept", "customerID", c.RemoteCustomerID)
		return false, nil
	}
	var applied bool
	err := u.store.InTx(ctx, customerLockKey(c.RemoteCustomerID), func(tx repository.Tx) error {
		mapping, err := tx.MappingByCustomer(ctx, c.RemoteCustomerID)
		if err != nil {
			return err
		}
		if mapping == nil {
			identity := domain.Identity{LocalUserID: c.LocalUserID, Email: c.Email}
			if !identity.Complete() {
				return nil
			}
			_, err := u.resolveMapping(ctx, tx, c.RemoteCustomerID, identity, c.Version)
			applied = err == nil
			return err
		}
		if c.LocalUserID != "" && c.LocalUserID != mapping.LocalUserID {
			return domain.NewConstraintError("customer_mappings_remote_customer_id_key",
				fmt.Sprintf("customer %s is mapped to %s, not %s", c.RemoteCustomerID, mapping.LocalUserID, c.LocalUserID))
		}
		if c.Email == "" || c.Email == mapping.Email || !c.Version.After(mapping.UpdatedAt) {
			return nil
		}
		applied = true
		return tx.UpdateMappingEmail(ctx, c.RemoteCustomerID, c.Email, c.Version)
	})
	return applied, err
}

func customerLockKey(remoteCustomerID string) string {
	return "customer:" + remoteCustomerID
}

func userLockKey(localUserID string) string {
	return "user:" + localUserID
}

// IsMappingMissing true, если ошибка означает отсутствие связи клиента
func IsMappingMissing(err error) bool {
	return errors.Is(err, domain.ErrCustomerMappingMissing)
}
