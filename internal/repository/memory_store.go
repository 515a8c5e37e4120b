package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
)

// InMemoryStore реализация хранилища в памяти.
// Транзакции сериализуются общей блокировкой; при ошибке изменения откатываются по журналу отмены.
type InMemoryStore struct {
	subscriptions   map[uuid.UUID]domain.Subscription
	mappings        map[string]domain.CustomerMapping
	prices          map[string]domain.Price
	invoices        map[string]domain.Invoice
	audit           []domain.AuditEntry
	outbox          []domain.OutboxMessage
	reconciliations []domain.ReconciliationRecord
	mutex           sync.RWMutex
	log             *logger.Logger
}

// NewInMemoryStore создает хранилище с ценой бесплатного плана в каталоге
func NewInMemoryStore(log *logger.Logger) *InMemoryStore {
	return &InMemoryStore{
		subscriptions: make(map[uuid.UUID]domain.Subscription),
		mappings:      make(map[string]domain.CustomerMapping),
		prices: map[string]domain.Price{
			domain.FreePlanPriceID: {RemotePriceID: domain.FreePlanPriceID, Active: true},
		},
		invoices: make(map[string]domain.Invoice),
		log:      log,
	}
}

func (s *InMemoryStore) InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.Transient("tx", err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx := &memoryTx{store: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *InMemoryStore) ActiveSubscription(ctx context.Context, localUserID string) (*domain.Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var candidates []domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.LocalUserID == localUserID {
			candidates = append(candidates, sub)
		}
	}
	best := PickActive(candidates)
	if best == nil {
		return nil, domain.NewNotFoundError("subscription", localUserID)
	}
	return best, nil
}

// PickActive выбирает подписку для отображения пользователю:
// действующая платная, затем действующая бесплатная, затем последняя измененная.
func PickActive(subs []domain.Subscription) *domain.Subscription {
	if len(subs) == 0 {
		return nil
	}
	rank := func(s domain.Subscription) int {
		switch {
		case s.Status.GrantsAccess() && !s.IsFreePlan():
			return 0
		case s.Status.GrantsAccess():
			return 1
		default:
			return 2
		}
	}
	sorted := append([]domain.Subscription(nil), subs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i]), rank(sorted[j])
		if ri != rj {
			return ri < rj
		}
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	out := sorted[0]
	return &out
}

func (s *InMemoryStore) SubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if sub := s.findByRemoteID(remoteSubscriptionID); sub != nil {
		return sub, nil
	}
	return nil, domain.NewNotFoundError("subscription", remoteSubscriptionID)
}

func (s *InMemoryStore) SubscriptionByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", id.String())
	}
	return &sub, nil
}

func (s *InMemoryStore) MappingByUser(ctx context.Context, localUserID string) (*domain.CustomerMapping, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	m, ok := s.mappings[localUserID]
	if !ok {
		return nil, domain.NewNotFoundError("customer mapping", localUserID)
	}
	return &m, nil
}

func (s *InMemoryStore) AuditEntries(ctx context.Context, subscriptionID uuid.UUID) ([]domain.AuditEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.audit {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SampleForAudit(ctx context.Context, limit int) ([]domain.Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []domain.Subscription
	for _, sub := range s.subscriptions {
		if !sub.IsFreePlan() {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastAuditedAt, out[j].LastAuditedAt
		switch {
		case ai == nil && aj == nil:
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		case ai == nil:
			return true
		case aj == nil:
			return false
		}
		return ai.Before(*aj)
	})
	return page(out, limit, 0), nil
}

func (s *InMemoryStore) MarkAudited(ctx context.Context, remoteSubscriptionIDs []string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, id := range remoteSubscriptionIDs {
		if sub := s.findByRemoteID(id); sub != nil {
			audited := at
			sub.LastAuditedAt = &audited
			s.subscriptions[sub.ID] = *sub
		}
	}
	return nil
}

func (s *InMemoryStore) SaveReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rec.ID = int64(len(s.reconciliations) + 1)
	s.reconciliations = append(s.reconciliations, rec)
	return nil
}

// Reconciliations записи аудитора от новых к старым
func (s *InMemoryStore) Reconciliations(ctx context.Context, limit int) ([]domain.ReconciliationRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]domain.ReconciliationRecord, 0, len(s.reconciliations))
	for i := len(s.reconciliations) - 1; i >= 0; i-- {
		out = append(out, s.reconciliations[i])
	}
	return page(out, limit, 0), nil
}

func (s *InMemoryStore) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []domain.OutboxMessage
	for _, m := range s.outbox {
		if m.PublishedAt == nil {
			out = append(out, m)
		}
	}
	return page(out, limit, 0), nil
}

func (s *InMemoryStore) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updateOutbox(id, func(m *domain.OutboxMessage) {
		published := at
		m.PublishedAt = &published
		m.Attempts++
		m.LastError = ""
	})
}

func (s *InMemoryStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.updateOutbox(id, func(m *domain.OutboxMessage) {
		m.Attempts++
		m.LastError = errMsg
	})
}

func (s *InMemoryStore) updateOutbox(id uuid.UUID, fn func(m *domain.OutboxMessage)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			return nil
		}
	}
	return domain.NewNotFoundError("outbox message", id.String())
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Invoice возвращает сохраненный счет
func (s *InMemoryStore) Invoice(remoteInvoiceID string) (domain.Invoice, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	inv, ok := s.invoices[remoteInvoiceID]
	return inv, ok
}

// SeedPrice добавляет цену в каталог
func (s *InMemoryStore) SeedPrice(p domain.Price) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.prices[p.RemotePriceID] = p
}

// Subscriptions все подписки пользователя
func (s *InMemoryStore) Subscriptions(localUserID string) []domain.Subscription {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []domain.Subscription
	for _, sub := range s.subscriptions {
		if sub.LocalUserID == localUserID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *InMemoryStore) findByRemoteID(remoteSubscriptionID string) *domain.Subscription {
	for _, sub := range s.subscriptions {
		if sub.RemoteSubscriptionID != nil && *sub.RemoteSubscriptionID == remoteSubscriptionID {
			out := sub
			return &out
		}
	}
	return nil
}

// memoryTx транзакция поверх InMemoryStore. Вызывается под s.mutex.
type memoryTx struct {
	store *InMemoryStore
	undo  []func()
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) SubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error) {
	return t.store.findByRemoteID(remoteSubscriptionID), nil
}

func (t *memoryTx) FreePlanByUser(ctx context.Context, localUserID string) (*domain.Subscription, error) {
	for _, sub := range t.store.subscriptions {
		if sub.LocalUserID == localUserID && sub.IsFreePlan() {
			out := sub
			return &out, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	s := t.store
	if err := sub.Validate(); err != nil {
		return err
	}
	for id, other := range s.subscriptions {
		if id == sub.ID {
			continue
		}
		if sub.RemoteSubscriptionID != nil && other.RemoteSubscriptionID != nil && *other.RemoteSubscriptionID == *sub.RemoteSubscriptionID {
			return domain.NewConstraintError("subscriptions_remote_subscription_id_key", *sub.RemoteSubscriptionID)
		}
		if sub.IsFreePlan() && other.IsFreePlan() && other.LocalUserID == sub.LocalUserID {
			return domain.NewConstraintError("subscriptions_free_plan_user_key", sub.LocalUserID)
		}
	}
	if _, ok := s.prices[sub.RemotePriceID]; !ok {
		return domain.NewConstraintError("subscriptions_remote_price_id_fkey", sub.RemotePriceID)
	}
	if sub.RemoteCustomerID != nil {
		if _, ok := t.mappingByCustomer(*sub.RemoteCustomerID); !ok {
			return domain.NewConstraintError("subscriptions_remote_customer_id_fkey", *sub.RemoteCustomerID)
		}
	}

	prev, existed := s.subscriptions[sub.ID]
	if existed && prev.RemoteCustomerID != nil && domain.StringValue(sub.RemoteCustomerID) != *prev.RemoteCustomerID {
		return domain.NewConstraintError("subscriptions_remote_customer_immutable", *prev.RemoteCustomerID)
	}
	if existed {
		sub.CreatedAt = prev.CreatedAt
		sub.LastAuditedAt = prev.LastAuditedAt
	}
	s.subscriptions[sub.ID] = sub
	t.undo = append(t.undo, func() {
		if existed {
			s.subscriptions[sub.ID] = prev
		} else {
			delete(s.subscriptions, sub.ID)
		}
	})
	return nil
}

// Lock ничего не делает: транзакции уже сериализованы общей блокировкой
func (t *memoryTx) Lock(ctx context.Context, key string) error {
	return nil
}

func (t *memoryTx) MappingByUser(ctx context.Context, localUserID string) (*domain.CustomerMapping, error) {
	m, ok := t.store.mappings[localUserID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *memoryTx) MappingByCustomer(ctx context.Context, remoteCustomerID string) (*domain.CustomerMapping, error) {
	m, ok := t.mappingByCustomer(remoteCustomerID)
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *memoryTx) mappingByCustomer(remoteCustomerID string) (domain.CustomerMapping, bool) {
	for _, m := range t.store.mappings {
		if m.RemoteCustomerID == remoteCustomerID {
			return m, true
		}
	}
	return domain.CustomerMapping{}, false
}

func (t *memoryTx) InsertMapping(ctx context.Context, m domain.CustomerMapping) error {
	s := t.store
	if _, ok := s.mappings[m.LocalUserID]; ok {
		return domain.NewConstraintError("customer_mappings_pkey", m.LocalUserID)
	}
	if _, ok := t.mappingByCustomer(m.RemoteCustomerID); ok {
		return domain.NewConstraintError("customer_mappings_remote_customer_id_key", m.RemoteCustomerID)
	}
	s.mappings[m.LocalUserID] = m
	t.undo = append(t.undo, func() { delete(s.mappings, m.LocalUserID) })
	return nil
}

func (t *memoryTx) UpdateMappingEmail(ctx context.Context, remoteCustomerID, email string, now time.Time) error {
	s := t.store
	m, ok := t.mappingByCustomer(remoteCustomerID)
	if !ok {
		return domain.NewNotFoundError("customer mapping", remoteCustomerID)
	}
	prev := m
	m.Email = email
	m.UpdatedAt = now
	s.mappings[m.LocalUserID] = m
	t.undo = append(t.undo, func() { s.mappings[prev.LocalUserID] = prev })
	return nil
}

func (t *memoryTx) Price(ctx context.Context, remotePriceID string) (*domain.Price, error) {
	p, ok := t.store.prices[remotePriceID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memoryTx) UpsertPrice(ctx context.Context, p domain.Price) (bool, error) {
	s := t.store
	prev, existed := s.prices[p.RemotePriceID]
	if existed && !p.Version.After(prev.Version) {
		return false, nil
	}
	s.prices[p.RemotePriceID] = p
	t.undo = append(t.undo, func() {
		if existed {
			s.prices[p.RemotePriceID] = prev
		} else {
			delete(s.prices, p.RemotePriceID)
		}
	})
	return true, nil
}

func (t *memoryTx) UpsertInvoice(ctx context.Context, inv domain.Invoice) (bool, error) {
	s := t.store
	prev, existed := s.invoices[inv.RemoteInvoiceID]
	if existed && !inv.Version.After(prev.Version) {
		return false, nil
	}
	s.invoices[inv.RemoteInvoiceID] = inv
	t.undo = append(t.undo, func() {
		if existed {
			s.invoices[inv.RemoteInvoiceID] = prev
		} else {
			delete(s.invoices, inv.RemoteInvoiceID)
		}
	})
	return true, nil
}

func (t *memoryTx) InsertAudit(ctx context.Context, e domain.AuditEntry) (bool, error) {
	s := t.store
	if e.EventID != "" {
		for _, existing := range s.audit {
			if existing.SubscriptionID == e.SubscriptionID && existing.EventID == e.EventID {
				return false, nil
			}
		}
	}
	e.ID = int64(len(s.audit) + 1)
	s.audit = append(s.audit, e)
	n := len(s.audit) - 1
	t.undo = append(t.undo, func() { s.audit = s.audit[:n] })
	return true, nil
}

func (t *memoryTx) InsertOutbox(ctx context.Context, m domain.OutboxMessage) error {
	s := t.store
	if m.ID == uuid.Nil {
		return fmt.Errorf("outbox message without id")
	}
	s.outbox = append(s.outbox, m)
	n := len(s.outbox) - 1
	t.undo = append(t.undo, func() { s.outbox = s.outbox[:n] })
	return nil
}
