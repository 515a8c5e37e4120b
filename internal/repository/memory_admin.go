package repository

import (
	"context"

	"github.com/Dhoini/billing-sync/internal/domain"
)

// InMemoryAdminReader административные выборки поверх хранилищ в памяти
type InMemoryAdminReader struct {
	ledger *InMemoryLedger
	store  *InMemoryStore
}

func NewInMemoryAdminReader(ledger *InMemoryLedger, store *InMemoryStore) *InMemoryAdminReader {
	return &InMemoryAdminReader{ledger: ledger, store: store}
}

func (r *InMemoryAdminReader) DeadLetters(ctx context.Context, limit, offset int) ([]domain.WebhookEventRecord, error) {
	return r.ledger.DeadLetters(ctx, limit, offset)
}

func (r *InMemoryAdminReader) Reconciliations(ctx context.Context, limit int) ([]domain.ReconciliationRecord, error) {
	return r.store.Reconciliations(ctx, limit)
}

func (r *InMemoryAdminReader) EventCounts(ctx context.Context) (map[domain.EventStatus]int, error) {
	return r.ledger.EventCounts(ctx)
}
