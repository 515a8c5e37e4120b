package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stalledStore struct {
	Store
}

func (s stalledStore) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutStore_BoundsCalls(t *testing.T) {
	store := NewTimeoutStore(stalledStore{Store: NewInMemoryStore(logger.NewNop())}, 20*time.Millisecond)

	_, err := store.PendingOutbox(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeoutExceeded)
	assert.False(t, domain.IsPermanent(err))

	// Отмена вызывающим не превращается в таймаут хранилища
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PendingOutbox(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrTimeoutExceeded)

	assert.NoError(t, store.Ping(context.Background()))
}

func TestTimeoutLedger_PassesThrough(t *testing.T) {
	ctx := context.Background()
	l := NewTimeoutLedger(NewInMemoryLedger(logger.NewNop()), time.Second)

	rec := domain.WebhookEventRecord{EventID: "evt_1", EventType: "invoice.paid", Payload: []byte(`{}`), ReceivedAt: time.Now().UTC()}
	_, isNew, err := l.RecordIfNew(ctx, rec)
	require.NoError(t, err)
	assert.True(t, isNew)

	got, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusPending, got.Status)

	_, err = l.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
