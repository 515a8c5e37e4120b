package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id string) domain.WebhookEventRecord {
	return domain.WebhookEventRecord{
		EventID:    id,
		EventType:  "customer.subscription.updated",
		Payload:    []byte(`{"id":"` + id + `"}`),
		ReceivedAt: t0,
	}
}

func TestInMemoryLedger_RecordIfNewIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLedger(logger.NewNop())

	rec, isNew, err := l.RecordIfNew(ctx, newRecord("evt_1"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, domain.EventStatusPending, rec.Status)

	again := newRecord("evt_1")
	again.Payload = []byte("different")
	rec2, isNew, err := l.RecordIfNew(ctx, again)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, `{"id":"evt_1"}`, string(rec2.Payload), "payload stays verbatim")
}

func TestInMemoryLedger_ConcurrentRecordIfNew(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLedger(logger.NewNop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := l.RecordIfNew(ctx, newRecord("evt_dup"))
			assert.NoError(t, err)
			if isNew {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestInMemoryLedger_ClaimAndLease(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLedger(logger.NewNop())
	_, _, err := l.RecordIfNew(ctx, newRecord("evt_1"))
	require.NoError(t, err)

	claimed, err := l.Claim(ctx, "evt_1", t0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.LeaseToken)

	_, err = l.Claim(ctx, "evt_1", t0, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotClaimable)

	assert.ErrorIs(t, l.MarkSucceeded(ctx, "evt_1", uuid.New(), "", t0), domain.ErrLeaseLost)

	require.NoError(t, l.MarkSucceeded(ctx, "evt_1", *claimed.LeaseToken, domain.NoteUnchanged, t0))
	rec, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusSucceeded, rec.Status)
	assert.Equal(t, domain.NoteUnchanged, rec.Note)
	assert.Nil(t, rec.LeaseToken)

	_, err = l.Claim(ctx, "evt_1", t0, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotClaimable, "terminal records are never re-claimed")
}

func TestInMemoryLedger_FailedBecomesDueAfterNextRetry(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLedger(logger.NewNop())
	_, _, _ = l.RecordIfNew(ctx, newRecord("evt_1"))
	claimed, err := l.Claim(ctx, "evt_1", t0, time.Minute)
	require.NoError(t, err)

	next := t0.Add(30 * time.Second)
	require.NoError(t, l.MarkFailed(ctx, "evt_1", *claimed.LeaseToken, domain.FailureUpdate{
		Error: "timeout", RetryCount: 1, NextRetryAt: next,
	}, t0))

	due, err := l.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = l.ListDue(ctx, next, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, due)

	rec, _ := l.Get(ctx, "evt_1")
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "timeout", rec.LastError)
}

func TestInMemoryLedger_StealExpiredRevokesOldLease(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLedger(logger.NewNop())
	_, _, _ = l.RecordIfNew(ctx, newRecord("evt_1"))
	claimed, err := l.Claim(ctx, "evt_1", t0, time.Minute)
	require.NoError(t, err)

	stolen, err := l.StealExpired(ctx, t0.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, stolen, "lease still valid")

	stolen, err = l.StealExpired(ctx, t0.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stolen, 1)
	assert.NotEqual(t, *claimed.LeaseToken, *stolen[0].LeaseToken)

	err = l.MarkSucceeded(ctx, "evt_1", *claimed.LeaseToken, "", t0)
	assert.True(t, errors.Is(err, domain.ErrLeaseLost))
}

func TestInMemoryLedger_DeadLetterFirstOnlyOnce(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLedger(logger.NewNop())
	_, _, _ = l.RecordIfNew(ctx, newRecord("evt_1"))
	claimed, _ := l.Claim(ctx, "evt_1", t0, time.Minute)

	upd := domain.DeadLetterUpdate{Error: "boom", RetryCount: 5}
	first, err := l.DeadLetter(ctx, "evt_1", *claimed.LeaseToken, upd, t0)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = l.DeadLetter(ctx, "evt_1", *claimed.LeaseToken, upd, t0)
	require.NoError(t, err)
	assert.False(t, first)

	rec, _ := l.Get(ctx, "evt_1")
	assert.Equal(t, domain.EventStatusFailed, rec.Status)
	assert.Equal(t, 5, rec.RetryCount)
	assert.True(t, rec.IsDeadLettered())
	assert.False(t, rec.IsDue(t0.Add(time.Hour)))

	letters, err := l.DeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestInMemoryLedger_Requeue(t *testing.T) {
	ctx := context.Background()
	l := NewInMemoryLedger(logger.NewNop())
	_, _, _ = l.RecordIfNew(ctx, newRecord("evt_1"))
	claimed, _ := l.Claim(ctx, "evt_1", t0, time.Minute)
	_, _ = l.DeadLetter(ctx, "evt_1", *claimed.LeaseToken, domain.DeadLetterUpdate{Error: "x", RetryCount: 5, Permanent: true}, t0)

	rec, err := l.Requeue(ctx, "evt_1", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusPending, rec.Status)
	assert.False(t, rec.PermanentFailure)
	assert.True(t, rec.IsDue(t0))

	_, err = l.Requeue(ctx, "missing", t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
