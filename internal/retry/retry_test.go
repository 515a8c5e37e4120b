package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAlerter) DeadLettered(ctx context.Context, rec domain.WebhookEventRecord, kind string, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, rec.EventID+":"+kind)
}

type fakeQueue struct {
	ids  []string
	full bool
}

func (q *fakeQueue) Enqueue(id string) bool {
	if q.full {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func newScheduler(t *testing.T, l repository.Ledger, a Alerter) *Scheduler {
	t.Helper()
	s := NewScheduler(l, DefaultPolicy(), a, metrics.NewSyncMetrics(prometheus.NewRegistry(), logger.NewNop()), logger.NewNop())
	s.now = func() time.Time { return t0 }
	return s
}

func claimed(t *testing.T, l *repository.InMemoryLedger, id string, at time.Time) domain.WebhookEventRecord {
	t.Helper()
	ctx := context.Background()
	_, _, err := l.RecordIfNew(ctx, domain.WebhookEventRecord{EventID: id, EventType: "invoice.paid", Payload: []byte("{}"), ReceivedAt: t0})
	require.NoError(t, err)
	rec, err := l.Claim(ctx, id, at, time.Minute)
	require.NoError(t, err)
	return rec
}

func TestPolicy_DelayGrowsAndIsCapped(t *testing.T) {
	p := Policy{Base: 30 * time.Second, Cap: time.Hour, Jitter: 0, MaxRetries: 5}

	assert.Equal(t, 30*time.Second, p.Delay(1))
	assert.Equal(t, 60*time.Second, p.Delay(2))
	assert.Equal(t, 120*time.Second, p.Delay(3))
	assert.Equal(t, time.Hour, p.Delay(20))
	assert.Equal(t, t0.Add(30*time.Second), p.NextRetryAt(1, t0))
}

func TestPolicy_JitterStaysWithinBounds(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, d, 90*time.Second)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

func TestScheduler_TransientFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	l := repository.NewInMemoryLedger(logger.NewNop())
	alerts := &recordingAlerter{}
	s := newScheduler(t, l, alerts)

	rec := claimed(t, l, "evt_1", t0)
	require.NoError(t, s.Schedule(ctx, rec, 1, errors.New("timeout")))

	got, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(t0))
	assert.False(t, got.IsDeadLettered())
	assert.Empty(t, alerts.calls)
}

func TestScheduler_DeadLetterAfterMaxRetriesAlertsOnce(t *testing.T) {
	ctx := context.Background()
	l := repository.NewInMemoryLedger(logger.NewNop())
	alerts := &recordingAlerter{}
	s := newScheduler(t, l, alerts)

	rec := claimed(t, l, "evt_1", t0)
	for attempt := 1; attempt <= 5; attempt++ {
		require.NoError(t, s.Schedule(ctx, rec, attempt, errors.New("remote down")))
		cur, err := l.Get(ctx, "evt_1")
		require.NoError(t, err)
		rec, err = l.Claim(ctx, "evt_1", *cur.NextRetryAt, time.Minute)
		require.NoError(t, err)
	}

	require.NoError(t, s.Schedule(ctx, rec, 6, errors.New("remote down")))
	// повторный вызов с тем же токеном не создает второй алерт
	require.NoError(t, s.Schedule(ctx, rec, 6, errors.New("remote down")))

	got, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusFailed, got.Status)
	assert.Equal(t, 5, got.RetryCount)
	assert.True(t, got.IsDeadLettered())
	assert.False(t, got.PermanentFailure)
	assert.Equal(t, []string{"evt_1:" + DeadLetterExhausted}, alerts.calls)
}

func TestScheduler_PermanentDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	l := repository.NewInMemoryLedger(logger.NewNop())
	alerts := &recordingAlerter{}
	s := newScheduler(t, l, alerts)

	rec := claimed(t, l, "evt_1", t0)
	require.NoError(t, s.SchedulePermanent(ctx, rec, domain.NewConstraintError("quantity", "bad")))

	got, _ := l.Get(ctx, "evt_1")
	assert.True(t, got.PermanentFailure)
	assert.True(t, got.IsDeadLettered())
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, []string{"evt_1:" + DeadLetterPermanent}, alerts.calls)
}

func TestScheduler_RequiresLease(t *testing.T) {
	s := newScheduler(t, repository.NewInMemoryLedger(logger.NewNop()), nil)
	err := s.Schedule(context.Background(), domain.WebhookEventRecord{EventID: "x"}, 1, errors.New("x"))
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestScanner_ReclaimsExpiredLeasesAndEnqueuesDue(t *testing.T) {
	ctx := context.Background()
	l := repository.NewInMemoryLedger(logger.NewNop())
	s := newScheduler(t, l, &recordingAlerter{})
	s.policy.Jitter = 0

	_, _, err := l.RecordIfNew(ctx, domain.WebhookEventRecord{EventID: "evt_pending", EventType: "invoice.paid", ReceivedAt: t0})
	require.NoError(t, err)
	claimed(t, l, "evt_stuck", t0.Add(-10*time.Minute))

	queue := &fakeQueue{}
	stats := repository.NewInMemoryAdminReader(l, repository.NewInMemoryStore(logger.NewNop()))
	scanner := NewScanner(l, s, queue, stats, metrics.NewSyncMetrics(prometheus.NewRegistry(), logger.NewNop()),
		ScannerConfig{Interval: time.Second, Batch: 10, Lease: time.Minute}, logger.NewNop())
	scanner.now = func() time.Time { return t0 }

	res, err := scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, []string{"evt_pending"}, queue.ids)

	stuck, err := l.Get(ctx, "evt_stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusFailed, stuck.Status)
	assert.Equal(t, 1, stuck.RetryCount)
	assert.Equal(t, domain.ErrLeaseExpired.Error(), stuck.LastError)

	queue.full = true
	scanner.now = func() time.Time { return t0.Add(time.Hour) }
	res, err = scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deferred)
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	l := repository.NewInMemoryLedger(logger.NewNop())
	scanner := NewScanner(l, newScheduler(t, l, nil), &fakeQueue{}, nil,
		metrics.NewSyncMetrics(prometheus.NewRegistry(), logger.NewNop()),
		ScannerConfig{Interval: 10 * time.Millisecond, Lease: time.Minute}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- scanner.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

// stalledLedger не отвечает, пока не отменят контекст
type stalledLedger struct {
	repository.Ledger
}

func (l stalledLedger) StealExpired(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookEventRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScanner_StalledLedgerTimesOut(t *testing.T) {
	mem := repository.NewInMemoryLedger(logger.NewNop())
	l := repository.NewTimeoutLedger(stalledLedger{Ledger: mem}, 20*time.Millisecond)
	queue := &fakeQueue{}
	scanner := NewScanner(l, newScheduler(t, l, nil), queue, nil,
		metrics.NewSyncMetrics(prometheus.NewRegistry(), logger.NewNop()),
		ScannerConfig{Interval: time.Second, Batch: 10, Lease: time.Minute}, logger.NewNop())

	start := time.Now()
	_, err := scanner.ScanOnce(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrTimeoutExceeded)
	assert.Empty(t, queue.ids)
}
