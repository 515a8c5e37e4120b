package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/kafka"
	"github.com/Dhoini/billing-sync/internal/kafka/kafkatest"
	"github.com/Dhoini/billing-sync/internal/retry"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxRelay_PublishesInOrderAndRetries(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	h.deliverAndProcess(t, subscriptionUpdated("evt_1", created100, "past_due"))
	h.deliverAndProcess(t, subscriptionUpdated("evt_2", created200, "active"))
	ctx := context.Background()

	pub := &kafkatest.Publisher{}
	relay := NewOutboxRelay(h.store, pub, kafka.DefaultTopics(), h.metrics, OutboxRelayConfig{Batch: 10}, logger.NewNop())

	pub.SetErr(errors.New("broker down"))
	n, err := relay.RelayOnce(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	pending, err := h.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	pub.SetErr(nil)
	n, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := pub.Messages(kafka.TopicSubscriptionChanged)
	require.Len(t, msgs, 2)
	sub := h.subscription(t, "sub_1")

	var signals []domain.SubscriptionChanged
	for _, m := range msgs {
		assert.Equal(t, sub.ID.String(), m.Key)
		var s domain.SubscriptionChanged
		require.NoError(t, json.Unmarshal(m.Value, &s))
		signals = append(signals, s)
	}
	assert.Equal(t, domain.SubscriptionStatusPastDue, signals[0].Status)
	assert.Equal(t, domain.SubscriptionStatusPastDue, signals[1].PreviousStatus)
	assert.Equal(t, domain.SubscriptionStatusActive, signals[1].Status)
	assert.Equal(t, int64(1500), signals[1].UnitAmount)
	assert.Equal(t, "evt_2", signals[1].EventID)

	pending, err = h.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxRelay_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	relay := NewOutboxRelay(h.store, &kafkatest.Publisher{}, kafka.Topics{}, h.metrics,
		OutboxRelayConfig{Interval: 10 * time.Millisecond}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestAlerter_PublishesAlerts(t *testing.T) {
	pub := &kafkatest.Publisher{}
	a := NewAlerter(pub, kafka.Topics{}, logger.NewNop())
	ctx := context.Background()

	a.DeadLettered(ctx, domain.WebhookEventRecord{EventID: "evt_1", EventType: "invoice.paid", RetryCount: 5},
		retry.DeadLetterExhausted, errors.New("timeout"))
	a.DriftDetected(ctx, []domain.ReconciliationRecord{
		{RemoteSubscriptionID: "sub_1", DivergentFields: []string{"status", "quantity"}},
		{RemoteSubscriptionID: "sub_2", DivergentFields: []string{"status"}},
	})

	dead := pub.Messages(kafka.TopicDeadLetter)
	require.Len(t, dead, 1)
	assert.Equal(t, "evt_1", dead[0].Key)
	var alert DeadLetterAlert
	require.NoError(t, json.Unmarshal(dead[0].Value, &alert))
	assert.Equal(t, retry.DeadLetterExhausted, alert.Kind)
	assert.Equal(t, "timeout", alert.Error)

	drift := pub.Messages(kafka.TopicDriftDetected)
	require.Len(t, drift, 1)
	var d DriftAlert
	require.NoError(t, json.Unmarshal(drift[0].Value, &d))
	assert.Equal(t, 2, d.Drifted)
	assert.Equal(t, []string{"status", "quantity"}, d.Fields)

	// Ошибка брокера не пробрасывается
	pub.SetErr(errors.New("broker down"))
	a.DeadLettered(ctx, domain.WebhookEventRecord{EventID: "evt_2"}, retry.DeadLetterPermanent, nil)
	assert.Len(t, pub.Messages(kafka.TopicDeadLetter), 1)
}

func TestDispatcher_DedupesInflightEvents(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	seen := map[string]int{}
	var processed atomic.Int32

	d := NewDispatcher(1, 4, func(ctx context.Context, id string) error {
		<-release
		mu.Lock()
		seen[id]++
		mu.Unlock()
		processed.Add(1)
		return nil
	}, logger.NewNop())

	assert.True(t, d.Enqueue("evt_1"))
	assert.True(t, d.Enqueue("evt_1"))
	assert.True(t, d.Enqueue("evt_2"))
	assert.Equal(t, 2, d.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	close(release)

	require.Eventually(t, func() bool { return processed.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, map[string]int{"evt_1": 1, "evt_2": 1}, seen)
	mu.Unlock()

	cancel()
	assert.NoError(t, <-done)
}

func TestDispatcher_FullQueueDefers(t *testing.T) {
	d := NewDispatcher(1, 1, func(ctx context.Context, id string) error { return nil }, logger.NewNop())

	assert.True(t, d.Enqueue("evt_1"))
	assert.False(t, d.Enqueue("evt_2"))
}
