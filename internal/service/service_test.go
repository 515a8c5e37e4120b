package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	billingstripe "github.com/Dhoini/billing-sync/internal/integration/stripe"
	"github.com/Dhoini/billing-sync/internal/integration/stripe/stripetest"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/retry"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// created метки конвертов: version_ts 100 и 200 из сценариев A и B
const (
	created100 int64 = 1714564900
	created200 int64 = 1714565000
)

type fakeRemote struct {
	mu          sync.Mutex
	subs        map[string]domain.SubscriptionSnapshot
	customers   map[string]domain.CustomerSnapshot
	customerErr error
	subCalls    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		subs: make(map[string]domain.SubscriptionSnapshot),
		customers: map[string]domain.CustomerSnapshot{
			"cus_1": {RemoteCustomerID: "cus_1", Email: "a@b.com", LocalUserID: "user-1"},
		},
	}
}

func (r *fakeRemote) FetchSubscription(ctx context.Context, id string) (domain.SubscriptionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subCalls++
	snap, ok := r.subs[id]
	if !ok {
		return domain.SubscriptionSnapshot{}, domain.Permanent("fetch_subscription", domain.NewNotFoundError("subscription", id))
	}
	snap.Version = time.Now().UTC()
	snap.Price.Version = snap.Version
	return snap, nil
}

func (r *fakeRemote) FetchCustomer(ctx context.Context, id string) (domain.CustomerSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.customerErr != nil {
		return domain.CustomerSnapshot{}, r.customerErr
	}
	c, ok := r.customers[id]
	if !ok {
		return domain.CustomerSnapshot{}, domain.Permanent("fetch_customer", domain.NewNotFoundError("customer", id))
	}
	c.Version = time.Now().UTC()
	return c, nil
}

func (r *fakeRemote) setCustomerErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customerErr = err
}

type recordingAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (a *recordingAlerter) DeadLettered(ctx context.Context, rec domain.WebhookEventRecord, kind string, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.kinds)
}

type harness struct {
	store     *repository.InMemoryStore
	ledger    *repository.InMemoryLedger
	remote    *fakeRemote
	alerter   *recordingAlerter
	upserter  *Upserter
	processor *Processor
	ingestor  *Ingestor
	queries   *Queries
	metrics   metrics.SyncMetrics
}

func newHarness(t *testing.T, policy retry.Policy) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		store:   repository.NewInMemoryStore(log),
		ledger:  repository.NewInMemoryLedger(log),
		remote:  newFakeRemote(),
		alerter: &recordingAlerter{},
		metrics: metrics.NewSyncMetrics(prometheus.NewRegistry(), log),
	}
	scheduler := retry.NewScheduler(h.ledger, policy, h.alerter, h.metrics, log)
	h.upserter = NewUpserter(h.store, nil, h.metrics, log)
	h.processor = NewProcessor(h.ledger, billingstripe.Parse, h.upserter, h.remote, scheduler, h.metrics,
		ProcessorConfig{Lease: time.Minute, Timeout: 10 * time.Second}, log)
	verifier := billingstripe.NewWebhookVerifier(stripetest.Secret, 5*time.Minute, log)
	h.ingestor = NewIngestor(verifier, billingstripe.Parse, h.ledger, nil, h.metrics, log)
	h.queries = NewQueries(h.store, h.ledger, repository.NewInMemoryAdminReader(h.ledger, h.store), h.processor, log)
	return h
}

func (h *harness) deliver(t *testing.T, payload []byte) IngestResult {
	t.Helper()
	res, err := h.ingestor.Ingest(context.Background(), payload, stripetest.Sign(payload, stripetest.Secret, time.Now()))
	require.NoError(t, err)
	return res
}

func (h *harness) deliverAndProcess(t *testing.T, payload []byte) domain.WebhookEventRecord {
	t.Helper()
	res := h.deliver(t, payload)
	require.NoError(t, h.processor.Process(context.Background(), res.EventID))
	rec, err := h.ledger.Get(context.Background(), res.EventID)
	require.NoError(t, err)
	return rec
}

func (h *harness) subscription(t *testing.T, remoteID string) *domain.Subscription {
	t.Helper()
	sub, err := h.store.SubscriptionByRemoteID(context.Background(), remoteID)
	require.NoError(t, err)
	return sub
}

func subscriptionUpdated(id string, created int64, status string) []byte {
	return stripetest.SubscriptionEvent(id, "updated", created, stripetest.DefaultSubscription(status))
}

func remoteSnapshot(status domain.SubscriptionStatus) domain.SubscriptionSnapshot {
	return domain.SubscriptionSnapshot{
		RemoteSubscriptionID: "sub_1",
		RemoteCustomerID:     "cus_1",
		LocalUserID:          "user-1",
		Status:               status,
		Price: domain.Price{
			RemotePriceID: "price_basic",
			UnitAmount:    1500,
			Currency:      "usd",
			Interval:      "month",
			Active:        true,
		},
		Quantity:           1,
		CurrentPeriodStart: time.Unix(1714564800, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(1717243200, 0).UTC(),
	}
}

func TestScenarioA_InOrderDeliveryEndsActive(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())

	first := h.deliverAndProcess(t, subscriptionUpdated("evt_1", created100, "past_due"))
	assert.Equal(t, domain.EventStatusSucceeded, first.Status)
	assert.Equal(t, domain.SubscriptionStatusPastDue, h.subscription(t, "sub_1").Status)

	second := h.deliverAndProcess(t, subscriptionUpdated("evt_2", created200, "active"))
	assert.Equal(t, domain.EventStatusSucceeded, second.Status)

	sub := h.subscription(t, "sub_1")
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, time.Unix(created200, 0).UTC(), sub.RemoteVersion)

	mapping, err := h.store.MappingByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", mapping.RemoteCustomerID)
	assert.Equal(t, "a@b.com", mapping.Email)

	entries, err := h.store.AuditEntries(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditActionCreated, entries[0].Action)
	assert.Equal(t, domain.SubscriptionStatusPastDue, entries[1].Before.Status)
	assert.Equal(t, domain.SubscriptionStatusActive, entries[1].After.Status)
}

func TestScenarioB_ReverseOrderStillActive(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())

	newer := h.deliverAndProcess(t, subscriptionUpdated("evt_2", created200, "active"))
	assert.Equal(t, domain.EventStatusSucceeded, newer.Status)

	older := h.deliverAndProcess(t, subscriptionUpdated("evt_1", created100, "past_due"))
	assert.Equal(t, domain.EventStatusSucceeded, older.Status)
	assert.Equal(t, domain.NoteSuperseded, older.Note)
	assert.Empty(t, older.LastError)

	sub := h.subscription(t, "sub_1")
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)

	entries, err := h.store.AuditEntries(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestScenarioC_CheckoutCreatesMappingAndSubscription(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	h.remote.subs["sub_1"] = remoteSnapshot(domain.SubscriptionStatusActive)
	ctx := context.Background()

	_, err := h.store.MappingByUser(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	rec := h.deliverAndProcess(t, stripetest.CheckoutCompleted("evt_c", created100, "cus_1", "a@b.com", "user-1", "sub_1"))
	assert.Equal(t, domain.EventStatusSucceeded, rec.Status)

	mapping, err := h.store.MappingByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", mapping.RemoteCustomerID)
	assert.Equal(t, "a@b.com", mapping.Email)

	view := h.queries.AccountSubscription(ctx, "user-1")
	assert.Equal(t, string(domain.SubscriptionStatusActive), view.Status)
	assert.True(t, view.HasAccess)
	require.NotNil(t, view.Subscription)
	assert.Equal(t, "cus_1", domain.StringValue(view.Subscription.RemoteCustomerID))
	assert.Equal(t, "sub_1", domain.StringValue(view.Subscription.RemoteSubscriptionID))
}

func TestIngest_DuplicateDeliveryAppliedOnce(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	payload := subscriptionUpdated("evt_1", created100, "active")

	first := h.deliver(t, payload)
	assert.False(t, first.Duplicate)
	require.NoError(t, h.processor.Process(context.Background(), first.EventID))

	second := h.deliver(t, payload)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "evt_1", second.EventID)
	require.NoError(t, h.processor.Process(context.Background(), second.EventID))

	entries, err := h.store.AuditEntries(context.Background(), h.subscription(t, "sub_1").ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	payload := subscriptionUpdated("evt_1", created100, "active")

	_, err := h.ingestor.Ingest(context.Background(), payload, stripetest.Sign(payload, "whsec_other", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = h.ingestor.Ingest(context.Background(), payload, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = h.ledger.Get(context.Background(), "evt_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngest_RejectsMalformedBody(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	payload := []byte(`{"id":"evt_1","type":"customer.subscription.updated"}`)

	_, err := h.ingestor.Ingest(context.Background(), payload, stripetest.Sign(payload, stripetest.Secret, time.Now()))
	require.Error(t, err)
	assert.Equal(t, domain.KindMalformed, domain.KindOf(err))
}

func TestProcess_ConcurrentWorkersApplyAtMostOnce(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	res := h.deliver(t, subscriptionUpdated("evt_1", created100, "active"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.processor.Process(context.Background(), res.EventID))
		}()
	}
	wg.Wait()

	entries, err := h.store.AuditEntries(context.Background(), h.subscription(t, "sub_1").ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcess_TransientFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	h.remote.setCustomerErr(domain.Transient("fetch_customer", domain.ErrExternalServiceUnavailable))

	before := time.Now()
	rec := h.deliverAndProcess(t, subscriptionUpdated("evt_1", created100, "active"))

	assert.Equal(t, domain.EventStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.NextRetryAt)
	assert.True(t, rec.NextRetryAt.After(before))
	assert.False(t, rec.PermanentFailure)
	assert.Contains(t, rec.LastError, domain.ErrExternalServiceUnavailable.Error())
	assert.Zero(t, h.alerter.count())

	// Повтор после восстановления Stripe
	h.remote.setCustomerErr(nil)
	h.processor.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, h.processor.Process(context.Background(), "evt_1"))

	rec, err := h.ledger.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusSucceeded, rec.Status)
	assert.Equal(t, domain.SubscriptionStatusActive, h.subscription(t, "sub_1").Status)
}

func TestProcess_DeadLetterAlertsExactlyOnce(t *testing.T) {
	policy := retry.Policy{Base: time.Second, Cap: time.Minute, MaxRetries: 2}
	h := newHarness(t, policy)
	h.remote.setCustomerErr(domain.Transient("fetch_customer", domain.ErrTimeoutExceeded))

	res := h.deliver(t, subscriptionUpdated("evt_1", created100, "active"))
	for i := 1; i <= 6; i++ {
		offset := time.Duration(i) * time.Hour
		h.processor.now = func() time.Time { return time.Now().Add(offset) }
		require.NoError(t, h.processor.Process(context.Background(), res.EventID))
	}

	rec, err := h.ledger.Get(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusFailed, rec.Status)
	assert.Equal(t, policy.MaxRetries, rec.RetryCount)
	assert.True(t, rec.IsDeadLettered())
	assert.Equal(t, 1, h.alerter.count())
	assert.Equal(t, []string{retry.DeadLetterExhausted}, h.alerter.kinds)

	dead, err := h.queries.DeadLetters(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "evt_1", dead[0].EventID)
}

func TestProcess_DeletedPriceIsPermanent(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	h.store.SeedPrice(domain.Price{RemotePriceID: "price_basic", Deleted: true, Version: time.Unix(created100, 0)})
	_, err := h.upserter.LinkCustomer(context.Background(), "cus_1", domain.Identity{LocalUserID: "user-1", Email: "a@b.com"})
	require.NoError(t, err)

	rec := h.deliverAndProcess(t, subscriptionUpdated("evt_1", created200, "active"))

	assert.Equal(t, domain.EventStatusFailed, rec.Status)
	assert.True(t, rec.PermanentFailure)
	assert.True(t, rec.IsDeadLettered())
	assert.Contains(t, rec.LastError, "subscriptions_remote_price_id_fkey")
	assert.Equal(t, []string{retry.DeadLetterPermanent}, h.alerter.kinds)
	assert.Empty(t, h.store.Subscriptions("user-1"))
}

func TestProcess_UnknownEventSkipped(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())

	rec := h.deliverAndProcess(t, stripetest.Event("evt_x", "charge.refunded", created100, map[string]any{"id": "ch_1"}))

	assert.Equal(t, domain.EventStatusSkipped, rec.Status)
	assert.Equal(t, domain.NoteUnknownType, rec.Note)
	assert.Equal(t, "ch_1", rec.RemoteObjectID)
}

func TestProcess_LeavingCanceledIsRejected(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())

	canceled := stripetest.DefaultSubscription("canceled")
	canceled.CanceledAt = created100
	h.deliverAndProcess(t, stripetest.SubscriptionEvent("evt_1", "deleted", created100, canceled))

	rec := h.deliverAndProcess(t, subscriptionUpdated("evt_2", created200, "active"))
	assert.Equal(t, domain.EventStatusSkipped, rec.Status)
	assert.Equal(t, domain.NoteRejected, rec.Note)
	assert.Equal(t, domain.SubscriptionStatusCanceled, h.subscription(t, "sub_1").Status)
}

func TestProcess_RepeatedCancellationAppliedOnce(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	h.deliverAndProcess(t, subscriptionUpdated("evt_1", created100, "active"))

	canceled := stripetest.DefaultSubscription("canceled")
	canceled.CanceledAt = created200
	h.deliverAndProcess(t, stripetest.SubscriptionEvent("evt_2", "deleted", created200, canceled))
	again := h.deliverAndProcess(t, stripetest.SubscriptionEvent("evt_3", "deleted", created200+10, canceled))

	assert.Equal(t, domain.EventStatusSucceeded, again.Status)
	assert.Equal(t, domain.NoteUnchanged, again.Note)

	entries, err := h.store.AuditEntries(context.Background(), h.subscription(t, "sub_1").ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestProcess_InvoicePaidRefreshesSubscription(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	h.remote.subs["sub_1"] = remoteSnapshot(domain.SubscriptionStatusActive)

	rec := h.deliverAndProcess(t, stripetest.InvoicePaid("evt_inv", created100, "in_1", "cus_1", "sub_1"))
	assert.Equal(t, domain.EventStatusSucceeded, rec.Status)

	inv, ok := h.store.Invoice("in_1")
	require.True(t, ok)
	assert.Equal(t, int64(1500), inv.AmountPaid)

	view := h.queries.AccountSubscription(context.Background(), "user-1")
	assert.Equal(t, string(domain.SubscriptionStatusActive), view.Status)
	assert.Equal(t, 1, h.remote.subCalls)
}

func TestProcess_PriceAndCustomerLastWriterWins(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	ctx := context.Background()

	h.deliverAndProcess(t, stripetest.Price("evt_p2", "updated", created200, "price_pro", 3000))
	stale := h.deliverAndProcess(t, stripetest.Price("evt_p1", "updated", created100, "price_pro", 2000))
	assert.Equal(t, domain.NoteSuperseded, stale.Note)

	h.deliverAndProcess(t, stripetest.Customer("evt_c1", "created", created100, "cus_9", "old@b.com", "user-9"))
	h.deliverAndProcess(t, stripetest.Customer("evt_c2", "updated", created200, "cus_9", "new@b.com", "user-9"))
	mapping, err := h.store.MappingByUser(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, "new@b.com", mapping.Email)

	older := h.deliverAndProcess(t, stripetest.Customer("evt_c0", "updated", created100-50, "cus_9", "older@b.com", "user-9"))
	assert.Equal(t, domain.NoteUnchanged, older.Note)
	mapping, err = h.store.MappingByUser(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, "new@b.com", mapping.Email)
}

func TestUpserter_ForeignCustomerIsConstraintViolation(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	ctx := context.Background()
	_, err := h.upserter.LinkCustomer(ctx, "cus_1", domain.Identity{LocalUserID: "user-1", Email: "a@b.com"})
	require.NoError(t, err)

	_, err = h.upserter.LinkCustomer(ctx, "cus_2", domain.Identity{LocalUserID: "user-1", Email: "a@b.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConstraintViolation)
	assert.True(t, domain.IsPermanent(err))
}

func TestUpserter_MissingIdentityIsTransient(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	snap := remoteSnapshot(domain.SubscriptionStatusActive)
	snap.Version = time.Unix(created100, 0).UTC()

	_, err := h.upserter.Apply(context.Background(), ApplyInput{Snapshot: snap, Source: domain.AuditSourceWebhook, EventID: "evt_1"})
	require.Error(t, err)
	assert.True(t, IsMappingMissing(err))
	assert.False(t, domain.IsPermanent(err))
	assert.Empty(t, h.store.Subscriptions("user-1"))
}

func TestProvisionFreePlan_Idempotent(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())
	ctx := context.Background()

	sub, created, err := h.upserter.ProvisionFreePlan(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, sub.IsFreePlan())
	assert.Equal(t, domain.FreePlanPriceID, sub.RemotePriceID)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)

	again, created, err := h.upserter.ProvisionFreePlan(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.ID, again.ID)
	assert.Len(t, h.store.Subscriptions("user-1"), 1)

	view := h.queries.AccountSubscription(ctx, "user-1")
	assert.True(t, view.FreePlan)
	assert.True(t, view.HasAccess)

	// Платная подписка показывается вместо бесплатной
	h.deliverAndProcess(t, subscriptionUpdated("evt_1", created100, "active"))
	view = h.queries.AccountSubscription(ctx, "user-1")
	assert.False(t, view.FreePlan)
	assert.Len(t, h.store.Subscriptions("user-1"), 2)
}

func TestQueries_MissingSubscriptionRendersPending(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy())

	view := h.queries.AccountSubscription(context.Background(), "nobody")
	assert.Equal(t, StatusPending, view.Status)
	assert.False(t, view.HasAccess)
	assert.Nil(t, view.Subscription)
}

func TestQueries_ReplayDeadLetter(t *testing.T) {
	h := newHarness(t, retry.Policy{Base: time.Second, Cap: time.Minute, MaxRetries: 0})
	h.remote.setCustomerErr(domain.Transient("fetch_customer", domain.ErrTimeoutExceeded))

	rec := h.deliverAndProcess(t, subscriptionUpdated("evt_1", created100, "active"))
	require.True(t, rec.IsDeadLettered())

	h.remote.setCustomerErr(nil)
	replayed, err := h.queries.Replay(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusSucceeded, replayed.Status)
	assert.False(t, replayed.IsDeadLettered())

	_, err = h.queries.Replay(context.Background(), "evt_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
