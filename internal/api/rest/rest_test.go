package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/api/rest/handlers"
	"github.com/Dhoini/billing-sync/internal/api/rest/middleware"
	"github.com/Dhoini/billing-sync/internal/domain"
	billingstripe "github.com/Dhoini/billing-sync/internal/integration/stripe"
	"github.com/Dhoini/billing-sync/internal/integration/stripe/stripetest"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/retry"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jwtSecret = []byte("test-jwt-secret")

type stubReconciler struct {
	ids []string
}

func (s *stubReconciler) ResolveID(ctx context.Context, id string) (string, error) {
	if id == "missing" {
		return "", domain.NewNotFoundError("subscription", id)
	}
	return id, nil
}

func (s *stubReconciler) AuditBatch(ctx context.Context, ids []string) ([]domain.ReconciliationRecord, error) {
	s.ids = append(s.ids, ids...)
	out := make([]domain.ReconciliationRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.ReconciliationRecord{RemoteSubscriptionID: id})
	}
	return out, nil
}

func (s *stubReconciler) AuditSample(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return nil, nil
}

type failingIngestor struct{}

func (failingIngestor) Ingest(ctx context.Context, payload []byte, signature string) (service.IngestResult, error) {
	return service.IngestResult{}, domain.Transient("record event", domain.ErrStorageUnavailable)
}

type testServer struct {
	router     *gin.Engine
	ledger     *repository.InMemoryLedger
	reconciler *stubReconciler
}

func newTestServer(t *testing.T, ingestor handlers.EventIngestor) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	registry := prometheus.NewRegistry()
	m := metrics.NewSyncMetrics(registry, log)

	store := repository.NewInMemoryStore(log)
	ledger := repository.NewInMemoryLedger(log)
	upserter := service.NewUpserter(store, nil, m, log)
	scheduler := retry.NewScheduler(ledger, retry.DefaultPolicy(), nil, m, log)
	processor := service.NewProcessor(ledger, billingstripe.Parse, upserter, nil, scheduler, m, service.ProcessorConfig{}, log)
	queries := service.NewQueries(store, ledger, repository.NewInMemoryAdminReader(ledger, store), processor, log)
	if ingestor == nil {
		verifier := billingstripe.NewWebhookVerifier(stripetest.Secret, 5*time.Minute, log)
		ingestor = service.NewIngestor(verifier, billingstripe.Parse, ledger, nil, m, log)
	}

	ts := &testServer{ledger: ledger, reconciler: &stubReconciler{}}
	ts.router = SetupRouter(RouterDeps{
		Ingestor:     ingestor,
		Accounts:     queries,
		Provisioner:  upserter,
		Admin:        queries,
		Reconciler:   ts.reconciler,
		Store:        store,
		Auth:         middleware.NewJWTMiddleware(&middleware.HMACTokenValidator{Secret: jwtSecret}, log),
		Registry:     registry,
		HTTPMetrics:  metrics.NewHTTPMetrics(registry, log),
		MaxBodyBytes: 4096,
	}, log)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func bearer(t *testing.T, scopes ...string) map[string]string {
	t.Helper()
	token, err := middleware.IssueToken(jwtSecret, "ops", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, scopes...)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthReadyMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/ready", nil, nil).Code)

	w := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestWebhook_RecordsAndDetectsDuplicates(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := stripetest.SubscriptionEvent("evt_1", "updated", 1714564900, stripetest.DefaultSubscription("active"))
	headers := map[string]string{billingstripe.SignatureHeader: stripetest.Sign(payload, stripetest.Secret, time.Now())}

	w := ts.do(t, http.MethodPost, "/webhooks/stripe", payload, headers)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, false, body["duplicate"])

	w = ts.do(t, http.MethodPost, "/webhooks/stripe", payload, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["duplicate"])

	rec, err := ts.ledger.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusPending, rec.Status)
	assert.Equal(t, payload, rec.Payload)
}

func TestWebhook_Rejections(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := stripetest.SubscriptionEvent("evt_1", "updated", 1714564900, stripetest.DefaultSubscription("active"))

	w := ts.do(t, http.MethodPost, "/webhooks/stripe", payload,
		map[string]string{billingstripe.SignatureHeader: stripetest.Sign(payload, "whsec_wrong", time.Now())})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid webhook", decode(t, w)["error"])
	assert.NotContains(t, w.Body.String(), "signature")

	w = ts.do(t, http.MethodPost, "/webhooks/stripe", payload, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	garbage := []byte(`{"id":"evt_2"}`)
	w = ts.do(t, http.MethodPost, "/webhooks/stripe", garbage,
		map[string]string{billingstripe.SignatureHeader: stripetest.Sign(garbage, stripetest.Secret, time.Now())})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid webhook", decode(t, w)["error"])

	large := []byte(`{"pad":"` + strings.Repeat("x", 8192) + `"}`)
	w = ts.do(t, http.MethodPost, "/webhooks/stripe", large,
		map[string]string{billingstripe.SignatureHeader: stripetest.Sign(large, stripetest.Secret, time.Now())})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	_, err := ts.ledger.Get(context.Background(), "evt_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWebhook_StorageUnavailableIsNotAcknowledged(t *testing.T) {
	ts := newTestServer(t, failingIngestor{})

	w := ts.do(t, http.MethodPost, "/webhooks/stripe", []byte(`{}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAccount_RequiresScope(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/accounts/user-1/subscription", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/accounts/user-1/subscription", nil,
		map[string]string{"Authorization": "Bearer not-a-token"}).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/v1/accounts/user-1/subscription", nil,
		bearer(t, middleware.ScopeProvision)).Code)

	w := ts.do(t, http.MethodGet, "/api/v1/accounts/user-1/subscription", nil, bearer(t, middleware.ScopeRead))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.StatusPending, decode(t, w)["status"])
}

func TestProvisioning_FreePlan(t *testing.T) {
	ts := newTestServer(t, nil)
	auth := bearer(t, middleware.ScopeProvision)
	body := []byte(`{"user_id":"user-1"}`)

	w := ts.do(t, http.MethodPost, "/api/v1/provisioning/free-plan", body, auth)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, decode(t, w)["created"])

	w = ts.do(t, http.MethodPost, "/api/v1/provisioning/free-plan", body, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["created"])

	w = ts.do(t, http.MethodPost, "/api/v1/provisioning/free-plan", []byte(`{}`), auth)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/user-1/subscription", nil, bearer(t, middleware.ScopeAdmin))
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, string(domain.SubscriptionStatusActive), view["status"])
	assert.Equal(t, true, view["free_plan"])
}

func TestAdmin_Endpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	admin := bearer(t, middleware.ScopeAdmin)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/admin/dead-letters", nil, bearer(t, middleware.ScopeRead)).Code)

	w := ts.do(t, http.MethodGet, "/admin/dead-letters?limit=10", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["events"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/admin/events/evt_missing", nil, admin).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/admin/events/evt_missing/replay", nil, admin).Code)

	w = ts.do(t, http.MethodPost, "/admin/reconcile?subscription_id=sub_1", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"sub_1"}, ts.reconciler.ids)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/admin/reconcile?subscription_id=missing", nil, admin).Code)

	w = ts.do(t, http.MethodPost, "/admin/reconcile", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["records"])

	w = ts.do(t, http.MethodGet, "/admin/reconciliations", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)
}
