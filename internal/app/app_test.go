package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/api/rest/middleware"
	"github.com/Dhoini/billing-sync/internal/config"
	billingstripe "github.com/Dhoini/billing-sync/internal/integration/stripe"
	"github.com/Dhoini/billing-sync/internal/integration/stripe/stripetest"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "app-test-secret"

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("STRIPE_WEBHOOK_SECRET", stripetest.Secret)
	t.Setenv("AUTH_JWT_SECRET", testJWTSecret)
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("REDIS_ENABLED", "false")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	return cfg
}

func TestNew_MemoryStackServesWebhookToAccount(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	payload := stripetest.SubscriptionEvent("evt_app_1", "created", time.Now().Add(-time.Minute).Unix(),
		stripetest.DefaultSubscription("active"))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set(billingstripe.SignatureHeader, stripetest.Sign(payload, stripetest.Secret, time.Now()))
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Воркеры не запущены: событие ждет в очереди диспетчера
	assert.Equal(t, 1, a.Dispatcher.Pending())
	require.NoError(t, a.Processor.Process(context.Background(), "evt_app_1"))

	token, err := middleware.IssueToken([]byte(testJWTSecret), "tester", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, middleware.ScopeRead)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/accounts/user-1/subscription", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var view service.AccountView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "active", view.Status)
	assert.True(t, view.HasAccess)
}

func TestNew_ReadyAndMetrics(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		w := httptest.NewRecorder()
		a.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
