package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("DATABASE_DSN", "postgres://u:p@localhost:5432/billing")
	t.Setenv("SYNC_MAX_RETRIES", "3")
	t.Setenv("SYNC_BACKOFF_BASE", "10s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "whsec_test", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, time.Hour, cfg.Sync.BackoffCap)
	assert.Equal(t, 50, cfg.Drift.BatchSize)
	assert.Equal(t, "billing.subscription_changed", cfg.Kafka.Topics.SubscriptionChanged)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
app:
  port: "9090"
database:
  driver: memory
stripe:
  webhook_secret: whsec_yaml
auth:
  jwt_secret: yaml-secret
drift:
  batch_size: 7
  interval: 1m
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Drift.BatchSize)
	assert.Equal(t, time.Minute, cfg.Drift.Interval)
}

func TestLoadConfig_MissingSecretFailsValidation(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
	t.Setenv("DATABASE_DRIVER", "memory")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WebhookSecret")
}

func TestValidate_BackoffCapBelowBase(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec")
	t.Setenv("AUTH_JWT_SECRET", "jwt")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("SYNC_BACKOFF_BASE", "2h")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BackoffCap")
}
