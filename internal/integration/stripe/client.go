package stripe

import (
	"context"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	stripego "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Config конфигурация для клиента Stripe
type Config struct {
	APIKey  string
	Timeout time.Duration
	// MaxElapsed общее время на повторы одного запроса
	MaxElapsed time.Duration
	// Backends подменяет адрес API (тесты, stripe-mock)
	Backends *stripego.Backends
}

// Client читает авторитетное состояние из Stripe.
type Client struct {
	api        *client.API
	timeout    time.Duration
	maxElapsed time.Duration
	now        func() time.Time
	log        *logger.Logger
}

// NewClient создает новый клиент Stripe
func NewClient(cfg Config, log *logger.Logger) *Client {
	sc := &client.API{}
	sc.Init(cfg.APIKey, cfg.Backends)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 3 * timeout
	}

	return &Client{
		api:        sc,
		timeout:    timeout,
		maxElapsed: maxElapsed,
		now:        time.Now,
		log:        log,
	}
}

// FetchSubscription получает актуальный снимок подписки.
// Версия снимка равна времени запроса, поэтому он новее любого уже полученного уведомления.
func (c *Client) FetchSubscription(ctx context.Context, remoteSubscriptionID string) (domain.SubscriptionSnapshot, error) {
	var sub *stripego.Subscription
	err := c.withRetry(ctx, "fetch_subscription", func(callCtx context.Context) error {
		params := &stripego.SubscriptionParams{}
		params.Context = callCtx
		params.AddExpand("customer")
		var err error
		sub, err = c.api.Subscriptions.Get(remoteSubscriptionID, params)
		return err
	})
	if err != nil {
		return domain.SubscriptionSnapshot{}, err
	}

	snap, err := ToSubscriptionSnapshot(sub, c.now().UTC())
	if err != nil {
		// Ответ API без обязательных полей не исправится повтором
		return domain.SubscriptionSnapshot{}, domain.Permanent("fetch_subscription", err)
	}
	c.log.Debugw("Fetched remote subscription", "subscriptionID", remoteSubscriptionID, "status", snap.Status)
	return snap, nil
}

// FetchCustomer получает клиента Stripe вместе с metadata.user_id
func (c *Client) FetchCustomer(ctx context.Context, remoteCustomerID string) (domain.CustomerSnapshot, error) {
	var cus *stripego.Customer
	err := c.withRetry(ctx, "fetch_customer", func(callCtx context.Context) error {
		params := &stripego.CustomerParams{}
		params.Context = callCtx
		var err error
		cus, err = c.api.Customers.Get(remoteCustomerID, params)
		return err
	})
	if err != nil {
		return domain.CustomerSnapshot{}, err
	}
	snap, err := ToCustomerSnapshot(cus, c.now().UTC())
	if err != nil {
		return domain.CustomerSnapshot{}, domain.Permanent("fetch_customer", err)
	}
	return snap, nil
}

// withRetry выполняет вызов с таймаутом на попытку и экспоненциальными повторами
// для временных ошибок. Итоговая ошибка уже классифицирована.
func (c *Client) withRetry(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := call(callCtx)
		if err == nil {
			return nil
		}
		lastErr = classify(op, err)
		if domain.IsPermanent(lastErr) {
			return backoff.Permanent(lastErr)
		}
		c.log.Warnw("Retryable Stripe error occurred, retrying", "op", op, "error", err)
		return lastErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = c.maxElapsed
	bo.Reset()

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return classify(op, err)
	}
	return nil
}
