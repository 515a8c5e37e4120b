package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/kafka"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// OutboxRelayConfig параметры relay
type OutboxRelayConfig struct {
	Interval time.Duration
	Batch    int
}

// OutboxRelay публикует сообщения outbox в Kafka в порядке записи.
// Доставка at-least-once: сообщение может уйти повторно, если отметка не сохранилась.
type OutboxRelay struct {
	store     repository.Store
	publisher kafka.Publisher
	topics    kafka.Topics
	metrics   metrics.SyncMetrics
	cfg       OutboxRelayConfig
	now       func() time.Time
	log       *logger.Logger
}

// NewOutboxRelay создает relay
func NewOutboxRelay(store repository.Store, publisher kafka.Publisher, topics kafka.Topics, m metrics.SyncMetrics,
	cfg OutboxRelayConfig, log *logger.Logger) *OutboxRelay {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		topics:    topics.WithDefaults(),
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// RelayOnce публикует одну партию. На первой ошибке партия прерывается,
// чтобы не нарушить порядок сообщений одной подписки.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.store.PendingOutbox(ctx, r.cfg.Batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range pending {
		topic, err := r.topicFor(m.Kind)
		if err != nil {
			return published, err
		}
		msg := kafka.Message{
			Topic: topic,
			Key:   m.Key,
			Value: m.Payload,
			Headers: map[string]string{
				"outbox_id": m.ID.String(),
				"kind":      string(m.Kind),
			},
			Time: m.CreatedAt,
		}
		if err := r.publisher.Publish(ctx, msg); err != nil {
			if markErr := r.store.MarkOutboxFailed(ctx, m.ID, err.Error()); markErr != nil {
				r.log.Errorw("Failed to record outbox failure", "error", markErr, "outboxID", m.ID)
			}
			return published, fmt.Errorf("publish outbox message %s: %w", m.ID, err)
		}
		if err := r.store.MarkOutboxPublished(ctx, m.ID, r.now()); err != nil {
			return published, err
		}
		r.metrics.IncOutboxPublished(topic)
		published++
	}
	return published, nil
}

func (r *OutboxRelay) topicFor(kind domain.OutboxKind) (string, error) {
	switch kind {
	case domain.OutboxKindSubscriptionChanged:
		return r.topics.SubscriptionChanged, nil
	}
	return "", fmt.Errorf("unknown outbox kind %q", kind)
}

// Run вызывает RelayOnce каждые Interval до отмены ctx
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.log.Infow("Outbox relay started", "interval", r.cfg.Interval, "batch", r.cfg.Batch)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
			n, err := r.RelayOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warnw("Outbox relay pass failed", "error", err, "published", n)
			} else if n > 0 {
				r.log.Debugw("Outbox messages published", "count", n)
			}
		}
	}
}
