package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/kafka"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// DeadLetterAlert сообщение в топик dead-letter
type DeadLetterAlert struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Kind       string    `json:"kind"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error"`
	AlertedAt  time.Time `json:"alerted_at"`
}

// DriftAlert сообщение о превышении порога расхождений
type DriftAlert struct {
	Drifted               int       `json:"drifted"`
	RemoteSubscriptionIDs []string  `json:"remote_subscription_ids"`
	Fields                []string  `json:"fields"`
	AlertedAt             time.Time `json:"alerted_at"`
}

// Alerter публикует алерты в Kafka. Ошибка публикации только логируется:
// алерт не должен влиять на обработку события.
type Alerter struct {
	publisher kafka.Publisher
	topics    kafka.Topics
	now       func() time.Time
	log       *logger.Logger
}

// NewAlerter создает алертер поверх publisher
func NewAlerter(publisher kafka.Publisher, topics kafka.Topics, log *logger.Logger) *Alerter {
	return &Alerter{
		publisher: publisher,
		topics:    topics.WithDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// DeadLettered вызывается ровно один раз на событие
func (a *Alerter) DeadLettered(ctx context.Context, rec domain.WebhookEventRecord, kind string, cause error) {
	alert := DeadLetterAlert{
		EventID:    rec.EventID,
		EventType:  rec.EventType,
		Kind:       kind,
		RetryCount: rec.RetryCount,
		AlertedAt:  a.now(),
	}
	if cause != nil {
		alert.Error = cause.Error()
	}
	a.log.Errorw("Event dead-lettered", "eventID", rec.EventID, "eventType", rec.EventType, "kind", kind, "error", alert.Error)
	a.publish(ctx, a.topics.DeadLetter, rec.EventID, alert)
}

// DriftDetected сообщает о партии с расхождениями выше порога
func (a *Alerter) DriftDetected(ctx context.Context, drifted []domain.ReconciliationRecord) {
	alert := DriftAlert{Drifted: len(drifted), AlertedAt: a.now()}
	seen := make(map[string]struct{})
	for _, r := range drifted {
		alert.RemoteSubscriptionIDs = append(alert.RemoteSubscriptionIDs, r.RemoteSubscriptionID)
		for _, f := range r.DivergentFields {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				alert.Fields = append(alert.Fields, f)
			}
		}
	}
	a.log.Errorw("Drift above threshold", "drifted", alert.Drifted, "fields", alert.Fields)
	a.publish(ctx, a.topics.DriftDetected, "drift", alert)
}

func (a *Alerter) publish(ctx context.Context, topic, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		a.log.Errorw("Failed to marshal alert", "error", err, "topic", topic)
		return
	}
	if err := a.publisher.Publish(ctx, kafka.Message{Topic: topic, Key: key, Value: payload, Time: a.now()}); err != nil {
		a.log.Warnw("Failed to publish alert", "error", err, "topic", topic, "key", key)
	}
}
