package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus статус обработки события в журнале идемпотентности
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusSucceeded  EventStatus = "succeeded"
	EventStatusFailed     EventStatus = "failed"
	EventStatusSkipped    EventStatus = "skipped"
)

// Примечания, которые пишутся в журнал при завершении
const (
	NoteSuperseded   = "skipped: superseded by newer state"
	NoteUnknownType  = "skipped: unhandled event type"
	NoteRejected     = "skipped: transition out of terminal state"
	NoteUnchanged    = "applied: no field changes"
	NoteNoSubscriber = "skipped: no subscription to refresh"
)

// WebhookEventRecord запись журнала идемпотентности.
// Payload неизменяем; меняются только статус и поля повторов.
type WebhookEventRecord struct {
	EventID          string      `json:"event_id"`
	EventType        string      `json:"event_type"`
	Status           EventStatus `json:"status"`
	RetryCount       int         `json:"retry_count"`
	NextRetryAt      *time.Time  `json:"next_retry_at,omitempty"`
	Payload          []byte      `json:"-"`
	RemoteObjectID   string      `json:"remote_object_id,omitempty"`
	Livemode         bool        `json:"livemode"`
	RemoteCreatedAt  time.Time   `json:"remote_created_at"`
	ReceivedAt       time.Time   `json:"received_at"`
	ProcessedAt      *time.Time  `json:"processed_at,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	PermanentFailure bool        `json:"permanent_failure"`
	DeadLetteredAt   *time.Time  `json:"dead_lettered_at,omitempty"`
	LeaseToken       *uuid.UUID  `json:"-"`
	LeaseExpiresAt   *time.Time  `json:"lease_expires_at,omitempty"`
	Note             string      `json:"note,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IsDeadLettered true, если событие исключено из автоматических повторов
func (r WebhookEventRecord) IsDeadLettered() bool {
	return r.DeadLetteredAt != nil
}

// IsDue true, если событие можно взять в обработку в момент now
func (r WebhookEventRecord) IsDue(now time.Time) bool {
	if r.PermanentFailure || r.DeadLetteredAt != nil {
		return false
	}
	if r.Status != EventStatusPending && r.Status != EventStatusFailed {
		return false
	}
	return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
}

// FailureUpdate изменения записи при временной ошибке
type FailureUpdate struct {
	Error       string
	RetryCount  int
	NextRetryAt time.Time
}

// DeadLetterUpdate изменения записи при переводе в dead-letter
type DeadLetterUpdate struct {
	Error      string
	RetryCount int
	Permanent  bool
}
