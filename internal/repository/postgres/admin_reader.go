package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// AdminReader выборки для административных эндпоинтов через sqlx поверх того же пула
type AdminReader struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewAdminReader создает читатель. Соединения берутся из pool.
func NewAdminReader(pool *pgxpool.Pool, log *logger.Logger) *AdminReader {
	return &AdminReader{
		db:  sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
		log: log,
	}
}

// Close освобождает обертку database/sql; пул остается открытым
func (r *AdminReader) Close() error {
	if err := r.db.Close(); err != nil {
		r.log.Errorw("Failed to close admin reader", "error", err)
		return fmt.Errorf("failed to close admin reader: %w", err)
	}
	return nil
}

type deadLetterRow struct {
	EventID          string     `db:"event_id"`
	EventType        string     `db:"event_type"`
	Status           string     `db:"status"`
	RetryCount       int        `db:"retry_count"`
	RemoteObjectID   string     `db:"remote_object_id"`
	Livemode         bool       `db:"livemode"`
	RemoteCreatedAt  time.Time  `db:"remote_created_at"`
	ReceivedAt       time.Time  `db:"received_at"`
	LastError        string     `db:"last_error"`
	PermanentFailure bool       `db:"permanent_failure"`
	DeadLetteredAt   *time.Time `db:"dead_lettered_at"`
	Note             string     `db:"note"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r deadLetterRow) toDomain() domain.WebhookEventRecord {
	return domain.WebhookEventRecord{
		EventID:          r.EventID,
		EventType:        r.EventType,
		Status:           domain.EventStatus(r.Status),
		RetryCount:       r.RetryCount,
		RemoteObjectID:   r.RemoteObjectID,
		Livemode:         r.Livemode,
		RemoteCreatedAt:  r.RemoteCreatedAt,
		ReceivedAt:       r.ReceivedAt,
		LastError:        r.LastError,
		PermanentFailure: r.PermanentFailure,
		DeadLetteredAt:   r.DeadLetteredAt,
		Note:             r.Note,
		UpdatedAt:        r.UpdatedAt,
	}
}

// DeadLetters события, исключенные из повторов, от новых к старым
func (r *AdminReader) DeadLetters(ctx context.Context, limit, offset int) ([]domain.WebhookEventRecord, error) {
	query := `
        SELECT event_id, event_type, status, retry_count, remote_object_id, livemode,
               remote_created_at, received_at, last_error, permanent_failure,
               dead_lettered_at, note, updated_at
        FROM webhook_events
        WHERE dead_lettered_at IS NOT NULL
        ORDER BY dead_lettered_at DESC
        LIMIT $1 OFFSET $2
    `
	var rows []deadLetterRow
	if err := r.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		r.log.Errorw("Failed to list dead letters", "error", err)
		return nil, classify("list dead letters", err)
	}
	out := make([]domain.WebhookEventRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

type reconciliationRow struct {
	ID                   int64      `db:"id"`
	SubscriptionID       *uuid.UUID `db:"subscription_id"`
	RemoteSubscriptionID string     `db:"remote_subscription_id"`
	DetectedAt           time.Time  `db:"detected_at"`
	LocalSnapshot        []byte     `db:"local_snapshot"`
	RemoteSnapshot       []byte     `db:"remote_snapshot"`
	DivergentFields      []byte     `db:"divergent_fields"`
	Repaired             bool       `db:"repaired"`
	Error                string     `db:"error"`
}

func (r reconciliationRow) toDomain() (domain.ReconciliationRecord, error) {
	rec := domain.ReconciliationRecord{
		ID:                   r.ID,
		SubscriptionID:       r.SubscriptionID,
		RemoteSubscriptionID: r.RemoteSubscriptionID,
		DetectedAt:           r.DetectedAt,
		Repaired:             r.Repaired,
		Error:                r.Error,
	}
	if err := json.Unmarshal(r.DivergentFields, &rec.DivergentFields); err != nil {
		return rec, fmt.Errorf("failed to decode divergent fields: %w", err)
	}
	if r.LocalSnapshot != nil {
		rec.LocalSnapshot = &domain.Subscription{}
		if err := json.Unmarshal(r.LocalSnapshot, rec.LocalSnapshot); err != nil {
			return rec, fmt.Errorf("failed to decode local snapshot: %w", err)
		}
	}
	if r.RemoteSnapshot != nil {
		rec.RemoteSnapshot = &domain.SubscriptionSnapshot{}
		if err := json.Unmarshal(r.RemoteSnapshot, rec.RemoteSnapshot); err != nil {
			return rec, fmt.Errorf("failed to decode remote snapshot: %w", err)
		}
	}
	return rec, nil
}

// Reconciliations последние результаты аудитора расхождений
func (r *AdminReader) Reconciliations(ctx context.Context, limit int) ([]domain.ReconciliationRecord, error) {
	query := `
        SELECT id, subscription_id, remote_subscription_id, detected_at, local_snapshot,
               remote_snapshot, divergent_fields, repaired, error
        FROM reconciliation_records
        ORDER BY detected_at DESC, id DESC
        LIMIT $1
    `
	var rows []reconciliationRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		r.log.Errorw("Failed to list reconciliations", "error", err)
		return nil, classify("list reconciliations", err)
	}
	out := make([]domain.ReconciliationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// EventCounts количество событий журнала по статусам
func (r *AdminReader) EventCounts(ctx context.Context) (map[domain.EventStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM webhook_events GROUP BY status`); err != nil {
		r.log.Errorw("Failed to count events", "error", err)
		return nil, classify("count events", err)
	}
	counts := make(map[domain.EventStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.EventStatus(row.Status)] = row.Count
	}
	return counts, nil
}
