package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `event_id, event_type, status, retry_count, next_retry_at, event_data,
	remote_object_id, livemode, remote_created_at, received_at, processed_at, last_error,
	permanent_failure, dead_lettered_at, lease_token, lease_expires_at, note, updated_at`

// Условие готовности записи к обработке в момент $now
const dueCondition = `status IN ('pending', 'failed')
	AND NOT permanent_failure
	AND dead_lettered_at IS NULL`

// Ledger журнал идемпотентности в PostgreSQL.
// Переходы статусов выполняются одним условным UPDATE, конкурирующие обработчики
// разделяются токеном аренды.
type Ledger struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewLedger создает журнал поверх пула
func NewLedger(pool *pgxpool.Pool, log *logger.Logger) *Ledger {
	return &Ledger{pool: pool, log: log}
}

func scanEvent(row pgx.Row) (domain.WebhookEventRecord, error) {
	var rec domain.WebhookEventRecord
	var status string
	err := row.Scan(
		&rec.EventID, &rec.EventType, &status, &rec.RetryCount, &rec.NextRetryAt, &rec.Payload,
		&rec.RemoteObjectID, &rec.Livemode, &rec.RemoteCreatedAt, &rec.ReceivedAt, &rec.ProcessedAt, &rec.LastError,
		&rec.PermanentFailure, &rec.DeadLetteredAt, &rec.LeaseToken, &rec.LeaseExpiresAt, &rec.Note, &rec.UpdatedAt,
	)
	rec.Status = domain.EventStatus(status)
	return rec, err
}

func (l *Ledger) RecordIfNew(ctx context.Context, rec domain.WebhookEventRecord) (domain.WebhookEventRecord, bool, error) {
	if rec.Status == "" {
		rec.Status = domain.EventStatusPending
	}
	row := l.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, event_data, remote_object_id,
			livemode, remote_created_at, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING `+eventColumns,
		rec.EventID, rec.EventType, string(rec.Status), rec.Payload, rec.RemoteObjectID,
		rec.Livemode, rec.RemoteCreatedAt, rec.ReceivedAt,
	)
	stored, err := scanEvent(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		l.log.Errorw("Failed to record webhook event", "error", err, "eventID", rec.EventID)
		return domain.WebhookEventRecord{}, false, classify("record event", err)
	}

	existing, err := l.Get(ctx, rec.EventID)
	if err != nil {
		return domain.WebhookEventRecord{}, false, err
	}
	return existing, false, nil
}

func (l *Ledger) Get(ctx context.Context, eventID string) (domain.WebhookEventRecord, error) {
	rec, err := scanEvent(l.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WebhookEventRecord{}, domain.NewNotFoundError("webhook event", eventID)
	}
	if err != nil {
		return domain.WebhookEventRecord{}, classify("get event", err)
	}
	return rec, nil
}

func (l *Ledger) Claim(ctx context.Context, eventID string, now time.Time, lease time.Duration) (domain.WebhookEventRecord, error) {
	rec, err := scanEvent(l.pool.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = 'processing', lease_token = $2, lease_expires_at = $3, updated_at = $4
		WHERE event_id = $1 AND `+dueCondition+`
			AND (next_retry_at IS NULL OR next_retry_at <= $4)
		RETURNING `+eventColumns,
		eventID, uuid.New(), now.Add(lease), now,
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.WebhookEventRecord{}, classify("claim event", err)
	}
	if _, err := l.Get(ctx, eventID); err != nil {
		return domain.WebhookEventRecord{}, err
	}
	return domain.WebhookEventRecord{}, domain.ErrNotClaimable
}

func (l *Ledger) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id FROM webhook_events
		WHERE `+dueCondition+` AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY COALESCE(next_retry_at, received_at)
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, classify("list due events", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("list due events", err)
	}
	return ids, nil
}

func (l *Ledger) StealExpired(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookEventRecord, error) {
	rows, err := l.pool.Query(ctx, `
		WITH expired AS (
			SELECT event_id FROM webhook_events
			WHERE status = 'processing' AND lease_expires_at <= $1
			ORDER BY lease_expires_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_events w
		SET lease_token = gen_random_uuid(), lease_expires_at = $2, updated_at = $1
		FROM expired
		WHERE w.event_id = expired.event_id
		RETURNING `+prefixed("w.", eventColumns),
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, classify("steal expired leases", err)
	}
	defer rows.Close()

	var stolen []domain.WebhookEventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, classify("steal expired leases", err)
		}
		stolen = append(stolen, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("steal expired leases", err)
	}
	if len(stolen) > 0 {
		l.log.Warnw("Reclaimed expired event leases", "count", len(stolen))
	}
	return stolen, nil
}

func (l *Ledger) MarkSucceeded(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error {
	return l.finish(ctx, eventID, token, domain.EventStatusSucceeded, note, now)
}

func (l *Ledger) MarkSkipped(ctx context.Context, eventID string, token uuid.UUID, note string, now time.Time) error {
	return l.finish(ctx, eventID, token, domain.EventStatusSkipped, note, now)
}

func (l *Ledger) finish(ctx context.Context, eventID string, token uuid.UUID, status domain.EventStatus, note string, now time.Time) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $3, note = $4, last_error = '', next_retry_at = NULL, processed_at = $5,
			lease_token = NULL, lease_expires_at = NULL, updated_at = $5
		WHERE event_id = $1 AND status = 'processing' AND lease_token = $2`,
		eventID, token, string(status), note, now,
	)
	if err != nil {
		return classify("finish event", err)
	}
	if tag.RowsAffected() == 0 {
		return l.lostOrMissing(ctx, eventID)
	}
	return nil
}

func (l *Ledger) MarkFailed(ctx context.Context, eventID string, token uuid.UUID, upd domain.FailureUpdate, now time.Time) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'failed', retry_count = $3, next_retry_at = $4, last_error = $5,
			lease_token = NULL, lease_expires_at = NULL, updated_at = $6
		WHERE event_id = $1 AND status = 'processing' AND lease_token = $2`,
		eventID, token, upd.RetryCount, upd.NextRetryAt, upd.Error, now,
	)
	if err != nil {
		return classify("mark event failed", err)
	}
	if tag.RowsAffected() == 0 {
		return l.lostOrMissing(ctx, eventID)
	}
	return nil
}

func (l *Ledger) DeadLetter(ctx context.Context, eventID string, token uuid.UUID, upd domain.DeadLetterUpdate, now time.Time) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'failed', retry_count = $3, last_error = $4, permanent_failure = $5,
			next_retry_at = NULL, dead_lettered_at = $6,
			lease_token = NULL, lease_expires_at = NULL, updated_at = $6
		WHERE event_id = $1 AND lease_token = $2 AND dead_lettered_at IS NULL`,
		eventID, token, upd.RetryCount, upd.Error, upd.Permanent, now,
	)
	if err != nil {
		return false, classify("dead-letter event", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	rec, err := l.Get(ctx, eventID)
	if err != nil {
		return false, err
	}
	if rec.IsDeadLettered() {
		return false, nil
	}
	return false, domain.ErrLeaseLost
}

func (l *Ledger) Requeue(ctx context.Context, eventID string, now time.Time) (domain.WebhookEventRecord, error) {
	rec, err := scanEvent(l.pool.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, permanent_failure = FALSE,
			dead_lettered_at = NULL, note = '', lease_token = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE event_id = $1 AND NOT (status = 'processing' AND lease_expires_at > $2)
		RETURNING `+eventColumns,
		eventID, now,
	))
	if err == nil {
		l.log.Infow("Webhook event requeued", "eventID", eventID)
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.WebhookEventRecord{}, classify("requeue event", err)
	}
	if _, err := l.Get(ctx, eventID); err != nil {
		return domain.WebhookEventRecord{}, err
	}
	return domain.WebhookEventRecord{}, domain.ErrNotClaimable
}

// lostOrMissing различает отсутствующую запись и потерянную аренду
func (l *Ledger) lostOrMissing(ctx context.Context, eventID string) error {
	if _, err := l.Get(ctx, eventID); err != nil {
		return err
	}
	return domain.ErrLeaseLost
}

// prefixed добавляет псевдоним таблицы к списку колонок
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
