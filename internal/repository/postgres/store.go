package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `id, local_user_id, remote_subscription_id, remote_customer_id, remote_price_id,
	status, quantity, current_period_start, current_period_end, cancel_at_period_end, cancel_at,
	canceled_at, ended_at, trial_start, trial_end, remote_version_timestamp, last_audited_at,
	created_at, updated_at`

const mappingColumns = `local_user_id, remote_customer_id, email, created_at, updated_at`

const priceColumns = `remote_price_id, product_id, currency, unit_amount, billing_interval,
	interval_count, active, deleted, version`

const outboxColumns = `id, kind, message_key, payload, created_at, published_at, attempts, last_error`

const defaultLockTimeout = 5 * time.Second

// querier общий интерфейс пула и транзакции pgx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store хранилище подписок в PostgreSQL
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	log         *logger.Logger
}

// NewStore создает хранилище. lockTimeout ограничивает ожидание блокировок в транзакции.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration, log *logger.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{pool: pool, lockTimeout: lockTimeout, log: log}
}

// InTx открывает транзакцию и берет транзакционную advisory-блокировку по lockKey.
// Ошибка fn возвращается без изменений, транзакция откатывается.
func (s *Store) InTx(ctx context.Context, lockKey string, fn func(tx repository.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin tx", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Warnw("Failed to roll back transaction", "error", rbErr, "lockKey", lockKey)
		}
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classify("set lock timeout", err)
	}
	ptx := &pgTx{q: tx}
	if err := ptx.Lock(ctx, lockKey); err != nil {
		return err
	}

	if err := fn(ptx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var sub domain.Subscription
	var status string
	err := row.Scan(
		&sub.ID, &sub.LocalUserID, &sub.RemoteSubscriptionID, &sub.RemoteCustomerID, &sub.RemotePriceID,
		&status, &sub.Quantity, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CancelAt,
		&sub.CanceledAt, &sub.EndedAt, &sub.TrialStart, &sub.TrialEnd, &sub.RemoteVersion, &sub.LastAuditedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	sub.Status = domain.SubscriptionStatus(status)
	return sub, err
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Subscription, error) {
		return scanSubscription(row)
	})
}

func scanMapping(row pgx.Row) (domain.CustomerMapping, error) {
	var m domain.CustomerMapping
	err := row.Scan(&m.LocalUserID, &m.RemoteCustomerID, &m.Email, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func scanPrice(row pgx.Row) (domain.Price, error) {
	var p domain.Price
	err := row.Scan(&p.RemotePriceID, &p.ProductID, &p.Currency, &p.UnitAmount, &p.Interval,
		&p.IntervalCount, &p.Active, &p.Deleted, &p.Version)
	return p, err
}

func scanOutbox(row pgx.Row) (domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	var kind string
	err := row.Scan(&m.ID, &kind, &m.Key, &m.Payload, &m.CreatedAt, &m.PublishedAt, &m.Attempts, &m.LastError)
	m.Kind = domain.OutboxKind(kind)
	return m, err
}

// optional возвращает nil, nil для отсутствующей строки
func optional[T any](op string, v T, err error) (*T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &v, nil
}

// required возвращает ErrNotFound для отсутствующей строки
func required[T any](entity, id string, v T, err error) (*T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewNotFoundError(entity, id)
	}
	if err != nil {
		return nil, classify("get "+entity, err)
	}
	return &v, nil
}

func (s *Store) ActiveSubscription(ctx context.Context, localUserID string) (*domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE local_user_id = $1`, localUserID)
	if err != nil {
		return nil, classify("active subscription", err)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, classify("active subscription", err)
	}
	best := repository.PickActive(subs)
	if best == nil {
		return nil, domain.NewNotFoundError("subscription", localUserID)
	}
	return best, nil
}

func (s *Store) SubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE remote_subscription_id = $1`, remoteSubscriptionID))
	return required("subscription", remoteSubscriptionID, sub, err)
}

func (s *Store) SubscriptionByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	return required("subscription", id.String(), sub, err)
}

func (s *Store) MappingByUser(ctx context.Context, localUserID string) (*domain.CustomerMapping, error) {
	m, err := scanMapping(s.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM customer_mappings WHERE local_user_id = $1`, localUserID))
	return required("customer mapping", localUserID, m, err)
}

func (s *Store) AuditEntries(ctx context.Context, subscriptionID uuid.UUID) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, COALESCE(event_id, ''), source, action, changed_fields,
			before_state, after_state, created_at
		FROM subscription_audit WHERE subscription_id = $1 ORDER BY id`, subscriptionID)
	if err != nil {
		return nil, classify("audit entries", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var e domain.AuditEntry
		var source, action string
		var changed, before, after []byte
		if err := row.Scan(&e.ID, &e.SubscriptionID, &e.EventID, &source, &action, &changed, &before, &after, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Source = domain.AuditSource(source)
		e.Action = domain.AuditAction(action)
		if err := json.Unmarshal(changed, &e.ChangedFields); err != nil {
			return e, err
		}
		if before != nil {
			e.Before = &domain.Subscription{}
			if err := json.Unmarshal(before, e.Before); err != nil {
				return e, err
			}
		}
		return e, json.Unmarshal(after, &e.After)
	})
	if err != nil {
		return nil, classify("audit entries", err)
	}
	return entries, nil
}

func (s *Store) SampleForAudit(ctx context.Context, limit int) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE remote_subscription_id IS NOT NULL
		ORDER BY last_audited_at NULLS FIRST, updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify("sample for audit", err)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, classify("sample for audit", err)
	}
	return subs, nil
}

func (s *Store) MarkAudited(ctx context.Context, remoteSubscriptionIDs []string, at time.Time) error {
	if len(remoteSubscriptionIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET last_audited_at = $2 WHERE remote_subscription_id = ANY($1)`,
		remoteSubscriptionIDs, at)
	return classify("mark audited", err)
}

func (s *Store) SaveReconciliation(ctx context.Context, rec domain.ReconciliationRecord) error {
	local, err := jsonOrNil(rec.LocalSnapshot)
	if err != nil {
		return err
	}
	remote, err := jsonOrNil(rec.RemoteSnapshot)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(nonNil(rec.DivergentFields))
	if err != nil {
		return fmt.Errorf("failed to marshal divergent fields: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reconciliation_records (subscription_id, remote_subscription_id, detected_at,
			local_snapshot, remote_snapshot, divergent_fields, repaired, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.SubscriptionID, rec.RemoteSubscriptionID, rec.DetectedAt, local, remote, fields, rec.Repaired, rec.Error)
	return classify("save reconciliation", err)
}

func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages
		WHERE published_at IS NULL ORDER BY seq LIMIT $1`, limit)
	if err != nil {
		return nil, classify("pending outbox", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxMessage, error) {
		return scanOutbox(row)
	})
	if err != nil {
		return nil, classify("pending outbox", err)
	}
	return msgs, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updateOutbox(ctx, id,
		`UPDATE outbox_messages SET published_at = $2, attempts = attempts + 1, last_error = '' WHERE id = $1`, at)
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.updateOutbox(ctx, id,
		`UPDATE outbox_messages SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, errMsg)
}

func (s *Store) updateOutbox(ctx context.Context, id uuid.UUID, sql string, arg any) error {
	tag, err := s.pool.Exec(ctx, sql, id, arg)
	if err != nil {
		return classify("update outbox", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("outbox message", id.String())
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// pgTx реализация repository.Tx поверх pgx.Tx
type pgTx struct {
	q querier
}

// Lock берет дополнительную advisory-блокировку до конца транзакции.
// Блокировки реентерабельны в пределах сессии; ожидание ограничено lock_timeout.
func (t *pgTx) Lock(ctx context.Context, key string) error {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return classify("advisory lock", err)
	}
	return nil
}

func (t *pgTx) SubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(t.q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE remote_subscription_id = $1 FOR UPDATE`, remoteSubscriptionID))
	return optional("lock subscription", sub, err)
}

func (t *pgTx) FreePlanByUser(ctx context.Context, localUserID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(t.q.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE local_user_id = $1 AND remote_subscription_id IS NULL FOR UPDATE`, localUserID))
	return optional("lock free plan", sub, err)
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULL, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			remote_subscription_id = EXCLUDED.remote_subscription_id,
			remote_customer_id = EXCLUDED.remote_customer_id,
			remote_price_id = EXCLUDED.remote_price_id,
			status = EXCLUDED.status,
			quantity = EXCLUDED.quantity,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			cancel_at = EXCLUDED.cancel_at,
			canceled_at = EXCLUDED.canceled_at,
			ended_at = EXCLUDED.ended_at,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			remote_version_timestamp = EXCLUDED.remote_version_timestamp,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.LocalUserID, sub.RemoteSubscriptionID, sub.RemoteCustomerID, sub.RemotePriceID,
		string(sub.Status), sub.Quantity, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CancelAt,
		sub.CanceledAt, sub.EndedAt, sub.TrialStart, sub.TrialEnd, sub.RemoteVersion,
		createdAt(sub), sub.UpdatedAt,
	)
	return classify("save subscription", err)
}

func createdAt(sub domain.Subscription) time.Time {
	if sub.CreatedAt.IsZero() {
		return sub.UpdatedAt
	}
	return sub.CreatedAt
}

func (t *pgTx) MappingByUser(ctx context.Context, localUserID string) (*domain.CustomerMapping, error) {
	m, err := scanMapping(t.q.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM customer_mappings WHERE local_user_id = $1`, localUserID))
	return optional("mapping by user", m, err)
}

func (t *pgTx) MappingByCustomer(ctx context.Context, remoteCustomerID string) (*domain.CustomerMapping, error) {
	m, err := scanMapping(t.q.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM customer_mappings WHERE remote_customer_id = $1`, remoteCustomerID))
	return optional("mapping by customer", m, err)
}

func (t *pgTx) InsertMapping(ctx context.Context, m domain.CustomerMapping) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO customer_mappings (`+mappingColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		m.LocalUserID, m.RemoteCustomerID, m.Email, created, updated)
	return classify("insert mapping", err)
}

func (t *pgTx) UpdateMappingEmail(ctx context.Context, remoteCustomerID, email string, now time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE customer_mappings SET email = $2, updated_at = $3 WHERE remote_customer_id = $1`,
		remoteCustomerID, email, now)
	if err != nil {
		return classify("update mapping email", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("customer mapping", remoteCustomerID)
	}
	return nil
}

func (t *pgTx) Price(ctx context.Context, remotePriceID string) (*domain.Price, error) {
	p, err := scanPrice(t.q.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM prices WHERE remote_price_id = $1`, remotePriceID))
	return optional("get price", p, err)
}

func (t *pgTx) UpsertPrice(ctx context.Context, p domain.Price) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO prices (`+priceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (remote_price_id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			currency = EXCLUDED.currency,
			unit_amount = EXCLUDED.unit_amount,
			billing_interval = EXCLUDED.billing_interval,
			interval_count = EXCLUDED.interval_count,
			active = EXCLUDED.active,
			deleted = EXCLUDED.deleted,
			version = EXCLUDED.version
		WHERE prices.version < EXCLUDED.version`,
		p.RemotePriceID, p.ProductID, p.Currency, p.UnitAmount, p.Interval,
		p.IntervalCount, p.Active, p.Deleted, p.Version)
	if err != nil {
		return false, classify("upsert price", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpsertInvoice(ctx context.Context, inv domain.Invoice) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO invoices (remote_invoice_id, remote_customer_id, remote_subscription_id, status,
			amount_due, amount_paid, currency, paid_at, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (remote_invoice_id) DO UPDATE SET
			remote_customer_id = EXCLUDED.remote_customer_id,
			remote_subscription_id = EXCLUDED.remote_subscription_id,
			status = EXCLUDED.status,
			amount_due = EXCLUDED.amount_due,
			amount_paid = EXCLUDED.amount_paid,
			currency = EXCLUDED.currency,
			paid_at = EXCLUDED.paid_at,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE invoices.version < EXCLUDED.version`,
		inv.RemoteInvoiceID, inv.RemoteCustomerID, inv.RemoteSubscriptionID, inv.Status,
		inv.AmountDue, inv.AmountPaid, inv.Currency, inv.PaidAt, inv.Version, inv.UpdatedAt)
	if err != nil {
		return false, classify("upsert invoice", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e domain.AuditEntry) (bool, error) {
	changed, err := json.Marshal(nonNil(e.ChangedFields))
	if err != nil {
		return false, fmt.Errorf("failed to marshal changed fields: %w", err)
	}
	before, err := jsonOrNil(e.Before)
	if err != nil {
		return false, err
	}
	after, err := json.Marshal(e.After)
	if err != nil {
		return false, fmt.Errorf("failed to marshal audit state: %w", err)
	}
	tag, err := t.q.Exec(ctx, `
		INSERT INTO subscription_audit (subscription_id, event_id, source, action, changed_fields,
			before_state, after_state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subscription_id, event_id) WHERE event_id IS NOT NULL DO NOTHING`,
		e.SubscriptionID, domain.StringPtr(e.EventID), string(e.Source), string(e.Action),
		changed, before, after, e.CreatedAt)
	if err != nil {
		return false, classify("insert audit", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertOutbox(ctx context.Context, m domain.OutboxMessage) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO outbox_messages (`+outboxColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, string(m.Kind), m.Key, m.Payload, m.CreatedAt, m.PublishedAt, m.Attempts, m.LastError)
	return classify("insert outbox", err)
}

// jsonOrNil сериализует значение для колонки JSONB; nil-указатель дает NULL
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
