// Package drift периодически сверяет локальные подписки с Stripe и чинит расхождения
// теми же примитивами, что и обработка уведомлений.
package drift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/reconciler"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Fetcher чтение подписки у платежного провайдера
type Fetcher interface {
	FetchSubscription(ctx context.Context, remoteSubscriptionID string) (domain.SubscriptionSnapshot, error)
}

// Alerter уведомление о партии с числом расхождений не ниже порога
type Alerter interface {
	DriftDetected(ctx context.Context, drifted []domain.ReconciliationRecord)
}

// Config параметры аудитора
type Config struct {
	Interval  time.Duration
	BatchSize int
	// RatePerSecond лимит запросов в Stripe; 0 снимает ограничение
	RatePerSecond  float64
	Burst          int
	Concurrency    int
	AlertThreshold int
}

// Auditor сверяет партии подписок с Stripe
type Auditor struct {
	store    repository.Store
	remote   Fetcher
	upserter *service.Upserter
	alerter  Alerter
	limiter  *rate.Limiter
	metrics  metrics.SyncMetrics
	cfg      Config
	now      func() time.Time
	log      *logger.Logger
}

// NewAuditor создает аудитор. alerter может быть nil.
func NewAuditor(store repository.Store, remote Fetcher, upserter *service.Upserter, alerter Alerter,
	m metrics.SyncMetrics, cfg Config, log *logger.Logger) *Auditor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Auditor{
		store:    store,
		remote:   remote,
		upserter: upserter,
		alerter:  alerter,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// AuditBatch проверяет подписки по remote_subscription_id.
// Ошибка по одной подписке записывается в ее ReconciliationRecord, партия продолжается.
// Ошибка возвращается, только если отменен ctx.
func (a *Auditor) AuditBatch(ctx context.Context, remoteSubscriptionIDs []string) ([]domain.ReconciliationRecord, error) {
	records := make([]domain.ReconciliationRecord, len(remoteSubscriptionIDs))
	audited := make([]bool, len(remoteSubscriptionIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i, id := range remoteSubscriptionIDs {
		i, id := i, id
		g.Go(func() error {
			if err := a.limiter.Wait(gctx); err != nil {
				return err
			}
			records[i], audited[i] = a.auditOne(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var done []string
	var drifted []domain.ReconciliationRecord
	for i, rec := range records {
		if audited[i] {
			done = append(done, rec.RemoteSubscriptionID)
		}
		if rec.Drifted() {
			drifted = append(drifted, rec)
		}
	}
	if len(done) > 0 {
		if err := a.store.MarkAudited(ctx, done, a.now()); err != nil {
			a.log.Warnw("Failed to mark subscriptions audited", "error", err, "count", len(done))
		}
	}

	if a.cfg.AlertThreshold > 0 && len(drifted) >= a.cfg.AlertThreshold {
		a.log.Errorw("Drift threshold reached", "drifted", len(drifted), "threshold", a.cfg.AlertThreshold)
		if a.alerter != nil {
			a.alerter.DriftDetected(ctx, drifted)
		}
	}
	a.log.Infow("Drift audit batch finished", "checked", len(records), "drifted", len(drifted))
	return records, nil
}

// auditOne возвращает запись сверки и признак, что подписка проверена
func (a *Auditor) auditOne(ctx context.Context, remoteID string) (domain.ReconciliationRecord, bool) {
	rec := domain.ReconciliationRecord{RemoteSubscriptionID: remoteID, DetectedAt: a.now()}
	log := a.log.With("subscriptionID", remoteID)

	local, err := a.store.SubscriptionByRemoteID(ctx, remoteID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return a.failed(ctx, rec, fmt.Errorf("load local subscription: %w", err)), false
	}
	if local != nil {
		rec.SubscriptionID = &local.ID
		rec.LocalSnapshot = local
	}

	snap, err := a.remote.FetchSubscription(ctx, remoteID)
	if err != nil {
		return a.failed(ctx, rec, fmt.Errorf("fetch remote subscription: %w", err)), false
	}
	rec.RemoteSnapshot = &snap

	rec.DivergentFields = reconciler.Diff(local, snap)
	if !rec.Drifted() {
		return rec, true
	}
	for _, f := range rec.DivergentFields {
		a.metrics.IncDriftDetected(f)
	}
	log.Warnw("Drift detected", "fields", rec.DivergentFields)

	d, err := a.upserter.Apply(ctx, service.ApplyInput{Snapshot: snap, Source: domain.AuditSourceDrift})
	switch {
	case err != nil:
		rec.Error = err.Error()
		a.metrics.IncAuditError()
		log.Errorw("Failed to repair drift", "error", err)
	case d.Outcome.Applied():
		rec.Repaired = true
		if rec.SubscriptionID == nil {
			id := d.Record.ID
			rec.SubscriptionID = &id
		}
		a.metrics.IncDriftRepaired()
		log.Infow("Drift repaired", "outcome", d.Outcome)
	default:
		log.Warnw("Drift left unrepaired", "outcome", d.Outcome)
	}

	if err := a.store.SaveReconciliation(ctx, rec); err != nil {
		log.Errorw("Failed to save reconciliation record", "error", err)
	}
	return rec, true
}

func (a *Auditor) failed(ctx context.Context, rec domain.ReconciliationRecord, err error) domain.ReconciliationRecord {
	rec.Error = err.Error()
	a.metrics.IncAuditError()
	a.log.Warnw("Drift audit failed for subscription", "error", err, "subscriptionID", rec.RemoteSubscriptionID)
	if ctx.Err() == nil {
		if saveErr := a.store.SaveReconciliation(ctx, rec); saveErr != nil {
			a.log.Errorw("Failed to save reconciliation record", "error", saveErr)
		}
	}
	return rec
}

// AuditSample проверяет подписки, которые дольше всех не проверялись
func (a *Auditor) AuditSample(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	subs, err := a.store.SampleForAudit(ctx, a.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, domain.StringValue(s.RemoteSubscriptionID))
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return a.AuditBatch(ctx, ids)
}

// ResolveID принимает remote_subscription_id или локальный UUID подписки
func (a *Auditor) ResolveID(ctx context.Context, id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return id, nil
	}
	sub, err := a.store.SubscriptionByID(ctx, parsed)
	if err != nil {
		return "", err
	}
	if sub.IsFreePlan() {
		return "", domain.NewConstraintError("subscriptions_remote_subscription_id", "free plan has no remote subscription")
	}
	return *sub.RemoteSubscriptionID, nil
}

// Run проверяет партию каждые Interval до отмены ctx
func (a *Auditor) Run(ctx context.Context) error {
	a.log.Infow("Drift auditor started", "interval", a.cfg.Interval, "batch", a.cfg.BatchSize)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Drift auditor stopped")
			return nil
		case <-ticker.C:
			if _, err := a.AuditSample(ctx); err != nil && ctx.Err() == nil {
				a.log.Errorw("Drift audit pass failed", "error", err)
			}
		}
	}
}
