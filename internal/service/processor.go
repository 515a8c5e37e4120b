package service

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/reconciler"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/retry"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// RemoteAuthority чтение авторитетного состояния у платежного провайдера
type RemoteAuthority interface {
	FetchSubscription(ctx context.Context, remoteSubscriptionID string) (domain.SubscriptionSnapshot, error)
	FetchCustomer(ctx context.Context, remoteCustomerID string) (domain.CustomerSnapshot, error)
}

// EventParser превращает сохраненное тело уведомления в domain.Event
type EventParser func(payload []byte) (domain.Event, error)

// ProcessorConfig параметры обработки одного события
type ProcessorConfig struct {
	// Lease срок аренды записи журнала
	Lease time.Duration
	// Timeout общий бюджет на обработку, включая запросы в Stripe
	Timeout time.Duration
}

// Processor обрабатывает записи журнала: claim, разбор, применение, отметка результата.
type Processor struct {
	ledger    repository.Ledger
	parse     EventParser
	upserter  *Upserter
	remote    RemoteAuthority
	scheduler *retry.Scheduler
	metrics   metrics.SyncMetrics
	cfg       ProcessorConfig
	now       func() time.Time
	log       *logger.Logger
}

// NewProcessor создает обработчик событий
func NewProcessor(ledger repository.Ledger, parse EventParser, upserter *Upserter, remote RemoteAuthority,
	scheduler *retry.Scheduler, m metrics.SyncMetrics, cfg ProcessorConfig, log *logger.Logger) *Processor {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Lease {
		cfg.Timeout = cfg.Lease / 2
	}
	return &Processor{
		ledger:    ledger,
		parse:     parse,
		upserter:  upserter,
		remote:    remote,
		scheduler: scheduler,
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// result итог применения события
type result struct {
	skipped bool
	note    string
	outcome string
}

var (
	resultApplied    = result{outcome: "applied"}
	resultSuperseded = result{note: domain.NoteSuperseded, outcome: "stale"}
	resultUnchanged  = result{note: domain.NoteUnchanged, outcome: "unchanged"}
	resultRejected   = result{skipped: true, note: domain.NoteRejected, outcome: "rejected"}
	resultUnknown    = result{skipped: true, note: domain.NoteUnknownType, outcome: "unknown"}
)

// Process обрабатывает событие eventID.
// Если запись занята другим обработчиком или еще не готова, ничего не делает.
func (p *Processor) Process(ctx context.Context, eventID string) error {
	rec, err := p.ledger.Claim(ctx, eventID, p.now(), p.cfg.Lease)
	if errors.Is(err, domain.ErrNotClaimable) {
		p.log.Debugw("Event is not claimable, skipping", "eventID", eventID)
		return nil
	}
	if err != nil {
		return err
	}

	start := time.Now()
	log := p.log.With("eventID", rec.EventID, "eventType", rec.EventType, "attempt", rec.RetryCount+1)

	evt, err := p.parse(rec.Payload)
	if err != nil {
		p.metrics.ObserveProcessing(rec.EventType, "malformed", time.Since(start))
		log.Errorw("Stored event payload cannot be parsed", "error", err)
		return p.scheduler.SchedulePermanent(ctx, rec, err)
	}

	procCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	res, err := p.dispatch(procCtx, evt)
	cancel()

	if err != nil {
		if domain.IsPermanent(err) {
			p.metrics.ObserveProcessing(rec.EventType, "permanent", time.Since(start))
			log.Errorw("Event failed permanently", "error", err)
			return p.scheduler.SchedulePermanent(ctx, rec, err)
		}
		p.metrics.ObserveProcessing(rec.EventType, "transient", time.Since(start))
		log.Warnw("Event failed, scheduling retry", "error", err)
		return p.scheduler.Schedule(ctx, rec, rec.RetryCount+1, err)
	}

	if res.skipped {
		err = p.ledger.MarkSkipped(ctx, rec.EventID, *rec.LeaseToken, res.note, p.now())
	} else {
		err = p.ledger.MarkSucceeded(ctx, rec.EventID, *rec.LeaseToken, res.note, p.now())
	}
	if errors.Is(err, domain.ErrLeaseLost) {
		// Запись перехвачена сканером; повторное применение идемпотентно
		log.Warnw("Lease lost before marking event", "outcome", res.outcome)
		return nil
	}
	if err != nil {
		return err
	}

	p.metrics.ObserveProcessing(rec.EventType, res.outcome, time.Since(start))
	log.Infow("Event processed", "outcome", res.outcome, "duration", time.Since(start))
	return nil
}

func (p *Processor) dispatch(ctx context.Context, evt domain.Event) (result, error) {
	meta := evt.Meta()

	switch e := evt.(type) {
	case domain.SubscriptionEvent:
		return p.applySubscription(ctx, ApplyInput{
			Snapshot: e.Snapshot,
			Source:   domain.AuditSourceWebhook,
			EventID:  meta.ID,
		})

	case domain.CheckoutCompletedEvent:
		return p.applyCheckout(ctx, e)

	case domain.InvoiceEvent:
		return p.applyInvoice(ctx, e)

	case domain.CustomerEvent:
		applied, err := p.upserter.ApplyCustomer(ctx, e.Customer)
		if err != nil {
			return result{}, err
		}
		if !applied {
			return resultUnchanged, nil
		}
		return resultApplied, nil

	case domain.PriceEvent:
		applied, err := p.upserter.ApplyPrice(ctx, e.Price)
		if err != nil {
			return result{}, err
		}
		if !applied {
			return resultSuperseded, nil
		}
		return resultApplied, nil

	case domain.UnknownEvent:
		p.log.Debugw("Unhandled event type", "eventID", meta.ID, "eventType", meta.Type)
		return resultUnknown, nil
	}
	return resultUnknown, nil
}

// applyCheckout связывает клиента с пользователем и применяет подписку из сессии.
// Неразвернутая подписка запрашивается у Stripe.
func (p *Processor) applyCheckout(ctx context.Context, e domain.CheckoutCompletedEvent) (result, error) {
	if e.RemoteCustomerID != "" && e.Identity.Complete() {
		if _, err := p.upserter.LinkCustomer(ctx, e.RemoteCustomerID, e.Identity); err != nil {
			return result{}, err
		}
	}

	if e.Subscription == nil && e.RemoteSubscriptionID == "" {
		return result{note: domain.NoteNoSubscriber, outcome: "applied"}, nil
	}

	var snap domain.SubscriptionSnapshot
	if e.Subscription != nil {
		snap = *e.Subscription
	} else {
		fetched, err := p.remote.FetchSubscription(ctx, e.RemoteSubscriptionID)
		if err != nil {
			return result{}, err
		}
		snap = fetched
	}

	return p.applySubscription(ctx, ApplyInput{
		Snapshot: snap,
		Identity: e.Identity,
		Source:   domain.AuditSourceWebhook,
		EventID:  e.ID,
	})
}

// applyInvoice сохраняет счет и обновляет его подписку из Stripe,
// чтобы оплаченный счет никогда не оставлял пользователя без подписки.
func (p *Processor) applyInvoice(ctx context.Context, e domain.InvoiceEvent) (result, error) {
	applied, err := p.upserter.ApplyInvoice(ctx, e.Invoice)
	if err != nil {
		return result{}, err
	}
	if e.Invoice.RemoteSubscriptionID == "" {
		if !applied {
			return resultSuperseded, nil
		}
		return resultApplied, nil
	}

	snap, err := p.remote.FetchSubscription(ctx, e.Invoice.RemoteSubscriptionID)
	if err != nil {
		return result{}, err
	}
	return p.applySubscription(ctx, ApplyInput{
		Snapshot: snap,
		Source:   domain.AuditSourceWebhook,
		EventID:  e.ID,
	})
}

// applySubscription применяет снимок; при отсутствии связи клиента
// запрашивает клиента в Stripe и повторяет один раз.
func (p *Processor) applySubscription(ctx context.Context, in ApplyInput) (result, error) {
	d, err := p.upserter.Apply(ctx, in)
	if IsMappingMissing(err) && in.Snapshot.RemoteCustomerID != "" {
		customer, ferr := p.remote.FetchCustomer(ctx, in.Snapshot.RemoteCustomerID)
		if ferr != nil {
			return result{}, ferr
		}
		in.Identity = in.Identity.Merge(domain.Identity{LocalUserID: customer.LocalUserID, Email: customer.Email})
		p.log.Debugw("Retrying apply with remote customer identity",
			"subscriptionID", in.Snapshot.RemoteSubscriptionID, "customerID", in.Snapshot.RemoteCustomerID)
		d, err = p.upserter.Apply(ctx, in)
	}
	if err != nil {
		return result{}, err
	}
	return decisionResult(d), nil
}

func decisionResult(d reconciler.Decision) result {
	switch d.Outcome {
	case reconciler.OutcomeStale:
		return resultSuperseded
	case reconciler.OutcomeRejected:
		return resultRejected
	case reconciler.OutcomeUnchanged:
		return resultUnchanged
	}
	return result{outcome: string(d.Outcome)}
}
