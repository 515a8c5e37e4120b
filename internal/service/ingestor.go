package service

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/retry"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// Причины отклонения уведомления на границе
const (
	RejectSignature = "signature"
	RejectMalformed = "malformed"
	RejectStorage   = "storage"
)

// SignatureVerifier проверка подписи тела уведомления
type SignatureVerifier interface {
	Verify(payload []byte, signature string) error
}

// IngestResult ответ на доставку уведомления
type IngestResult struct {
	EventID   string
	EventType string
	Duplicate bool
}

// Ingestor принимает доставку: проверяет подпись, разбирает конверт и
// надежно записывает событие в журнал до подтверждения.
type Ingestor struct {
	verifier SignatureVerifier
	parse    EventParser
	ledger   repository.Ledger
	queue    retry.Enqueuer
	metrics  metrics.SyncMetrics
	now      func() time.Time
	log      *logger.Logger
}

// NewIngestor создает приемник уведомлений. queue может быть nil,
// тогда события подбирает только сканер.
func NewIngestor(verifier SignatureVerifier, parse EventParser, ledger repository.Ledger, queue retry.Enqueuer,
	m metrics.SyncMetrics, log *logger.Logger) *Ingestor {
	return &Ingestor{
		verifier: verifier,
		parse:    parse,
		ledger:   ledger,
		queue:    queue,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// Ingest возвращает ошибку вида Malformed для неподписанного или неразбираемого тела
// и Transient, если журнал недоступен (доставка не подтверждается).
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (IngestResult, error) {
	if err := i.verifier.Verify(payload, signature); err != nil {
		i.metrics.IncEventRejected(RejectSignature)
		i.log.Warnw("Webhook rejected", "reason", RejectSignature, "error", err)
		return IngestResult{}, err
	}

	evt, err := i.parse(payload)
	if err != nil {
		i.metrics.IncEventRejected(RejectMalformed)
		i.log.Warnw("Webhook rejected", "reason", RejectMalformed, "error", err)
		if domain.KindOf(err) != domain.KindMalformed {
			err = domain.Malformed("parse", err)
		}
		return IngestResult{}, err
	}

	meta := evt.Meta()
	now := i.now()
	rec := domain.WebhookEventRecord{
		EventID:         meta.ID,
		EventType:       meta.Type,
		Status:          domain.EventStatusPending,
		Payload:         payload,
		RemoteObjectID:  evt.RemoteObjectID(),
		Livemode:        meta.Livemode,
		RemoteCreatedAt: meta.Created,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}

	stored, isNew, err := i.ledger.RecordIfNew(ctx, rec)
	if err != nil {
		i.metrics.IncEventRejected(RejectStorage)
		i.log.Errorw("Failed to record webhook event", "error", err, "eventID", meta.ID)
		if !errors.Is(err, domain.ErrStorageUnavailable) {
			err = errors.Join(domain.ErrStorageUnavailable, err)
		}
		return IngestResult{}, domain.Transient("record event", err)
	}

	res := IngestResult{EventID: stored.EventID, EventType: stored.EventType, Duplicate: !isNew}
	if !isNew {
		i.log.Infow("Duplicate webhook delivery", "eventID", stored.EventID, "status", stored.Status)
		return res, nil
	}

	i.metrics.IncEventReceived(meta.Type)
	i.log.Infow("Webhook event recorded", "eventID", meta.ID, "eventType", meta.Type)
	if i.queue != nil && !i.queue.Enqueue(meta.ID) {
		i.log.Warnw("Processing queue is full, event left for scanner", "eventID", meta.ID)
	}
	return res, nil
}
