package retry

import (
	"context"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// Enqueuer неблокирующая постановка события в очередь обработки.
// false означает, что очередь заполнена; событие подберет следующий проход.
type Enqueuer interface {
	Enqueue(eventID string) bool
}

// ScannerConfig параметры сканера
type ScannerConfig struct {
	Interval time.Duration
	Batch    int
	Lease    time.Duration
}

// Scanner периодически возвращает в работу зависшие и готовые к повтору события
type Scanner struct {
	ledger    repository.Ledger
	scheduler *Scheduler
	queue     Enqueuer
	stats     repository.AdminReader
	metrics   metrics.SyncMetrics
	cfg       ScannerConfig
	now       func() time.Time
	log       *logger.Logger
}

// NewScanner создает сканер. stats может быть nil, тогда gauge журнала не обновляется.
func NewScanner(ledger repository.Ledger, scheduler *Scheduler, queue Enqueuer, stats repository.AdminReader,
	m metrics.SyncMetrics, cfg ScannerConfig, log *logger.Logger) *Scanner {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Scanner{
		ledger:    ledger,
		scheduler: scheduler,
		queue:     queue,
		stats:     stats,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
		log:       log,
	}
}

// ScanResult итог одного прохода
type ScanResult struct {
	Reclaimed int
	Enqueued  int
	Deferred  int
}

// ScanOnce перехватывает просроченные аренды и ставит в очередь готовые события.
// Перехваченная запись считается временной ошибкой с таймаутом.
func (s *Scanner) ScanOnce(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	now := s.now()

	stolen, err := s.ledger.StealExpired(ctx, now, s.cfg.Lease, s.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, rec := range stolen {
		cause := domain.Transient("process", domain.ErrLeaseExpired)
		if err := s.scheduler.Schedule(ctx, rec, rec.RetryCount+1, cause); err != nil {
			s.log.Warnw("Failed to reschedule reclaimed event", "error", err, "eventID", rec.EventID)
			continue
		}
		res.Reclaimed++
	}

	due, err := s.ledger.ListDue(ctx, now, s.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, id := range due {
		if s.queue.Enqueue(id) {
			res.Enqueued++
		} else {
			res.Deferred++
		}
	}

	s.refreshGauge(ctx)
	if res.Reclaimed > 0 || res.Enqueued > 0 || res.Deferred > 0 {
		s.log.Infow("Retry scan finished", "reclaimed", res.Reclaimed, "enqueued", res.Enqueued, "deferred", res.Deferred)
	}
	return res, nil
}

func (s *Scanner) refreshGauge(ctx context.Context) {
	if s.stats == nil {
		return
	}
	counts, err := s.stats.EventCounts(ctx)
	if err != nil {
		s.log.Debugw("Failed to refresh ledger gauge", "error", err)
		return
	}
	for _, status := range []domain.EventStatus{
		domain.EventStatusPending, domain.EventStatusProcessing, domain.EventStatusSucceeded,
		domain.EventStatusFailed, domain.EventStatusSkipped,
	} {
		s.metrics.SetLedgerEvents(string(status), counts[status])
	}
}

// Run выполняет ScanOnce каждые Interval до отмены ctx
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Infow("Retry scanner started", "interval", s.cfg.Interval, "batch", s.cfg.Batch, "lease", s.cfg.Lease)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorw("Retry scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("Retry scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}
