package metrics

import (
	"strconv"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics интерфейс для метрик синхронизации
type SyncMetrics interface {
	IncEventReceived(eventType string)
	IncEventRejected(reason string)
	ObserveProcessing(eventType, outcome string, d time.Duration)
	IncRetryScheduled()
	IncDeadLetter(kind string)
	IncStaleEvent()
	IncTransition(from, to string, legal bool)
	IncDriftDetected(field string)
	IncDriftRepaired()
	IncAuditError()
	IncOutboxPublished(topic string)
	SetLedgerEvents(status string, count int)
}

type syncMetrics struct {
	log              *logger.Logger
	eventsReceived   *prometheus.CounterVec
	eventsRejected   *prometheus.CounterVec
	processing       *prometheus.HistogramVec
	retriesScheduled prometheus.Counter
	deadLetters      *prometheus.CounterVec
	staleEvents      prometheus.Counter
	transitions      *prometheus.CounterVec
	driftDetected    *prometheus.CounterVec
	driftRepaired    prometheus.Counter
	auditErrors      prometheus.Counter
	outboxPublished  *prometheus.CounterVec
	ledgerEvents     *prometheus.GaugeVec
}

// NewSyncMetrics регистрирует метрики синхронизации в registry
func NewSyncMetrics(registry *prometheus.Registry, log *logger.Logger) SyncMetrics {
	factory := promauto.With(registry)

	return &syncMetrics{
		log: log,
		eventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_received_total",
				Help: "Webhook events durably recorded, by type",
			},
			[]string{"type"},
		),
		eventsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_rejected_total",
				Help: "Webhook deliveries rejected at the boundary",
			},
			[]string{"reason"},
		),
		processing: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_event_processing_seconds",
				Help:    "Event processing duration",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"type", "outcome"},
		),
		retriesScheduled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_retries_scheduled_total",
				Help: "Transient failures scheduled for retry",
			},
		),
		deadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_dead_letters_total",
				Help: "Events moved to the dead-letter state",
			},
			[]string{"kind"},
		),
		staleEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_stale_events_total",
				Help: "Events superseded by newer local state",
			},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_state_transitions_total",
				Help: "Subscription status transitions applied",
			},
			[]string{"from", "to", "legal"},
		),
		driftDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_drift_detected_total",
				Help: "Divergent fields found by the drift auditor",
			},
			[]string{"field"},
		),
		driftRepaired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_drift_repaired_total",
				Help: "Subscriptions repaired by the drift auditor",
			},
		),
		auditErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_audit_errors_total",
				Help: "Drift audit items that failed",
			},
		),
		outboxPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_outbox_published_total",
				Help: "Outbox messages published",
			},
			[]string{"topic"},
		),
		ledgerEvents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "billing_ledger_events",
				Help: "Ledger records by status",
			},
			[]string{"status"},
		),
	}
}

func (m *syncMetrics) IncEventReceived(eventType string) {
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

func (m *syncMetrics) IncEventRejected(reason string) {
	m.eventsRejected.WithLabelValues(reason).Inc()
}

func (m *syncMetrics) ObserveProcessing(eventType, outcome string, d time.Duration) {
	m.processing.WithLabelValues(eventType, outcome).Observe(d.Seconds())
}

func (m *syncMetrics) IncRetryScheduled() {
	m.retriesScheduled.Inc()
}

func (m *syncMetrics) IncDeadLetter(kind string) {
	m.deadLetters.WithLabelValues(kind).Inc()
}

func (m *syncMetrics) IncStaleEvent() {
	m.staleEvents.Inc()
}

// IncTransition учитывает переход статуса; legal=false для переходов вне графа
func (m *syncMetrics) IncTransition(from, to string, legal bool) {
	m.transitions.WithLabelValues(from, to, strconv.FormatBool(legal)).Inc()
}

func (m *syncMetrics) IncDriftDetected(field string) {
	m.driftDetected.WithLabelValues(field).Inc()
}

func (m *syncMetrics) IncDriftRepaired() {
	m.driftRepaired.Inc()
}

func (m *syncMetrics) IncAuditError() {
	m.auditErrors.Inc()
}

func (m *syncMetrics) IncOutboxPublished(topic string) {
	m.outboxPublished.WithLabelValues(topic).Inc()
}

func (m *syncMetrics) SetLedgerEvents(status string, count int) {
	m.ledgerEvents.WithLabelValues(status).Set(float64(count))
}
