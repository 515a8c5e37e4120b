package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
)

// AdminService чтение журнала и ручной повтор
type AdminService interface {
	Event(ctx context.Context, eventID string) (domain.WebhookEventRecord, error)
	DeadLetters(ctx context.Context, limit, offset int) ([]domain.WebhookEventRecord, error)
	Reconciliations(ctx context.Context, limit int) ([]domain.ReconciliationRecord, error)
	Replay(ctx context.Context, eventID string) (domain.WebhookEventRecord, error)
}

// Reconciler ручной запуск аудитора
type Reconciler interface {
	ResolveID(ctx context.Context, id string) (string, error)
	AuditBatch(ctx context.Context, remoteSubscriptionIDs []string) ([]domain.ReconciliationRecord, error)
	AuditSample(ctx context.Context) ([]domain.ReconciliationRecord, error)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type AdminHandler struct {
	admin      AdminService
	reconciler Reconciler
	log        *logger.Logger
}

func NewAdminHandler(admin AdminService, reconciler Reconciler, log *logger.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, reconciler: reconciler, log: log}
}

// Reconcile сверяет одну подписку (remote id или локальный UUID) или выборку
func (h *AdminHandler) Reconcile(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		records []domain.ReconciliationRecord
		err     error
	)
	if id := c.Query("subscription_id"); id != "" {
		remoteID, rerr := h.reconciler.ResolveID(ctx, id)
		if rerr != nil {
			writeError(c, rerr, h.log)
			return
		}
		records, err = h.reconciler.AuditBatch(ctx, []string{remoteID})
	} else {
		records, err = h.reconciler.AuditSample(ctx)
	}
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	if records == nil {
		records = []domain.ReconciliationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *AdminHandler) DeadLetters(c *gin.Context) {
	limit := queryInt(c, "limit", defaultPageSize)
	offset := queryInt(c, "offset", 0)
	events, err := h.admin.DeadLetters(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	if events == nil {
		events = []domain.WebhookEventRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "limit": limit, "offset": offset})
}

func (h *AdminHandler) Event(c *gin.Context) {
	rec, err := h.admin.Event(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *AdminHandler) Replay(c *gin.Context) {
	rec, err := h.admin.Replay(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	h.log.Infow("Event replayed by admin", "eventID", rec.EventID, "status", rec.Status)
	c.JSON(http.StatusOK, rec)
}

func (h *AdminHandler) Reconciliations(c *gin.Context) {
	records, err := h.admin.Reconciliations(c.Request.Context(), queryInt(c, "limit", defaultPageSize))
	if err != nil {
		writeError(c, err, h.log)
		return
	}
	if records == nil {
		records = []domain.ReconciliationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// queryInt значение параметра в пределах [0, maxPageSize]
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	if v > maxPageSize {
		return maxPageSize
	}
	return v
}
