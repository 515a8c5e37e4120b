package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/integration/stripe"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/res"
	"github.com/gin-gonic/gin"
)

// EventIngestor прием доставки уведомления
type EventIngestor interface {
	Ingest(ctx context.Context, payload []byte, signature string) (service.IngestResult, error)
}

// invalidWebhookMessage ответ без подробностей проверки подписи и разбора
const invalidWebhookMessage = "invalid webhook"

// WebhookHandler обработчик для вебхуков
type WebhookHandler struct {
	ingestor     EventIngestor
	maxBodyBytes int64
	log          *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(ingestor EventIngestor, maxBodyBytes int64, log *logger.Logger) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 64 << 10
	}
	return &WebhookHandler{
		ingestor:     ingestor,
		maxBodyBytes: maxBodyBytes,
		log:          log,
	}
}

// HandleStripeWebhook подтверждает доставку только после записи события в журнал.
// 400 для неподписанного или неразбираемого тела, 503 если журнал недоступен.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "webhook body too large"}, http.StatusRequestEntityTooLarge, h.log)
			return
		}
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "failed to read webhook body"}, http.StatusBadRequest, h.log)
		return
	}

	result, err := h.ingestor.Ingest(c.Request.Context(), body, c.GetHeader(stripe.SignatureHeader))
	if err != nil {
		if domain.KindOf(err) == domain.KindMalformed {
			h.log.Warnw("Webhook rejected", "error", err, "clientIP", c.ClientIP())
			res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: invalidWebhookMessage, ErrorCode: http.StatusBadRequest}, http.StatusBadRequest, h.log)
			return
		}
		h.log.Errorw("Webhook not recorded", "error", err)
		res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: "event could not be recorded", ErrorCode: http.StatusServiceUnavailable},
			http.StatusServiceUnavailable, h.log)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"duplicate": result.Duplicate,
		"event_id":  result.EventID,
	})
}
