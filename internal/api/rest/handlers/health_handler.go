package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
)

// HealthCheck обработчик для проверки работоспособности сервиса
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "OK",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Pinger проверка доступности хранилища
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler готовность принимать уведомления: хранилище должно отвечать
type ReadyHandler struct {
	store   Pinger
	timeout time.Duration
	log     *logger.Logger
}

func NewReadyHandler(store Pinger, timeout time.Duration, log *logger.Logger) *ReadyHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ReadyHandler{store: store, timeout: timeout, log: log}
}

func (h *ReadyHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.log.Warnw("Readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
