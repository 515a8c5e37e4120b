package handlers

import (
	"context"
	"net/http"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/req"
	"github.com/gin-gonic/gin"
)

// AccountReader чтение подписки пользователя
type AccountReader interface {
	AccountSubscription(ctx context.Context, userID string) service.AccountView
}

// FreePlanProvisioner выдача бесплатного плана
type FreePlanProvisioner interface {
	ProvisionFreePlan(ctx context.Context, localUserID string) (domain.Subscription, bool, error)
}

// ProvisionRequest тело запроса на бесплатный план
type ProvisionRequest struct {
	UserID string `json:"user_id" validate:"required,max=255"`
}

type AccountHandler struct {
	accounts    AccountReader
	provisioner FreePlanProvisioner
	log         *logger.Logger
}

func NewAccountHandler(accounts AccountReader, provisioner FreePlanProvisioner, log *logger.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, provisioner: provisioner, log: log}
}

// GetSubscription всегда отвечает 200: без локальной записи статус pending
func (h *AccountHandler) GetSubscription(c *gin.Context) {
	view := h.accounts.AccountSubscription(c.Request.Context(), c.Param("user_id"))
	c.JSON(http.StatusOK, view)
}

// ProvisionFreePlan 201 при создании, 200 если план уже выдан
func (h *AccountHandler) ProvisionFreePlan(c *gin.Context) {
	body, err := req.HandleBody[ProvisionRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	sub, created, err := h.provisioner.ProvisionFreePlan(c.Request.Context(), body.UserID)
	if err != nil {
		writeError(c, err, h.log)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"created": created, "subscription": sub})
}
