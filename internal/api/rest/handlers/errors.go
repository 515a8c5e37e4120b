package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/res"
	"github.com/gin-gonic/gin"
)

// statusFor переводит ошибку домена в HTTP-статус
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotClaimable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConstraintViolation):
		return http.StatusUnprocessableEntity
	case domain.KindOf(err) == domain.KindMalformed:
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStorageUnavailable), errors.Is(err, domain.ErrTimeoutExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error, log *logger.Logger) {
	status := statusFor(err)
	res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: err.Error(), ErrorCode: status}, status, log)
	c.Abort()
}
